package backtest

import (
	"btdeck/internal/daterange"
	"btdeck/internal/history"
)

// Request 是一次回测提交的完整参数。每次尝试整体重建，构造后不再修改；
// 补数重试必须复用同一个 Request 值，避免两次提交之间参数漂移。
type Request struct {
	Strategy  string
	Key       history.SeriesKey
	Range     daterange.DateRange
	Filename  string // 从清单条目解析出的文件名固定值，可为空
}

// OutcomeKind 是回测结果的类别标签。
type OutcomeKind int

const (
	// OutcomeSuccess 表示回测完成，Summary 可能存在也可能只有原始输出。
	OutcomeSuccess OutcomeKind = iota
	// OutcomeNoHistoricalData 表示服务端报告缺少历史数据，是补数重试的触发条件。
	OutcomeNoHistoricalData
	// OutcomeValidationError 表示服务端拒绝了请求结构，逐条透传，不重试。
	OutcomeValidationError
	// OutcomeNetworkError 表示传输层失败，服务不可达，不重试。
	OutcomeNetworkError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoHistoricalData:
		return "no_historical_data"
	case OutcomeValidationError:
		return "validation_error"
	case OutcomeNetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// Outcome 是提交一次回测后的判定结果。
type Outcome struct {
	Kind       OutcomeKind
	Summary    *Summary // 仅 Success 且服务端返回了汇总时非空
	RawOutput  string   // 回测进程原始输出
	ResultFile string
	Messages   []string // 仅 ValidationError：逐字段错误
	Message    string   // NoHistoricalData / NetworkError 的人类可读原因
}
