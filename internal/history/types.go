package history

import (
	"fmt"
	"time"

	"btdeck/internal/daterange"
)

// SeriesKey 唯一标识一个缓存的历史序列（symbol + timeframe）。
type SeriesKey struct {
	Symbol    string
	Timeframe string
}

func (k SeriesKey) String() string {
	return k.Symbol + " " + k.Timeframe
}

// CatalogEntry 描述某个序列在本地可用的日期范围，来源于服务端清单。
// 每个 key 至多一条；下载或删除成功后整体刷新。
type CatalogEntry struct {
	Key      SeriesKey
	MinDate  time.Time
	MaxDate  time.Time
	Filename string
}

// Range 返回该条目覆盖的日期范围。
func (e CatalogEntry) Range() daterange.DateRange {
	return daterange.DateRange{Start: e.MinDate, End: e.MaxDate}
}

// Coverage 是覆盖判定的结果类别。
type Coverage int

const (
	// CoverageUnknown 表示该序列完全没有缓存数据。
	CoverageUnknown Coverage = iota
	// CoverageCovered 表示请求范围完全落在缓存范围内。
	CoverageCovered
	// CoveragePartiallyMissing 表示请求范围超出缓存范围，需要补齐。
	CoveragePartiallyMissing
)

func (c Coverage) String() string {
	switch c {
	case CoverageCovered:
		return "covered"
	case CoveragePartiallyMissing:
		return "partially_missing"
	default:
		return "unknown"
	}
}

// CoverageVerdict 承载覆盖判定与双方范围，供协商环节给出精确提示。
// 判定只是本地乐观短路，服务端仍可能给出不同结论（清单可能已过期）。
type CoverageVerdict struct {
	Coverage  Coverage
	Requested daterange.DateRange
	Available *daterange.DateRange
}

// Resolve 对照缓存条目判定请求范围的覆盖情况。纯函数，同样输入恒得同样结论。
func Resolve(requested daterange.DateRange, entry *CatalogEntry) CoverageVerdict {
	if entry == nil {
		return CoverageVerdict{Coverage: CoverageUnknown, Requested: requested}
	}
	available := entry.Range()
	verdict := CoverageVerdict{Requested: requested, Available: &available}
	if available.Contains(requested) {
		verdict.Coverage = CoverageCovered
	} else {
		verdict.Coverage = CoveragePartiallyMissing
	}
	return verdict
}

// ExtensionSuggestion 是服务端在下载会造成缓存断档时给出的补齐建议。
// 由协商环节消费一次，确认或取消后即丢弃。
type ExtensionSuggestion struct {
	CurrentMin time.Time
	CurrentMax time.Time
	Suggested  daterange.DateRange
}

// Current 返回服务端报告的当前缓存范围。
func (s ExtensionSuggestion) Current() daterange.DateRange {
	return daterange.DateRange{Start: s.CurrentMin, End: s.CurrentMax}
}

// ExtensionRequiredError 表示服务端拒绝了下载并附带建议范围。
type ExtensionRequiredError struct {
	Message    string
	Suggestion ExtensionSuggestion
}

func (e *ExtensionRequiredError) Error() string {
	return fmt.Sprintf("需要扩展下载范围: %s（建议 %s）", e.Message, e.Suggestion.Suggested)
}

// DownloadError 表示下载失败，对当前一次尝试是终态，不自动重试。
type DownloadError struct {
	Message string
}

func (e *DownloadError) Error() string {
	return "下载历史数据失败: " + e.Message
}
