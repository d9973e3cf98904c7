package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"btdeck/internal/backtest"
	"btdeck/internal/daterange"
	"btdeck/internal/history"
	"btdeck/internal/logger"
)

// maxGapRetries 限定服务端报缺数据后的自动恢复次数。
// 下载成功后原样重发一次；再次缺数据直接终止，避免对一个不给数据的源无限循环。
const maxGapRetries = 1

// CatalogView 是工作流需要的清单读视图。
type CatalogView interface {
	Entry(key history.SeriesKey) (history.CatalogEntry, bool)
}

// Downloader 对应下载协调器。
type Downloader interface {
	Download(ctx context.Context, key history.SeriesKey, rng daterange.DateRange, forceExtend bool) (history.CatalogEntry, error)
}

// Submitter 对应回测提交器。
type Submitter interface {
	Submit(ctx context.Context, req backtest.Request) (backtest.Outcome, error)
}

// StrategyGuard 做提交前的本地策略校验（允许的 symbol、允许的日期窗口）。
type StrategyGuard interface {
	Validate(strategy, symbol string, rng daterange.DateRange) error
}

// Workflow 串起一次回测尝试：校验 → 覆盖判定 → 协商/下载 → 提交（最多一次补数重试）。
type Workflow struct {
	catalog    CatalogView
	downloader Downloader
	submitter  Submitter
	negotiator *Negotiator
	guard      StrategyGuard // 可为空
}

func New(catalog CatalogView, downloader Downloader, submitter Submitter, negotiator *Negotiator, guard StrategyGuard) (*Workflow, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog 不能为空")
	}
	if downloader == nil {
		return nil, fmt.Errorf("downloader 不能为空")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter 不能为空")
	}
	if negotiator == nil {
		return nil, fmt.Errorf("negotiator 不能为空")
	}
	return &Workflow{
		catalog:    catalog,
		downloader: downloader,
		submitter:  submitter,
		negotiator: negotiator,
		guard:      guard,
	}, nil
}

// RunParams 是一次尝试的原始操作者输入。
type RunParams struct {
	Strategy  string
	Symbol    string
	Timeframe string
	StartDate string
	EndDate   string
}

// RunResult 是一次尝试的结局。Strategy 显式携带本次使用的策略，
// 交给展示层做汇总跳转，取代任何进程级"最近策略"全局状态。
type RunResult struct {
	Strategy   string
	Request    backtest.Request
	Outcome    backtest.Outcome
	Cancelled  bool
	GapRetries int
}

// Run 执行一次完整的回测尝试。除一次补数重试外，任何错误都是本次尝试的终态。
func (w *Workflow) Run(ctx context.Context, params RunParams) (RunResult, error) {
	strategy := strings.TrimSpace(params.Strategy)
	if strategy == "" {
		return RunResult{}, fmt.Errorf("%w: 策略不能为空", daterange.ErrInvalidRange)
	}
	rng, err := daterange.Parse(params.StartDate, params.EndDate)
	if err != nil {
		return RunResult{}, err
	}
	key := history.SeriesKey{
		Symbol:    strings.TrimSpace(params.Symbol),
		Timeframe: strings.TrimSpace(params.Timeframe),
	}
	if key.Symbol == "" || key.Timeframe == "" {
		return RunResult{}, fmt.Errorf("symbol 与 timeframe 不能为空")
	}
	if w.guard != nil {
		if err := w.guard.Validate(strategy, key.Symbol, rng); err != nil {
			return RunResult{}, err
		}
	}

	result := RunResult{Strategy: strategy}

	// 本地覆盖判定只是乐观短路，最终结论以服务端为准。
	verdict := w.resolve(key, rng)
	switch verdict.Coverage {
	case history.CoverageCovered:
		logger.Debugf("清单覆盖 %s %s，直接提交", key, rng)
	case history.CoverageUnknown:
		cancelled, err := w.negotiateAndFill(ctx, ExtensionPrompt{
			Key:      key,
			Proposed: rng,
			Reason:   fmt.Sprintf("%s 没有任何缓存数据", key),
		})
		if err != nil {
			return result, err
		}
		if cancelled {
			result.Cancelled = true
			return result, nil
		}
	case history.CoveragePartiallyMissing:
		proposed := daterange.Union(rng, *verdict.Available)
		cancelled, err := w.negotiateAndFill(ctx, ExtensionPrompt{
			Key:      key,
			Cached:   verdict.Available,
			Proposed: proposed,
			Reason: fmt.Sprintf("请求范围 %s 超出缓存范围 %s",
				verdict.Requested, *verdict.Available),
		})
		if err != nil {
			return result, err
		}
		if cancelled {
			result.Cancelled = true
			return result, nil
		}
	}

	// 请求在这里构造一次；补数重试必须复用同一个值（含文件名固定值）。
	req := backtest.Request{Strategy: strategy, Key: key, Range: rng}
	if entry, ok := w.catalog.Entry(key); ok {
		req.Filename = entry.Filename
	}
	result.Request = req

	gapUsed := 0
	for {
		outcome, err := w.submitter.Submit(ctx, req)
		if err != nil {
			return result, err
		}
		if outcome.Kind != backtest.OutcomeNoHistoricalData {
			result.Outcome = outcome
			return result, nil
		}
		// 服务端结论覆盖本地乐观判定：清单可能已经过期。
		if gapUsed >= maxGapRetries {
			result.Outcome = outcome
			return result, fmt.Errorf("补数下载成功后服务端仍报缺少历史数据，停止重试: %s", outcome.Message)
		}
		cancelled, err := w.negotiateAndFill(ctx, ExtensionPrompt{
			Key:      key,
			Cached:   w.cachedRange(key),
			Proposed: rng,
			Reason:   outcome.Message,
		})
		if err != nil {
			return result, err
		}
		if cancelled {
			result.Cancelled = true
			return result, nil
		}
		gapUsed++
		result.GapRetries = gapUsed
		logger.Infof("补数完成，原样重发回测请求（%s %s，第 %d 次重试）", key, rng, gapUsed)
	}
}

func (w *Workflow) resolve(key history.SeriesKey, rng daterange.DateRange) history.CoverageVerdict {
	if entry, ok := w.catalog.Entry(key); ok {
		return history.Resolve(rng, &entry)
	}
	return history.Resolve(rng, nil)
}

func (w *Workflow) cachedRange(key history.SeriesKey) *daterange.DateRange {
	if entry, ok := w.catalog.Entry(key); ok {
		rng := entry.Range()
		return &rng
	}
	return nil
}

// negotiateAndFill 征询操作者后下载 prompt.Proposed 覆盖的数据。
// 返回 cancelled=true 表示操作者放弃，本次尝试到此为止，未发出任何请求。
func (w *Workflow) negotiateAndFill(ctx context.Context, prompt ExtensionPrompt) (bool, error) {
	state, err := w.negotiator.Negotiate(ctx, prompt)
	if err != nil {
		return false, err
	}
	if state == StateCancelled {
		logger.Infof("操作者取消了 %s 的下载协商", prompt.Key)
		return true, nil
	}
	return w.fill(ctx, prompt.Key, prompt.Proposed)
}

// fill 执行下载；若服务端以扩展建议拒绝，再发起一轮协商，
// 确认后按「建议范围与当前缓存的并集」带 force_extend 重试一次。
func (w *Workflow) fill(ctx context.Context, key history.SeriesKey, rng daterange.DateRange) (bool, error) {
	_, err := w.downloader.Download(ctx, key, rng, false)
	if err == nil {
		return false, nil
	}
	var ext *history.ExtensionRequiredError
	if !errors.As(err, &ext) {
		return false, err
	}
	cached := ext.Suggestion.Current()
	// 取并集而不是替换：扩展的目的是得到无缝超集，不能丢掉已有区间。
	proposed := daterange.Union(ext.Suggestion.Suggested, cached)
	state, nerr := w.negotiator.Negotiate(ctx, ExtensionPrompt{
		Key:         key,
		Cached:      &cached,
		Proposed:    proposed,
		Reason:      ext.Message,
		ForceExtend: true,
	})
	if nerr != nil {
		return false, nerr
	}
	if state == StateCancelled {
		logger.Infof("操作者取消了 %s 的扩展下载", key)
		return true, nil
	}
	if _, err := w.downloader.Download(ctx, key, proposed, true); err != nil {
		// 接受建议后仍被拒绝：本次尝试的终态，不再自动重试。
		return false, err
	}
	return false, nil
}
