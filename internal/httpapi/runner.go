package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"btdeck/internal/backtest"
	"btdeck/internal/logger"
	"btdeck/internal/report"
	"btdeck/internal/store"
	"btdeck/internal/workflow"
)

// 尝试状态。
const (
	AttemptRunning  = "running"
	AttemptAwaiting = "awaiting_decision"
	AttemptDone     = "done"
)

// Attempt 是一次回测尝试在 API 层的镜像：工作流在后台 goroutine 里同步执行，
// 碰到协商点就挂起等操作者通过 HTTP 回答。
type Attempt struct {
	ID     string
	Params workflow.RunParams

	mu         sync.Mutex
	status     string
	prompt     *workflow.ExtensionPrompt
	decisionCh chan bool
	result     *workflow.RunResult
	errMsg     string
	reportPath string
	startedAt  time.Time
	finishedAt time.Time
}

// AttemptView 是对外暴露的快照。
type AttemptView struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	Params     ParamsView   `json:"params"`
	Prompt     *PromptView  `json:"prompt,omitempty"`
	Outcome    *OutcomeView `json:"outcome,omitempty"`
	Cancelled  bool         `json:"cancelled,omitempty"`
	GapRetries int          `json:"gap_retries,omitempty"`
	Error      string       `json:"error,omitempty"`
	ReportPath string       `json:"report_path,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// ParamsView 回显操作者提交的回测参数。
type ParamsView struct {
	Strategy  string `json:"strategy"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// PromptView 是协商提示的展示形态。
type PromptView struct {
	Symbol        string `json:"symbol"`
	Timeframe     string `json:"timeframe"`
	CachedStart   string `json:"cached_start,omitempty"`
	CachedEnd     string `json:"cached_end,omitempty"`
	ProposedStart string `json:"proposed_start"`
	ProposedEnd   string `json:"proposed_end"`
	Reason        string `json:"reason"`
	ForceExtend   bool   `json:"force_extend"`
}

// OutcomeView 是回测结局的展示形态。
type OutcomeView struct {
	Kind       string            `json:"kind"`
	Summary    *backtest.Summary `json:"summary,omitempty"`
	RawOutput  string            `json:"raw_output,omitempty"`
	ResultFile string            `json:"result_file,omitempty"`
	Messages   []string          `json:"messages,omitempty"`
	Message    string            `json:"message,omitempty"`
}

func (a *Attempt) view() AttemptView {
	a.mu.Lock()
	defer a.mu.Unlock()
	view := AttemptView{
		ID:     a.ID,
		Status: a.status,
		Params: ParamsView{
			Strategy:  a.Params.Strategy,
			Symbol:    a.Params.Symbol,
			Timeframe: a.Params.Timeframe,
			StartDate: a.Params.StartDate,
			EndDate:   a.Params.EndDate,
		},
		Error:      a.errMsg,
		ReportPath: a.reportPath,
		StartedAt:  a.startedAt,
	}
	if !a.finishedAt.IsZero() {
		t := a.finishedAt
		view.FinishedAt = &t
	}
	if a.prompt != nil {
		p := &PromptView{
			Symbol:        a.prompt.Key.Symbol,
			Timeframe:     a.prompt.Key.Timeframe,
			ProposedStart: a.prompt.Proposed.StartDay(),
			ProposedEnd:   a.prompt.Proposed.EndDay(),
			Reason:        a.prompt.Reason,
			ForceExtend:   a.prompt.ForceExtend,
		}
		if a.prompt.Cached != nil {
			p.CachedStart = a.prompt.Cached.StartDay()
			p.CachedEnd = a.prompt.Cached.EndDay()
		}
		view.Prompt = p
	}
	if a.result != nil {
		view.Cancelled = a.result.Cancelled
		view.GapRetries = a.result.GapRetries
		if !a.result.Cancelled && a.errMsg == "" {
			view.Outcome = &OutcomeView{
				Kind:       a.result.Outcome.Kind.String(),
				Summary:    a.result.Outcome.Summary,
				RawOutput:  a.result.Outcome.RawOutput,
				ResultFile: a.result.Outcome.ResultFile,
				Messages:   a.result.Outcome.Messages,
				Message:    a.result.Outcome.Message,
			}
		}
	}
	return view
}

// Runner 管理回测尝试：同一时间最多一个在飞，触发控件由 UI 侧禁用，
// 这里再用信号量兜底。Runner 自身实现 workflow.Decider，把协商点
// 翻译成"挂起等 HTTP 决策"。
type Runner struct {
	wf       *workflow.Workflow
	renderer *report.Renderer
	runs     *store.RunStore
	snapshot bool

	inflight *semaphore.Weighted

	mu       sync.Mutex
	attempts map[string]*Attempt
	current  *Attempt

	baseCtx context.Context
}

// NewRunner 构造 Runner；workflow 的 Negotiator 须以本 Runner 为 Decider。
func NewRunner(renderer *report.Renderer, runs *store.RunStore, snapshotPNG bool) *Runner {
	return &Runner{
		renderer: renderer,
		runs:     runs,
		snapshot: snapshotPNG,
		inflight: semaphore.NewWeighted(1),
		attempts: make(map[string]*Attempt),
		baseCtx:  context.Background(),
	}
}

// BindWorkflow 注入工作流。Runner 与 Workflow 互相引用（Runner 是 Decider），
// 只能两段式装配。
func (r *Runner) BindWorkflow(wf *workflow.Workflow) {
	r.wf = wf
}

// SetContext 注入宿主 ctx，用于停机时中断在飞尝试。
func (r *Runner) SetContext(ctx context.Context) {
	if ctx != nil {
		r.baseCtx = ctx
	}
}

var ErrBusy = errors.New("已有一次回测在进行中")

// Start 启动一次尝试；已有在飞尝试时拒绝。
func (r *Runner) Start(params workflow.RunParams) (*Attempt, error) {
	if r.wf == nil {
		return nil, fmt.Errorf("workflow 未注入")
	}
	if !r.inflight.TryAcquire(1) {
		return nil, ErrBusy
	}
	attempt := &Attempt{
		ID:         uuid.NewString(),
		Params:     params,
		status:     AttemptRunning,
		decisionCh: make(chan bool, 1),
		startedAt:  time.Now(),
	}
	r.mu.Lock()
	r.attempts[attempt.ID] = attempt
	r.current = attempt
	r.mu.Unlock()

	go r.run(attempt)
	return attempt, nil
}

func (r *Runner) run(attempt *Attempt) {
	defer r.inflight.Release(1)
	started := time.Now()
	result, err := r.wf.Run(r.baseCtx, attempt.Params)

	reportPath := ""
	if err == nil && !result.Cancelled && result.Outcome.Kind == backtest.OutcomeSuccess && r.renderer != nil {
		path, rerr := r.renderer.Render(result.Strategy, result.Outcome)
		if rerr != nil {
			logger.Warnf("生成报告失败: %v", rerr)
		} else {
			reportPath = path
			if r.snapshot {
				if _, serr := report.Snapshot(r.baseCtx, path); serr != nil {
					logger.Warnf("报告截图失败: %v", serr)
				}
			}
		}
	}

	attempt.mu.Lock()
	attempt.status = AttemptDone
	attempt.prompt = nil
	attempt.result = &result
	if err != nil {
		attempt.errMsg = err.Error()
	}
	attempt.reportPath = reportPath
	attempt.finishedAt = time.Now()
	attempt.mu.Unlock()

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	r.record(attempt, result, err, time.Since(started), reportPath)
}

func (r *Runner) record(attempt *Attempt, result workflow.RunResult, err error, elapsed time.Duration, reportPath string) {
	if r.runs == nil {
		return
	}
	rec := &store.RunRecord{
		Strategy:   result.Strategy,
		Symbol:     attempt.Params.Symbol,
		Timeframe:  attempt.Params.Timeframe,
		StartDate:  attempt.Params.StartDate,
		EndDate:    attempt.Params.EndDate,
		Status:     runStatus(result, err),
		GapRetries: result.GapRetries,
		DurationMS: elapsed.Milliseconds(),
		ReportPath: reportPath,
	}
	if err != nil {
		rec.Message = err.Error()
	} else if result.Outcome.Message != "" {
		rec.Message = result.Outcome.Message
	}
	var detail any
	if result.Outcome.Summary != nil {
		detail = result.Outcome.Summary
	} else if len(result.Outcome.Messages) > 0 {
		detail = result.Outcome.Messages
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := r.runs.Record(ctx, rec, detail); rerr != nil {
		logger.Warnf("写入运行记录失败: %v", rerr)
	}
}

func runStatus(result workflow.RunResult, err error) string {
	if result.Cancelled {
		return store.StatusCancelled
	}
	if err != nil {
		return store.StatusError
	}
	switch result.Outcome.Kind {
	case backtest.OutcomeSuccess:
		return store.StatusSuccess
	case backtest.OutcomeNoHistoricalData:
		return store.StatusNoData
	case backtest.OutcomeValidationError:
		return store.StatusValidation
	case backtest.OutcomeNetworkError:
		return store.StatusNetwork
	default:
		return store.StatusError
	}
}

// Decide 实现 workflow.Decider：记录提示并挂起，直到操作者经 HTTP 确认或取消。
func (r *Runner) Decide(ctx context.Context, prompt workflow.ExtensionPrompt) (bool, error) {
	r.mu.Lock()
	attempt := r.current
	r.mu.Unlock()
	if attempt == nil {
		return false, fmt.Errorf("没有在飞的回测尝试")
	}
	attempt.mu.Lock()
	attempt.status = AttemptAwaiting
	attempt.prompt = &prompt
	attempt.mu.Unlock()

	select {
	case accepted := <-attempt.decisionCh:
		attempt.mu.Lock()
		attempt.status = AttemptRunning
		attempt.prompt = nil
		attempt.mu.Unlock()
		return accepted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve 把操作者的决定投递给挂起的尝试。
func (r *Runner) Resolve(id string, accept bool) error {
	r.mu.Lock()
	attempt, ok := r.attempts[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("未知的尝试: %s", id)
	}
	attempt.mu.Lock()
	awaiting := attempt.status == AttemptAwaiting
	attempt.mu.Unlock()
	if !awaiting {
		return fmt.Errorf("尝试 %s 当前没有待确认的协商", id)
	}
	select {
	case attempt.decisionCh <- accept:
		return nil
	default:
		return fmt.Errorf("尝试 %s 的决策已投递", id)
	}
}

// Attempt 返回指定尝试的快照。
func (r *Runner) Attempt(id string) (AttemptView, bool) {
	r.mu.Lock()
	attempt, ok := r.attempts[id]
	r.mu.Unlock()
	if !ok {
		return AttemptView{}, false
	}
	return attempt.view(), true
}
