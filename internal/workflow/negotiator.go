package workflow

import (
	"context"
	"fmt"
	"sync"

	"btdeck/internal/daterange"
	"btdeck/internal/history"
)

// NegotiationState 是扩展协商的状态机取值。
type NegotiationState int

const (
	StateIdle NegotiationState = iota
	StatePrompting
	StateConfirmed
	StateCancelled
)

func (s NegotiationState) String() string {
	switch s {
	case StatePrompting:
		return "prompting"
	case StateConfirmed:
		return "confirmed"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// ExtensionPrompt 是呈现给操作者的确认请求：当前缓存范围与建议下载范围。
type ExtensionPrompt struct {
	Key         history.SeriesKey
	Cached      *daterange.DateRange // 当前缓存范围，无缓存时为空
	Proposed    daterange.DateRange  // 建议下载的范围（确认后以此下载，而非原始请求范围）
	Reason      string
	ForceExtend bool // 该提示来自服务端的扩展建议，确认后下载需带 force_extend
}

// Decider 是操作者决策的来源，由外部展示层实现（HTTP 挂起决策、测试用脚本桩）。
type Decider interface {
	Decide(ctx context.Context, prompt ExtensionPrompt) (bool, error)
}

// DeciderFunc 方便用函数实现 Decider。
type DeciderFunc func(ctx context.Context, prompt ExtensionPrompt) (bool, error)

func (f DeciderFunc) Decide(ctx context.Context, prompt ExtensionPrompt) (bool, error) {
	return f(ctx, prompt)
}

// Negotiator 驱动 Idle → Prompting → {Confirmed, Cancelled} 的同步人机协商。
// 同一时间只允许一个待确认的协商；确认/取消后回落到 Idle，
// 供同一次尝试内的下一轮协商（例如补数确认后又收到扩展建议）复用。
type Negotiator struct {
	decider Decider

	mu    sync.Mutex
	state NegotiationState
	last  NegotiationState
}

func NewNegotiator(decider Decider) (*Negotiator, error) {
	if decider == nil {
		return nil, fmt.Errorf("decider 不能为空")
	}
	return &Negotiator{decider: decider}, nil
}

// Negotiate 同步征询操作者并返回终态。取消只是放弃本次尝试，不提交任何状态。
func (n *Negotiator) Negotiate(ctx context.Context, prompt ExtensionPrompt) (NegotiationState, error) {
	n.mu.Lock()
	if n.state == StatePrompting {
		n.mu.Unlock()
		return StateIdle, fmt.Errorf("已有待确认的协商，不能再发起新协商")
	}
	n.state = StatePrompting
	n.mu.Unlock()

	accepted, err := n.decider.Decide(ctx, prompt)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = StateIdle
	if err != nil {
		n.last = StateIdle
		return StateIdle, fmt.Errorf("协商决策失败: %w", err)
	}
	if accepted {
		n.last = StateConfirmed
	} else {
		n.last = StateCancelled
	}
	return n.last, nil
}

// LastState 返回最近一次协商的终态，测试与状态展示用。
func (n *Negotiator) LastState() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}
