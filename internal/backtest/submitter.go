package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"btdeck/internal/service"
)

// noDataMarker 是服务端业务失败里触发补数重试的标记文本。
const noDataMarker = "No historical data"

// BacktestAPI 是提交器依赖的数据服务子集。
type BacktestAPI interface {
	SubmitBacktest(ctx context.Context, payload service.BacktestPayload) (*service.BacktestResponse, error)
}

// Submitter 提交回测并把服务端响应翻译成 Outcome。
// 响应判定顺序固定：422 校验失败 → 缺数据标记 → 其他业务失败 → 传输失败 → 成功。
type Submitter struct {
	api BacktestAPI
}

func NewSubmitter(api BacktestAPI) (*Submitter, error) {
	if api == nil {
		return nil, fmt.Errorf("backtest api 不能为空")
	}
	return &Submitter{api: api}, nil
}

// Submit 提交一次回测。返回的 error 只用于"其他业务失败"与不可判定的意外情况，
// 四类常规结局都通过 Outcome 表达，调用方据此决定是否走补数重试。
func (s *Submitter) Submit(ctx context.Context, req Request) (Outcome, error) {
	resp, err := s.api.SubmitBacktest(ctx, service.BacktestPayload{
		Strategy:  req.Strategy,
		Symbol:    req.Key.Symbol,
		Timeframe: req.Key.Timeframe,
		Filename:  req.Filename,
		StartDate: req.Range.StartDay(),
		EndDate:   req.Range.EndDay(),
	})
	if err != nil {
		var validation *service.ValidationError
		if errors.As(err, &validation) {
			return Outcome{Kind: OutcomeValidationError, Messages: validation.Messages()}, nil
		}
		if errors.Is(err, service.ErrUnreachable) {
			return Outcome{Kind: OutcomeNetworkError, Message: err.Error()}, nil
		}
		return Outcome{}, err
	}
	if resp.Success {
		return Outcome{
			Kind:       OutcomeSuccess,
			Summary:    ParseSummary(resp.Summary),
			RawOutput:  resp.Stdout,
			ResultFile: resp.ResultFile,
		}, nil
	}
	if strings.Contains(resp.Error, noDataMarker) {
		return Outcome{Kind: OutcomeNoHistoricalData, Message: resp.Error}, nil
	}
	// 其他业务失败原样上抛，不重试。
	return Outcome{}, errors.New(resp.Error)
}
