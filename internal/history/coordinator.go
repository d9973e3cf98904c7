package history

import (
	"context"
	"fmt"
	"strings"

	"btdeck/internal/daterange"
	"btdeck/internal/logger"
	"btdeck/internal/service"
)

// HistoryAPI 是协调器依赖的数据服务子集。
type HistoryAPI interface {
	ListHistory(ctx context.Context) (map[string]map[string]service.HistoryMeta, error)
	DownloadHistory(ctx context.Context, req service.DownloadRequest) (*service.DownloadResponse, error)
	DeleteHistory(ctx context.Context, symbol, timeframe string) (*service.DeleteResponse, error)
}

// Coordinator 负责下载/删除历史数据并在成功后刷新本地清单。
// 清单只在这里写入，调用方视角下替换是原子的。
type Coordinator struct {
	api     HistoryAPI
	catalog *Catalog
}

func NewCoordinator(api HistoryAPI, catalog *Catalog) (*Coordinator, error) {
	if api == nil {
		return nil, fmt.Errorf("history api 不能为空")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog 不能为空")
	}
	return &Coordinator{api: api, catalog: catalog}, nil
}

// Refresh 重新拉取服务端清单并替换本地快照。
func (c *Coordinator) Refresh(ctx context.Context) error {
	listing, err := c.api.ListHistory(ctx)
	if err != nil {
		return fmt.Errorf("刷新历史清单失败: %w", err)
	}
	c.catalog.ReplaceAll(listing)
	return nil
}

// Download 请求服务端为 key 下载/扩展 rng 覆盖的历史数据。
// 成功后刷新清单并返回该序列的新条目；失败不做任何本地修改。
// 服务端以 force_extend_param 拒绝时返回 *ExtensionRequiredError；
// forceExtend=true 表示调用方已接受建议范围，再被拒绝就是本次尝试的终态。
func (c *Coordinator) Download(ctx context.Context, key SeriesKey, rng daterange.DateRange, forceExtend bool) (CatalogEntry, error) {
	resp, err := c.api.DownloadHistory(ctx, service.DownloadRequest{
		Symbol:      key.Symbol,
		Timeframe:   key.Timeframe,
		StartDate:   rng.StartDay(),
		EndDate:     rng.EndDay(),
		ForceExtend: forceExtend,
	})
	if err != nil {
		return CatalogEntry{}, &DownloadError{Message: err.Error()}
	}
	if !resp.Success {
		if resp.ForceExtendParam && !forceExtend {
			suggestion, err := suggestionFromResponse(resp)
			if err != nil {
				return CatalogEntry{}, &DownloadError{Message: fmt.Sprintf("%s（建议范围无法解析: %v）", resp.Error, err)}
			}
			return CatalogEntry{}, &ExtensionRequiredError{Message: resp.Error, Suggestion: suggestion}
		}
		return CatalogEntry{}, &DownloadError{Message: resp.Error}
	}
	if err := c.Refresh(ctx); err != nil {
		// 下载已成功，清单刷新失败只降级为告警，下一次刷新会补上。
		logger.Warnf("下载成功但刷新清单失败（%s）: %v", key, err)
	}
	if entry, ok := c.catalog.Entry(key); ok {
		return entry, nil
	}
	minDate := rng.Start
	maxDate := rng.End
	return CatalogEntry{Key: key, MinDate: minDate, MaxDate: maxDate}, nil
}

func suggestionFromResponse(resp *service.DownloadResponse) (ExtensionSuggestion, error) {
	currentMin, err := daterange.ParseDay(resp.CurrentMinDate)
	if err != nil {
		return ExtensionSuggestion{}, err
	}
	currentMax, err := daterange.ParseDay(resp.CurrentMaxDate)
	if err != nil {
		return ExtensionSuggestion{}, err
	}
	suggested, err := daterange.Parse(resp.SuggestedStartDate, resp.SuggestedEndDate)
	if err != nil {
		return ExtensionSuggestion{}, err
	}
	return ExtensionSuggestion{CurrentMin: currentMin, CurrentMax: currentMax, Suggested: suggested}, nil
}

// Delete 删除指定序列。服务端报 "not found" 说明本地清单已经过期，
// 此时同样触发刷新并按成功处理，不作为阻断性错误。
func (c *Coordinator) Delete(ctx context.Context, key SeriesKey) error {
	resp, err := c.api.DeleteHistory(ctx, key.Symbol, key.Timeframe)
	if err != nil {
		return fmt.Errorf("删除历史数据失败: %w", err)
	}
	if !resp.Success {
		if strings.Contains(strings.ToLower(resp.Error), "not found") {
			logger.Warnf("删除 %s 时服务端报 not found，清单已过期，触发刷新", key)
			if err := c.Refresh(ctx); err != nil {
				logger.Warnf("刷新历史清单失败: %v", err)
			}
			return nil
		}
		return fmt.Errorf("删除历史数据失败: %s", resp.Error)
	}
	if err := c.Refresh(ctx); err != nil {
		logger.Warnf("删除成功但刷新清单失败（%s）: %v", key, err)
	}
	return nil
}
