package history

import (
	"sort"
	"sync"
	"time"

	"btdeck/internal/daterange"
	"btdeck/internal/logger"
	"btdeck/internal/service"
)

// Catalog 持有服务端历史清单的本地快照。
// 读多写少：工作流读取，只有下载/删除成功（或发现清单过期）后由协调器整体替换。
type Catalog struct {
	mu          sync.RWMutex
	entries     map[SeriesKey]CatalogEntry
	refreshedAt time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[SeriesKey]CatalogEntry)}
}

// ReplaceAll 用服务端清单原子替换全部条目。
func (c *Catalog) ReplaceAll(listing map[string]map[string]service.HistoryMeta) {
	next := make(map[SeriesKey]CatalogEntry)
	for symbol, timeframes := range listing {
		for tf, meta := range timeframes {
			key := SeriesKey{Symbol: symbol, Timeframe: tf}
			entry, err := entryFromMeta(key, meta)
			if err != nil {
				logger.Warnf("忽略清单中无法解析的条目 %s: %v", key, err)
				continue
			}
			next[key] = entry
		}
	}
	c.mu.Lock()
	c.entries = next
	c.refreshedAt = time.Now()
	c.mu.Unlock()
}

func entryFromMeta(key SeriesKey, meta service.HistoryMeta) (CatalogEntry, error) {
	minDate, err := daterange.ParseDay(meta.MinDate)
	if err != nil {
		return CatalogEntry{}, err
	}
	maxDate, err := daterange.ParseDay(meta.MaxDate)
	if err != nil {
		return CatalogEntry{}, err
	}
	return CatalogEntry{Key: key, MinDate: minDate, MaxDate: maxDate, Filename: meta.Filename}, nil
}

// Entry 返回指定序列的缓存条目。
func (c *Catalog) Entry(key SeriesKey) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Resolve 对指定序列做覆盖判定。
func (c *Catalog) Resolve(key SeriesKey, requested daterange.DateRange) CoverageVerdict {
	if entry, ok := c.Entry(key); ok {
		return Resolve(requested, &entry)
	}
	return Resolve(requested, nil)
}

// Snapshot 返回按 symbol/timeframe 排序的条目列表，供展示层使用。
func (c *Catalog) Snapshot() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CatalogEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Symbol != out[j].Key.Symbol {
			return out[i].Key.Symbol < out[j].Key.Symbol
		}
		return out[i].Key.Timeframe < out[j].Key.Timeframe
	})
	return out
}

// RefreshedAt 返回最近一次成功刷新的时间。
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
