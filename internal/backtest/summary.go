package backtest

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Trade 是汇总中的单笔成交记录。
type Trade struct {
	EntryTime  string  `json:"entry_time"`
	EntryPrice float64 `json:"entry_price"`
	ExitTime   string  `json:"exit_time"`
	ExitPrice  float64 `json:"exit_price"`
	Profit     float64 `json:"profit"`
}

// Summary 是展示层消费的绩效汇总。字段全部可缺省：
// 服务端返回里缺失或类型不对的曲线/成交字段一律按空处理，不报错。
type Summary struct {
	TotalTrades   int       `json:"total_trades"`
	TotalProfit   float64   `json:"total_profit"`
	WinningTrades int       `json:"winning_trades"`
	LosingTrades  int       `json:"losing_trades"`
	WinRate       float64   `json:"win_rate"`
	AvgProfit     float64   `json:"avg_profit"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	StartDate     string    `json:"start_date"`
	EndDate       string    `json:"end_date"`
	EquityCurve   []float64 `json:"equity_curve"`
	DrawdownCurve []float64 `json:"drawdown_curve"`
	Trades        []Trade   `json:"trades"`
}

// ParseSummary 宽容地解析服务端汇总。输入为空或不是 JSON 对象时返回 nil
//（调用方退回展示原始输出）。曲线缺失但有成交记录时在本地补算。
func ParseSummary(raw json.RawMessage) *Summary {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil
	}
	s := &Summary{
		TotalTrades:   int(root.Get("total_trades").Int()),
		TotalProfit:   root.Get("total_profit").Float(),
		WinningTrades: int(root.Get("winning_trades").Int()),
		LosingTrades:  int(root.Get("losing_trades").Int()),
		WinRate:       root.Get("win_rate").Float(),
		AvgProfit:     root.Get("avg_profit").Float(),
		MaxDrawdown:   root.Get("max_drawdown").Float(),
		StartDate:     root.Get("start_date").String(),
		EndDate:       root.Get("end_date").String(),
	}
	s.EquityCurve = floatSeries(root.Get("equity_curve"))
	s.DrawdownCurve = floatSeries(root.Get("drawdown_curve"))
	s.Trades = tradeSeries(root.Get("trades"))
	if s.TotalTrades == 0 && len(s.Trades) > 0 {
		s.TotalTrades = len(s.Trades)
	}
	if len(s.EquityCurve) == 0 && len(s.Trades) > 0 {
		s.EquityCurve, s.DrawdownCurve = deriveCurves(s.Trades)
		if s.MaxDrawdown == 0 {
			s.MaxDrawdown = minOf(s.DrawdownCurve)
		}
	}
	return s
}

func floatSeries(value gjson.Result) []float64 {
	if !value.IsArray() {
		return nil
	}
	arr := value.Array()
	out := make([]float64, 0, len(arr))
	for _, v := range arr {
		out = append(out, v.Float())
	}
	return out
}

func tradeSeries(value gjson.Result) []Trade {
	if !value.IsArray() {
		return nil
	}
	arr := value.Array()
	out := make([]Trade, 0, len(arr))
	for _, v := range arr {
		out = append(out, Trade{
			EntryTime:  v.Get("entry_time").String(),
			EntryPrice: v.Get("entry_price").Float(),
			ExitTime:   v.Get("exit_time").String(),
			ExitPrice:  v.Get("exit_price").Float(),
			Profit:     v.Get("profit").Float(),
		})
	}
	return out
}

// deriveCurves 从成交记录累计出权益曲线与回撤曲线。
// 用 decimal 做累加，避免长序列上的浮点误差累积。
func deriveCurves(trades []Trade) (equity []float64, drawdown []float64) {
	equity = make([]float64, 0, len(trades))
	drawdown = make([]float64, 0, len(trades))
	running := decimal.Zero
	peak := decimal.Zero
	first := true
	for _, t := range trades {
		running = running.Add(decimal.NewFromFloat(t.Profit))
		if first || running.GreaterThan(peak) {
			peak = running
			first = false
		}
		eq, _ := running.Float64()
		dd, _ := running.Sub(peak).Float64()
		equity = append(equity, eq)
		drawdown = append(drawdown, dd)
	}
	return equity, drawdown
}

func minOf(values []float64) float64 {
	var min float64
	for i, v := range values {
		if i == 0 || v < min {
			min = v
		}
	}
	return min
}
