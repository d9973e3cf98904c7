package report

import (
	"bytes"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"btdeck/internal/backtest"
)

const (
	colorEquity   = "#3b82f6"
	colorDrawdown = "#f87171"

	chartWidthPx  = 1100
	chartHeightPx = 320

	maxTradesShown = 20
)

// Renderer 把回测结局落成 HTML 报告。对汇总内容完全宽容：
// 没有汇总就只写原始输出，曲线/成交缺失就渲染空图和空表。
type Renderer struct {
	dir string
}

func NewRenderer(dir string) (*Renderer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("report dir 不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Renderer{dir: dir}, nil
}

// Render 生成报告文件并返回路径。
func (r *Renderer) Render(strategy string, outcome backtest.Outcome) (string, error) {
	html, err := BuildHTML(strategy, outcome)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("backtest_%s_%s.html", sanitize(strategy), time.Now().Format("20060102_150405"))
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, html, 0o644); err != nil {
		return "", fmt.Errorf("写入报告失败: %w", err)
	}
	return path, nil
}

// BuildHTML 渲染报告内容。
func BuildHTML(strategy string, outcome backtest.Outcome) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>")
	buf.WriteString(escape("Backtest " + strategy))
	buf.WriteString("</title></head><body>")
	buf.WriteString("<h1>" + escape(strategy) + " 回测报告</h1>")

	summary := outcome.Summary
	if summary == nil {
		// 没有结构化汇总时退回原始输出。
		buf.WriteString("<pre>")
		buf.WriteString(escape(outcome.RawOutput))
		buf.WriteString("</pre></body></html>")
		return buf.Bytes(), nil
	}

	buf.WriteString(statsBlock(summary))

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(
		curveChart("Equity Curve", "equity", summary.EquityCurve, colorEquity),
		curveChart("Drawdown Curve", "drawdown", summary.DrawdownCurve, colorDrawdown),
	)
	var chartBuf bytes.Buffer
	if err := page.Render(&chartBuf); err != nil {
		return nil, fmt.Errorf("渲染图表失败: %w", err)
	}
	buf.Write(chartBuf.Bytes())

	buf.WriteString(tradesTable(summary.Trades))
	if outcome.ResultFile != "" {
		buf.WriteString("<p>结果文件: " + escape(outcome.ResultFile) + "</p>")
	}
	buf.WriteString("</body></html>")
	return buf.Bytes(), nil
}

func statsBlock(s *backtest.Summary) string {
	var b strings.Builder
	b.WriteString("<ul>")
	b.WriteString(fmt.Sprintf("<li><b>Total trades:</b> %d</li>", s.TotalTrades))
	b.WriteString(fmt.Sprintf("<li><b>Total profit/loss:</b> %.2f</li>", s.TotalProfit))
	b.WriteString(fmt.Sprintf("<li><b>Max drawdown:</b> %.2f</li>", s.MaxDrawdown))
	if s.WinRate != 0 {
		b.WriteString(fmt.Sprintf("<li><b>Win rate:</b> %.2f%%</li>", s.WinRate))
	}
	if s.StartDate != "" || s.EndDate != "" {
		b.WriteString(fmt.Sprintf("<li><b>Range:</b> %s ~ %s</li>", escape(s.StartDate), escape(s.EndDate)))
	}
	b.WriteString("</ul>")
	return b.String()
}

func curveChart(title, seriesName string, values []float64, color string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:  fmt.Sprintf("%dpx", chartWidthPx),
			Height: fmt.Sprintf("%dpx", chartHeightPx),
		}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	xAxis := make([]string, len(values))
	data := make([]opts.LineData, len(values))
	for i, v := range values {
		xAxis[i] = fmt.Sprintf("%d", i+1)
		data[i] = opts.LineData{Value: v}
	}
	line.SetXAxis(xAxis)
	line.AddSeries(seriesName, data, charts.WithLineStyleOpts(opts.LineStyle{Color: color, Width: 2}))
	return line
}

func tradesTable(trades []backtest.Trade) string {
	var b strings.Builder
	b.WriteString("<h3>Trades</h3><table border=\"1\" cellpadding=\"4\" style=\"border-collapse:collapse\">")
	b.WriteString("<tr><th>Entry Time</th><th>Entry Price</th><th>Exit Time</th><th>Exit Price</th><th>Profit</th></tr>")
	shown := trades
	if len(shown) > maxTradesShown {
		shown = shown[:maxTradesShown]
	}
	for _, t := range shown {
		b.WriteString(fmt.Sprintf("<tr><td>%s</td><td>%.4f</td><td>%s</td><td>%.4f</td><td>%.2f</td></tr>",
			escape(t.EntryTime), t.EntryPrice, escape(t.ExitTime), t.ExitPrice, t.Profit))
	}
	b.WriteString("</table>")
	if len(trades) > maxTradesShown {
		b.WriteString(fmt.Sprintf("<p>只显示前 %d 笔，共 %d 笔。</p>", maxTradesShown, len(trades)))
	}
	return b.String()
}

func escape(s string) string {
	return html.EscapeString(s)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
