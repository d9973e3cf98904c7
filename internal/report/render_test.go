package report

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"btdeck/internal/backtest"
)

func TestBuildHTML(t *testing.T) {
	t.Run("No Summary Falls Back To Raw Output", func(t *testing.T) {
		html, err := BuildHTML("cross_sma", backtest.Outcome{
			Kind:      backtest.OutcomeSuccess,
			RawOutput: "plain <stdout> text",
		})
		assert.NoError(t, err)
		assert.Contains(t, string(html), "<pre>")
		assert.Contains(t, string(html), "plain &lt;stdout&gt; text")
	})

	t.Run("Summary Rendered With Charts", func(t *testing.T) {
		html, err := BuildHTML("cross_sma", backtest.Outcome{
			Kind: backtest.OutcomeSuccess,
			Summary: &backtest.Summary{
				TotalTrades:   2,
				TotalProfit:   42.5,
				MaxDrawdown:   -10,
				EquityCurve:   []float64{10, 42.5},
				DrawdownCurve: []float64{0, -10},
				Trades: []backtest.Trade{
					{EntryTime: "2023-01-02", EntryPrice: 100, ExitTime: "2023-01-05", ExitPrice: 110, Profit: 10},
				},
			},
			ResultFile: "result.json",
		})
		assert.NoError(t, err)
		out := string(html)
		assert.Contains(t, out, "Equity Curve")
		assert.Contains(t, out, "Drawdown Curve")
		assert.Contains(t, out, "Total trades:</b> 2")
		assert.Contains(t, out, "result.json")
	})

	t.Run("Empty Summary Renders Without Error", func(t *testing.T) {
		html, err := BuildHTML("cross_sma", backtest.Outcome{Summary: &backtest.Summary{}})
		assert.NoError(t, err)
		assert.NotEmpty(t, html)
	})
}

func TestRendererRender(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRenderer(dir)
	assert.NoError(t, err)

	path, err := r.Render("cross/sma v2", backtest.Outcome{RawOutput: "done"})
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dir))
	assert.Contains(t, path, "backtest_cross_sma_v2_", "文件名里的特殊字符被替换")

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(data), "done")
}

func TestNewRendererRequiresDir(t *testing.T) {
	_, err := NewRenderer("  ")
	assert.Error(t, err)
}
