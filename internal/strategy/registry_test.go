package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"btdeck/internal/daterange"
)

const validYAML = `strategies:
  - name: cross_sma
    label: SMA Crossover
    allowed_symbols:
      - BTC/USDT
      - ETH/USDT
    start_date: "2020-01-01"
    end_date: "2025-12-31"
    params:
      fast_period: 10
      slow_period: 30
  - name: cross_ema
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRegistry(t *testing.T) {
	t.Run("Loads Definitions", func(t *testing.T) {
		r, err := NewRegistry(writeRegistry(t, validYAML), false)
		assert.NoError(t, err)

		defs := r.List()
		assert.Len(t, defs, 2)
		assert.Equal(t, "cross_ema", defs[0].Name)
		assert.Equal(t, "cross_ema", defs[0].Label, "缺省 label 回填为 name")

		def, ok := r.Get("cross_sma")
		assert.True(t, ok)
		assert.Equal(t, "SMA Crossover", def.Label)
	})

	t.Run("Schema Violation Rejected", func(t *testing.T) {
		_, err := NewRegistry(writeRegistry(t, "strategies: []\n"), false)
		assert.Error(t, err)
	})

	t.Run("Missing Name Rejected", func(t *testing.T) {
		_, err := NewRegistry(writeRegistry(t, "strategies:\n  - label: no name\n"), false)
		assert.Error(t, err)
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := NewRegistry(filepath.Join(t.TempDir(), "nope.yaml"), false)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	r, err := NewRegistry(writeRegistry(t, validYAML), false)
	assert.NoError(t, err)

	rng := func(start, end string) daterange.DateRange {
		out, perr := daterange.Parse(start, end)
		assert.NoError(t, perr)
		return out
	}

	t.Run("Allowed", func(t *testing.T) {
		assert.NoError(t, r.Validate("cross_sma", "BTC/USDT", rng("2023-01-01", "2023-06-01")))
	})

	t.Run("Unknown Strategy", func(t *testing.T) {
		assert.Error(t, r.Validate("no_such", "BTC/USDT", rng("2023-01-01", "2023-06-01")))
	})

	t.Run("Symbol Not Whitelisted", func(t *testing.T) {
		assert.Error(t, r.Validate("cross_sma", "DOGE/USDT", rng("2023-01-01", "2023-06-01")))
	})

	t.Run("Symbol Case Insensitive", func(t *testing.T) {
		assert.NoError(t, r.Validate("cross_sma", "btc/usdt", rng("2023-01-01", "2023-06-01")))
	})

	t.Run("Before Allowed Window", func(t *testing.T) {
		assert.Error(t, r.Validate("cross_sma", "BTC/USDT", rng("2019-01-01", "2023-06-01")))
	})

	t.Run("After Allowed Window", func(t *testing.T) {
		assert.Error(t, r.Validate("cross_sma", "BTC/USDT", rng("2023-01-01", "2026-06-01")))
	})

	t.Run("No Window Restriction", func(t *testing.T) {
		assert.NoError(t, r.Validate("cross_ema", "DOGE/USDT", rng("2010-01-01", "2030-01-01")))
	})
}
