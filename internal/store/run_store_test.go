package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := NewRunStore(filepath.Join(t.TempDir(), "btdeck.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Record And Recent", func(t *testing.T) {
		s := newTestStore(t)

		assert.NoError(t, s.Record(ctx, &RunRecord{Strategy: "cross_sma", Status: StatusSuccess}, map[string]int{"total_trades": 3}))
		assert.NoError(t, s.Record(ctx, &RunRecord{Strategy: "cross_ema", Status: StatusNoData}, nil))

		records, err := s.Recent(ctx, 10)
		assert.NoError(t, err)
		assert.Len(t, records, 2)
		assert.Equal(t, "cross_ema", records[0].Strategy, "最近的排在前面")
		assert.JSONEq(t, `{"total_trades": 3}`, string(records[1].Detail))
	})

	t.Run("Last Strategy Skips Failures", func(t *testing.T) {
		s := newTestStore(t)

		assert.NoError(t, s.Record(ctx, &RunRecord{Strategy: "cross_sma", Status: StatusSuccess}, nil))
		assert.NoError(t, s.Record(ctx, &RunRecord{Strategy: "cross_ema", Status: StatusValidation}, nil))

		name, err := s.LastStrategy(ctx)
		assert.NoError(t, err)
		assert.Equal(t, "cross_sma", name)
	})

	t.Run("Last Strategy Empty When No Success", func(t *testing.T) {
		s := newTestStore(t)

		assert.NoError(t, s.Record(ctx, &RunRecord{Strategy: "cross_sma", Status: StatusCancelled}, nil))

		name, err := s.LastStrategy(ctx)
		assert.NoError(t, err)
		assert.Equal(t, "", name)
	})

	t.Run("Nil Record Rejected", func(t *testing.T) {
		s := newTestStore(t)
		assert.Error(t, s.Record(ctx, nil, nil))
	})
}
