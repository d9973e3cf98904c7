package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNegotiate(t *testing.T) {
	t.Run("Confirmed", func(t *testing.T) {
		n, err := NewNegotiator(DeciderFunc(func(ctx context.Context, prompt ExtensionPrompt) (bool, error) {
			return true, nil
		}))
		assert.NoError(t, err)

		state, err := n.Negotiate(context.Background(), ExtensionPrompt{})
		assert.NoError(t, err)
		assert.Equal(t, StateConfirmed, state)
		assert.Equal(t, StateConfirmed, n.LastState())
	})

	t.Run("Cancelled", func(t *testing.T) {
		n, _ := NewNegotiator(DeciderFunc(func(ctx context.Context, prompt ExtensionPrompt) (bool, error) {
			return false, nil
		}))

		state, err := n.Negotiate(context.Background(), ExtensionPrompt{})
		assert.NoError(t, err)
		assert.Equal(t, StateCancelled, state)
	})

	t.Run("Decider Error", func(t *testing.T) {
		n, _ := NewNegotiator(DeciderFunc(func(ctx context.Context, prompt ExtensionPrompt) (bool, error) {
			return false, errors.New("决策通道关闭")
		}))

		_, err := n.Negotiate(context.Background(), ExtensionPrompt{})
		assert.Error(t, err)
		assert.Equal(t, StateIdle, n.LastState())
	})

	t.Run("Sequential Rounds Allowed", func(t *testing.T) {
		n, _ := NewNegotiator(DeciderFunc(func(ctx context.Context, prompt ExtensionPrompt) (bool, error) {
			return true, nil
		}))

		for i := 0; i < 3; i++ {
			state, err := n.Negotiate(context.Background(), ExtensionPrompt{})
			assert.NoError(t, err)
			assert.Equal(t, StateConfirmed, state)
		}
	})

	t.Run("Concurrent Prompt Rejected", func(t *testing.T) {
		block := make(chan struct{})
		started := make(chan struct{})
		n, _ := NewNegotiator(DeciderFunc(func(ctx context.Context, prompt ExtensionPrompt) (bool, error) {
			close(started)
			<-block
			return true, nil
		}))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := n.Negotiate(context.Background(), ExtensionPrompt{})
			assert.NoError(t, err)
			assert.Equal(t, StateConfirmed, state)
		}()

		<-started
		_, err := n.Negotiate(context.Background(), ExtensionPrompt{})
		assert.Error(t, err, "挂起期间不允许再发起协商")

		close(block)
		wg.Wait()
	})
}
