package reliability_test

import (
	"context"
	"testing"
	"time"

	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/reliability"
	"meshroom/internal/infrastructure/store/memory"
	"meshroom/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testBreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	}
}

func TestStoreWrapperPassesThrough(t *testing.T) {
	inner := memory.NewStore()
	w := reliability.NewStoreWrapper(inner, testBreakerConfig(), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	require.NoError(t, w.Set(ctx, "coll", "a", "value"))

	id, err := w.Append(ctx, "coll", "appended")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	docs, err := w.List(ctx, "coll")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	require.NoError(t, w.Delete(ctx, "coll", "a"))

	got := make(chan ports.Change, 4)
	sub, err := w.Subscribe(ctx, "coll", func(c ports.Change) { got <- c })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case c := <-got:
		assert.Equal(t, ports.ChangeAdded, c.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot replay through wrapper")
	}
}

func TestStoreWrapperOpensOnRepeatedFailure(t *testing.T) {
	inner := memory.NewStore()
	require.NoError(t, inner.Close()) // every op now fails

	w := reliability.NewStoreWrapper(inner, testBreakerConfig(), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	assert.Error(t, w.Set(ctx, "coll", "a", 1))
	assert.Error(t, w.Set(ctx, "coll", "a", 1))

	// breaker is open: fails fast without reaching the store
	err := w.Set(ctx, "coll", "a", 1)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker")
}
