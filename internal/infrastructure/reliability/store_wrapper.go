package reliability

import (
	"context"

	"meshroom/internal/core/ports"
	"meshroom/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// StoreWrapper shields the session from a flapping shared store. Writes and
// reads go through a circuit breaker: once the store keeps failing the
// breaker fails fast instead of stacking timeouts, and operations surface
// their error to the caller's own policy (the core never retries mid-session).
// Subscriptions are long-lived and pass through untouched.
type StoreWrapper struct {
	store   ports.Store
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewStoreWrapper(store ports.Store, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *StoreWrapper {
	w := &StoreWrapper{
		store:   store,
		breaker: circuitbreaker.New(cbConfig),
		logger:  logger,
	}

	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

func (w *StoreWrapper) Set(ctx context.Context, collection, id string, value any) error {
	return w.breaker.Execute(func() error {
		return w.store.Set(ctx, collection, id, value)
	})
}

func (w *StoreWrapper) Delete(ctx context.Context, collection, id string) error {
	return w.breaker.Execute(func() error {
		return w.store.Delete(ctx, collection, id)
	})
}

func (w *StoreWrapper) Append(ctx context.Context, collection string, value any) (string, error) {
	var id string
	err := w.breaker.Execute(func() error {
		var err error
		id, err = w.store.Append(ctx, collection, value)
		return err
	})
	return id, err
}

func (w *StoreWrapper) List(ctx context.Context, collection string) ([]ports.Document, error) {
	var docs []ports.Document
	err := w.breaker.Execute(func() error {
		var err error
		docs, err = w.store.List(ctx, collection)
		return err
	})
	return docs, err
}

func (w *StoreWrapper) Subscribe(ctx context.Context, collection string, fn func(ports.Change)) (ports.Subscription, error) {
	return w.store.Subscribe(ctx, collection, fn)
}

func (w *StoreWrapper) Close() error {
	return w.store.Close()
}
