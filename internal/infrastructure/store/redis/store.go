package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	collPrefix = "meshroom:coll:"
	feedPrefix = "meshroom:feed:"
)

// Store implements the shared store contract on Redis: one hash per
// collection, a pub/sub channel per collection for the change feed.
// Subscribers get a snapshot (HGETALL) replay followed by published changes;
// the overlap between snapshot and feed makes delivery at-least-once, which
// the contract allows.
type Store struct {
	client *redis.Client
	logger *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

func NewStore(client *redis.Client, logger *zap.SugaredLogger) *Store {
	return &Store{client: client, logger: logger}
}

type feedEvent struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

func collKey(collection string) string { return collPrefix + collection }
func feedKey(collection string) string { return feedPrefix + collection }

func (s *Store) Set(ctx context.Context, collection, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	added, err := s.client.HSet(ctx, collKey(collection), id, data).Result()
	if err != nil {
		return fmt.Errorf("%w: hset %s: %v", domain.ErrStoreUnavailable, collection, err)
	}

	typ := "modified"
	if added > 0 {
		typ = "added"
	}
	s.publishEvent(ctx, collection, feedEvent{Type: typ, ID: id, Data: data})
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	data, err := s.client.HGet(ctx, collKey(collection), id).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: hget %s: %v", domain.ErrStoreUnavailable, collection, err)
	}

	removed, err := s.client.HDel(ctx, collKey(collection), id).Result()
	if err != nil {
		return fmt.Errorf("%w: hdel %s: %v", domain.ErrStoreUnavailable, collection, err)
	}
	if removed > 0 {
		s.publishEvent(ctx, collection, feedEvent{Type: "removed", ID: id, Data: json.RawMessage(data)})
	}
	return nil
}

func (s *Store) Append(ctx context.Context, collection string, value any) (string, error) {
	id := utils.GenerateDocumentID()
	if err := s.Set(ctx, collection, id, value); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]ports.Document, error) {
	entries, err := s.client.HGetAll(ctx, collKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hgetall %s: %v", domain.ErrStoreUnavailable, collection, err)
	}

	docs := make([]ports.Document, 0, len(entries))
	for id, data := range entries {
		docs = append(docs, ports.Document{ID: id, Data: []byte(data)})
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, fn func(ports.Change)) (ports.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrStoreUnavailable
	}
	s.mu.Unlock()

	// Subscribe to the feed before taking the snapshot so nothing published
	// in between is lost. Duplicates across the boundary are tolerated by
	// contract.
	pubsub := s.client.Subscribe(ctx, feedKey(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrStoreUnavailable, collection, err)
	}

	snapshot, err := s.List(ctx, collection)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &subscription{pubsub: pubsub}
	go sub.run(snapshot, fn, s.logger, collection)
	return sub, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.client.Close()
}

func (s *Store) publishEvent(ctx context.Context, collection string, ev feedEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, feedKey(collection), payload).Err(); err != nil && s.logger != nil {
		s.logger.Warnw("failed to publish change event",
			"collection", collection,
			"error", err,
		)
	}
}

type subscription struct {
	pubsub *redis.PubSub
	once   sync.Once

	mu      sync.Mutex
	stopped bool
}

func (s *subscription) run(snapshot []ports.Document, fn func(ports.Change), logger *zap.SugaredLogger, collection string) {
	for _, doc := range snapshot {
		if !s.deliver(fn, ports.Change{Type: ports.ChangeAdded, Doc: doc}) {
			return
		}
	}

	for msg := range s.pubsub.Channel() {
		var ev feedEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			if logger != nil {
				logger.Warnw("malformed change event", "collection", collection, "error", err)
			}
			continue
		}

		var typ ports.ChangeType
		switch ev.Type {
		case "added":
			typ = ports.ChangeAdded
		case "modified":
			typ = ports.ChangeModified
		case "removed":
			typ = ports.ChangeRemoved
		default:
			continue
		}

		if !s.deliver(fn, ports.Change{Type: typ, Doc: ports.Document{ID: ev.ID, Data: ev.Data}}) {
			return
		}
	}
}

func (s *subscription) deliver(fn func(ports.Change), c ports.Change) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	fn(c)
	return true
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.pubsub.Close()
	})
}
