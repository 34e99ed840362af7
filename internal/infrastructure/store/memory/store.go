package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/utils"
)

// Store is an in-process implementation of the shared store contract, used by
// tests and single-process deployments. Change delivery preserves per-
// collection order; callbacks run on a dedicated goroutine per subscription so
// a consumer may call back into the store.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string][]byte
	subs        map[string]map[int]*subscription
	nextSubID   int
	closed      bool
}

func NewStore() *Store {
	return &Store{
		collections: make(map[string]map[string][]byte),
		subs:        make(map[string]map[int]*subscription),
	}
}

type subscription struct {
	store      *Store
	collection string
	id         int
	fn         func(ports.Change)

	mu      sync.Mutex
	queue   []ports.Change
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func (s *subscription) push(c ports.Change) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			c := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.fn(c)
		}
	}
}

// Unsubscribe stops delivery. Idempotent; safe to call from inside a callback.
func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)

	s.store.mu.Lock()
	if m, ok := s.store.subs[s.collection]; ok {
		delete(m, s.id)
	}
	s.store.mu.Unlock()
}

func (s *Store) Set(ctx context.Context, collection, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrStoreUnavailable
	}
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string][]byte)
		s.collections[collection] = coll
	}
	_, existed := coll[id]
	coll[id] = data
	targets := s.subscribers(collection)
	s.mu.Unlock()

	typ := ports.ChangeAdded
	if existed {
		typ = ports.ChangeModified
	}
	fanout(targets, ports.Change{Type: typ, Doc: ports.Document{ID: id, Data: data}})
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrStoreUnavailable
	}
	coll, ok := s.collections[collection]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	data, existed := coll[id]
	if !existed {
		s.mu.Unlock()
		return nil
	}
	delete(coll, id)
	targets := s.subscribers(collection)
	s.mu.Unlock()

	fanout(targets, ports.Change{Type: ports.ChangeRemoved, Doc: ports.Document{ID: id, Data: data}})
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
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrStoreUnavailable
	}

	coll := s.collections[collection]
	docs := make([]ports.Document, 0, len(coll))
	for id, data := range coll {
		docs = append(docs, ports.Document{ID: id, Data: data})
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, fn func(ports.Change)) (ports.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrStoreUnavailable
	}

	sub := &subscription{
		store:      s,
		collection: collection,
		id:         s.nextSubID,
		fn:         fn,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.nextSubID++

	// Snapshot replay: current contents arrive as added events before any
	// incremental change.
	for id, data := range s.collections[collection] {
		sub.queue = append(sub.queue, ports.Change{
			Type: ports.ChangeAdded,
			Doc:  ports.Document{ID: id, Data: data},
		})
	}

	m, ok := s.subs[collection]
	if !ok {
		m = make(map[int]*subscription)
		s.subs[collection] = m
	}
	m[sub.id] = sub
	s.mu.Unlock()

	go sub.run()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return sub, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*subscription
	for _, m := range s.subs {
		for _, sub := range m {
			all = append(all, sub)
		}
	}
	s.subs = make(map[string]map[int]*subscription)
	s.mu.Unlock()

	for _, sub := range all {
		sub.Unsubscribe()
	}
	return nil
}

// subscribers must be called with s.mu held.
func (s *Store) subscribers(collection string) []*subscription {
	m := s.subs[collection]
	if len(m) == 0 {
		return nil
	}
	out := make([]*subscription, 0, len(m))
	for _, sub := range m {
		out = append(out, sub)
	}
	return out
}

func fanout(subs []*subscription, c ports.Change) {
	for _, sub := range subs {
		sub.push(c)
	}
}
