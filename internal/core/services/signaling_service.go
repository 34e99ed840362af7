package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SignalingConfig tunes envelope publishing.
type SignalingConfig struct {
	// CandidateRate caps ICE-candidate publishes per remote peer per second.
	// ICE gathering produces bursts; offers and answers are never limited.
	CandidateRate  float64
	CandidateBurst int
}

func DefaultSignalingConfig() SignalingConfig {
	return SignalingConfig{CandidateRate: 20, CandidateBurst: 40}
}

type signalingService struct {
	store   ports.Store
	cfg     SignalingConfig
	metrics Metrics
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[domain.UserID]*rate.Limiter
}

func NewSignalingService(store ports.Store, cfg SignalingConfig, metrics Metrics, logger *zap.SugaredLogger) ports.SignalingService {
	if metrics == nil {
		metrics = NopMetrics()
	}
	if cfg.CandidateRate <= 0 {
		cfg = DefaultSignalingConfig()
	}
	return &signalingService{
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		limiters: make(map[domain.UserID]*rate.Limiter),
	}
}

// Publish appends the envelope to its per-kind room collection. Failures are
// logged and counted, never fatal: a lost envelope can stall one peer
// connection, not the session.
func (s *signalingService) Publish(ctx context.Context, roomID domain.RoomID, env domain.SignalEnvelope) {
	if env.ID == "" {
		env.ID = utils.GenerateEnvelopeID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	if env.Kind == domain.SignalIceCandidate && !s.limiter(env.To).Allow() {
		s.metrics.RecordPublishFailure(env.Kind)
		s.logger.Debugw("ice candidate dropped by rate limiter",
			"room_id", roomID, "to", env.To)
		return
	}

	if err := s.store.Set(ctx, env.Kind.Collection(roomID), env.ID, env); err != nil {
		s.metrics.RecordPublishFailure(env.Kind)
		s.logger.Warnw("failed to publish signal envelope",
			"room_id", roomID,
			"kind", env.Kind,
			"from", env.From,
			"to", env.To,
			"error", err,
		)
		return
	}

	s.metrics.RecordEnvelopePublished(env.Kind)
}

// SubscribeEnvelopes delivers each appended envelope of the given kind once
// per subscription. The store feed is at-least-once, so document ids seen by
// this subscription are tracked and duplicates skipped.
func (s *signalingService) SubscribeEnvelopes(ctx context.Context, roomID domain.RoomID, kind domain.SignalKind, onNew func(domain.SignalEnvelope)) (ports.Subscription, error) {
	var seenMu sync.Mutex
	seen := make(map[string]struct{})

	sub, err := s.store.Subscribe(ctx, kind.Collection(roomID), func(c ports.Change) {
		if c.Type != ports.ChangeAdded {
			return
		}

		seenMu.Lock()
		if _, dup := seen[c.Doc.ID]; dup {
			seenMu.Unlock()
			return
		}
		seen[c.Doc.ID] = struct{}{}
		seenMu.Unlock()

		var env domain.SignalEnvelope
		if err := json.Unmarshal(c.Doc.Data, &env); err != nil {
			s.logger.Warnw("malformed signal envelope",
				"room_id", roomID, "kind", kind, "doc_id", c.Doc.ID, "error", err)
			return
		}
		env.ID = c.Doc.ID

		s.metrics.RecordEnvelopeReceived(kind)
		if onNew != nil {
			onNew(env)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: envelope subscription failed: %v", domain.ErrStoreUnavailable, err)
	}
	return sub, nil
}

func (s *signalingService) limiter(peer domain.UserID) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[peer]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.CandidateRate), s.cfg.CandidateBurst)
		s.limiters[peer] = l
	}
	return l
}
