package server

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/fsm"
)

// sessions hands out the gate of each session. Calls without a session id
// share the template gate. With a store, every call restores a fresh clone
// from the persisted snapshot; without one, clones live in an LRU until
// they go idle.
type sessions struct {
	template *fsm.Gate
	store    fsm.SessionStore

	mu     sync.Mutex
	live   *expirable.LRU[string, *fsm.Gate]
	logger *zap.Logger
}

func newSessions(template *fsm.Gate, store fsm.SessionStore, size int, ttl time.Duration, logger *zap.Logger) *sessions {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &sessions{
		template: template,
		store:    store,
		live:     expirable.NewLRU[string, *fsm.Gate](size, nil, ttl),
		logger:   logger,
	}
}

func (s *sessions) gate(ctx context.Context, id string) *fsm.Gate {
	if id == "" {
		return s.template
	}
	if s.store != nil {
		g := s.template.Clone()
		snap, ok, err := s.store.Load(ctx, id)
		if err != nil {
			s.logger.Warn("fsm session load failed, using initial state",
				zap.String("session_id", id),
				zap.Error(err),
			)
			return g
		}
		if ok && !g.Restore(snap) {
			s.logger.Warn("fsm snapshot has unknown state, using initial state",
				zap.String("session_id", id),
				zap.String("state", snap.State),
			)
		}
		return g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.live.Get(id)
	if !ok {
		g = s.template.Clone()
		s.live.Add(id, g)
	}
	return g
}

// commit persists the gate of a session after a transition.
func (s *sessions) commit(ctx context.Context, id string, g *fsm.Gate) {
	if s.store == nil || id == "" {
		return
	}
	if err := s.store.Save(ctx, id, g.Snapshot()); err != nil {
		s.logger.Warn("fsm session save failed",
			zap.String("session_id", id),
			zap.Error(err),
		)
	}
}
