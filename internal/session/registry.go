package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry keeps the live sessions.
type Registry struct {
	deps   Dependencies
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewRegistry returns an empty registry whose controllers share deps.
func NewRegistry(deps Dependencies) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
		deps.Logger = logger
	}
	return &Registry{
		deps:     deps,
		logger:   logger.Named("session_registry"),
		sessions: make(map[string]*Controller),
	}
}

// Create starts a new session on the landing page.
func (r *Registry) Create() *Controller {
	ctrl := NewController(uuid.NewString(), r.deps)
	r.mu.Lock()
	r.sessions[ctrl.ID()] = ctrl
	r.mu.Unlock()
	r.logger.Info("session created", zap.String("session_id", ctrl.ID()))
	return ctrl
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctrl, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ctrl, nil
}

// Remove ends a session and releases what it holds.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	ctrl, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	ctrl.Close(ctx)
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ExpireIdle ends sessions untouched for longer than ttl. Sessions with an
// analysis in flight are kept. It returns how many were removed.
func (r *Registry) ExpireIdle(ctx context.Context, ttl time.Duration, now time.Time) int {
	var expired []*Controller
	r.mu.Lock()
	for id, ctrl := range r.sessions {
		lastActive, analyzing := ctrl.idleSince()
		if analyzing || now.Sub(lastActive) <= ttl {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, ctrl)
	}
	r.mu.Unlock()

	for _, ctrl := range expired {
		ctrl.Close(ctx)
	}
	if len(expired) > 0 {
		r.logger.Info("expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// CloseAll ends every session.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Controller)
	r.mu.Unlock()
	for _, ctrl := range sessions {
		ctrl.Close(ctx)
	}
}

// MetricsEnabled reports whether attempt telemetry is wired.
func (r *Registry) MetricsEnabled() bool {
	return r.deps.Recorder != nil
}
