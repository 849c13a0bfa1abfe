// Package imagestore owns display handles: session-local references to an
// uploaded image that can be served back without re-uploading it.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/fibroscan/internal/logging"
)

// Handle is an opaque display handle.
type Handle string

// DefaultTTL bounds how long an unreleased handle survives.
const DefaultTTL = 2 * time.Hour

// Store hands out and releases display handles.
type Store struct {
	backend        Backend
	logger         *zap.Logger
	ttl            time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewStore constructs a store. A non-positive ttl uses DefaultTTL.
func NewStore(backend Backend, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		backend:        backend,
		logger:         logger.Named("image_store"),
		ttl:            ttl,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func key(h Handle) string {
	return fmt.Sprintf("display_handle:%s", h)
}

// Acquire stores blob under a fresh handle.
func (s *Store) Acquire(ctx context.Context, sessionID string, blob Blob) (Handle, error) {
	handle := Handle(uuid.NewString())
	err := s.withRetry(ctx, sessionID, "imagestore.acquire", func() error {
		return s.backend.Put(ctx, key(handle), blob, s.ttl)
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

// Open returns the blob behind handle.
func (s *Store) Open(ctx context.Context, sessionID string, handle Handle) (Blob, error) {
	var blob Blob
	err := s.withRetry(ctx, sessionID, "imagestore.open", func() error {
		b, err := s.backend.Get(ctx, key(handle))
		if err != nil {
			return err
		}
		blob = b
		return nil
	})
	return blob, err
}

// Release invalidates handle. Releasing an empty handle is a no-op.
func (s *Store) Release(ctx context.Context, sessionID string, handle Handle) error {
	if handle == "" {
		return nil
	}
	return s.withRetry(ctx, sessionID, "imagestore.release", func() error {
		return s.backend.Delete(ctx, key(handle))
	})
}

func (s *Store) withRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if s.retryAttempts <= 1 {
		return logging.NewOperationError(operation, sessionID, fn())
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("image store operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, ErrNotFound) {
			return logging.NewOperationError(operation, sessionID, err)
		}
		if !logging.IsTransient(err) || attempt == s.retryAttempts-1 {
			opLogger.Error("image store operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient image store error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}
