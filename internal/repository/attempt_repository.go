package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/fibroscan/internal/logging"
)

// Outcome classes recorded for an analysis attempt.
const (
	OutcomeSuccess   = "success"
	OutcomeTransport = "transport_failure"
	OutcomeServer    = "server_failure"
	OutcomeMalformed = "malformed_response"
)

// AttemptLog is one request to the inference service. It deliberately holds
// no image, probabilities or diagnosis.
type AttemptLog struct {
	ID         uint      `gorm:"primaryKey"`
	SessionID  string    `gorm:"column:session_id;index;size:64"`
	Outcome    string    `gorm:"column:outcome;size:32"`
	StatusCode int       `gorm:"column:status_code"`
	LatencyMs  float64   `gorm:"column:latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AttemptLog) TableName() string {
	return "analysis_attempts"
}

// Aggregation is the raw roll-up of attempt logs.
type Aggregation struct {
	TotalCount       int64
	SuccessCount     int64
	AverageLatencyMs float64
}

// AttemptRepository provides persistence APIs for attempt logs.
type AttemptRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAttemptRepository creates a new repository instance.
func NewAttemptRepository(db *gorm.DB, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{
		db:             db,
		logger:         logger.Named("attempt_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AttemptRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AttemptLog{})
}

// SaveAttempt persists an attempt log entry.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, log *AttemptLog) error {
	return r.executeWithRetry(ctx, "repository.save_attempt", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics rolls up every stored attempt.
func (r *AttemptRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var row struct {
		TotalCount       int64
		SuccessCount     int64
		AverageLatencyMs *float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&AttemptLog{}).
			Select("COUNT(*) AS total_count, "+
				"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
				"AVG(latency_ms) AS average_latency_ms", OutcomeSuccess).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &Aggregation{TotalCount: row.TotalCount, SuccessCount: row.SuccessCount}
	if row.AverageLatencyMs != nil {
		agg.AverageLatencyMs = *row.AverageLatencyMs
	}
	return agg, nil
}

func (r *AttemptRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}
