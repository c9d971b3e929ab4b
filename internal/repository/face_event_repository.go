package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/etourism/face-gateway/internal/logging"
)

// FaceEvent is the audit record of one orchestrated face operation. Rows are
// appended from the request path and only ever read back by request ID or in
// aggregate; person records themselves stay in the recognition backend.
type FaceEvent struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Operation  string    `gorm:"column:operation;size:32;index"`
	PersonID   string    `gorm:"column:person_id;size:64;index"`
	PersonName string    `gorm:"column:person_name;size:255"`
	Score      float64   `gorm:"column:score"`
	Matched    bool      `gorm:"column:matched"`
	Details    string    `gorm:"column:details;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (FaceEvent) TableName() string {
	return "face_events"
}

// ErrEventNotFound reports that no audit row exists for a request ID. It is
// distinct from infrastructure failures so callers can answer a miss with a
// 404 instead of a 5xx.
var ErrEventNotFound = errors.New("face event not found")

// MetricsAggregation holds the raw aggregates behind the metrics summary.
type MetricsAggregation struct {
	TotalCount   int64
	MatchedCount int64
	AverageScore float64
}

// FaceEventRepository persists face events, retrying transient database
// errors with exponential backoff.
type FaceEventRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewFaceEventRepository(db *gorm.DB, logger *zap.Logger) *FaceEventRepository {
	return &FaceEventRepository{
		db:             db,
		logger:         logger.Named("face_event_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *FaceEventRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&FaceEvent{})
}

// SaveEvent appends an audit row.
func (r *FaceEventRepository) SaveEvent(ctx context.Context, event *FaceEvent) error {
	return r.executeWithRetry(ctx, "repository.save_event", event.RequestID, func() error {
		return r.db.WithContext(ctx).Create(event).Error
	})
}

// FindByRequestID retrieves the audit row for a request.
func (r *FaceEventRepository) FindByRequestID(ctx context.Context, requestID string) (*FaceEvent, error) {
	var event FaceEvent
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&event, "request_id = ?", requestID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// AggregateMetrics computes totals over all recorded events.
func (r *FaceEventRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount   int64
		MatchedCount int64
		AverageScore float64
	}
	err := r.db.WithContext(ctx).
		Model(&FaceEvent{}).
		Select("COUNT(*) AS total_count, " +
			"SUM(CASE WHEN matched THEN 1 ELSE 0 END) AS matched_count, " +
			"COALESCE(AVG(score), 0) AS average_score").
		Scan(&row).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	return &MetricsAggregation{
		TotalCount:   row.TotalCount,
		MatchedCount: row.MatchedCount,
		AverageScore: row.AverageScore,
	}, nil
}

func (r *FaceEventRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
