// Package notify delivers operator-facing alerts for events that need a
// human: jobs that exhausted their retries and conflicts configured for
// manual review.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/logger"
	"github.com/accountlink/vendorsync/pkg/models"
)

// Notifier receives alerts from the engine and reconciler.
type Notifier interface {
	// JobPermanentlyFailed fires after a job's final retry has failed.
	JobPermanentlyFailed(ctx context.Context, job *models.SyncJob, reason string)

	// ConflictRequiresReview fires for each conflict left unresolved under
	// the manual strategy.
	ConflictRequiresReview(ctx context.Context, integrationID, entityType, externalID string, fields []string)
}

// LogNotifier writes alerts to the structured log. It is the default sink
// when no external channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logger.Get().With(zap.String("component", "notifier"))}
}

func (n *LogNotifier) JobPermanentlyFailed(_ context.Context, job *models.SyncJob, reason string) {
	n.logger.Error("sync job permanently failed",
		zap.String("job_id", job.ID),
		zap.String("integration_id", job.IntegrationID),
		zap.Int("retry_count", job.RetryCount),
		zap.String("reason", reason))
}

func (n *LogNotifier) ConflictRequiresReview(_ context.Context, integrationID, entityType, externalID string, fields []string) {
	n.logger.Warn("sync conflict requires manual review",
		zap.String("integration_id", integrationID),
		zap.String("entity_type", entityType),
		zap.String("external_id", externalID),
		zap.Strings("fields", fields))
}
