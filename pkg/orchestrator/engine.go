// Package orchestrator runs the sync job queue: scheduling, worker
// dispatch, paginated entity syncs through vendor connectors, and the
// retry ladder for failed jobs.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/config"
	"github.com/accountlink/vendorsync/pkg/connector/core"
	"github.com/accountlink/vendorsync/pkg/connector/registry"
	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/fieldmap"
	"github.com/accountlink/vendorsync/pkg/logger"
	"github.com/accountlink/vendorsync/pkg/metrics"
	"github.com/accountlink/vendorsync/pkg/models"
	"github.com/accountlink/vendorsync/pkg/notify"
	"github.com/accountlink/vendorsync/pkg/store"
)

// Engine coordinates sync job execution for all integrations.
type Engine struct {
	cfg      config.SyncConfig
	store    store.Store
	registry *registry.Registry
	mapper   *fieldmap.Mapper
	notifier notify.Notifier
	logger   *zap.Logger
	workerID string

	sem chan struct{}
	wg  sync.WaitGroup
	now func() time.Time
}

// NewEngine creates a sync engine.
func NewEngine(cfg config.SyncConfig, st store.Store, reg *registry.Registry, mapper *fieldmap.Mapper, notifier notify.Notifier) *Engine {
	hostname, _ := os.Hostname()
	return &Engine{
		cfg:      cfg,
		store:    st,
		registry: reg,
		mapper:   mapper,
		notifier: notifier,
		logger:   logger.Get().With(zap.String("component", "sync_engine")),
		workerID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		sem:      make(chan struct{}, cfg.MaxConcurrentJobs),
		now:      time.Now,
	}
}

// ScheduleOptions shapes a new sync job.
type ScheduleOptions struct {
	Type        string
	Priority    string
	EntityTypes []string
	BatchSize   int
	FullSync    bool
	ScheduledAt time.Time
}

// ScheduleSync validates the integration and enqueues a sync job.
func (e *Engine) ScheduleSync(ctx context.Context, integrationID string, opts ScheduleOptions) (*models.SyncJob, error) {
	integration, err := e.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if !integration.IsActive {
		return nil, errors.Newf(errors.ErrorTypeValidation, "integration %s is not active", integrationID)
	}
	if !registry.IsSupported(integration.Vendor) {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported vendor: %s", integration.Vendor)
	}

	if opts.Type == "" {
		opts.Type = models.JobTypeScheduled
	}
	if opts.Priority == "" {
		opts.Priority = models.PriorityNormal
	}
	if len(opts.EntityTypes) == 0 {
		opts.EntityTypes = []string{models.EntityInvoices, models.EntityCustomers}
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = e.cfg.DefaultBatchSize
	}
	if opts.ScheduledAt.IsZero() {
		opts.ScheduledAt = e.now()
	}

	entityTypes := make([]interface{}, len(opts.EntityTypes))
	for i, entityType := range opts.EntityTypes {
		entityTypes[i] = entityType
	}

	job := &models.SyncJob{
		ID:            uuid.NewString(),
		IntegrationID: integration.ID,
		Type:          opts.Type,
		Priority:      opts.Priority,
		Status:        models.JobStatusQueued,
		Configuration: models.JSONMap{
			"entity_types": entityTypes,
			"batch_size":   opts.BatchSize,
			"full_sync":    opts.FullSync,
		},
		ScheduledAt: opts.ScheduledAt,
		CreatedAt:   e.now(),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	e.logger.Info("sync job scheduled",
		zap.String("job_id", job.ID),
		zap.String("integration_id", integration.ID),
		zap.String("vendor", integration.Vendor),
		zap.String("type", job.Type),
		zap.String("priority", job.Priority))
	return job, nil
}

// SchedulePeriodicSync enqueues scheduled jobs for active integrations
// whose sync frequency has elapsed since their last sync. Returns the
// number of jobs created.
func (e *Engine) SchedulePeriodicSync(ctx context.Context) (int, error) {
	integrations, err := e.store.ListActiveIntegrations(ctx)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for i := range integrations {
		integration := &integrations[i]
		interval := frequencyInterval(integration.ConfigString("sync_frequency"))
		if interval == 0 {
			continue
		}
		if integration.LastSyncAt != nil && e.now().Sub(*integration.LastSyncAt) < interval {
			continue
		}

		_, err := e.ScheduleSync(ctx, integration.ID, ScheduleOptions{
			Type:     models.JobTypeScheduled,
			Priority: models.PriorityNormal,
		})
		if err != nil {
			e.logger.Warn("periodic scheduling failed",
				zap.String("integration_id", integration.ID),
				zap.Error(err))
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

func frequencyInterval(frequency string) time.Duration {
	switch frequency {
	case "hourly":
		return time.Hour
	case "daily":
		return 24 * time.Hour
	case "weekly":
		return 7 * 24 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	}
	return 0
}

// ProcessQueue claims due jobs up to the free worker slots and dispatches
// them. Returns the number of jobs started.
func (e *Engine) ProcessQueue(ctx context.Context) (int, error) {
	running, err := e.store.CountRunning(ctx)
	if err != nil {
		return 0, err
	}
	slots := e.cfg.MaxConcurrentJobs - int(running)
	if slots <= 0 {
		return 0, nil
	}

	due, err := e.store.DueJobs(ctx, e.now(), slots)
	if err != nil {
		return 0, err
	}

	started := 0
	for i := range due {
		job := due[i]
		claimed, err := e.store.ClaimJob(ctx, job.ID, e.workerID, e.now())
		if err != nil {
			return started, err
		}
		if !claimed {
			continue
		}
		job.Status = models.JobStatusRunning
		job.WorkerID = e.workerID

		e.sem <- struct{}{}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { <-e.sem }()

			jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.JobTimeout)
			defer cancel()
			e.runJob(jobCtx, &job)
		}()
		started++
	}
	return started, nil
}

// Run polls the queue until the context is cancelled, then drains
// in-flight jobs.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine started",
		zap.String("worker_id", e.workerID),
		zap.Duration("poll_interval", e.cfg.PollInterval),
		zap.Int("max_concurrent_jobs", e.cfg.MaxConcurrentJobs))

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping, draining jobs")
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.SchedulePeriodicSync(ctx); err != nil {
				e.logger.Error("periodic scheduling pass failed", zap.Error(err))
			}
			if _, err := e.ProcessQueue(ctx); err != nil {
				e.logger.Error("queue processing pass failed", zap.Error(err))
			}
		}
	}
}

// runJob executes one claimed job end to end.
func (e *Engine) runJob(ctx context.Context, job *models.SyncJob) {
	started := e.now()
	log := e.logger.With(
		zap.String("job_id", job.ID),
		zap.String("integration_id", job.IntegrationID))

	integration, err := e.store.GetIntegration(ctx, job.IntegrationID)
	if err != nil {
		e.failJob(ctx, job, "", started, err)
		return
	}

	connector, err := e.registry.Create(integration.Vendor)
	if err != nil {
		e.failJob(ctx, job, integration.Vendor, started, err)
		return
	}

	log.Info("sync job started", zap.String("vendor", integration.Vendor))

	entityTypes := jobEntityTypes(job)
	for _, entityType := range entityTypes {
		if err := e.syncEntity(ctx, job, integration, connector, entityType); err != nil {
			e.failJob(ctx, job, integration.Vendor, started, err)
			return
		}
	}

	now := e.now()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	job.ExecutionTime = now.Sub(started).Seconds()
	if err := e.store.UpdateJob(ctx, job); err != nil {
		log.Error("failed to persist completed job", zap.Error(err))
		return
	}

	integration.LastSyncAt = &now
	if err := e.store.UpdateIntegration(ctx, integration); err != nil {
		log.Error("failed to update last sync time", zap.Error(err))
	}

	metrics.JobsTotal.WithLabelValues(integration.Vendor, models.JobStatusCompleted).Inc()
	metrics.JobDuration.WithLabelValues(integration.Vendor).Observe(job.ExecutionTime)

	log.Info("sync job completed",
		zap.Int("records_processed", job.RecordsProcessed),
		zap.Int("records_synced", job.RecordsSynced),
		zap.Int("records_failed", job.RecordsFailed),
		zap.Float64("execution_time", job.ExecutionTime))
}

// syncEntity pulls one entity type page by page until the vendor returns an
// empty page or the pagination safety cap is reached.
func (e *Engine) syncEntity(ctx context.Context, job *models.SyncJob, integration *models.IntegrationSetting, connector core.Connector, entityType string) error {
	if entityType == models.EntityItems {
		// No vendor connector exposes an items endpoint yet.
		e.logger.Debug("skipping items sync",
			zap.String("job_id", job.ID),
			zap.String("vendor", integration.Vendor))
		return nil
	}

	filters := core.FetchFilters{
		PageSize: job.ConfigInt("batch_size", e.cfg.DefaultBatchSize),
	}
	if !job.ConfigBool("full_sync", false) && integration.LastSyncAt != nil {
		filters.DateFrom = integration.LastSyncAt
	}

	for page := 1; page <= e.cfg.MaxPages; page++ {
		filters.Page = page

		records, err := e.fetchPage(ctx, connector, integration, entityType, filters)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		for _, record := range records {
			job.RecordsProcessed++
			if err := e.storeRecord(ctx, integration, entityType, record); err != nil {
				// A broken mapping configuration fails every record the same
				// way; fail the job instead of burning through the pages.
				if errors.IsType(err, errors.ErrorTypeMapping) {
					return err
				}
				job.RecordsFailed++
				metrics.RecordsFailed.WithLabelValues(integration.Vendor, entityType).Inc()
				e.logger.Warn("record sync failed",
					zap.String("job_id", job.ID),
					zap.String("entity_type", entityType),
					zap.Error(err))
				continue
			}
			job.RecordsSynced++
			metrics.RecordsSynced.WithLabelValues(integration.Vendor, entityType).Inc()
		}

		// Persist progress between pages so stats stay live for long syncs.
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}

	e.logger.Warn("pagination cap reached before the vendor reported an empty page",
		zap.String("job_id", job.ID),
		zap.String("entity_type", entityType),
		zap.Int("max_pages", e.cfg.MaxPages))
	return nil
}

func (e *Engine) fetchPage(ctx context.Context, connector core.Connector, integration *models.IntegrationSetting, entityType string, filters core.FetchFilters) ([]map[string]interface{}, error) {
	switch entityType {
	case models.EntityInvoices:
		return connector.FetchInvoices(ctx, integration, filters)
	case models.EntityCustomers:
		return connector.FetchCustomers(ctx, integration, filters)
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported entity type: %s", entityType)
	}
}

func (e *Engine) storeRecord(ctx context.Context, integration *models.IntegrationSetting, entityType string, record map[string]interface{}) error {
	canonical, err := e.mapper.Transform(entityType, record, integration.FieldMappings)
	if err != nil {
		return err
	}

	switch entityType {
	case models.EntityInvoices:
		return e.store.UpsertInvoice(ctx, models.InvoiceFromCanonical(integration.ID, canonical))
	case models.EntityCustomers:
		return e.store.UpsertCustomer(ctx, models.CustomerFromCanonical(integration.ID, canonical))
	default:
		return errors.Newf(errors.ErrorTypeValidation, "unsupported entity type: %s", entityType)
	}
}

// failJob records a failure and either schedules a retry or finalizes the
// job as permanently failed. Mapping, configuration, authentication, and
// validation failures never retry: re-running them cannot change the
// outcome.
func (e *Engine) failJob(ctx context.Context, job *models.SyncJob, vendor string, started time.Time, cause error) {
	now := e.now()
	job.Status = models.JobStatusFailed
	job.FailedAt = &now
	job.ErrorMessage = cause.Error()
	job.ExecutionTime = now.Sub(started).Seconds()

	retryable := !isTerminalFailure(cause) && job.RetryCount < e.cfg.MaxRetries
	if !retryable {
		job.Status = models.JobStatusPermanentlyFailed
	}

	if err := e.store.UpdateJob(ctx, job); err != nil {
		e.logger.Error("failed to persist failed job",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	if vendor != "" {
		metrics.JobsTotal.WithLabelValues(vendor, job.Status).Inc()
	}

	if !retryable {
		e.logger.Error("sync job permanently failed",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
			zap.Error(cause))
		e.notifier.JobPermanentlyFailed(ctx, job, cause.Error())
		return
	}

	backoff := e.cfg.BackoffFor(job.RetryCount)
	parentID := job.ID
	retry := &models.SyncJob{
		ID:            uuid.NewString(),
		IntegrationID: job.IntegrationID,
		Type:          job.Type,
		Priority:      job.Priority,
		Status:        models.JobStatusQueued,
		Configuration: job.Configuration,
		RetryCount:    job.RetryCount + 1,
		ParentJobID:   &parentID,
		ScheduledAt:   now.Add(backoff),
		CreatedAt:     now,
	}
	if err := e.store.CreateJob(ctx, retry); err != nil {
		e.logger.Error("failed to schedule retry job",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	e.logger.Warn("sync job failed, retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("retry_job_id", retry.ID),
		zap.Int("retry_count", retry.RetryCount),
		zap.Duration("backoff", backoff),
		zap.Error(cause))
}

// isTerminalFailure reports whether a failure class cannot be fixed by
// retrying the job.
func isTerminalFailure(err error) bool {
	return errors.IsType(err, errors.ErrorTypeMapping) ||
		errors.IsType(err, errors.ErrorTypeAuthentication) ||
		errors.IsType(err, errors.ErrorTypeConfig) ||
		errors.IsType(err, errors.ErrorTypeValidation)
}

func jobEntityTypes(job *models.SyncJob) []string {
	raw, ok := job.Configuration["entity_types"].([]interface{})
	if !ok || len(raw) == 0 {
		return []string{models.EntityInvoices, models.EntityCustomers}
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{models.EntityInvoices, models.EntityCustomers}
	}
	return out
}

// SyncStats aggregates job outcomes for an integration over the past
// windowDays days.
func (e *Engine) SyncStats(ctx context.Context, integrationID string, windowDays int) (*models.JobStats, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	since := e.now().AddDate(0, 0, -windowDays)
	return e.store.JobStats(ctx, integrationID, since)
}

// HandleWebhook validates an inbound vendor event, hands the payload to
// the connector, and schedules a high-priority realtime sync for the
// affected entity type.
func (e *Engine) HandleWebhook(ctx context.Context, integrationID, eventType string, payload []byte) (*models.SyncJob, error) {
	integration, err := e.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	connector, err := e.registry.Create(integration.Vendor)
	if err != nil {
		return nil, err
	}

	if !eventSupported(connector.SupportedWebhookEvents(), eventType) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported webhook event: %s", eventType).
			WithDetail("vendor", integration.Vendor).
			WithDetail("supported", connector.SupportedWebhookEvents())
	}

	if err := connector.HandleWebhook(ctx, integration, payload); err != nil {
		return nil, err
	}

	return e.ScheduleSync(ctx, integrationID, ScheduleOptions{
		Type:        models.JobTypeRealtime,
		Priority:    models.PriorityHigh,
		EntityTypes: entityTypesForEvent(eventType),
	})
}

func eventSupported(supported []string, eventType string) bool {
	for _, event := range supported {
		if strings.EqualFold(event, eventType) {
			return true
		}
	}
	return false
}

// entityTypesForEvent narrows the realtime sync to the entity named in the
// event, falling back to a full entity sweep for unrecognized shapes.
func entityTypesForEvent(eventType string) []string {
	lowered := strings.ToLower(eventType)
	switch {
	case strings.Contains(lowered, "invoice"):
		return []string{models.EntityInvoices}
	case strings.Contains(lowered, "customer"), strings.Contains(lowered, "contact"):
		return []string{models.EntityCustomers}
	}
	return nil
}

// WorkerID identifies this engine instance in claimed jobs.
func (e *Engine) WorkerID() string {
	return e.workerID
}
