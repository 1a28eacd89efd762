// Package store persists integrations, sync jobs, sync logs, and canonical
// records behind narrow interfaces so the orchestrator and reconciler stay
// independent of the database layer.
package store

import (
	"context"
	"time"

	"github.com/accountlink/vendorsync/pkg/models"
)

// IntegrationStore reads and updates vendor integration settings.
type IntegrationStore interface {
	GetIntegration(ctx context.Context, id string) (*models.IntegrationSetting, error)
	ListActiveIntegrations(ctx context.Context) ([]models.IntegrationSetting, error)
	UpdateIntegration(ctx context.Context, integration *models.IntegrationSetting) error
}

// JobStore manages the sync job queue.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.SyncJob) error
	GetJob(ctx context.Context, id string) (*models.SyncJob, error)
	UpdateJob(ctx context.Context, job *models.SyncJob) error

	// DueJobs returns queued jobs whose scheduled time has passed, highest
	// priority first, oldest schedule first within a priority.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]models.SyncJob, error)

	// ClaimJob transitions a queued job to running for the given worker.
	// It reports false when another worker claimed the job first.
	ClaimJob(ctx context.Context, jobID, workerID string, startedAt time.Time) (bool, error)

	CountRunning(ctx context.Context) (int64, error)
	JobStats(ctx context.Context, integrationID string, since time.Time) (*models.JobStats, error)
}

// LogStore records sync log entries around engine and reconciler runs.
type LogStore interface {
	CreateLog(ctx context.Context, log *models.SyncLog) error
	UpdateLog(ctx context.Context, log *models.SyncLog) error
}

// RecordStore persists canonical invoices and customers pulled from vendors.
type RecordStore interface {
	UpsertInvoice(ctx context.Context, invoice *models.Invoice) error
	UpsertCustomer(ctx context.Context, customer *models.Customer) error
	ListInvoices(ctx context.Context, integrationID string) ([]models.Invoice, error)
	ListCustomers(ctx context.Context, integrationID string) ([]models.Customer, error)
	GetInvoiceByExternalID(ctx context.Context, integrationID, externalID string) (*models.Invoice, error)
	GetCustomerByExternalID(ctx context.Context, integrationID, externalID string) (*models.Customer, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	IntegrationStore
	JobStore
	LogStore
	RecordStore
}
