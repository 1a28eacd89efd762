package store

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/accountlink/vendorsync/pkg/config"
	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/models"
)

// GormStore implements Store on a gorm-managed Postgres database.
type GormStore struct {
	db *gorm.DB
}

// Open connects to Postgres using the configured DSN and returns a store.
func Open(cfg config.DatabaseConfig) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to access database pool")
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing gorm handle. Used by tests.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the schema for all managed models.
func (s *GormStore) AutoMigrate() error {
	err := s.db.AutoMigrate(
		&models.IntegrationSetting{},
		&models.SyncJob{},
		&models.SyncLog{},
		&models.Invoice{},
		&models.Customer{},
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "schema migration failed")
	}
	return nil
}

func (s *GormStore) GetIntegration(ctx context.Context, id string) (*models.IntegrationSetting, error) {
	var integration models.IntegrationSetting
	err := s.db.WithContext(ctx).First(&integration, "id = ?", id).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "integration %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load integration")
	}
	return &integration, nil
}

func (s *GormStore) ListActiveIntegrations(ctx context.Context) ([]models.IntegrationSetting, error) {
	var integrations []models.IntegrationSetting
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("vendor asc").
		Find(&integrations).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list integrations")
	}
	return integrations, nil
}

func (s *GormStore) UpdateIntegration(ctx context.Context, integration *models.IntegrationSetting) error {
	if err := s.db.WithContext(ctx).Save(integration).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to update integration")
	}
	return nil
}

func (s *GormStore) CreateJob(ctx context.Context, job *models.SyncJob) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create sync job")
	}
	return nil
}

func (s *GormStore) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	var job models.SyncJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "sync job %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load sync job")
	}
	return &job, nil
}

func (s *GormStore) UpdateJob(ctx context.Context, job *models.SyncJob) error {
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to update sync job")
	}
	return nil
}

func (s *GormStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.JobStatusQueued, now).
		Order("CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC, scheduled_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to fetch due jobs")
	}
	return jobs, nil
}

// ClaimJob uses a conditional update so two workers never both claim the
// same job.
func (s *GormStore) ClaimJob(ctx context.Context, jobID, workerID string, startedAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.JobStatusRunning,
			"worker_id":  workerID,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, errors.ErrorTypeInternal, "failed to claim sync job")
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) CountRunning(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("status = ?", models.JobStatusRunning).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to count running jobs")
	}
	return count, nil
}

func (s *GormStore) JobStats(ctx context.Context, integrationID string, since time.Time) (*models.JobStats, error) {
	stats := &models.JobStats{}

	rows := []struct {
		Status string
		Total  int64
	}{}
	err := s.db.WithContext(ctx).
		Model(&models.SyncJob{}).
		Select("status, count(*) as total").
		Where("integration_id = ? AND created_at >= ?", integrationID, since).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to aggregate job stats")
	}

	for _, row := range rows {
		stats.TotalJobs += row.Total
		switch row.Status {
		case models.JobStatusCompleted:
			stats.CompletedJobs = row.Total
		case models.JobStatusFailed, models.JobStatusPermanentlyFailed:
			stats.FailedJobs += row.Total
		}
	}
	if stats.TotalJobs > 0 {
		stats.SuccessRate = float64(stats.CompletedJobs) / float64(stats.TotalJobs) * 100
	}

	sums := struct {
		Processed int64
		Synced    int64
		Failed    int64
		AvgTime   float64
	}{}
	err = s.db.WithContext(ctx).
		Model(&models.SyncJob{}).
		Select("coalesce(sum(records_processed), 0) as processed, coalesce(sum(records_synced), 0) as synced, coalesce(sum(records_failed), 0) as failed, coalesce(avg(execution_time), 0) as avg_time").
		Where("integration_id = ? AND created_at >= ?", integrationID, since).
		Find(&sums).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to aggregate record stats")
	}
	stats.TotalRecordsProcessed = sums.Processed
	stats.TotalRecordsSynced = sums.Synced
	stats.TotalRecordsFailed = sums.Failed
	stats.AvgExecutionTime = sums.AvgTime

	return stats, nil
}

func (s *GormStore) CreateLog(ctx context.Context, log *models.SyncLog) error {
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create sync log")
	}
	return nil
}

func (s *GormStore) UpdateLog(ctx context.Context, log *models.SyncLog) error {
	if err := s.db.WithContext(ctx).Save(log).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to update sync log")
	}
	return nil
}

func (s *GormStore) UpsertInvoice(ctx context.Context, invoice *models.Invoice) error {
	existing, err := s.GetInvoiceByExternalID(ctx, invoice.IntegrationID, invoice.ExternalID)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return err
	}
	if existing != nil {
		invoice.ID = existing.ID
		invoice.CreatedAt = existing.CreatedAt
	}
	if err := s.db.WithContext(ctx).Save(invoice).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to upsert invoice")
	}
	return nil
}

func (s *GormStore) UpsertCustomer(ctx context.Context, customer *models.Customer) error {
	existing, err := s.GetCustomerByExternalID(ctx, customer.IntegrationID, customer.ExternalID)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return err
	}
	if existing != nil {
		customer.ID = existing.ID
		customer.CreatedAt = existing.CreatedAt
	}
	if err := s.db.WithContext(ctx).Save(customer).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to upsert customer")
	}
	return nil
}

func (s *GormStore) ListInvoices(ctx context.Context, integrationID string) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := s.db.WithContext(ctx).
		Where("integration_id = ?", integrationID).
		Order("external_id asc").
		Find(&invoices).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list invoices")
	}
	return invoices, nil
}

func (s *GormStore) ListCustomers(ctx context.Context, integrationID string) ([]models.Customer, error) {
	var customers []models.Customer
	err := s.db.WithContext(ctx).
		Where("integration_id = ?", integrationID).
		Order("external_id asc").
		Find(&customers).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list customers")
	}
	return customers, nil
}

func (s *GormStore) GetInvoiceByExternalID(ctx context.Context, integrationID, externalID string) (*models.Invoice, error) {
	var invoice models.Invoice
	err := s.db.WithContext(ctx).
		First(&invoice, "integration_id = ? AND external_id = ?", integrationID, externalID).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "invoice %s not found", externalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load invoice")
	}
	return &invoice, nil
}

func (s *GormStore) GetCustomerByExternalID(ctx context.Context, integrationID, externalID string) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.WithContext(ctx).
		First(&customer, "integration_id = ? AND external_id = ?", integrationID, externalID).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "customer %s not found", externalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load customer")
	}
	return &customer, nil
}
