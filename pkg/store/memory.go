package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/models"
)

// MemoryStore is an in-process Store used by tests and by the CLI when no
// database is configured.
type MemoryStore struct {
	mu           sync.RWMutex
	integrations map[string]models.IntegrationSetting
	jobs         map[string]models.SyncJob
	logs         map[string]models.SyncLog
	invoices     map[string]models.Invoice
	customers    map[string]models.Customer
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		integrations: make(map[string]models.IntegrationSetting),
		jobs:         make(map[string]models.SyncJob),
		logs:         make(map[string]models.SyncLog),
		invoices:     make(map[string]models.Invoice),
		customers:    make(map[string]models.Customer),
	}
}

func (s *MemoryStore) GetIntegration(_ context.Context, id string) (*models.IntegrationSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	integration, ok := s.integrations[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "integration %s not found", id)
	}
	return &integration, nil
}

func (s *MemoryStore) ListActiveIntegrations(_ context.Context) ([]models.IntegrationSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.IntegrationSetting
	for _, integration := range s.integrations {
		if integration.IsActive {
			out = append(out, integration)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vendor < out[j].Vendor })
	return out, nil
}

func (s *MemoryStore) UpdateIntegration(_ context.Context, integration *models.IntegrationSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	integration.UpdatedAt = time.Now()
	s.integrations[integration.ID] = *integration
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "sync job %s not found", id)
	}
	return &job, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) DueJobs(_ context.Context, now time.Time, limit int) ([]models.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.SyncJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusQueued && !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ri, rj := models.PriorityRank(due[i].Priority), models.PriorityRank(due[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, jobID, workerID string, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != models.JobStatusQueued {
		return false, nil
	}
	job.Status = models.JobStatusRunning
	job.WorkerID = workerID
	job.StartedAt = &startedAt
	s.jobs[jobID] = job
	return true, nil
}

func (s *MemoryStore) CountRunning(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, job := range s.jobs {
		if job.Status == models.JobStatusRunning {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) JobStats(_ context.Context, integrationID string, since time.Time) (*models.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.JobStats{}
	var execTotal float64
	var completed int64
	for _, job := range s.jobs {
		if job.IntegrationID != integrationID || job.CreatedAt.Before(since) {
			continue
		}
		stats.TotalJobs++
		stats.TotalRecordsProcessed += int64(job.RecordsProcessed)
		stats.TotalRecordsSynced += int64(job.RecordsSynced)
		stats.TotalRecordsFailed += int64(job.RecordsFailed)
		execTotal += job.ExecutionTime
		switch job.Status {
		case models.JobStatusCompleted:
			completed++
		case models.JobStatusFailed, models.JobStatusPermanentlyFailed:
			stats.FailedJobs++
		}
	}
	stats.CompletedJobs = completed
	if stats.TotalJobs > 0 {
		stats.SuccessRate = float64(completed) / float64(stats.TotalJobs) * 100
		stats.AvgExecutionTime = execTotal / float64(stats.TotalJobs)
	}
	return stats, nil
}

func (s *MemoryStore) CreateLog(_ context.Context, log *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.ID] = *log
	return nil
}

func (s *MemoryStore) UpdateLog(_ context.Context, log *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.ID] = *log
	return nil
}

// Logs returns all sync logs. Test helper.
func (s *MemoryStore) Logs() []models.SyncLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SyncLog, 0, len(s.logs))
	for _, log := range s.logs {
		out = append(out, log)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Jobs returns all sync jobs. Test helper.
func (s *MemoryStore) Jobs() []models.SyncJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SyncJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func recordKey(integrationID, externalID string) string {
	return integrationID + ":" + externalID
}

func (s *MemoryStore) UpsertInvoice(_ context.Context, invoice *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(invoice.IntegrationID, invoice.ExternalID)
	if existing, ok := s.invoices[key]; ok {
		invoice.ID = existing.ID
		invoice.CreatedAt = existing.CreatedAt
	}
	invoice.UpdatedAt = time.Now()
	s.invoices[key] = *invoice
	return nil
}

func (s *MemoryStore) UpsertCustomer(_ context.Context, customer *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(customer.IntegrationID, customer.ExternalID)
	if existing, ok := s.customers[key]; ok {
		customer.ID = existing.ID
		customer.CreatedAt = existing.CreatedAt
	}
	customer.UpdatedAt = time.Now()
	s.customers[key] = *customer
	return nil
}

func (s *MemoryStore) ListInvoices(_ context.Context, integrationID string) ([]models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Invoice
	for _, invoice := range s.invoices {
		if invoice.IntegrationID == integrationID {
			out = append(out, invoice)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *MemoryStore) ListCustomers(_ context.Context, integrationID string) ([]models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Customer
	for _, customer := range s.customers {
		if customer.IntegrationID == integrationID {
			out = append(out, customer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *MemoryStore) GetInvoiceByExternalID(_ context.Context, integrationID, externalID string) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	invoice, ok := s.invoices[recordKey(integrationID, externalID)]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "invoice %s not found", externalID)
	}
	return &invoice, nil
}

func (s *MemoryStore) GetCustomerByExternalID(_ context.Context, integrationID, externalID string) (*models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	customer, ok := s.customers[recordKey(integrationID, externalID)]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "customer %s not found", externalID)
	}
	return &customer, nil
}
