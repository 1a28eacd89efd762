// Package models defines the persistent and canonical data model for the
// vendor sync engine: integration settings, sync jobs and logs, and the
// vendor-agnostic invoice and customer records produced by the field mapper.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Job lifecycle states. Terminal states are immutable.
const (
	JobStatusQueued            = "queued"
	JobStatusRunning           = "running"
	JobStatusCompleted         = "completed"
	JobStatusFailed            = "failed"
	JobStatusPermanentlyFailed = "permanently_failed"
)

// Job types
const (
	JobTypeRealtime  = "realtime"
	JobTypeScheduled = "scheduled"
)

// Job priorities, ordered high > normal > low by PriorityRank.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Entity types handled by connectors and the field mapper
const (
	EntityInvoices  = "invoices"
	EntityCustomers = "customers"
	EntityItems     = "items"
)

// Conflict resolution strategies
const (
	StrategyPreferLocal  = "prefer_local"
	StrategyPreferRemote = "prefer_remote"
	StrategyNewestWins   = "newest_wins"
	StrategyManual       = "manual"
)

// PriorityRank maps a priority name to its scheduling precedence.
// Unknown priorities rank as normal.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// JSONMap is a JSONB-persisted map column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	return json.Unmarshal(data, m)
}

// IntegrationSetting holds one tenant's connection to a vendor platform:
// credentials and tokens in Configuration, per-entity field mappings, and
// the sync bookkeeping fields mutated by token refresh and job completion.
type IntegrationSetting struct {
	ID             string    `json:"id" gorm:"primaryKey;type:uuid"`
	OrganizationID string    `json:"organization_id" gorm:"type:uuid;index"`
	Vendor         string    `json:"vendor" gorm:"type:varchar(64);index"`
	Configuration  JSONMap   `json:"configuration" gorm:"type:jsonb"`
	FieldMappings  JSONMap   `json:"field_mappings" gorm:"type:jsonb"`
	IsActive       bool      `json:"is_active" gorm:"default:true"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName specifies the table name for IntegrationSetting
func (IntegrationSetting) TableName() string {
	return "integration_settings"
}

// ConfigString returns a string value from Configuration.
func (s *IntegrationSetting) ConfigString(key string) string {
	if s.Configuration == nil {
		return ""
	}
	v, _ := s.Configuration[key].(string)
	return v
}

// EntityMapping returns the field-mapping table for an entity type, or nil
// when no table is configured.
func (s *IntegrationSetting) EntityMapping(entityType string) map[string]interface{} {
	if s.FieldMappings == nil {
		return nil
	}
	raw, ok := s.FieldMappings[entityType]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil
	}
	return m
}

// SyncJob is one schedulable unit of sync work. Retries are modeled as new
// jobs linked through ParentJobID rather than in-place re-runs.
type SyncJob struct {
	ID               string     `json:"id" gorm:"primaryKey;type:uuid"`
	IntegrationID    string     `json:"integration_id" gorm:"type:uuid;index"`
	Type             string     `json:"type" gorm:"type:varchar(32)"`
	Priority         string     `json:"priority" gorm:"type:varchar(16);index"`
	Status           string     `json:"status" gorm:"type:varchar(32);index"`
	Configuration    JSONMap    `json:"configuration" gorm:"type:jsonb"`
	RetryCount       int        `json:"retry_count"`
	ParentJobID      *string    `json:"parent_job_id" gorm:"type:uuid"`
	WorkerID         string     `json:"worker_id" gorm:"type:varchar(128)"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsSynced    int        `json:"records_synced"`
	RecordsFailed    int        `json:"records_failed"`
	ExecutionTime    float64    `json:"execution_time"`
	ErrorMessage     string     `json:"error_message" gorm:"type:text"`
	ScheduledAt      time.Time  `json:"scheduled_at" gorm:"index"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	FailedAt         *time.Time `json:"failed_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName specifies the table name for SyncJob
func (SyncJob) TableName() string {
	return "sync_jobs"
}

// IsTerminal reports whether the job has reached an immutable state.
func (j *SyncJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusPermanentlyFailed:
		return true
	}
	return false
}

// ConfigBool reads a boolean flag from the job configuration, returning
// def when the key is absent.
func (j *SyncJob) ConfigBool(key string, def bool) bool {
	if j.Configuration == nil {
		return def
	}
	v, ok := j.Configuration[key].(bool)
	if !ok {
		return def
	}
	return v
}

// ConfigInt reads an integer from the job configuration, returning def
// when the key is absent. JSON round-trips land numbers as float64.
func (j *SyncJob) ConfigInt(key string, def int) int {
	if j.Configuration == nil {
		return def
	}
	switch v := j.Configuration[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// ConfigString reads a string from the job configuration.
func (j *SyncJob) ConfigString(key, def string) string {
	if j.Configuration == nil {
		return def
	}
	v, ok := j.Configuration[key].(string)
	if !ok || v == "" {
		return def
	}
	return v
}

// SyncLog is the append-only audit record of one sync or reconciliation run.
type SyncLog struct {
	ID               string     `json:"id" gorm:"primaryKey;type:uuid"`
	IntegrationID    string     `json:"integration_id" gorm:"type:uuid;index"`
	SyncType         string     `json:"sync_type" gorm:"type:varchar(64)"`
	Status           string     `json:"status" gorm:"type:varchar(32)"`
	RecordsProcessed int        `json:"records_processed"`
	DurationSeconds  float64    `json:"duration_seconds"`
	Metadata         JSONMap    `json:"metadata" gorm:"type:jsonb"`
	ErrorMessage     string     `json:"error_message" gorm:"type:text"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
}

// TableName specifies the table name for SyncLog
func (SyncLog) TableName() string {
	return "sync_logs"
}

// JobStats aggregates sync job outcomes over a time window.
type JobStats struct {
	TotalJobs             int64   `json:"total_jobs"`
	CompletedJobs         int64   `json:"completed_jobs"`
	FailedJobs            int64   `json:"failed_jobs"`
	SuccessRate           float64 `json:"success_rate"`
	TotalRecordsProcessed int64   `json:"total_records_processed"`
	TotalRecordsSynced    int64   `json:"total_records_synced"`
	TotalRecordsFailed    int64   `json:"total_records_failed"`
	AvgExecutionTime      float64 `json:"avg_execution_time"`
}
