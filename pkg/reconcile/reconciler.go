// Package reconcile implements bidirectional sync: it diffs local
// canonical records against the vendor's current state, resolves
// conflicts under the integration's strategy, pulls remote-only records,
// and pushes local-only records back to the vendor.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

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

// ConflictStrategyKey is the integration configuration key selecting the
// conflict resolution strategy.
const ConflictStrategyKey = "conflict_strategy"

// Options tunes one reconciliation run. A zero value falls back to the
// integration's configured strategy.
type Options struct {
	// ConflictResolution overrides the integration's configured conflict
	// strategy for this run only.
	ConflictResolution string
}

// Conflict is one record that diverged between the local store and the
// vendor.
type Conflict struct {
	EntityType string   `json:"entity_type"`
	ExternalID string   `json:"external_id"`
	Fields     []string `json:"fields"`
	Resolution string   `json:"resolution"` // local_wins, remote_wins, manual
}

// Result summarizes one reconciliation run.
type Result struct {
	EntityType  string     `json:"entity_type"`
	Pulled      int        `json:"pulled"`
	Pushed      int        `json:"pushed"`
	PushFailed  int        `json:"push_failed"`
	PullFailed  int        `json:"pull_failed"`
	Conflicts   []Conflict `json:"conflicts"`
	Unresolved  int        `json:"unresolved"`
	DurationSec float64    `json:"duration_seconds"`
}

// Reconciler diffs and converges local and vendor state.
type Reconciler struct {
	store    store.Store
	registry *registry.Registry
	mapper   *fieldmap.Mapper
	notifier notify.Notifier
	logger   *zap.Logger
	maxPages int
	now      func() time.Time
}

// New creates a Reconciler.
func New(st store.Store, reg *registry.Registry, mapper *fieldmap.Mapper, notifier notify.Notifier, maxPages int) *Reconciler {
	if maxPages <= 0 {
		maxPages = 1000
	}
	return &Reconciler{
		store:    st,
		registry: reg,
		mapper:   mapper,
		notifier: notifier,
		logger:   logger.Get().With(zap.String("component", "reconciler")),
		maxPages: maxPages,
		now:      time.Now,
	}
}

// Reconcile runs one bidirectional pass for an entity type. Pulls are
// applied before pushes, and a failed push never rolls back applied work:
// the run converges as far as it can and reports the remainder.
func (r *Reconciler) Reconcile(ctx context.Context, integrationID, entityType string, opts Options) (*Result, error) {
	integration, err := r.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	connector, err := r.registry.Create(integration.Vendor)
	if err != nil {
		return nil, err
	}

	started := r.now()
	syncLog := &models.SyncLog{
		ID:            uuid.NewString(),
		IntegrationID: integration.ID,
		SyncType:      "reconcile_" + entityType,
		Status:        "running",
		StartedAt:     started,
	}
	if err := r.store.CreateLog(ctx, syncLog); err != nil {
		return nil, err
	}

	result, err := r.run(ctx, integration, connector, entityType, opts)

	now := r.now()
	syncLog.CompletedAt = &now
	syncLog.DurationSeconds = now.Sub(started).Seconds()
	if err != nil {
		syncLog.Status = "failed"
		syncLog.ErrorMessage = err.Error()
	} else {
		syncLog.Status = "completed"
		syncLog.RecordsProcessed = result.Pulled + result.Pushed
		syncLog.Metadata = models.JSONMap{
			"pulled":      result.Pulled,
			"pushed":      result.Pushed,
			"push_failed": result.PushFailed,
			"conflicts":   len(result.Conflicts),
			"unresolved":  result.Unresolved,
		}
		result.DurationSec = syncLog.DurationSeconds
	}
	if logErr := r.store.UpdateLog(ctx, syncLog); logErr != nil {
		r.logger.Error("failed to finalize sync log",
			zap.String("sync_log_id", syncLog.ID), zap.Error(logErr))
	}

	return result, err
}

func (r *Reconciler) run(ctx context.Context, integration *models.IntegrationSetting, connector core.Connector, entityType string, opts Options) (*Result, error) {
	strategy := opts.ConflictResolution
	if strategy == "" {
		strategy = integration.ConfigString(ConflictStrategyKey)
	}
	if strategy == "" {
		strategy = models.StrategyNewestWins
	}

	remote, err := r.fetchRemote(ctx, integration, connector, entityType)
	if err != nil {
		return nil, err
	}

	result := &Result{EntityType: entityType}

	switch entityType {
	case models.EntityInvoices:
		err = r.reconcileInvoices(ctx, integration, connector, strategy, remote, result)
	case models.EntityCustomers:
		err = r.reconcileCustomers(ctx, integration, connector, strategy, remote, result)
	default:
		err = errors.Newf(errors.ErrorTypeValidation, "unsupported entity type: %s", entityType)
	}
	if err != nil {
		return nil, err
	}

	for _, conflict := range result.Conflicts {
		metrics.ConflictsResolved.WithLabelValues(integration.Vendor, entityType, conflict.Resolution).Inc()
	}

	r.logger.Info("reconciliation completed",
		zap.String("integration_id", integration.ID),
		zap.String("entity_type", entityType),
		zap.String("strategy", strategy),
		zap.Int("pulled", result.Pulled),
		zap.Int("pushed", result.Pushed),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Int("unresolved", result.Unresolved))
	return result, nil
}

// fetchRemote pages through the vendor's records and maps each one into
// canonical form, keyed by external id.
func (r *Reconciler) fetchRemote(ctx context.Context, integration *models.IntegrationSetting, connector core.Connector, entityType string) (map[string]map[string]interface{}, error) {
	remote := make(map[string]map[string]interface{})

	for page := 1; page <= r.maxPages; page++ {
		filters := core.FetchFilters{Page: page}

		var records []map[string]interface{}
		var err error
		switch entityType {
		case models.EntityInvoices:
			records, err = connector.FetchInvoices(ctx, integration, filters)
		case models.EntityCustomers:
			records, err = connector.FetchCustomers(ctx, integration, filters)
		default:
			return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported entity type: %s", entityType)
		}
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			break
		}

		for _, record := range records {
			canonical, err := r.mapper.Transform(entityType, record, integration.FieldMappings)
			if err != nil {
				return nil, err
			}
			externalID, _ := canonical["external_id"].(string)
			if externalID == "" {
				continue
			}
			remote[externalID] = canonical
		}
	}
	return remote, nil
}

func (r *Reconciler) reconcileInvoices(ctx context.Context, integration *models.IntegrationSetting, connector core.Connector, strategy string, remote map[string]map[string]interface{}, result *Result) error {
	local, err := r.store.ListInvoices(ctx, integration.ID)
	if err != nil {
		return err
	}

	localByID := make(map[string]*models.Invoice, len(local))
	for i := range local {
		localByID[local[i].ExternalID] = &local[i]
	}

	var pushQueue []*models.Invoice

	// Pulls first: remote-only records and remote-winning conflicts land in
	// the local store before any push traffic starts.
	for externalID, canonical := range remote {
		incoming := models.InvoiceFromCanonical(integration.ID, canonical)
		existing, seen := localByID[externalID]
		if !seen {
			if err := r.store.UpsertInvoice(ctx, incoming); err != nil {
				result.PullFailed++
				continue
			}
			result.Pulled++
			continue
		}

		fields := existing.DivergentFields(incoming)
		if len(fields) == 0 {
			continue
		}

		resolution := resolve(strategy, existing.UpdatedAt, incoming.RemoteUpdatedAt)
		result.Conflicts = append(result.Conflicts, Conflict{
			EntityType: models.EntityInvoices,
			ExternalID: externalID,
			Fields:     fields,
			Resolution: resolution,
		})

		switch resolution {
		case "remote_wins":
			if err := r.store.UpsertInvoice(ctx, incoming); err != nil {
				result.PullFailed++
				continue
			}
			result.Pulled++
		case "local_wins":
			pushQueue = append(pushQueue, existing)
		case "manual":
			result.Unresolved++
			r.notifier.ConflictRequiresReview(ctx, integration.ID, models.EntityInvoices, externalID, fields)
		}
	}

	// Local-only records go back to the vendor.
	for i := range local {
		if _, seen := remote[local[i].ExternalID]; !seen {
			pushQueue = append(pushQueue, &local[i])
		}
	}

	for _, invoice := range pushQueue {
		payload, err := r.mapper.Reverse(models.EntityInvoices, invoice.ToCanonical(), integration.FieldMappings)
		if err != nil {
			return err
		}
		if err := connector.CreateInvoice(ctx, integration, payload); err != nil {
			result.PushFailed++
			r.logger.Warn("invoice push failed",
				zap.String("integration_id", integration.ID),
				zap.String("external_id", invoice.ExternalID),
				zap.Error(err))
			continue
		}
		result.Pushed++
	}
	return nil
}

func (r *Reconciler) reconcileCustomers(ctx context.Context, integration *models.IntegrationSetting, connector core.Connector, strategy string, remote map[string]map[string]interface{}, result *Result) error {
	local, err := r.store.ListCustomers(ctx, integration.ID)
	if err != nil {
		return err
	}

	localByID := make(map[string]*models.Customer, len(local))
	for i := range local {
		localByID[local[i].ExternalID] = &local[i]
	}

	var pushQueue []*models.Customer

	for externalID, canonical := range remote {
		incoming := models.CustomerFromCanonical(integration.ID, canonical)
		existing, seen := localByID[externalID]
		if !seen {
			if err := r.store.UpsertCustomer(ctx, incoming); err != nil {
				result.PullFailed++
				continue
			}
			result.Pulled++
			continue
		}

		fields := existing.DivergentFields(incoming)
		if len(fields) == 0 {
			continue
		}

		resolution := resolve(strategy, existing.UpdatedAt, incoming.RemoteUpdatedAt)
		result.Conflicts = append(result.Conflicts, Conflict{
			EntityType: models.EntityCustomers,
			ExternalID: externalID,
			Fields:     fields,
			Resolution: resolution,
		})

		switch resolution {
		case "remote_wins":
			if err := r.store.UpsertCustomer(ctx, incoming); err != nil {
				result.PullFailed++
				continue
			}
			result.Pulled++
		case "local_wins":
			pushQueue = append(pushQueue, existing)
		case "manual":
			result.Unresolved++
			r.notifier.ConflictRequiresReview(ctx, integration.ID, models.EntityCustomers, externalID, fields)
		}
	}

	for i := range local {
		if _, seen := remote[local[i].ExternalID]; !seen {
			pushQueue = append(pushQueue, &local[i])
		}
	}

	for _, customer := range pushQueue {
		payload, err := r.mapper.Reverse(models.EntityCustomers, customer.ToCanonical(), integration.FieldMappings)
		if err != nil {
			return err
		}
		if err := connector.CreateCustomer(ctx, integration, payload); err != nil {
			result.PushFailed++
			r.logger.Warn("customer push failed",
				zap.String("integration_id", integration.ID),
				zap.String("external_id", customer.ExternalID),
				zap.Error(err))
			continue
		}
		result.Pushed++
	}
	return nil
}

// PushResult reports the outcome for one record of a bulk push.
type PushResult struct {
	ExternalID string `json:"external_id"`
	Error      string `json:"error,omitempty"`
}

// PushToVendor sends a batch of canonical records to the vendor without a
// prior diff. Each record succeeds or fails independently.
func (r *Reconciler) PushToVendor(ctx context.Context, integrationID, entityType string, records []map[string]interface{}) ([]PushResult, error) {
	integration, err := r.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	connector, err := r.registry.Create(integration.Vendor)
	if err != nil {
		return nil, err
	}

	results := make([]PushResult, 0, len(records))
	for _, canonical := range records {
		externalID, _ := canonical["external_id"].(string)
		res := PushResult{ExternalID: externalID}

		payload, err := r.mapper.Reverse(entityType, canonical, integration.FieldMappings)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}

		switch entityType {
		case models.EntityInvoices:
			err = connector.CreateInvoice(ctx, integration, payload)
		case models.EntityCustomers:
			err = connector.CreateCustomer(ctx, integration, payload)
		default:
			return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported entity type: %s", entityType)
		}
		if err != nil {
			res.Error = err.Error()
			r.logger.Warn("push failed",
				zap.String("integration_id", integration.ID),
				zap.String("entity_type", entityType),
				zap.String("external_id", externalID),
				zap.Error(err))
		}
		results = append(results, res)
	}
	return results, nil
}

// resolve picks a winner for a diverged record. Under newest_wins a
// missing or equal remote timestamp resolves to the remote side: the
// vendor is the system of record on ties.
func resolve(strategy string, localUpdated time.Time, remoteUpdated *time.Time) string {
	switch strategy {
	case models.StrategyPreferLocal:
		return "local_wins"
	case models.StrategyPreferRemote:
		return "remote_wins"
	case models.StrategyManual:
		return "manual"
	case models.StrategyNewestWins:
		if remoteUpdated == nil {
			return "remote_wins"
		}
		if localUpdated.After(*remoteUpdated) {
			return "local_wins"
		}
		return "remote_wins"
	}
	return "manual"
}
