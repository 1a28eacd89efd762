// Package vendorsync keeps local accounting records in sync with external
// vendor platforms (QuickBooks, Xero, SAP Business One, NetSuite, and
// Dynamics 365 Business Central).
//
// # Architecture
//
// The engine is organized around a small set of cooperating packages:
//
// 1. Connectors (pkg/connector): one package per vendor, each registering a
// factory at init time with pkg/connector/registry. Connectors implement the
// core.Connector interface and compose shared helpers from pkg/connector/base
// for credential validation, pagination clamping, and token bookkeeping.
//
// 2. Transport (pkg/clients): a shared REST client with per-vendor circuit
// breakers, windowed rate limiting (in-memory or Redis backed), retry with
// exponential backoff, and an OAuth token cache with single-flight refresh.
//
// 3. Orchestration (pkg/orchestrator): a polling worker that schedules
// periodic syncs, claims due jobs from the store, executes them under a
// concurrency limit, and walks failed jobs through a retry ladder before
// marking them permanently failed.
//
// 4. Mapping (pkg/fieldmap): configuration-driven translation between vendor
// payloads and the canonical invoice/customer shape, including value
// coercion and invoice total derivation.
//
// 5. Reconciliation (pkg/reconcile): bidirectional comparison of local and
// remote records with per-entity conflict fields and pluggable resolution
// strategies.
//
// # Quick Start
//
// Schedule and run a sync against a configured integration:
//
//	import (
//	    "context"
//
//	    "github.com/accountlink/vendorsync/pkg/config"
//	    "github.com/accountlink/vendorsync/pkg/orchestrator"
//	    "github.com/accountlink/vendorsync/pkg/store"
//
//	    _ "github.com/accountlink/vendorsync/pkg/connector/vendors/quickbooks"
//	)
//
//	cfg := config.Default()
//	st := store.NewMemoryStore()
//	engine := orchestrator.NewEngine(cfg.Sync, st, reg, mapper, notifier)
//
//	job, err := engine.ScheduleSync(ctx, integrationID, orchestrator.ScheduleOptions{})
//	if err != nil {
//	    // handle
//	}
//	_, err = engine.ProcessQueue(ctx)
//
// The vendorsync CLI under cmd/vendorsync wires the same components from a
// YAML configuration file and runs the worker loop as a long-lived process.
package vendorsync
