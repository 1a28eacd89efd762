package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/clients"
	"github.com/accountlink/vendorsync/pkg/config"
	"github.com/accountlink/vendorsync/pkg/connector/base"
	"github.com/accountlink/vendorsync/pkg/connector/registry"
	"github.com/accountlink/vendorsync/pkg/fieldmap"
	"github.com/accountlink/vendorsync/pkg/logger"
	"github.com/accountlink/vendorsync/pkg/metrics"
	"github.com/accountlink/vendorsync/pkg/models"
	"github.com/accountlink/vendorsync/pkg/notify"
	"github.com/accountlink/vendorsync/pkg/orchestrator"
	"github.com/accountlink/vendorsync/pkg/reconcile"
	"github.com/accountlink/vendorsync/pkg/store"

	// Import all vendor connectors to register them
	_ "github.com/accountlink/vendorsync/pkg/connector/vendors/dynamics"
	_ "github.com/accountlink/vendorsync/pkg/connector/vendors/netsuite"
	_ "github.com/accountlink/vendorsync/pkg/connector/vendors/quickbooks"
	_ "github.com/accountlink/vendorsync/pkg/connector/vendors/sap"
	_ "github.com/accountlink/vendorsync/pkg/connector/vendors/xero"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile string
	var metricsAddr string

	root := &cobra.Command{
		Use:   "vendorsync",
		Short: "vendorsync - accounting platform sync engine",
		Long: `vendorsync keeps local invoices and customers in sync with external
accounting platforms (QuickBooks, Xero, SAP, NetSuite, Dynamics 365),
handling scheduling, retries, rate limits, and bidirectional conflict
resolution.`,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vendorsync v%s\n", version)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "vendors",
		Short: "List supported vendors",
		Run: func(cmd *cobra.Command, args []string) {
			for _, vendor := range registry.SupportedVendors() {
				fmt.Printf("  - %s\n", vendor)
			}
		},
	})

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the sync worker loop",
		Long: `Run the polling worker: schedules periodic syncs for active
integrations, claims due jobs, and executes them against the vendor APIs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configFile)
			if err != nil {
				return err
			}

			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					app.logger.Warn("metrics server stopped", zap.Error(err))
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = app.engine.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	workerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Listen address for the Prometheus metrics endpoint")
	root.AddCommand(workerCmd)

	root.AddCommand(&cobra.Command{
		Use:   "process-queue",
		Short: "Run a single queue processing pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configFile)
			if err != nil {
				return err
			}
			started, err := app.engine.ProcessQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("started %d job(s)\n", started)
			return nil
		},
	})

	var integrationID, priority string
	var entities []string
	var fullSync bool
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a sync job for an integration",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configFile)
			if err != nil {
				return err
			}
			job, err := app.engine.ScheduleSync(cmd.Context(), integrationID, orchestrator.ScheduleOptions{
				Priority:    priority,
				EntityTypes: entities,
				FullSync:    fullSync,
			})
			if err != nil {
				return err
			}
			fmt.Printf("scheduled job %s\n", job.ID)
			return nil
		},
	}
	scheduleCmd.Flags().StringVarP(&integrationID, "integration", "i", "", "Integration ID (required)")
	scheduleCmd.Flags().StringVar(&priority, "priority", models.PriorityNormal, "Job priority (high, normal, low)")
	scheduleCmd.Flags().StringSliceVar(&entities, "entities", nil, "Entity types to sync (default: invoices,customers)")
	scheduleCmd.Flags().BoolVar(&fullSync, "full", false, "Ignore the last sync time and fetch everything")
	_ = scheduleCmd.MarkFlagRequired("integration")
	root.AddCommand(scheduleCmd)

	var testIntegrationID string
	testCmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Verify an integration's credentials and reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configFile)
			if err != nil {
				return err
			}
			integration, err := app.store.GetIntegration(cmd.Context(), testIntegrationID)
			if err != nil {
				return err
			}
			connector, err := app.registry.Create(integration.Vendor)
			if err != nil {
				return err
			}
			if err := connector.TestConnection(cmd.Context(), integration); err != nil {
				return err
			}
			fmt.Printf("%s connection ok\n", connector.VendorName())
			return nil
		},
	}
	testCmd.Flags().StringVarP(&testIntegrationID, "integration", "i", "", "Integration ID (required)")
	_ = testCmd.MarkFlagRequired("integration")
	root.AddCommand(testCmd)

	var reconcileIntegrationID, entityType, strategy string
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a bidirectional reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configFile)
			if err != nil {
				return err
			}
			result, err := app.reconciler.Reconcile(cmd.Context(), reconcileIntegrationID, entityType, reconcile.Options{
				ConflictResolution: strategy,
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	reconcileCmd.Flags().StringVarP(&reconcileIntegrationID, "integration", "i", "", "Integration ID (required)")
	reconcileCmd.Flags().StringVarP(&entityType, "entity", "e", models.EntityInvoices, "Entity type (invoices, customers)")
	reconcileCmd.Flags().StringVar(&strategy, "strategy", "", "Conflict strategy override (prefer_local, prefer_remote, newest_wins, manual)")
	_ = reconcileCmd.MarkFlagRequired("integration")
	root.AddCommand(reconcileCmd)

	var statsIntegrationID string
	var statsDays int
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show sync statistics for an integration",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configFile)
			if err != nil {
				return err
			}
			stats, err := app.engine.SyncStats(cmd.Context(), statsIntegrationID, statsDays)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	statsCmd.Flags().StringVarP(&statsIntegrationID, "integration", "i", "", "Integration ID (required)")
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "Window size in days")
	_ = statsCmd.MarkFlagRequired("integration")
	root.AddCommand(statsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("database.dsn is not configured")
			}
			gs, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			return gs.AutoMigrate()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      store.Store
	registry   *registry.Registry
	engine     *orchestrator.Engine
	reconciler *reconcile.Reconciler
}

func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		cfg := config.Default()
		cfg.Database.DSN = os.Getenv("DATABASE_DSN")
		cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
		return cfg, nil
	}
	return config.Load(configFile)
}

func buildApp(configFile string) (*app, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
	}); err != nil {
		return nil, err
	}
	log := logger.Get()

	var st store.Store
	if cfg.Database.DSN != "" {
		gs, err := store.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		st = gs
	} else {
		log.Warn("no database configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	var counters clients.CounterStore
	if cfg.Redis.Addr != "" {
		counters = clients.NewRedisCounterStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	} else {
		counters = clients.NewMemoryCounterStore()
	}

	rest := clients.NewRESTClient(&clients.RESTConfig{
		RequestTimeout:   cfg.Reliability.RequestTimeout,
		RetryAttempts:    cfg.Reliability.RetryAttempts,
		FailureThreshold: cfg.Reliability.FailureThreshold,
		BreakerInterval:  cfg.Reliability.BreakerInterval,
	}, counters, log)

	deps := base.NewDeps(rest, clients.NewTokenCache(), log)
	reg := registry.New(deps)
	mapper := fieldmap.New()
	notifier := notify.NewLogNotifier()

	return &app{
		cfg:        cfg,
		logger:     log,
		store:      st,
		registry:   reg,
		engine:     orchestrator.NewEngine(cfg.Sync, st, reg, mapper, notifier),
		reconciler: reconcile.New(st, reg, mapper, notifier, cfg.Sync.MaxPages),
	}, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
