package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/parcelview/sitewatch/config"
	"github.com/parcelview/sitewatch/gateway"
	"github.com/parcelview/sitewatch/governor"
	"github.com/parcelview/sitewatch/presence"
	"github.com/parcelview/sitewatch/scheduler"
	"github.com/parcelview/sitewatch/store"
	"github.com/parcelview/sitewatch/util/deduplock"
	"github.com/parcelview/sitewatch/util/logger"
	"github.com/parcelview/sitewatch/util/workerpool"
)

var log = logger.NewLogger("sitewatchd")

func main() {
	// Optional .env for local development; real deployments set env directly
	godotenv.Load()

	configPath := flag.String("config", "sitewatch.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	// Snapshot store (optional: jobs that need it are skipped without it)
	db := openStore(ctx, cfg)
	if db != nil {
		defer db.Close()
	}

	// Admission governor and its background sweeps
	gov, err := governor.NewGovernor("sitewatchd", policyFromConfig(&cfg.Admission))
	if err != nil {
		log.Fatalf("Failed to create admission governor: %v", err)
	}
	gov.StartSweeps()

	// Dedup lock registry and worker pool backing the scheduler
	locks := deduplock.NewRegistry()
	locks.Start()

	pool := workerpool.New(ctx, 4)
	pool.Start()

	sched := scheduler.NewScheduler(locks, pool)
	if err := addRefreshJobs(sched, cfg, db); err != nil {
		log.Fatalf("Failed to configure jobs: %v", err)
	}
	sched.Start()

	// Realtime gateway
	gw, err := gateway.NewGateway(&gateway.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		AdvertiseAddr: cfg.Server.AdvertiseAddr,
	}, gov)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}
	if err := gw.Start(ctx); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	// Gateway presence (optional: single-node deployments skip etcd)
	pres := startPresence(ctx, cfg)

	log.Infof("sitewatchd started on %s", cfg.Server.ListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Infof("Received shutdown signal")

	// Stop intake first, then the background machinery behind it.
	if pres != nil {
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pres.Unregister(unregCtx); err != nil {
			log.Errorf("Error unregistering presence: %v", err)
		}
		cancel()
		pres.Close()
	}
	if err := gw.Stop(); err != nil {
		log.Errorf("Error stopping gateway: %v", err)
	}
	sched.Stop()
	pool.Stop()
	locks.Stop()
	gov.Stop()

	log.Infof("sitewatchd stopped")
}

// policyFromConfig maps file-level millisecond settings onto the governor
// policy. Zero fields fall back to governor defaults during validation.
func policyFromConfig(ac *config.AdmissionConfig) governor.Policy {
	return governor.Policy{
		MaxConnections:         ac.MaxConnections,
		MaxPerSource:           ac.MaxPerSource,
		MinAdmitInterval:       time.Duration(ac.MinAdmitIntervalMs) * time.Millisecond,
		IdleTimeout:            time.Duration(ac.IdleTimeoutMs) * time.Millisecond,
		IdleSweepInterval:      time.Duration(ac.IdleSweepIntervalMs) * time.Millisecond,
		EmergencySweepInterval: time.Duration(ac.EmergencySweepMs) * time.Millisecond,
		HighWaterFraction:      ac.HighWaterFraction,
		EvictFraction:          ac.EvictFraction,
	}
}

// openStore connects to PostgreSQL and prepares the snapshot schema.
// Returns nil when the database is not reachable so the gateway can still
// serve realtime traffic without it.
func openStore(ctx context.Context, cfg *config.Config) *store.DB {
	storeCfg := &store.Config{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	}
	if storeCfg.Host == "" {
		log.Infof("No postgres host configured, snapshot store disabled")
		return nil
	}

	db, err := store.NewDB(storeCfg)
	if err != nil {
		log.Fatalf("Failed to open snapshot store: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		log.Warnf("Snapshot store unreachable, refresh jobs disabled: %v", err)
		db.Close()
		return nil
	}

	if err := db.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize snapshot schema: %v", err)
	}
	return db
}

// addRefreshJobs registers one snapshot-refresh job per configured dataset
func addRefreshJobs(sched *scheduler.Scheduler, cfg *config.Config, db *store.DB) error {
	if db == nil && len(cfg.Jobs) > 0 {
		log.Warnf("Skipping %d refresh jobs: snapshot store disabled", len(cfg.Jobs))
		return nil
	}

	for _, jc := range cfg.Jobs {
		source, region := jc.Source, jc.Region
		err := sched.AddJob(scheduler.Job{
			Key:      jc.Key,
			Interval: time.Duration(jc.IntervalSeconds) * time.Second,
			LockTTL:  time.Duration(jc.LockTTLSeconds) * time.Second,
			Run: func(ctx context.Context) error {
				return refreshSnapshot(ctx, db, source, region)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// refreshSnapshot re-materializes one (source, region) dataset. The upstream
// fetchers live in the data proxy service; this daemon records the refresh
// marker the dashboard uses to decide when a dataset is stale.
func refreshSnapshot(ctx context.Context, db *store.DB, source, region string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"source":       source,
		"region":       region,
		"refreshed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return db.SaveSnapshot(ctx, source, region, payload)
}

// startPresence registers this gateway in etcd and watches its peers.
// Returns nil when etcd is not configured.
func startPresence(ctx context.Context, cfg *config.Config) *presence.Manager {
	if len(cfg.Etcd.Endpoints) == 0 {
		log.Infof("No etcd endpoints configured, presence disabled")
		return nil
	}

	pres, err := presence.NewManager(cfg.Etcd.Endpoints, cfg.Etcd.Prefix)
	if err != nil {
		log.Fatalf("Failed to create presence manager: %v", err)
	}
	if err := pres.Connect(); err != nil {
		log.Fatalf("Failed to connect to etcd: %v", err)
	}
	if err := pres.Register(ctx, cfg.Server.AdvertiseAddr); err != nil {
		log.Fatalf("Failed to register gateway presence: %v", err)
	}
	if err := pres.WatchGateways(ctx); err != nil {
		log.Fatalf("Failed to watch gateway presence: %v", err)
	}
	return pres
}
