package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/vzahanych/barnwatch/internal/audit"
	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/detection"
	"github.com/vzahanych/barnwatch/internal/health"
	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/metrics"
	"github.com/vzahanych/barnwatch/internal/notify"
	"github.com/vzahanych/barnwatch/internal/pipeline"
	"github.com/vzahanych/barnwatch/internal/service"
	"github.com/vzahanych/barnwatch/internal/storage"
	"github.com/vzahanych/barnwatch/internal/web"
)

// startupDialTimeout bounds the first contact with external stores
const startupDialTimeout = 10 * time.Second

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	bootLog, err := logger.New(logger.LogConfig{Level: "info", Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfgSvc, err := config.NewService(configPath, bootLog)
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "%v\n", cfgErr)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		}
		os.Exit(1)
	}
	cfg := cfgSvc.Get()

	// Initialize logger
	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting barnwatch",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"config", cfgSvc.Path(),
		"sites", len(cfg.Sites),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcMgr, closeDB, err := buildServices(ctx, cfgSvc, log)
	if err != nil {
		log.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	if err := svcMgr.Start(ctx); err != nil {
		log.Error("Failed to start services", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		closeDB()
		os.Exit(1)
	}

	log.Info("Shutdown complete")
}

// buildServices creates every service and registers it in start
// order. Shutdown runs in reverse, so the pipeline drains into the
// scheduler and the audit writer before they stop.
func buildServices(ctx context.Context, cfgSvc *config.Service, log *logger.Logger) (*service.Manager, func(), error) {
	cfg := cfgSvc.Get()
	svcMgr := service.NewManager(log)
	svcMgr.Register(cfgSvc)

	// Audit log. An unreachable server is retried on every write.
	db, err := audit.NewDatabase(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return nil, nil, err
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, startupDialTimeout)
	if err := db.Connect(connectCtx); err != nil {
		log.Warn("Audit database not reachable, records will fail until it is", "driver", cfg.Audit.Driver, "error", err)
	}
	connectCancel()
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Warn("Failed to close audit database", "error", err)
		}
	}
	fail := func(err error) (*service.Manager, func(), error) {
		closeDB()
		return nil, nil, err
	}
	sink := audit.NewSQLSink(db)
	writer := audit.NewWriter(sink, cfg.Audit.BufferSize, log.With("component", "audit"))
	svcMgr.Register(writer)

	// Image store
	storageCtx, storageCancel := context.WithTimeout(ctx, startupDialTimeout)
	images, err := storage.NewImageStore(storageCtx, cfg.Storage, log.With("component", "storage"))
	storageCancel()
	if err != nil {
		return fail(err)
	}
	if local, ok := images.(*storage.LocalStore); ok {
		svcMgr.Register(storage.NewRetention(local.Dir(), cfg.Storage.RetentionDays, clockwork.NewRealClock(), log))
	}

	collector := metrics.NewCollector(log)
	svcMgr.Register(collector)

	// Notification channels
	var bindings []notify.Binding
	if cfg.Notifications.NotificationsOn() {
		for _, chCfg := range cfg.Notifications.Channels {
			if !chCfg.Enabled {
				continue
			}
			ch, err := notify.NewChannel(chCfg, log)
			if err != nil {
				return fail(fmt.Errorf("channel %s: %w", chCfg.Name, err))
			}
			policy, err := notify.PolicyFromConfig(chCfg)
			if err != nil {
				return fail(fmt.Errorf("channel %s: %w", chCfg.Name, err))
			}
			bindings = append(bindings, notify.Binding{Channel: ch, Policy: policy})
		}
	} else {
		log.Warn("Notifications disabled")
	}
	scheduler := notify.NewScheduler(bindings, log.With("component", "scheduler"),
		notify.WithOutcomeObserver(writer.Outcome),
		notify.WithDedupSize(cfg.Notifications.DedupSize),
	)
	svcMgr.Register(scheduler)

	// Detection pipeline
	classifier := detection.NewHTTPClassifier(detection.HTTPClassifierConfig{
		ServiceURL: cfg.Detection.ClassifierURL,
		Timeout:    cfg.Detection.ClassifierTimeout,
	}, log)
	monitor, err := pipeline.NewMonitor(cfg, pipeline.Dependencies{
		Classifier: classifier,
		Images:     images,
		Audit:      writer,
		Notifier:   scheduler,
	}, log.With("component", "pipeline"))
	if err != nil {
		return fail(err)
	}
	if err := monitor.RegisterMetrics(collector.Registry()); err != nil {
		return fail(err)
	}
	cfgSvc.Watch(monitor.OnConfigChange)
	svcMgr.Register(monitor)

	// Health
	healthAddr := ""
	if cfg.Health.Port > 0 {
		healthAddr = fmt.Sprintf(":%d", cfg.Health.Port)
	}
	healthMgr := health.NewManager(healthAddr, svcMgr, log)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(db, cfg.Audit.Driver))
	healthMgr.RegisterChecker(health.NewClassifierChecker(classifier, cfg.Detection.ClassifierURL))
	healthMgr.RegisterChecker(health.NewStorageChecker(images))
	healthMgr.RegisterChecker(health.NewSitesChecker(monitor))
	healthMgr.RegisterChecker(health.NewChannelsChecker(scheduler.Channels()))
	svcMgr.Register(healthMgr)

	if cfg.Health.GRPCPort > 0 {
		siteIDs := lo.Map(cfg.Sites, func(s config.SiteConfig, _ int) string { return s.ID })
		svcMgr.Register(health.NewGRPCServer(fmt.Sprintf(":%d", cfg.Health.GRPCPort), siteIDs, log))
	}

	// Status API
	if cfg.Web.Enabled {
		server := web.NewServer(&cfg.Web, log)
		server.SetVersion(version)
		server.SetDependencies(web.Dependencies{
			Sites:    monitor,
			History:  sink,
			Images:   images,
			Lanes:    scheduler,
			Config:   cfgSvc,
			Metrics:  collector.Handler(),
			Health:   healthMgr.Mux(),
			Services: svcMgr,
		})
		svcMgr.Register(server)
	}

	return svcMgr, closeDB, nil
}
