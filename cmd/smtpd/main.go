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

	"github.com/migadu/smtpd/cache"
	"github.com/migadu/smtpd/config"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/authcache"
	"github.com/migadu/smtpd/pkg/distlock"
	errs "github.com/migadu/smtpd/pkg/errors"
	"github.com/migadu/smtpd/pkg/health"
	"github.com/migadu/smtpd/server"
	"github.com/migadu/smtpd/server/checks"
	"github.com/migadu/smtpd/server/cleaner"
	"github.com/migadu/smtpd/server/delivery"
	"github.com/migadu/smtpd/server/httpapi"
	"github.com/migadu/smtpd/server/mailstore"
	"github.com/migadu/smtpd/server/policy"
	"github.com/migadu/smtpd/server/quota"
	"github.com/migadu/smtpd/server/relayqueue"
	"github.com/migadu/smtpd/server/smtpd"
	"github.com/migadu/smtpd/storage"
	"github.com/redis/go-redis/v9"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	relayConcurrency = 4

	authCacheTTL         = 5 * time.Minute
	authCacheNegativeTTL = 30 * time.Second
	authCacheSize        = 10000
)

// services holds everything main has to stop on the way out.
type services struct {
	database    *db.Database
	redis       *redis.Client
	smtp        *smtpd.Backend
	relayWorker *relayqueue.Worker
	cleaner     *cleaner.CleanupWorker
	health      *health.HealthMonitor
	http        *httpapi.Server
}

func main() {
	errorHandler := errs.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("smtpd version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(errs.ExitOK)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SMTPD: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SMTPD: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("smtpd starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	errChan := make(chan error, 4)
	svc, err := initializeServices(ctx, cfg, errChan)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.ExitCode())
	}
	defer svc.stop()

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		cancel()
		svc.stop()
		os.Exit(errorHandler.ExitCode())
	}
}

func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errs.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.ExitCode())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("config", err)
		os.Exit(errorHandler.ExitCode())
	}
}

func initializeServices(ctx context.Context, cfg config.Config, errChan chan error) (*services, error) {
	svc := &services{}
	hostname := cfg.SMTP.Hostname

	// Metadata.
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, cfg.Database.DSN()); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	svc.database = database
	database.StartPoolMetrics(ctx)

	// Shared cache.
	rdb, err := cache.Connect(ctx, cfg.Redis)
	if err != nil {
		svc.stop()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	svc.redis = rdb
	counters := cache.NewCounters(rdb)
	checkpoints := cache.NewCheckpoints(rdb)

	// Blobs.
	var blobs storage.BlobStore
	var fsStore *storage.FSStore
	switch cfg.Storage.Backend {
	case "s3":
		s3 := cfg.Storage.S3
		blobs, err = storage.NewS3Store(s3.Endpoint, s3.AccessKey, s3.SecretKey, s3.Bucket, !s3.DisableTLS, s3.Debug)
	default:
		fsStore, err = storage.NewFSStore(cfg.Storage.Path)
		blobs = fsStore
	}
	if err != nil {
		svc.stop()
		return nil, fmt.Errorf("failed to open %s blob store: %w", cfg.Storage.Backend, err)
	}
	codec, err := storage.NewCodec()
	if err != nil {
		svc.stop()
		return nil, fmt.Errorf("failed to create blob codec: %w", err)
	}

	// Mailbox locks.
	lockTimeout, err := cfg.Lock.GetTimeout()
	if err != nil {
		svc.stop()
		return nil, fmt.Errorf("invalid lock timeout: %w", err)
	}
	var locker distlock.Locker
	if cfg.Lock.Backend == "redis" {
		ttl, err := cfg.Lock.GetTTL()
		if err != nil {
			svc.stop()
			return nil, fmt.Errorf("invalid lock ttl: %w", err)
		}
		locker = distlock.NewRedisLocker(rdb, lockTimeout, ttl)
	} else {
		locker = distlock.NewPGLocker(database.Pool, lockTimeout)
	}

	rollouts := quota.NewManager(blobs, checkpoints, cfg.Policy.GetRolloutPageSize())
	store := mailstore.New(database, blobs, locker, codec, rollouts, checkpoints)

	// Verdict collaborators.
	checkTimeout, err := cfg.Policy.GetCheckTimeout()
	if err != nil {
		svc.stop()
		return nil, fmt.Errorf("invalid policy check_timeout: %w", err)
	}
	spam := checks.NewHeaderSpamFilter(cfg.Policy.SpamHeader, cfg.Policy.SpamThreshold, rdb)
	checkers := &policy.Checkers{Spam: spam, Timeout: checkTimeout}
	var scanner policy.Scanner
	if cfg.Policy.ClamdAddr != "" {
		clamd := checks.NewClamd(cfg.Policy.ClamdAddr)
		checkers.Scanner = clamd
		scanner = clamd
	}
	if cfg.Policy.SPF {
		checkers.SPF = checks.NewSPF()
	}
	if cfg.Policy.DKIM {
		checkers.DKIM = checks.NewDKIM()
	}
	if len(cfg.Policy.RBLZones) > 0 {
		checkers.RBL = checks.NewDNSBL(cfg.Policy.RBLZones)
	}

	monitor := health.NewHealthMonitor()
	monitor.RegisterCheck(health.PingCheck("database", true, database.Ping))
	monitor.RegisterCheck(health.PingCheck("redis", true, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))

	// Relay, notices and submission.
	auth := authcache.New(database, authCacheTTL, authCacheNegativeTTL, authCacheSize)
	auth.StartCleanup(ctx, time.Minute)
	deps := smtpd.Dependencies{
		Auth:       auth,
		Recipients: database,
		Pipeline:   policy.NewPipeline(counters),
		Checkers:   checkers,
		Filter:     policy.NewContentFilter(delivery.NewVacationOracle(counters)),
		Store:      store,
		Counters:   counters,
	}

	relay, err := delivery.NewRelayHandlerFromConfig(cfg.Relay, hostname)
	switch {
	case errors.Is(err, consts.ErrRelayNotConfigured):
		logger.Warn("No relay configured: submission, bounces and forwarding are disabled")
	case err != nil:
		svc.stop()
		return nil, fmt.Errorf("failed to configure relay: %w", err)
	default:
		var signer *delivery.Signer
		if cfg.Relay.DKIM.Enabled() {
			if signer, err = delivery.LoadSigner(cfg.Relay.DKIM); err != nil {
				svc.stop()
				return nil, fmt.Errorf("failed to load DKIM key: %w", err)
			}
		}

		interval, err := cfg.Relay.Queue.GetInterval()
		if err != nil {
			svc.stop()
			return nil, fmt.Errorf("invalid relay queue interval: %w", err)
		}
		queue, err := relayqueue.NewDiskQueue(cfg.Relay.Queue.Path, cfg.Relay.Queue.GetMaxAttempts(), relayqueue.DefaultBackoff())
		if err != nil {
			svc.stop()
			return nil, fmt.Errorf("failed to open relay queue: %w", err)
		}
		svc.relayWorker = relayqueue.NewWorker(queue, relay, interval, cfg.Relay.Queue.BatchSize, relayConcurrency)
		svc.relayWorker.Start(ctx)

		deps.Notifier = delivery.NewNotifier(queue, counters, hostname, cfg.Policy.GetAutoReplyPrefix())
		deps.Outbound = delivery.NewOutbound(database, counters, scanner, relay, signer, hostname, cfg.Relay.DailyLimit)
		monitor.RegisterCheck(health.CircuitBreakerCheck("relay", relay.GetCircuitBreaker()))
	}

	// Trusted relay peers.
	registry, err := server.NewRegistry(cfg.SMTP.TrustedNetworks, cfg.SMTP.TrustedDomains)
	if err != nil {
		svc.stop()
		return nil, fmt.Errorf("invalid trusted networks: %w", err)
	}
	refresh, err := cfg.SMTP.GetTrustedRefresh()
	if err != nil {
		svc.stop()
		return nil, fmt.Errorf("invalid smtp.trusted_refresh: %w", err)
	}
	registry.StartRefresh(ctx, database, refresh)
	deps.Registry = registry

	// Orphan sweeper. S3 objects are not enumerated.
	if fsStore != nil {
		interval, err := cfg.Cleanup.GetInterval()
		if err != nil {
			svc.stop()
			return nil, fmt.Errorf("invalid cleanup interval: %w", err)
		}
		grace, err := cfg.Cleanup.GetGracePeriod()
		if err != nil {
			svc.stop()
			return nil, fmt.Errorf("invalid cleanup grace_period: %w", err)
		}
		svc.cleaner = cleaner.New(database, fsStore, locker, interval, grace)
		svc.cleaner.Start(ctx)
	}

	// SMTP listener.
	opts, err := smtpd.OptionsFromConfig(cfg.SMTP)
	if err != nil {
		svc.stop()
		return nil, err
	}
	svc.smtp, err = smtpd.New(ctx, opts, deps)
	if err != nil {
		svc.stop()
		return nil, fmt.Errorf("failed to create SMTP server: %w", err)
	}
	go svc.smtp.Start(errChan)

	monitor.Start(ctx)
	svc.health = monitor

	if cfg.HTTPAPI.Addr != "" {
		svc.http = httpapi.New(httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			Spam:         database,
			Trainer:      spam,
			Checkpoints:  checkpoints,
			Health:       monitor,
		})
		go svc.http.Start(ctx, errChan)
	}

	return svc, nil
}

// stop is safe to call more than once and on a partly built set.
func (s *services) stop() {
	if s.smtp != nil {
		if err := s.smtp.Close(); err != nil {
			logger.Warn("Failed to close SMTP server", "error", err)
		}
		s.smtp = nil
	}
	if s.relayWorker != nil {
		s.relayWorker.Stop()
		s.relayWorker = nil
	}
	if s.cleaner != nil {
		s.cleaner.Stop()
		s.cleaner = nil
	}
	if s.health != nil {
		s.health.Stop()
		s.health = nil
	}
	// Let in-flight sessions release their locks before the pool goes.
	time.Sleep(100 * time.Millisecond)
	if s.redis != nil {
		s.redis.Close()
		s.redis = nil
	}
	if s.database != nil {
		s.database.Close()
		s.database = nil
	}
}
