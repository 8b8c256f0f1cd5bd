package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kioskd/pkg/bus"
	"kioskd/pkg/db"
	"kioskd/pkg/locks"
	gos3 "kioskd/pkg/s3"
	"kioskd/pkg/telemetry"
	"kioskd/services/intake"
)

func main() {
	if err := run("intaked"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	cfg, err := intake.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	localPool, err := db.Open(ctx, cfg.LocalDatabaseURL)
	if err != nil {
		return fmt.Errorf("open local database: %w", err)
	}
	defer localPool.Close()

	if err := db.Migrate(ctx, localPool); err != nil {
		return fmt.Errorf("migrate local database: %w", err)
	}

	store, err := intake.NewStore(localPool)
	if err != nil {
		return err
	}

	// Any SYNCING row at this point belongs to a process that died mid-pass.
	recovered, err := store.RecoverStuck(ctx)
	if err != nil {
		return fmt.Errorf("recover stuck captures: %w", err)
	}
	if recovered > 0 {
		logger.Printf("INFO recovered %d captures stuck in SYNCING", recovered)
	}

	locker, err := locks.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect lock backend: %w", err)
	}
	defer locker.Close()

	// Collaborators below are optional: the kiosk keeps accepting captures
	// with any of them absent, at the cost of a degraded health status.
	var remotePool *pgxpool.Pool
	if cfg.RemoteDatabaseURL != "" {
		remotePool, err = db.Open(ctx, cfg.RemoteDatabaseURL)
		if err != nil {
			logger.Printf("WARN remote database unreachable, continuing offline: %v", err)
			remotePool = nil
		} else {
			defer remotePool.Close()
		}
	}

	var uploader intake.Uploader
	if cfg.PhotoBucket != "" {
		s3Client, err := gos3.NewClientFromEnv()
		if err != nil {
			logger.Printf("WARN object storage not configured, sync disabled: %v", err)
		} else {
			remote, err := intake.NewRemoteStore(s3Client, cfg.PhotoBucket, remotePool, cfg.LinkTTL)
			if err != nil {
				return err
			}
			uploader = remote
		}
	} else {
		logger.Printf("WARN KIOSK_PHOTO_BUCKET not set, sync disabled")
	}

	var notifier intake.Notifier
	if cfg.SMSGatewayURL != "" {
		gateway, err := intake.NewSMSGateway(cfg.SMSGatewayURL, cfg.SMSAPIKey, cfg.SMSSender)
		if err != nil {
			return fmt.Errorf("configure sms gateway: %w", err)
		}
		notifier = gateway
	}

	var events *bus.Bus
	if cfg.NATSURL != "" {
		events, err = bus.New(cfg.NATSURL)
		if err != nil {
			logger.Printf("WARN event bus unreachable, events disabled: %v", err)
			events = nil
		} else {
			defer events.Close()
		}
	}

	syncer, err := intake.NewSyncer(store, uploader, notifier, events, logger, cfg.Sync)
	if err != nil {
		return err
	}

	sweeper, err := intake.NewSweeper(store, events, logger, intake.SweeperConfig{
		Retention:      cfg.Retention(),
		DeleteUnsynced: cfg.RetentionDeleteUnsynced,
		BatchSize:      cfg.CleanupBatch,
	})
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	holder := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	sched, err := intake.NewScheduler(locker, holder, cfg.LockTTL, logger,
		intake.Job{
			Name:  "sync",
			Every: cfg.SyncInterval,
			Run: func(ctx context.Context) error {
				_, err := syncer.RunPass(ctx)
				return err
			},
		},
		intake.Job{
			Name:  "cleanup",
			Every: cfg.CleanupInterval,
			Run: func(ctx context.Context) error {
				sweeper.RunPass(ctx)
				return nil
			},
		},
	)
	if err != nil {
		return err
	}
	sched.Start(ctx)

	checker := intake.NewChecker(buildProbes(cfg, store, uploader, notifier, locker, events))

	api, err := intake.NewAPI(store, sched, checker)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "local store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Routes())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("INFO intake service listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("WARN http shutdown: %v", err)
	}

	sched.Wait()
	return nil
}

func buildProbes(cfg intake.Config, store *intake.Store, uploader intake.Uploader, notifier intake.Notifier, locker *locks.Client, events *bus.Bus) []intake.Probe {
	probes := []intake.Probe{
		{
			Name:      "local_store",
			OnFailure: intake.StatusDown,
			Check:     store.Ping,
		},
		intake.DiskProbe(cfg.DataDir),
		{
			Name:      "remote_store",
			OnFailure: intake.StatusDegraded,
			Check: func(ctx context.Context) error {
				if uploader == nil {
					return errors.New("object storage not configured")
				}
				return uploader.Ping(ctx)
			},
		},
		{
			Name:      "sms_gateway",
			OnFailure: intake.StatusDegraded,
			Check: func(ctx context.Context) error {
				if notifier == nil {
					return errors.New("sms gateway not configured")
				}
				return notifier.Ping(ctx)
			},
		},
		{
			Name:      "job_queue",
			OnFailure: intake.StatusDegraded,
			Check:     locker.Ping,
		},
	}

	if cfg.NATSURL != "" {
		probes = append(probes, intake.Probe{
			Name:      "event_bus",
			OnFailure: intake.StatusDegraded,
			Check: func(context.Context) error {
				return events.Ping()
			},
		})
	}

	return probes
}
