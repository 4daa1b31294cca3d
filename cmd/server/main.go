package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("server stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, log *logrus.Logger) error {
	policy := retry.DefaultPolicy()
	policy.Attempts, policy.BaseDelay = cfg.RetryAttempts, cfg.RetryBaseDelay
	registry := presence.NewRegistry(log)
	var ready []httpapi.ReadyCheck

	var (
		index     geo.Index
		publisher presence.Publisher = registry
		rc        *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		bus := presence.NewRedisBus(rc, cfg.RedisFanoutChannel, registry, log)
		publisher = bus
		busReady := make(chan struct{})
		go func() {
			if err := bus.Run(ctx, busReady); err != nil {
				log.WithError(err).Error("fanout subscription ended")
			}
		}()
		select {
		case <-busReady:
		case <-time.After(10 * time.Second):
			return errors.New("fanout subscription not confirmed")
		case <-ctx.Done():
			return nil
		}
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		log.WithField("addr", cfg.RedisAddr).Info("using redis geo index and fanout")
	} else {
		index = geo.NewRTreeIndex()
		log.Info("using in-process geo index")
	}

	var (
		store   storage.TripStore
		drivers storage.DriverDirectory
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.RunMigrations(cfg.MigrationsPath, cfg.PGDSN); err != nil {
				return err
			}
			log.WithField("source", cfg.MigrationsPath).Info("migrations applied")
		}
		db, err := storage.Open(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		ps := storage.NewPostgresStore(db)
		store, drivers = ps, storage.NewPostgresDirectory(db)
		ready = append(ready, ps.Ping)
	} else {
		store = storage.NewMemoryStore()
		log.Info("using in-process ride store")
		if rc != nil {
			// Replicas share the geo index, so they must share availability too.
			drivers = storage.NewRedisDirectory(rc, true)
		} else {
			drivers = storage.NewMemoryDirectory(true)
		}
	}

	var sink relay.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		sink = kp
	}

	machine := ride.NewMachine(store, policy, log)
	svc := &dispatch.Service{
		Geo:            index,
		Rides:          machine,
		Presence:       publisher,
		Retry:          policy,
		SearchRadiusM:  cfg.SearchRadiusM,
		CandidateLimit: cfg.CandidateLimit,
		Logger:         log,
	}
	rl := &relay.Relay{Geo: index, Drivers: drivers, Rides: machine, Presence: publisher, Sink: sink, Retry: policy, Logger: log}

	api := httpapi.NewServer(httpapi.Deps{
		Dispatch:             svc,
		Relay:                rl,
		Presence:             registry,
		Verifier:             auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Ready:                ready,
		NearbyDefaultRadiusM: cfg.NearbyDefaultRadiusM,
		NearbyLimit:          cfg.NearbyLimit,
		CORSAllowedOrigins:   cfg.CORSAllowedOrigins,
		Logger:               log,
	})

	// Websocket sessions derive from baseCtx so shutdown can end them;
	// http.Server.Shutdown does not touch hijacked connections.
	baseCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("ride-dispatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	cancelSessions()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
