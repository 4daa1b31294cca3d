package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver telemetry messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total messages rejected as malformed or invalid",
	})
	samplesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_samples_applied_total",
		Help: "Total samples applied through the location relay",
	})
	relayErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_relay_errors_total",
		Help: "Total samples that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, samplesApplied, relayErrors)
}

// Reporter is the part of the location relay the consumer drives.
type Reporter interface {
	ReportLocation(ctx context.Context, s models.LocationSample) (bool, error)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rc.Close()

	policy := retry.DefaultPolicy()
	policy.Attempts, policy.BaseDelay = cfg.RetryAttempts, cfg.RetryBaseDelay
	reporter := &relay.Relay{
		Geo:      geo.NewRedisGeo(rc, cfg.RedisGeoKey),
		Presence: presence.NewRedisBus(rc, cfg.RedisFanoutChannel, nil, log),
		Retry:    policy,
		Logger:   log,
	}
	if cfg.PGDSN != "" {
		db, err := storage.Open(ctx, cfg.PGDSN)
		if err != nil {
			log.WithError(err).Fatal("connect postgres")
		}
		defer db.Close()
		reporter.Drivers = storage.NewPostgresDirectory(db)
		reporter.Rides = ride.NewMachine(storage.NewPostgresStore(db), policy, log)
	} else {
		// No shared ride store: samples only refresh the geo index and rideId
		// is ignored. Availability lives next to the index in Redis.
		reporter.Drivers = storage.NewRedisDirectory(rc, true)
		log.Warn("PG_DSN unset, live locations are not relayed to riders")
	}

	go serveMetrics(cfg.MetricsAddr, rc, log)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaIngestTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	log.WithFields(logrus.Fields{"topic": cfg.KafkaIngestTopic, "brokers": cfg.KafkaBrokers, "group": cfg.KafkaGroup}).Info("consumer listening")
	consume(ctx, r, reporter, log)
	log.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, rep Reporter, log logrus.FieldLogger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).WithField("backoff", backoff).Warn("kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()
		if err := handleMessage(ctx, rep, m.Value); err != nil {
			log.WithError(err).WithField("offset", m.Offset).Warn("telemetry sample dropped")
		}
	}
}

// handleMessage decodes one telemetry sample and feeds it to the relay.
// Malformed or invalid samples are counted and skipped.
func handleMessage(ctx context.Context, rep Reporter, value []byte) error {
	var s models.LocationSample
	if err := json.Unmarshal(value, &s); err != nil {
		msgsInvalid.Inc()
		return err
	}
	if _, err := rep.ReportLocation(ctx, s); err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindValidation, apperr.KindNotFound:
			msgsInvalid.Inc()
		default:
			relayErrors.Inc()
		}
		return err
	}
	samplesApplied.Inc()
	return nil
}

func serveMetrics(addr string, rc *redis.Client, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	log.WithField("addr", addr).Info("metrics/health listening")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("metrics server stopped")
	}
}
