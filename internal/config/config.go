package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from an optional config.yaml (./ or ./config, or the file
// named by CONFIG_FILE) overridden by environment variables, with defaults that run locally without setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisGeoKey        string
	RedisFanoutChannel string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN          string
	RunMigrations  bool
	MigrationsPath string

	SearchRadiusM        float64
	CandidateLimit       int
	NearbyDefaultRadiusM float64
	NearbyLimit          int

	JWTSecret          string
	JWTIssuer          string
	CORSAllowedOrigins []string

	RetryAttempts  int
	RetryBaseDelay time.Duration

	LogLevel  string
	LogFormat string
}

// ConsumerConfig configures the telemetry ingest worker.
type ConsumerConfig struct {
	KafkaBrokers     []string
	KafkaIngestTopic string
	KafkaGroup       string
	MetricsAddr      string

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisGeoKey        string
	RedisFanoutChannel string
	PGDSN              string

	RetryAttempts  int
	RetryBaseDelay time.Duration

	LogLevel  string
	LogFormat string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	if f := v.GetString("config_file"); f != "" {
		v.SetConfigFile(f)
	}

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("http_read_timeout", "5s")
	v.SetDefault("http_write_timeout", "10s")
	v.SetDefault("http_idle_timeout", "120s")
	v.SetDefault("http_shutdown_timeout", "15s")
	v.SetDefault("redis_db", "0")
	v.SetDefault("redis_geo_key", "drivers_geo")
	v.SetDefault("redis_fanout_channel", "ride-events")
	v.SetDefault("kafka_topic", "driver-locations")
	v.SetDefault("kafka_ingest_topic", "driver-telemetry")
	v.SetDefault("kafka_group", "ride-dispatch-consumer")
	v.SetDefault("migrations_path", "file://migrations")
	v.SetDefault("dispatch_search_radius_m", "5000")
	v.SetDefault("dispatch_candidate_limit", "5")
	v.SetDefault("nearby_default_radius_m", "3000")
	v.SetDefault("nearby_limit", "50")
	v.SetDefault("jwt_issuer", "ride-dispatch")
	v.SetDefault("cors_allowed_origins", "*")
	v.SetDefault("retry_attempts", "3")
	v.SetDefault("retry_base_delay", "100ms")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_addr", ":2112")
	return v
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	v := newViper()
	var errs []error
	if err := readConfigFile(v); err != nil {
		errs = append(errs, err)
	}

	var cfg ServerConfig
	cfg.HTTPAddr = v.GetString("http_addr")
	setDuration(v, &cfg.ReadTimeout, "http_read_timeout", &errs)
	setDuration(v, &cfg.WriteTimeout, "http_write_timeout", &errs)
	setDuration(v, &cfg.IdleTimeout, "http_idle_timeout", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "http_shutdown_timeout", &errs)

	cfg.RedisAddr = strings.TrimSpace(v.GetString("redis_addr"))
	cfg.RedisPassword = v.GetString("redis_password")
	setInt(v, &cfg.RedisDB, "redis_db", &errs)
	cfg.RedisGeoKey = v.GetString("redis_geo_key")
	cfg.RedisFanoutChannel = v.GetString("redis_fanout_channel")

	cfg.KafkaBrokers = splitAndTrim(v.GetString("kafka_brokers"))
	cfg.KafkaTopic = v.GetString("kafka_topic")

	cfg.PGDSN = v.GetString("pg_dsn")
	cfg.RunMigrations = strings.EqualFold(v.GetString("migrate"), "true")
	cfg.MigrationsPath = v.GetString("migrations_path")

	setFloat(v, &cfg.SearchRadiusM, "dispatch_search_radius_m", &errs)
	setInt(v, &cfg.CandidateLimit, "dispatch_candidate_limit", &errs)
	setFloat(v, &cfg.NearbyDefaultRadiusM, "nearby_default_radius_m", &errs)
	setInt(v, &cfg.NearbyLimit, "nearby_limit", &errs)

	cfg.JWTSecret = v.GetString("jwt_secret")
	cfg.JWTIssuer = v.GetString("jwt_issuer")
	cfg.CORSAllowedOrigins = splitAndTrim(v.GetString("cors_allowed_origins"))

	setInt(v, &cfg.RetryAttempts, "retry_attempts", &errs)
	setDuration(v, &cfg.RetryBaseDelay, "retry_base_delay", &errs)

	cfg.LogLevel = strings.ToLower(v.GetString("log_level"))
	cfg.LogFormat = strings.ToLower(v.GetString("log_format"))

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.SearchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_M must be > 0"))
	}
	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.NearbyDefaultRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_DEFAULT_RADIUS_M must be > 0"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE=true requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v := newViper()
	var errs []error
	if err := readConfigFile(v); err != nil {
		errs = append(errs, err)
	}

	var cfg ConsumerConfig
	cfg.KafkaBrokers = splitAndTrim(v.GetString("kafka_brokers"))
	cfg.KafkaIngestTopic = v.GetString("kafka_ingest_topic")
	cfg.KafkaGroup = v.GetString("kafka_group")
	cfg.MetricsAddr = v.GetString("metrics_addr")

	cfg.RedisAddr = strings.TrimSpace(v.GetString("redis_addr"))
	cfg.RedisPassword = v.GetString("redis_password")
	setInt(v, &cfg.RedisDB, "redis_db", &errs)
	cfg.RedisGeoKey = v.GetString("redis_geo_key")
	cfg.RedisFanoutChannel = v.GetString("redis_fanout_channel")
	cfg.PGDSN = v.GetString("pg_dsn")

	setInt(v, &cfg.RetryAttempts, "retry_attempts", &errs)
	setDuration(v, &cfg.RetryBaseDelay, "retry_base_delay", &errs)

	cfg.LogLevel = strings.ToLower(v.GetString("log_level"))
	cfg.LogFormat = strings.ToLower(v.GetString("log_format"))

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
			return
		}
		*target = d
	}
}

func setFloat(v *viper.Viper, target *float64, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
			return
		}
		*target = f
	}
}

func setInt(v *viper.Viper, target *int, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		i, err := strconv.Atoi(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
			return
		}
		*target = i
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
