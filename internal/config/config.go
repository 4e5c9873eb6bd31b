package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	Redis     RedisConfig
	Guard     GuardConfig
	Spend     SpendConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
}

// GuardConfig parameterizes the conservation drift policy. The bands are
// expressed in basis points of the account's daily limit: drift inside
// WarnBasisPoints is normal tier skew, drift above TripBasisPoints opens
// the circuit breaker.
type GuardConfig struct {
	WarnBasisPoints int64
	TripBasisPoints int64
	AuditBatchSize  int
}

type SpendConfig struct {
	// DailyCapMicro bounds committed spend per account per calendar day.
	DailyCapMicro  int64
	ReservationTTL time.Duration
}

type RateLimitConfig struct {
	Enabled      bool
	ReserveRate  float64
	ReserveBurst int
	MarkerTTL    time.Duration
}

type SchedulerConfig struct {
	RunInterval    time.Duration
	BatchSize      int
	EnabledJobsRaw string
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	return Config{
		AppName:      v.GetString("APP_SERVICE"),
		AppVersion:   v.GetString("APP_VERSION"),
		Environment:  v.GetString("ENVIRONMENT"),
		HTTPAddr:     v.GetString("HTTP_ADDR"),
		OTLPEndpoint: v.GetString("OTLP_ENDPOINT"),

		DBType:     v.GetString("DATABASE_TYPE"),
		DBHost:     v.GetString("DATABASE_HOST"),
		DBPort:     v.GetString("DATABASE_PORT"),
		DBName:     v.GetString("DATABASE_NAME"),
		DBUser:     v.GetString("DATABASE_USER"),
		DBPassword: v.GetString("DATABASE_PASSWORD"),
		DBSSLMode:  v.GetString("DATABASE_SSLMODE"),

		Redis: RedisConfig{
			Addr:      strings.TrimSpace(v.GetString("REDIS_ADDR")),
			Password:  strings.TrimSpace(v.GetString("REDIS_PASSWORD")),
			DB:        v.GetInt("REDIS_DB"),
			OpTimeout: v.GetDuration("REDIS_OP_TIMEOUT"),
		},
		Guard: GuardConfig{
			WarnBasisPoints: v.GetInt64("GUARD_DRIFT_WARN_BP"),
			TripBasisPoints: v.GetInt64("GUARD_DRIFT_TRIP_BP"),
			AuditBatchSize:  v.GetInt("GUARD_AUDIT_BATCH"),
		},
		Spend: SpendConfig{
			DailyCapMicro:  v.GetInt64("SPEND_DAILY_CAP_MICRO"),
			ReservationTTL: v.GetDuration("SPEND_RESERVATION_TTL"),
		},
		RateLimit: RateLimitConfig{
			Enabled:      v.GetBool("RATE_LIMIT_ENABLED"),
			ReserveRate:  v.GetFloat64("RATE_LIMIT_RESERVE_RATE"),
			ReserveBurst: v.GetInt("RATE_LIMIT_RESERVE_BURST"),
			MarkerTTL:    v.GetDuration("RATE_LIMIT_MARKER_TTL"),
		},
		Scheduler: SchedulerConfig{
			RunInterval:    v.GetDuration("SCHEDULER_RUN_INTERVAL"),
			BatchSize:      v.GetInt("SCHEDULER_BATCH_SIZE"),
			EnabledJobsRaw: v.GetString("SCHEDULER_ENABLED_JOBS"),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_SERVICE", "ledgerguard")
	v.SetDefault("APP_VERSION", "0.1.0")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")

	v.SetDefault("DATABASE_TYPE", "postgres")
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", "5432")
	v.SetDefault("DATABASE_NAME", "ledgerguard")
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_SSLMODE", "disable")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_OP_TIMEOUT", "250ms")

	// Threshold defaults inferred from the governing drift policy;
	// override per deployment.
	v.SetDefault("GUARD_DRIFT_WARN_BP", 100)
	v.SetDefault("GUARD_DRIFT_TRIP_BP", 500)
	v.SetDefault("GUARD_AUDIT_BATCH", 100)

	v.SetDefault("SPEND_DAILY_CAP_MICRO", 100_000_000)
	v.SetDefault("SPEND_RESERVATION_TTL", "15m")

	v.SetDefault("RATE_LIMIT_ENABLED", false)
	v.SetDefault("RATE_LIMIT_RESERVE_RATE", 50.0)
	v.SetDefault("RATE_LIMIT_RESERVE_BURST", 100)
	v.SetDefault("RATE_LIMIT_MARKER_TTL", "10m")

	v.SetDefault("SCHEDULER_RUN_INTERVAL", "1m")
	v.SetDefault("SCHEDULER_BATCH_SIZE", 50)
	v.SetDefault("SCHEDULER_ENABLED_JOBS", "")
}
