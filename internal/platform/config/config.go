// Package config loads typed settings from the environment so main stays lean.
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root settings object for the proofing service.
type Config struct {
	Env    string `env:"IDPROOF_ENV" env-default:"dev"`
	Server Server
	DB     Postgres
	Redis  Redis
	Kafka  Kafka
	USPS   USPS
	OTP    OTP
	Job    Reconciler

	Session  Session
	Throttle Throttle
}

// Session controls proofing-session persistence.
type Session struct {
	TTL time.Duration `env:"IDPROOF_SESSION_TTL" env-default:"30m"`
}

// Throttle bounds sensitive actions outside the OTP step. Confirmed and
// unconfirmed registration email throttles are configured separately because
// their budgets differ.
type Throttle struct {
	ResendMaxAttempts         int           `env:"IDPROOF_RESEND_MAX_ATTEMPTS" env-default:"4"`
	ResendWindow              time.Duration `env:"IDPROOF_RESEND_WINDOW" env-default:"24h"`
	RegConfirmedMaxAttempts   int           `env:"IDPROOF_REG_CONFIRMED_MAX_ATTEMPTS" env-default:"5"`
	RegConfirmedWindow        time.Duration `env:"IDPROOF_REG_CONFIRMED_WINDOW" env-default:"24h"`
	RegUnconfirmedMaxAttempts int           `env:"IDPROOF_REG_UNCONFIRMED_MAX_ATTEMPTS" env-default:"10"`
	RegUnconfirmedWindow      time.Duration `env:"IDPROOF_REG_UNCONFIRMED_WINDOW" env-default:"24h"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"IDPROOF_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `env:"IDPROOF_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `env:"IDPROOF_WRITE_TIMEOUT" env-default:"10s"`
	ShutdownTimeout time.Duration `env:"IDPROOF_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// Postgres holds connection settings for the pgx pool. Empty URL selects the
// in-memory stores, which keeps local development free of infrastructure.
type Postgres struct {
	URL string `env:"IDPROOF_DATABASE_URL" env-default:""`
}

// Redis holds connection settings for session, throttle and job-lock storage.
type Redis struct {
	URL          string        `env:"IDPROOF_REDIS_URL" env-default:""`
	PoolSize     int           `env:"IDPROOF_REDIS_POOL_SIZE" env-default:"10"`
	MinIdleConns int           `env:"IDPROOF_REDIS_MIN_IDLE_CONNS" env-default:"2"`
	DialTimeout  time.Duration `env:"IDPROOF_REDIS_DIAL_TIMEOUT" env-default:"5s"`
	ReadTimeout  time.Duration `env:"IDPROOF_REDIS_READ_TIMEOUT" env-default:"3s"`
	WriteTimeout time.Duration `env:"IDPROOF_REDIS_WRITE_TIMEOUT" env-default:"3s"`
}

// Kafka configures the event publisher. Empty brokers disable publishing.
type Kafka struct {
	Brokers string `env:"IDPROOF_KAFKA_BROKERS" env-default:""`
	Topic   string `env:"IDPROOF_EVENTS_TOPIC" env-default:"idproof.events"`
}

// USPS configures the in-person proofing vendor client.
type USPS struct {
	RootURL        string        `env:"USPS_IPP_ROOT_URL" env-default:""`
	SponsorID      int           `env:"USPS_IPP_SPONSOR_ID" env-default:"0"`
	Username       string        `env:"USPS_IPP_USERNAME" env-default:""`
	Password       string        `env:"USPS_IPP_PASSWORD" env-default:""`
	ClientID       string        `env:"USPS_IPP_CLIENT_ID" env-default:"424ada78-62ae-4c53-8e3a-0b737708a9db"`
	RequestTimeout time.Duration `env:"USPS_IPP_REQUEST_TIMEOUT" env-default:"30s"`
}

// OTP bounds phone confirmation codes and their submission throttle.
type OTP struct {
	CodeLength   int           `env:"IDPROOF_OTP_CODE_LENGTH" env-default:"6"`
	MaxAttempts  int           `env:"IDPROOF_OTP_MAX_ATTEMPTS" env-default:"5"`
	AttemptTTL   time.Duration `env:"IDPROOF_OTP_ATTEMPT_WINDOW" env-default:"10m"`
	CodeValidFor time.Duration `env:"IDPROOF_OTP_VALID_FOR" env-default:"10m"`
}

// Reconciler controls the enrollment status check job.
type Reconciler struct {
	Interval      time.Duration `env:"IDPROOF_STATUS_CHECK_INTERVAL" env-default:"5m"`
	MinRecheckAge time.Duration `env:"IDPROOF_STATUS_CHECK_MIN_AGE" env-default:"1h"`
	BatchSize     int           `env:"IDPROOF_STATUS_CHECK_BATCH" env-default:"100"`
	LockLease     time.Duration `env:"IDPROOF_JOB_LOCK_LEASE" env-default:"4m"`
}

// Load builds a Config from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return &cfg, nil
}

// MustLoad is Load for main; it panics on malformed settings.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
