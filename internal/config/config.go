// Package config decodes process configuration from the environment
// with github.com/joeshaw/envdecode: one tagged struct, decoded once at
// process start, with defaults applied afterward.
package config

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full set of process tunables.
type Config struct {
	Postgres         string `env:"POSTGRES,required" description:"connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,optional" description:"schema for the hub's relations"`

	TLSPort                int    `env:"TLS_PORT,optional" description:"MQTT TLS listener port"`
	KeyStoreFile           string `env:"KEY_STORE_FILE,required" description:"PKCS12 keystore holding the broker's own certificate and private key"`
	KeyStorePasswordFile   string `env:"KEY_STORE_PASSWORD_FILE,required" description:"file holding the keystore password"`
	TrustStoreFile         string `env:"TRUST_STORE_FILE,required" description:"PKCS12 truststore holding accepted client certificate authorities"`
	TrustStorePasswordFile string `env:"TRUST_STORE_PASSWORD_FILE,required" description:"file holding the truststore password"`

	ControllerID string `env:"CONTROLLER_ID,optional" description:"controllerId segment of the topic grammar"`

	WorkerPoolSize int `env:"WORKER_POOL_SIZE,optional" description:"bounded worker pool size for onMessagePublished"`

	HealthCheckPeriod      time.Duration `env:"HEALTH_CHECK_PERIOD,optional" description:"health monitor scan period"`
	OfflineThreshold       time.Duration `env:"OFFLINE_THRESHOLD,optional" description:"silence duration before a device with no active connection is flagged offline"`
	HealthTimeDriftThreshold time.Duration `env:"HEALTH_TIME_DRIFT_THRESHOLD,optional" description:"allowed skew between device clock and broker clock"`

	CertRotationMinInterval time.Duration `env:"CERT_ROTATION_MIN_INTERVAL,optional" description:"minimum cert-reload jitter window"`
	CertRotationMaxInterval time.Duration `env:"CERT_ROTATION_MAX_INTERVAL,optional" description:"maximum cert-reload jitter window"`
	CertFileWatchPoll       time.Duration `env:"CERT_FILE_WATCH_POLL,optional" description:"mtime poll period for the four key/trust files"`

	MaxTelemetryPayloadBytes int `env:"MAX_TELEMETRY_PAYLOAD_BYTES,optional" description:"telemetry payloads larger than this are dropped"`

	AdminListenAddr string `env:"ADMIN_LISTEN_ADDR,optional" description:"address for the read-only admin inspection API"`
}

// Defaults for tunables left unset in the environment.
const (
	DefaultTLSPort                  = 8884
	DefaultControllerID             = "controller-01"
	DefaultWorkerPoolSize           = 10
	DefaultHealthCheckPeriod        = 2 * time.Minute
	DefaultOfflineThreshold         = 3 * time.Minute
	DefaultHealthTimeDriftThreshold = 5 * time.Minute
	DefaultCertRotationMinInterval  = 7 * 24 * time.Hour
	DefaultCertRotationMaxInterval  = 30 * 24 * time.Hour
	DefaultCertFileWatchPoll        = 5 * time.Minute
	DefaultMaxTelemetryPayloadBytes = 512 * 1024
	DefaultPostgresSchema           = "public"
	DefaultAdminListenAddr          = ":8085"
)

// Load decodes the configuration from the environment and fills in
// defaults for anything left at its zero value.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil {
		return nil, err
	}
	applyDefaults(&c)
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.PostgresSchema == "" {
		c.PostgresSchema = DefaultPostgresSchema
	}
	if c.TLSPort == 0 {
		c.TLSPort = DefaultTLSPort
	}
	if c.ControllerID == "" {
		c.ControllerID = DefaultControllerID
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.OfflineThreshold == 0 {
		c.OfflineThreshold = DefaultOfflineThreshold
	}
	if c.HealthTimeDriftThreshold == 0 {
		c.HealthTimeDriftThreshold = DefaultHealthTimeDriftThreshold
	}
	if c.CertRotationMinInterval == 0 {
		c.CertRotationMinInterval = DefaultCertRotationMinInterval
	}
	if c.CertRotationMaxInterval == 0 {
		c.CertRotationMaxInterval = DefaultCertRotationMaxInterval
	}
	if c.CertFileWatchPoll == 0 {
		c.CertFileWatchPoll = DefaultCertFileWatchPoll
	}
	if c.MaxTelemetryPayloadBytes == 0 {
		c.MaxTelemetryPayloadBytes = DefaultMaxTelemetryPayloadBytes
	}
	if c.AdminListenAddr == "" {
		c.AdminListenAddr = DefaultAdminListenAddr
	}
}
