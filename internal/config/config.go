// Package config loads and validates agent config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Document store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config holds agent configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address of the local management surface (e.g. 127.0.0.1:7443).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment; "development" switches to console logging.
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is a zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// UserID is the authenticated user of this installation. Empty means signed out: the agent publishes
	// nothing and only serves health.
	UserID string `mapstructure:"USER_ID"`
	// DeviceName overrides the hostname as the device display name.
	DeviceName string `mapstructure:"DEVICE_NAME"`
	// AppVersion is recorded on the session record.
	AppVersion string `mapstructure:"APP_VERSION"`

	// DocstoreDriver selects the document store backend: memory, postgres or mongo.
	DocstoreDriver string `mapstructure:"DOCSTORE_DRIVER"`
	// DocstoreAutoMigrate applies the embedded migrations at startup (postgres only).
	DocstoreAutoMigrate bool `mapstructure:"DOCSTORE_AUTO_MIGRATE"`
	// DatabaseURL is the Postgres DSN for the postgres driver.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// MongoURI and MongoDatabase select the mongo driver's deployment.
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`
	// LocalStatePath is the SQLite file holding the session pointer; empty keeps it in memory.
	LocalStatePath string `mapstructure:"LOCAL_STATE_PATH"`

	// RedisURL enables the presence mirror (redis://host:6379/0).
	RedisURL string `mapstructure:"REDIS_URL"`
	// NATSURL enables session notifications on NATS; empty logs them instead.
	NATSURL string `mapstructure:"NATS_URL"`
	// NATSSubjectPrefix is the first token of every notification subject.
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`

	// HeartbeatInterval is the period of lastActive writes (e.g. "60s").
	HeartbeatInterval string `mapstructure:"HEARTBEAT_INTERVAL"`
	// PresenceIdleTimeout is how long a foregrounded user may be inactive before going offline (e.g. "2m").
	PresenceIdleTimeout string `mapstructure:"PRESENCE_IDLE_TIMEOUT"`
	// ConnectivityProbeAddr is a host:port dialed to decide connectivity; empty means always connected.
	ConnectivityProbeAddr string `mapstructure:"CONNECTIVITY_PROBE_ADDR"`
	// ConnectivityProbeInterval is the dial period (e.g. "10s").
	ConnectivityProbeInterval string `mapstructure:"CONNECTIVITY_PROBE_INTERVAL"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file. Needed to issue tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file. Needed to verify tokens when no private key is set.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// SessionPolicyFile is an optional file of Rego modules replacing the built-in session access policy.
	SessionPolicyFile string `mapstructure:"SESSION_POLICY_FILE"`

	// OTLPEndpoint enables OpenTelemetry export (host:port of an OTLP gRPC collector).
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure disables TLS to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// TelemetryKafkaBrokers is a comma-separated list of Kafka brokers; when set, events are also produced to Kafka.
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for telemetry events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group of the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the telemetry worker pushes events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
}

var defaults = map[string]any{
	"GRPC_ADDR":                   "127.0.0.1:7443",
	"APP_ENV":                     "",
	"LOG_LEVEL":                   "info",
	"USER_ID":                     "",
	"DEVICE_NAME":                 "",
	"APP_VERSION":                 "dev",
	"DOCSTORE_DRIVER":             DriverMemory,
	"DOCSTORE_AUTO_MIGRATE":       false,
	"DATABASE_URL":                "",
	"MONGO_URI":                   "",
	"MONGO_DATABASE":              "presence",
	"LOCAL_STATE_PATH":            "",
	"REDIS_URL":                   "",
	"NATS_URL":                    "",
	"NATS_SUBJECT_PREFIX":         "presence",
	"HEARTBEAT_INTERVAL":          "60s",
	"PRESENCE_IDLE_TIMEOUT":       "2m",
	"CONNECTIVITY_PROBE_ADDR":     "",
	"CONNECTIVITY_PROBE_INTERVAL": "10s",
	"JWT_PRIVATE_KEY":             "",
	"JWT_PUBLIC_KEY":              "",
	"JWT_ISSUER":                  "presence-agent",
	"JWT_AUDIENCE":                "presence-api",
	"JWT_ACCESS_TTL":              "15m",
	"SESSION_POLICY_FILE":         "",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"OTEL_EXPORTER_OTLP_INSECURE": true,
	"KAFKA_BROKERS":               "",
	"TELEMETRY_KAFKA_TOPIC":       "presence-telemetry",
	"KAFKA_GROUP_ID":              "presence-telemetry-worker",
	"LOKI_URL":                    "",
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that have no safe fallback.
func (c *Config) Validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	c.DocstoreDriver = strings.ToLower(strings.TrimSpace(c.DocstoreDriver))
	switch c.DocstoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when DOCSTORE_DRIVER=postgres")
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("config: MONGO_URI must be set when DOCSTORE_DRIVER=mongo")
		}
		if c.MongoDatabase == "" {
			return errors.New("config: MONGO_DATABASE must be set when DOCSTORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("config: unknown DOCSTORE_DRIVER %q (want memory, postgres or mongo)", c.DocstoreDriver)
	}
	if c.AuthEnabled() && (c.JWTIssuer == "" || c.JWTAudience == "") {
		return errors.New("config: JWT_ISSUER and JWT_AUDIENCE must be set when JWT keys are configured")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Heartbeat parses HeartbeatInterval. Returns 60s if unset or invalid.
func (c *Config) Heartbeat() time.Duration { return parseDuration(c.HeartbeatInterval, 60*time.Second) }

// IdleTimeout parses PresenceIdleTimeout. Returns 2m if unset or invalid.
func (c *Config) IdleTimeout() time.Duration { return parseDuration(c.PresenceIdleTimeout, 2*time.Minute) }

// ProbeInterval parses ConnectivityProbeInterval. Returns 10s if unset or invalid.
func (c *Config) ProbeInterval() time.Duration {
	return parseDuration(c.ConnectivityProbeInterval, 10*time.Second)
}

// AccessTTL parses JWTAccessTTL. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration { return parseDuration(c.JWTAccessTTL, 15*time.Minute) }

// AuthEnabled reports whether token keys are configured. Without them the management surface binds every call
// to the agent's own user.
func (c *Config) AuthEnabled() bool {
	return strings.TrimSpace(c.JWTPrivateKey) != "" || strings.TrimSpace(c.JWTPublicKey) != ""
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
