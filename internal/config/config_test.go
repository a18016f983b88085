package config

import (
	"strings"
	"testing"
	"time"
)

// setenv sets every key for the duration of the test; t.Setenv restores the previous values.
func setenv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k := range defaults {
		t.Setenv(k, "")
	}
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setenv(t, map[string]string{"GRPC_ADDR": "127.0.0.1:7443", "DOCSTORE_DRIVER": "memory"})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Heartbeat() != 60*time.Second {
		t.Errorf("Heartbeat = %v, want 60s", cfg.Heartbeat())
	}
	if cfg.IdleTimeout() != 2*time.Minute {
		t.Errorf("IdleTimeout = %v, want 2m", cfg.IdleTimeout())
	}
	if cfg.AccessTTL() != 15*time.Minute {
		t.Errorf("AccessTTL = %v, want 15m", cfg.AccessTTL())
	}
	if cfg.AuthEnabled() {
		t.Error("AuthEnabled without keys")
	}
	if cfg.TelemetryKafkaBrokersList() != nil {
		t.Errorf("brokers = %v, want nil", cfg.TelemetryKafkaBrokersList())
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	setenv(t, map[string]string{
		"GRPC_ADDR":             ":9090",
		"DOCSTORE_DRIVER":       "Postgres",
		"DATABASE_URL":          "postgres://localhost/presence",
		"USER_ID":               "u1",
		"HEARTBEAT_INTERVAL":    "15s",
		"PRESENCE_IDLE_TIMEOUT": "30s",
		"KAFKA_BROKERS":         " k1:9092, ,k2:9092 ",
	})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":9090" || cfg.UserID != "u1" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.DocstoreDriver != DriverPostgres {
		t.Errorf("DocstoreDriver = %q, want normalized postgres", cfg.DocstoreDriver)
	}
	if cfg.Heartbeat() != 15*time.Second || cfg.IdleTimeout() != 30*time.Second {
		t.Errorf("durations = %v / %v", cfg.Heartbeat(), cfg.IdleTimeout())
	}
	if got := cfg.TelemetryKafkaBrokersList(); len(got) != 2 || got[0] != "k1:9092" || got[1] != "k2:9092" {
		t.Errorf("brokers = %v", got)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"memory", Config{GRPCAddr: ":1", DocstoreDriver: "memory"}, ""},
		{"no addr", Config{DocstoreDriver: "memory"}, "GRPC_ADDR"},
		{"postgres without dsn", Config{GRPCAddr: ":1", DocstoreDriver: "postgres"}, "DATABASE_URL"},
		{"mongo without uri", Config{GRPCAddr: ":1", DocstoreDriver: "mongo", MongoDatabase: "p"}, "MONGO_URI"},
		{"mongo without db", Config{GRPCAddr: ":1", DocstoreDriver: "mongo", MongoURI: "mongodb://x"}, "MONGO_DATABASE"},
		{"unknown driver", Config{GRPCAddr: ":1", DocstoreDriver: "firestore"}, "DOCSTORE_DRIVER"},
		{"keys without issuer", Config{GRPCAddr: ":1", DocstoreDriver: "memory", JWTPublicKey: "k.pem", JWTAudience: "a"}, "JWT_ISSUER"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate = %v, want error mentioning %s", err, tc.wantErr)
			}
			if err != nil && !strings.HasPrefix(err.Error(), "config: ") {
				t.Errorf("error %q lacks config: prefix", err)
			}
		})
	}
}

func TestDurations_FallBackOnInvalid(t *testing.T) {
	cfg := &Config{HeartbeatInterval: "soon", PresenceIdleTimeout: "-1m", ConnectivityProbeInterval: "", JWTAccessTTL: "0s"}
	if cfg.Heartbeat() != 60*time.Second {
		t.Errorf("Heartbeat = %v", cfg.Heartbeat())
	}
	if cfg.IdleTimeout() != 2*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.IdleTimeout())
	}
	if cfg.ProbeInterval() != 10*time.Second {
		t.Errorf("ProbeInterval = %v", cfg.ProbeInterval())
	}
	if cfg.AccessTTL() != 15*time.Minute {
		t.Errorf("AccessTTL = %v", cfg.AccessTTL())
	}
}
