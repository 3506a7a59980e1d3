package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.ShortTermLimit != 20 || cfg.LongTermLimit != 3 {
		t.Fatalf("limits = %d/%d, want 20/3", cfg.ShortTermLimit, cfg.LongTermLimit)
	}
	if cfg.MaxContentBytes != 16384 {
		t.Fatalf("MaxContentBytes = %d, want 16384", cfg.MaxContentBytes)
	}
	if cfg.SessionInactivityTimeout != 10*time.Minute {
		t.Fatalf("SessionInactivityTimeout = %v, want 10m", cfg.SessionInactivityTimeout)
	}
	if cfg.EmbeddingProvider != "mock" || cfg.VectorStore != "auto" || cfg.BrainProvider != "auto" {
		t.Fatalf("providers = %q/%q/%q, want mock/auto/auto", cfg.EmbeddingProvider, cfg.VectorStore, cfg.BrainProvider)
	}
	if cfg.WSMaxInflightTurns != 4 {
		t.Fatalf("WSMaxInflightTurns = %d, want 4", cfg.WSMaxInflightTurns)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("KafkaBrokers = %v, want none", cfg.KafkaBrokers)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("EVENTSTREAM_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PIPELINE_REDACT_PII", "yes")
	t.Setenv("PIPELINE_BOOKKEEPING_TIMEOUT", "0s")
	t.Setenv("LOG_FORMAT", "JSON")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("KafkaBrokers = %v, want 2 brokers", cfg.KafkaBrokers)
	}
	if !cfg.RedactPII {
		t.Fatalf("RedactPII = false, want true")
	}
	if cfg.BookkeepingTimeout != 0 {
		t.Fatalf("BookkeepingTimeout = %v, want 0", cfg.BookkeepingTimeout)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoadFileIsOverriddenByEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "mnemos.yaml")
	body := "AUTH_JWT_SECRET: from-file\nAPP_BIND_ADDR: \":7000\"\nPIPELINE_LONG_TERM_LIMIT: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_BIND_ADDR", ":7001")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.JWTSecret != "from-file" {
		t.Fatalf("JWTSecret = %q, want from-file", cfg.JWTSecret)
	}
	if cfg.LongTermLimit != 5 {
		t.Fatalf("LongTermLimit = %d, want 5", cfg.LongTermLimit)
	}
	if cfg.BindAddr != ":7001" {
		t.Fatalf("BindAddr = %q, want env override :7001", cfg.BindAddr)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{"AUTH_JWT_SECRET": ""}, "AUTH_JWT_SECRET"},
		{"bad duration", map[string]string{"APP_SHUTDOWN_TIMEOUT": "soon"}, "APP_SHUTDOWN_TIMEOUT"},
		{"bad int", map[string]string{"WS_MAX_INFLIGHT_TURNS": "many"}, "WS_MAX_INFLIGHT_TURNS"},
		{"bad bool", map[string]string{"PIPELINE_REDACT_PII": "maybe"}, "PIPELINE_REDACT_PII"},
		{"short inactivity", map[string]string{"APP_SESSION_INACTIVITY_TIMEOUT": "1s"}, "APP_SESSION_INACTIVITY_TIMEOUT"},
		{"zero limit", map[string]string{"PIPELINE_LONG_TERM_LIMIT": "0"}, "PIPELINE_LONG_TERM_LIMIT"},
		{"unknown store", map[string]string{"VECTOR_STORE": "redis"}, "VECTOR_STORE"},
		{"pgvector without db", map[string]string{"VECTOR_STORE": "pgvector"}, "DATABASE_URL"},
		{"unknown brain", map[string]string{"BRAIN_PROVIDER": "eliza"}, "BRAIN_PROVIDER"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("AUTH_JWT_SECRET", "s3cret")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error mentioning %s", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	t.Setenv(ConfigFileEnv, "")
	for key := range defaults {
		t.Setenv(key, "")
	}
}
