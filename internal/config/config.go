package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names an optional config file read before the environment.
const ConfigFileEnv = "MNEMOS_CONFIG"

// Config contains all runtime settings for the turn service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	DatabaseURL string

	JWTSecret        string
	IdentityCacheTTL time.Duration
	DevUsers         string

	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingBaseURL  string
	EmbeddingAPIKey   string
	// MemoryEmbeddingDim of zero means the provider default.
	MemoryEmbeddingDim int

	VectorStore      string
	ChromemPath      string
	QdrantHost       string
	QdrantPort       int
	QdrantAPIKey     string
	QdrantCollection string

	BrainProvider   string
	BrainModel      string
	BrainMaxTokens  int
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string

	ShortTermLimit     int
	LongTermLimit      int
	MaxContentBytes    int
	BookkeepingTimeout time.Duration
	RedactPII          bool

	WSMaxInflightTurns int

	KafkaBrokers []string
	KafkaTopic   string
}

var defaults = map[string]any{
	"APP_BIND_ADDR":                  ":8080",
	"APP_SHUTDOWN_TIMEOUT":           "15s",
	"APP_SESSION_INACTIVITY_TIMEOUT": "10m",
	"APP_METRICS_NAMESPACE":          "mnemos",
	"APP_ALLOW_ANY_ORIGIN":           "false",
	"APP_ALLOWED_ORIGINS":            "",
	"LOG_LEVEL":                      "info",
	"LOG_FORMAT":                     "text",
	"DATABASE_URL":                   "",
	"AUTH_JWT_SECRET":                "",
	"AUTH_IDENTITY_CACHE_TTL":        "30s",
	"AUTH_DEV_USERS":                 "",
	"EMBEDDING_PROVIDER":             "mock",
	"EMBEDDING_MODEL":                "",
	"EMBEDDING_BASE_URL":             "",
	"EMBEDDING_API_KEY":              "",
	"MEMORY_EMBEDDING_DIM":           "0",
	"VECTOR_STORE":                   "auto",
	"CHROMEM_PATH":                   "",
	"QDRANT_HOST":                    "localhost",
	"QDRANT_PORT":                    "6334",
	"QDRANT_API_KEY":                 "",
	"QDRANT_COLLECTION":              "memories",
	"BRAIN_PROVIDER":                 "auto",
	"BRAIN_MODEL":                    "",
	"BRAIN_MAX_TOKENS":               "1024",
	"ANTHROPIC_API_KEY":              "",
	"OPENAI_API_KEY":                 "",
	"OPENAI_BASE_URL":                "",
	"PIPELINE_SHORT_TERM_LIMIT":      "20",
	"PIPELINE_LONG_TERM_LIMIT":       "3",
	"PIPELINE_MAX_CONTENT_BYTES":     "16384",
	"PIPELINE_BOOKKEEPING_TIMEOUT":   "30s",
	"PIPELINE_REDACT_PII":            "false",
	"WS_MAX_INFLIGHT_TURNS":          "4",
	"EVENTSTREAM_KAFKA_BROKERS":      "",
	"EVENTSTREAM_KAFKA_TOPIC":        "mnemos.turns",
}

// Load reads the file named by MNEMOS_CONFIG, if any, then the environment.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile reads settings from path (yaml, json or toml, keyed like the
// environment variables) overlaid by the environment, and applies defaults.
// An empty path falls back to MNEMOS_CONFIG.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if path == "" {
		path = strings.TrimSpace(v.GetString(ConfigFileEnv))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	r := reader{v: v}
	cfg := Config{
		BindAddr:          r.str("APP_BIND_ADDR"),
		MetricsNamespace:  r.str("APP_METRICS_NAMESPACE"),
		AllowedOrigins:    r.list("APP_ALLOWED_ORIGINS"),
		LogLevel:          strings.ToLower(r.str("LOG_LEVEL")),
		LogFormat:         strings.ToLower(r.str("LOG_FORMAT")),
		DatabaseURL:       r.str("DATABASE_URL"),
		JWTSecret:         r.str("AUTH_JWT_SECRET"),
		DevUsers:          r.str("AUTH_DEV_USERS"),
		EmbeddingProvider: strings.ToLower(r.str("EMBEDDING_PROVIDER")),
		EmbeddingModel:    r.str("EMBEDDING_MODEL"),
		EmbeddingBaseURL:  r.str("EMBEDDING_BASE_URL"),
		EmbeddingAPIKey:   r.str("EMBEDDING_API_KEY"),
		VectorStore:       strings.ToLower(r.str("VECTOR_STORE")),
		ChromemPath:       r.str("CHROMEM_PATH"),
		QdrantHost:        r.str("QDRANT_HOST"),
		QdrantAPIKey:      r.str("QDRANT_API_KEY"),
		QdrantCollection:  r.str("QDRANT_COLLECTION"),
		BrainProvider:     strings.ToLower(r.str("BRAIN_PROVIDER")),
		BrainModel:        r.str("BRAIN_MODEL"),
		AnthropicAPIKey:   r.str("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:      r.str("OPENAI_API_KEY"),
		OpenAIBaseURL:     r.str("OPENAI_BASE_URL"),
		KafkaBrokers:      r.list("EVENTSTREAM_KAFKA_BROKERS"),
		KafkaTopic:        r.str("EVENTSTREAM_KAFKA_TOPIC"),

		ShutdownTimeout:          r.duration("APP_SHUTDOWN_TIMEOUT"),
		SessionInactivityTimeout: r.duration("APP_SESSION_INACTIVITY_TIMEOUT"),
		IdentityCacheTTL:         r.duration("AUTH_IDENTITY_CACHE_TTL"),
		BookkeepingTimeout:       r.duration("PIPELINE_BOOKKEEPING_TIMEOUT"),

		AllowAnyOrigin: r.boolean("APP_ALLOW_ANY_ORIGIN"),
		RedactPII:      r.boolean("PIPELINE_REDACT_PII"),

		MemoryEmbeddingDim: r.integer("MEMORY_EMBEDDING_DIM"),
		QdrantPort:         r.integer("QDRANT_PORT"),
		BrainMaxTokens:     r.integer("BRAIN_MAX_TOKENS"),
		ShortTermLimit:     r.integer("PIPELINE_SHORT_TERM_LIMIT"),
		LongTermLimit:      r.integer("PIPELINE_LONG_TERM_LIMIT"),
		MaxContentBytes:    r.integer("PIPELINE_MAX_CONTENT_BYTES"),
		WSMaxInflightTurns: r.integer("WS_MAX_INFLIGHT_TURNS"),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.IdentityCacheTTL < 0 {
		return fmt.Errorf("AUTH_IDENTITY_CACHE_TTL must be >= 0")
	}
	if c.MemoryEmbeddingDim < 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be >= 0")
	}
	if c.ShortTermLimit <= 0 {
		return fmt.Errorf("PIPELINE_SHORT_TERM_LIMIT must be positive")
	}
	if c.LongTermLimit <= 0 {
		return fmt.Errorf("PIPELINE_LONG_TERM_LIMIT must be positive")
	}
	if c.MaxContentBytes <= 0 {
		return fmt.Errorf("PIPELINE_MAX_CONTENT_BYTES must be positive")
	}
	if c.BookkeepingTimeout < 0 {
		return fmt.Errorf("PIPELINE_BOOKKEEPING_TIMEOUT must be >= 0")
	}
	if c.WSMaxInflightTurns <= 0 {
		return fmt.Errorf("WS_MAX_INFLIGHT_TURNS must be positive")
	}
	switch c.LogFormat {
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be text, json or pretty")
	}
	switch c.EmbeddingProvider {
	case "mock", "openai", "ollama":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be mock, openai or ollama")
	}
	switch c.VectorStore {
	case "auto", "chromem", "pgvector", "qdrant":
	default:
		return fmt.Errorf("VECTOR_STORE must be auto, chromem, pgvector or qdrant")
	}
	if c.VectorStore == "pgvector" && c.DatabaseURL == "" {
		return fmt.Errorf("VECTOR_STORE=pgvector requires DATABASE_URL")
	}
	switch c.BrainProvider {
	case "auto", "anthropic", "openai", "mock":
	default:
		return fmt.Errorf("BRAIN_PROVIDER must be auto, anthropic, openai or mock")
	}
	return nil
}

// reader parses raw values and keeps the first parse error, so Load reports
// the offending key instead of silently using a zero value.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.str(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) duration(key string) time.Duration {
	d, err := time.ParseDuration(r.str(key))
	if err != nil {
		r.fail(fmt.Errorf("%s parse error: %w", key, err))
	}
	return d
}

func (r *reader) integer(key string) int {
	n, err := strconv.Atoi(r.str(key))
	if err != nil {
		r.fail(fmt.Errorf("%s parse error: %w", key, err))
	}
	return n
}

func (r *reader) boolean(key string) bool {
	switch strings.ToLower(r.str(key)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		r.fail(fmt.Errorf("%s parse error: expected bool", key))
		return false
	}
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
