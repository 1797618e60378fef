package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates runtime configuration used across the service.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Provider ProviderConfig `yaml:"provider"`
	Index    IndexConfig    `yaml:"index"`
	Reranker RerankerConfig `yaml:"reranker"`
	Auth     AuthConfig     `yaml:"auth"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

// HTTPConfig controls server level behavior.
type HTTPConfig struct {
	Address        string          `yaml:"address"`
	ReadTimeout    time.Duration   `yaml:"readTimeout"`
	WriteTimeout   time.Duration   `yaml:"writeTimeout"`
	AllowedOrigins []string        `yaml:"allowedOrigins"`
	RateLimit      RateLimitConfig `yaml:"rateLimit"`
	Retry          RetryConfig     `yaml:"retry"`
}

// RateLimitConfig drives the sliding-window admission middleware (C9):
// at most Limit requests per principal within Window.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

// RetryConfig configures best-effort retries for idempotent requests.
type RetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	Exclude     []string      `yaml:"exclude"`
}

// ProviderConfig names the remote chat/embedding/rerank backend. One
// BaseURL+APIKey pair serves all three model roles, per spec §6's
// PROVIDER_BASE_URL/PROVIDER_API_KEY pair.
type ProviderConfig struct {
	BaseURL     string  `yaml:"baseUrl"`
	APIKey      string  `yaml:"apiKey"`
	ChatModel   string  `yaml:"chatModel"`
	EmbedModel  string  `yaml:"embedModel"`
	RerankModel string  `yaml:"rerankModel"`
	Temperature float32 `yaml:"temperature"`
}

// IndexConfig tunes the hybrid retrieval defaults (C4/C7).
type IndexConfig struct {
	Alpha        float64 `yaml:"alpha"`
	TopKDefault  int     `yaml:"topKDefault"`
	KCiteDefault int     `yaml:"kCiteDefault"`
}

// RerankerConfig tunes the reranker client's retry/circuit-breaker (C5).
type RerankerConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	Timeout           time.Duration `yaml:"timeout"`
	CircuitThreshold  int           `yaml:"circuitThreshold"`
	CircuitResetAfter time.Duration `yaml:"circuitResetAfter"`
}

// IngestConfig controls the ingestion/upload pipeline (C1-C3, C10).
type IngestConfig struct {
	VectorDim       int                 `yaml:"vectorDim"`
	MaxFileMB       int                 `yaml:"maxFileMb"`
	MaxPreviewChars int                 `yaml:"maxPreviewChars"`
	RetentionDays   int                 `yaml:"retentionDays"`
	Storage         UploadStorageConfig `yaml:"storage"`
	Redis           RedisConfig         `yaml:"redis"`
	Postgres        PostgresConfig      `yaml:"postgres"`
	Worker          UploadWorkerConfig  `yaml:"worker"`
}

// UploadStorageConfig configures object storage for uploads.
type UploadStorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

// UploadWorkerConfig toggles the background ingest job queue worker.
type UploadWorkerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	JWTSecret       string         `yaml:"jwtSecret"`
	AccessTokenTTL  time.Duration  `yaml:"accessTokenTtl"`
	RefreshTokenTTL time.Duration  `yaml:"refreshTokenTtl"`
	AllowAnonymous  bool           `yaml:"allowAnonymous"`
	Postgres        PostgresConfig `yaml:"postgres"`
}

// RedisConfig contains connection information for cache/doorbell storage.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// PostgresConfig contains DSN and pooling settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
	MinConns int32  `yaml:"minConns"`
}

// Load reads configuration from a YAML file and environment variables.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := hydrateFromFile(cfg, path); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat("configs/config.yaml"); err == nil {
		if err := hydrateFromFile(cfg, "configs/config.yaml"); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func hydrateFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HTTP_ADDRESS"); v != "" {
		cfg.HTTP.Address = v
	}
	if v := os.Getenv("HTTP_READ_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ReadTimeout = parsed
		}
	}
	if v := os.Getenv("HTTP_WRITE_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.WriteTimeout = parsed
		}
	}
	if v := os.Getenv("HTTP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitAndTrim(v)
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.RateLimit.Limit = parsed
			cfg.HTTP.RateLimit.Enabled = parsed > 0
		}
	}
	if v := os.Getenv("RATE_WINDOW"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.RateLimit.Window = parsed
		}
	}
	if v := os.Getenv("HTTP_RETRY_ENABLED"); v != "" {
		cfg.HTTP.Retry.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("HTTP_RETRY_MAX_ATTEMPTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Retry.MaxAttempts = parsed
		}
	}
	if v := os.Getenv("HTTP_RETRY_BASE_BACKOFF"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.Retry.BaseBackoff = parsed
		}
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("CHAT_MODEL"); v != "" {
		cfg.Provider.ChatModel = v
	}
	if v := os.Getenv("EMBED_MODEL"); v != "" {
		cfg.Provider.EmbedModel = v
	}
	if v := os.Getenv("RERANK_MODEL"); v != "" {
		cfg.Provider.RerankModel = v
	}
	if v := os.Getenv("PROVIDER_TEMPERATURE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Provider.Temperature = float32(parsed)
		}
	}
	if v := os.Getenv("INDEX_ALPHA"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Index.Alpha = parsed
		}
	}
	if v := os.Getenv("TOP_K_DEFAULT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Index.TopKDefault = parsed
		}
	}
	if v := os.Getenv("K_CITE_DEFAULT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Index.KCiteDefault = parsed
		}
	}
	if v := os.Getenv("RERANK_MAX_ATTEMPTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Reranker.MaxAttempts = parsed
		}
	}
	if v := os.Getenv("RERANK_TIMEOUT_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Reranker.Timeout = time.Duration(parsed) * time.Millisecond
		}
	}
	if v := os.Getenv("RERANK_CIRCUIT_THRESHOLD"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Reranker.CircuitThreshold = parsed
		}
	}
	if v := os.Getenv("RERANK_CIRCUIT_RESET_S"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Reranker.CircuitResetAfter = time.Duration(parsed) * time.Second
		}
	}
	if v := os.Getenv("INGEST_VECTOR_DIM"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.VectorDim = parsed
		}
	}
	if v := os.Getenv("INGEST_MAX_FILE_MB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.MaxFileMB = parsed
		}
	}
	if v := os.Getenv("INGEST_MAX_PREVIEW_CHARS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.MaxPreviewChars = parsed
		}
	}
	if v := os.Getenv("UPLOAD_RETENTION_DAYS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.RetentionDays = parsed
		}
	}
	if v := os.Getenv("INGEST_STORAGE_ENDPOINT"); v != "" {
		cfg.Ingest.Storage.Endpoint = v
	}
	if v := os.Getenv("INGEST_STORAGE_ACCESS_KEY"); v != "" {
		cfg.Ingest.Storage.AccessKey = v
	}
	if v := os.Getenv("INGEST_STORAGE_SECRET_KEY"); v != "" {
		cfg.Ingest.Storage.SecretKey = v
	}
	if v := os.Getenv("INGEST_STORAGE_BUCKET"); v != "" {
		cfg.Ingest.Storage.Bucket = v
	}
	if v := os.Getenv("INGEST_STORAGE_REGION"); v != "" {
		cfg.Ingest.Storage.Region = v
	}
	if v := os.Getenv("INGEST_POSTGRES_DSN"); v != "" {
		cfg.Ingest.Postgres.DSN = v
	}
	if v := os.Getenv("INGEST_POSTGRES_MAX_CONNS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.Postgres.MaxConns = int32(parsed)
		}
	}
	if v := os.Getenv("INGEST_POSTGRES_MIN_CONNS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.Postgres.MinConns = int32(parsed)
		}
	}
	if v := os.Getenv("INGEST_WORKER_ENABLED"); v != "" {
		cfg.Ingest.Worker.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("INGEST_REDIS_ENABLED"); v != "" {
		cfg.Ingest.Redis.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("INGEST_REDIS_ADDR"); v != "" {
		cfg.Ingest.Redis.Addr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_EXPIRES_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Auth.AccessTokenTTL = time.Duration(parsed) * time.Second
		}
	}
	if v := os.Getenv("AUTH_REFRESH_TOKEN_TTL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Auth.RefreshTokenTTL = parsed
		}
	}
	if v := os.Getenv("AUTH_ALLOW_ANONYMOUS"); v != "" {
		cfg.Auth.AllowAnonymous = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("AUTH_POSTGRES_DSN"); v != "" {
		cfg.Auth.Postgres.DSN = v
	}
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:        ":8080",
			AllowedOrigins: []string{"*"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				Limit:   60,
				Window:  time.Minute,
			},
			Retry: RetryConfig{
				Enabled:     true,
				MaxAttempts: 3,
				BaseBackoff: 150 * time.Millisecond,
				Exclude: []string{
					"/v1/query",
					"/v1/ingest-upload",
				},
			},
		},
		Provider: ProviderConfig{
			ChatModel:   "gpt-4o-mini",
			EmbedModel:  "text-embedding-3-small",
			RerankModel: "rerank-multilingual-v1",
			Temperature: 0.2,
		},
		Index: IndexConfig{
			Alpha:        0.6,
			TopKDefault:  8,
			KCiteDefault: 3,
		},
		Reranker: RerankerConfig{
			MaxAttempts:       3,
			Timeout:           8 * time.Second,
			CircuitThreshold:  5,
			CircuitResetAfter: 30 * time.Second,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 24 * time.Hour,
			AllowAnonymous:  true,
			Postgres: PostgresConfig{
				MaxConns: 5,
				MinConns: 1,
			},
		},
		Ingest: IngestConfig{
			VectorDim:       1536,
			MaxFileMB:       20,
			MaxPreviewChars: 240,
			RetentionDays:   30,
			Postgres: PostgresConfig{
				MaxConns: 5,
				MinConns: 1,
			},
			Worker: UploadWorkerConfig{
				Enabled: true,
			},
		},
	}
}

// Validate ensures the configuration is safe to use.
func (c *Config) Validate() error {
	if c.HTTP.Address == "" {
		return errors.New("http.address cannot be empty")
	}
	if c.HTTP.RateLimit.Enabled {
		if c.HTTP.RateLimit.Limit <= 0 {
			return errors.New("http.rateLimit.limit must be positive when enabled")
		}
		if c.HTTP.RateLimit.Window <= 0 {
			return errors.New("http.rateLimit.window must be positive when enabled")
		}
	}
	if c.HTTP.Retry.Enabled {
		if c.HTTP.Retry.MaxAttempts <= 0 {
			return errors.New("http.retry.maxAttempts must be positive")
		}
		if c.HTTP.Retry.BaseBackoff <= 0 {
			return errors.New("http.retry.baseBackoff must be positive")
		}
	}
	if strings.TrimSpace(c.Provider.EmbedModel) == "" {
		return errors.New("provider.embedModel cannot be empty")
	}
	if c.Index.Alpha < 0 || c.Index.Alpha > 1 {
		return errors.New("index.alpha must be in [0,1]")
	}
	if c.Index.TopKDefault <= 0 {
		return errors.New("index.topKDefault must be positive")
	}
	if c.Index.KCiteDefault <= 0 {
		return errors.New("index.kCiteDefault must be positive")
	}
	if c.Reranker.MaxAttempts <= 0 {
		return errors.New("reranker.maxAttempts must be positive")
	}
	if c.Reranker.Timeout <= 0 {
		return errors.New("reranker.timeout must be positive")
	}
	if !c.Auth.AllowAnonymous && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret cannot be empty unless auth.allowAnonymous is set")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return errors.New("auth.accessTokenTtl must be positive")
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		return errors.New("auth.refreshTokenTtl must be positive")
	}
	if c.Ingest.VectorDim <= 0 {
		return errors.New("ingest.vectorDim must be positive")
	}
	if c.Ingest.MaxFileMB <= 0 {
		return errors.New("ingest.maxFileMb must be positive")
	}
	if c.Ingest.MaxPreviewChars < 0 {
		return errors.New("ingest.maxPreviewChars cannot be negative")
	}
	if c.Ingest.RetentionDays < 0 {
		return errors.New("ingest.retentionDays cannot be negative")
	}
	if c.Ingest.Redis.Enabled && strings.TrimSpace(c.Ingest.Redis.Addr) == "" {
		return errors.New("ingest.redis.addr cannot be empty when ingest.redis is enabled")
	}
	return nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var result []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val != "" {
			result = append(result, val)
		}
	}
	return result
}
