package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tryonhub server and worker.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Storage   StorageConfig
	AI        AIConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// StorageConfig points at a Bunny-compatible object storage zone.
type StorageConfig struct {
	Endpoint  string
	Zone      string
	AccessKey string
	PullZone  string
	Timeout   time.Duration
}

type AIConfig struct {
	CallTimeout      time.Duration
	MaxRetries       int
	PollInterval     time.Duration
	ProgressInterval time.Duration
	Gemini           GeminiConfig
	Vertex           VertexConfig
}

type GeminiConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	ImageSize string
}

type VertexConfig struct {
	BaseURL     string
	Project     string
	Location    string
	Model       string
	AccessToken string
	BaseSteps   int
}

type RateLimitConfig struct {
	// Policy is "window" (IP or device scoped) or "quota" (user scoped).
	Policy      string
	Principal   string
	HourlyLimit int
	DailyLimit  int
}

type WorkerConfig struct {
	Concurrency     int
	MaxAttempts     int
	RetryDelay      time.Duration
	ClaimTimeout    time.Duration
	ReaperInterval  time.Duration
	StaleAfter      time.Duration
	DownloadTimeout time.Duration
	TempDir         string
}

var (
	validPolicies   = map[string]bool{"window": true, "quota": true}
	validPrincipals = map[string]bool{"ip": true, "device": true}
)

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is read first if present; real
// environment variables always win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("TRYONHUB_PORT", 8080),
			Env:      envString("TRYONHUB_ENV", "development"),
			LogLevel: envString("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: envString("NATS_SUBJECT_PREFIX", "tryonhub.events"),
		},
		Storage: StorageConfig{
			Endpoint:  envString("STORAGE_ENDPOINT", "https://storage.bunnycdn.com"),
			Zone:      os.Getenv("STORAGE_ZONE"),
			AccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
			PullZone:  os.Getenv("STORAGE_PULL_ZONE"),
			Timeout:   envDurationSecs("STORAGE_TIMEOUT_SECS", 30*time.Second),
		},
		AI: AIConfig{
			CallTimeout:      envDurationSecs("AI_CALL_TIMEOUT_SECS", 240*time.Second),
			MaxRetries:       envInt("AI_MAX_RETRIES", 3),
			PollInterval:     envDuration("AI_POLL_INTERVAL", 15*time.Second),
			ProgressInterval: envDuration("AI_PROGRESS_INTERVAL", 30*time.Second),
			Gemini: GeminiConfig{
				BaseURL:   envString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
				APIKey:    os.Getenv("GEMINI_API_KEY"),
				Model:     envString("GEMINI_MODEL", "gemini-2.5-flash-image"),
				ImageSize: envString("GEMINI_IMAGE_SIZE", "1K"),
			},
			Vertex: VertexConfig{
				BaseURL:     os.Getenv("VERTEX_BASE_URL"),
				Project:     os.Getenv("GOOGLE_CLOUD_PROJECT"),
				Location:    envString("GOOGLE_CLOUD_LOCATION", "us-central1"),
				Model:       envString("VERTEX_TRYON_MODEL", "virtual-try-on-preview-08-04"),
				AccessToken: os.Getenv("VERTEX_ACCESS_TOKEN"),
				BaseSteps:   envInt("VERTEX_BASE_STEPS", 32),
			},
		},
		RateLimit: RateLimitConfig{
			Policy:      envString("RATE_LIMIT_POLICY", "window"),
			Principal:   envString("RATE_LIMIT_PRINCIPAL", "ip"),
			HourlyLimit: envInt("RATE_LIMIT_HOURLY", 10),
			DailyLimit:  envInt("RATE_LIMIT_DAILY", 40),
		},
		Worker: WorkerConfig{
			Concurrency:     envInt("WORKER_CONCURRENCY", 4),
			MaxAttempts:     envInt("JOB_MAX_ATTEMPTS", 3),
			RetryDelay:      envDurationSecs("JOB_RETRY_DELAY_SECS", 60*time.Second),
			ClaimTimeout:    envDuration("WORKER_CLAIM_TIMEOUT", 5*time.Second),
			ReaperInterval:  envDuration("WORKER_REAPER_INTERVAL", 10*time.Minute),
			StaleAfter:      envDuration("WORKER_STALE_AFTER", 30*time.Minute),
			DownloadTimeout: envDurationSecs("DOWNLOAD_TIMEOUT_SECS", 30*time.Second),
			TempDir:         os.Getenv("WORKER_TEMP_DIR"),
		},
	}

	if cfg.Storage.PullZone == "" && cfg.Storage.Zone != "" {
		cfg.Storage.PullZone = strings.TrimRight(cfg.Storage.Endpoint, "/") + "/" + cfg.Storage.Zone
	}
	if cfg.AI.Vertex.BaseURL == "" {
		cfg.AI.Vertex.BaseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", cfg.AI.Vertex.Location)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("NATS_URL is required")
	}

	if c.Storage.Zone == "" || c.Storage.AccessKey == "" {
		return fmt.Errorf("STORAGE_ZONE and STORAGE_ACCESS_KEY are required")
	}
	if !strings.HasPrefix(c.Storage.Endpoint, "http://") && !strings.HasPrefix(c.Storage.Endpoint, "https://") {
		return fmt.Errorf("STORAGE_ENDPOINT must start with http:// or https://, got %q", c.Storage.Endpoint)
	}

	if c.AI.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.AI.Vertex.Project == "" {
		return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required")
	}
	if c.AI.MaxRetries < 1 {
		return fmt.Errorf("AI_MAX_RETRIES must be at least 1, got %d", c.AI.MaxRetries)
	}
	if c.AI.CallTimeout <= 0 {
		return fmt.Errorf("AI_CALL_TIMEOUT_SECS must be positive")
	}

	if !validPolicies[c.RateLimit.Policy] {
		return fmt.Errorf("RATE_LIMIT_POLICY must be one of window, quota; got %q", c.RateLimit.Policy)
	}
	if c.RateLimit.Policy == "window" && !validPrincipals[c.RateLimit.Principal] {
		return fmt.Errorf("RATE_LIMIT_PRINCIPAL must be one of ip, device; got %q", c.RateLimit.Principal)
	}

	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.Worker.MaxAttempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
