package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the upload queue daemon and CLI.
type Config struct {
	Env         string `yaml:"env"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Durable state: memory, redis or sqlite.
	StateBackend  string `yaml:"state_backend"`
	StateKey      string `yaml:"state_key"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Optional Postgres sink for dream links and audit rows.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Transport: http or s3.
	Transport     string `yaml:"transport"`
	UploadBaseURL string `yaml:"upload_base_url"`
	UploadToken   string `yaml:"upload_token"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Region      string `yaml:"s3_region"`
	S3Endpoint    string `yaml:"s3_endpoint"`
	S3PathStyle   bool   `yaml:"s3_path_style"`
	S3Prefix      string `yaml:"s3_prefix"`
	S3AccessKey   string `yaml:"s3_access_key"`
	S3SecretKey   string `yaml:"s3_secret_key"`

	RecordingsDir string `yaml:"recordings_dir"`

	MaxRetries       int           `yaml:"max_retries"`
	BatchSize        int           `yaml:"batch_size"`
	WifiOnlyMode     bool          `yaml:"wifi_only_mode"`
	AutoRetryEnabled bool          `yaml:"auto_retry_enabled"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	EnqueueDebounce  time.Duration `yaml:"enqueue_debounce"`

	ChunkRetryAttempts  int           `yaml:"chunk_retry_attempts"`
	ChunkRetryBaseDelay time.Duration `yaml:"chunk_retry_base_delay"`
	UploadTimeout       time.Duration `yaml:"upload_timeout"`
	BaseChunkSize       int64         `yaml:"base_chunk_size"`
	MinChunkSize        int64         `yaml:"min_chunk_size"`
	MaxChunkSize        int64         `yaml:"max_chunk_size"`

	NetworkType          string        `yaml:"network_type"`
	NetworkMetered       bool          `yaml:"network_metered"`
	NetworkProbeURL      string        `yaml:"network_probe_url"`
	NetworkProbeInterval time.Duration `yaml:"network_probe_interval"`

	RateLimitCapacity int     `yaml:"rate_limit_capacity"`
	RateLimitRefill   float64 `yaml:"rate_limit_refill_per_sec"`
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:                  getEnv("APP_ENV", "dev"),
		HTTPAddr:             getEnv("HTTP_ADDR", "127.0.0.1:8085"),
		MetricsAddr:          getEnv("METRICS_ADDR", ":9095"),
		StateBackend:         getEnv("STATE_BACKEND", "sqlite"),
		StateKey:             getEnv("STATE_KEY", "recording-queue:v1"),
		SQLitePath:           getEnv("SQLITE_PATH", ".uploadq/state.db"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		PostgresDSN:          getEnv("POSTGRES_DSN", ""),
		Transport:            getEnv("UPLOAD_TRANSPORT", "http"),
		UploadBaseURL:        getEnv("UPLOAD_BASE_URL", "http://localhost:54321/functions/v1"),
		UploadToken:          getEnv("UPLOAD_TOKEN", ""),
		S3Bucket:             getEnv("S3_BUCKET", ""),
		S3Region:             getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:           getEnv("S3_ENDPOINT", ""),
		S3PathStyle:          getEnvBool("S3_PATH_STYLE", false),
		S3Prefix:             getEnv("S3_PREFIX", "recordings"),
		S3AccessKey:          getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:          getEnv("S3_SECRET_KEY", ""),
		RecordingsDir:        getEnv("RECORDINGS_DIR", ".uploadq/recordings"),
		MaxRetries:           getEnvInt("MAX_RETRIES", 3),
		BatchSize:            getEnvInt("BATCH_SIZE", 3),
		WifiOnlyMode:         getEnvBool("WIFI_ONLY_MODE", false),
		AutoRetryEnabled:     getEnvBool("AUTO_RETRY_ENABLED", true),
		BackoffBase:          getEnvDuration("BACKOFF_BASE", 5*time.Second),
		BackoffMax:           getEnvDuration("BACKOFF_MAX", time.Minute),
		EnqueueDebounce:      getEnvDuration("ENQUEUE_DEBOUNCE", 500*time.Millisecond),
		ChunkRetryAttempts:   getEnvInt("CHUNK_RETRY_ATTEMPTS", 3),
		ChunkRetryBaseDelay:  getEnvDuration("CHUNK_RETRY_BASE_DELAY", time.Second),
		UploadTimeout:        getEnvDuration("UPLOAD_TIMEOUT", time.Minute),
		BaseChunkSize:        getEnvInt64("BASE_CHUNK_SIZE", 1<<20),
		MinChunkSize:         getEnvInt64("MIN_CHUNK_SIZE", 256<<10),
		MaxChunkSize:         getEnvInt64("MAX_CHUNK_SIZE", 5<<20),
		NetworkType:          getEnv("NETWORK_TYPE", "wifi"),
		NetworkMetered:       getEnvBool("NETWORK_METERED", false),
		NetworkProbeURL:      getEnv("NETWORK_PROBE_URL", ""),
		NetworkProbeInterval: getEnvDuration("NETWORK_PROBE_INTERVAL", 15*time.Second),
		RateLimitCapacity:    getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:      getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 5),
	}
}

// LoadWithFile applies Load and then overlays the YAML file at path, if any.
// A missing file is not an error.
func LoadWithFile(path string) (Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
