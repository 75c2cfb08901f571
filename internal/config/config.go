package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// Config holds all configuration for the docpipe server and worker.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	GPU       GPUConfig
	Remote    RemoteConfig
	Extractor ExtractorConfig
	Office    OfficeConfig
	Worker    WorkerConfig
	Vision    VisionConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	UploadDir          string
	MaxUploadMB        int
	RateLimitPerMinute int
	AdminAPIKey        string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL       string
	ResultTTL time.Duration
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

type GPUConfig struct {
	Enabled        bool
	MinMemoryRatio float64
	MaxAttempts    int
	BackoffStep    time.Duration
	MemoryFloorMB  int
}

type RemoteConfig struct {
	DevicesFile    string
	Devices        []models.RemoteDevice
	MaxRetries     int
	ExtractPath    string
	HealthTimeout  time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

type ExtractorConfig struct {
	Binary string
}

type OfficeConfig struct {
	Binary   string
	Timeout  time.Duration
	Attempts int
	Delay    time.Duration
}

type WorkerConfig struct {
	Name             string
	OutputBaseDir    string
	Concurrency      int
	PollTimeout      time.Duration
	ErrorBackoff     time.Duration
	SnapshotInterval time.Duration
}

type VisionConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	MaxImageDim      int
	PDFImagesBinary  string
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Remote devices are read from REMOTE_DEVICES_FILE when it is set.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("DOCPIPE_PORT", 8080),
			Env:                envString("DOCPIPE_ENV", "development"),
			UploadDir:          envString("UPLOAD_DIR", "/data/docpipe_uploads"),
			MaxUploadMB:        envInt("MAX_UPLOAD_MB", 200),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			AdminAPIKey:        os.Getenv("ADMIN_API_KEY"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			ResultTTL: envDuration("RESULT_TTL", 24*time.Hour),
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envString("MINIO_BUCKET", "mineru"),
			Secure:    envBool("MINIO_SECURE", false),
		},
		GPU: GPUConfig{
			Enabled:        envBool("GPU_ENABLED", true),
			MinMemoryRatio: envFloat("GPU_MIN_MEMORY_RATIO", 0.7),
			MaxAttempts:    envInt("GPU_MAX_ATTEMPTS", 10),
			BackoffStep:    envDurationSecs("GPU_BACKOFF_STEP_SECS", 15*time.Second),
			MemoryFloorMB:  envInt("GPU_MEMORY_FLOOR_MB", 12288),
		},
		Remote: RemoteConfig{
			DevicesFile:    os.Getenv("REMOTE_DEVICES_FILE"),
			MaxRetries:     envInt("REMOTE_MAX_RETRIES", 3),
			ExtractPath:    envString("REMOTE_EXTRACT_PATH", "/extract"),
			HealthTimeout:  envDurationSecs("REMOTE_HEALTH_TIMEOUT_SECS", 5*time.Second),
			ConnectTimeout: envDurationSecs("REMOTE_CONNECT_TIMEOUT_SECS", 10*time.Second),
			ReadTimeout:    envDurationSecs("REMOTE_READ_TIMEOUT_SECS", 3600*time.Second),
		},
		Extractor: ExtractorConfig{
			Binary: envString("EXTRACTOR_BINARY", "mineru"),
		},
		Office: OfficeConfig{
			Binary:   os.Getenv("LIBREOFFICE_PATH"),
			Timeout:  envDurationSecs("OFFICE_TIMEOUT_SECS", 300*time.Second),
			Attempts: envInt("OFFICE_ATTEMPTS", 3),
			Delay:    envDurationSecs("OFFICE_RETRY_DELAY_SECS", 5*time.Second),
		},
		Worker: WorkerConfig{
			Name:             envString("WORKER_NAME", hostname),
			OutputBaseDir:    envString("OUTPUT_BASE_DIR", "/data/mineru_output"),
			Concurrency:      envInt("WORKER_CONCURRENCY", 5),
			PollTimeout:      envDurationSecs("WORKER_POLL_TIMEOUT_SECS", 10*time.Second),
			ErrorBackoff:     envDurationSecs("WORKER_ERROR_BACKOFF_SECS", 5*time.Second),
			SnapshotInterval: envDuration("DEVICE_SNAPSHOT_INTERVAL", 15*time.Second),
		},
		Vision: VisionConfig{
			Provider:         envString("VISION_PROVIDER", "ollama"),
			InferenceTimeout: envDurationSecs("VISION_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			MaxImageDim:      envInt("VISION_MAX_IMAGE_DIM", 1280),
			PDFImagesBinary:  envString("PDFIMAGES_BINARY", "pdfimages"),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "qwen2.5vl:7b"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", "Qwen/Qwen2.5-VL-7B-Instruct"),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
			},
			Anthropic: AnthropicConfig{
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
	}

	if cfg.Remote.DevicesFile != "" {
		devices, err := LoadRemoteDevices(cfg.Remote.DevicesFile)
		if err != nil {
			return nil, err
		}
		cfg.Remote.Devices = devices
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

	if c.Storage.Endpoint == "" {
		return fmt.Errorf("MINIO_ENDPOINT is required")
	}
	if strings.Contains(c.Storage.Endpoint, "://") {
		return fmt.Errorf("MINIO_ENDPOINT must be host:port without a scheme, got %q", c.Storage.Endpoint)
	}

	if c.GPU.MinMemoryRatio <= 0 || c.GPU.MinMemoryRatio > 1 {
		return fmt.Errorf("GPU_MIN_MEMORY_RATIO must be in (0, 1], got %v", c.GPU.MinMemoryRatio)
	}
	if c.GPU.MaxAttempts < 1 {
		return fmt.Errorf("GPU_MAX_ATTEMPTS must be at least 1, got %d", c.GPU.MaxAttempts)
	}
	if c.Remote.MaxRetries < 1 {
		return fmt.Errorf("REMOTE_MAX_RETRIES must be at least 1, got %d", c.Remote.MaxRetries)
	}
	if !strings.HasPrefix(c.Remote.ExtractPath, "/") {
		return fmt.Errorf("REMOTE_EXTRACT_PATH must start with /, got %q", c.Remote.ExtractPath)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}

	if !validProviders[c.Vision.Provider] {
		return fmt.Errorf("VISION_PROVIDER must be one of ollama, vllm, openai, anthropic; got %q", c.Vision.Provider)
	}
	if c.Vision.Provider == "openai" && c.Vision.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when VISION_PROVIDER is openai")
	}
	if c.Vision.Provider == "anthropic" && c.Vision.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when VISION_PROVIDER is anthropic")
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

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
