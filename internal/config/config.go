package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working dir.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	EventStream             string `yaml:"eventStream"`
	EventGroup              string `yaml:"eventGroup"`
	WorkerConcurrency       int    `yaml:"workerConcurrency"`
	WorkerMaxRetries        int    `yaml:"workerMaxRetries"`
	WorkerRetryDelaySeconds int    `yaml:"workerRetryDelaySeconds"`
	ThrottleLimit           int    `yaml:"throttleLimit"`
	ThrottleWindowSeconds   int    `yaml:"throttleWindowSeconds"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	QdrantHost       string `yaml:"qdrantHost"`
	QdrantPort       int    `yaml:"qdrantPort"`
	QdrantAPIKey     string `yaml:"qdrantApiKey"`
	QdrantUseTLS     bool   `yaml:"qdrantUseTLS"`
	QdrantCollection string `yaml:"qdrantCollection"`
	EmbedDim         int    `yaml:"embedDim"`

	OpenAIAPIKey  string `yaml:"openaiApiKey"`
	OpenAIBaseURL string `yaml:"openaiBaseURL"`
	EmbedModel    string `yaml:"embedModel"`
	ChatModel     string `yaml:"chatModel"`
	VisionModel   string `yaml:"visionModel"`

	ChunkTokens       int  `yaml:"chunkTokens"`
	ChunkOverlap      int  `yaml:"chunkOverlap"`
	PageConcurrency   int  `yaml:"pageConcurrency"`
	EmbedBatchSize    int  `yaml:"embedBatchSize"`
	DeleteAfterIngest bool `yaml:"deleteAfterIngest"`

	DefaultTopK int `yaml:"defaultTopK"`
	MaxUploadMB int `yaml:"maxUploadMB"`

	ClamAVAddr           string `yaml:"clamavAddr"`
	ClamAVTimeoutSeconds int    `yaml:"clamavTimeoutSeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("QDRANT_HOST"); v != "" {
		cfg.QdrantHost = v
	}
	if v := os.Getenv("QDRANT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QdrantPort = n
		}
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		cfg.QdrantAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("CLAMAV_ADDR"); v != "" {
		cfg.ClamAVAddr = v
	}
	if v := os.Getenv("DOCUAGENT_CHUNK_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkTokens = n
		}
	}
	if v := os.Getenv("DOCUAGENT_CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkOverlap = n
		}
	}
	if v := os.Getenv("DOCUAGENT_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("DOCUAGENT_DELETE_AFTER_INGEST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DeleteAfterIngest = b
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.EventStream == "" {
		cfg.EventStream = "docuagent:events"
	}
	if cfg.EventGroup == "" {
		cfg.EventGroup = "workers"
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	if cfg.QdrantCollection == "" {
		cfg.QdrantCollection = "pdf_chunks"
	}
	if cfg.EmbedDim <= 0 {
		cfg.EmbedDim = 1536
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = 1000
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = 200
	}
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = 5
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 100
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 6
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 25
	}
	if cfg.ClamAVTimeoutSeconds <= 0 {
		cfg.ClamAVTimeoutSeconds = 30
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml or MINIO_ENDPOINT)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.QdrantHost == "" {
		return errors.New("config: qdrantHost is required (set in config.yaml or QDRANT_HOST)")
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("config: openaiApiKey is required (set in config.yaml or OPENAI_API_KEY)")
	}
	if cfg.EmbedModel == "" || cfg.ChatModel == "" {
		return errors.New("config: embedModel and chatModel are required (set in config.yaml)")
	}
	if cfg.ChunkOverlap >= cfg.ChunkTokens {
		return errors.New("config: chunkOverlap must be smaller than chunkTokens")
	}
	return nil
}
