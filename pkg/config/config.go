package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config captures the full runtime configuration for the ingestion service.
type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	Kafka   KafkaConfig
	Storage StorageConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Upload  UploadConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"lungscreen-ingestion"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"APP_LOG_FORMAT" envDefault:"json"`
}

type HTTPConfig struct {
	Addr           string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout    time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout    time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	RequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"2m"`
	AllowedOrigins []string      `env:"HTTP_CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// KafkaConfig configures the ingest record publisher.
type KafkaConfig struct {
	Enabled          bool          `env:"KAFKA_ENABLED" envDefault:"true"`
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	RecordTopic      string        `env:"KAFKA_RECORD_TOPIC" envDefault:"lungscreen.ingest-records"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"1"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
	WriteTimeout     time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"10s"`
}

type StorageConfig struct {
	Provider     string `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint     string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region       string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket       string `env:"STORAGE_BUCKET" envDefault:"lung-cancer-screening-images"`
	AccessKey    string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey    string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL       bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
	CreateBucket bool   `env:"STORAGE_CREATE_BUCKET" envDefault:"false"`
	DataDir      string `env:"STORAGE_DATA_DIR" envDefault:"./data/images"`
	QuotaBytes   int64  `env:"STORAGE_QUOTA_BYTES" envDefault:"0"`
	PublicPrefix string `env:"STORAGE_PUBLIC_PREFIX" envDefault:"/api/images"`
	CacheSize    int    `env:"STORAGE_CACHE_SIZE" envDefault:"0"`
}

type TracingConfig struct {
	Enabled      bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=lungscreen"`
}

type MetricsConfig struct {
	Addr string `env:"METRICS_ADDR" envDefault:":9102"`
}

type UploadConfig struct {
	MaxSizeBytes  int64 `env:"UPLOAD_MAX_SIZE_BYTES" envDefault:"10485760"`
	FieldMaxBytes int64 `env:"UPLOAD_FIELD_MAX_BYTES" envDefault:"4096"`
	OverheadBytes int64 `env:"UPLOAD_OVERHEAD_BYTES" envDefault:"1048576"`
}

// ClientConfig configures the uploader CLI. It is loaded separately so the
// client does not need any of the server settings.
type ClientConfig struct {
	Endpoint string        `env:"UPLOADER_ENDPOINT" envDefault:"http://localhost:8080/upload"`
	Timeout  time.Duration `env:"UPLOADER_TIMEOUT" envDefault:"5m"`
	LogLevel string        `env:"UPLOADER_LOG_LEVEL" envDefault:"info"`
}

// LoadClient reads the uploader CLI settings the same way Load does.
func LoadClient(envFiles ...string) (*ClientConfig, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads an optional .env file, then parses environment variables into Config.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Upload.MaxSizeBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_SIZE_BYTES must be positive, got %d", c.Upload.MaxSizeBytes)
	}
	if c.Storage.QuotaBytes < 0 {
		return fmt.Errorf("STORAGE_QUOTA_BYTES must not be negative, got %d", c.Storage.QuotaBytes)
	}
	if c.Storage.Bucket == "" && c.Storage.Provider != "fs" && c.Storage.Provider != "memory" {
		return errors.New("STORAGE_BUCKET is required")
	}
	return nil
}
