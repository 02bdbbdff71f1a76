package config

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"imagesearch/internal/apperr"

	"github.com/spf13/viper"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	VectorDB  VectorDBConfig  `mapstructure:"vectordb" yaml:"vectordb"`
	Model     ModelConfig     `mapstructure:"model" yaml:"model"`
	OCR       OCRConfig       `mapstructure:"ocr" yaml:"ocr"`
	OpenAI    OpenAIConfig    `mapstructure:"openai" yaml:"openai"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail" yaml:"thumbnail"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	AdminAPIEnabled bool          `mapstructure:"admin_api_enabled" yaml:"admin_api_enabled"`
}

// AuthConfig holds the shared-secret tokens. An empty admin token disables
// the admin surface.
type AuthConfig struct {
	AdminToken      string `mapstructure:"admin_token" yaml:"admin_token"`
	AccessToken     string `mapstructure:"access_token" yaml:"access_token"`
	AccessProtected bool   `mapstructure:"access_protected" yaml:"access_protected"`
}

// StorageConfig selects the file storage backend.
type StorageConfig struct {
	Method string             `mapstructure:"method" yaml:"method"`
	Local  LocalStorageConfig `mapstructure:"local" yaml:"local"`
	S3     S3Config           `mapstructure:"s3" yaml:"s3"`
}

type LocalStorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Path            string `mapstructure:"path" yaml:"path"`
	Region          string `mapstructure:"region" yaml:"region"`
	EndpointURL     string `mapstructure:"endpoint_url" yaml:"endpoint_url"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

// VectorDBConfig configures the vector store. An empty DSN selects the
// in-process memory store.
type VectorDBConfig struct {
	DSN        string        `mapstructure:"dsn" yaml:"dsn"`
	Table      string        `mapstructure:"table" yaml:"table"`
	Dimension  int           `mapstructure:"dimension" yaml:"dimension"`
	Retries    int           `mapstructure:"retries" yaml:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

type ModelConfig struct {
	CLIP CLIPConfig `mapstructure:"clip" yaml:"clip"`
}

// CLIPConfig points at the ONNX exports of the CLIP vision and text towers.
type CLIPConfig struct {
	VisionPath    string `mapstructure:"vision_path" yaml:"vision_path"`
	TextPath      string `mapstructure:"text_path" yaml:"text_path"`
	TokenizerPath string `mapstructure:"tokenizer_path" yaml:"tokenizer_path"`
	LibraryPath   string `mapstructure:"library_path" yaml:"library_path"`
}

type OCRConfig struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
	Model         string  `mapstructure:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

type ThumbnailConfig struct {
	ThresholdBytes int64 `mapstructure:"threshold_bytes" yaml:"threshold_bytes"`
	Size           int   `mapstructure:"size" yaml:"size"`
}

type SearchConfig struct {
	PresignTTL time.Duration `mapstructure:"presign_ttl" yaml:"presign_ttl"`
	OCREnabled bool          `mapstructure:"ocr_enabled" yaml:"ocr_enabled"`
}

// OCRSearchEnabled reports whether the ocr basis can be queried.
func (c *Config) OCRSearchEnabled() bool {
	return c.Search.OCREnabled && c.OCR.Enabled
}

// Redacted returns a copy with every secret replaced by a placeholder.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "******"
		}
	}
	mask(&c.Auth.AdminToken)
	mask(&c.Auth.AccessToken)
	mask(&c.Storage.S3.SecretAccessKey)
	mask(&c.OpenAI.APIKey)
	if c.VectorDB.DSN != "" {
		if u, err := url.Parse(c.VectorDB.DSN); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "******")
				c.VectorDB.DSN = u.String()
			}
		}
	}
	return c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8000")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.admin_api_enabled", true)

	v.SetDefault("auth.admin_token", "")
	v.SetDefault("auth.access_token", "")
	v.SetDefault("auth.access_protected", false)

	v.SetDefault("storage.method", "local")
	v.SetDefault("storage.local.path", "./static")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.path", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint_url", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")

	v.SetDefault("vectordb.dsn", "")
	v.SetDefault("vectordb.table", "images")
	v.SetDefault("vectordb.dimension", 768)
	v.SetDefault("vectordb.retries", 3)
	v.SetDefault("vectordb.retry_delay", time.Duration(0))

	v.SetDefault("model.clip.vision_path", "")
	v.SetDefault("model.clip.text_path", "")
	v.SetDefault("model.clip.tokenizer_path", "")
	v.SetDefault("model.clip.library_path", "")

	v.SetDefault("ocr.enabled", true)
	v.SetDefault("ocr.min_confidence", 0.5)
	v.SetDefault("ocr.model", "gpt-4o-mini")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")

	v.SetDefault("queue.capacity", 200)
	v.SetDefault("thumbnail.threshold_bytes", 500*1024)
	v.SetDefault("thumbnail.size", 256)
	v.SetDefault("search.presign_ttl", time.Hour)
	v.SetDefault("search.ocr_enabled", true)
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix IMAGESEARCH_).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IMAGESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperr.Errorf(apperr.CodeConfigInvalid, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Errorf(apperr.CodeConfigInvalid, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, apperr.Errorf(apperr.CodeConfigInvalid, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors and reports all of
// them.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateVectorDB()...)
	errs = append(errs, c.validatePipeline()...)

	if c.Auth.AccessProtected && c.Auth.AccessToken == "" {
		errs = append(errs, invalid("config: auth.access_token must be set when auth.access_protected is true"))
	}

	return errs
}

func invalid(format string, args ...any) error {
	return apperr.Errorf(apperr.CodeConfigInvalid, format, args...)
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		return append(errs, invalid("config: server.listen must not be empty"))
	}
	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return append(errs, invalid("config: server.listen must be a valid host:port address, got %q: %w", c.Server.Listen, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		errs = append(errs, invalid("config: server.listen port must be between 1 and 65535, got %q", portStr))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, invalid("config: server.shutdown_timeout must not be negative"))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	switch c.Storage.Method {
	case "local":
		if c.Storage.Local.Path == "" {
			errs = append(errs, invalid("config: storage.local.path must not be empty"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, invalid("config: storage.s3.bucket must not be empty"))
		}
		if c.Storage.S3.EndpointURL == "" {
			errs = append(errs, invalid("config: storage.s3.endpoint_url must not be empty"))
		}
	case "disabled":
	default:
		errs = append(errs, invalid("config: storage.method must be one of [local, s3, disabled], got %q", c.Storage.Method))
	}

	return errs
}

func (c *Config) validateVectorDB() []error {
	var errs []error

	if c.VectorDB.Table == "" {
		errs = append(errs, invalid("config: vectordb.table must not be empty"))
	}
	if c.VectorDB.Dimension <= 0 {
		errs = append(errs, invalid("config: vectordb.dimension must be positive, got %d", c.VectorDB.Dimension))
	}
	if c.VectorDB.Retries < 1 {
		errs = append(errs, invalid("config: vectordb.retries must be at least 1, got %d", c.VectorDB.Retries))
	}
	if c.VectorDB.RetryDelay < 0 {
		errs = append(errs, invalid("config: vectordb.retry_delay must not be negative"))
	}

	return errs
}

func (c *Config) validatePipeline() []error {
	var errs []error

	if c.Queue.Capacity < 1 {
		errs = append(errs, invalid("config: queue.capacity must be at least 1, got %d", c.Queue.Capacity))
	}
	if c.OCR.MinConfidence < 0 || c.OCR.MinConfidence > 1 {
		errs = append(errs, invalid("config: ocr.min_confidence must be within [0, 1], got %v", c.OCR.MinConfidence))
	}
	if c.Thumbnail.Size < 1 {
		errs = append(errs, invalid("config: thumbnail.size must be positive, got %d", c.Thumbnail.Size))
	}
	if c.Thumbnail.ThresholdBytes < 0 {
		errs = append(errs, invalid("config: thumbnail.threshold_bytes must not be negative"))
	}
	if c.Search.PresignTTL <= 0 {
		errs = append(errs, invalid("config: search.presign_ttl must be positive"))
	}

	return errs
}
