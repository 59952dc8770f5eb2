package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PixelExtractorConfig configures the built-in image feature extractor.
type PixelExtractorConfig struct {
	GridSize       int `yaml:"grid_size"`
	HistogramBins  int `yaml:"histogram_bins"`
	MinPrimarySide int `yaml:"min_primary_side"`
}

// RemoteExtractorConfig holds configuration for an HTTP model server.
type RemoteExtractorConfig struct {
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	PrimaryLayer  string `yaml:"primary_layer"`
	FallbackLayer string `yaml:"fallback_layer"`
	APIKeyEnv     string `yaml:"api_key_env"`
	TimeoutSecs   int    `yaml:"timeout_secs"`
	MaxRetries    int    `yaml:"max_retries"`
}

// ExtractorConfig selects and configures the feature extractor.
type ExtractorConfig struct {
	Type   string                 `yaml:"type"`
	Pixel  *PixelExtractorConfig  `yaml:"pixel,omitempty"`
	Remote *RemoteExtractorConfig `yaml:"remote,omitempty"`
}

// FileSourceConfig points at a JSON embeddings database on disk.
type FileSourceConfig struct {
	Path string `yaml:"path"`
}

// HTTPSourceConfig points at a backend serving the embeddings list.
type HTTPSourceConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries"`
}

// BoltSourceConfig contains the location of a bbolt embeddings database.
type BoltSourceConfig struct {
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
}

// S3SourceConfig locates the embeddings object in a bucket.
type S3SourceConfig struct {
	Bucket string `yaml:"bucket"`
	Key    string `yaml:"key"`
	Region string `yaml:"region"`
}

// EmbeddingsConfig selects where the embedding database is read from and
// written to.
type EmbeddingsConfig struct {
	Type string            `yaml:"type"`
	File *FileSourceConfig `yaml:"file,omitempty"`
	HTTP *HTTPSourceConfig `yaml:"http,omitempty"`
	Bolt *BoltSourceConfig `yaml:"bolt,omitempty"`
	S3   *S3SourceConfig   `yaml:"s3,omitempty"`
}

// DimensionConfig selects how the expected embedding dimension is resolved.
type DimensionConfig struct {
	Type        string `yaml:"type"`
	Value       int    `yaml:"value"`
	URL         string `yaml:"url"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// MatcherConfig tunes match acceptance.
type MatcherConfig struct {
	// Threshold is a pointer so an explicit 0 is kept.
	Threshold *float64 `yaml:"threshold,omitempty"`
}

// AcceptThreshold returns the configured threshold or the default.
func (m MatcherConfig) AcceptThreshold() float64 {
	if m.Threshold == nil {
		return defaultThreshold
	}
	return *m.Threshold
}

// IndexerConfig configures offline embedding generation.
type IndexerConfig struct {
	ImagesDir string `yaml:"images_dir"`
	URLPrefix string `yaml:"url_prefix"`
	Workers   int    `yaml:"workers"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Dimension  DimensionConfig  `yaml:"dimension"`
	Matcher    MatcherConfig    `yaml:"matcher"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultConfig()
			return cfg, nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/photomatch/config.yaml.
// If neither exists, it writes defaults to ~/.config/photomatch/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "photomatch", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Extractor:  ExtractorConfig{Type: "pixel"},
		Embeddings: EmbeddingsConfig{Type: "file"},
		Dimension:  DimensionConfig{Type: "records"},
	}
	applyConfigDefaults(cfg)
	return cfg
}

const defaultThreshold = 0.75

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Extractor.Type == "" {
		cfg.Extractor.Type = "pixel"
	}
	if cfg.Extractor.Type == "pixel" {
		if cfg.Extractor.Pixel == nil {
			cfg.Extractor.Pixel = &PixelExtractorConfig{}
		}
		if cfg.Extractor.Pixel.GridSize == 0 {
			cfg.Extractor.Pixel.GridSize = 16
		}
		if cfg.Extractor.Pixel.HistogramBins == 0 {
			cfg.Extractor.Pixel.HistogramBins = 32
		}
		if cfg.Extractor.Pixel.MinPrimarySide == 0 {
			cfg.Extractor.Pixel.MinPrimarySide = cfg.Extractor.Pixel.GridSize
		}
	}
	if cfg.Extractor.Type == "remote" && cfg.Extractor.Remote != nil {
		if cfg.Extractor.Remote.BaseURL == "" {
			cfg.Extractor.Remote.BaseURL = "http://localhost:8501/v1"
		}
		if cfg.Extractor.Remote.Model == "" {
			cfg.Extractor.Remote.Model = "mobilenet_v2_1.0_224"
		}
		if cfg.Extractor.Remote.PrimaryLayer == "" {
			cfg.Extractor.Remote.PrimaryLayer = "global_average_pooling"
		}
		if cfg.Extractor.Remote.FallbackLayer == "" {
			cfg.Extractor.Remote.FallbackLayer = "conv_preds"
		}
		if cfg.Extractor.Remote.TimeoutSecs == 0 {
			cfg.Extractor.Remote.TimeoutSecs = 30
		}
		if cfg.Extractor.Remote.MaxRetries == 0 {
			cfg.Extractor.Remote.MaxRetries = 3
		}
	}

	if cfg.Embeddings.Type == "" {
		cfg.Embeddings.Type = "file"
	}
	switch cfg.Embeddings.Type {
	case "file":
		if cfg.Embeddings.File == nil {
			cfg.Embeddings.File = &FileSourceConfig{}
		}
		if cfg.Embeddings.File.Path == "" {
			cfg.Embeddings.File.Path = "static/embeddings.json"
		}
	case "http":
		if cfg.Embeddings.HTTP != nil {
			if cfg.Embeddings.HTTP.TimeoutSecs == 0 {
				cfg.Embeddings.HTTP.TimeoutSecs = 15
			}
			if cfg.Embeddings.HTTP.MaxRetries == 0 {
				cfg.Embeddings.HTTP.MaxRetries = 3
			}
		}
	case "bolt":
		if cfg.Embeddings.Bolt == nil {
			cfg.Embeddings.Bolt = &BoltSourceConfig{}
		}
		if cfg.Embeddings.Bolt.Path == "" {
			cfg.Embeddings.Bolt.Path = "static/embeddings.db"
		}
		if cfg.Embeddings.Bolt.Bucket == "" {
			cfg.Embeddings.Bolt.Bucket = "embeddings"
		}
	case "s3":
		if cfg.Embeddings.S3 != nil && cfg.Embeddings.S3.Key == "" {
			cfg.Embeddings.S3.Key = "embeddings.json"
		}
	}

	if cfg.Dimension.Type == "" {
		cfg.Dimension.Type = "records"
	}
	if cfg.Dimension.Type == "http" && cfg.Dimension.TimeoutSecs == 0 {
		cfg.Dimension.TimeoutSecs = 10
	}
	if cfg.Matcher.Threshold == nil {
		t := defaultThreshold
		cfg.Matcher.Threshold = &t
	}
	if cfg.Indexer.ImagesDir == "" {
		cfg.Indexer.ImagesDir = "static/images"
	}
	if cfg.Indexer.URLPrefix == "" {
		cfg.Indexer.URLPrefix = "/static/images"
	}
	if cfg.Indexer.Workers == 0 {
		cfg.Indexer.Workers = 4
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 16
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
