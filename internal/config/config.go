package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/menta2k/image-enricher/pkg/cropper"
)

// APIKeyEnv overrides vision.api_key when set
const APIKeyEnv = "IMAGE_ENRICHER_API_KEY"

const (
	BackendGCV    = "gcv"
	BackendOllama = "ollama"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Vision holds the remote vision service settings
type Vision struct {
	Backend        string `toml:"backend"`
	Endpoint       string `toml:"endpoint"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	FixtureDir     string `toml:"fixture_dir"`
	OllamaURL      string `toml:"ollama_url"`
	OllamaModel    string `toml:"ollama_model"`
}

// Cache holds prefetch cache settings
type Cache struct {
	Backend          string `toml:"backend"`
	TTLSeconds       int    `toml:"ttl_seconds"`
	PrefetchOnUpload bool   `toml:"prefetch_on_upload"`
	RedisAddr        string `toml:"redis_addr"`
	RedisPassword    string `toml:"redis_password"`
	RedisDB          int    `toml:"redis_db"`
	RedisPrefix      string `toml:"redis_prefix"`
}

// Store holds the metadata database location
type Store struct {
	Path string `toml:"path"`
}

// Server holds HTTP surface settings
type Server struct {
	Bind        string `toml:"bind"`
	UploadDir   string `toml:"upload_dir"`
	MaxUploadMB int    `toml:"max_upload_mb"`
}

// Batch holds batch run settings
type Batch struct {
	LockPath string `toml:"lock_path"`
}

// Thumbnails holds crop-size collaborator settings
type Thumbnails struct {
	Quality int            `toml:"quality"`
	Sizes   []cropper.Size `toml:"sizes"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	File   string `toml:"file"`
}

// Config holds the application configuration
type Config struct {
	Vision     Vision     `toml:"vision"`
	Cache      Cache      `toml:"cache"`
	Store      Store      `toml:"store"`
	Server     Server     `toml:"server"`
	Batch      Batch      `toml:"batch"`
	Thumbnails Thumbnails `toml:"thumbnails"`
	Logging    Logging    `toml:"logging"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Vision: Vision{
			Backend:        BackendGCV,
			Endpoint:       "https://vision.googleapis.com/v1/images:annotate",
			TimeoutSeconds: 40,
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "llava",
		},
		Cache: Cache{
			Backend:          CacheMemory,
			TTLSeconds:       300,
			PrefetchOnUpload: true,
			RedisAddr:        "127.0.0.1:6379",
			RedisPrefix:      "image-enricher:prefetch:",
		},
		Store: Store{
			Path: "~/.local/share/image-enricher/images.db",
		},
		Server: Server{
			Bind:        "127.0.0.1:8080",
			UploadDir:   "~/.local/share/image-enricher/uploads",
			MaxUploadMB: 20,
		},
		Batch: Batch{
			LockPath: "~/.local/share/image-enricher/batch.lock",
		},
		Thumbnails: Thumbnails{
			Quality: 85,
			Sizes:   cropper.DefaultSizes(),
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}

// Load reads path (or the default location when empty) on top of the
// defaults. A missing file is not an error; exists reports whether one was read.
func Load(path string) (cfg *Config, resolved string, exists bool, err error) {
	if path == "" {
		path = GetConfigPath()
	}
	resolved, err = ExpandPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if info, statErr := os.Stat(resolved); statErr == nil && !info.IsDir() {
		exists = true
	} else if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return nil, "", false, fmt.Errorf("stat config: %w", statErr)
	}

	if exists {
		cfg, err = LoadFromFile(resolved)
		if err != nil {
			return nil, "", false, err
		}
		return cfg, resolved, true, nil
	}

	cfg = Default()
	if err := cfg.finish(); err != nil {
		return nil, "", false, err
	}
	return cfg, resolved, false, nil
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	cfg.Thumbnails.Sizes = nil
	if err := toml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(cfg.Thumbnails.Sizes) == 0 {
		cfg.Thumbnails.Sizes = cropper.DefaultSizes()
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	if key := strings.TrimSpace(os.Getenv(APIKeyEnv)); key != "" {
		c.Vision.APIKey = key
	}
	if err := c.normalize(); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) normalize() error {
	c.Vision.Backend = strings.ToLower(strings.TrimSpace(c.Vision.Backend))
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	for name, p := range map[string]*string{
		"store.path":         &c.Store.Path,
		"server.upload_dir":  &c.Server.UploadDir,
		"batch.lock_path":    &c.Batch.LockPath,
		"vision.fixture_dir": &c.Vision.FixtureDir,
		"logging.file":       &c.Logging.File,
	} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*p = expanded
	}
	return nil
}

// SaveToFile saves configuration to a TOML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Vision.Backend {
	case BackendGCV:
		if strings.TrimSpace(c.Vision.Endpoint) == "" {
			return fmt.Errorf("vision.endpoint is required for the gcv backend")
		}
	case BackendOllama:
		if strings.TrimSpace(c.Vision.OllamaURL) == "" || strings.TrimSpace(c.Vision.OllamaModel) == "" {
			return fmt.Errorf("vision.ollama_url and vision.ollama_model are required for the ollama backend")
		}
	default:
		return fmt.Errorf("vision.backend must be %q or %q", BackendGCV, BackendOllama)
	}
	if c.Vision.TimeoutSeconds < 1 {
		return fmt.Errorf("vision.timeout_seconds must be positive")
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if strings.TrimSpace(c.Cache.RedisAddr) == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be %q or %q", CacheMemory, CacheRedis)
	}
	if c.Cache.TTLSeconds < 1 {
		return fmt.Errorf("cache.ttl_seconds must be positive")
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	if c.Thumbnails.Quality < 1 || c.Thumbnails.Quality > 100 {
		return fmt.Errorf("thumbnails.quality must be between 1 and 100")
	}
	for _, s := range c.Thumbnails.Sizes {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("thumbnails.sizes: every size needs a name")
		}
		if s.Crop && (s.Width < 1 || s.Height < 1) {
			return fmt.Errorf("thumbnails.sizes %q: cropped sizes need width and height", s.Name)
		}
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json")
	}
	return nil
}

// VisionTimeout is the per-request deadline for the vision service
func (c *Config) VisionTimeout() time.Duration {
	return time.Duration(c.Vision.TimeoutSeconds) * time.Second
}

// CacheTTL is the prefetch entry lifetime
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.toml"
	}
	return filepath.Join(home, ".config", "image-enricher", "config.toml")
}

// ExpandPath resolves a leading ~ and makes the path absolute. Empty stays empty.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
