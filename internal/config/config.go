package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"tilestream/internal/tile"
)

// MinBudgetMB is the smallest cache budget the service accepts.
const MinBudgetMB = 32

var ErrInvalid = errors.New("invalid configuration")

type (
	Config struct {
		Server   Server   `koanf:"server" envPrefix:"SERVER_"`
		Log      Log      `koanf:"log" envPrefix:"LOG_"`
		Tiles    Tiles    `koanf:"tiles" envPrefix:"TILES_"`
		Provider Provider `koanf:"provider" envPrefix:"PROVIDER_"`
		Tracing  Tracing  `koanf:"tracing" envPrefix:"TRACING_"`
	}

	Server struct {
		Port            int           `koanf:"port" env:"PORT" validate:"min=1,max=65535"`
		AllowedOrigin   string        `koanf:"allowed_origin" env:"ALLOWED_ORIGIN"`
		ReadTimeout     time.Duration `koanf:"read_timeout" env:"READ_TIMEOUT" validate:"min=0"`
		WriteTimeout    time.Duration `koanf:"write_timeout" env:"WRITE_TIMEOUT" validate:"min=0"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"min=0"`
	}

	Log struct {
		Level      string `koanf:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
		File       string `koanf:"file" env:"FILE"`
		MaxSizeMB  int    `koanf:"max_size_mb" env:"MAX_SIZE_MB" validate:"min=0"`
		MaxBackups int    `koanf:"max_backups" env:"MAX_BACKUPS" validate:"min=0"`
		MaxAgeDays int    `koanf:"max_age_days" env:"MAX_AGE_DAYS" validate:"min=0"`
	}

	Tiles struct {
		MinLOD             int           `koanf:"min_lod" env:"MIN_LOD" validate:"min=0,max=28"`
		MaxLOD             int           `koanf:"max_lod" env:"MAX_LOD" validate:"min=0,max=28,gtefield=MinLOD"`
		BudgetMB           int64         `koanf:"budget_mb" env:"BUDGET_MB" validate:"min=32"`
		MaxConcurrentLoads int           `koanf:"max_concurrent_loads" env:"MAX_CONCURRENT_LOADS" validate:"min=1,max=16"`
		TileSize           int           `koanf:"tile_size" env:"TILE_SIZE" validate:"min=64,max=512"`
		FetchTimeout       time.Duration `koanf:"fetch_timeout" env:"FETCH_TIMEOUT" validate:"min=0"`
	}

	Provider struct {
		Type      string  `koanf:"type" env:"TYPE" validate:"oneof=file http mbtiles redis oss pyramid"`
		Extension string  `koanf:"extension" env:"EXTENSION" validate:"required,alphanum"`
		Resample  bool    `koanf:"resample" env:"RESAMPLE"`
		File      File    `koanf:"file" envPrefix:"FILE_"`
		HTTP      HTTP    `koanf:"http" envPrefix:"HTTP_"`
		MBTiles   MBTiles `koanf:"mbtiles" envPrefix:"MBTILES_"`
		Redis     Redis   `koanf:"redis" envPrefix:"REDIS_"`
		OSS       OSS     `koanf:"oss" envPrefix:"OSS_"`
		Pyramid   Pyramid `koanf:"pyramid" envPrefix:"PYRAMID_"`
		Retry     Retry   `koanf:"retry" envPrefix:"RETRY_"`
		Breaker   Breaker `koanf:"breaker" envPrefix:"BREAKER_"`
	}

	File struct {
		Root string `koanf:"root" env:"ROOT"`
	}

	HTTP struct {
		URLTemplate  string        `koanf:"url_template" env:"URL_TEMPLATE"`
		UserAgent    string        `koanf:"user_agent" env:"USER_AGENT"`
		Timeout      time.Duration `koanf:"timeout" env:"TIMEOUT" validate:"min=0"`
		MaxTileBytes int64         `koanf:"max_tile_bytes" env:"MAX_TILE_BYTES" validate:"min=0"`
	}

	MBTiles struct {
		Path string `koanf:"path" env:"PATH"`
	}

	Redis struct {
		Addr     string        `koanf:"addr" env:"ADDR"`
		Password string        `koanf:"password" env:"PASSWORD"`
		DB       int           `koanf:"db" env:"DB" validate:"min=0"`
		TTL      time.Duration `koanf:"ttl" env:"TTL" validate:"min=0"`
	}

	OSS struct {
		Endpoint        string `koanf:"endpoint" env:"ENDPOINT"`
		AccessKeyID     string `koanf:"access_key_id" env:"ACCESS_KEY_ID"`
		AccessKeySecret string `koanf:"access_key_secret" env:"ACCESS_KEY_SECRET"`
		Bucket          string `koanf:"bucket" env:"BUCKET"`
		Prefix          string `koanf:"prefix" env:"PREFIX"`
	}

	Pyramid struct {
		Image       string `koanf:"image" env:"IMAGE"`
		Quality     int    `koanf:"quality" env:"QUALITY" validate:"min=1,max=100"`
		VipsCacheMB int    `koanf:"vips_cache_mb" env:"VIPS_CACHE_MB" validate:"min=0"`
		VipsWorkers int    `koanf:"vips_workers" env:"VIPS_WORKERS" validate:"min=0"`
	}

	Retry struct {
		Attempts uint          `koanf:"attempts" env:"ATTEMPTS"`
		Delay    time.Duration `koanf:"delay" env:"DELAY" validate:"min=0"`
	}

	Breaker struct {
		Enabled          bool          `koanf:"enabled" env:"ENABLED"`
		FailureThreshold uint32        `koanf:"failure_threshold" env:"FAILURE_THRESHOLD"`
		OpenTimeout      time.Duration `koanf:"open_timeout" env:"OPEN_TIMEOUT" validate:"min=0"`
	}

	Tracing struct {
		Endpoint    string  `koanf:"endpoint" env:"ENDPOINT"`
		ServiceName string  `koanf:"service_name" env:"SERVICE_NAME"`
		SampleRatio float64 `koanf:"sample_ratio" env:"SAMPLE_RATIO" validate:"min=0,max=1"`
	}
)

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Tiles: Tiles{
			MinLOD:             14,
			MaxLOD:             20,
			BudgetMB:           512,
			MaxConcurrentLoads: 4,
			TileSize:           256,
			FetchTimeout:       30 * time.Second,
		},
		Provider: Provider{
			Type:      "file",
			Extension: "png",
			File:      File{Root: "/data/tiles"},
			HTTP: HTTP{
				UserAgent:    "tilestream/1.0",
				Timeout:      30 * time.Second,
				MaxTileBytes: 4 << 20,
			},
			Redis:   Redis{Addr: "localhost:6379", TTL: 24 * time.Hour},
			Pyramid: Pyramid{Quality: 82, VipsCacheMB: 256, VipsWorkers: 1},
			Retry:   Retry{Attempts: 3, Delay: 100 * time.Millisecond},
			Breaker: Breaker{FailureThreshold: 5, OpenTimeout: 30 * time.Second},
		},
		Tracing: Tracing{
			ServiceName: "tilestream",
			SampleRatio: 1,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML or JSON file,
// a .env file in the working directory and the process environment, in that
// order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("%w: unsupported config file type %q", ErrInvalid, filepath.Ext(path))
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// LOD returns the configured level-of-detail window.
func (c *Config) LOD() tile.LODRange {
	return tile.LODRange{Min: c.Tiles.MinLOD, Max: c.Tiles.MaxLOD}
}

// BudgetBytes returns the cache budget in bytes.
func (c *Config) BudgetBytes() int64 {
	return c.Tiles.BudgetMB << 20
}
