package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Models     ModelsConfig     `yaml:"models" mapstructure:"models"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures where output records and the watermark live.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	OutputDir   string `yaml:"output_dir" mapstructure:"output_dir"`
	StatePath   string `yaml:"state_path" mapstructure:"state_path"`
}

// PipelineConfig configures the ingestion run.
type PipelineConfig struct {
	ScratchDir       string `yaml:"scratch_dir" mapstructure:"scratch_dir"`
	PlaceholderImage string `yaml:"placeholder_image" mapstructure:"placeholder_image"`
	Cleanup          string `yaml:"cleanup" mapstructure:"cleanup"`
	Dedup            bool   `yaml:"dedup" mapstructure:"dedup"`
}

// FetchConfig configures image retrieval.
type FetchConfig struct {
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	UserAgent        string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ModelsConfig locates the relevance and type classification networks.
type ModelsConfig struct {
	RelevancePath   string `yaml:"relevance_path" mapstructure:"relevance_path"`
	RelevanceConfig string `yaml:"relevance_config" mapstructure:"relevance_config"`
	TypePath        string `yaml:"type_path" mapstructure:"type_path"`
	TypeConfig      string `yaml:"type_config" mapstructure:"type_config"`
	InputSize       int    `yaml:"input_size" mapstructure:"input_size"`
	Backend         string `yaml:"backend" mapstructure:"backend"`
	Layout          string `yaml:"layout" mapstructure:"layout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// TemporalConfig configures the scheduled ingest worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
	InboxDir  string `yaml:"inbox_dir" mapstructure:"inbox_dir"`
	Cron      string `yaml:"cron" mapstructure:"cron"`
}

// MonitoringConfig configures health checks and webhook alerts.
type MonitoringConfig struct {
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	PlaceholderRateThreshold float64 `yaml:"placeholder_rate_threshold" mapstructure:"placeholder_rate_threshold"`
	StaleWatermarkHours      int     `yaml:"stale_watermark_hours" mapstructure:"stale_watermark_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; variables already set in the process win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("IMAGEFILTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.output_dir", "files/output")
	v.SetDefault("store.state_path", "files/configfile.json")
	v.SetDefault("pipeline.scratch_dir", "files/images")
	v.SetDefault("pipeline.placeholder_image", "files/placeholder.png")
	v.SetDefault("pipeline.cleanup", "event")
	v.SetDefault("pipeline.dedup", true)
	v.SetDefault("fetch.timeout_secs", 15)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.user_agent", "imagefilter/1.0")
	v.SetDefault("fetch.rate_per_sec", 10.0)
	v.SetDefault("fetch.breaker_threshold", 3)
	v.SetDefault("fetch.breaker_reset_secs", 60)
	v.SetDefault("models.relevance_path", "files/models/filter.onnx")
	v.SetDefault("models.type_path", "files/models/classifier.onnx")
	v.SetDefault("models.input_size", 256)
	v.SetDefault("models.backend", "default")
	v.SetDefault("models.layout", "nchw")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "imagefilter")
	v.SetDefault("temporal.inbox_dir", "files/inbox")
	v.SetDefault("temporal.cron", "*/15 * * * *")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.placeholder_rate_threshold", 0.5)
	v.SetDefault("monitoring.stale_watermark_hours", 6)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Mode is one of
// "run", "serve" or "worker".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "file":
		if c.Store.OutputDir == "" {
			errs = append(errs, "store.output_dir is required for the file driver")
		}
		if c.Store.StatePath == "" {
			errs = append(errs, "store.state_path is required for the file driver")
		}
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the "+c.Store.Driver+" driver")
		}
	default:
		errs = append(errs, "store.driver must be file, sqlite or postgres")
	}

	switch c.Pipeline.Cleanup {
	case "event", "batch":
	default:
		errs = append(errs, "pipeline.cleanup must be event or batch")
	}
	if c.Pipeline.ScratchDir == "" {
		errs = append(errs, "pipeline.scratch_dir is required")
	}
	if c.Models.InputSize <= 0 {
		errs = append(errs, "models.input_size must be > 0")
	}
	switch c.Models.Layout {
	case "", "nchw", "nhwc":
	default:
		errs = append(errs, "models.layout must be nchw or nhwc")
	}
	if c.Fetch.TimeoutSecs <= 0 {
		errs = append(errs, "fetch.timeout_secs must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		errs = append(errs, "fetch.max_retries must be >= 0")
	}

	switch mode {
	case "run":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required")
		}
		if c.Temporal.InboxDir == "" {
			errs = append(errs, "temporal.inbox_dir is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
