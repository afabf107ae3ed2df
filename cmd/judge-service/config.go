package main

import (
	"fmt"
	"os"
	"time"

	"codex/internal/common/cache"
	"codex/internal/common/db"
	"codex/internal/common/http/middleware"
	"codex/internal/common/mq"
	"codex/internal/common/storage"
	"codex/internal/execution/lock"
	"codex/internal/execution/queue"
	"codex/internal/execution/repository"
	"codex/internal/execution/sandbox"
	"codex/internal/execution/worker"
	"codex/internal/realtime"
	"codex/internal/submission/service"
	"codex/pkg/utils/logger"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr          = "0.0.0.0:8080"
	defaultReadTimeout       = 5 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultCatalogCacheTTL   = 30 * time.Minute
	defaultReaperSchedule    = "@every 1m"
	defaultReaperGrace       = 15 * time.Minute
	defaultReaperBatch       = 100
	defaultDepthSchedule     = "@every 15s"
	defaultVerdictTopic      = repository.DefaultVerdictTopic
	defaultMaintenanceWindow = 2 * time.Minute
)

// ServerConfig holds HTTP server settings. WriteTimeout has no default
// because event streams stay open far longer than any single response.
type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	EnablePprof  bool          `yaml:"enablePprof"`
}

// CatalogConfig holds problem/language cache settings.
type CatalogConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// VerdictConfig controls Kafka verdict events. Disabled when no brokers are set.
type VerdictConfig struct {
	Topic string `yaml:"topic"`
}

// ArchiveConfig controls offloading of large outputs. Disabled when no
// MinIO endpoint is set.
type ArchiveConfig struct {
	Bucket      string `yaml:"bucket"`
	InlineLimit int    `yaml:"inlineLimit" validate:"gte=0"`
}

// ReaperConfig controls recovery of submissions left RUNNING by dead workers.
type ReaperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Grace    time.Duration `yaml:"grace"`
	Batch    int           `yaml:"batch" validate:"gte=0"`
}

// MonitoringConfig controls periodic metric sampling.
type MonitoringConfig struct {
	QueueDepthSchedule string `yaml:"queueDepthSchedule"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server     ServerConfig          `yaml:"server"`
	Logger     logger.Config         `yaml:"logger"`
	Database   db.MySQLConfig        `yaml:"database"`
	Redis      cache.RedisConfig     `yaml:"redis"`
	Kafka      mq.KafkaConfig        `yaml:"kafka"`
	MinIO      storage.MinIOConfig   `yaml:"minio"`
	Auth       middleware.AuthConfig `yaml:"auth"`
	Catalog    CatalogConfig         `yaml:"catalog"`
	Queue      queue.Config          `yaml:"queue"`
	Lock       lock.Config           `yaml:"lock"`
	Worker     worker.Config         `yaml:"worker"`
	Sandbox    sandbox.Config        `yaml:"sandbox"`
	Events     realtime.Config       `yaml:"events"`
	Verdict    VerdictConfig         `yaml:"verdict"`
	Archive    ArchiveConfig         `yaml:"archive"`
	Reaper     ReaperConfig          `yaml:"reaper"`
	Monitoring MonitoringConfig      `yaml:"monitoring"`
	Submission SubmissionConfig      `yaml:"submission"`
}

// SubmissionConfig holds intake limits.
type SubmissionConfig struct {
	MaxCodeBytes int `yaml:"maxCodeBytes" validate:"gte=0"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	cfg.Redis.ApplyDefaults()
	cfg.Database.ApplyDefaults()
	cfg.Worker.ApplyDefaults()
	cfg.Sandbox.ApplyDefaults()
	if cfg.Catalog.CacheTTL == 0 {
		cfg.Catalog.CacheTTL = defaultCatalogCacheTTL
	}
	if cfg.Verdict.Topic == "" {
		cfg.Verdict.Topic = defaultVerdictTopic
	}
	if cfg.Archive.Bucket == "" {
		cfg.Archive.Bucket = repository.DefaultArchiveBucket
	}
	if cfg.Archive.InlineLimit == 0 {
		cfg.Archive.InlineLimit = repository.DefaultInlineOutputLimit
	}
	if cfg.Reaper.Schedule == "" {
		cfg.Reaper.Schedule = defaultReaperSchedule
	}
	if cfg.Reaper.Grace == 0 {
		// Longer than one lease so a live worker is never reaped.
		lease := cfg.Worker.LockLease
		cfg.Reaper.Grace = defaultReaperGrace
		if lease*2 > cfg.Reaper.Grace {
			cfg.Reaper.Grace = lease * 2
		}
	}
	if cfg.Reaper.Batch == 0 {
		cfg.Reaper.Batch = defaultReaperBatch
	}
	if cfg.Monitoring.QueueDepthSchedule == "" {
		cfg.Monitoring.QueueDepthSchedule = defaultDepthSchedule
	}
	if cfg.Submission.MaxCodeBytes == 0 {
		cfg.Submission.MaxCodeBytes = service.DefaultMaxCodeBytes
	}
}

var configValidator = validator.New()

func validateConfig(cfg *AppConfig) error {
	if err := configValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Worker.LockLease <= cfg.Worker.LockWait {
		return fmt.Errorf("invalid config: worker.lockLease must exceed worker.lockWait")
	}
	return nil
}

func (c *AppConfig) verdictsEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func (c *AppConfig) archiveEnabled() bool {
	return c.MinIO.Endpoint != ""
}
