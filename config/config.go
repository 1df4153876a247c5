package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrNoSourceURI means the external source connection is not configured.
// Retrying cannot fix it; the loader job family fails fast instead.
var ErrNoSourceURI = errors.New("external source database connection not set: add SOURCE_DATABASE_URI to your environment or source_database_uri to the config file")

// Config holds service configuration from the yaml file and environment.
type Config struct {
	HTTPPort          string
	DBPath            string
	SourceDatabaseURI string

	WorkerCount     int
	QueueSize       int
	JobTimeoutSec   int
	PollIntervalSec int

	MaxAttempts     int
	RetryDelaySec   int
	RetryInitialSec int
	RetryMaxSec     int

	SourceQueryTimeoutSec int
	SyncIntervalSec       int
	SyncLookbackDays      int
	AnswerThresholdSec    int

	ConfigPath   string
	StrictConfig bool
}

type fileConfig struct {
	HTTPPort          string `yaml:"http_port"`
	DBPath            string `yaml:"db_path"`
	SourceDatabaseURI string `yaml:"source_database_uri"`
	WorkerCount       *int   `yaml:"worker_count"`
	QueueSize         *int   `yaml:"queue_size"`
	JobTimeoutSec     *int   `yaml:"job_timeout_sec"`
	MaxAttempts       *int   `yaml:"max_attempts"`
	RetryDelaySec     *int   `yaml:"retry_delay_sec"`
	RetryInitialSec   *int   `yaml:"retry_initial_sec"`
	RetryMaxSec       *int   `yaml:"retry_max_sec"`
	SyncIntervalSec   *int   `yaml:"sync_interval_sec"`
	SyncLookbackDays  *int   `yaml:"sync_lookback_days"`
	AnswerThreshold   *int   `yaml:"answer_threshold_sec"`
}

const (
	defaultPort            = ":8000"
	defaultDBFile          = "sla_report.db"
	defaultWorkerCount     = 4
	minQueueSize           = 8
	defaultQueueSize       = 128
	maxQueueSize           = 1024
	defaultJobTimeoutSec   = 120
	defaultPollSec         = 5
	defaultMaxAttempts     = 10
	defaultRetryDelaySec   = 60
	defaultRetryInitialSec = 30
	defaultRetryMaxSec     = 900
	defaultQueryTimeoutSec = 60
	defaultSyncSec         = 900
	defaultLookbackDays    = 7
	defaultThresholdSec    = 15
)

// Load reads configuration from the optional yaml file, a .env file, and
// environment variables, in rising precedence. A missing source DSN is not
// an error here: the loader family checks it and fails fast on its own.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:              defaultPort,
		DBPath:                defaultDBFile,
		WorkerCount:           defaultWorkerCount,
		QueueSize:             defaultQueueSize,
		JobTimeoutSec:         defaultJobTimeoutSec,
		PollIntervalSec:       defaultPollSec,
		MaxAttempts:           defaultMaxAttempts,
		RetryDelaySec:         defaultRetryDelaySec,
		RetryInitialSec:       defaultRetryInitialSec,
		RetryMaxSec:           defaultRetryMaxSec,
		SourceQueryTimeoutSec: defaultQueryTimeoutSec,
		SyncIntervalSec:       defaultSyncSec,
		SyncLookbackDays:      defaultLookbackDays,
		AnswerThresholdSec:    defaultThresholdSec,
		StrictConfig:          parseBoolEnv("STRICT_CONFIG"),
	}

	cfg.ConfigPath = getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(cfg.ConfigPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("strict config: %w", fileErr)
		}
		if !errors.Is(fileErr, os.ErrNotExist) {
			log.Printf("config: ignoring unreadable config file %s: %v", cfg.ConfigPath, fileErr)
		}
	} else {
		applyFileConfig(&cfg, fileCfg)
	}

	applyEnv(&cfg)

	cfg.WorkerCount = clampInt(cfg.WorkerCount, 1, 64)
	cfg.QueueSize = clampInt(cfg.QueueSize, minQueueSize, maxQueueSize)

	log.Printf("config: db=%s port=%s workers=%d queue=%d sync_interval=%ds",
		cfg.DBPath, cfg.HTTPPort, cfg.WorkerCount, cfg.QueueSize, cfg.SyncIntervalSec)
	return cfg, nil
}

// RequireSource returns ErrNoSourceURI when the external DSN is missing.
func (c Config) RequireSource() error {
	if c.SourceDatabaseURI == "" {
		return ErrNoSourceURI
	}
	return nil
}

// Reload re-reads the yaml file only, for settings that may change while the
// service runs. Environment overrides still win.
func (c Config) Reload() (Config, error) {
	fileCfg, err := loadFileConfig(c.ConfigPath)
	if err != nil {
		return c, err
	}
	out := c
	applyFileConfig(&out, fileCfg)
	applyEnv(&out)
	return out, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.HTTPPort != "" {
		cfg.HTTPPort = fc.HTTPPort
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.SourceDatabaseURI != "" {
		cfg.SourceDatabaseURI = fc.SourceDatabaseURI
	}
	setIf(&cfg.WorkerCount, fc.WorkerCount)
	setIf(&cfg.QueueSize, fc.QueueSize)
	setIf(&cfg.JobTimeoutSec, fc.JobTimeoutSec)
	setIf(&cfg.MaxAttempts, fc.MaxAttempts)
	setIf(&cfg.RetryDelaySec, fc.RetryDelaySec)
	setIf(&cfg.RetryInitialSec, fc.RetryInitialSec)
	setIf(&cfg.RetryMaxSec, fc.RetryMaxSec)
	setIf(&cfg.SyncIntervalSec, fc.SyncIntervalSec)
	setIf(&cfg.SyncLookbackDays, fc.SyncLookbackDays)
	setIf(&cfg.AnswerThresholdSec, fc.AnswerThreshold)
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.SourceDatabaseURI = getEnv("SOURCE_DATABASE_URI", cfg.SourceDatabaseURI)
	cfg.WorkerCount = getEnvInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.QueueSize = getEnvInt("QUEUE_SIZE", cfg.QueueSize)
	cfg.JobTimeoutSec = getEnvInt("JOB_TIMEOUT_SEC", cfg.JobTimeoutSec)
	cfg.PollIntervalSec = getEnvInt("POLL_INTERVAL_SEC", cfg.PollIntervalSec)
	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.RetryDelaySec = getEnvInt("RETRY_DELAY_SEC", cfg.RetryDelaySec)
	cfg.RetryInitialSec = getEnvInt("RETRY_INITIAL_SEC", cfg.RetryInitialSec)
	cfg.RetryMaxSec = getEnvInt("RETRY_MAX_SEC", cfg.RetryMaxSec)
	cfg.SourceQueryTimeoutSec = getEnvInt("SOURCE_QUERY_TIMEOUT_SEC", cfg.SourceQueryTimeoutSec)
	cfg.SyncIntervalSec = getEnvInt("SYNC_INTERVAL_SEC", cfg.SyncIntervalSec)
	cfg.SyncLookbackDays = getEnvInt("SYNC_LOOKBACK_DAYS", cfg.SyncLookbackDays)
	cfg.AnswerThresholdSec = getEnvInt("ANSWER_THRESHOLD_SEC", cfg.AnswerThresholdSec)
}

func setIf(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: bad integer for %s: %q", key, v)
		return def
	}
	return n
}

func parseBoolEnv(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
