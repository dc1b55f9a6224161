// Package config loads the defender configuration from environment
// variables, with an optional .env file for development setups.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/argosec/defender/internal/errkind"
)

// Config is the full runtime configuration of the defender core.
type Config struct {
	RunID     string
	OutputDir string
	Port      int

	// LLM endpoint (OpenAI-compatible chat completions)
	LLMBaseURL     string
	LLMAPIKey      string
	LLMModel       string
	LLMTemperature float64
	LLMTimeout     time.Duration

	// Coder agent
	AgentPort int

	// Alert fan-out
	PollInterval time.Duration
	TailFiles    []string

	// Executor
	MaxExecutionRetries   int
	ExecTimeout           time.Duration
	GlobalExecConcurrency int
	PlannerConcurrency    int

	ShutdownGrace time.Duration

	MetricsPort int
	LogLevel    string
	LogFormat   string
}

const llmTimeoutCeiling = 60 * time.Second

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present (real environment
// variables win). Validation failures are config_invalid errors; the
// caller exits 1 on them.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	cfg := &Config{
		RunID:                 envString("RUN_ID", "run_local"),
		OutputDir:             envString("OUTPUT_DIR", "/outputs"),
		Port:                  envInt("DEFENDER_PORT", 8000),
		LLMBaseURL:            strings.TrimSuffix(os.Getenv("LLM_BASE_URL"), "/"),
		LLMAPIKey:             os.Getenv("LLM_API_KEY"),
		LLMModel:              envString("LLM_MODEL", "gpt-4o-mini"),
		LLMTemperature:        envFloat("LLM_TEMPERATURE", 0.2),
		LLMTimeout:            envDurationSecs("LLM_TIMEOUT_SECS", 30*time.Second),
		AgentPort:             envInt("CODER_AGENT_PORT", 4096),
		PollInterval:          envDurationSecs("AUTO_RESPONDER_INTERVAL_SECS", 5*time.Second),
		MaxExecutionRetries:   envInt("MAX_EXECUTION_RETRIES", 3),
		ExecTimeout:           envDurationSecs("EXEC_TIMEOUT_SECS", 600*time.Second),
		GlobalExecConcurrency: envInt("GLOBAL_EXEC_CONCURRENCY", 8),
		PlannerConcurrency:    envInt("PLANNER_CONCURRENCY", 4),
		ShutdownGrace:         envDurationSecs("SHUTDOWN_GRACE_SECS", 30*time.Second),
		MetricsPort:           envInt("METRICS_PORT", 9091),
		LogLevel:              envString("LOG_LEVEL", "info"),
		LogFormat:             envString("LOG_FORMAT", "auto"),
	}

	if files := strings.TrimSpace(os.Getenv("TAIL_FILES")); files != "" {
		for _, p := range strings.Split(files, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.TailFiles = append(cfg.TailFiles, p)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LLMBaseURL == "" {
		return errkind.New(errkind.KindConfigInvalid, "load_config", errors.New("LLM_BASE_URL is required"))
	}
	if u, err := url.Parse(c.LLMBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errkind.New(errkind.KindConfigInvalid, "load_config",
			fmt.Errorf("LLM_BASE_URL %q is not a valid URL", c.LLMBaseURL))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errkind.New(errkind.KindConfigInvalid, "load_config",
			fmt.Errorf("DEFENDER_PORT %d out of range", c.Port))
	}
	if c.GlobalExecConcurrency <= 0 {
		return errkind.New(errkind.KindConfigInvalid, "load_config",
			fmt.Errorf("GLOBAL_EXEC_CONCURRENCY must be positive, got %d", c.GlobalExecConcurrency))
	}
	if c.MaxExecutionRetries <= 0 {
		return errkind.New(errkind.KindConfigInvalid, "load_config",
			fmt.Errorf("MAX_EXECUTION_RETRIES must be positive, got %d", c.MaxExecutionRetries))
	}
	if c.LLMTimeout > llmTimeoutCeiling {
		log.Warn().Dur("configured", c.LLMTimeout).Dur("ceiling", llmTimeoutCeiling).
			Msg("LLM_TIMEOUT_SECS above hard ceiling, clamping")
		c.LLMTimeout = llmTimeoutCeiling
	}
	return nil
}

// RunDir is the filesystem root for this run's artefacts.
func (c *Config) RunDir() string {
	return filepath.Join(c.OutputDir, c.RunID)
}

// AlertsFile is the alert store NDJSON path.
func (c *Config) AlertsFile() string {
	return filepath.Join(c.RunDir(), "slips", "defender_alerts.ndjson")
}

// StateFile is the processed-fingerprint set path.
func (c *Config) StateFile() string {
	return filepath.Join(c.RunDir(), "processed_alerts.json")
}

// TimelineFile is the structured journal path.
func (c *Config) TimelineFile() string {
	return filepath.Join(c.RunDir(), "auto_responder_timeline.jsonl")
}

// DetailedLogFile is the human-readable log tee path.
func (c *Config) DetailedLogFile() string {
	return filepath.Join(c.RunDir(), "auto_responder_detailed.log")
}

// DefenderDir holds per-execution session transcripts.
func (c *Config) DefenderDir() string {
	return filepath.Join(c.RunDir(), "defender")
}

// LedgerFile is the sqlite execution ledger path.
func (c *Config) LedgerFile() string {
	return filepath.Join(c.RunDir(), "executions.db")
}

// Snapshot returns a loggable view of the configuration with secrets
// removed, for the INIT journal entry.
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"run_id":                  c.RunID,
		"output_dir":              c.OutputDir,
		"port":                    c.Port,
		"llm_base_url":            c.LLMBaseURL,
		"llm_model":               c.LLMModel,
		"llm_temperature":         c.LLMTemperature,
		"llm_timeout_secs":        c.LLMTimeout.Seconds(),
		"agent_port":              c.AgentPort,
		"poll_interval_secs":      c.PollInterval.Seconds(),
		"tail_files":              c.TailFiles,
		"max_execution_retries":   c.MaxExecutionRetries,
		"exec_timeout_secs":       c.ExecTimeout.Seconds(),
		"global_exec_concurrency": c.GlobalExecConcurrency,
		"planner_concurrency":     c.PlannerConcurrency,
		"shutdown_grace_secs":     c.ShutdownGrace.Seconds(),
	}
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("invalid integer, using default")
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("invalid float, using default")
		return fallback
	}
	return f
}

func envDurationSecs(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Warn().Str("var", key).Str("value", v).Msg("invalid seconds value, using default")
		return fallback
	}
	return time.Duration(n) * time.Second
}
