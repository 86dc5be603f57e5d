// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects how agents are addressed.
type Mode string

const (
	// ModeDev calls agents directly on localhost ports.
	ModeDev Mode = "dev"
	// ModeProd calls agents through the AgentEx forwarding platform.
	ModeProd Mode = "prod"
)

// Agent identifiers used throughout the gateway.
const (
	AgentOrchestrator = "orchestrator"
	AgentSimulator    = "simulator"
	AgentJudge        = "judge"
)

// Agents lists every agent the gateway talks to, in display order.
var Agents = []string{AgentOrchestrator, AgentSimulator, AgentJudge}

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	Mode        Mode
	AgentEx     AgentExConfig
	AgentsByID  map[string]AgentConfig
	Timeout     TimeoutConfig
	Poll        PollConfig
	LLM         LLMConfig
	Trace       TraceConfig

	ReferenceDBPath string
	EvalConcurrency int
	MaxUploadBytes  int64
}

// AgentExConfig holds the forwarding platform endpoint and credentials.
type AgentExConfig struct {
	BaseURL   string
	APIKey    string
	AccountID string
}

// AgentConfig describes how to reach one agent.
type AgentConfig struct {
	Name           string // platform agent name (prod)
	Port           int    // localhost port (dev)
	GRPCHealthAddr string // optional grpc health endpoint
}

// TimeoutConfig bounds outbound calls.
type TimeoutConfig struct {
	AgentCall   time.Duration
	HealthProbe time.Duration
	LLMCall     time.Duration
}

// PollConfig controls long-running job polling.
type PollConfig struct {
	MaxAttempts int
	Interval    time.Duration
}

// LLMConfig configures the direct completion fallback.
type LLMConfig struct {
	APIKey        string
	Model         string
	BaseURL       string
	RatePerMinute int
	Burst         int
}

// TraceConfig controls the trace side log.
type TraceConfig struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	llmKey := getEnv("LLM_API_KEY", "")
	if llmKey == "" {
		llmKey = getEnv("OPENAI_API_KEY", "")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Mode:        Mode(strings.ToLower(getEnv("AGENT_MODE", string(ModeDev)))),
		AgentEx: AgentExConfig{
			BaseURL:   strings.TrimRight(getEnv("AGENTEX_BASE_URL", ""), "/"),
			APIKey:    getEnv("AGENTEX_API_KEY", ""),
			AccountID: getEnv("AGENTEX_ACCOUNT_ID", ""),
		},
		AgentsByID: map[string]AgentConfig{
			AgentOrchestrator: loadAgent("ORCHESTRATOR", "simulab-orchestrator", 8001),
			AgentSimulator:    loadAgent("SIMULATOR", "simulab-simulator", 8002),
			AgentJudge:        loadAgent("JUDGE", "simulab-judge", 8003),
		},
		Timeout: TimeoutConfig{
			AgentCall:   getEnvDuration("AGENT_CALL_TIMEOUT", 60*time.Second),
			HealthProbe: getEnvDuration("HEALTH_PROBE_TIMEOUT", 1500*time.Millisecond),
			LLMCall:     getEnvDuration("LLM_CALL_TIMEOUT", 90*time.Second),
		},
		Poll: PollConfig{
			MaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 60),
			Interval:    getEnvDuration("POLL_INTERVAL", 2*time.Second),
		},
		LLM: LLMConfig{
			APIKey:        llmKey,
			Model:         getEnv("LLM_MODEL", "gpt-4o-mini"),
			BaseURL:       getEnv("LLM_BASE_URL", ""),
			RatePerMinute: getEnvInt("LLM_RATE_PER_MINUTE", 30),
			Burst:         getEnvInt("LLM_BURST", 5),
		},
		Trace: TraceConfig{
			Enabled:   getEnvBool("TRACE_LOG_ENABLED", true),
			Path:      getEnv("TRACE_LOG_PATH", "./data/logs/trace.ndjson"),
			QueueSize: getEnvInt("TRACE_QUEUE_SIZE", 256),
		},
		ReferenceDBPath: getEnv("REFERENCE_DB_PATH", ""),
		EvalConcurrency: getEnvInt("EVAL_CONCURRENCY", 8),
		MaxUploadBytes:  int64(getEnvInt("MAX_UPLOAD_BYTES", 25<<20)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadAgent(prefix, defaultName string, defaultPort int) AgentConfig {
	return AgentConfig{
		Name:           getEnv(prefix+"_AGENT_NAME", defaultName),
		Port:           getEnvInt(prefix+"_PORT", defaultPort),
		GRPCHealthAddr: getEnv(prefix+"_GRPC_HEALTH_ADDR", ""),
	}
}

// Validate checks that all required configuration fields are set.
// Missing AgentEx credentials are not an error here: callers check IsConfigured
// before issuing prod calls so the server can still start and report it.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Mode != ModeDev && c.Mode != ModeProd {
		return fmt.Errorf("AGENT_MODE must be %q or %q, got %q", ModeDev, ModeProd, c.Mode)
	}
	for _, id := range Agents {
		a, ok := c.AgentsByID[id]
		if !ok {
			return fmt.Errorf("agent %s is not configured", id)
		}
		if a.Name == "" {
			return fmt.Errorf("%s agent name cannot be empty", id)
		}
		if a.Port <= 0 || a.Port > 65535 {
			return fmt.Errorf("%s agent port %d out of range", id, a.Port)
		}
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be > 0")
	}
	if c.Poll.Interval < 0 {
		return fmt.Errorf("POLL_INTERVAL cannot be negative")
	}
	if c.Timeout.AgentCall <= 0 {
		return fmt.Errorf("AGENT_CALL_TIMEOUT must be > 0")
	}
	if c.Timeout.HealthProbe <= 0 {
		return fmt.Errorf("HEALTH_PROBE_TIMEOUT must be > 0")
	}
	if c.EvalConcurrency <= 0 {
		return fmt.Errorf("EVAL_CONCURRENCY must be > 0")
	}
	if c.LLM.RatePerMinute <= 0 {
		return fmt.Errorf("LLM_RATE_PER_MINUTE must be > 0")
	}
	if c.Trace.Enabled && c.Trace.Path == "" {
		return fmt.Errorf("TRACE_LOG_PATH cannot be empty when tracing is enabled")
	}
	if c.Trace.QueueSize <= 0 {
		return fmt.Errorf("TRACE_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if agents are addressed on localhost.
func (c *Config) IsDevelopment() bool {
	return c.Mode != ModeProd
}

// AgentExConfigured reports whether platform credentials are present.
func (c *Config) AgentExConfigured() bool {
	return c.AgentEx.BaseURL != "" && c.AgentEx.APIKey != "" && c.AgentEx.AccountID != ""
}

// Agent returns the configuration for an agent identifier.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	a, ok := c.AgentsByID[id]
	return a, ok
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("1.5s") or plain milliseconds ("1500").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
