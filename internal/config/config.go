// Package config loads agent configuration from environment variables, with
// an optional YAML file supplement for values operators prefer to manage as
// a static file (group membership, manager endpoint). Group membership is
// runtime-mutable behind a mutex (SetGroups/Groups); every other field is
// fixed after loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds agent configuration. Fields with getter/setter methods below
// are runtime-mutable; everything else is fixed for the process lifetime.
type Config struct {
	// Manager connection
	ServerHost    string
	ServerPort    string
	ServerScheme  string
	TLSVerifyMode string // "certificate" (chain-only) or "full" (chain + hostname)

	// Storage
	DataDir string
	DBPath  string

	// Logging
	LogJSON bool

	// Observability
	MetricsEnabled bool
	MetricsAddr    string
	TracingEnabled bool
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string

	// One-shot registration (not persisted; consumed once by Registration)
	EnrollUser     string
	EnrollPassword string
	AgentName      string

	// Communicator tuning
	SafetySkew       time.Duration
	LongPollWait     time.Duration
	RetryInterval    time.Duration
	BatchSize        int
	BatchBytes       int64
	MaxPoisonRetries int

	// CommandHandler tuning
	CommandIdleBackoff time.Duration
	CommandTimeout     time.Duration
	WedgedSweepCron    string // cron schedule, e.g. "@every 5m"
	WedgedTimeout      time.Duration

	// TaskManager
	WorkerPoolSize int

	// InstanceCommunicator
	IPCEndpoint string

	// Queue channel limits
	StatelessMaxCount int
	StatelessMaxBytes int64
	StatefulMaxCount  int
	StatefulMaxBytes  int64
	CommandMaxCount   int
	CommandMaxBytes   int64

	// mu protects the mutable fields below.
	mu     sync.RWMutex
	groups []string
}

// fileConfig is the subset of Config loadable from an optional YAML file.
// Only non-zero fields override what Load already read from the
// environment -- the file is a supplement, not a replacement.
type fileConfig struct {
	ServerHost string   `yaml:"server_host"`
	ServerPort string   `yaml:"server_port"`
	AgentName  string   `yaml:"agent_name"`
	Groups     []string `yaml:"groups"`
}

// NewTestConfig returns a Config with sensible defaults for tests.
func NewTestConfig() *Config {
	return &Config{
		ServerHost:         "127.0.0.1",
		ServerPort:         "55000",
		ServerScheme:       "https",
		TLSVerifyMode:      "full",
		DataDir:            "/tmp",
		DBPath:             "/tmp/agent.db",
		SafetySkew:         30 * time.Second,
		LongPollWait:       30 * time.Second,
		RetryInterval:      time.Second,
		BatchSize:          100,
		MaxPoisonRetries:   5,
		CommandIdleBackoff: time.Second,
		CommandTimeout:     5 * time.Minute,
		WedgedSweepCron:    "@every 5m",
		WedgedTimeout:      10 * time.Minute,
		WorkerPoolSize:     4,
		StatelessMaxCount:  10000,
		StatefulMaxCount:   10000,
		CommandMaxCount:    1000,
	}
}

// Load reads configuration from AGENT_* environment variables, then -- if
// yamlPath is non-empty and the file exists -- overlays any fields the file
// sets explicitly. A missing yamlPath is not an error.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		ServerHost:    envStr("AGENT_SERVER_HOST", "127.0.0.1"),
		ServerPort:    envStr("AGENT_SERVER_PORT", "55000"),
		ServerScheme:  envStr("AGENT_SERVER_SCHEME", "https"),
		TLSVerifyMode: envStr("AGENT_TLS_VERIFY_MODE", "full"),

		DataDir: envStr("AGENT_DATA_DIR", "/var/lib/agent"),
		DBPath:  envStr("AGENT_DB_PATH", "/var/lib/agent/agent.db"),

		LogJSON: envBool("AGENT_LOG_JSON", true),

		MetricsEnabled: envBool("AGENT_METRICS_ENABLED", false),
		MetricsAddr:    envStr("AGENT_METRICS_ADDR", ":9090"),
		TracingEnabled: envBool("AGENT_TRACING_ENABLED", false),
		OTLPEndpoint:   envStr("AGENT_OTLP_ENDPOINT", "localhost:4317"),
		ServiceName:    envStr("AGENT_SERVICE_NAME", "agent"),
		ServiceVersion: envStr("AGENT_SERVICE_VERSION", "dev"),

		EnrollUser:     envStr("AGENT_ENROLL_USER", ""),
		EnrollPassword: envStr("AGENT_ENROLL_PASSWORD", ""),
		AgentName:      envStr("AGENT_NAME", ""),

		SafetySkew:       envDuration("AGENT_SAFETY_SKEW", 30*time.Second),
		LongPollWait:     envDuration("AGENT_LONG_POLL_WAIT", 30*time.Second),
		RetryInterval:    envDuration("AGENT_RETRY_INTERVAL", time.Second),
		BatchSize:        envInt("AGENT_BATCH_SIZE", 100),
		BatchBytes:       envInt64("AGENT_BATCH_BYTES", 1<<20),
		MaxPoisonRetries: envInt("AGENT_MAX_POISON_RETRIES", 5),

		CommandIdleBackoff: envDuration("AGENT_COMMAND_IDLE_BACKOFF", time.Second),
		CommandTimeout:     envDuration("AGENT_COMMAND_TIMEOUT", 5*time.Minute),
		WedgedSweepCron:    envStr("AGENT_WEDGED_SWEEP_CRON", "@every 5m"),
		WedgedTimeout:      envDuration("AGENT_WEDGED_TIMEOUT", 10*time.Minute),

		WorkerPoolSize: envInt("AGENT_WORKER_POOL_SIZE", 4),

		IPCEndpoint: envStr("AGENT_IPC_ENDPOINT", ""),

		StatelessMaxCount: envInt("AGENT_STATELESS_MAX_COUNT", 10000),
		StatelessMaxBytes: envInt64("AGENT_STATELESS_MAX_BYTES", 0),
		StatefulMaxCount:  envInt("AGENT_STATEFUL_MAX_COUNT", 10000),
		StatefulMaxBytes:  envInt64("AGENT_STATEFUL_MAX_BYTES", 0),
		CommandMaxCount:   envInt("AGENT_COMMAND_MAX_COUNT", 1000),
		CommandMaxBytes:   envInt64("AGENT_COMMAND_MAX_BYTES", 0),
	}

	if groups := envStr("AGENT_GROUPS", ""); groups != "" {
		cfg.groups = splitCommaList(groups)
	}

	if yamlPath != "" {
		if _, err := os.Stat(yamlPath); err == nil {
			if err := cfg.overlayYAML(yamlPath); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", yamlPath, err)
		}
	}

	return cfg, nil
}

func (c *Config) overlayYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if fc.ServerHost != "" {
		c.ServerHost = fc.ServerHost
	}
	if fc.ServerPort != "" {
		c.ServerPort = fc.ServerPort
	}
	if fc.AgentName != "" {
		c.AgentName = fc.AgentName
	}
	if len(fc.Groups) > 0 {
		c.mu.Lock()
		c.groups = append([]string(nil), fc.Groups...)
		c.mu.Unlock()
	}
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerHost == "" {
		errs = append(errs, fmt.Errorf("AGENT_SERVER_HOST must be set"))
	}
	switch c.TLSVerifyMode {
	case "certificate", "full":
	default:
		errs = append(errs, fmt.Errorf("AGENT_TLS_VERIFY_MODE must be certificate or full, got %q", c.TLSVerifyMode))
	}
	if c.SafetySkew <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_SAFETY_SKEW must be > 0, got %s", c.SafetySkew))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_BATCH_SIZE must be > 0, got %d", c.BatchSize))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_WORKER_POOL_SIZE must be > 0, got %d", c.WorkerPoolSize))
	}
	return errors.Join(errs...)
}

// Groups returns the agent's current group membership (thread-safe).
func (c *Config) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.groups...)
}

// SetGroups replaces the agent's group membership at runtime (thread-safe).
// Duplicates are rejected.
func (c *Config) SetGroups(groups []string) error {
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if _, dup := seen[g]; dup {
			return fmt.Errorf("config: duplicate group %q", g)
		}
		seen[g] = struct{}{}
	}
	c.mu.Lock()
	c.groups = append([]string(nil), groups...)
	c.mu.Unlock()
	return nil
}

// Values returns non-sensitive configuration as a string map for display.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"AGENT_SERVER_HOST":      c.ServerHost,
		"AGENT_SERVER_PORT":      c.ServerPort,
		"AGENT_SERVER_SCHEME":    c.ServerScheme,
		"AGENT_TLS_VERIFY_MODE":  c.TLSVerifyMode,
		"AGENT_DATA_DIR":         c.DataDir,
		"AGENT_DB_PATH":          c.DBPath,
		"AGENT_LOG_JSON":         fmt.Sprintf("%t", c.LogJSON),
		"AGENT_METRICS_ENABLED":  fmt.Sprintf("%t", c.MetricsEnabled),
		"AGENT_TRACING_ENABLED":  fmt.Sprintf("%t", c.TracingEnabled),
		"AGENT_NAME":             c.AgentName,
		"AGENT_GROUPS":           strings.Join(c.Groups(), ","),
		"AGENT_SAFETY_SKEW":      c.SafetySkew.String(),
		"AGENT_WORKER_POOL_SIZE": fmt.Sprintf("%d", c.WorkerPoolSize),
	}
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
