package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the acpx bridge server.
type Config struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	AgentCommand   string        `yaml:"agent_command"`
	AgentArgs      []string      `yaml:"agent_args"`
	AgentEnv       []string      `yaml:"agent_env"`
	WorkspaceRoot  string        `yaml:"workspace_root"`
	SinkURL        string        `yaml:"sink_url"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisStream    string        `yaml:"redis_stream"`
	AllowedTools   []string      `yaml:"allowed_tools"`
	DeniedTools    []string      `yaml:"denied_tools"`
	EventBuffer    int           `yaml:"event_buffer"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	SSEHeartbeat   time.Duration `yaml:"sse_heartbeat"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.AgentCommand == "" {
		c.AgentCommand = "claude-code-acp"
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "/workspace"
	}
	if c.RedisStream == "" {
		c.RedisStream = "acpx:events"
	}
	if c.AllowedTools == nil {
		c.AllowedTools = []string{
			"container_exec",
			"container_file_read",
			"container_file_write",
			"browser_navigate",
			"browser_snapshot",
			"browser_click",
		}
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 1024
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.SSEHeartbeat == 0 {
		c.SSEHeartbeat = 15 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = defaultConfigPath()
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *Config) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("AGENT_COMMAND", ""); v != "" {
		c.AgentCommand = v
	}
	if v := getEnv("AGENT_ARGS", ""); v != "" {
		c.AgentArgs = splitComma(v)
	}
	if v := getEnv("WORKSPACE_ROOT", ""); v != "" {
		c.WorkspaceRoot = v
	}
	if v := getEnv("SINK_URL", ""); v != "" {
		c.SinkURL = v
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("REDIS_STREAM", ""); v != "" {
		c.RedisStream = v
	}
	if v := getEnv("ALLOWED_TOOLS", ""); v != "" {
		c.AllowedTools = splitComma(v)
	}
	if v := getEnv("DENIED_TOOLS", ""); v != "" {
		c.DeniedTools = splitComma(v)
	}
	if v := getEnv("EVENT_BUFFER", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EventBuffer = n
		}
	}
	if v := getEnv("SHUTDOWN_GRACE", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ShutdownGrace = d
		}
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults.
func (c *Config) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.AgentCommand, "agent-command", c.AgentCommand, "path to the ACP agent binary spawned per session")
	flag.Func("agent-args", "comma separated arguments passed to the agent binary", func(v string) error {
		c.AgentArgs = splitComma(v)
		return nil
	})
	flag.StringVar(&c.WorkspaceRoot, "workspace-root", c.WorkspaceRoot, "root directory agent sessions run under")
	flag.StringVar(&c.SinkURL, "sink-url", c.SinkURL, "external event sink URL; leave empty to disable forwarding")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for the optional transcript mirror")
	flag.StringVar(&c.RedisStream, "redis-stream", c.RedisStream, "redis stream key for the transcript mirror")
	flag.Func("allowed-tools", "comma separated allow-list of host tool names", func(v string) error {
		c.AllowedTools = splitComma(v)
		return nil
	})
	flag.Func("denied-tools", "comma separated deny-list of agent built-in tools", func(v string) error {
		c.DeniedTools = splitComma(v)
		return nil
	})
	flag.IntVar(&c.EventBuffer, "event-buffer", c.EventBuffer, "transcript ring buffer capacity per session")
	flag.DurationVar(&c.ShutdownGrace, "shutdown-grace", c.ShutdownGrace, "time between SIGTERM and SIGKILL on shutdown")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/acpx/bridge.yaml"
	}
	return "bridge.yaml"
}

func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
