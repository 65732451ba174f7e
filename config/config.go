package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/viper"

	"github.com/hexonal/splitmind/log"
)

const (
	ConfigFileName        = "config.json"
	ProjectConfigFileName = "project.json"
	defaultProgram        = "claude"
)

// MCPServerConfig represents the configuration for an MCP server an agent
// may itself act as a client of. This is distinct from the coordination
// RPC surface, which every agent always speaks regardless of MCPServers.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

// GetConfigDir returns the path to the application's configuration directory.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".splitmind"), nil
}

// Config is the global configuration. Load layers (highest precedence
// first) environment variables, ~/.splitmind/config.json and compiled-in
// defaults; ApplyOverride then lays <project_root>/.splitmind/project.json
// on top for the fields it sets.
type Config struct {
	// DefaultAgentProgram is the external agent process spawned by SS.
	DefaultAgentProgram string `json:"default_agent_program" mapstructure:"default_agent_program"`
	// AutoYes auto-accepts agent prompts that would otherwise block on input.
	AutoYes bool `json:"auto_yes" mapstructure:"auto_yes"`
	// DaemonPollIntervalMS is the scheduler's tick interval (§4.5).
	DaemonPollIntervalMS int `json:"daemon_poll_interval_ms" mapstructure:"daemon_poll_interval_ms"`
	// MaxConcurrentAgents is the global concurrency cap combined with a
	// project's own max_agents via min() (§4.5(a)).
	MaxConcurrentAgents int `json:"max_concurrent_agents" mapstructure:"max_concurrent_agents"`
	// BranchPrefix is prepended ahead of "task-<task_id>" when a project
	// wants namespaced branches (e.g. multi-tenant repositories).
	BranchPrefix string `json:"branch_prefix" mapstructure:"branch_prefix"`
	// CoordinationEndpoint is the CR address injected into every agent
	// wrapper as COORDINATION_ENDPOINT (§6).
	CoordinationEndpoint string `json:"coordination_endpoint" mapstructure:"coordination_endpoint"`
	// ConsoleShell is the shell command used for interactive diagnostics.
	ConsoleShell string `json:"console_shell" mapstructure:"console_shell"`
	// MCPServers passes through unchanged to agent processes that are
	// themselves MCP clients of third-party tools (§10.3).
	MCPServers map[string]MCPServerConfig `json:"mcp_servers,omitempty" mapstructure:"mcp_servers"`
}

// DefaultConfig returns the compiled-in default configuration.
func DefaultConfig() *Config {
	program, err := GetAgentCommand(defaultProgram)
	if err != nil {
		log.ErrorLog.Printf("failed to resolve agent command: %v", err)
		program = defaultProgram
	}

	defaultShell := os.Getenv("SHELL")
	if defaultShell == "" {
		defaultShell = "/bin/bash"
	}

	return &Config{
		DefaultAgentProgram:  program,
		AutoYes:              false,
		DaemonPollIntervalMS: 60000,
		MaxConcurrentAgents:  3,
		BranchPrefix: func() string {
			u, err := user.Current()
			if err != nil || u == nil || u.Username == "" {
				log.ErrorLog.Printf("failed to get current user: %v", err)
				return ""
			}
			return fmt.Sprintf("%s/", strings.ToLower(u.Username))
		}(),
		CoordinationEndpoint: "stdio",
		ConsoleShell:         defaultShell,
		MCPServers:           make(map[string]MCPServerConfig),
	}
}

// GetAgentCommand attempts to find program in the user's shell, the same way
// the original resolved "claude": shell alias resolution, then PATH lookup.
func GetAgentCommand(program string) (string, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	var shellCmd string
	if strings.Contains(shell, "zsh") {
		shellCmd = fmt.Sprintf("source ~/.zshrc 2>/dev/null || true; which %s", program)
	} else if strings.Contains(shell, "bash") {
		shellCmd = fmt.Sprintf("source ~/.bashrc 2>/dev/null || true; which %s", program)
	} else {
		shellCmd = fmt.Sprintf("which %s", program)
	}

	cmd := exec.Command(shell, "-c", shellCmd)
	output, err := cmd.Output()
	if err == nil && len(output) > 0 {
		path := strings.TrimSpace(string(output))
		if path != "" {
			aliasRegex := regexp.MustCompile(`(?:aliased to|->|=)\s*([^\s]+)`)
			if matches := aliasRegex.FindStringSubmatch(path); len(matches) > 1 {
				path = matches[1]
			}
			return path, nil
		}
	}

	if resolved, err := exec.LookPath(program); err == nil {
		return resolved, nil
	}

	return "", fmt.Errorf("%s command not found in aliases or PATH", program)
}

// Load reads ~/.splitmind/config.json layered with environment variable
// overrides via viper, falling back to DefaultConfig when absent or invalid.
// Env vars use the SPLITMIND_ prefix, e.g. SPLITMIND_MAX_CONCURRENT_AGENTS.
func Load() *Config {
	cfg := DefaultConfig()

	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return cfg
	}

	v := viper.New()
	v.SetConfigName(strings.TrimSuffix(ConfigFileName, filepath.Ext(ConfigFileName)))
	v.SetConfigType("json")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("splitmind")
	v.AutomaticEnv()
	v.SetDefault("default_agent_program", cfg.DefaultAgentProgram)
	v.SetDefault("auto_yes", cfg.AutoYes)
	v.SetDefault("daemon_poll_interval_ms", cfg.DaemonPollIntervalMS)
	v.SetDefault("max_concurrent_agents", cfg.MaxConcurrentAgents)
	v.SetDefault("branch_prefix", cfg.BranchPrefix)
	v.SetDefault("coordination_endpoint", cfg.CoordinationEndpoint)
	v.SetDefault("console_shell", cfg.ConsoleShell)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			if saveErr := Save(cfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return cfg
		}
		log.WarningLog.Printf("failed to read config file: %v", err)
		return cfg
	}

	if err := v.Unmarshal(cfg); err != nil {
		log.ErrorLog.Printf("failed to decode config: %v", err)
		return DefaultConfig()
	}
	return cfg
}

// ProjectOverride is the subset of Config a single project may override,
// persisted at <project_root>/.splitmind/project.json (§10.3).
type ProjectOverride struct {
	MaxAgents            int    `json:"max_agents,omitempty"`
	BranchPrefix         string `json:"branch_prefix,omitempty"`
	CoordinationEndpoint string `json:"coordination_endpoint,omitempty"`
	DefaultAgentProgram  string `json:"default_agent_program,omitempty"`
}

// LoadProjectOverride reads a project's local override file, if present.
func LoadProjectOverride(projectRoot string) (*ProjectOverride, error) {
	path := filepath.Join(projectRoot, ".splitmind", ProjectConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProjectOverride{}, nil
		}
		return nil, fmt.Errorf("failed to read project override: %w", err)
	}
	var o ProjectOverride
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse project override: %w", err)
	}
	return &o, nil
}

// ApplyOverride merges a project override onto a copy of the global config.
func ApplyOverride(global *Config, o *ProjectOverride) *Config {
	merged := *global
	if o.BranchPrefix != "" {
		merged.BranchPrefix = o.BranchPrefix
	}
	if o.CoordinationEndpoint != "" {
		merged.CoordinationEndpoint = o.CoordinationEndpoint
	}
	if o.DefaultAgentProgram != "" {
		merged.DefaultAgentProgram = o.DefaultAgentProgram
	}
	return &merged
}

// Save persists the configuration to ~/.splitmind/config.json.
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomicWriteFile(configPath, data, 0644)
}

// isAgentCommand reports whether program looks like the configured agent
// binary, used to decide whether to append --mcp-config.
func isAgentCommand(program, agentName string) bool {
	if program == "" {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(program))
	parts := strings.Fields(normalized)
	if len(parts) == 0 {
		return false
	}
	base := filepath.Base(parts[0])
	return strings.Contains(base, strings.ToLower(agentName))
}

// generateMCPConfigFile creates a temporary MCP configuration file.
func generateMCPConfigFile(mcpServers map[string]MCPServerConfig) (string, error) {
	if len(mcpServers) == 0 {
		return "", fmt.Errorf("no MCP servers configured")
	}

	mcpConfig := map[string]interface{}{"mcpServers": mcpServers}
	configData, err := json.MarshalIndent(mcpConfig, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal MCP config: %w", err)
	}

	tmpFile, err := ioutil.TempFile("", "mcp-config-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer tmpFile.Close()

	if _, err := tmpFile.Write(configData); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("failed to write MCP config: %w", err)
	}

	return tmpFile.Name(), nil
}

// generateMCPConfigWithRetry retries MCP config generation with bounded
// exponential backoff (§11: backoff/v4 replaces the hand-rolled math.Pow
// retry the teacher used here).
func generateMCPConfigWithRetry(mcpServers map[string]MCPServerConfig, maxElapsed time.Duration) (string, error) {
	var configFile string
	op := func() error {
		var err error
		configFile, err = generateMCPConfigFile(mcpServers)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	notify := func(err error, wait time.Duration) {
		log.WarningLog.Printf("MCP config generation failed, retrying in %s: %v", wait, err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", fmt.Errorf("failed to generate MCP config: %w", err)
	}
	return configFile, nil
}

// ModifyCommandWithMCP appends --mcp-config to originalCommand when it is
// the configured agent program and MCP servers are configured.
func ModifyCommandWithMCP(originalCommand string, cfg *Config) string {
	if cfg == nil || !isAgentCommand(originalCommand, defaultProgram) || len(cfg.MCPServers) == 0 {
		return originalCommand
	}

	configFile, err := generateMCPConfigWithRetry(cfg.MCPServers, 10*time.Second)
	if err != nil {
		log.ErrorLog.Printf("MCP config failed, running agent without MCPs: %v", err)
		return originalCommand
	}

	return originalCommand + " --mcp-config " + configFile
}

// CleanupMCPConfigFile removes the temporary MCP configuration file. Paths
// whose base name does not contain "mcp-config" are left in place.
func CleanupMCPConfigFile(configFile string) error {
	if configFile == "" || !strings.Contains(filepath.Base(configFile), "mcp-config") {
		return nil
	}
	if err := os.Remove(configFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to cleanup MCP config file: %w", err)
	}
	return nil
}
