// Package config handles Patchbay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./patchbay.yaml, ~/.config/patchbay/patchbay.yaml,
// /etc/patchbay/patchbay.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"patchbay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "patchbay", "patchbay.yaml"))
	}

	paths = append(paths, "/etc/patchbay/patchbay.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Patchbay configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	LLM         LLMConfig         `yaml:"llm"`
	Agent       AgentConfig       `yaml:"agent"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig defines the API server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GatewayConfig describes how to reach the studio tool server.
// Exactly one of Script, Command, or URL should be set; URL wins over
// Command, which wins over Script.
type GatewayConfig struct {
	// Script is a server source file launched over stdio. The
	// interpreter is inferred from the extension (.js/.ts → node,
	// .py → python).
	Script string `yaml:"script"`
	// Command is an explicit executable launched over stdio.
	Command string `yaml:"command"`
	// Args are extra arguments for Script or Command.
	Args []string `yaml:"args"`
	// Env entries (KEY=value) are added to the subprocess environment.
	Env []string `yaml:"env"`
	// URL points at a server speaking streamable HTTP.
	URL string `yaml:"url"`
	// Headers are sent with every request to URL.
	Headers map[string]string `yaml:"headers"`
}

// LLMConfig defines model provider settings.
type LLMConfig struct {
	// DefaultProvider is used when a request does not select one.
	DefaultProvider string         `yaml:"default_provider"`
	Gemini          ProviderConfig `yaml:"gemini"`
	Anthropic       ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig holds one provider's credentials and model choice.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	// Model overrides the provider's default model when set.
	Model string `yaml:"model"`
}

// AgentConfig tunes the tool-calling loop.
type AgentConfig struct {
	// MaxIterations caps model→tool rounds per request (default 10).
	MaxIterations int `yaml:"max_iterations"`
	// SystemPrompt replaces the compiled-in system prompt when set.
	SystemPrompt string `yaml:"system_prompt"`
}

// TranscriptsConfig controls run transcript persistence.
type TranscriptsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls process logging.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file. Absent keys keep their
// defaults; ${VAR} references are expanded from the environment before
// parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	// Paths in the file may use ~ for the invoking user's home.
	cfg.Gateway.Script = expandHome(cfg.Gateway.Script)
	cfg.Gateway.Command = expandHome(cfg.Gateway.Command)
	cfg.Transcripts.Path = expandHome(cfg.Transcripts.Path)

	return cfg, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8000},
		LLM:    LLMConfig{DefaultProvider: "gemini"},
		Transcripts: TranscriptsConfig{
			Enabled: true,
			Path:    "patchbay.db",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultYAML is the commented starter file written by `patchbay init`.
const DefaultYAML = `# Patchbay configuration.
# Values supporting ${VAR} are expanded from the environment at load time.

server:
  host: 127.0.0.1
  port: 8000

# How to reach the studio tool server. Set exactly one of script,
# command, or url.
gateway:
  script: ../studio-server/dist/server.js
  # command: studio-server
  # args: ["--stdio"]
  # env: ["STUDIO_ENV=dev"]
  # url: http://127.0.0.1:5200/mcp
  # headers:
  #   Authorization: Bearer ${STUDIO_TOKEN}

llm:
  default_provider: gemini
  gemini:
    api_key: ${GEMINI_API_KEY}
    # model: gemini-2.5-flash
  anthropic:
    api_key: ${ANTHROPIC_API_KEY}
    # model: claude-sonnet-4-20250514

agent:
  max_iterations: 10
  # system_prompt: |
  #   Replace the built-in studio prompt.

transcripts:
  enabled: true
  path: patchbay.db

logging:
  level: info # trace, debug, info, warn, error
  format: text # text or json
`
