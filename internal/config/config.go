// Package config provides configuration loading and path management.
//
// Configuration merges, in priority order: built-in defaults, the global
// config (~/.config/acplink/), the project config (.acplink/), an explicit
// ACPLINK_CONFIG file, inline ACPLINK_CONFIG_CONTENT, and finally
// environment variable overrides. Config files are JSONC; agent
// definitions live in agents.yaml next to each config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the coordinator's configuration.
type Config struct {
	LogLevel string `json:"logLevel,omitempty"`
	DataDir  string `json:"dataDir,omitempty"`

	HTTP    HTTPConfig    `json:"http"`
	History HistoryConfig `json:"history"`
	Resume  ResumeConfig  `json:"resume"`

	// Agents maps agent id to its launch definition.
	Agents map[string]AgentConfig `json:"agents,omitempty"`
}

// HTTPConfig configures the coordinator's HTTP surface.
type HTTPConfig struct {
	Port       int    `json:"port,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	EnableCORS bool   `json:"enableCORS,omitempty"`
}

// HistoryConfig bounds the context preamble built for unresumed sessions.
type HistoryConfig struct {
	Window           int `json:"window,omitempty"`
	MessageCharLimit int `json:"messageCharLimit,omitempty"`
}

// ResumeConfig tunes the tiered session-acquisition protocol.
type ResumeConfig struct {
	TierTimeoutSeconds int `json:"tierTimeoutSeconds,omitempty"`
	NewSessionRetries  int `json:"newSessionRetries,omitempty"`
}

// TierTimeout returns the per-tier timeout as a duration.
func (r ResumeConfig) TierTimeout() time.Duration {
	return time.Duration(r.TierTimeoutSeconds) * time.Second
}

// AgentConfig describes how to launch one agent process.
type AgentConfig struct {
	Command      string   `json:"command" yaml:"command"`
	Args         []string `json:"args,omitempty" yaml:"args"`
	Env          []string `json:"env,omitempty" yaml:"env"`
	SystemPrompt string   `json:"systemPrompt,omitempty" yaml:"systemPrompt"`
	WorkDir      string   `json:"workDir,omitempty" yaml:"workDir"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		HTTP: HTTPConfig{
			Port:       7433,
			Hostname:   "127.0.0.1",
			EnableCORS: true,
		},
		History: HistoryConfig{
			Window:           40,
			MessageCharLimit: 2000,
		},
		Resume: ResumeConfig{
			TierTimeoutSeconds: 15,
			NewSessionRetries:  3,
		},
		Agents: make(map[string]AgentConfig),
	}
}

// Load builds the effective configuration for a project directory.
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		if loadConfigFile(path, cfg) == nil {
			loaded[absPath] = true
		}
	}

	// Global config.
	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "acplink.json"))
	loadOnce(filepath.Join(globalDir, "acplink.jsonc"))
	loadAgentsFile(filepath.Join(globalDir, "agents.yaml"), cfg)

	// Project config.
	if directory != "" {
		projectDir := filepath.Join(directory, ".acplink")
		loadOnce(filepath.Join(projectDir, "acplink.json"))
		loadOnce(filepath.Join(projectDir, "acplink.jsonc"))
		loadAgentsFile(filepath.Join(projectDir, "agents.yaml"), cfg)
	}

	// Explicit config file override.
	if path := os.Getenv("ACPLINK_CONFIG"); path != "" {
		loadOnce(path)
	}

	// Inline config content.
	if content := os.Getenv("ACPLINK_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			merge(cfg, &inline)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadConfigFile merges one JSONC file into cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, filepath.Dir(path))

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	merge(cfg, &fileCfg)
	return nil
}

// loadAgentsFile merges agent definitions from a YAML file.
func loadAgentsFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var agents map[string]AgentConfig
	if err := yaml.Unmarshal(data, &agents); err != nil {
		return
	}
	for id, agent := range agents {
		cfg.Agents[id] = agent
	}
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate expands {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := filePattern.FindStringSubmatch(match)[1]
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(content))
	})

	return []byte(str)
}

// merge overlays src onto dst, field by field, skipping zero values.
func merge(dst, src *Config) {
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.HTTP.Port != 0 {
		dst.HTTP.Port = src.HTTP.Port
	}
	if src.HTTP.Hostname != "" {
		dst.HTTP.Hostname = src.HTTP.Hostname
	}
	if src.HTTP.EnableCORS {
		dst.HTTP.EnableCORS = true
	}
	if src.History.Window != 0 {
		dst.History.Window = src.History.Window
	}
	if src.History.MessageCharLimit != 0 {
		dst.History.MessageCharLimit = src.History.MessageCharLimit
	}
	if src.Resume.TierTimeoutSeconds != 0 {
		dst.Resume.TierTimeoutSeconds = src.Resume.TierTimeoutSeconds
	}
	if src.Resume.NewSessionRetries != 0 {
		dst.Resume.NewSessionRetries = src.Resume.NewSessionRetries
	}
	for id, agent := range src.Agents {
		dst.Agents[id] = agent
	}
}

// applyEnvOverrides applies ACPLINK_* environment variables, the highest
// priority source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACPLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ACPLINK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ACPLINK_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}
}
