// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for omnisage.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, legacy-format migration, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.omnisage/config.toml
//   - ~/.omnisage/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/omnisage/internal/prompt"
	"github.com/jeranaias/omnisage/internal/registry"
	"github.com/jeranaias/omnisage/internal/util"
)

// CurrentVersion is the config schema version written by this build.
const CurrentVersion = "1.0.0"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete omnisage configuration.
type Config struct {
	// Version is the config schema version, used for migration.
	Version string `toml:"version" json:"version"`

	// DefaultGroup is the model group used when classification finds no
	// better match.
	DefaultGroup string `toml:"default_group" json:"default_group"`

	// Engine is the inference runtime configuration.
	Engine EngineConfig `toml:"engine" json:"engine"`

	// Server is the HTTP API configuration.
	Server ServerConfig `toml:"server" json:"server"`

	// Storage is the chat persistence configuration.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Router is the query classification configuration.
	Router RouterConfig `toml:"router" json:"router"`

	// Groups are the model group definitions.
	Groups []GroupConfig `toml:"groups" json:"groups"`
}

// GroupConfig defines one model group.
type GroupConfig struct {
	Name string `toml:"name" json:"name"`

	// Model is the runtime model identifier.
	Model string `toml:"model" json:"model"`

	// ModelFile is the legacy field that predates runtime-managed models;
	// Migrate backfills Model from it.
	ModelFile string `toml:"model_file,omitempty" json:"model_file,omitempty"`

	MaxContextLength int      `toml:"max_context_length" json:"max_context_length"`
	MaxOutputLength  int      `toml:"max_output_length" json:"max_output_length"`
	StopWords        []string `toml:"stop_words" json:"stop_words"`
	SystemPrompt     string   `toml:"system_prompt" json:"system_prompt"`

	PromptFormat prompt.Template `toml:"prompt_format" json:"prompt_format"`
}

// EngineConfig contains inference runtime settings.
type EngineConfig struct {
	// URL of the runtime API.
	URL string `toml:"url" json:"url"`
	// KeepAlive controls how long loaded models stay resident (e.g. "30m").
	KeepAlive string `toml:"keep_alive" json:"keep_alive"`
	// TimeoutSecs bounds non-streaming generation requests.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	// LoadTimeoutSecs bounds model warm-up loads.
	LoadTimeoutSecs int `toml:"load_timeout_secs" json:"load_timeout_secs"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	// Addr is the listen address for `omnisage serve`.
	Addr string `toml:"addr" json:"addr"`
	// RateLimit is requests per second per client; Burst is the bucket size.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	Burst     int     `toml:"burst" json:"burst"`
	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes"`
	// GenerateTimeoutSecs bounds one generation at the API boundary.
	GenerateTimeoutSecs int `toml:"generate_timeout_secs" json:"generate_timeout_secs"`
	// MaxMessages caps the replayed message count per request.
	MaxMessages int `toml:"max_messages" json:"max_messages"`
	// MaxTokensCap is the largest max_tokens a request may ask for.
	MaxTokensCap int `toml:"max_tokens_cap" json:"max_tokens_cap"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	// Path to the SQLite database. Empty means ~/.omnisage/omnisage.db.
	Path string `toml:"path" json:"path"`
}

// RouterConfig contains query classification settings.
type RouterConfig struct {
	// Dir holds the route definition files. Empty means ~/.omnisage/routers.
	Dir string `toml:"dir" json:"dir"`
	// Watch enables live reload of route files.
	Watch bool `toml:"watch" json:"watch"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values: a ChatML-delimited
// programming group and a llama-delimited general group, matching the models
// a fresh install is expected to have pulled.
func Default() *Config {
	return &Config{
		Version:      CurrentVersion,
		DefaultGroup: "general",

		Engine: EngineConfig{
			URL:             "http://127.0.0.1:11434",
			KeepAlive:       "30m",
			TimeoutSecs:     120,
			LoadTimeoutSecs: 300,
		},

		Server: ServerConfig{
			Addr:                "127.0.0.1:8080",
			RateLimit:           5,
			Burst:               10,
			MaxBodyBytes:        1 << 20, // 1 MiB
			GenerateTimeoutSecs: 300,
			MaxMessages:         200,
			MaxTokensCap:        4096,
		},

		Router: RouterConfig{
			Watch: true,
		},

		Groups: []GroupConfig{
			{
				Name:             "programming",
				Model:            "qwen2.5-3b-instruct",
				MaxContextLength: 2048,
				MaxOutputLength:  512,
				StopWords:        []string{"<|im_end|>"},
				SystemPrompt:     "You are a helpful AI assistant specializing in programming and software development.",
				PromptFormat: prompt.Template{
					SystemPrefix:    "<|im_start|>system\n",
					SystemSuffix:    "<|im_end|>",
					UserPrefix:      "<|im_start|>user\n",
					UserSuffix:      "<|im_end|>",
					AssistantPrefix: "<|im_start|>assistant\n",
					AssistantSuffix: "<|im_end|>",
				},
			},
			{
				Name:             "general",
				Model:            "llama-3.2-3b-instruct",
				MaxContextLength: 2048,
				MaxOutputLength:  512,
				StopWords:        []string{"[/INST]", "</s>", "[INST]"},
				SystemPrompt:     "You are a helpful AI assistant for general knowledge and conversation.",
				PromptFormat: prompt.Template{
					SystemPrefix:    "[INST] <<SYS>>\n",
					SystemSuffix:    "\n<</SYS>>\n",
					UserPrefix:      "[INST] ",
					UserSuffix:      " [/INST]",
					AssistantPrefix: "",
					AssistantSuffix: "</s>",
				},
			},
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the omnisage configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".omnisage"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s). Tries TOML first, then
// JSON, and falls back to defaults. Environment overrides, migration, and
// validation are applied in that order.
func Load() (*Config, error) {
	if tomlPath, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}
	if jsonPath, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Migrate(); err != nil {
		return nil, fmt.Errorf("config migration failed: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read JSON config from %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config from %s: %w", path, err)
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Migrate(); err != nil {
		return nil, fmt.Errorf("config migration failed: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file with a header comment.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("# omnisage configuration file\n")
	sb.WriteString("# Generated by omnisage\n\n")
	encoder := toml.NewEncoder(&sb)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// MIGRATION
// =============================================================================

// Migrate upgrades legacy configuration layouts to the current schema. The
// original file format named models by their weight file; a group carrying
// model_file without model gets model backfilled from it.
func (c *Config) Migrate() error {
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.Model == "" && g.ModelFile != "" {
			g.Model = modelFromFile(g.ModelFile)
		}
	}

	if c.Version == "" {
		c.Version = CurrentVersion
	}
	return nil
}

// modelFromFile derives a runtime model name from a legacy weight file name,
// e.g. "qwen2.5-3b-instruct-q2_k.gguf" becomes "qwen2.5-3b-instruct".
func modelFromFile(file string) string {
	name := strings.TrimSuffix(filepath.Base(file), ".gguf")
	if idx := strings.LastIndex(name, "-q"); idx > 0 && isQuantTag(name[idx+1:]) {
		name = name[:idx]
	}
	return name
}

// isQuantTag matches trailing quantization tags like q2_k, q4_0, q4_k_m.
func isQuantTag(tag string) bool {
	if len(tag) < 2 || tag[0] != 'q' {
		return false
	}
	return tag[1] >= '0' && tag[1] <= '9'
}

// =============================================================================
// DEFAULT BACKFILL
// =============================================================================

// SetDefaults fills any zero-valued settings after load and migration.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.DefaultGroup == "" && len(c.Groups) > 0 {
		c.DefaultGroup = c.Groups[0].Name
	}
	if c.DefaultGroup == "" {
		c.DefaultGroup = defaults.DefaultGroup
	}

	if c.Engine.URL == "" {
		c.Engine.URL = defaults.Engine.URL
	}
	if c.Engine.KeepAlive == "" {
		c.Engine.KeepAlive = defaults.Engine.KeepAlive
	}
	if c.Engine.TimeoutSecs == 0 {
		c.Engine.TimeoutSecs = defaults.Engine.TimeoutSecs
	}
	if c.Engine.LoadTimeoutSecs == 0 {
		c.Engine.LoadTimeoutSecs = defaults.Engine.LoadTimeoutSecs
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = defaults.Server.RateLimit
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = defaults.Server.Burst
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if c.Server.GenerateTimeoutSecs == 0 {
		c.Server.GenerateTimeoutSecs = defaults.Server.GenerateTimeoutSecs
	}
	if c.Server.MaxMessages == 0 {
		c.Server.MaxMessages = defaults.Server.MaxMessages
	}
	if c.Server.MaxTokensCap == 0 {
		c.Server.MaxTokensCap = defaults.Server.MaxTokensCap
	}

	if len(c.Groups) == 0 {
		c.Groups = defaults.Groups
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - OMNISAGE_ENGINE_URL: overrides engine.url
//   - OMNISAGE_ADDR: overrides server.addr
//   - OMNISAGE_DB: overrides storage.path
//   - OMNISAGE_ROUTER_DIR: overrides router.dir
//   - OMNISAGE_DEFAULT_GROUP: overrides default_group
func (c *Config) ApplyEnvOverrides() {
	if engineURL := os.Getenv("OMNISAGE_ENGINE_URL"); engineURL != "" {
		c.Engine.URL = engineURL
	}
	if addr := os.Getenv("OMNISAGE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if db := os.Getenv("OMNISAGE_DB"); db != "" {
		c.Storage.Path = db
	}
	if dir := os.Getenv("OMNISAGE_ROUTER_DIR"); dir != "" {
		c.Router.Dir = dir
	}
	if group := os.Getenv("OMNISAGE_DEFAULT_GROUP"); group != "" {
		c.DefaultGroup = group
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if _, err := url.Parse(c.Engine.URL); err != nil {
		errs = append(errs, ValidationError{
			Field:   "engine.url",
			Message: fmt.Sprintf("invalid URL: %v", err),
		})
	}

	if c.Server.RateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit",
			Message: "must be non-negative",
		})
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_bytes",
			Message: "must be non-negative",
		})
	}

	if len(c.Groups) == 0 {
		errs = append(errs, ValidationError{
			Field:   "groups",
			Message: "at least one model group is required",
		})
	}

	seen := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		field := "groups." + g.Name
		if g.Name == "" {
			errs = append(errs, ValidationError{Field: "groups", Message: "group name must not be empty"})
			continue
		}
		if seen[g.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate group name"})
		}
		seen[g.Name] = true
		if g.Model == "" {
			errs = append(errs, ValidationError{Field: field + ".model", Message: "model must not be empty"})
		}
		if g.MaxContextLength <= 0 {
			errs = append(errs, ValidationError{Field: field + ".max_context_length", Message: "must be positive"})
		}
		if g.MaxOutputLength <= 0 || g.MaxOutputLength > g.MaxContextLength {
			errs = append(errs, ValidationError{
				Field:   field + ".max_output_length",
				Message: fmt.Sprintf("must be in 1..max_context_length, got %d", g.MaxOutputLength),
			})
		}
	}

	if c.DefaultGroup != "" && len(c.Groups) > 0 && !seen[c.DefaultGroup] {
		errs = append(errs, ValidationError{
			Field:   "default_group",
			Message: fmt.Sprintf("unknown group %q", c.DefaultGroup),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DERIVED PATHS AND REGISTRY
// =============================================================================

// DatabasePath resolves the storage path, defaulting under the config dir.
func (c *Config) DatabasePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "omnisage.db"), nil
}

// RouterDir resolves the route-file directory, defaulting under the config
// dir.
func (c *Config) RouterDir() (string, error) {
	if c.Router.Dir != "" {
		return c.Router.Dir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "routers"), nil
}

// Registry builds the model group registry from the configured groups.
func (c *Config) Registry() (*registry.Registry, error) {
	groups := make([]registry.GroupConfig, 0, len(c.Groups))
	for _, g := range c.Groups {
		groups = append(groups, registry.GroupConfig{
			Name:             g.Name,
			Model:            g.Model,
			StopSequences:    g.StopWords,
			MaxContextLength: g.MaxContextLength,
			MaxOutputLength:  g.MaxOutputLength,
			SystemPrompt:     g.SystemPrompt,
			Template:         g.PromptFormat,
		})
	}
	return registry.New(groups, c.DefaultGroup)
}
