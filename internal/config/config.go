// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for polychat.
//
// Configuration lives in TOML with sensible defaults and environment
// variable overrides:
//   - ~/.polychat/config.toml
//   - Built-in defaults
//
// Environment overrides (applied after file load):
//   - POLYCHAT_GEMINI_KEY, POLYCHAT_OPENAI_KEY, POLYCHAT_GROQ_KEY
//   - POLYCHAT_GEMINI_URL, POLYCHAT_OPENAI_URL, POLYCHAT_GROQ_URL
//   - POLYCHAT_MODEL
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/polychat/internal/model"
	"github.com/jeranaias/polychat/internal/provider/gemini"
	"github.com/jeranaias/polychat/internal/provider/openaicompat"
	"github.com/jeranaias/polychat/internal/verify"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete polychat configuration.
type Config struct {
	// DefaultModel is selected at startup when the persisted session does
	// not name one.
	DefaultModel string `toml:"default_model"`

	// SystemInstruction is the default system instruction for new sessions.
	SystemInstruction string `toml:"system_instruction"`

	Gemini ProviderConfig `toml:"gemini"`
	OpenAI ProviderConfig `toml:"openai"`
	Groq   ProviderConfig `toml:"groq"`

	Persistence PersistenceConfig `toml:"persistence"`
}

// ProviderConfig holds one backend's credentials and endpoint.
type ProviderConfig struct {
	// APIKey authenticates against the backend. Empty disables the
	// provider.
	APIKey string `toml:"api_key"`
	// BaseURL overrides the backend's default API root.
	BaseURL string `toml:"base_url"`
}

// PersistenceConfig controls session storage.
type PersistenceConfig struct {
	// Disabled turns off session persistence entirely.
	Disabled bool `toml:"disabled"`
	// DebounceMs is the save debounce window in milliseconds (0 = default).
	DebounceMs int `toml:"debounce_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gemini: ProviderConfig{BaseURL: gemini.DefaultBaseURL},
		OpenAI: ProviderConfig{BaseURL: openaicompat.DefaultOpenAIURL},
		Groq:   ProviderConfig{BaseURL: openaicompat.DefaultGroqURL},
	}
}

// Keys collects the per-provider API keys for the verification engine.
func (c *Config) Keys() verify.Keys {
	return verify.Keys{
		model.ProviderGemini: c.Gemini.APIKey,
		model.ProviderOpenAI: c.OpenAI.APIKey,
		model.ProviderGroq:   c.Groq.APIKey,
	}
}

// Validate checks the configuration for malformed values.
func (c *Config) Validate() error {
	for _, pc := range []struct {
		name string
		cfg  ProviderConfig
	}{
		{"gemini", c.Gemini},
		{"openai", c.OpenAI},
		{"groq", c.Groq},
	} {
		if pc.cfg.BaseURL == "" {
			continue
		}
		u, err := url.Parse(pc.cfg.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid %s base_url %q", pc.name, pc.cfg.BaseURL)
		}
	}
	if c.Persistence.DebounceMs < 0 {
		return fmt.Errorf("persistence debounce_ms must be >= 0, got %d", c.Persistence.DebounceMs)
	}
	return nil
}

// ApplyEnvOverrides applies environment variables on top of file values.
func (c *Config) ApplyEnvOverrides() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"POLYCHAT_GEMINI_KEY", &c.Gemini.APIKey},
		{"POLYCHAT_OPENAI_KEY", &c.OpenAI.APIKey},
		{"POLYCHAT_GROQ_KEY", &c.Groq.APIKey},
		{"POLYCHAT_GEMINI_URL", &c.Gemini.BaseURL},
		{"POLYCHAT_OPENAI_URL", &c.OpenAI.BaseURL},
		{"POLYCHAT_GROQ_URL", &c.Groq.BaseURL},
		{"POLYCHAT_MODEL", &c.DefaultModel},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the polychat configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".polychat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
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
// LOAD / SAVE
// =============================================================================

// Load reads the config file, applies environment overrides, and validates.
// A missing file is not an error: defaults plus environment apply.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from an explicit file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// Config files hold API keys; clamp permissions.
		if err := ensureSecurePermissions(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = gemini.DefaultBaseURL
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = openaicompat.DefaultOpenAIURL
	}
	if c.Groq.BaseURL == "" {
		c.Groq.BaseURL = openaicompat.DefaultGroqURL
	}
}

// Save writes the configuration to the default path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration as TOML with owner-only permissions.
func SaveToPath(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# polychat configuration file")
	fmt.Fprintln(file, "# Generated by polychat - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ensureSecurePermissions clamps config file permissions to 0600 so API keys
// are not world-readable.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}
