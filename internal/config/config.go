package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tenzoki/gobroker/internal/envelope"
)

// HostConfig is the top-level configuration for a module host: channel
// sizing, shutdown timing, and the owning process's own credential.
type HostConfig struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Channel ChannelConfig `yaml:"channel"`

	// PoolFiles names ModuleSpec documents to load via LoadPool.
	PoolFiles []string `yaml:"pool"`
	BaseDir   []string `yaml:"basedir"`

	ProcessUserID   string            `yaml:"process_userid"`
	ProcessRoleMask envelope.RoleMask `yaml:"process_rolemask"`
}

// ChannelConfig controls the per-module channel a Host creates in Create.
type ChannelConfig struct {
	// ToModuleCapacity bounds the broker->module queue; sends block past it.
	ToModuleCapacity int `yaml:"to_module_capacity"`
	// CloseLingerSeconds bounds how long Close waits for the broker to
	// drain the module->broker queue.
	CloseLingerSeconds int `yaml:"close_linger_seconds"`
	// FinalizingTimeoutSeconds bounds the synchronous FINALIZING
	// status-report handshake a module runs on its way out.
	FinalizingTimeoutSeconds int `yaml:"finalizing_timeout_seconds"`
}

// PoolConfig lists modules an embedding broker preloads at boot.
type PoolConfig struct {
	Modules []ModuleSpec `yaml:"modules"`
}

// ModuleSpec names one module to create and start at boot.
type ModuleSpec struct {
	Name         string   `yaml:"name"`
	Path         string   `yaml:"path"` // artifact path, passed to Loader.Load
	Rank         int      `yaml:"rank"` // start order, ascending
	Capabilities []string `yaml:"capabilities,omitempty"`
	Description  string   `yaml:"description,omitempty"`
}

// Load reads and validates a HostConfig document.
func Load(filename string) (*HostConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg HostConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if cfg.Channel.ToModuleCapacity < 0 {
		return nil, fmt.Errorf("channel.to_module_capacity cannot be negative: %d", cfg.Channel.ToModuleCapacity)
	}
	if cfg.Channel.CloseLingerSeconds < 0 {
		return nil, fmt.Errorf("channel.close_linger_seconds cannot be negative: %d", cfg.Channel.CloseLingerSeconds)
	}
	if cfg.Channel.FinalizingTimeoutSeconds < 0 {
		return nil, fmt.Errorf("channel.finalizing_timeout_seconds cannot be negative: %d", cfg.Channel.FinalizingTimeoutSeconds)
	}

	return &cfg, nil
}

func applyDefaults(cfg *HostConfig) {
	if cfg.Channel.ToModuleCapacity == 0 {
		cfg.Channel.ToModuleCapacity = 64
	}
	if cfg.Channel.CloseLingerSeconds == 0 {
		cfg.Channel.CloseLingerSeconds = 5
	}
	if cfg.Channel.FinalizingTimeoutSeconds == 0 {
		cfg.Channel.FinalizingTimeoutSeconds = 10
	}
	if cfg.ProcessUserID == "" {
		cfg.ProcessUserID = "broker"
	}
	if cfg.ProcessRoleMask == 0 {
		cfg.ProcessRoleMask = envelope.RoleOwner | envelope.RoleLocal
	}
}

// LoadPool reads every PoolFiles entry and concatenates their Modules,
// resolving relative pool file paths against BaseDir[0]. Module artifact
// paths are returned as written.
func (c *HostConfig) LoadPool() (*PoolConfig, error) {
	if len(c.PoolFiles) == 0 {
		return &PoolConfig{}, nil
	}

	var all PoolConfig
	for _, poolFile := range c.PoolFiles {
		if !filepath.IsAbs(poolFile) && len(c.BaseDir) > 0 {
			poolFile = filepath.Join(c.BaseDir[0], poolFile)
		}

		data, err := os.ReadFile(poolFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read pool file %s: %w", poolFile, err)
		}

		var doc struct {
			Pool PoolConfig `yaml:"pool"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse pool file %s: %w", poolFile, err)
		}
		all.Modules = append(all.Modules, doc.Pool.Modules...)
	}

	return &all, nil
}

// ValidateConfiguration checks that every ModuleSpec has a distinct name
// and a reachable artifact path.
func ValidateConfiguration(pool *PoolConfig) error {
	seen := make(map[string]bool, len(pool.Modules))
	var errs []string

	for _, m := range pool.Modules {
		if seen[m.Name] {
			errs = append(errs, fmt.Sprintf("module %q declared more than once", m.Name))
			continue
		}
		seen[m.Name] = true

		if m.Path == "" {
			errs = append(errs, fmt.Sprintf("module %q: path is required", m.Name))
			continue
		}
		if !fileExists(m.Path) {
			errs = append(errs, fmt.Sprintf("module %q: artifact path %q does not exist", m.Name, m.Path))
		}
	}

	if len(errs) > 0 {
		msg := "configuration validation failed:\n"
		for _, e := range errs {
			msg += "  - " + e + "\n"
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
