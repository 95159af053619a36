package hvpp

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a Hypervisor. The zero value is not usable;
// start from DefaultConfig or LoadConfig.
type Config struct {
	// MaxCPUs caps the number of logical processors the hypervisor will
	// virtualize. Starting on a machine with more processors fails.
	MaxCPUs int `yaml:"max_cpus"`

	// StackSize is the size in bytes of each VCPU's private stack. Must
	// be a positive multiple of the page size.
	StackSize int `yaml:"stack_size"`

	// EPTCount is the number of guest-physical translation contexts
	// created per VCPU during Start. Zero leaves translation off; a
	// handler that enabled translation during its setup callback keeps
	// its own contexts.
	EPTCount int `yaml:"ept_count"`

	// ControlSocket is the path of the local-socket control endpoint
	// used when ListenControl is given an empty path.
	ControlSocket string `yaml:"control_socket"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MaxCPUs:   256,
		StackSize: DefaultStackSize,
		EPTCount:  1,
	}
}

// LoadConfig reads a YAML configuration file. Missing keys keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first problem with the configuration.
func (c Config) Validate() error {
	if c.MaxCPUs <= 0 {
		return fmt.Errorf("hvpp: max_cpus must be positive, got %d", c.MaxCPUs)
	}
	if c.StackSize <= 0 || c.StackSize%PageSize != 0 {
		return fmt.Errorf("hvpp: stack_size must be a positive multiple of %#x, got %#x", PageSize, c.StackSize)
	}
	if c.EPTCount < 0 {
		return fmt.Errorf("hvpp: ept_count must not be negative, got %d", c.EPTCount)
	}
	return nil
}
