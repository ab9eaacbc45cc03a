// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package checkpoint

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode selects one of the four scheduling policies at construction.
type Mode int

const (
	ModeNone Mode = iota
	ModeUniform
	ModeSimpoint
	ModeSyncUniform
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NoCheckpoint"
	case ModeUniform:
		return "UniformCheckpoint"
	case ModeSimpoint:
		return "SimpointCheckpoint"
	case ModeSyncUniform:
		return "SyncUniformCheckpoint"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func parseMode(s string) (Mode, error) {
	switch s {
	case "NoCheckpoint":
		return ModeNone, nil
	case "UniformCheckpoint":
		return ModeUniform, nil
	case "SimpointCheckpoint":
		return ModeSimpoint, nil
	case "SyncUniformCheckpoint":
		return ModeSyncUniform, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint-mode %q", s)
	}
}

// Config holds every value the engine needs at machine construction
// (§6). All fields are immutable once the engine is built.
type Config struct {
	CheckpointMode  string `yaml:"checkpoint-mode"`
	CptInterval     uint64 `yaml:"cpt-interval"`
	SyncInterval    uint64 `yaml:"sync-interval"`
	WarmupInterval  uint64 `yaml:"warmup-interval"`
	Workload        string `yaml:"workload"`
	ConfigName      string `yaml:"config-name"`
	OutputBaseDir   string `yaml:"output-base-dir"`
	SimpointPath    string `yaml:"simpoint-path"`
	CheckpointPath  string `yaml:"checkpoint,omitempty"`
	GcptRestorePath string `yaml:"gcpt-restore,omitempty"`

	mode Mode
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, newConfigError(path, "cannot read config file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, newConfigError(path, "malformed YAML", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParsedMode returns the mode validate() resolved CheckpointMode to.
// Only meaningful after LoadConfig (or a direct Validate() call)
// succeeds.
func (c Config) ParsedMode() Mode { return c.mode }

// Validate runs the same checks LoadConfig applies to a YAML file
// against a Config built directly in code (e.g. by a test or an
// embedder that already has its settings in hand).
func (c *Config) Validate() error { return c.validate() }

func (c *Config) validate() error {
	mode, err := parseMode(c.CheckpointMode)
	if err != nil {
		return newConfigError(c.CheckpointMode, "checkpoint-mode must be one of NoCheckpoint/UniformCheckpoint/SimpointCheckpoint/SyncUniformCheckpoint", err)
	}
	c.mode = mode

	switch mode {
	case ModeUniform, ModeSyncUniform:
		if c.CptInterval == 0 {
			return newConfigError("cpt-interval", "cpt-interval must be nonzero for uniform modes", nil)
		}
	case ModeSimpoint:
		if c.CptInterval == 0 {
			return newConfigError("cpt-interval", "cpt-interval must be nonzero for simpoint mode", nil)
		}
		if c.SimpointPath == "" {
			return newConfigError("simpoint-path", "simpoint-path is required for SimpointCheckpoint", nil)
		}
	}
	if mode != ModeNone {
		if c.Workload == "" {
			return newConfigError("workload", "workload name is required when checkpointing is enabled", nil)
		}
		if c.OutputBaseDir == "" {
			return newConfigError("output-base-dir", "output-base-dir is required when checkpointing is enabled", nil)
		}
	}
	return nil
}
