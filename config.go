// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package edenbot implements the shared code of eden-bot: configuration,
// environment, service clients and the bot's memory.
package edenbot

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/maruel/edenbot/llm"
	"github.com/maruel/edenbot/magma"
	"gopkg.in/yaml.v3"
)

// Default configuration with sane presets.
//
//go:embed default_config.yml
var DefaultConfig []byte

// Stage is a deployment target: where the bot registers its commands and
// where it answers.
type Stage struct {
	// Guilds are the guilds where the slash commands are registered.
	Guilds []string
	// AllowedChannels are the only channels where the bot acts.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// IsAllowed returns true if the bot may act in this channel.
func (s *Stage) IsAllowed(channelID string) bool {
	return slices.Contains(s.AllowedChannels, channelID)
}

// Settings are the bot's behavior knobs.
type Settings struct {
	ContentFilterOn   bool          `yaml:"content_filter_on"`
	ChatOnMention     bool          `yaml:"chat_on_mention"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
}

// Config defines the configuration format.
type Config struct {
	StageName string `yaml:"stage"`
	Stages    map[string]Stage
	Settings  Settings
	LLM       llm.Options
	Magma     magma.Options
}

// Validate checks for obvious errors in the fields.
func (c *Config) Validate() error {
	if _, err := c.Stage(); err != nil {
		return err
	}
	if c.Settings.GenerationTimeout < 0 {
		return fmt.Errorf("invalid generation_timeout %s", c.Settings.GenerationTimeout)
	}
	if c.Settings.RefreshInterval < 0 {
		return fmt.Errorf("invalid refresh_interval %s", c.Settings.RefreshInterval)
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	return c.Magma.Validate()
}

// Stage returns the active stage.
func (c *Config) Stage() (*Stage, error) {
	if c.StageName == "" {
		return nil, errors.New("stage is required")
	}
	s, ok := c.Stages[c.StageName]
	if !ok {
		names := make([]string, 0, len(c.Stages))
		for k := range c.Stages {
			names = append(names, k)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown stage %q; known stages: %v", c.StageName, names)
	}
	return &s, nil
}

// LoadOrDefault loads a config or write the default to disk.
func (c *Config) LoadOrDefault(config string) error {
	b, err := os.ReadFile(config)
	if os.IsNotExist(err) {
		b = DefaultConfig
		if err = os.WriteFile(config, b, 0o644); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	} else if err != nil {
		return err
	}
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err = d.Decode(c); err != nil {
		return fmt.Errorf("failed to read %q: %w", config, err)
	}
	return c.Validate()
}
