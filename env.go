// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package edenbot

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env is the secrets and service locations read from the environment.
type Env struct {
	DiscordToken string `env:"DISCORD_TOKEN"`
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	MagmaAPIKey  string `env:"MAGMA_API_KEY"`
	GatewayURL   string `env:"GATEWAY_URL"`
	// MinioHost is the bucket server, e.g. "minio:9000".
	MinioHost  string `env:"MINIO_URL"`
	BucketName string `env:"BUCKET_NAME"`
	// Stage overrides the config's stage when set.
	Stage string `env:"STAGE"`
}

// LoadEnv loads the environment, after seeding it from the dotenv file if
// present. Variables already set take precedence over the file.
func LoadEnv(dotenv string) (*Env, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %q: %w", dotenv, err)
		}
	}
	e := &Env{}
	if err := env.Parse(e); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return e, nil
}

// MinioURL returns the base URL of the bucket holding the creations.
func (e *Env) MinioURL() string {
	h := e.MinioHost
	if !strings.HasPrefix(h, "http://") && !strings.HasPrefix(h, "https://") {
		h = "http://" + h
	}
	return strings.TrimRight(h, "/") + "/" + e.BucketName
}
