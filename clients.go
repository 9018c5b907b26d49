// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package edenbot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maruel/edenbot/gateway"
	"github.com/maruel/edenbot/llm"
	"github.com/maruel/edenbot/magma"
	"golang.org/x/sync/errgroup"
)

// Clients are the remote services the bot forwards to.
type Clients struct {
	// LLM is nil when no API key is configured and nothing needs it.
	LLM *llm.Session
	// Magma is nil when no API key is configured. Image captioning is then
	// disabled.
	Magma   *magma.Client
	Gateway *gateway.Client
}

// LoadClients creates the service clients.
//
// They are created in parallel; a missing optional key disables the
// feature instead of failing.
func LoadClients(ctx context.Context, cfg *Config, e *Env) (*Clients, error) {
	start := time.Now()
	slog.Info("clients", "state", "initializing")
	c := &Clients{}
	eg := errgroup.Group{}
	eg.Go(func() error {
		if e.OpenAIAPIKey == "" {
			if cfg.Settings.ContentFilterOn || cfg.Settings.ChatOnMention {
				return errors.New("OPENAI_API_KEY is required with content_filter_on or chat_on_mention")
			}
			slog.Info("clients", "message", "no llm requested")
			return nil
		}
		var err error
		c.LLM, err = llm.New(&cfg.LLM, e.OpenAIAPIKey)
		return err
	})
	eg.Go(func() error {
		if e.MagmaAPIKey == "" {
			slog.Warn("clients", "message", "MAGMA_API_KEY is not set; image captioning is disabled")
			return nil
		}
		var err error
		c.Magma, err = magma.New(&cfg.Magma, e.MagmaAPIKey)
		return err
	})
	eg.Go(func() error {
		if e.GatewayURL == "" || e.MinioHost == "" || e.BucketName == "" {
			return errors.New("GATEWAY_URL, MINIO_URL and BUCKET_NAME are required")
		}
		var err error
		c.Gateway, err = gateway.New(&gateway.Options{URL: e.GatewayURL, MinioURL: e.MinioURL()})
		return err
	})
	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	slog.Info("clients", "state", "ready", "error", err, "duration", time.Since(start).Round(time.Millisecond))
	if err != nil {
		return nil, err
	}
	return c, nil
}
