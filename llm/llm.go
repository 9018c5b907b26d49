// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package llm talks to an OpenAI compatible text completion API. It is used
// both to answer text prompts and to screen prompts before they are sent to
// the image generator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"runtime/trace"
	"strings"
	"time"

	"github.com/maruel/edenbot/internal"
	"github.com/sashabaranov/go-openai"
)

// Options for New.
type Options struct {
	// Remote is the base URL of an OpenAI compatible API. Defaults to OpenAI.
	Remote string
	// Engine is the completion model to use.
	Engine string
	// Temperature is the sampling temperature. Use low values (<1.0) to get
	// more deterministic and repetitive output.
	Temperature float32
	// FrequencyPenalty and PresencePenalty are between -2.0 and 2.0.
	FrequencyPenalty float32 `yaml:"frequency_penalty"`
	PresencePenalty  float32 `yaml:"presence_penalty"`
	// ModerationModel is the model used by ContentSafe. Leave empty to use
	// the server's default.
	ModerationModel string `yaml:"moderation_model"`

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if o.Engine == "" {
		return errors.New("llm: engine is required")
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		return fmt.Errorf("llm: invalid temperature %g", o.Temperature)
	}
	if o.FrequencyPenalty < -2 || o.FrequencyPenalty > 2 {
		return fmt.Errorf("llm: invalid frequency_penalty %g", o.FrequencyPenalty)
	}
	if o.PresencePenalty < -2 || o.PresencePenalty > 2 {
		return fmt.Errorf("llm: invalid presence_penalty %g", o.PresencePenalty)
	}
	return nil
}

// Session is a configured client to the completion API.
type Session struct {
	opts Options
	c    *openai.Client
}

// New returns a Session authenticated with apiKey.
func New(opts *Options, apiKey string) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if apiKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if opts.Remote != "" {
		cfg.BaseURL = strings.TrimRight(opts.Remote, "/")
	}
	return &Session{opts: *opts, c: openai.NewClientWithConfig(cfg)}, nil
}

// Engine returns the completion model in use.
func (s *Session) Engine() string {
	return s.opts.Engine
}

// Complete sends a raw prompt and returns the first completion.
//
// stop is the list of sequences where the API stops generating further
// tokens. The returned text is not trimmed.
func (s *Session) Complete(ctx context.Context, prompt string, maxTokens int, stop []string) (string, error) {
	r := trace.StartRegion(ctx, "llm.Complete")
	defer r.End()
	start := time.Now()
	logger := internal.Logger(ctx)
	logger.Info("llm", "engine", s.opts.Engine, "prompt", prompt)
	req := openai.CompletionRequest{
		Model:            s.opts.Engine,
		Prompt:           prompt,
		MaxTokens:        maxTokens,
		Temperature:      s.opts.Temperature,
		FrequencyPenalty: s.opts.FrequencyPenalty,
		PresencePenalty:  s.opts.PresencePenalty,
		Stop:             stop,
	}
	resp, err := s.c.CreateCompletion(ctx, req)
	if err != nil {
		logger.Error("llm", "prompt", prompt, "error", err, "duration", time.Since(start).Round(time.Millisecond))
		return "", fmt.Errorf("failed to get completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choice")
	}
	reply := resp.Choices[0].Text
	logger.Info("llm", "reply", reply, "tokens", resp.Usage.TotalTokens, "duration", time.Since(start).Round(time.Millisecond))
	return reply, nil
}

// ContentSafe returns true when the moderation endpoint doesn't flag text.
//
// Callers decide what to do on error; the bot treats it as unsafe.
func (s *Session) ContentSafe(ctx context.Context, text string) (bool, error) {
	r := trace.StartRegion(ctx, "llm.ContentSafe")
	defer r.End()
	start := time.Now()
	logger := internal.Logger(ctx)
	resp, err := s.c.Moderations(ctx, openai.ModerationRequest{Input: text, Model: s.opts.ModerationModel})
	if err != nil {
		logger.Error("llm", "moderation", text, "error", err, "duration", time.Since(start).Round(time.Millisecond))
		return false, fmt.Errorf("failed to get moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return false, errors.New("moderation returned no result")
	}
	for _, res := range resp.Results {
		if res.Flagged {
			logger.Info("llm", "moderation", text, "flagged", true, "duration", time.Since(start).Round(time.Millisecond))
			return false, nil
		}
	}
	logger.Debug("llm", "moderation", text, "duration", time.Since(start).Round(time.Millisecond))
	return true, nil
}
