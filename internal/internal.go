// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package internal contains various random shared code.
package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// InitLog sets the default logger to a colored one on stderr. Zero values
// are elided to keep the lines short.
func InitLog(programLevel *slog.LevelVar) {
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:       programLevel,
		TimeFormat:  "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:     !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: elideZero,
	}))
	slog.SetDefault(logger)
}

func elideZero(groups []string, a slog.Attr) slog.Attr {
	switch t := a.Value.Any().(type) {
	case string:
		if t == "" {
			return slog.Attr{}
		}
	case bool:
		if !t {
			return slog.Attr{}
		}
	case uint64:
		if t == 0 {
			return slog.Attr{}
		}
	case int64:
		if t == 0 {
			return slog.Attr{}
		}
	case float64:
		if t == 0 {
			return slog.Attr{}
		}
	case time.Time:
		if t.IsZero() {
			return slog.Attr{}
		}
	case time.Duration:
		if t == 0 {
			return slog.Attr{}
		}
	}
	return a
}

// Commit returns the VCS revision the binary was built from.
func Commit() string {
	rev := ""
	suffix := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				rev = s.Value
			} else if s.Key == "vcs.modified" && s.Value == "true" {
				suffix = "-tainted"
			}
		}
	}
	return rev + suffix
}

// Logger retrieves a slog.Logger from the context if any, otherwise returns slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	v := ctx.Value(contextKey{})
	switch v := v.(type) {
	case *slog.Logger:
		return v
	default:
		return slog.Default()
	}
}

// WithLogger injects a slog.Logger into the context. It can be retrieved with Logger().
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// DownloadBytes fetches a binary resource, e.g. an image on a CDN or in a
// bucket.
//
// maxSize caps the amount read; a larger resource is an error.
func DownloadBytes(ctx context.Context, url string, maxSize int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to get %s: status %d", url, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", url, err)
	}
	if int64(len(b)) > maxSize {
		return nil, "", fmt.Errorf("%s is larger than %d bytes", url, maxSize)
	}
	return b, resp.Header.Get("Content-Type"), nil
}

//

type contextKey struct{}
