// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package gateway talks to an Eden style image generation gateway.
//
// A generation is a task: it is submitted once, then polled until it
// completes. Intermediate and final creations are stored in a bucket and
// referred to by their sha.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"runtime/trace"
	"strings"
	"time"

	"github.com/maruel/edenbot/internal"
	"github.com/maruel/httpjson"
)

// GeneratorName is the generator requested from the gateway.
const GeneratorName = "stable-diffusion"

// maxImage caps the size of a creation downloaded from the bucket.
const maxImage = 50 << 20

// SourceSettings describes where a request comes from.
type SourceSettings struct {
	Origin      string `json:"origin"`
	Author      uint64 `json:"author"`
	AuthorName  string `json:"author_name"`
	Guild       uint64 `json:"guild"`
	GuildName   string `json:"guild_name"`
	Channel     uint64 `json:"channel"`
	ChannelName string `json:"channel_name"`
}

// Mode is the kind of generation.
type Mode string

// Known modes.
const (
	Generate    Mode = "generate"
	Interpolate Mode = "interpolate"
)

// StableDiffusionConfig is the generator configuration.
type StableDiffusionConfig struct {
	Mode               Mode     `json:"mode"`
	TextInput          string   `json:"text_input"`
	InterpolationTexts []string `json:"interpolation_texts,omitempty"`
	NInterpolate       int      `json:"n_interpolate,omitempty"`
	Width              int      `json:"width"`
	Height             int      `json:"height"`
	DDIMSteps          int      `json:"ddim_steps"`
	Seed               int64    `json:"seed"`
	FixedCode          bool     `json:"fixed_code,omitempty"`
	// Stream requests intermediate creations every StreamEvery steps.
	Stream      bool `json:"stream"`
	StreamEvery int  `json:"stream_every,omitempty"`
}

// Validate checks for obvious errors in the fields.
func (s *StableDiffusionConfig) Validate() error {
	if s.TextInput == "" {
		return errors.New("text_input is required")
	}
	if s.Width <= 0 || s.Height <= 0 || s.Width%64 != 0 || s.Height%64 != 0 {
		return fmt.Errorf("invalid dimensions %dx%d; must be multiples of 64", s.Width, s.Height)
	}
	if s.DDIMSteps <= 0 {
		return fmt.Errorf("invalid ddim_steps %d", s.DDIMSteps)
	}
	switch s.Mode {
	case Generate:
	case Interpolate:
		if len(s.InterpolationTexts) < 2 {
			return fmt.Errorf("interpolation requires at least 2 texts, got %d", len(s.InterpolationTexts))
		}
		if s.NInterpolate <= 0 {
			return fmt.Errorf("invalid n_interpolate %d", s.NInterpolate)
		}
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	return nil
}

// NewSeed returns a random seed in [1, 1e8].
func NewSeed() int64 {
	return rand.Int64N(100_000_000) + 1
}

// Status is the state of a task.
type Status string

// Task states.
const (
	Pending  Status = "pending"
	Queued   Status = "queued"
	Running  Status = "running"
	Complete Status = "complete"
	Failed   Status = "failed"
)

// Output is the progress of a task.
type Output struct {
	// Progress is between 0 and 1.
	Progress             float64 `json:"progress"`
	IntermediateCreation string  `json:"intermediate_creation"`
	Creation             string  `json:"creation"`
}

// Task is a generation task as known by the gateway.
type Task struct {
	TaskID string  `json:"taskId"`
	Status Status  `json:"status"`
	Output *Output `json:"output"`
	Error  string  `json:"error"`
}

// Options for New.
type Options struct {
	// URL is the gateway base URL.
	URL string
	// MinioURL is the bucket base URL, e.g. http://minio:9000/creations.
	MinioURL string
}

// Client is a client to the gateway.
type Client struct {
	url   string
	minio string
}

// New returns a Client.
func New(opts *Options) (*Client, error) {
	for _, u := range []string{opts.URL, opts.MinioURL} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return nil, fmt.Errorf("invalid url %q", u)
		}
	}
	return &Client{url: strings.TrimRight(opts.URL, "/"), minio: strings.TrimRight(opts.MinioURL, "/")}, nil
}

// Submit requests a new generation and returns its task ID.
func (c *Client) Submit(ctx context.Context, src *SourceSettings, cfg *StableDiffusionConfig) (string, error) {
	r := trace.StartRegion(ctx, "gateway.Submit")
	defer r.End()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	in := struct {
		Source        *SourceSettings        `json:"source"`
		GeneratorName string                 `json:"generator_name"`
		Config        *StableDiffusionConfig `json:"config"`
	}{src, GeneratorName, cfg}
	var raw json.RawMessage
	if err := c.post(ctx, "/request", &in, &raw); err != nil {
		return "", fmt.Errorf("failed to submit generation: %w", err)
	}
	// The gateway replies either a bare string or an object.
	id := ""
	if err := json.Unmarshal(raw, &id); err != nil {
		out := struct {
			TaskID string `json:"taskId"`
		}{}
		if err = json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("failed to decode task id %q: %w", raw, err)
		}
		id = out.TaskID
	}
	if id == "" {
		return "", errors.New("gateway returned an empty task id")
	}
	internal.Logger(ctx).Info("gateway", "task", id, "mode", cfg.Mode, "text", cfg.TextInput, "seed", cfg.Seed)
	return id, nil
}

// Fetch returns the state of the tasks.
func (c *Client) Fetch(ctx context.Context, taskIDs ...string) ([]Task, error) {
	r := trace.StartRegion(ctx, "gateway.Fetch")
	defer r.End()
	in := struct {
		TaskIDs []string `json:"taskIds"`
	}{taskIDs}
	var out []Task
	if err := c.post(ctx, "/fetch", &in, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}
	return out, nil
}

// Image downloads a creation from the bucket. It returns the content and
// its MIME type.
func (c *Client) Image(ctx context.Context, sha string) ([]byte, string, error) {
	if sha == "" || strings.ContainsAny(sha, "/?#") {
		return nil, "", fmt.Errorf("invalid sha %q", sha)
	}
	return internal.DownloadBytes(ctx, c.minio+"/"+sha, maxImage)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	hc := httpjson.DefaultClient
	hc.PostCompress = ""
	resp, err := hc.PostRequest(ctx, c.url+path, nil, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return json.Unmarshal(b, out)
}

// Update is a change to display to the user.
type Update struct {
	// Content is the full message text.
	Content string
	// Image is set only when a new creation replaces the previous one; an
	// update without one keeps what is already displayed. ImageName has a
	// matching extension.
	Image     []byte
	ImageName string
	// Done is set on the last update, Failed on failure.
	Done   bool
	Failed bool
}

// Updater displays updates, usually by editing a chat message in place.
type Updater interface {
	Update(ctx context.Context, u *Update) error
}

// LoopOptions for Loop.
type LoopOptions struct {
	// StartMessage is the prefix of every update's Content.
	StartMessage string
	Source       SourceSettings
	Config       StableDiffusionConfig
	// RefreshInterval is the polling interval. Defaults to 2s.
	RefreshInterval time.Duration
	// Timeout stops polling. Defaults to 10 minutes.
	Timeout time.Duration
}

// maxFetchErrors is the number of consecutive failed polls before giving up.
const maxFetchErrors = 5

// Loop submits a generation and polls it until it is done, forwarding
// progress to u whenever it changes.
func (c *Client) Loop(ctx context.Context, u Updater, opts *LoopOptions) error {
	interval := opts.RefreshInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger := internal.Logger(ctx)
	start := time.Now()

	taskID, err := c.Submit(ctx, &opts.Source, &opts.Config)
	if err != nil {
		_ = u.Update(ctx, &Update{Content: opts.StartMessage + "_Failed to start: " + err.Error() + "_", Done: true, Failed: true})
		return err
	}
	lastContent := ""
	lastSha := ""
	fetchErrors := 0
	t := time.NewTicker(interval)
	defer t.Stop()
	// The last creation stays attached to the message, only the text changes.
	timedOut := func() error {
		logger.Warn("gateway", "task", taskID, "error", ctx.Err(), "duration", time.Since(start).Round(time.Millisecond))
		msg := "_Cancelled_"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "_Timed out_"
		}
		_ = u.Update(context.WithoutCancel(ctx), &Update{Content: opts.StartMessage + msg, Done: true, Failed: true})
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return timedOut()
		case <-t.C:
		}
		tasks, err := c.Fetch(ctx, taskID)
		if err == nil && len(tasks) != 1 {
			err = fmt.Errorf("expected 1 task, got %d", len(tasks))
		}
		if err != nil {
			if ctx.Err() != nil {
				return timedOut()
			}
			if fetchErrors++; fetchErrors >= maxFetchErrors {
				_ = u.Update(ctx, &Update{Content: opts.StartMessage + "_Server error_", Done: true, Failed: true})
				return err
			}
			logger.Warn("gateway", "task", taskID, "error", err)
			continue
		}
		fetchErrors = 0
		task := tasks[0]
		out := task.Output
		if out == nil {
			out = &Output{}
		}
		upd := Update{}
		sha := ""
		switch task.Status {
		case Pending, Queued:
			upd.Content = opts.StartMessage + "_Queued_"
		case Running:
			upd.Content = opts.StartMessage + progressLine(out.Progress)
			sha = out.IntermediateCreation
		case Complete:
			upd.Content = opts.StartMessage
			upd.Done = true
			sha = out.Creation
		case Failed:
			msg := "_Server error_"
			if task.Error != "" {
				msg = "_Server error: " + task.Error + "_"
			}
			upd.Content = opts.StartMessage + msg
			upd.Done = true
			upd.Failed = true
		default:
			logger.Warn("gateway", "task", taskID, "status", task.Status)
			continue
		}
		if sha != "" && sha != lastSha {
			b, mime, err := c.Image(ctx, sha)
			if err != nil {
				logger.Warn("gateway", "task", taskID, "sha", sha, "error", err)
			} else {
				lastSha = sha
				upd.Image = b
				upd.ImageName = "creation" + extension(mime)
				// Force an update even if the text didn't change.
				lastContent = ""
			}
		}
		if upd.Content != lastContent || upd.Done {
			if err := u.Update(ctx, &upd); err != nil {
				logger.Error("gateway", "task", taskID, "message", "failed update", "error", err)
			}
			lastContent = upd.Content
		}
		if upd.Done {
			logger.Info("gateway", "task", taskID, "status", task.Status, "duration", time.Since(start).Round(time.Millisecond))
			if upd.Failed {
				return fmt.Errorf("task %s failed: %s", taskID, task.Error)
			}
			return nil
		}
	}
}

func progressLine(p float64) string {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	const width = 10
	n := int(p*width + 0.5)
	return "`" + strings.Repeat("█", n) + strings.Repeat("░", width-n) + fmt.Sprintf("` %d%%", int(p*100+0.5))
}

func extension(mime string) string {
	if i := strings.IndexByte(mime, ';'); i != -1 {
		mime = mime[:i]
	}
	switch strings.TrimSpace(mime) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	default:
		return ".jpg"
	}
}
