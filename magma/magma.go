// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package magma is a client for a multimodal completion API that accepts a
// mix of images and text as its prompt, like Aleph Alpha's luminous models.
//
// It is used to caption images or answer questions about them.
package magma

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"runtime/trace"
	"strings"
	"time"

	"github.com/maruel/edenbot/internal"
	"github.com/maruel/httpjson"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxImageSide is the largest width or height sent to the API. Larger
// images are downscaled.
const MaxImageSide = 1024

// maxDownload caps the size of an image fetched by ImageFromURL.
const maxDownload = 25 << 20

// Options for New.
type Options struct {
	// Host is the base URL of the API, e.g. https://api.aleph-alpha.com.
	Host string
	// Model is the model name, e.g. luminous-extended.
	Model string

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if !strings.HasPrefix(o.Host, "http://") && !strings.HasPrefix(o.Host, "https://") {
		return fmt.Errorf("magma: invalid host %q", o.Host)
	}
	if o.Model == "" {
		return errors.New("magma: model is required")
	}
	return nil
}

// Client talks to the completion API.
type Client struct {
	opts  Options
	token string
}

// New returns a Client authenticated with token.
func New(opts *Options, token string) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, errors.New("magma: token is required")
	}
	o := *opts
	o.Host = strings.TrimRight(o.Host, "/")
	return &Client{opts: o, token: token}, nil
}

// Model returns the model in use.
func (c *Client) Model() string {
	return c.opts.Model
}

// Item is one element of a Prompt. It is either an ImagePrompt or a Text.
type Item interface {
	item() promptItem
}

// Text is a text Item.
type Text string

func (t Text) item() promptItem {
	return promptItem{Type: "text", Data: string(t)}
}

// ImagePrompt is an image Item.
type ImagePrompt struct {
	// data is PNG, JPEG or GIF encoded.
	data []byte
}

func (i *ImagePrompt) item() promptItem {
	return promptItem{Type: "image", Data: base64.StdEncoding.EncodeToString(i.data)}
}

// ImageFromBytes returns an ImagePrompt from an encoded image.
//
// WebP images are converted to PNG and images larger than MaxImageSide are
// downscaled.
func ImageFromBytes(b []byte) (*ImagePrompt, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if format != "webp" && cfg.Width <= MaxImageSide && cfg.Height <= MaxImageSide {
		return &ImagePrompt{data: b}, nil
	}
	src, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s image: %w", format, err)
	}
	img := downscale(src, MaxImageSide)
	w := bytes.Buffer{}
	if err = png.Encode(&w, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return &ImagePrompt{data: w.Bytes()}, nil
}

// ImageFromURL fetches an image and returns it as an ImagePrompt.
func ImageFromURL(ctx context.Context, url string) (*ImagePrompt, error) {
	b, _, err := internal.DownloadBytes(ctx, url, maxDownload)
	if err != nil {
		return nil, err
	}
	return ImageFromBytes(b)
}

// Prompt is an ordered list of items.
type Prompt []Item

// CompletionRequest is the request to send to Complete.
type CompletionRequest struct {
	Prompt        Prompt
	MaximumTokens int
	Temperature   float64
	StopSequences []string
}

// Completion is one generated completion.
type Completion struct {
	Completion   string `json:"completion"`
	FinishReason string `json:"finish_reason"`
}

// CompletionResponse is the API's reply.
type CompletionResponse struct {
	ModelVersion string       `json:"model_version"`
	Completions  []Completion `json:"completions"`
}

// Complete sends a completion request.
func (c *Client) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	r := trace.StartRegion(ctx, "magma.Complete")
	defer r.End()
	if len(req.Prompt) == 0 {
		return nil, errors.New("prompt required")
	}
	start := time.Now()
	logger := internal.Logger(ctx)
	in := completionRequest{
		Model:         c.opts.Model,
		Prompt:        make([]promptItem, len(req.Prompt)),
		MaximumTokens: req.MaximumTokens,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
	}
	for i, p := range req.Prompt {
		in.Prompt[i] = p.item()
	}
	if t, ok := req.Prompt[len(req.Prompt)-1].(Text); ok {
		logger.Info("magma", "model", c.opts.Model, "items", len(req.Prompt), "text", string(t))
	}
	hc := httpjson.DefaultClient
	hc.PostCompress = ""
	hdr := http.Header{"Authorization": {"Bearer " + c.token}}
	resp, err := hc.PostRequest(ctx, c.opts.Host+"/complete", hdr, &in)
	if err != nil {
		logger.Error("magma", "error", err, "duration", time.Since(start).Round(time.Millisecond))
		return nil, fmt.Errorf("failed to get completion: %w", err)
	}
	out := &CompletionResponse{}
	err = decodeResponse(resp, out)
	if err == nil && len(out.Completions) == 0 {
		err = errors.New("completion returned no choice")
	}
	if err != nil {
		logger.Error("magma", "error", err, "duration", time.Since(start).Round(time.Millisecond))
		return nil, err
	}
	logger.Info("magma", "reply", out.Completions[0].Completion, "duration", time.Since(start).Round(time.Millisecond))
	return out, nil
}

//

type promptItem struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type completionRequest struct {
	Model         string       `json:"model"`
	Prompt        []promptItem `json:"prompt"`
	MaximumTokens int          `json:"maximum_tokens"`
	Temperature   float64      `json:"temperature"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		e := errorResponse{}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("completion failed with status %d: %s (%s)", resp.StatusCode, e.Error, e.Code)
		}
		return fmt.Errorf("completion failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err = json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to decode completion response: %w", err)
	}
	return nil
}

// downscale returns src scaled so that neither side exceeds side, keeping
// the aspect ratio.
func downscale(src image.Image, side int) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > side || h > side {
		if w >= h {
			h = h * side / w
			w = side
		} else {
			w = w * side / h
			h = side
		}
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
