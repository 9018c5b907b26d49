// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"
	"github.com/maruel/edenbot"
	"github.com/maruel/edenbot/gateway"
	"github.com/maruel/edenbot/internal/internaltest"
	"github.com/maruel/edenbot/llm"
	"github.com/maruel/edenbot/magma"
)

func TestGetDimensions(t *testing.T) {
	data := []struct {
		aspectRatio string
		large       bool
		w, h        int
	}{
		{"square", false, 512, 512},
		{"square", true, 768, 768},
		{"landscape", false, 640, 384},
		{"landscape", true, 896, 640},
		{"portrait", false, 384, 640},
		{"portrait", true, 640, 896},
	}
	for _, line := range data {
		w, h, err := getDimensions(line.aspectRatio, line.large)
		if err != nil {
			t.Fatal(err)
		}
		if w != line.w || h != line.h {
			t.Errorf("%s/%t: got %dx%d, want %dx%d", line.aspectRatio, line.large, w, h, line.w, line.h)
		}
	}
	if _, _, err := getDimensions("panorama", false); err == nil {
		t.Fatal("expected error")
	}
}

func TestDDIMSteps(t *testing.T) {
	if got := ddimSteps(true); got != 15 {
		t.Fatal(got)
	}
	if got := ddimSteps(false); got != 50 {
		t.Fatal(got)
	}
}

func TestDreamConfig(t *testing.T) {
	got, err := dreamConfig(&edenbot.DreamArgs{TextInput: "a cat", AspectRatio: "landscape", Large: true, Fast: true}, 42)
	if err != nil {
		t.Fatal(err)
	}
	want := &gateway.StableDiffusionConfig{Mode: gateway.Generate, TextInput: "a cat", Width: 896, Height: 640, DDIMSteps: 15, Seed: 42}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
	if err = got.Validate(); err != nil {
		t.Fatal(err)
	}
	if _, err = dreamConfig(&edenbot.DreamArgs{TextInput: "a cat", AspectRatio: "x"}, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestLerpConfig(t *testing.T) {
	got, err := lerpConfig(&lerpArgs{TextInput1: "a cat", TextInput2: "a dog", AspectRatio: "portrait"}, 7)
	if err != nil {
		t.Fatal(err)
	}
	want := &gateway.StableDiffusionConfig{
		Mode:               gateway.Interpolate,
		TextInput:          "a cat",
		InterpolationTexts: []string{"a cat", "a dog"},
		NInterpolate:       12,
		Width:              384,
		Height:             640,
		DDIMSteps:          25,
		Seed:               7,
		FixedCode:          true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
	if err = got.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestStartMessages(t *testing.T) {
	if got := dreamStartMsg("a cat", "123"); got != "**a cat** - <@!123>\n" {
		t.Fatal(got)
	}
	if got := lerpStartMsg("a cat", "a dog", "123"); got != "**a cat** to **a dog** - <@!123>\n" {
		t.Fatal(got)
	}
}

func TestPreprocessMessage(t *testing.T) {
	mentions := []*discordgo.User{{ID: "1", Username: "eden"}, {ID: "2", Username: "bob"}}
	data := []struct {
		in   string
		want string
	}{
		{"<@1> what is this?", "what is this?"},
		{"<@!1>   ", ""},
		{"hey <@1> is this <@2>?", "hey  is this bob?"},
		{"<@!1> <@1> twice", "eden twice"},
		{"<@!2> and <@3>", "bob and <@3>"},
	}
	for _, line := range data {
		if got := preprocessMessage(line.in, "1", mentions); got != line.want {
			t.Errorf("%q: got %q, want %q", line.in, got, line.want)
		}
	}
}

func TestIsMentioned(t *testing.T) {
	data := []struct {
		m    discordgo.Message
		want bool
	}{
		{discordgo.Message{Content: "hi", Mentions: []*discordgo.User{{ID: "1"}}}, true},
		{discordgo.Message{Content: "hi <@!1>"}, true},
		{discordgo.Message{Content: "hi <@2>", Mentions: []*discordgo.User{{ID: "2"}}}, false},
		{discordgo.Message{Content: "hi"}, false},
	}
	for i, line := range data {
		if got := isMentioned(&line.m, "1"); got != line.want {
			t.Errorf("#%d: got %t", i, got)
		}
	}
}

func TestCaptionPrompt(t *testing.T) {
	text, prefix, stop := captionPrompt("")
	if text != "This is a picture of " || prefix != text || stop != nil {
		t.Fatalf("%q %q %q", text, prefix, stop)
	}
	text, prefix, stop = captionPrompt("what color?")
	if text != "Question: \"what color?\"\nAnswer:" || prefix != "" || !cmp.Equal(stop, []string{"Question:"}) {
		t.Fatalf("%q %q %q", text, prefix, stop)
	}
}

func TestOptionsToStruct(t *testing.T) {
	opts := []*discordgo.ApplicationCommandInteractionDataOption{
		{Name: "text_input", Type: discordgo.ApplicationCommandOptionString, Value: "a cat"},
		{Name: "large", Type: discordgo.ApplicationCommandOptionBoolean, Value: true},
	}
	got := edenbot.DreamArgs{AspectRatio: "square"}
	if err := optionsToStruct(opts, &got); err != nil {
		t.Fatal(err)
	}
	want := edenbot.DreamArgs{TextInput: "a cat", AspectRatio: "square", Large: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in := struct {
			Input string `json:"input"`
		}{}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Error(err)
		}
		if in.Input == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		flagged := "false"
		if strings.Contains(in.Input, "gore") {
			flagged = "true"
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"modr-1","model":"m","results":[{"flagged":` + flagged + `}]}`))
	}))
	defer server.Close()
	l, err := llm.New(&llm.Options{Remote: server.URL + "/v1", Engine: "e"}, "key")
	if err != nil {
		t.Fatal(err)
	}
	ctx, _ := internaltest.Log(t)
	d := discordBot{l: l, settings: edenbot.Settings{ContentFilterOn: true}}
	data := []struct {
		name  string
		texts []string
		want  string
	}{
		{"safe", []string{"a cat"}, ""},
		{"unsafe", []string{"gore"}, filterMsg("42")},
		{"second", []string{"a cat", "more gore"}, filterMsg("42")},
		{"error", []string{"broken"}, filterMsg("42")},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			if got := d.filter(ctx, "42", line.texts...); got != line.want {
				t.Fatalf("got %q", got)
			}
		})
	}
	d = discordBot{settings: edenbot.Settings{ContentFilterOn: false}}
	if got := d.filter(ctx, "42", "gore"); got != "" {
		t.Fatalf("got %q", got)
	}
	const want = "Content filter triggered, <@!42>. Please don't make me draw that. If you think it was a mistake, modify your prompt slightly and try again."
	if got := filterMsg("42"); got != want {
		t.Fatal(got)
	}
}

func TestCaption(t *testing.T) {
	img := bytes.Buffer{}
	if err := png.Encode(&img, image.NewNRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	mu := sync.Mutex{}
	var gotStop [][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cat.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(img.Bytes())
		case "/complete":
			in := struct {
				MaximumTokens int      `json:"maximum_tokens"`
				Temperature   float64  `json:"temperature"`
				StopSequences []string `json:"stop_sequences"`
			}{}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Error(err)
			}
			if in.MaximumTokens != 100 || in.Temperature != 0.5 {
				t.Errorf("unexpected request %+v", in)
			}
			mu.Lock()
			gotStop = append(gotStop, in.StopSequences)
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"model_version":"1","completions":[{"completion":" \"a cat on a mat\" ","finish_reason":"stop"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	m, err := magma.New(&magma.Options{Host: server.URL, Model: "luminous-extended"}, "tok")
	if err != nil {
		t.Fatal(err)
	}
	ctx, _ := internaltest.Log(t)
	d := discordBot{magma: m}
	if got := d.caption(ctx, "", server.URL+"/cat.png"); got != "This is a picture of a cat on a mat" {
		t.Fatalf("got %q", got)
	}
	if got := d.caption(ctx, "what is it?", server.URL+"/cat.png"); got != "a cat on a mat" {
		t.Fatalf("got %q", got)
	}
	mu.Lock()
	diff := cmp.Diff([][]string{nil, {"Question:"}}, gotStop)
	mu.Unlock()
	if diff != "" {
		t.Fatal(diff)
	}
	if got := d.caption(ctx, "", server.URL+"/missing.png"); got != ":)" {
		t.Fatalf("got %q", got)
	}
	d = discordBot{}
	if got := d.caption(ctx, "", server.URL+"/cat.png"); got != ":)" {
		t.Fatalf("got %q", got)
	}
}

func TestChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in := struct {
			Prompt string   `json:"prompt"`
			Stop   []string `json:"stop"`
		}{}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Error(err)
		}
		if in.Prompt != "Question: \"why?\"\nAnswer:" || !cmp.Equal(in.Stop, []string{"Question:"}) {
			t.Errorf("unexpected request %+v", in)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","object":"text_completion","created":1,"model":"e","choices":[{"text":" Because.","index":0,"finish_reason":"stop"}]}`))
	}))
	defer server.Close()
	l, err := llm.New(&llm.Options{Remote: server.URL + "/v1", Engine: "e"}, "key")
	if err != nil {
		t.Fatal(err)
	}
	ctx, _ := internaltest.Log(t)
	d := discordBot{l: l}
	if got := d.chat(ctx, "why?"); got != "Because." {
		t.Fatalf("got %q", got)
	}
	if got := d.chat(ctx, ""); got != ":)" {
		t.Fatalf("got %q", got)
	}
}

func TestSource(t *testing.T) {
	d := discordBot{}
	got := d.source(&discordgo.User{ID: "42", Username: "bob", Discriminator: "0"}, "100", "")
	want := gateway.SourceSettings{Origin: "discord", Author: 42, AuthorName: "bob", Guild: 100}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestRun(t *testing.T) {
	g := &fakeGenerator{}
	d := discordBot{gen: g, settings: edenbot.Settings{RefreshInterval: time.Second, GenerationTimeout: time.Minute}}
	cfg, err := dreamConfig(&edenbot.DreamArgs{TextInput: "a cat", AspectRatio: "square"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	i := &discordgo.Interaction{GuildID: "1", ChannelID: "2"}
	u := &discordgo.User{ID: "42", Username: "bob", Discriminator: "0"}
	opts := d.loopOptions(dreamStartMsg("a cat", u.ID), u, i, cfg)
	up := &fakeUpdater{}
	ctx, _ := internaltest.Log(t)
	d.run(ctx, up, opts)
	want := []gateway.Update{
		{Content: "**a cat** - <@!42>\n"},
		{Content: "**a cat** - <@!42>\n", Image: []byte("img"), ImageName: "creation.png", Done: true},
	}
	if diff := cmp.Diff(want, up.updates); diff != "" {
		t.Fatal(diff)
	}
	wantOpts := &gateway.LoopOptions{
		StartMessage:    "**a cat** - <@!42>\n",
		Source:          gateway.SourceSettings{Origin: "discord", Author: 42, AuthorName: "bob", Guild: 1, Channel: 2},
		Config:          *cfg,
		RefreshInterval: time.Second,
		Timeout:         time.Minute,
	}
	if diff := cmp.Diff(wantOpts, g.opts); diff != "" {
		t.Fatal(diff)
	}
}

type fakeGenerator struct {
	opts *gateway.LoopOptions
}

func (f *fakeGenerator) Loop(ctx context.Context, u gateway.Updater, opts *gateway.LoopOptions) error {
	f.opts = opts
	return u.Update(ctx, &gateway.Update{Content: opts.StartMessage, Image: []byte("img"), ImageName: "creation.png", Done: true})
}

type fakeUpdater struct {
	updates []gateway.Update
}

func (f *fakeUpdater) Update(ctx context.Context, u *gateway.Update) error {
	f.updates = append(f.updates, *u)
	return nil
}

func TestShouldReply(t *testing.T) {
	stage := &edenbot.Stage{AllowedChannels: []string{"2"}}
	human := &discordgo.User{ID: "42"}
	att := []*discordgo.MessageAttachment{{URL: "http://cdn/cat.png"}}
	data := []struct {
		name     string
		m        discordgo.Message
		chat     bool
		reply    bool
		hasImage bool
	}{
		{"image", discordgo.Message{ChannelID: "2", Author: human, Content: "<@1> what?", Attachments: att}, false, true, true},
		{"image_nickname", discordgo.Message{ChannelID: "2", Author: human, Content: "<@!1>", Attachments: att}, false, true, true},
		{"text_chat", discordgo.Message{ChannelID: "2", Author: human, Content: "<@1> hi"}, true, true, false},
		{"text_no_chat", discordgo.Message{ChannelID: "2", Author: human, Content: "<@1> hi"}, false, false, false},
		{"not_mentioned", discordgo.Message{ChannelID: "2", Author: human, Content: "hi", Attachments: att}, true, false, false},
		{"channel", discordgo.Message{ChannelID: "3", Author: human, Content: "<@1> hi", Attachments: att}, true, false, false},
		{"self", discordgo.Message{ChannelID: "2", Author: &discordgo.User{ID: "1"}, Content: "<@1> hi", Attachments: att}, true, false, false},
		{"bot", discordgo.Message{ChannelID: "2", Author: &discordgo.User{ID: "7", Bot: true}, Content: "<@1> hi", Attachments: att}, true, false, false},
		{"no_author", discordgo.Message{ChannelID: "2", Content: "<@1> hi", Attachments: att}, true, false, false},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			settings := edenbot.Settings{ChatOnMention: line.chat}
			reply, hasImage := shouldReply(&line.m, "1", stage, &settings)
			if reply != line.reply || hasImage != line.hasImage {
				t.Fatalf("got %t, %t; want %t, %t", reply, hasImage, line.reply, line.hasImage)
			}
		})
	}
}

func TestOnDream(t *testing.T) {
	data := []struct {
		name    string
		channel string
		text    string
		want    []string
	}{
		{
			"not_allowed", "9", "a cat",
			[]string{"respond:" + notAllowedMsg},
		},
		{
			"filtered", "2", "gore",
			[]string{"respond", "moderate:gore", "edit:" + filterMsg("42")},
		},
		{
			"generated", "2", "a cat",
			[]string{"respond", "moderate:a cat", "edit:**a cat** - <@!42>\n", "loop", "edit:**a cat** - <@!42>\n +file +buttons"},
		},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			d, f := newTestBot(t)
			i := &discordgo.Interaction{ChannelID: line.channel, Member: &discordgo.Member{User: &discordgo.User{ID: "42", Username: "bob", Discriminator: "0"}}}
			d.onDream(i, &edenbot.DreamArgs{TextInput: line.text, AspectRatio: "square"})
			if diff := cmp.Diff(line.want, f.calls); diff != "" {
				t.Fatal(diff)
			}
			remembered := 0
			if line.name == "generated" {
				remembered = 1
			}
			if f.opts != nil && f.opts.Config.Mode != gateway.Generate {
				t.Fatalf("got %+v", f.opts.Config)
			}
			if got := countDreams(d.mem); got != remembered {
				t.Fatalf("remembered %d dreams", got)
			}
		})
	}
}

func TestOnLerp(t *testing.T) {
	data := []struct {
		name    string
		channel string
		text2   string
		want    []string
	}{
		{
			"not_allowed", "9", "a dog",
			[]string{"respond:" + notAllowedMsg},
		},
		{
			"filtered", "2", "gore",
			[]string{"respond", "moderate:a cat", "moderate:gore", "edit:" + filterMsg("42")},
		},
		{
			"generated", "2", "a dog",
			[]string{"respond", "moderate:a cat", "moderate:a dog", "edit:**a cat** to **a dog** - <@!42>\n", "loop", "edit:**a cat** to **a dog** - <@!42>\n +file"},
		},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			d, f := newTestBot(t)
			i := &discordgo.Interaction{ChannelID: line.channel, User: &discordgo.User{ID: "42", Username: "bob", Discriminator: "0"}}
			d.onLerp(i, &lerpArgs{TextInput1: "a cat", TextInput2: line.text2, AspectRatio: "portrait"})
			if diff := cmp.Diff(line.want, f.calls); diff != "" {
				t.Fatal(diff)
			}
			if line.name == "generated" {
				if f.opts.Config.Mode != gateway.Interpolate || f.opts.Config.NInterpolate != lerpFrames {
					t.Fatalf("got %+v", f.opts.Config)
				}
			}
		})
	}
}

func TestOnDream_Closed(t *testing.T) {
	d, f := newTestBot(t)
	d.drain()
	i := &discordgo.Interaction{ChannelID: "2", User: &discordgo.User{ID: "42"}}
	d.onDream(i, &edenbot.DreamArgs{TextInput: "a cat", AspectRatio: "square"})
	d.onLerp(i, &lerpArgs{TextInput1: "a cat", TextInput2: "a dog", AspectRatio: "square"})
	if len(f.calls) != 0 {
		t.Fatalf("got %v", f.calls)
	}
}

func TestStart(t *testing.T) {
	d := discordBot{}
	if !d.start() {
		t.Fatal("expected to accept work")
	}
	done := make(chan struct{})
	go func() {
		d.drain()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("drain returned with work in flight")
	case <-time.After(10 * time.Millisecond):
	}
	d.wg.Done()
	<-done
	if d.start() {
		t.Fatal("expected to refuse work once closed")
	}
}

func TestInteractionUpdater(t *testing.T) {
	f := &fakeDiscord{}
	buttons := []discordgo.MessageComponent{discordgo.ActionsRow{}}
	up := &interactionUpdater{resp: f, int: &discordgo.Interaction{}, components: buttons}
	ctx, _ := internaltest.Log(t)
	updates := []gateway.Update{
		{Content: "a"},
		{Content: "b", Image: []byte("img"), ImageName: "creation.png"},
		{Content: "c"},
		{Content: "d", Done: true},
		{Content: "e", Done: true, Failed: true},
	}
	for _, u := range updates {
		if err := up.Update(ctx, &u); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"edit:a", "edit:b +file", "edit:c", "edit:d +buttons", "edit:e"}
	if diff := cmp.Diff(want, f.calls); diff != "" {
		t.Fatal(diff)
	}
	// Only the update with an image replaces the attachments.
	for i, e := range f.edits {
		if got := e.Attachments != nil; got != (i == 1) {
			t.Errorf("#%d: attachments replaced: %t", i, got)
		}
		if len(e.Files) != 0 && e.Files[0].ContentType != "image/png" {
			t.Errorf("#%d: got %q", i, e.Files[0].ContentType)
		}
	}
}

// newTestBot returns a bot allowed in channel "2" with the content filter on,
// backed by a moderation server that flags "gore".
func newTestBot(t *testing.T) (*discordBot, *fakeDiscord) {
	f := &fakeDiscord{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in := struct {
			Input string `json:"input"`
		}{}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Error(err)
		}
		f.add("moderate:" + in.Input)
		flagged := "false"
		if strings.Contains(in.Input, "gore") {
			flagged = "true"
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"modr-1","model":"m","results":[{"flagged":` + flagged + `}]}`))
	}))
	t.Cleanup(server.Close)
	l, err := llm.New(&llm.Options{Remote: server.URL + "/v1", Engine: "e"}, "key")
	if err != nil {
		t.Fatal(err)
	}
	ctx, _ := internaltest.Log(t)
	d := &discordBot{
		ctx:      ctx,
		resp:     f,
		stage:    &edenbot.Stage{AllowedChannels: []string{"2"}},
		settings: edenbot.Settings{ContentFilterOn: true, RefreshInterval: time.Second, GenerationTimeout: time.Minute},
		l:        l,
		gen:      f,
		mem:      &edenbot.Memory{},
	}
	return d, f
}

func countDreams(m *edenbot.Memory) int {
	b := bytes.Buffer{}
	if err := m.Save(&b); err != nil {
		return -1
	}
	s := struct {
		Dreams []json.RawMessage `json:"d"`
	}{}
	if err := json.Unmarshal(b.Bytes(), &s); err != nil {
		return -1
	}
	return len(s.Dreams)
}

// fakeDiscord records the interaction responses and the generations in the
// order they happen.
type fakeDiscord struct {
	mu    sync.Mutex
	calls []string
	edits []*discordgo.WebhookEdit
	opts  *gateway.LoopOptions
}

func (f *fakeDiscord) add(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeDiscord) InteractionRespond(i *discordgo.Interaction, r *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	s := "respond"
	if r.Data != nil {
		s += ":" + r.Data.Content
	}
	f.add(s)
	return nil
}

func (f *fakeDiscord) InteractionResponseEdit(i *discordgo.Interaction, e *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	s := "edit"
	if e.Content != nil {
		s += ":" + *e.Content
	}
	if len(e.Files) != 0 {
		s += " +file"
	}
	if e.Components != nil {
		s += " +buttons"
	}
	f.add(s)
	f.mu.Lock()
	f.edits = append(f.edits, e)
	f.mu.Unlock()
	return &discordgo.Message{}, nil
}

func (f *fakeDiscord) Loop(ctx context.Context, u gateway.Updater, opts *gateway.LoopOptions) error {
	f.add("loop")
	f.opts = opts
	return u.Update(ctx, &gateway.Update{Content: opts.StartMessage, Image: []byte("img"), ImageName: "creation.png", Done: true})
}
