// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/maruel/edenbot"
	"github.com/maruel/edenbot/gateway"
	"github.com/maruel/edenbot/internal"
	"github.com/maruel/edenbot/llm"
	"github.com/maruel/edenbot/magma"
)

// dreamAgainPrefix prefixes the custom ID of the "Dream again" button. The
// rest is the ID of the dream in memory.
const dreamAgainPrefix = "dream_again:"

// generator runs a generation to completion, pushing progress to an
// Updater.
type generator interface {
	Loop(ctx context.Context, u gateway.Updater, opts *gateway.LoopOptions) error
}

// responder edits interaction responses. It is implemented by
// *discordgo.Session.
type responder interface {
	InteractionRespond(i *discordgo.Interaction, r *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(i *discordgo.Interaction, e *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// discordBot is the live instance of the bot talking to the Discord API.
//
// Throughout the code, a Discord Server is called a "Guild". See
// https://discord.com/developers/docs/quick-start/overview-of-apps#where-are-apps-installed
type discordBot struct {
	ctx      context.Context
	dg       *discordgo.Session
	resp     responder
	stage    *edenbot.Stage
	settings edenbot.Settings
	l        *llm.Session
	magma    *magma.Client
	gen      generator
	mem      *edenbot.Memory

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// newDiscordBot opens a websocket connection to Discord and begin listening.
func newDiscordBot(ctx context.Context, bottoken string, verbose bool, cfg *edenbot.Config, c *edenbot.Clients, mem *edenbot.Memory) (*discordBot, error) {
	stage, err := cfg.Stage()
	if err != nil {
		return nil, err
	}
	discordgo.Logger = func(msgL, caller int, format string, a ...any) {
		msg := fmt.Sprintf(format, a...)
		switch msgL {
		case discordgo.LogDebug:
			slog.Debug(msg)
		case discordgo.LogInformational:
			slog.Info(msg)
		case discordgo.LogWarning:
			slog.Warn(msg)
		case discordgo.LogError:
			slog.Error(msg)
		}
	}
	dg, err := discordgo.New("Bot " + bottoken)
	if err != nil {
		return nil, err
	}
	if verbose {
		dg.LogLevel = discordgo.LogInformational
	}
	// The message content is needed to process the mentions.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	d := &discordBot{
		ctx:      ctx,
		dg:       dg,
		resp:     dg,
		stage:    stage,
		settings: cfg.Settings,
		l:        c.LLM,
		magma:    c.Magma,
		gen:      c.Gateway,
		mem:      mem,
	}
	// The events are listed at
	// https://discord.com/developers/docs/topics/gateway-events#receive-events
	// Note that all messages are called asynchronously.
	_ = dg.AddHandler(d.onReady)
	_ = dg.AddHandler(d.onMessageCreate)
	_ = dg.AddHandler(d.onInteractionCreate)
	if err = dg.Open(); err != nil {
		_ = d.dg.Close()
		return nil, err
	}
	slog.Info("discord", "state", "running", "info", "Press CTRL-C to exit.")
	return d, nil
}

// Close closes the connection and waits for the pending generations, which
// are cancelled along with the bot's context.
func (d *discordBot) Close() error {
	slog.Info("discord", "state", "terminating")
	err := d.dg.Close()
	d.drain()
	return err
}

// start registers a handler as in flight. It returns false once the bot is
// closing, in which case the event must be ignored.
func (d *discordBot) start() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

// drain stops accepting new events and waits for the ones in flight.
func (d *discordBot) drain() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Handlers

// onReady is received right after the initial handshake.
//
// Commands are registered per guild so they are available immediately.
// See https://discord.com/developers/docs/topics/gateway-events#ready
func (d *discordBot) onReady(dg *discordgo.Session, r *discordgo.Ready) {
	slog.Info("discord", "event", "ready", "user", r.User.String())
	cmds := commands()
	for _, g := range d.stage.Guilds {
		if _, err := dg.ApplicationCommandBulkOverwrite(r.Application.ID, g, cmds); err != nil {
			slog.Error("discord", "message", "failed to register commands", "guild", g, "error", err)
			continue
		}
		slog.Info("discord", "message", "registered commands", "guild", g, "number", len(cmds))
	}
}

// commands returns the slash commands.
//
// See https://discord.com/developers/docs/interactions/application-commands
func commands() []*discordgo.ApplicationCommand {
	aspectRatio := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "aspect_ratio",
		Description: "Aspect ratio of the image; defaults to square",
		Choices: []*discordgo.ApplicationCommandOptionChoice{
			{Name: "square", Value: "square"},
			{Name: "landscape", Value: "landscape"},
			{Name: "portrait", Value: "portrait"},
		},
	}
	return []*discordgo.ApplicationCommand{
		{
			Name:        "dream",
			Type:        discordgo.ChatApplicationCommand,
			Description: "Dream up an image from a prompt.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "text_input",
					Description: "Prompt",
					Required:    true,
				},
				aspectRatio,
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "large",
					Description: "Larger resolution, ~2.25x more pixels",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "fast",
					Description: "Fast generation, possibly some loss of quality",
				},
			},
		},
		{
			Name:        "lerp",
			Type:        discordgo.ChatApplicationCommand,
			Description: "Interpolate between two prompts.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "text_input1",
					Description: "First prompt",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "text_input2",
					Description: "Second prompt",
					Required:    true,
				},
				aspectRatio,
			},
		},
	}
}

// onMessageCreate is received when new message is created on any channel that
// the authenticated bot has access to.
//
// See https://discord.com/developers/docs/topics/gateway-events#message-create
func (d *discordBot) onMessageCreate(dg *discordgo.Session, m *discordgo.MessageCreate) {
	botid := dg.State.User.ID
	ok, hasImage := shouldReply(m.Message, botid, d.stage, &d.settings)
	if !ok || !d.start() {
		return
	}
	defer d.wg.Done()
	prompt := preprocessMessage(m.Content, botid, m.Mentions)
	slog.Info("discord", "event", "messageCreate", "author", m.Author.Username, "message", prompt, "attachments", len(m.Attachments))
	// Immediately signal the user that the bot is preparing a reply.
	if err := dg.ChannelTyping(m.ChannelID); err != nil {
		slog.Error("discord", "message", "failed posting 'user typing'", "error", err)
		// Continue anyway.
	}
	reply := ""
	if hasImage {
		reply = d.caption(d.ctx, prompt, m.Attachments[0].URL)
	} else {
		reply = d.chat(d.ctx, prompt)
	}
	if _, err := dg.ChannelMessageSendReply(m.ChannelID, reply, m.Reference()); err != nil {
		slog.Error("discord", "message", "failed posting reply", "error", err)
	}
}

func (d *discordBot) onInteractionCreate(dg *discordgo.Session, event *discordgo.InteractionCreate) {
	switch event.Type {
	case discordgo.InteractionApplicationCommand:
		data := event.ApplicationCommandData()
		slog.Info("discord", "event", "interactionCreate", "name", data.Name)
		switch data.Name {
		case "dream":
			args := edenbot.DreamArgs{AspectRatio: "square"}
			if err := optionsToStruct(data.Options, &args); err != nil {
				slog.Error("discord", "command", data.Name, "message", "failed decoding command options", "error", err)
				return
			}
			d.onDream(event.Interaction, &args)
		case "lerp":
			args := lerpArgs{AspectRatio: "square"}
			if err := optionsToStruct(data.Options, &args); err != nil {
				slog.Error("discord", "command", data.Name, "message", "failed decoding command options", "error", err)
				return
			}
			d.onLerp(event.Interaction, &args)
		default:
			slog.Warn("discord", "unexpected command", data.Name)
		}
	case discordgo.InteractionMessageComponent:
		data := event.MessageComponentData()
		slog.Info("discord", "event", "interactionCreate", "component", data.CustomID)
		id, ok := strings.CutPrefix(data.CustomID, dreamAgainPrefix)
		if !ok {
			slog.Warn("discord", "unexpected component", data.CustomID)
			return
		}
		dream := d.mem.Recall(id)
		if dream == nil {
			if err := d.interactionRespond(event.Interaction, "I don't remember this dream anymore. Please use /dream."); err != nil {
				slog.Error("discord", "message", "failed reply", "error", err)
			}
			return
		}
		args := dream.Args
		d.onDream(event.Interaction, &args)
	default:
		slog.Warn("discord", "message", "surprising interaction", "type", event.Type.String())
	}
}

func (d *discordBot) onDream(i *discordgo.Interaction, args *edenbot.DreamArgs) {
	if !d.start() {
		return
	}
	defer d.wg.Done()
	u := interactionUser(i)
	if !d.stage.IsAllowed(i.ChannelID) {
		if err := d.interactionRespond(i, notAllowedMsg); err != nil {
			slog.Error("discord", "command", "dream", "message", "failed reply", "error", err)
		}
		return
	}
	// The content filter and the generator are slow, so acknowledge first.
	if !d.deferResponse(i) {
		return
	}
	ctx := d.ctx
	if msg := d.filter(ctx, u.ID, args.TextInput); msg != "" {
		d.editResponse(i, msg)
		return
	}
	cfg, err := dreamConfig(args, gateway.NewSeed())
	if err != nil {
		d.editResponse(i, err.Error())
		return
	}
	dream := d.mem.Remember(args)
	up := &interactionUpdater{
		resp: d.resp,
		int:  i,
		components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Dream again", Style: discordgo.PrimaryButton, CustomID: dreamAgainPrefix + dream.ID},
			}},
		},
	}
	d.run(ctx, up, d.loopOptions(dreamStartMsg(args.TextInput, u.ID), u, i, cfg))
}

func (d *discordBot) onLerp(i *discordgo.Interaction, args *lerpArgs) {
	if !d.start() {
		return
	}
	defer d.wg.Done()
	u := interactionUser(i)
	if !d.stage.IsAllowed(i.ChannelID) {
		if err := d.interactionRespond(i, notAllowedMsg); err != nil {
			slog.Error("discord", "command", "lerp", "message", "failed reply", "error", err)
		}
		return
	}
	if !d.deferResponse(i) {
		return
	}
	ctx := d.ctx
	if msg := d.filter(ctx, u.ID, args.TextInput1, args.TextInput2); msg != "" {
		d.editResponse(i, msg)
		return
	}
	cfg, err := lerpConfig(args, gateway.NewSeed())
	if err != nil {
		d.editResponse(i, err.Error())
		return
	}
	up := &interactionUpdater{resp: d.resp, int: i}
	d.run(ctx, up, d.loopOptions(lerpStartMsg(args.TextInput1, args.TextInput2, u.ID), u, i, cfg))
}

func (d *discordBot) run(ctx context.Context, up gateway.Updater, opts *gateway.LoopOptions) {
	// Show the start message right away.
	if err := up.Update(ctx, &gateway.Update{Content: opts.StartMessage}); err != nil {
		slog.Error("discord", "message", "failed posting start message", "error", err)
	}
	if err := d.gen.Loop(ctx, up, opts); err != nil {
		slog.Error("discord", "mode", opts.Config.Mode, "text", opts.Config.TextInput, "error", err)
	}
}

func (d *discordBot) loopOptions(start string, u *discordgo.User, i *discordgo.Interaction, cfg *gateway.StableDiffusionConfig) *gateway.LoopOptions {
	return &gateway.LoopOptions{
		StartMessage:    start,
		Source:          d.source(u, i.GuildID, i.ChannelID),
		Config:          *cfg,
		RefreshInterval: d.settings.RefreshInterval,
		Timeout:         d.settings.GenerationTimeout,
	}
}

// source describes where a request comes from.
func (d *discordBot) source(u *discordgo.User, guildID, channelID string) gateway.SourceSettings {
	s := gateway.SourceSettings{
		Origin:     "discord",
		Author:     snowflake(u.ID),
		AuthorName: u.String(),
		Guild:      snowflake(guildID),
		Channel:    snowflake(channelID),
	}
	if d.dg != nil && d.dg.State != nil {
		if g, err := d.dg.State.Guild(guildID); err == nil {
			s.GuildName = g.Name
		}
		if c, err := d.dg.State.Channel(channelID); err == nil {
			s.ChannelName = c.Name
		}
	}
	return s
}

// filter returns the message to reply when one of the texts is rejected
// by the content filter, or "" if they are all fine.
func (d *discordBot) filter(ctx context.Context, authorID string, texts ...string) string {
	if !d.settings.ContentFilterOn {
		return ""
	}
	for _, t := range texts {
		ok, err := d.l.ContentSafe(ctx, t)
		if err != nil {
			slog.Error("discord", "message", "content filter failed; assuming unsafe", "text", t, "error", err)
		}
		if !ok {
			return filterMsg(authorID)
		}
	}
	return ""
}

// caption answers a question about an image, or describes it when prompt is
// empty. Errors are logged and answered with a smiley.
func (d *discordBot) caption(ctx context.Context, prompt, imageURL string) string {
	if d.magma == nil {
		slog.Warn("discord", "message", "image captioning is disabled")
		return errorReply
	}
	img, err := magma.ImageFromURL(ctx, imageURL)
	if err != nil {
		slog.Error("discord", "message", "failed to fetch image", "url", imageURL, "error", err)
		return errorReply
	}
	text, prefix, stop := captionPrompt(prompt)
	req := magma.CompletionRequest{
		Prompt:        magma.Prompt{img, magma.Text(text)},
		MaximumTokens: maxCompletionTokens,
		Temperature:   captionTemperature,
		StopSequences: stop,
	}
	resp, err := d.magma.Complete(ctx, &req)
	if err != nil {
		slog.Error("discord", "message", "failed to caption", "error", err)
		return errorReply
	}
	return prefix + cleanCompletion(resp.Completions[0].Completion)
}

// chat answers a text question.
func (d *discordBot) chat(ctx context.Context, prompt string) string {
	if d.l == nil || prompt == "" {
		return errorReply
	}
	reply, err := d.l.Complete(ctx, questionPrompt(prompt), maxCompletionTokens, []string{"Question:"})
	if err != nil {
		slog.Error("discord", "message", "failed to chat", "error", err)
		return errorReply
	}
	if reply = cleanCompletion(reply); reply == "" {
		return errorReply
	}
	return reply
}

func (d *discordBot) interactionRespond(i *discordgo.Interaction, s string) error {
	r := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseChannelMessageWithSource, Data: &discordgo.InteractionResponseData{Content: s}}
	return d.resp.InteractionRespond(i, r)
}

func (d *discordBot) deferResponse(i *discordgo.Interaction) bool {
	r := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredChannelMessageWithSource}
	if err := d.resp.InteractionRespond(i, r); err != nil {
		slog.Error("discord", "message", "failed to acknowledge interaction", "error", err)
		return false
	}
	return true
}

func (d *discordBot) editResponse(i *discordgo.Interaction, s string) {
	if _, err := d.resp.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &s}); err != nil {
		slog.Error("discord", "message", "failed to edit reply", "error", err)
	}
}

// interactionUpdater edits the interaction's response in place. An update
// without an image leaves the current attachment untouched.
type interactionUpdater struct {
	resp responder
	int  *discordgo.Interaction
	// components are attached once the generation succeeded.
	components []discordgo.MessageComponent
}

func (i *interactionUpdater) Update(ctx context.Context, u *gateway.Update) error {
	content := u.Content
	resp := discordgo.WebhookEdit{Content: &content}
	if len(u.Image) != 0 {
		resp.Files = []*discordgo.File{{Name: u.ImageName, ContentType: mime.TypeByExtension(filepath.Ext(u.ImageName)), Reader: bytes.NewReader(u.Image)}}
		// Replace the previous creation instead of accumulating them.
		resp.Attachments = &[]*discordgo.MessageAttachment{}
	}
	if u.Done && !u.Failed && len(i.components) != 0 {
		resp.Components = &i.components
	}
	_, err := i.resp.InteractionResponseEdit(i.int, &resp, discordgo.WithContext(ctx))
	if err != nil {
		internal.Logger(ctx).Error("discord", "message", "failed to update", "error", err)
	}
	return err
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	if i.User != nil {
		return i.User
	}
	return &discordgo.User{}
}

// snowflake parses a Discord ID. Invalid IDs, like in direct messages
// without a guild, are 0.
func snowflake(id string) uint64 {
	v, _ := strconv.ParseUint(id, 10, 64)
	return v
}
