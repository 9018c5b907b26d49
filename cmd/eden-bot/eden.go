// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/maruel/edenbot"
	"github.com/maruel/edenbot/gateway"
)

const (
	notAllowedMsg = "This command is not available in this channel."
	// errorReply is the answer to any failure while captioning.
	errorReply = ":)"
	// captionPrefix frames an image description when no question was asked.
	captionPrefix = "This is a picture of "

	lerpFrames = 12
	lerpSteps  = 25
	// maxCompletionTokens caps both captions and chat replies.
	maxCompletionTokens = 100
	captionTemperature  = 0.5
)

// getDimensions returns the image width and height for an aspect ratio.
func getDimensions(aspectRatio string, large bool) (int, int, error) {
	switch aspectRatio {
	case "square":
		if large {
			return 768, 768, nil
		}
		return 512, 512, nil
	case "landscape":
		if large {
			return 896, 640, nil
		}
		return 640, 384, nil
	case "portrait":
		if large {
			return 640, 896, nil
		}
		return 384, 640, nil
	default:
		return 0, 0, fmt.Errorf("unknown aspect ratio %q", aspectRatio)
	}
}

// ddimSteps returns the number of sampling steps.
func ddimSteps(fast bool) int {
	if fast {
		return 15
	}
	return 50
}

func filterMsg(authorID string) string {
	return "Content filter triggered, <@!" + authorID + ">. Please don't make me draw that. If you think it was a mistake, modify your prompt slightly and try again."
}

func dreamStartMsg(text, authorID string) string {
	return "**" + text + "** - <@!" + authorID + ">\n"
}

func lerpStartMsg(text1, text2, authorID string) string {
	return "**" + text1 + "** to **" + text2 + "** - <@!" + authorID + ">\n"
}

// dreamConfig returns the generator configuration for a dream.
func dreamConfig(args *edenbot.DreamArgs, seed int64) (*gateway.StableDiffusionConfig, error) {
	w, h, err := getDimensions(args.AspectRatio, args.Large)
	if err != nil {
		return nil, err
	}
	return &gateway.StableDiffusionConfig{
		Mode:      gateway.Generate,
		TextInput: args.TextInput,
		Width:     w,
		Height:    h,
		DDIMSteps: ddimSteps(args.Fast),
		Seed:      seed,
	}, nil
}

// lerpArgs are the arguments of a lerp command.
type lerpArgs struct {
	TextInput1  string `json:"text_input1"`
	TextInput2  string `json:"text_input2"`
	AspectRatio string `json:"aspect_ratio"`
}

// lerpConfig returns the generator configuration for an interpolation
// between two prompts.
func lerpConfig(args *lerpArgs, seed int64) (*gateway.StableDiffusionConfig, error) {
	w, h, err := getDimensions(args.AspectRatio, false)
	if err != nil {
		return nil, err
	}
	return &gateway.StableDiffusionConfig{
		Mode:               gateway.Interpolate,
		TextInput:          args.TextInput1,
		InterpolationTexts: []string{args.TextInput1, args.TextInput2},
		NInterpolate:       lerpFrames,
		Width:              w,
		Height:             h,
		DDIMSteps:          lerpSteps,
		Seed:               seed,
		FixedCode:          true,
	}, nil
}

// isMentioned returns true if the bot is mentioned in the message.
func isMentioned(m *discordgo.Message, botID string) bool {
	for _, u := range m.Mentions {
		if u.ID == botID {
			return true
		}
	}
	return strings.Contains(m.Content, "<@"+botID+">") || strings.Contains(m.Content, "<@!"+botID+">")
}

// shouldReply returns true if the bot answers the message, and whether the
// answer is about the attached image.
//
// Only mentions from humans in allowed channels are answered. A mention
// without an attachment is answered only when chatting is enabled.
func shouldReply(m *discordgo.Message, botID string, stage *edenbot.Stage, settings *edenbot.Settings) (bool, bool) {
	if !stage.IsAllowed(m.ChannelID) || m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return false, false
	}
	if !isMentioned(m, botID) {
		return false, false
	}
	hasImage := len(m.Attachments) != 0
	if !hasImage && !settings.ChatOnMention {
		return false, false
	}
	return true, hasImage
}

// preprocessMessage removes the first mention of the bot, replaces the
// other user mentions with their user name and trims the result.
func preprocessMessage(content, botID string, mentions []*discordgo.User) string {
	first := -1
	tag := ""
	for _, t := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if i := strings.Index(content, t); i != -1 && (first == -1 || i < first) {
			first = i
			tag = t
		}
	}
	if first != -1 {
		content = content[:first] + content[first+len(tag):]
	}
	for _, u := range mentions {
		content = strings.ReplaceAll(content, "<@"+u.ID+">", u.Username)
		content = strings.ReplaceAll(content, "<@!"+u.ID+">", u.Username)
	}
	return strings.TrimSpace(content)
}

// questionPrompt frames a question for a completion model.
func questionPrompt(prompt string) string {
	return "Question: \"" + prompt + "\"\nAnswer:"
}

// captionPrompt returns the text to send along the image, the prefix to put
// in front of the completion and the stop sequences.
func captionPrompt(prompt string) (string, string, []string) {
	if prompt == "" {
		return captionPrefix, captionPrefix, nil
	}
	return questionPrompt(prompt), "", []string{"Question:"}
}

// cleanCompletion strips the padding models like to add.
func cleanCompletion(s string) string {
	return strings.Trim(s, " \"")
}

func optionsToStruct(opts []*discordgo.ApplicationCommandInteractionDataOption, out any) error {
	// The world's slowest implementation.
	t := map[string]any{}
	for _, o := range opts {
		t[o.Name] = o.Value
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
