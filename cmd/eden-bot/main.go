// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Discord bot that dreams images up and describes the ones it is shown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"runtime/trace"
	"strings"
	"sync"
	"syscall"

	"github.com/maruel/edenbot"
	"github.com/maruel/edenbot/internal"
)

func mainImpl() error {
	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	programLevel := &slog.LevelVar{}
	internal.InitLog(programLevel)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		slog.Info("main", "message", "quitting")
	}()

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg := edenbot.Config{}
	bottoken := flag.String("bot-token", "", "Bot Token; get one at https://discord.com/developers/applications. Defaults to $DISCORD_TOKEN")
	dotenv := flag.String("env", ".env", "File to load environment variables from, if present")
	cache := flag.String("cache", filepath.Join(wd, "cache"), "Directory where the bot's memory is kept")
	config := flag.String("config", "config.yml", "Configuration file. If not present, it is automatically created.")
	version := flag.Bool("version", false, "Print version then exit")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	cpuprofile := flag.String("cpuprofile", "", "file to save trace to. A frequent name is cpu.pprof; you can analyze it with go tool pprof -http=:6060 cpu.pprof")
	tracefile := flag.String("trace", "", "file to save trace to. A frequent name is trace.out; you can analyze it with go tool trace -http=:6060 trace.out")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return errors.New("unexpected argument")
	}
	if *version {
		fmt.Printf("eden-bot %s\n", internal.Commit())
		return nil
	}
	if *tracefile != "" {
		f, err2 := os.Create(*tracefile)
		if err2 != nil {
			return err2
		}
		defer f.Close()
		if err = trace.Start(f); err != nil {
			return err
		}
		defer trace.Stop()
	}
	if *cpuprofile != "" {
		f, err2 := os.Create(*cpuprofile)
		if err2 != nil {
			return err2
		}
		defer f.Close()
		if err = pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}
	if *verbose {
		programLevel.Set(slog.LevelDebug)
	}
	e, err := edenbot.LoadEnv(*dotenv)
	if err != nil {
		return err
	}
	if err = cfg.LoadOrDefault(*config); err != nil {
		return err
	}
	if e.Stage != "" {
		cfg.StageName = e.Stage
		if err = cfg.Validate(); err != nil {
			return err
		}
	}
	if *bottoken == "" {
		*bottoken = e.DiscordToken
	}
	if *bottoken == "" {
		b, err2 := os.ReadFile("token_discord.txt")
		if err2 != nil || len(b) < 10 {
			return errors.New("-bot-token, $DISCORD_TOKEN or a 'token_discord.txt' is required")
		}
		*bottoken = strings.TrimSpace(string(b))
	}
	if err = os.MkdirAll(*cache, 0o755); err != nil {
		return err
	}
	c, err := edenbot.LoadClients(ctx, &cfg, e)
	if err != nil {
		return err
	}

	// Load memory.
	mem := &edenbot.Memory{}
	memcache := filepath.Join(*cache, "dreams.json")
	f, err := os.Open(memcache)
	if err == nil {
		err = mem.Load(f)
		_ = f.Close()
		if err != nil {
			slog.Error("main", "message", "failed to load memory", "error", err)
			// Continue anyway.
		}
	} else {
		slog.Info("main", "memory", "no memory to load", "error", err)
	}

	d, err := newDiscordBot(ctx, *bottoken, *verbose, &cfg, c, mem)
	if err != nil {
		return err
	}
	<-ctx.Done()
	err = d.Close()
	// Save memory.
	f, err2 := os.Create(memcache)
	if err2 != nil {
		return err2
	}
	err2 = mem.Save(f)
	err3 := f.Close()
	if err2 != nil {
		return err2
	}
	if err3 != nil {
		return err3
	}
	return err
}

func main() {
	if err := mainImpl(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "\neden-bot: %v\n", err.Error())
		os.Exit(1)
	}
}
