// omnisage - local LLM chat with model-group routing.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/omnisage/internal/chat"
	"github.com/jeranaias/omnisage/internal/classify"
	"github.com/jeranaias/omnisage/internal/cli"
	"github.com/jeranaias/omnisage/internal/config"
	"github.com/jeranaias/omnisage/internal/llama"
	"github.com/jeranaias/omnisage/internal/pool"
	"github.com/jeranaias/omnisage/internal/server"
	"github.com/jeranaias/omnisage/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	command := "chat"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "chat":
		run(args, false)
	case "serve":
		run(args, true)
	case "version", "-v", "--version":
		fmt.Printf("omnisage %s (%s, built %s)\n", Version, GitCommit, BuildDate)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`omnisage - local LLM chat with model-group routing

Usage:
  omnisage [chat]   Start the interactive chat shell (default)
  omnisage serve    Run the HTTP API server
  omnisage version  Print version information

Flags:
  -config PATH   Config file (default: ~/.omnisage/config.toml)
  -db PATH       Chat database (default: ~/.omnisage/omnisage.db)
  -addr ADDR     Listen address for serve (default from config)
  -quiet         Suppress banners and per-answer stats
  -debug         Verbose logging
`)
}

func run(args []string, serve bool) {
	flags := flag.NewFlagSet("omnisage", flag.ExitOnError)
	configPath := flags.String("config", "", "config file path")
	dbPath := flags.String("db", "", "chat database path")
	addr := flags.String("addr", "", "listen address (serve only)")
	quiet := flags.Bool("quiet", false, "suppress banners and stats")
	debug := flags.Bool("debug", false, "verbose logging")
	flags.Parse(args)

	// The REPL owns stdout; keep log noise out of it unless asked for.
	if !*debug && !serve {
		log.SetOutput(io.Discard)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	deps, engine, store, cleanup, err := wire(cfg)
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serve {
		srv := server.New(cfg.Server, deps, store).WithEngine(engine)
		if err := srv.Start(ctx); err != nil && err != context.Canceled {
			fatal(err)
		}
		return
	}

	repl := cli.New(deps, store, engine, *quiet)
	if err := repl.Run(ctx); err != nil {
		fatal(err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// wire builds the shared collaborators from config. The returned cleanup
// closes the store and stops the route watcher.
func wire(cfg *config.Config) (chat.Deps, *llama.Client, *storage.Store, func(), error) {
	reg, err := cfg.Registry()
	if err != nil {
		return chat.Deps{}, nil, nil, nil, err
	}

	engine := llama.NewClient(&llama.ClientConfig{
		BaseURL:     cfg.Engine.URL,
		Timeout:     time.Duration(cfg.Engine.TimeoutSecs) * time.Second,
		LoadTimeout: time.Duration(cfg.Engine.LoadTimeoutSecs) * time.Second,
		KeepAlive:   cfg.Engine.KeepAlive,
	})

	routerDir, err := cfg.RouterDir()
	if err != nil {
		return chat.Deps{}, nil, nil, nil, err
	}
	classifier, err := classify.NewRouteClassifier(routerDir, cfg.DefaultGroup)
	if err != nil {
		return chat.Deps{}, nil, nil, nil, err
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	if cfg.Router.Watch {
		go func() {
			if err := classifier.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
				log.Printf("MAIN: route watcher stopped: %v", err)
			}
		}()
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		stopWatch()
		return chat.Deps{}, nil, nil, nil, err
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		stopWatch()
		return chat.Deps{}, nil, nil, nil, err
	}

	deps := chat.Deps{
		Registry:   reg,
		Pool:       pool.New(engine, reg),
		Classifier: classifier,
		Store:      store,
	}

	cleanup := func() {
		stopWatch()
		if err := store.Close(); err != nil {
			log.Printf("MAIN: closing store: %v", err)
		}
	}
	return deps, engine, store, cleanup, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
