// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// affinity-peer is a scripted duplex client for affinity-server. It
// renders the server's commands into an in-memory document, answers
// synchronous calls from it, and sends the events given with --event.
//
// Several peers can run at once (--count) to exercise dedicated routes
// under concurrency.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/affinity/lib/cli"
	"github.com/bureau-foundation/affinity/lib/codec"
	"github.com/bureau-foundation/affinity/lib/version"
	"github.com/bureau-foundation/affinity/peer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	url         string
	codecName   string
	events      []string
	sets        []string
	count       int
	maxAttempts int
	hold        time.Duration
	waitHealthy time.Duration
	verbose     bool
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("affinity-peer", pflag.ContinueOnError)
	flagSet.StringVar(&opts.url, "url", "ws://127.0.0.1:8700/ws/echo", "duplex route to dial")
	flagSet.StringVar(&opts.codecName, "codec", "json", "wire format: json or cbor")
	flagSet.StringArrayVarP(&opts.events, "event", "e", nil, "event to send after connecting (repeatable, sent in order)")
	flagSet.StringArrayVar(&opts.sets, "set", nil, "preset a document value as id=value (repeatable)")
	flagSet.IntVarP(&opts.count, "count", "n", 1, "number of concurrent peers")
	flagSet.IntVar(&opts.maxAttempts, "max-attempts", 5, "consecutive failed dials before giving up (0 retries forever)")
	flagSet.DurationVar(&opts.hold, "hold", 0, "stay connected this long after the events, then close (0 waits for the server or a signal)")
	flagSet.DurationVar(&opts.waitHealthy, "wait-healthy", 0, "poll /healthz for up to this long before dialing")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("affinity-peer")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	frameCodec, ok := codec.ForName(opts.codecName)
	if !ok {
		return fmt.Errorf("unknown codec %q (want json or cbor)", opts.codecName)
	}
	if opts.count < 1 {
		return fmt.Errorf("--count must be at least 1, got %d", opts.count)
	}
	presets, err := parseSets(opts.sets)
	if err != nil {
		return err
	}

	logger := cli.NewLogger(opts.verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.waitHealthy > 0 {
		if err := waitHealthy(ctx, opts.url, opts.waitHealthy, logger); err != nil {
			return err
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	for i := range opts.count {
		peerLogger := logger.With("peer", i)
		document := peer.NewDocument()
		for id, value := range presets {
			document.Set(id, "", value)
		}
		p := peer.New(peer.Config{
			URL:         opts.url,
			Codec:       frameCodec,
			Document:    document,
			MaxAttempts: opts.maxAttempts,
			Logger:      peerLogger,
		})
		group.Go(func() error {
			err := p.Run(ctx, script(opts))
			peerLogger.Info("peer finished", "applied", document.Applied(), "error", err)
			return err
		})
	}
	return group.Wait()
}

// script returns the per-session callback: send every event in order,
// then close after --hold if one is set.
func script(opts options) func(ctx context.Context, session *peer.Session) error {
	return func(ctx context.Context, session *peer.Session) error {
		for _, name := range opts.events {
			if err := session.SendEvent(name, nil); err != nil {
				return fmt.Errorf("sending event %q: %w", name, err)
			}
		}
		if opts.hold <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.hold):
		}
		return session.RequestClose()
	}
}

func parseSets(sets []string) (map[string]string, error) {
	presets := make(map[string]string, len(sets))
	for _, set := range sets {
		id, value, ok := strings.Cut(set, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("--set wants id=value, got %q", set)
		}
		presets[id] = value
	}
	return presets, nil
}

// healthURL maps a ws:// route URL to the server's http:// base.
func healthURL(routeURL string) (string, error) {
	parsed, err := url.Parse(routeURL)
	if err != nil {
		return "", fmt.Errorf("parsing --url: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("--url must be ws:// or wss://, got %q", routeURL)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	return parsed.String(), nil
}

func waitHealthy(ctx context.Context, routeURL string, timeout time.Duration, logger *slog.Logger) error {
	base, err := healthURL(routeURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		health, err := peer.CheckHealth(ctx, client, base)
		if err == nil {
			logger.Info("server healthy", "version", health.Version, "connections", health.Connections)
			return nil
		}
		logger.Debug("server not healthy yet", "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("server at %s not healthy after %s: %w", base, timeout, err)
		case <-ticker.C:
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `affinity-peer: scripted duplex client for affinity-server

Usage:
  affinity-peer [flags]

Examples:
  affinity-peer --url ws://127.0.0.1:8700/ws/echo --set input=hello -e submit --hold 1s
  affinity-peer --url ws://127.0.0.1:8700/ws/counter --codec cbor -e increment -n 10

Flags:
`)
	flagSet.PrintDefaults()
}
