// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// affinity-server serves duplex and HTTP routes with per-route thread
// affinity. Pinned routes run on one process-wide owner loop; dedicated
// duplex routes get a private loop and pooled worker per connection.
//
// Routes come from the config file (--config or AFFINITY_CONFIG). With
// no config the built-in demo routes are served: a pinned counter
// shared by /counter and /ws/counter, and a dedicated /ws/echo.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/affinity/duplex"
	"github.com/bureau-foundation/affinity/executor"
	"github.com/bureau-foundation/affinity/lib/cli"
	"github.com/bureau-foundation/affinity/lib/clock"
	"github.com/bureau-foundation/affinity/lib/config"
	"github.com/bureau-foundation/affinity/lib/version"
	"github.com/bureau-foundation/affinity/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		verbose    bool
	)
	flagSet := pflag.NewFlagSet("affinity-server", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to affinity.yaml (default: $AFFINITY_CONFIG)")
	flagSet.StringVarP(&listen, "listen", "l", "", "listen address, overrides server.listen")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("affinity-server")
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

	settings, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		settings.Server.Listen = listen
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cli.NewLogger(verbose).With("environment", string(settings.Environment))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, settings, logger)
}

// loadSettings reads the config file if one is named, or returns the
// demo configuration.
func loadSettings(path string) (*config.Config, error) {
	var (
		settings *config.Config
		err      error
	)
	switch {
	case path != "":
		settings, err = config.LoadFile(path)
	case os.Getenv("AFFINITY_CONFIG") != "":
		settings, err = config.Load()
	default:
		return demoSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return settings, nil
}

func demoSettings() *config.Config {
	settings := config.Default()
	settings.Routes = []config.Route{
		{Path: "/counter", Kind: config.KindHTTP, Mode: config.ModePinned, Handler: "counter"},
		{Path: "/ws/counter", Kind: config.KindDuplex, Mode: config.ModePinned, Handler: "counter"},
		{Path: "/ws/echo", Kind: config.KindDuplex, Mode: config.ModeDedicated, Handler: "echo"},
	}
	return settings
}

// services is the set of long-lived components behind one server.
type services struct {
	owner      *executor.OwnerLoop
	pool       *executor.Pool
	dispatcher *duplex.Dispatcher
	server     *server.Server
}

// newServices wires the executors, dispatcher and route table and starts
// the owner loop.
func newServices(ctx context.Context, settings *config.Config, logger *slog.Logger) (*services, error) {
	realClock := clock.Real()
	owner := executor.NewOwnerLoop(logger.With("component", "owner"))
	pool := executor.NewPool(settings.Pool.IdleTimeout.Std(), realClock, logger.With("component", "pool"))

	dispatcherConfig := duplex.ConfigFromFile(settings)
	dispatcherConfig.Owner = owner
	dispatcherConfig.Pool = pool
	dispatcherConfig.Clock = realClock
	dispatcherConfig.Logger = logger.With("component", "dispatcher")
	dispatcher := duplex.NewDispatcher(dispatcherConfig)

	shared := newCounter()
	dispatcher.Register("counter", shared.session)
	dispatcher.Register("echo", newEcho)

	srv, err := server.New(server.Config{
		Settings:   settings,
		Dispatcher: dispatcher,
		Owner:      owner,
		Pool:       pool,
		HTTPHandlers: map[string]server.HTTPHandler{
			"counter": shared,
		},
		Logger: logger.With("component", "server"),
	})
	if err != nil {
		return nil, err
	}

	owner.Start(ctx)
	return &services{owner: owner, pool: pool, dispatcher: dispatcher, server: srv}, nil
}

// close stops the owner loop and drains the pool after the server has
// shut down.
func (r *services) close() {
	if err := r.owner.Stop(context.Background()); err != nil {
		slog.Debug("stopping owner loop", "error", err)
	}
	r.pool.Close()
	r.pool.Wait()
}

func serve(ctx context.Context, settings *config.Config, logger *slog.Logger) error {
	svc, err := newServices(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	logger.Info("affinity-server starting", "version", version.Info())
	return svc.server.Serve(ctx)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `affinity-server - thread-affinity duplex and HTTP server

Usage:
  affinity-server [flags]

Flags:
%s
Without --config or AFFINITY_CONFIG the demo routes are served:
  /counter     pinned HTTP, GET reads and POST increments the counter
  /ws/counter  pinned duplex, live counter shared with /counter
  /ws/echo     dedicated duplex, reads a value back from the peer per event
`, flagSet.FlagUsages())
}
