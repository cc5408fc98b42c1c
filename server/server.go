// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"github.com/bureau-foundation/affinity/duplex"
	"github.com/bureau-foundation/affinity/executor"
	"github.com/bureau-foundation/affinity/lib/codec"
	"github.com/bureau-foundation/affinity/lib/config"
)

// Config configures a Server.
type Config struct {
	// Settings is the loaded configuration. Its routes decide what is
	// served. Required.
	Settings *config.Config

	// Dispatcher serves duplex routes. Every duplex route's handler
	// must be registered with it. Required.
	Dispatcher *duplex.Dispatcher

	// Owner runs pinned HTTP handlers. Required.
	Owner *executor.OwnerLoop

	// Pool runs dedicated HTTP requests and is reported by the health
	// endpoint. Required.
	Pool *executor.Pool

	// HTTPHandlers maps handler names to HTTP route implementations.
	HTTPHandlers map[string]HTTPHandler

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Server serves the configured HTTP and duplex routes on one listener.
type Server struct {
	settings   *config.Config
	dispatcher *duplex.Dispatcher
	owner      *executor.OwnerLoop
	pool       *executor.Pool
	logger     *slog.Logger

	upgrader websocket.Upgrader
	handler  http.Handler

	ready chan struct{}
	addr  net.Addr
}

// New builds the route table. Every route must resolve to a registered
// handler of the right kind.
func New(cfg Config) (*Server, error) {
	if cfg.Settings == nil {
		panic("server.New: Settings is required")
	}
	if cfg.Dispatcher == nil {
		panic("server.New: Dispatcher is required")
	}
	if cfg.Owner == nil {
		panic("server.New: Owner is required")
	}
	if cfg.Pool == nil {
		panic("server.New: Pool is required")
	}
	if cfg.Logger == nil {
		panic("server.New: Logger is required")
	}

	s := &Server{
		settings:   cfg.Settings,
		dispatcher: cfg.Dispatcher,
		owner:      cfg.Owner,
		pool:       cfg.Pool,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			Subprotocols:    codec.Subprotocols(),
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ready: make(chan struct{}),
	}

	development := cfg.Settings.Environment == config.Development
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.serveHealth)

	var errs []error
	for _, route := range cfg.Settings.Routes {
		switch route.Kind {
		case config.KindDuplex:
			if !cfg.Dispatcher.Registered(route.Handler) {
				errs = append(errs, fmt.Errorf("route %s: no duplex handler %q", route.Path, route.Handler))
				continue
			}
			mux.HandleFunc(route.Path, func(w http.ResponseWriter, r *http.Request) {
				s.serveDuplex(w, r, route)
			})

		case config.KindHTTP:
			handler, ok := cfg.HTTPHandlers[route.Handler]
			if !ok {
				errs = append(errs, fmt.Errorf("route %s: no HTTP handler %q", route.Path, route.Handler))
				continue
			}
			var h http.Handler = s.httpRoute(route, handler)
			if development {
				h = requestlog.Wrap(h)
			}
			mux.Handle(route.Path, h)

		default:
			errs = append(errs, fmt.Errorf("route %s: unknown kind %q", route.Path, route.Kind))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s.handler = mux
	return s, nil
}

// Handler returns the route table, for serving on an existing
// listener or in tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the resolved listen address. Only valid after Ready is
// closed.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve listens on the configured address and blocks until ctx is
// cancelled. Shutdown stops accepting, waits for in-flight HTTP
// requests, then closes every live duplex connection and waits for its
// disconnect notification, all within server.shutdown_timeout.
func (s *Server) Serve(ctx context.Context) error {
	address := s.settings.Server.Listen
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,
		// No read or write timeout: upgraded connections are long
		// lived and carry their own write deadline.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("server listening", "address", s.addr.String(), "routes", len(s.settings.Routes))

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.settings.Server.ShutdownTimeout.Std())
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// http.Server.Shutdown does not track hijacked connections.
	if err := s.dispatcher.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("closing connections: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("server shutdown incomplete", "error", err)
		return err
	}

	s.logger.Info("server stopped")
	return nil
}
