// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/bureau-foundation/affinity/executor"
	"github.com/bureau-foundation/affinity/lib/config"
	"github.com/bureau-foundation/affinity/lib/version"
)

// httpRoute runs handler on the executor the route's mode selects and
// writes its reply from the request goroutine. Pinned requests queue on
// the owner loop. Dedicated requests get a private loop on a pool
// worker for their duration. Either way the handler sees the request
// context, bound to the executor running it.
func (s *Server) httpRoute(route config.Route, handler HTTPHandler) http.Handler {
	logger := s.logger.With("path", route.Path, "mode", string(route.Mode))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serve := func(ctx context.Context) (Reply, error) {
			return handler.ServeRequest(executor.Bind(r.Context(), ctx), r)
		}

		var (
			reply Reply
			err   error
		)
		switch route.Mode {
		case config.ModePinned:
			reply, err = executor.SubmitAndWait(r.Context(), s.owner, serve)
		default:
			reply, err = s.serveDedicated(r.Context(), serve)
		}

		switch {
		case err == nil:
			reply.write(w)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// The client left while the handler was queued or running.
			logger.Debug("request abandoned", "error", err)
		case errors.Is(err, executor.ErrNotRunning), errors.Is(err, executor.ErrStopped),
			errors.Is(err, executor.ErrPoolClosed):
			logger.Warn("executor unavailable", "error", err)
			Text(http.StatusServiceUnavailable, "shutting down\n").write(w)
		default:
			logger.Error("http handler failed", "error", err)
			Text(http.StatusInternalServerError, executor.AsFault(err).Error()+"\n").write(w)
		}
	})
}

// serveDedicated runs one request on a fresh loop drained by a pool
// worker, so the net/http goroutine only waits.
func (s *Server) serveDedicated(ctx context.Context, serve func(ctx context.Context) (Reply, error)) (Reply, error) {
	loop := executor.NewLoop("http", s.logger)
	if err := s.pool.Go(func() { _ = loop.Run(context.WithoutCancel(ctx)) }); err != nil {
		return Reply{}, err
	}
	// Queued behind the request, so the worker is released once it
	// finishes even if the client has already gone.
	defer loop.Stop()
	return executor.SubmitAndWait(ctx, loop, serve)
}

// healthReport is the body of /healthz.
type healthReport struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	OwnerLoop   bool   `json:"owner_loop"`
	Workers     int64  `json:"workers,omitempty"`
	IdleWorkers int64  `json:"idle_workers,omitempty"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:      "ok",
		Version:     version.Info(),
		Connections: s.dispatcher.Len(),
		OwnerLoop:   s.owner.Running(),
	}
	if !report.OwnerLoop {
		report.Status = "degraded"
	}
	stats := s.pool.Stats()
	report.Workers = stats.Workers
	report.IdleWorkers = stats.Idle

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	reply, err := JSON(status, report)
	if err != nil {
		Text(http.StatusInternalServerError, err.Error()+"\n").write(w)
		return
	}
	reply.write(w)
}
