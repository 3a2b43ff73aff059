// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statusapi serves run progress over HTTP: health, the latest
// summary, Prometheus metrics and a websocket stream of summaries.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Server exposes a Tracker.
type Server struct {
	tracker *Tracker
	metrics http.Handler
	logger  *slog.Logger
	router  *gin.Engine
}

// NewServer builds the router. A nil metrics handler serves the default
// Prometheus registry.
func NewServer(tracker *Tracker, metrics http.Handler, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tracker: tracker,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "statusapi")),
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery(), otelgin.Middleware("scalemix-status"))
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.metrics))
	v1 := s.router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/stream", s.handleStream)
	return s
}

// Router returns the gin engine, for tests and embedding.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	sum, ok := s.tracker.Current()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no iteration completed yet"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// handleStream pushes the current summary, then every update, until the
// client goes away.
func (s *Server) handleStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	updates, cancel := s.tracker.Subscribe()
	defer cancel()

	// Reads only detect the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v any) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteJSON(v); err != nil {
			s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
			return false
		}
		return true
	}
	if sum, ok := s.tracker.Current(); ok && !send(sum) {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case sum := <-updates:
			if !send(sum) {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
