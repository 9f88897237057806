// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// ServiceName labels the otelgin spans.
const ServiceName = "floorsweep-api"

// shutdownTimeout bounds the graceful drain after the context is done.
const shutdownTimeout = 5 * time.Second

// SetupRoutes registers the station routes on router. metrics may be nil.
func SetupRoutes(router *gin.Engine, cat *topology.Catalogue, store SessionStore, metrics http.Handler) {
	router.GET("/health", HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/chips", ListChips(cat))
		v1.GET("/chips/:chip", GetChip(cat))
		v1.POST("/propagate", Propagate(cat))

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", ListSessions(store))
			sessions.GET("/:sessionId", GetSession(store))
		}
	}
}

// NewRouter returns a gin engine with recovery, tracing and the station
// routes.
func NewRouter(cat *topology.Catalogue, store SessionStore, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	SetupRoutes(router, cat, store, metrics)
	return router
}

// Serve listens on addr and serves handler until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return serve(ctx, ln, handler)
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	slog.Info("api listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
