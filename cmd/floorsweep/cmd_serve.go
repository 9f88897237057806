// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/floorsweep/cmd/floorsweep/config"
	"github.com/AleutianAI/floorsweep/services/floorsweep/api"
	"github.com/AleutianAI/floorsweep/services/floorsweep/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	jc := config.DefaultRunConfig().Journal
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalogue, propagation and the journal over HTTP",
		Long: `serve exposes a read-only HTTP API for station dashboards:

  GET  /health
  GET  /metrics
  GET  /v1/chips
  GET  /v1/chips/:chip
  POST /v1/propagate
  GET  /v1/sessions
  GET  /v1/sessions/:sessionId

The journal is opened read-only, so serve cannot run while a session is
writing to the same journal directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			cat, err := c.catalogue("")
			if err != nil {
				return err
			}
			j, closeJournal, err := openJournal(jc, true, slog.Default())
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closeJournal()) }()

			tel, err := telemetry.Init(ctx, telemetry.DefaultConfig())
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, tel.Shutdown(context.WithoutCancel(ctx))) }()

			gin.SetMode(gin.ReleaseMode)
			router := api.NewRouter(cat, j, tel.MetricsHandler())
			c.printer.Success("serving on %s", addr)
			return api.Serve(ctx, addr, router)
		},
	}
	f := cmd.Flags()
	f.StringVar(&jc.Path, "journal", jc.Path, "journal directory")
	f.BoolVar(&jc.SkipCorrupted, "skip-corrupted", true, "skip damaged journal records")
	f.StringVar(&addr, "addr", "127.0.0.1:8090", "listen address")
	return cmd
}
