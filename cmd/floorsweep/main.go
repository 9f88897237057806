// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command floorsweep isolates defective GPU units on a test station and
// prints the floorswept configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/floorsweep/cmd/floorsweep/config"
	"github.com/AleutianAI/floorsweep/pkg/logging"
	"github.com/AleutianAI/floorsweep/pkg/ux"
)

var version = "0.1.0"

// cli holds the persistent flags and the per-invocation logger and printer.
type cli struct {
	logLevel  string
	logJSON   bool
	logDir    string
	output    string
	chipsFile string

	logger  *logging.Logger
	printer *ux.Printer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "floorsweep",
		Short: "Isolate defective GPU units and floorsweep them",
		Long: `floorsweep drives a diagnostic test harness against a GPU on a test
station, narrows failures down to single units by bisection and prints the
resulting floorswept configuration.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd, config.LogConfig{})
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			c.teardown()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.BoolVar(&c.logJSON, "log-json", false, "write JSON logs to stderr")
	pf.StringVar(&c.logDir, "log-dir", "", "also write a daily JSON log file to this directory")
	pf.StringVarP(&c.output, "output", "o", "auto", "output style (auto, rich, plain)")
	pf.StringVar(&c.chipsFile, "chips-file", "", "chip catalogue YAML replacing the built-in one")

	root.AddCommand(
		newChipsCmd(c),
		newPropagateCmd(c),
		newSKUCmd(c),
		newRunCmd(c),
		newJournalCmd(c),
		newServeCmd(c),
		newInitCmd(c),
	)
	return root
}

// setup builds the logger and printer. Fields of fallback fill in values
// whose flags were not set on the command line.
func (c *cli) setup(cmd *cobra.Command, fallback config.LogConfig) error {
	mode, err := ux.ParseMode(c.output)
	if err != nil {
		return err
	}
	c.printer = ux.NewPrinter(cmd.OutOrStdout(), mode)

	levelName := c.logLevel
	if !cmd.Flags().Changed("log-level") && fallback.Level != "" {
		levelName = fallback.Level
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	cfg := logging.Config{
		Level:   level,
		JSON:    c.logJSON || fallback.JSON,
		LogDir:  config.ExpandHome(c.logDir),
		Service: "floorsweep",
		Stderr:  cmd.ErrOrStderr(),
	}
	if cfg.LogDir == "" {
		cfg.LogDir = config.ExpandHome(fallback.Dir)
	}

	c.teardown()
	c.logger = logging.New(cfg)
	slog.SetDefault(c.logger.Slog())
	return nil
}

func (c *cli) teardown() {
	if c.logger != nil {
		_ = c.logger.Close()
		c.logger = nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
