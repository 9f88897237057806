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
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/floorsweep/cmd/floorsweep/config"
	"github.com/AleutianAI/floorsweep/pkg/ux"
	"github.com/AleutianAI/floorsweep/services/floorsweep/engine"
	"github.com/AleutianAI/floorsweep/services/floorsweep/enumerate"
	"github.com/AleutianAI/floorsweep/services/floorsweep/harness"
	"github.com/AleutianAI/floorsweep/services/floorsweep/journal"
	"github.com/AleutianAI/floorsweep/services/floorsweep/storage/badger"
	"github.com/AleutianAI/floorsweep/services/floorsweep/telemetry"
)

// runFlags are the command-line overrides of a RunConfig.
type runFlags struct {
	config      string
	chip        string
	fuses       string
	sku         string
	mode        string
	domain      string
	maxRounds   int
	testCmd     string
	resetCmd    string
	batch       bool
	journalPath string
	noJournal   bool
	metricsAddr string
	overrides   []string
}

func newRunCmd(c *cli) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one floorsweep session against the station's device",
		Long: `run tests the fused configuration, isolates failing units with the
selected search mode, verifies the result and commits it. It prints the
enable mask for provisioning, the full disable log and the units found
defective in this session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rf.resolve(cmd)
			if err != nil {
				return err
			}
			if err := c.setup(cmd, cfg.Log); err != nil {
				return err
			}
			return c.runSession(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&rf.config, "config", "c", "", "run configuration YAML")
	f.StringVar(&rf.chip, "chip", "", "chip name")
	f.StringVar(&rf.fuses, "fuses", "", "fuse file")
	f.StringVar(&rf.sku, "sku", "", "SKU YAML file")
	f.StringVar(&rf.mode, "mode", "", "search mode (bisect, scan, cold)")
	f.StringVar(&rf.domain, "domain", "", "search domain (gpc, fbp)")
	f.IntVar(&rf.maxRounds, "max-rounds", 0, "cap on bisection rounds, 0 for one per leaf")
	f.StringVar(&rf.testCmd, "test-cmd", "", "diagnostic test command")
	f.StringVar(&rf.resetCmd, "reset-cmd", "", "device reset command")
	f.BoolVar(&rf.batch, "batch", false, "use the harness batch protocol in scan mode")
	f.StringVar(&rf.journalPath, "journal", "", "journal directory")
	f.BoolVar(&rf.noJournal, "no-journal", false, "do not record the session")
	f.StringVar(&rf.metricsAddr, "metrics-addr", "", "serve /metrics on this address while running")
	f.StringSliceVar(&rf.overrides, "override", nil, "rule override flag, repeatable")
	return cmd
}

// resolve loads the config file, if any, and applies the flags that were
// set.
func (rf *runFlags) resolve(cmd *cobra.Command) (config.RunConfig, error) {
	cfg := config.DefaultRunConfig()
	if rf.config != "" {
		var err error
		if cfg, err = config.Load(config.ExpandHome(rf.config)); err != nil {
			return cfg, err
		}
	}
	set := cmd.Flags().Changed
	if set("chip") {
		cfg.Chip = rf.chip
	}
	if set("fuses") {
		cfg.Fuses = rf.fuses
	}
	if set("sku") {
		cfg.SKU = rf.sku
	}
	if set("mode") {
		cfg.Mode = rf.mode
	}
	if set("domain") {
		cfg.Domain = rf.domain
	}
	if set("max-rounds") {
		cfg.MaxRounds = rf.maxRounds
	}
	if set("test-cmd") {
		cfg.Test.Command = rf.testCmd
	}
	if set("reset-cmd") {
		cfg.Reset.Command = rf.resetCmd
	}
	if set("batch") {
		cfg.Batch = rf.batch
	}
	if set("journal") {
		cfg.Journal.Path = rf.journalPath
	}
	if set("no-journal") {
		cfg.Journal.Disabled = rf.noJournal
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = rf.metricsAddr
	}
	cfg.Overrides = append(cfg.Overrides, rf.overrides...)
	return cfg, cfg.Validate()
}

// runSession wires the station collaborators and runs one engine session.
func (c *cli) runSession(ctx context.Context, cfg config.RunConfig) (err error) {
	logger := slog.Default()

	in, err := c.readFuses(cfg.Chip, cfg.ChipFile, cfg.Fuses, cfg.Overrides)
	if err != nil {
		return err
	}
	original, err := in.baseline()
	if err != nil {
		return fmt.Errorf("fused state: %w", err)
	}

	domain, err := enumerate.ParseDomain(cfg.Domain)
	if err != nil {
		return err
	}
	mode, err := engine.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	ecfg := engine.Config{
		Domain:    domain,
		Mode:      mode,
		SKUVerify: cfg.SKUVerify,
		MaxRounds: cfg.MaxRounds,
		Logger:    logger,
	}
	if cfg.SKU != "" {
		if ecfg.SKU, err = loadSKU(cfg.SKU, in.topo); err != nil {
			return err
		}
	}

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if serr := tel.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("telemetry shutdown", slog.String("error", serr.Error()))
		}
	}()
	ecfg.TracingEnabled = tel.TracingEnabled()
	ecfg.MetricsEnabled = cfg.Telemetry.MetricExporter != "none"

	if cfg.MetricsAddr != "" && tel.MetricsHandler() != nil {
		sctx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := tel.Serve(sctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics endpoint", slog.String("error", err.Error()))
			}
		}()
	}

	if !cfg.Journal.Disabled {
		j, closeJournal, jerr := openJournal(cfg.Journal, false, logger)
		if jerr != nil {
			return jerr
		}
		defer func() { err = errors.Join(err, closeJournal()) }()
		ecfg.Recorder = j
	}

	tester, resetter, err := newAdapters(cfg, in, logger)
	if err != nil {
		return err
	}
	g, err := engine.New(original, tester, resetter, ecfg)
	if err != nil {
		return err
	}
	rep, runErr := g.Run(ctx)
	c.printReport(rep, runErr)
	return runErr
}

func newAdapters(cfg config.RunConfig, in fuseInput, logger *slog.Logger) (engine.Tester, engine.Resetter, error) {
	opts := []harness.Option{harness.WithLogger(logger), harness.WithLimiter(harness.Pacer(cfg.MinInterval))}
	var (
		tester engine.Tester
		err    error
	)
	if cfg.Batch {
		tester, err = harness.NewBatchCommandTester(in.topo, cfg.Test.Harness(), opts...)
	} else {
		tester, err = harness.NewCommandTester(in.topo, cfg.Test.Harness(), opts...)
	}
	if err != nil {
		return nil, nil, err
	}
	resetter, err := harness.NewCommandResetter(cfg.Reset.Harness(), opts...)
	if err != nil {
		return nil, nil, err
	}
	return tester, resetter, nil
}

// openJournal opens the BadgerDB journal at jc.Path. The returned func
// closes the journal and then the database.
func openJournal(jc config.JournalConfig, readOnly bool, logger *slog.Logger) (*journal.Journal, func() error, error) {
	bcfg := badger.DefaultConfig(config.ExpandHome(jc.Path))
	bcfg.ReadOnly = readOnly
	bcfg.Logger = logger
	db, err := badger.Open(bcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening journal: %w", err)
	}
	j, err := journal.New(db, journal.Config{SkipCorrupted: jc.SkipCorrupted, Logger: logger})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return j, func() error { return errors.Join(j.Close(), db.Close()) }, nil
}

// printReport prints the session summary and the three result outputs:
// enable mask, disable log and newly-defective delta.
func (c *cli) printReport(rep *engine.Report, runErr error) {
	if rep == nil {
		return
	}
	fields := []ux.Field{
		{Key: "session", Value: rep.SessionID},
		{Key: "state", Value: string(rep.State)},
		{Key: "chip", Value: rep.Original.Topology().Name()},
		{Key: "mode", Value: string(rep.Mode)},
		{Key: "domain", Value: rep.Domain},
		{Key: "tests", Value: strconv.Itoa(rep.Tests)},
		{Key: "resets", Value: strconv.Itoa(rep.Resets)},
		{Key: "rounds", Value: strconv.Itoa(rep.Rounds)},
		{Key: "early exit", Value: strconv.FormatBool(rep.EarlyExit)},
		{Key: "duration", Value: rep.Duration.Round(time.Millisecond).String()},
	}
	if rep.SKU != nil {
		fields = append(fields, ux.Field{Key: "sku", Value: rep.SKU.String()})
	}
	c.printer.Summary("Floorsweep session", runErr == nil, fields)

	if runErr != nil {
		c.printer.Error("session failed, findings discarded: %v", runErr)
		return
	}
	c.printer.Block("enable", rep.Committed.EnableString())
	c.printer.Block("disable log", rep.Committed.DisableLog())
	c.printer.Block("newly defective", nonZeroLog(rep.NewlyDefective))
	c.printer.Success("committed")
}
