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
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/floorsweep/cmd/floorsweep/config"
	"github.com/AleutianAI/floorsweep/pkg/ux"
	"github.com/AleutianAI/floorsweep/pkg/validation"
	"github.com/AleutianAI/floorsweep/services/floorsweep/engine"
	"github.com/AleutianAI/floorsweep/services/floorsweep/journal"
)

func newJournalCmd(c *cli) *cobra.Command {
	jc := config.DefaultRunConfig().Journal
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the session audit journal",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&jc.Path, "path", jc.Path, "journal directory")
	pf.BoolVar(&jc.SkipCorrupted, "skip-corrupted", false, "skip damaged records instead of failing")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List journaled sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) (err error) {
				j, closeJournal, err := openJournal(jc, true, slog.Default())
				if err != nil {
					return err
				}
				defer func() { err = errors.Join(err, closeJournal()) }()

				ctx := cmd.Context()
				ids, err := j.Sessions(ctx)
				if err != nil {
					return err
				}
				var rows [][]string
				for _, id := range ids {
					events, err := j.Entries(ctx, id)
					if err != nil {
						return err
					}
					s := journal.Summarize(events)
					rows = append(rows, []string{
						s.SessionID,
						string(s.FinalState),
						strconv.Itoa(s.Tests),
						strconv.Itoa(s.Findings),
						s.Start.Format(time.RFC3339),
					})
				}
				c.printer.Table([]string{"session", "state", "tests", "findings", "start"}, rows)
				return nil
			},
		},
		newJournalShowCmd(c, &jc),
	)
	return cmd
}

func newJournalShowCmd(c *cli, jc *config.JournalConfig) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the events of one session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if err := validation.ValidateSessionID(session); err != nil {
				return err
			}
			j, closeJournal, err := openJournal(*jc, true, slog.Default())
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closeJournal()) }()

			events, err := j.Entries(cmd.Context(), session)
			if err != nil {
				return err
			}
			s := journal.Summarize(events)
			c.printer.Summary("Session "+s.SessionID, s.FinalState == engine.StateDone, []ux.Field{
				{Key: "state", Value: string(s.FinalState)},
				{Key: "tests", Value: strconv.Itoa(s.Tests)},
				{Key: "passed", Value: strconv.Itoa(s.Passed)},
				{Key: "findings", Value: strconv.Itoa(s.Findings)},
				{Key: "duration", Value: s.Duration().String()},
			})
			if s.Committed != "" {
				c.printer.Block("committed", s.Committed)
			}
			if s.Failure != "" {
				c.printer.Error("%s", s.Failure)
			}

			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				rows = append(rows, []string{
					time.UnixMilli(ev.TimeMs).UTC().Format("15:04:05.000"),
					string(ev.Type),
					string(ev.State),
					eventResult(ev),
					ev.Config,
				})
			}
			c.printer.Table([]string{"time", "event", "state", "result", "config"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func eventResult(ev engine.Event) string {
	switch ev.Type {
	case engine.EventTest:
		if ev.Passed {
			return "pass"
		}
		if ev.Detail != "" {
			return "fail: " + ev.Detail
		}
		return "fail"
	default:
		return ev.Detail
	}
}
