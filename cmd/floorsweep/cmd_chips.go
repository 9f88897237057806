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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/floorsweep/pkg/ux"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

func newChipsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chips",
		Short: "List the chips of the catalogue",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cat, err := c.catalogue("")
			if err != nil {
				return err
			}
			var rows [][]string
			for _, name := range cat.Names() {
				t, err := cat.Lookup(name)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					name,
					strconv.Itoa(t.Count(topology.KindGPC)),
					strconv.Itoa(t.Count(topology.KindTPC)),
					strconv.Itoa(t.Count(topology.KindFBP)),
					strconv.Itoa(t.Count(topology.KindLTC)),
					t.Description(),
				})
			}
			c.printer.Table([]string{"chip", "gpc", "tpc", "fbp", "ltc", "description"}, rows)
			return nil
		},
	}
	cmd.AddCommand(newChipsShowCmd(c))
	return cmd
}

func newChipsShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <chip>",
		Short: "Show the unit counts and rules of one chip",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			t, err := c.lookupChip(args[0], "")
			if err != nil {
				return err
			}
			c.printer.Summary(t.Name(), true, []ux.Field{{Key: "description", Value: t.Description()}})

			var rows [][]string
			for _, k := range t.Kinds() {
				rows = append(rows, []string{k.String(), strconv.Itoa(t.Count(k)), strconv.Itoa(t.PerParent(k))})
			}
			c.printer.Table([]string{"kind", "count", "per parent"}, rows)

			rules := t.Rules()
			rows = rows[:0]
			for _, r := range rules {
				rows = append(rows, []string{r.RuleType(), describeRule(r)})
			}
			if len(rows) > 0 {
				c.printer.Table([]string{"rule", "detail"}, rows)
			}
			return nil
		},
	}
}

func describeRule(r topology.Rule) string {
	switch r := r.(type) {
	case topology.PairRule:
		return fmt.Sprintf("%s pairs %v (override %s)", r.Kind, r.Pairs, r.Override)
	case topology.SliceRule:
		return fmt.Sprintf("min %d enabled per ltc, mirror=%t", r.MinEnabledPerLTC, r.Mirror)
	case topology.AloneRule:
		return fmt.Sprintf("%s %d may not be enabled alone", r.Kind, r.Index)
	case topology.GroupRule:
		return fmt.Sprintf("groups %v, max %d disabled ltcs", r.Groups, r.MaxDisabledLTCs)
	default:
		return ""
	}
}
