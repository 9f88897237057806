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
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/floorsweep/pkg/ux"
	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
)

func newPropagateCmd(c *cli) *cobra.Command {
	var (
		chip      string
		fuses     string
		overrides []string
	)
	cmd := &cobra.Command{
		Use:   "propagate",
		Short: "Print the consistent configuration of a fuse file",
		Long: `propagate applies the chip's consistency rules to the fused state and
prints the disable log, the enable mask and the masks the rules changed.
It exits non-zero when the result fully disables a kind that must keep at
least one unit.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			in, err := c.readFuses(chip, "", fuses, overrides)
			if err != nil {
				return err
			}
			raw, err := in.raw()
			if err != nil {
				return err
			}
			prop, sanityErr := raw.Propagate()
			changed, err := fsinfo.SymmetricDifference(prop, raw)
			if err != nil {
				return err
			}

			var added int
			for _, k := range in.topo.Kinds() {
				added += changed.DisabledCount(k)
			}
			c.printer.Summary("Propagation", sanityErr == nil, []ux.Field{
				{Key: "chip", Value: in.topo.Name()},
				{Key: "overrides", Value: in.overrides.String()},
				{Key: "units added", Value: strconv.Itoa(added)},
			})
			c.printer.Block("disable log", prop.DisableLog())
			c.printer.Block("enable", prop.EnableString())
			c.printer.Block("changed by propagation", nonZeroLog(changed))

			if sanityErr != nil {
				var se *fsinfo.SanityError
				if errors.As(sanityErr, &se) {
					c.printer.Error("every %s would be disabled", se.Kind)
				}
				return sanityErr
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&chip, "chip", "", "chip name (default: the chip named by the fuse file)")
	f.StringVar(&fuses, "fuses", "", "fuse file (YAML or key=value log)")
	f.StringSliceVar(&overrides, "override", nil, "rule override flag, repeatable")
	_ = cmd.MarkFlagRequired("fuses")
	return cmd
}

// nonZeroLog is the disable log of f without its zero masks.
func nonZeroLog(f fsinfo.FsInfo) string {
	var b strings.Builder
	for _, line := range strings.SplitAfter(f.DisableLog(), "\n") {
		if line == "" || strings.HasSuffix(line, "=0x0\n") {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}
