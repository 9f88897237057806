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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// errSKUMismatch makes "sku check" exit non-zero when the fuses miss the SKU.
var errSKUMismatch = errors.New("configuration does not match the sku")

func newSKUCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sku",
		Short: "Work with SKU targets",
	}
	cmd.AddCommand(newSKUCheckCmd(c))
	return cmd
}

func newSKUCheckCmd(c *cli) *cobra.Command {
	var chip, fuses, skuPath string
	var overrides []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare a fuse file against a SKU target",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			in, err := c.readFuses(chip, "", fuses, overrides)
			if err != nil {
				return err
			}
			cfg, err := in.baseline()
			if err != nil {
				return err
			}
			target, err := loadSKU(skuPath, in.topo)
			if err != nil {
				return err
			}
			rep, err := target.Match(cfg)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(rep.Results))
			for _, r := range rep.Results {
				rows = append(rows, []string{r.Kind.String(), r.Status.String(), strconv.Itoa(r.Enabled)})
			}
			c.printer.Table([]string{"kind", "status", "enabled"}, rows)

			if rep.Matched() {
				c.printer.Success("%s matches sku %s", in.topo.Name(), target.Name())
				return nil
			}
			if over := rep.Over(); len(over) > 0 {
				c.printer.Error("over-disabled: %v", over)
			}
			if under := rep.Under(); len(under) > 0 {
				c.printer.Warning("under-disabled: %v", under)
			}
			return fmt.Errorf("%w: %s", errSKUMismatch, rep)
		},
	}
	f := cmd.Flags()
	f.StringVar(&chip, "chip", "", "chip name (default: the chip named by the fuse file)")
	f.StringVar(&fuses, "fuses", "", "fuse file (YAML or key=value log)")
	f.StringVar(&skuPath, "sku", "", "SKU YAML file")
	f.StringSliceVar(&overrides, "override", nil, "rule override flag, repeatable")
	_ = cmd.MarkFlagRequired("fuses")
	_ = cmd.MarkFlagRequired("sku")
	return cmd
}
