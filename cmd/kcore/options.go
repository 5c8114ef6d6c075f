// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var optionsCmd = &cobra.Command{
	Use:   "options <dir>",
	Short: "print the kernel options",
	Long: `
Print the kernel options for a run storing device images in <dir>, with
defaults filled in, in the format accepted by --options. Options read from
--options are validated.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		opts, err := loadOptions(dir)
		if err != nil {
			return err
		}
		if err := opts.Validate(); err != nil {
			return err
		}
		fmt.Print(opts)
		return nil
	},
}

func init() {
	optionsCmd.Flags().StringVar(
		&optionsPath, "options", "", "read kernel options from this file")
	optionsCmd.Flags().IntVar(
		&numBuffers, "buffers", 0, "number of buffer cache buffers (0 keeps the configured value)")
}
