// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/plugin"
)

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the plugin manifest JSON schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchema(cmd, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the schema to this file instead of stdout")
	return cmd
}

func runSchema(cmd *cobra.Command, output string) error {
	schema, err := plugin.GenerateSchema()
	if err != nil {
		return oops.Code("SCHEMA_GENERATION_FAILED").Wrap(err)
	}
	if output == "" {
		cmd.Println(string(schema))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return oops.With("path", output).Wrap(err)
	}
	if err := os.WriteFile(output, schema, 0o600); err != nil {
		return oops.With("path", output).Wrap(err)
	}
	cmd.Printf("Generated %s\n", output)
	return nil
}
