// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/plugin"
)

type listConfig struct {
	jsonOutput bool
}

// NewListCmd creates the list subcommand.
func NewListCmd() *cobra.Command {
	cfg := &listConfig{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins recorded in the registry",
		Long:  `List the plugin descriptors of the configured registry with their status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := slog.New(slog.DiscardHandler)
			reg, closeReg, err := openRegistry(cmd.Context(), appCfg.Registry, logger)
			if err != nil {
				return err
			}
			defer closeReg()
			return runList(cmd, reg, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output descriptors as JSON")
	return cmd
}

func runList(cmd *cobra.Command, reg plugin.Registry, cfg *listConfig) error {
	descs, err := reg.List(cmd.Context())
	if err != nil {
		return oops.With("operation", "list plugins").Wrap(err)
	}

	if cfg.jsonOutput {
		out, err := json.MarshalIndent(descs, "", "  ")
		if err != nil {
			return oops.With("operation", "format JSON").Wrap(err)
		}
		cmd.Println(string(out))
		return nil
	}

	if len(descs) == 0 {
		cmd.Println("No plugins installed")
		return nil
	}
	cmd.Print(formatDescriptorTable(descs))
	return nil
}

func formatDescriptorTable(descs []*plugin.Descriptor) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tRUNTIME\tSTATUS\tCOMPONENTS\tSOURCE")
	for _, d := range descs {
		names := make([]string, 0, len(d.Components))
		for _, ref := range d.Components {
			names = append(names, ref.Name)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Name, d.Version, d.Runtime, d.Status, strings.Join(names, ","), d.Source)
	}
	_ = w.Flush()
	return buf.String()
}
