// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/lua"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <archive>...",
		Short: "Validate plugin archives without installing them",
		Long: `Validate the manifest of each archive against the manifest schema.
Lua archives are also loaded in a throwaway load context so module errors and
unresolved components are reported. Binary archives are not started.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	loader := plugin.NewLoader(slog.New(slog.DiscardHandler), lua.NewRuntime())

	var failed int
	for _, src := range args {
		if err := validateArchive(cmd.Context(), loader, src, cmd); err != nil {
			failed++
			cmd.Printf("FAIL %s: %v\n", src, err)
		}
	}
	if failed > 0 {
		return plugin.ErrLoadf(args[0], "%d of %d archives invalid", failed, len(args))
	}
	return nil
}

func validateArchive(ctx context.Context, loader *plugin.Loader, src string, cmd *cobra.Command) error {
	archive, err := plugin.OpenArchive(src)
	if err != nil {
		return err
	}
	m := archive.Manifest

	if m.Type != plugin.TypeLua {
		if m.BinaryPlugin != nil {
			if _, ok := archive.File(m.BinaryPlugin.Executable); !ok {
				return plugin.ErrLoadf(src, "executable %s not found in archive", m.BinaryPlugin.Executable)
			}
		}
		cmd.Printf("OK   %s: %s %s (%s)\n", src, m.Name, m.Version, m.Type)
		return nil
	}

	loaded, err := loader.Load(ctx, archive)
	if err != nil {
		return err
	}
	defer func() { _ = loaded.Context.Release(ctx) }()

	cmd.Printf("OK   %s: %s %s (%s, %d types, %d components)\n",
		src, m.Name, m.Version, m.Type, len(loaded.Types), len(loaded.Components))
	for _, ref := range loaded.Components {
		cmd.Printf("       %s: %s %v\n", ref.Name, ref.Type, ref.Groups)
	}
	return nil
}
