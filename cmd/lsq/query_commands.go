package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lsq-dev/lsq/internal/lsp"
)

// parsePositionArgs validates FILE LINE COLUMN arguments. Line and column
// are 1-based, the way editors display them.
func parsePositionArgs(args []string) (string, int, int, error) {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return "", 0, 0, err
	}
	line, err := strconv.Atoi(args[1])
	if err != nil || line < 1 {
		return "", 0, 0, fmt.Errorf("line must be a positive integer, got %q", args[1])
	}
	column, err := strconv.Atoi(args[2])
	if err != nil || column < 1 {
		return "", 0, 0, fmt.Errorf("column must be a positive integer, got %q", args[2])
	}
	return path, line, column, nil
}

func newHoverCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "hover FILE LINE COLUMN",
		Short: "Show hover documentation for the symbol at a position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, line, column, err := parsePositionArgs(args)
			if err != nil {
				return err
			}
			manager, err := ctx.ensureManager()
			if err != nil {
				return err
			}

			infos, err := manager.Hover(cmd.Context(), path, line, column)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no hover information")
				return nil
			}
			for i, info := range infos {
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "--- %s ---\n%s\n", info.ServerID, info.Contents)
			}
			return nil
		},
	}
}

func newDefinitionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "definition FILE LINE COLUMN",
		Short: "Find where the symbol at a position is defined",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, line, column, err := parsePositionArgs(args)
			if err != nil {
				return err
			}
			manager, err := ctx.ensureManager()
			if err != nil {
				return err
			}

			locs, err := manager.Definition(cmd.Context(), path, line, column)
			if err != nil {
				return err
			}
			printLocations(cmd, locs)
			return nil
		},
	}
}

func newReferencesCommand(ctx *commandContext) *cobra.Command {
	var includeDecl bool

	cmd := &cobra.Command{
		Use:   "references FILE LINE COLUMN",
		Short: "Find all references to the symbol at a position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, line, column, err := parsePositionArgs(args)
			if err != nil {
				return err
			}
			manager, err := ctx.ensureManager()
			if err != nil {
				return err
			}

			locs, err := manager.References(cmd.Context(), path, line, column, includeDecl)
			if err != nil {
				return err
			}
			printLocations(cmd, locs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeDecl, "include-declaration", false, "Include the declaration itself")
	return cmd
}

func printLocations(cmd *cobra.Command, locs []lsp.SourceLocation) {
	if len(locs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no results")
		return
	}
	for _, loc := range locs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s:%d:%d\t[%s]\n", loc.Path, loc.Span.Line, loc.Span.Column, loc.ServerID)
	}
}
