package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lsq-dev/lsq/internal/lsp"
)

func newSymbolsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "symbols FILE QUERY",
		Short: "Search workspace symbols matching a query",
		Long:  "Searches every server claiming FILE for symbols matching QUERY. FILE anchors the workspace; the match can live anywhere in it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			manager, err := ctx.ensureManager()
			if err != nil {
				return err
			}

			matches, err := manager.WorkspaceSymbols(cmd.Context(), path, args[1])
			if err != nil {
				return err
			}
			printSymbols(cmd, matches)
			return nil
		},
	}
}

func newDocSymbolsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doc-symbols FILE",
		Short: "List the symbols declared in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			manager, err := ctx.ensureManager()
			if err != nil {
				return err
			}

			matches, err := manager.DocumentSymbols(cmd.Context(), path)
			if err != nil {
				return err
			}
			printSymbols(cmd, matches)
			return nil
		},
	}
}

func printSymbols(cmd *cobra.Command, matches []lsp.SymbolMatch) {
	if len(matches) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no symbols")
		return
	}

	rows := make([][]string, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, []string{
			m.Name,
			m.Kind.String(),
			m.Container,
			m.Path + ":" + strconv.Itoa(m.Line) + ":" + strconv.Itoa(m.Column),
			m.ServerID,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(),
		[]string{"Symbol", "Kind", "Container", "Location", "Server"}, rows))
}
