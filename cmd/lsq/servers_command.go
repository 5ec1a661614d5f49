package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newServersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List the configured language servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			rows := make([][]string, 0)
			for _, d := range cfg.Descriptors() {
				installed := "no"
				if d.Installed() {
					installed = "yes"
				}
				command := d.Command
				if len(d.Args) > 0 {
					command += " " + strings.Join(d.Args, " ")
				}
				rows = append(rows, []string{
					d.ID,
					strings.Join(d.Extensions, " "),
					command,
					installed,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(),
				[]string{"Server", "Extensions", "Command", "Installed"}, rows))
			return nil
		},
	}
}
