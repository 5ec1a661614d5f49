package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/lsq-dev/lsq/internal/lsp"
)

func newDiagnosticsCommand(ctx *commandContext) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "diagnostics FILE",
		Short: "Show the diagnostics language servers report for a file",
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

			if !watch {
				return runDiagnostics(cmd, manager, path)
			}
			return watchDiagnostics(cmd, manager, path)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-run on file changes until interrupted")
	return cmd
}

func runDiagnostics(cmd *cobra.Command, manager *lsp.Manager, path string) error {
	diags, err := manager.Diagnostics(cmd.Context(), path)
	if err != nil {
		return err
	}
	if len(diags) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no diagnostics")
		return nil
	}

	rows := make([][]string, 0, len(diags))
	for _, d := range diags {
		rows = append(rows, []string{
			strconv.Itoa(d.Span.Line) + ":" + strconv.Itoa(d.Span.Column),
			d.Severity.String(),
			d.Message,
			d.Source,
			d.ServerID,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(),
		[]string{"Position", "Severity", "Message", "Source", "Server"}, rows))
	return nil
}

// watchDiagnostics re-runs the query whenever the file is written, until
// the user interrupts. Editors often replace files on save, so the watch is
// on the directory and filtered to the target path.
func watchDiagnostics(cmd *cobra.Command, manager *lsp.Manager, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	if err := runDiagnostics(cmd, manager, path); err != nil {
		return err
	}

	// Debounce bursts of events from a single save.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
		case <-pending:
			pending = nil
			fmt.Fprintln(cmd.OutOrStdout())
			if err := runDiagnostics(cmd, manager, path); err != nil {
				return err
			}
		}
	}
}
