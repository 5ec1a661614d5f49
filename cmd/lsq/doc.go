// Package main hosts the lsq CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into queries
// against the session manager: hover, definition, references, symbol search,
// and diagnostics. It centralizes configuration resolution and logger setup
// so subcommands can focus on argument parsing and output formatting.
//
// The heavy lifting lives in internal/lsp; commands here stay declarative.
package main
