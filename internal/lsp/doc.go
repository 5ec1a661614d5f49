// Package lsp manages connections to external language servers and routes
// document-aware queries to them.
//
// One language server process is spawned per (server, project root) pair and
// kept alive until the manager shuts down. Queries fan out concurrently to
// every server that claims the file's extension, each sub-request runs under
// its own deadline, and only the successful results are aggregated. A slow or
// crashed server never blocks the caller and never affects sibling servers.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Registry: static catalog of server descriptors and root resolution
//   - Transport: JSON-RPC 2.0 framing over the child process stdio
//   - Session: one live connection, scoped to a server and a project root
//   - Pool: lazily creates and reuses sessions, one per (server, root) key
//   - DocumentSync: tracks which documents each session has been told about
//   - Manager: the query facade (hover, definition, symbols, diagnostics)
//
// # Quick Start
//
//	mgr := lsp.NewManager(lsp.NewRegistry())
//	defer mgr.Shutdown(context.Background())
//
//	hovers, err := mgr.Hover(ctx, "/path/to/file.go", 3, 5)
//
// Caller-facing line and column numbers are 1-based; the wire protocol's
// 0-based coordinates never leave this package.
//
// # Concurrency
//
// The Manager is safe for concurrent use. Concurrent first queries for the
// same (server, root) key share a single in-flight spawn. Within one session
// there is a single logical writer, so notifications and requests reach the
// server in issue order; across sessions no ordering is guaranteed.
package lsp
