package lsp

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// Default timeouts. The per-request timeout bounds each fan-out sub-request;
// the handshake timeout bounds spawn plus initialize for a new session.
const (
	DefaultRequestTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
)

// managerState is the coarse lifecycle of a Manager.
type managerState int32

const (
	stateReady managerState = iota
	stateShuttingDown
	stateShutdown
)

// Manager is the query facade over the session pool. It is an explicitly
// constructed instance: create one per process (or per test), pass it where
// it is needed, and shut it down when done. A shut-down manager rejects
// queries; build a new one to start over.
type Manager struct {
	registry *Registry
	pool     *Pool
	docs     *DocumentSync
	logger   *slog.Logger

	timeout atomic.Int64 // nanoseconds
	state   atomic.Int32
}

// Option configures a Manager.
type Option func(*Manager, *options)

type options struct {
	handshakeTimeout time.Duration
}

// WithRequestTimeout sets the per-request timeout for fan-out sub-requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager, _ *options) {
		m.timeout.Store(int64(d))
	}
}

// WithHandshakeTimeout sets the timeout for spawn plus initialize.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(_ *Manager, o *options) {
		o.handshakeTimeout = d
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager, _ *options) {
		m.logger = logger
	}
}

// NewManager creates a ready manager around a registry. No servers are
// spawned until the first query needs them.
func NewManager(registry *Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		docs:     NewDocumentSync(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	m.timeout.Store(int64(DefaultRequestTimeout))

	o := options{handshakeTimeout: DefaultHandshakeTimeout}
	for _, opt := range opts {
		opt(m, &o)
	}

	m.pool = NewPool(m.logger, o.handshakeTimeout)
	m.pool.SetEvictObserver(func(s *Session) { m.docs.Forget(s.ID()) })
	return m
}

// RequestTimeout returns the current per-request timeout.
func (m *Manager) RequestTimeout() time.Duration {
	return time.Duration(m.timeout.Load())
}

// SetRequestTimeout changes the per-request timeout for subsequent queries.
func (m *Manager) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		m.timeout.Store(int64(d))
	}
}

// Registry returns the server catalog this manager routes with.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	return m.pool.Len()
}

func (m *Manager) ready() bool {
	return managerState(m.state.Load()) == stateReady
}

// Shutdown disposes every session and rejects subsequent queries. In-flight
// queries are abandoned as their sessions go away. Safe to call more than
// once; only the first call does the work.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(stateReady), int32(stateShuttingDown)) {
		return nil
	}

	err := m.pool.DisposeAll(ctx)
	m.docs.Reset()
	m.state.Store(int32(stateShutdown))
	m.logger.Info("manager shut down")
	return err
}

// --- Queries ---
// Line and column parameters and results are 1-based.

// Hover returns hover content for the symbol at a position, one entry per
// server that answered.
func (m *Manager) Hover(ctx context.Context, path string, line, column int) ([]HoverInfo, error) {
	pos := wirePosition(line, column)
	results, err := runQuery(ctx, m, path, "hover", func(ctx context.Context, s *Session) (*HoverInfo, error) {
		hover, err := s.Hover(ctx, path, pos)
		if err != nil {
			return nil, err
		}
		if hover == nil || hover.Contents.Value == "" {
			return nil, nil
		}
		info := &HoverInfo{ServerID: s.ServerID(), Contents: hover.Contents.Value}
		if hover.Range != nil {
			span := userSpan(*hover.Range)
			info.Span = &span
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}

	infos := make([]HoverInfo, 0, len(results))
	for _, r := range results {
		if r != nil {
			infos = append(infos, *r)
		}
	}
	return infos, nil
}

// Definition returns the definition locations for the symbol at a position,
// aggregated across servers in discovery order.
func (m *Manager) Definition(ctx context.Context, path string, line, column int) ([]SourceLocation, error) {
	pos := wirePosition(line, column)
	results, err := runQuery(ctx, m, path, "definition", func(ctx context.Context, s *Session) ([]SourceLocation, error) {
		locs, err := s.Definition(ctx, path, pos)
		if err != nil {
			return nil, err
		}
		return userLocations(s.ServerID(), locs), nil
	})
	if err != nil {
		return nil, err
	}
	return flatten(results), nil
}

// References returns all references to the symbol at a position.
func (m *Manager) References(ctx context.Context, path string, line, column int, includeDecl bool) ([]SourceLocation, error) {
	pos := wirePosition(line, column)
	results, err := runQuery(ctx, m, path, "references", func(ctx context.Context, s *Session) ([]SourceLocation, error) {
		locs, err := s.References(ctx, path, pos, includeDecl)
		if err != nil {
			return nil, err
		}
		return userLocations(s.ServerID(), locs), nil
	})
	if err != nil {
		return nil, err
	}
	return flatten(results), nil
}

// WorkspaceSymbols searches for symbols matching query across every server
// claiming the file's workspace.
func (m *Manager) WorkspaceSymbols(ctx context.Context, path, query string) ([]SymbolMatch, error) {
	results, err := runQuery(ctx, m, path, "workspace-symbols", func(ctx context.Context, s *Session) ([]SymbolMatch, error) {
		infos, err := s.WorkspaceSymbols(ctx, query)
		if err != nil {
			return nil, err
		}
		matches := make([]SymbolMatch, 0, len(infos))
		for _, info := range infos {
			span := userSpan(info.Location.Range)
			matches = append(matches, SymbolMatch{
				ServerID:  s.ServerID(),
				Name:      info.Name,
				Kind:      info.Kind,
				Container: info.ContainerName,
				Path:      URIToFilePath(info.Location.URI),
				Line:      span.Line,
				Column:    span.Column,
			})
		}
		return matches, nil
	})
	if err != nil {
		return nil, err
	}
	return flatten(results), nil
}

// DocumentSymbols lists the symbols in a document, flattening any hierarchy
// the server returns; nested symbols carry their parent as Container.
func (m *Manager) DocumentSymbols(ctx context.Context, path string) ([]SymbolMatch, error) {
	results, err := runQuery(ctx, m, path, "document-symbols", func(ctx context.Context, s *Session) ([]SymbolMatch, error) {
		symbols, err := s.DocumentSymbols(ctx, path)
		if err != nil {
			return nil, err
		}
		var matches []SymbolMatch
		var walk func(parent string, symbols []DocumentSymbol)
		walk = func(parent string, symbols []DocumentSymbol) {
			for _, sym := range symbols {
				span := userSpan(sym.SelectionRange)
				matches = append(matches, SymbolMatch{
					ServerID:  s.ServerID(),
					Name:      sym.Name,
					Kind:      sym.Kind,
					Container: parent,
					Path:      path,
					Line:      span.Line,
					Column:    span.Column,
				})
				walk(sym.Name, sym.Children)
			}
		}
		walk("", symbols)
		return matches, nil
	})
	if err != nil {
		return nil, err
	}
	return flatten(results), nil
}

// Diagnostics syncs the document and returns the diagnostics each matching
// server has published for it, waiting up to the request timeout for servers
// that have not reported yet.
func (m *Manager) Diagnostics(ctx context.Context, path string) ([]FileDiagnostic, error) {
	uri := FilePathToURI(path)
	results, err := runQuery(ctx, m, path, "diagnostics", func(ctx context.Context, s *Session) ([]FileDiagnostic, error) {
		diags := s.WaitDiagnostics(ctx, uri)
		out := make([]FileDiagnostic, 0, len(diags))
		for _, d := range diags {
			out = append(out, FileDiagnostic{
				ServerID: s.ServerID(),
				Path:     path,
				Span:     userSpan(d.Range),
				Severity: d.Severity,
				Source:   d.Source,
				Message:  d.Message,
			})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return flatten(results), nil
}

// userLocations converts wire locations, attributing them to a server.
func userLocations(serverID string, locs []Location) []SourceLocation {
	out := make([]SourceLocation, 0, len(locs))
	for _, loc := range locs {
		out = append(out, userLocation(serverID, loc))
	}
	return out
}

// flatten concatenates per-server result slices, preserving server order.
func flatten[T any](groups [][]T) []T {
	var out []T
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
