package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionStatus indicates the current state of a session.
type SessionStatus int32

const (
	SessionStatusStarting SessionStatus = iota
	SessionStatusInitializing
	SessionStatusReady
	SessionStatusShuttingDown
	SessionStatusStopped
	SessionStatusFailed
)

// String returns a human-readable status name.
func (s SessionStatus) String() string {
	switch s {
	case SessionStatusStarting:
		return "starting"
	case SessionStatusInitializing:
		return "initializing"
	case SessionStatusReady:
		return "ready"
	case SessionStatusShuttingDown:
		return "shutting down"
	case SessionStatusStopped:
		return "stopped"
	case SessionStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one live connection to a spawned language server, scoped to a
// server descriptor and a resolved project root. Sessions are created by the
// Pool and live until they fail or the manager shuts down.
type Session struct {
	id         string
	descriptor ServerDescriptor
	root       string
	logger     *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	transport *Transport

	status atomic.Int32

	mu           sync.Mutex
	capabilities ServerCapabilities
	serverInfo   *ServerInfo

	diagMu      sync.RWMutex
	diagnostics map[DocumentURI][]Diagnostic
	diagSignal  chan struct{}

	exitMu   sync.Mutex
	exited   bool
	onExit   func(*Session)
	exitOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// newSession creates a session that has not yet been started.
func newSession(descriptor ServerDescriptor, root string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := uuid.NewString()
	s := &Session{
		id:          id,
		descriptor:  descriptor,
		root:        root,
		logger:      logger.With("server", descriptor.ID, "root", root, "session", id),
		diagnostics: make(map[DocumentURI][]Diagnostic),
		diagSignal:  make(chan struct{}),
	}
	s.status.Store(int32(SessionStatusStarting))
	return s
}

// ID returns the unique instance id of this session.
func (s *Session) ID() string { return s.id }

// ServerID returns the descriptor id this session belongs to.
func (s *Session) ServerID() string { return s.descriptor.ID }

// Root returns the resolved project root.
func (s *Session) Root() string { return s.root }

// Key returns the pool key, "serverID:root".
func (s *Session) Key() string { return sessionKey(s.descriptor.ID, s.root) }

// sessionKey builds the pool key for a server and root.
func sessionKey(serverID, root string) string {
	return serverID + ":" + root
}

// Status returns the current session status.
func (s *Session) Status() SessionStatus {
	return SessionStatus(s.status.Load())
}

// Ready reports whether the session can handle requests.
func (s *Session) Ready() bool {
	return s.Status() == SessionStatusReady
}

// start spawns the server process, wires the transport, and performs the
// initialize handshake under the given timeout. On any failure the process
// is torn down and the session is unusable.
func (s *Session) start(ctx context.Context, handshakeTimeout time.Duration) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.spawn(); err != nil {
		s.status.Store(int32(SessionStatusFailed))
		return &ServerError{ServerID: s.descriptor.ID, Root: s.root, Err: fmt.Errorf("%w: %v", ErrSpawnFailed, err)}
	}

	s.connect(NewTransport(s.stdout, s.stdin, nil, s.logger))

	go s.monitorProcess()

	s.status.Store(int32(SessionStatusInitializing))
	if err := s.initialize(ctx, handshakeTimeout); err != nil {
		s.status.Store(int32(SessionStatusFailed))
		s.teardown()
		return &ServerError{ServerID: s.descriptor.ID, Root: s.root, Err: fmt.Errorf("%w: %v", ErrHandshakeFailed, err)}
	}

	s.status.Store(int32(SessionStatusReady))
	s.logger.Info("session ready")
	return nil
}

// spawn starts the server executable with its stdio piped.
func (s *Session) spawn() error {
	cmd := exec.CommandContext(s.ctx, s.descriptor.Command, s.descriptor.Args...)
	cmd.Dir = s.root
	cmd.Env = os.Environ()
	for k, v := range s.descriptor.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return err
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	return nil
}

// connect attaches a transport, registers notification handlers, and starts
// the read loop. Split from start so tests can drive a session over pipes.
func (s *Session) connect(t *Transport) {
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.transport = t
	t.OnNotification("textDocument/publishDiagnostics", s.handleDiagnostics)
	t.OnNotification("window/logMessage", func(method string, params json.RawMessage) {
		// Server-side log chatter; not surfaced.
	})
	t.OnClose(func() { s.notifyExit() })
	t.Start(s.ctx)
}

// monitorProcess waits for the child to exit and marks the session dead.
func (s *Session) monitorProcess() {
	if s.cmd == nil {
		return
	}
	err := s.cmd.Wait()
	if err != nil && s.Status() != SessionStatusShuttingDown && s.Status() != SessionStatusStopped {
		s.logger.Warn("server process exited", "error", err)
	}
	s.notifyExit()
}

// notifyExit marks the session dead and fires the exit callback exactly once.
func (s *Session) notifyExit() {
	s.exitOnce.Do(func() {
		status := s.Status()
		if status != SessionStatusShuttingDown && status != SessionStatusStopped {
			s.status.Store(int32(SessionStatusStopped))
		}

		s.exitMu.Lock()
		s.exited = true
		fn := s.onExit
		s.exitMu.Unlock()

		if fn != nil {
			fn(s)
		}
	})
}

// setOnExit registers the exit callback. If the session has already exited
// the callback fires immediately.
func (s *Session) setOnExit(fn func(*Session)) {
	s.exitMu.Lock()
	exited := s.exited
	if !exited {
		s.onExit = fn
	}
	s.exitMu.Unlock()

	if exited && fn != nil {
		fn(s)
	}
}

// initialize performs the initialize/initialized handshake.
func (s *Session) initialize(ctx context.Context, timeout time.Duration) error {
	rootURI := FilePathToURI(s.root)
	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: s.descriptor.InitializationOptions,
		WorkspaceFolders: []WorkspaceFolder{
			{URI: rootURI, Name: s.descriptor.ID},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result InitializeResult
	if err := s.transport.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	s.mu.Lock()
	s.capabilities = result.Capabilities
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	if err := s.transport.Notify(ctx, "initialized", InitializedParams{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// shutdown sends the shutdown/exit sequence and stops the process. The
// server gets a short grace period to answer; either way the process ends.
func (s *Session) shutdown(ctx context.Context) error {
	status := s.Status()
	if status == SessionStatusStopped || status == SessionStatusShuttingDown {
		return nil
	}
	s.status.Store(int32(SessionStatusShuttingDown))

	if s.transport != nil && !s.transport.Closed() {
		graceCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = s.transport.Call(graceCtx, "shutdown", nil, nil)
		_ = s.transport.Notify(graceCtx, "exit", nil)
		cancel()
	}

	s.teardown()
	s.status.Store(int32(SessionStatusStopped))
	s.notifyExit()
	s.logger.Info("session stopped")
	return nil
}

// teardown closes the transport and pipes and kills the process.
func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.transport != nil {
		s.transport.Close()
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.stderr != nil {
		s.stderr.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Capabilities returns the capabilities the server reported at initialize.
func (s *Session) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// ServerInfo returns the name and version the server reported, if any.
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// --- Document notifications ---

// OpenDocument announces a document's full content to the server.
func (s *Session) OpenDocument(ctx context.Context, uri DocumentURI, languageID, text string, version int) error {
	if !s.Ready() {
		return ErrSessionNotReady
	}
	return s.transport.Notify(ctx, "textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: languageID,
			Version:    version,
			Text:       text,
		},
	})
}

// ChangeDocument sends a full-content change for an already-open document.
func (s *Session) ChangeDocument(ctx context.Context, uri DocumentURI, text string, version int) error {
	if !s.Ready() {
		return ErrSessionNotReady
	}
	return s.transport.Notify(ctx, "textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
	})
}

// --- Requests ---

// Hover requests hover information at a wire position.
func (s *Session) Hover(ctx context.Context, path string, pos Position) (*Hover, error) {
	if !s.Ready() {
		return nil, ErrSessionNotReady
	}
	if !HasCapability(s.Capabilities().HoverProvider) {
		return nil, ErrNotSupported
	}

	params := HoverParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
			Position:     pos,
		},
	}

	var result *Hover
	if err := s.transport.Call(ctx, "textDocument/hover", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Definition requests the definition location(s) for the symbol at a position.
func (s *Session) Definition(ctx context.Context, path string, pos Position) ([]Location, error) {
	if !s.Ready() {
		return nil, ErrSessionNotReady
	}
	if !HasCapability(s.Capabilities().DefinitionProvider) {
		return nil, ErrNotSupported
	}

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Position:     pos,
	}

	var result json.RawMessage
	if err := s.transport.Call(ctx, "textDocument/definition", params, &result); err != nil {
		return nil, err
	}
	return ParseLocationResult(result)
}

// References finds all references to the symbol at a position.
func (s *Session) References(ctx context.Context, path string, pos Position, includeDecl bool) ([]Location, error) {
	if !s.Ready() {
		return nil, ErrSessionNotReady
	}
	if !HasCapability(s.Capabilities().ReferencesProvider) {
		return nil, ErrNotSupported
	}

	params := ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
			Position:     pos,
		},
		Context: ReferenceContext{IncludeDeclaration: includeDecl},
	}

	var result []Location
	if err := s.transport.Call(ctx, "textDocument/references", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DocumentSymbols lists the symbols in a document.
func (s *Session) DocumentSymbols(ctx context.Context, path string) ([]DocumentSymbol, error) {
	if !s.Ready() {
		return nil, ErrSessionNotReady
	}
	if !HasCapability(s.Capabilities().DocumentSymbolProvider) {
		return nil, ErrNotSupported
	}

	params := DocumentSymbolParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
	}

	var result json.RawMessage
	if err := s.transport.Call(ctx, "textDocument/documentSymbol", params, &result); err != nil {
		return nil, err
	}
	return ParseDocumentSymbolResult(result)
}

// WorkspaceSymbols searches the workspace for symbols matching a query.
func (s *Session) WorkspaceSymbols(ctx context.Context, query string) ([]SymbolInformation, error) {
	if !s.Ready() {
		return nil, ErrSessionNotReady
	}
	if !HasCapability(s.Capabilities().WorkspaceSymbolProvider) {
		return nil, ErrNotSupported
	}

	var result []SymbolInformation
	if err := s.transport.Call(ctx, "workspace/symbol", WorkspaceSymbolParams{Query: query}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// --- Diagnostics ---

// handleDiagnostics caches diagnostics pushed by the server.
func (s *Session) handleDiagnostics(method string, params json.RawMessage) {
	var p PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		s.logger.Warn("dropping undecodable diagnostics", "error", err)
		return
	}

	s.diagMu.Lock()
	// An empty publish is stored, not deleted: it clears previous findings
	// and tells WaitDiagnostics the server has reported at least once.
	s.diagnostics[p.URI] = p.Diagnostics
	// Broadcast to waiters.
	close(s.diagSignal)
	s.diagSignal = make(chan struct{})
	s.diagMu.Unlock()
}

// InvalidateDiagnostics drops the cached diagnostics for a document so the
// next WaitDiagnostics blocks for a fresh publish.
func (s *Session) InvalidateDiagnostics(uri DocumentURI) {
	s.diagMu.Lock()
	delete(s.diagnostics, uri)
	s.diagMu.Unlock()
}

// Diagnostics returns the cached diagnostics for a document.
func (s *Session) Diagnostics(uri DocumentURI) []Diagnostic {
	s.diagMu.RLock()
	defer s.diagMu.RUnlock()
	return s.diagnostics[uri]
}

// WaitDiagnostics blocks until the server has published diagnostics for the
// document at least once, or the context expires. Either way it returns the
// current cache, which may be empty.
func (s *Session) WaitDiagnostics(ctx context.Context, uri DocumentURI) []Diagnostic {
	for {
		s.diagMu.RLock()
		diags, ok := s.diagnostics[uri]
		signal := s.diagSignal
		s.diagMu.RUnlock()

		if ok {
			return diags
		}

		select {
		case <-ctx.Done():
			return nil
		case <-signal:
		}
	}
}
