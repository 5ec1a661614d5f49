package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSession_HandshakeCapturesServerInfo(t *testing.T) {
	session, _ := newTestSession(t, testDescriptor("fake"), "/tmp/proj", nil)

	if !session.Ready() {
		t.Fatalf("status = %v, want ready", session.Status())
	}
	info := session.ServerInfo()
	if info == nil || info.Name != "fake-server" {
		t.Errorf("ServerInfo() = %+v, want name fake-server", info)
	}
	caps := session.Capabilities()
	if !HasCapability(caps.HoverProvider) {
		t.Error("hover capability missing after handshake")
	}
	if session.Key() != "fake:/tmp/proj" {
		t.Errorf("Key() = %q", session.Key())
	}
}

func TestSession_Hover(t *testing.T) {
	session, fs := newTestSession(t, testDescriptor("fake"), "/tmp/proj", func(fs *fakeServer) {
		fs.handle("textDocument/hover", func(id int64, params json.RawMessage) (any, bool) {
			return Hover{Contents: HoverContents{Value: "func Run()"}}, true
		})
	})

	hover, err := session.Hover(context.Background(), "/tmp/proj/main.zz", Position{Line: 2, Character: 4})
	if err != nil {
		t.Fatalf("Hover() error = %v", err)
	}
	if hover == nil || hover.Contents.Value != "func Run()" {
		t.Errorf("Hover() = %+v, want func Run()", hover)
	}

	msg, ok := fs.awaitMethod("textDocument/hover", time.Second)
	if !ok {
		t.Fatal("server never saw the hover request")
	}
	var params HoverParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Position.Line != 2 || params.Position.Character != 4 {
		t.Errorf("wire position = %+v, want {2 4}", params.Position)
	}
	if params.TextDocument.URI != "file:///tmp/proj/main.zz" {
		t.Errorf("wire URI = %q", params.TextDocument.URI)
	}
}

func TestSession_RequestsGatedOnCapability(t *testing.T) {
	// Server that advertises nothing beyond document sync.
	session, _ := newTestSession(t, testDescriptor("fake"), "/tmp/proj", func(fs *fakeServer) {
		fs.handle("initialize", func(id int64, params json.RawMessage) (any, bool) {
			return InitializeResult{
				Capabilities: ServerCapabilities{TextDocumentSync: float64(1)},
				ServerInfo:   &ServerInfo{Name: "fake-server"},
			}, true
		})
	})

	ctx := context.Background()
	path := "/tmp/proj/main.zz"
	pos := Position{}

	if _, err := session.Hover(ctx, path, pos); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Hover() error = %v, want ErrNotSupported", err)
	}
	if _, err := session.Definition(ctx, path, pos); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Definition() error = %v, want ErrNotSupported", err)
	}
	if _, err := session.References(ctx, path, pos, true); !errors.Is(err, ErrNotSupported) {
		t.Errorf("References() error = %v, want ErrNotSupported", err)
	}
	if _, err := session.WorkspaceSymbols(ctx, "Run"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("WorkspaceSymbols() error = %v, want ErrNotSupported", err)
	}
	if _, err := session.DocumentSymbols(ctx, path); !errors.Is(err, ErrNotSupported) {
		t.Errorf("DocumentSymbols() error = %v, want ErrNotSupported", err)
	}
}

func TestSession_RequestsRejectedWhenNotReady(t *testing.T) {
	session, _ := newTestSession(t, testDescriptor("fake"), "/tmp/proj", nil)
	session.status.Store(int32(SessionStatusStopped))

	_, err := session.Hover(context.Background(), "/tmp/proj/main.zz", Position{})
	if !errors.Is(err, ErrSessionNotReady) {
		t.Errorf("Hover() on stopped session = %v, want ErrSessionNotReady", err)
	}
}

func TestSession_DiagnosticsCapture(t *testing.T) {
	session, fs := newTestSession(t, testDescriptor("fake"), "/tmp/proj", nil)

	uri := DocumentURI("file:///tmp/proj/main.zz")
	fs.notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{
		URI: uri,
		Diagnostics: []Diagnostic{{
			Range:    Range{Start: Position{Line: 1, Character: 0}, End: Position{Line: 1, Character: 5}},
			Severity: DiagnosticSeverityError,
			Message:  "undefined: frob",
		}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	diags := session.WaitDiagnostics(ctx, uri)
	if len(diags) != 1 || diags[0].Message != "undefined: frob" {
		t.Fatalf("diagnostics = %+v", diags)
	}

	// An empty publish clears the earlier findings.
	fs.notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{URI: uri})
	deadline := time.Now().Add(2 * time.Second)
	for len(session.Diagnostics(uri)) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("empty publish never cleared the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_WaitDiagnosticsHonorsContext(t *testing.T) {
	session, _ := newTestSession(t, testDescriptor("fake"), "/tmp/proj", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	diags := session.WaitDiagnostics(ctx, "file:///tmp/proj/silent.zz")
	if diags != nil {
		t.Errorf("WaitDiagnostics() = %+v, want nil for a silent server", diags)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WaitDiagnostics() blocked for %v past its context", elapsed)
	}
}

func TestSession_ExitNotification(t *testing.T) {
	session, _ := newTestSession(t, testDescriptor("fake"), "/tmp/proj", nil)

	exited := make(chan *Session, 1)
	session.setOnExit(func(s *Session) { exited <- s })

	session.transport.Close()

	select {
	case s := <-exited:
		if s != session {
			t.Error("exit callback saw a different session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback never fired")
	}
	if session.Status() != SessionStatusStopped {
		t.Errorf("status after exit = %v, want stopped", session.Status())
	}

	// Late registration fires immediately.
	late := make(chan *Session, 1)
	session.setOnExit(func(s *Session) { late <- s })
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("late exit callback never fired")
	}
}
