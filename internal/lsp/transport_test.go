package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func newTestTransport(t *testing.T) (*Transport, *fakeServer) {
	t.Helper()

	toServerReader, toServerWriter := io.Pipe()
	toClientReader, toClientWriter := io.Pipe()

	fs := newFakeServer(toServerReader, toClientWriter)
	tr := NewTransport(toClientReader, toServerWriter, nil, nil)
	tr.Start(context.Background())
	t.Cleanup(func() { tr.Close() })
	return tr, fs
}

func TestTransport_NotifyWireFormat(t *testing.T) {
	toServerReader, toServerWriter := io.Pipe()

	tr := NewTransport(strings.NewReader(""), toServerWriter, nil, nil)
	defer tr.Close()

	frameCh := make(chan []byte, 1)
	go func() {
		payload, err := readTestFrame(bufio.NewReader(toServerReader))
		if err != nil {
			close(frameCh)
			return
		}
		frameCh <- payload
	}()

	if err := tr.Notify(context.Background(), "test/notification", map[string]string{"message": "hello"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	select {
	case payload, ok := <-frameCh:
		if !ok {
			t.Fatal("no frame received")
		}
		var msg struct {
			JSONRPC string `json:"jsonrpc"`
			ID      *int64 `json:"id"`
			Method  string `json:"method"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if msg.JSONRPC != "2.0" {
			t.Errorf("jsonrpc = %q, want 2.0", msg.JSONRPC)
		}
		if msg.Method != "test/notification" {
			t.Errorf("method = %q, want test/notification", msg.Method)
		}
		if msg.ID != nil {
			t.Errorf("notification carried id %d", *msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestTransport_CallRoundTrip(t *testing.T) {
	tr, fs := newTestTransport(t)

	fs.handle("test/echo", func(id int64, params json.RawMessage) (any, bool) {
		var in map[string]string
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, true
		}
		return in, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result map[string]string
	if err := tr.Call(ctx, "test/echo", map[string]string{"k": "v"}, &result); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result["k"] != "v" {
		t.Errorf("result = %v, want map[k:v]", result)
	}
}

func TestTransport_CallErrorResponse(t *testing.T) {
	tr, fs := newTestTransport(t)

	fs.handle("test/fail", func(id int64, _ json.RawMessage) (any, bool) {
		fs.send(map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": CodeInvalidParams, "message": "bad params"},
		})
		return nil, false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.Call(ctx, "test/fail", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() error = %v, want *RPCError", err)
	}
	if rpcErr.Code != CodeInvalidParams {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeInvalidParams)
	}
}

func TestTransport_CallDeadline(t *testing.T) {
	tr, fs := newTestTransport(t)

	// Never answered.
	fs.handle("test/stall", func(int64, json.RawMessage) (any, bool) {
		return nil, false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.Call(ctx, "test/stall", nil, nil)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() error = %v, want deadline exceeded", err)
	}
	if elapsed > time.Second {
		t.Errorf("Call() took %v, want about 50ms", elapsed)
	}
}

func TestTransport_CallAfterClose(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.Close()

	if err := tr.Call(context.Background(), "test/echo", nil, nil); !errors.Is(err, ErrShutdown) {
		t.Errorf("Call() after close = %v, want ErrShutdown", err)
	}
	if err := tr.Notify(context.Background(), "test/note", nil); !errors.Is(err, ErrShutdown) {
		t.Errorf("Notify() after close = %v, want ErrShutdown", err)
	}
}

func TestTransport_NotificationDispatch(t *testing.T) {
	tr, fs := newTestTransport(t)

	got := make(chan json.RawMessage, 1)
	tr.OnNotification("test/event", func(method string, params json.RawMessage) {
		got <- params
	})

	fs.notify("test/event", map[string]int{"n": 42})

	select {
	case params := <-got:
		var body map[string]int
		if err := json.Unmarshal(params, &body); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if body["n"] != 42 {
			t.Errorf("params = %v, want n=42", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestTransport_CloseHook(t *testing.T) {
	tr, _ := newTestTransport(t)

	fired := make(chan struct{})
	tr.OnClose(func() { close(fired) })

	tr.Close()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("close hook never fired")
	}

	// Hooks registered after close run immediately.
	lateFired := false
	tr.OnClose(func() { lateFired = true })
	if !lateFired {
		t.Error("late close hook did not run immediately")
	}
}

func TestTransport_CloseOnStreamEnd(t *testing.T) {
	toClientReader, toClientWriter := io.Pipe()
	tr := NewTransport(toClientReader, io.Discard, nil, nil)
	tr.Start(context.Background())

	fired := make(chan struct{})
	tr.OnClose(func() { close(fired) })

	// Simulate the server process dying.
	toClientWriter.Close()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not close on stream end")
	}
	if !tr.Closed() {
		t.Error("Closed() = false after stream end")
	}
}

func TestTransport_DoubleCloseIsSafe(t *testing.T) {
	tr, _ := newTestTransport(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestTransport_NotifyUnblocksWhenPeerStopsReading(t *testing.T) {
	// The write side of an unread pipe blocks forever, like a server that
	// completed the handshake and then stopped draining its stdin.
	_, toServerWriter := io.Pipe()
	tr := NewTransport(strings.NewReader(""), toServerWriter, nil, nil)

	fired := make(chan struct{})
	tr.OnClose(func() { close(fired) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.Notify(ctx, "textDocument/didOpen", map[string]string{"text": "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Notify() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Notify() blocked for %v past its deadline", elapsed)
	}

	// An abandoned write leaves the connection unusable; the transport
	// closes so the session's exit path runs.
	if !tr.Closed() {
		t.Error("transport still open after abandoned write")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("close hook never fired after abandoned write")
	}
}

func TestTransport_CallUnblocksWhenPeerStopsReading(t *testing.T) {
	_, toServerWriter := io.Pipe()
	tr := NewTransport(strings.NewReader(""), toServerWriter, nil, nil)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.Call(ctx, "textDocument/hover", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Call() blocked for %v past its deadline", elapsed)
	}
}
