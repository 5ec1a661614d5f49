package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer speaks the framed protocol over in-memory pipes so session,
// pool, runner, and manager behavior can be tested without child processes.
type fakeServer struct {
	reader *bufio.Reader
	writer io.Writer

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]fakeHandler

	// messages records everything the server receives, requests and
	// notifications alike, in arrival order.
	messages chan fakeMessage

	stallOnce sync.Once
	stalled   chan struct{}
}

// fakeHandler produces the result for a request. respond false leaves the
// request unanswered forever, simulating a stalled server.
type fakeHandler func(id int64, params json.RawMessage) (result any, respond bool)

type fakeMessage struct {
	ID     *int64
	Method string
	Params json.RawMessage
}

func newFakeServer(r io.Reader, w io.Writer) *fakeServer {
	fs := &fakeServer{
		reader:   bufio.NewReader(r),
		writer:   w,
		handlers: make(map[string]fakeHandler),
		messages: make(chan fakeMessage, 128),
		stalled:  make(chan struct{}),
	}
	fs.handle("initialize", func(id int64, _ json.RawMessage) (any, bool) {
		return InitializeResult{
			Capabilities: fakeFullCapabilities(),
			ServerInfo:   &ServerInfo{Name: "fake-server", Version: "0.0.1"},
		}, true
	})
	fs.handle("shutdown", func(id int64, _ json.RawMessage) (any, bool) {
		return nil, true
	})
	go fs.serve()
	return fs
}

func fakeFullCapabilities() ServerCapabilities {
	return ServerCapabilities{
		TextDocumentSync:        float64(1),
		HoverProvider:           true,
		DefinitionProvider:      true,
		ReferencesProvider:      true,
		DocumentSymbolProvider:  true,
		WorkspaceSymbolProvider: true,
	}
}

func (fs *fakeServer) handle(method string, h fakeHandler) {
	fs.mu.Lock()
	fs.handlers[method] = h
	fs.mu.Unlock()
}

// stallReads makes the server stop draining its input, the way a wedged
// process with a full stdin pipe behaves. The frame already being read is
// still consumed; every write after that blocks.
func (fs *fakeServer) stallReads() {
	fs.stallOnce.Do(func() { close(fs.stalled) })
}

func (fs *fakeServer) serve() {
	for {
		select {
		case <-fs.stalled:
			return
		default:
		}

		payload, err := readTestFrame(fs.reader)
		if err != nil {
			return
		}

		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}

		select {
		case fs.messages <- fakeMessage{ID: msg.ID, Method: msg.Method, Params: msg.Params}:
		default:
		}

		if msg.ID == nil {
			continue
		}

		fs.mu.Lock()
		h, ok := fs.handlers[msg.Method]
		fs.mu.Unlock()

		if !ok {
			fs.respond(*msg.ID, nil)
			continue
		}
		if result, respond := h(*msg.ID, msg.Params); respond {
			fs.respond(*msg.ID, result)
		}
	}
}

func (fs *fakeServer) respond(id int64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	fs.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  json.RawMessage(data),
	})
}

// notify pushes a server-initiated notification to the client.
func (fs *fakeServer) notify(method string, params any) {
	fs.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (fs *fakeServer) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	fmt.Fprintf(fs.writer, "Content-Length: %d\r\n\r\n", len(data))
	fs.writer.Write(data)
}

// awaitMethod blocks until the server has received a message with the given
// method, skipping others, or fails the wait by returning ok=false.
func (fs *fakeServer) awaitMethod(method string, timeout time.Duration) (fakeMessage, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-fs.messages:
			if msg.Method == method {
				return msg, true
			}
		case <-deadline:
			return fakeMessage{}, false
		}
	}
}

// readTestFrame reads one Content-Length framed payload.
func readTestFrame(r *bufio.Reader) ([]byte, error) {
	length := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "content-length") {
				length, _ = strconv.Atoi(strings.TrimSpace(value))
			}
		}
	}
	if length <= 0 {
		return nil, fmt.Errorf("missing content length")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// startTestSession wires a session to a fake server over pipes and walks it
// through the initialize handshake. configure runs before the handshake so
// tests can override handlers, including initialize itself.
func startTestSession(descriptor ServerDescriptor, root string, configure func(*fakeServer)) (*Session, *fakeServer, error) {
	toServerReader, toServerWriter := io.Pipe()
	toClientReader, toClientWriter := io.Pipe()

	fs := newFakeServer(toServerReader, toClientWriter)
	if configure != nil {
		configure(fs)
	}

	s := newSession(descriptor, root, nil)
	s.connect(NewTransport(toClientReader, toServerWriter, nil, nil))
	s.status.Store(int32(SessionStatusInitializing))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.initialize(ctx, 2*time.Second); err != nil {
		s.teardown()
		return nil, nil, err
	}
	s.status.Store(int32(SessionStatusReady))
	return s, fs, nil
}

// newTestSession is startTestSession with test-fatal error handling.
func newTestSession(t *testing.T, descriptor ServerDescriptor, root string, configure func(*fakeServer)) (*Session, *fakeServer) {
	t.Helper()
	s, fs, err := startTestSession(descriptor, root, configure)
	if err != nil {
		t.Fatalf("startTestSession: %v", err)
	}
	t.Cleanup(func() { s.teardown() })
	return s, fs
}

// testDescriptor returns a descriptor for a made-up language.
func testDescriptor(id string, exts ...string) ServerDescriptor {
	if len(exts) == 0 {
		exts = []string{".zz"}
	}
	return ServerDescriptor{
		ID:         id,
		Name:       id,
		Command:    "fake-" + id,
		Extensions: exts,
	}
}
