package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Transport frames JSON-RPC 2.0 messages with Content-Length headers over a
// duplex byte stream, typically a child process's stdio. It correlates
// requests with responses by id and dispatches server notifications to
// registered handlers.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	logger *slog.Logger

	// writeMu serializes outbound messages: one logical writer per
	// connection, so requests and notifications reach the server in
	// issue order.
	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[int64]chan *Response
	handlers   map[string]NotificationHandler
	closeHooks []func()

	nextID atomic.Int64
	closed atomic.Bool
	done   chan struct{}
}

// NotificationHandler handles an incoming notification from the server.
type NotificationHandler func(method string, params json.RawMessage)

// Request represents an outbound JSON-RPC request or notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents an inbound JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// inboundMessage probes an incoming payload for routing.
type inboundMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// NewTransport creates a transport reading from r and writing to w. The
// closer, if non-nil, is closed when the transport shuts down.
func NewTransport(r io.Reader, w io.Writer, c io.Closer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{
		reader:   bufio.NewReaderSize(r, 64*1024),
		writer:   w,
		closer:   c,
		logger:   logger,
		pending:  make(map[int64]chan *Response),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
}

// Start begins reading inbound messages until the context is cancelled or
// the stream ends.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
}

// Close shuts the transport down, abandoning all pending requests and
// firing close hooks. Safe to call more than once.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	close(t.done)

	// Abandon pending requests by clearing the map. Waiters unblock via
	// t.done; the channels are never closed to avoid racing deliverResponse.
	t.mu.Lock()
	t.pending = make(map[int64]chan *Response)
	hooks := t.closeHooks
	t.closeHooks = nil
	t.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// Closed reports whether the transport has shut down.
func (t *Transport) Closed() bool {
	return t.closed.Load()
}

// OnClose registers a hook invoked once when the transport shuts down,
// whether by Close or because the stream ended. If the transport is already
// closed the hook runs immediately.
func (t *Transport) OnClose(hook func()) {
	t.mu.Lock()
	if !t.closed.Load() {
		t.closeHooks = append(t.closeHooks, hook)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	hook()
}

// Call sends a request and waits for the correlated response, decoding its
// result into result when non-nil. It returns the context error on deadline
// or cancellation; the response, if it arrives later, is discarded.
func (t *Transport) Call(ctx context.Context, method string, params any, result any) error {
	if t.closed.Load() {
		return ErrShutdown
	}

	id := t.nextID.Add(1)
	ch := make(chan *Response, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := t.send(ctx, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrShutdown
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
			}
		}
		return nil
	}
}

// Notify sends a notification; no response is expected.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return ErrShutdown
	}

	return t.send(ctx, &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// OnNotification registers a handler for a server notification method.
// The method "*" acts as a catch-all.
func (t *Transport) OnNotification(method string, handler NotificationHandler) {
	t.mu.Lock()
	t.handlers[method] = handler
	t.mu.Unlock()
}

// send writes one framed message. The write runs on its own goroutine so a
// server that stopped reading its stdin cannot block the caller past its
// deadline. An abandoned write closes the transport: once a frame may be
// half-written the connection is unusable, and closing it triggers the
// session's exit path so the pool evicts it.
func (t *Transport) send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()

		if t.closed.Load() {
			done <- ErrShutdown
			return
		}
		if _, err := fmt.Fprintf(t.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
			done <- fmt.Errorf("write header: %w", err)
			return
		}
		if _, err := t.writer.Write(data); err != nil {
			done <- fmt.Errorf("write body: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-t.done:
		return ErrShutdown
	}
}

// readLoop reads framed messages until the stream ends. A terminated stream
// closes the transport so session owners learn the connection is dead.
func (t *Transport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		payload, err := t.readMessage()
		if err != nil {
			if t.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
				t.logger.Debug("connection stream ended")
				t.Close()
				return
			}
			t.logger.Warn("dropping unreadable message", "error", err)
			continue
		}

		t.dispatch(payload)
	}
}

// readMessage reads one Content-Length framed payload.
func (t *Transport) readMessage() (json.RawMessage, error) {
	contentLength := 0
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "content-length") {
				if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
					contentLength = n
				}
			}
			// Content-Type and other headers are ignored.
		}
	}

	if contentLength <= 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

// dispatch routes an inbound payload to the waiting caller or a handler.
func (t *Transport) dispatch(payload json.RawMessage) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.logger.Warn("dropping undecodable message", "error", err)
		return
	}

	// A message with an id and a result or error is a response; anything
	// with a method is a notification (or a server-to-client request,
	// which this client does not answer).
	if msg.ID != nil && (msg.Result != nil || msg.Error != nil) {
		t.deliverResponse(&Response{
			JSONRPC: "2.0",
			ID:      *msg.ID,
			Result:  msg.Result,
			Error:   msg.Error,
		})
		return
	}

	if msg.Method != "" {
		t.deliverNotification(msg.Method, msg.Params)
	}
}

// deliverResponse hands a response to its waiting caller, if any. Responses
// arriving after the caller gave up are dropped.
func (t *Transport) deliverResponse(resp *Response) {
	if t.closed.Load() {
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("discarding late response", "id", resp.ID)
		return
	}

	select {
	case ch <- resp:
	default:
	}
}

// deliverNotification runs the matching handler in its own goroutine so a
// slow handler cannot stall the read loop.
func (t *Transport) deliverNotification(method string, params json.RawMessage) {
	t.mu.Lock()
	handler, ok := t.handlers[method]
	if !ok {
		handler, ok = t.handlers["*"]
	}
	t.mu.Unlock()

	if ok && handler != nil {
		go handler(method, params)
	}
}
