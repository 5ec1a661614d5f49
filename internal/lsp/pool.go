package lsp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Pool owns one session per (server, resolved root) key. Sessions are
// created lazily on first use and reused until they die or the pool is
// disposed. Creation is single-flight per key: concurrent first callers
// share one in-flight spawn instead of racing into duplicates.
type Pool struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration

	// startSession is swapped by tests to avoid spawning real processes.
	startSession func(ctx context.Context, descriptor ServerDescriptor, root string) (*Session, error)

	// onEvict, if set, observes sessions leaving the pool.
	onEvict func(*Session)

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

// poolEntry holds a session slot. ready is closed once the creation attempt
// settles; exactly one of session or err is then populated.
type poolEntry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger, handshakeTimeout time.Duration) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pool{
		logger:           logger,
		handshakeTimeout: handshakeTimeout,
		entries:          make(map[string]*poolEntry),
	}
	p.startSession = func(ctx context.Context, descriptor ServerDescriptor, root string) (*Session, error) {
		s := newSession(descriptor, root, logger)
		if err := s.start(ctx, p.handshakeTimeout); err != nil {
			return nil, err
		}
		return s, nil
	}
	return p
}

// SetEvictObserver registers a callback for sessions leaving the pool.
func (p *Pool) SetEvictObserver(fn func(*Session)) {
	p.mu.Lock()
	p.onEvict = fn
	p.mu.Unlock()
}

// GetOrCreate returns the live session for the descriptor and the file's
// resolved project root, creating it if needed. A failed creation is not
// cached: the error goes to the callers sharing that attempt, and the next
// call retries from scratch.
func (p *Pool) GetOrCreate(ctx context.Context, descriptor ServerDescriptor, file string) (*Session, error) {
	root, err := descriptor.ResolveRoot(file)
	if err != nil {
		return nil, &ServerError{ServerID: descriptor.ID, Err: err}
	}

	key := sessionKey(descriptor.ID, root)

	// A dead session found under the key is evicted and the creation is
	// retried once; a second dead hit means something is killing sessions
	// faster than they start, so give up rather than loop.
	for attempt := 0; attempt < 2; attempt++ {
		entry, created, err := p.claim(key)
		if err != nil {
			return nil, err
		}

		if created {
			return p.create(ctx, entry, key, descriptor, root)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-entry.ready:
		}

		if entry.err != nil {
			return nil, entry.err
		}
		if entry.session.Ready() {
			return entry.session, nil
		}

		p.evict(key, entry.session)
	}

	return nil, &ServerError{ServerID: descriptor.ID, Root: root, Err: ErrSessionNotReady}
}

// claim returns the entry for a key, inserting a fresh in-flight entry if
// none exists. created reports whether this caller owns the creation.
func (p *Pool) claim(key string) (entry *poolEntry, created bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, ErrShutdown
	}

	if entry, ok := p.entries[key]; ok {
		return entry, false, nil
	}

	entry = &poolEntry{ready: make(chan struct{})}
	p.entries[key] = entry
	return entry, true, nil
}

// create runs the creation attempt this caller owns and publishes the result.
func (p *Pool) create(ctx context.Context, entry *poolEntry, key string, descriptor ServerDescriptor, root string) (*Session, error) {
	session, err := p.startSession(ctx, descriptor, root)
	if err != nil {
		// Remove the failed entry before releasing waiters so a later
		// call retries instead of seeing a cached failure.
		p.mu.Lock()
		if p.entries[key] == entry {
			delete(p.entries, key)
		}
		p.mu.Unlock()

		entry.err = err
		close(entry.ready)

		p.logger.Warn("session creation failed", "server", descriptor.ID, "root", root, "error", err)
		return nil, err
	}

	entry.session = session
	close(entry.ready)

	// Evict on process exit or transport death so the next query respawns
	// instead of reusing a broken connection.
	session.setOnExit(func(s *Session) { p.evict(key, s) })

	p.logger.Info("session created", "server", descriptor.ID, "root", root)
	return session, nil
}

// evict drops a session from the pool if it still occupies its key.
func (p *Pool) evict(key string, session *Session) {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if ok && entry.session == session {
		delete(p.entries, key)
	} else {
		ok = false
	}
	observer := p.onEvict
	p.mu.Unlock()

	if ok {
		p.logger.Info("session evicted", "key", key)
		if observer != nil {
			observer(session)
		}
	}
}

// Sessions returns the sessions currently in the pool, including any still
// initializing.
func (p *Pool) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	sessions := make([]*Session, 0, len(p.entries))
	for _, entry := range p.entries {
		select {
		case <-entry.ready:
			if entry.session != nil {
				sessions = append(sessions, entry.session)
			}
		default:
		}
	}
	return sessions
}

// Len returns the number of settled live sessions.
func (p *Pool) Len() int {
	return len(p.Sessions())
}

// DisposeAll shuts down every session and closes the pool for further
// creation. Safe to call more than once and with already-dead sessions.
func (p *Pool) DisposeAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			continue
		case <-entry.ready:
		}
		if entry.session == nil {
			continue
		}
		if err := entry.session.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
