package lsp

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// DocumentSync tracks which documents each session has been told about and
// converts local file state into open/change notifications. Disk content is
// authoritative; every sync resends the full document text.
type DocumentSync struct {
	mu     sync.Mutex
	states map[docKey]*docState
}

// docKey identifies a document announcement to one session instance. Keying
// by session id (not pool key) means a respawned session starts clean and
// gets a fresh didOpen.
type docKey struct {
	session string
	uri     DocumentURI
}

// docState serializes the notifications for one (session, document) pair.
// The lock is per pair so a session stuck mid-write stalls only its own
// documents, never a sibling session's.
type docState struct {
	mu      sync.Mutex
	version int
}

// NewDocumentSync creates an empty synchronizer.
func NewDocumentSync() *DocumentSync {
	return &DocumentSync{states: make(map[docKey]*docState)}
}

// state returns the tracking entry for a pair, creating it if needed.
func (d *DocumentSync) state(key docKey) *docState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[key]
	if !ok {
		st = &docState{}
		d.states[key] = st
	}
	return st
}

// Sync makes the session's view of the file match its current disk content.
// The first sync for a (session, document) pair sends didOpen with version 1;
// later syncs send didChange with a bumped version. A didChange is never
// emitted before a successful didOpen for the same pair.
func (d *DocumentSync) Sync(ctx context.Context, session *Session, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	uri := FilePathToURI(path)
	st := d.state(docKey{session: session.ID(), uri: uri})

	// The pair's lock is held across the notify so that concurrent syncs
	// for the same pair cannot reorder an open behind a change.
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.version == 0 {
		if err := session.OpenDocument(ctx, uri, DetectLanguageID(path), string(content), 1); err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		st.version = 1
		return nil
	}

	// Cached diagnostics describe the content being replaced. Dropping
	// them before the change goes out makes the next wait hold out for a
	// fresh publish instead of answering from before the edit.
	session.InvalidateDiagnostics(uri)

	next := st.version + 1
	if err := session.ChangeDocument(ctx, uri, string(content), next); err != nil {
		return fmt.Errorf("change %s: %w", path, err)
	}
	st.version = next
	return nil
}

// Version returns the last version announced to a session for a document,
// or 0 if the document has not been opened there.
func (d *DocumentSync) Version(sessionID string, uri DocumentURI) int {
	d.mu.Lock()
	st, ok := d.states[docKey{session: sessionID, uri: uri}]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.version
}

// Forget drops all records for one session, typically after it is evicted.
func (d *DocumentSync) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.states {
		if key.session == sessionID {
			delete(d.states, key)
		}
	}
}

// Reset clears every record.
func (d *DocumentSync) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states = make(map[docKey]*docState)
}
