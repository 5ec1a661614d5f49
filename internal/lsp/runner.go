package lsp

import (
	"context"
	"errors"
	"sync"
)

// runQuery fans task out to every server claiming the file. For each
// matching descriptor it obtains a session, syncs the document, and runs
// task under an independent per-request deadline. A failed or timed-out
// sub-request is logged and omitted; siblings are unaffected. Results come
// back in descriptor-discovery order regardless of completion order, so the
// call is bounded by the slowest single sub-request, not their sum.
func runQuery[T any](ctx context.Context, m *Manager, file, op string, task func(context.Context, *Session) (T, error)) ([]T, error) {
	if !m.ready() {
		return nil, ErrShutdown
	}

	descriptors := m.registry.ServersForFile(file)
	if len(descriptors) == 0 {
		return nil, ErrNoServer
	}

	type slot struct {
		value T
		ok    bool
	}
	slots := make([]slot, len(descriptors))

	var wg sync.WaitGroup
	for i, descriptor := range descriptors {
		i, descriptor := i, descriptor
		wg.Add(1)
		go func() {
			defer wg.Done()

			log := m.logger.With("op", op, "server", descriptor.ID, "file", file)

			// Session acquisition is bounded by the handshake timeout
			// inside the pool; sync and the task itself share the
			// per-request deadline, so every phase of the sub-request
			// unblocks regardless of server behavior.
			session, err := m.pool.GetOrCreate(ctx, descriptor, file)
			if err != nil {
				log.Warn("session unavailable", "error", err)
				return
			}

			taskCtx, cancel := context.WithTimeout(ctx, m.RequestTimeout())
			defer cancel()

			if err := m.docs.Sync(taskCtx, session, file); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					log.Warn("document sync timed out", "timeout", m.RequestTimeout())
				} else {
					log.Warn("document sync failed", "error", err)
				}
				return
			}

			value, err := task(taskCtx, session)
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				// The server may still answer eventually; that response
				// is discarded by the transport.
				log.Warn("request timed out", "timeout", m.RequestTimeout())
			case errors.Is(err, ErrNotSupported):
				log.Debug("capability not supported")
			case err != nil:
				log.Warn("request failed", "error", err)
			default:
				slots[i] = slot{value: value, ok: true}
			}
		}()
	}
	wg.Wait()

	results := make([]T, 0, len(descriptors))
	for _, s := range slots {
		if s.ok {
			results = append(results, s.value)
		}
	}
	return results, nil
}
