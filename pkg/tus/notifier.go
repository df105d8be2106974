package tus

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborview/stowage/pkg/database"
)

// LockReleaseChannel carries cross-process requests to hand over a held
// upload lock. The payload is the encoded upload id.
const LockReleaseChannel = "tus_request_lock_release"

// Notifier lets a process waiting on an upload lock ask the current holder
// to yield. Holders register a callback per upload id; any process can
// publish a release request, and the holder's callback cancels its in-flight
// request so the lock frees up.
type Notifier struct {
	pool     *pgxpool.Pool
	listener *database.Listener

	mu        sync.Mutex
	nextToken uint64
	callbacks map[string]map[uint64]func()
}

// NewNotifier subscribes to the release channel on the tenant pool.
func NewNotifier(ctx context.Context, pool *pgxpool.Pool) (*Notifier, error) {
	n := &Notifier{
		pool:      pool,
		callbacks: make(map[string]map[uint64]func()),
	}
	listener, err := database.NewListener(ctx, pool, LockReleaseChannel, n.dispatch)
	if err != nil {
		return nil, err
	}
	n.listener = listener
	return n, nil
}

// Close tears down the subscription.
func (n *Notifier) Close() {
	if n.listener != nil {
		n.listener.Close()
	}
}

// RequestRelease asks whichever process holds the lock for id to yield.
func (n *Notifier) RequestRelease(ctx context.Context, id string) error {
	return database.NotifyNow(ctx, n.pool, LockReleaseChannel, id)
}

// OnRelease registers fn to run when a release is requested for id. The
// returned function removes the registration; callers defer it for the
// lifetime of their lock hold. Removal is keyed by a per-registration
// token, so a stale remove from a consumed registration never touches a
// successor holder's entry for the same id.
func (n *Notifier) OnRelease(id string, fn func()) (remove func()) {
	n.mu.Lock()
	n.nextToken++
	token := n.nextToken
	if n.callbacks[id] == nil {
		n.callbacks[id] = make(map[uint64]func())
	}
	n.callbacks[id][token] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if fns, ok := n.callbacks[id]; ok {
			delete(fns, token)
			if len(fns) == 0 {
				delete(n.callbacks, id)
			}
		}
	}
}

func (n *Notifier) dispatch(payload string) {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.callbacks[payload]))
	for _, fn := range n.callbacks[payload] {
		fns = append(fns, fn)
	}
	delete(n.callbacks, payload)
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
