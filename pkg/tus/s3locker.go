package tus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/backend"
)

const (
	// s3LockTTL is the lease length; a holder that stops renewing loses the
	// lock after this long.
	s3LockTTL = 20 * time.Second

	// s3LockBackoffCap bounds the retry backoff while contending.
	s3LockBackoffCap = 250 * time.Millisecond

	// DefaultLockSweepInterval is how often the zombie sweeper scans for
	// expired lock objects left behind by crashed holders.
	DefaultLockSweepInterval = time.Minute
)

// lockLease is the JSON payload stored in a lock object.
type lockLease struct {
	LockID    string    `json:"lockId"`
	CreatedAt time.Time `json:"createdAt"`
	RenewedAt time.Time `json:"renewedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (l lockLease) expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// S3Locker implements Locker with conditional puts of small lock objects at
// the blob backend. It needs no database round trips, which matters for
// deployments whose metadata store sits far from the gateway. Liveness
// comes from lease expiry plus a periodic zombie sweep rather than from
// connection teardown.
type S3Locker struct {
	cw       backend.ConditionalWriter
	tenantID string
	notifier *Notifier

	stopSweep    chan struct{}
	sweepDone    chan struct{}
	sweepStarted bool
	sweepOnce    sync.Once
}

// NewS3Locker builds a locker for one tenant on the backend's conditional
// writer. notifier may be nil; holders then rely on lease expiry alone.
func NewS3Locker(cw backend.ConditionalWriter, tenantID string, notifier *Notifier) *S3Locker {
	return &S3Locker{
		cw:        cw,
		tenantID:  tenantID,
		notifier:  notifier,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

func (l *S3Locker) lockKey(id string) string {
	return fmt.Sprintf("__tus_locks/%s/%s.lock", l.tenantID, id)
}

func (l *S3Locker) lockPrefix() string {
	return fmt.Sprintf("__tus_locks/%s/", l.tenantID)
}

// Lock acquires the lease for id, breaking expired leases immediately and
// backing off behind live ones.
func (l *S3Locker) Lock(ctx context.Context, id string, onRequestedRelease func()) (func(context.Context) error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := l.lockKey(id)
	deadline := time.Now().Add(lockAcquireTimeout)
	backoff := 50 * time.Millisecond
	requested := false

	for {
		now := time.Now()
		lease := lockLease{
			LockID:    uuid.NewString(),
			CreatedAt: now,
			RenewedAt: now,
			ExpiresAt: now.Add(s3LockTTL),
		}
		err := l.cw.PutIfAbsent(ctx, key, bytes.NewReader(mustJSON(lease)))
		if err == nil {
			return l.hold(id, key, lease, onRequestedRelease), nil
		}
		if apierr.CodeOf(err) != apierr.CodeConflict {
			return nil, err
		}

		// Someone holds it. Break the lease if it lapsed, otherwise wait.
		if current, rerr := l.readLease(ctx, key); rerr == nil && current.expired(time.Now()) {
			if derr := l.cw.DeleteRaw(ctx, key); derr == nil {
				continue
			}
		}

		if !requested && l.notifier != nil {
			if err := l.notifier.RequestRelease(ctx, id); err != nil {
				logger.Warn("lock release request failed",
					logger.KeyUploadID, id, logger.KeyError, err)
			}
			requested = true
		}

		if time.Now().After(deadline) {
			return nil, apierr.AcquiringLockTimeout(id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s3LockBackoffCap {
			backoff = s3LockBackoffCap
		}
	}
}

// hold wires up lease renewal and returns the unlock function. Renewal and
// unlock first verify the stored lease still carries our lockId: a holder
// whose expired lease was broken by a contender must neither overwrite the
// new holder's lease nor delete its lock object.
func (l *S3Locker) hold(id, key string, lease lockLease, onRequestedRelease func()) func(context.Context) error {
	var remove func()
	if onRequestedRelease != nil && l.notifier != nil {
		remove = l.notifier.OnRelease(id, onRequestedRelease)
	}

	var lost atomic.Bool
	stopRenew := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(s3LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stopRenew:
				return
			case <-ticker.C:
				renewCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := l.renew(renewCtx, key, &lease)
				cancel()
				if errors.Is(err, errLeaseLost) {
					lost.Store(true)
					logger.Warn("upload lock lease taken over, renewal stopped",
						logger.KeyUploadID, id)
					return
				}
				if err != nil {
					logger.Warn("lock lease renewal failed",
						logger.KeyUploadID, id, logger.KeyError, err)
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stopRenew)
			<-renewDone
			if remove != nil {
				remove()
			}
			if lost.Load() {
				return
			}
			current, rerr := l.readLease(ctx, key)
			if rerr != nil || current.LockID != lease.LockID {
				return
			}
			err = l.cw.DeleteRaw(ctx, key)
		})
		return err
	}
}

// errLeaseLost reports that another holder owns the lock object now.
var errLeaseLost = errors.New("lock lease held by another owner")

// renew extends the lease only while the stored lease is still ours.
func (l *S3Locker) renew(ctx context.Context, key string, lease *lockLease) error {
	current, err := l.readLease(ctx, key)
	if err != nil {
		if apierr.IsNotFound(err) {
			return errLeaseLost
		}
		return err
	}
	if current.LockID != lease.LockID {
		return errLeaseLost
	}

	now := time.Now()
	lease.RenewedAt = now
	lease.ExpiresAt = now.Add(s3LockTTL)
	return l.cw.PutRaw(ctx, key, bytes.NewReader(mustJSON(*lease)))
}

func (l *S3Locker) readLease(ctx context.Context, key string) (lockLease, error) {
	raw, err := l.cw.ReadRaw(ctx, key)
	if err != nil {
		return lockLease{}, err
	}
	var lease lockLease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return lockLease{}, err
	}
	return lease, nil
}

// StartSweeper runs a background scan that deletes expired lock objects so
// crashed holders cannot wedge an upload for longer than one sweep.
func (l *S3Locker) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLockSweepInterval
	}
	l.sweepStarted = true
	go func() {
		defer close(l.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopSweep:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := l.SweepZombies(ctx); err != nil {
					logger.Warn("lock sweep failed", logger.KeyError, err)
				} else if n > 0 {
					logger.Info("swept expired upload locks", logger.KeySize, n)
				}
				cancel()
			}
		}
	}()
}

// StopSweeper halts the background sweep.
func (l *S3Locker) StopSweeper() {
	l.sweepOnce.Do(func() {
		close(l.stopSweep)
		if l.sweepStarted {
			<-l.sweepDone
		}
	})
}

// SweepZombies deletes every expired lock object under the tenant prefix
// and reports how many it removed.
func (l *S3Locker) SweepZombies(ctx context.Context) (int, error) {
	keys, err := l.cw.ListRaw(ctx, l.lockPrefix())
	if err != nil {
		return 0, err
	}

	swept := 0
	now := time.Now()
	for _, key := range keys {
		lease, err := l.readLease(ctx, key)
		if err != nil {
			continue
		}
		if !lease.expired(now) {
			continue
		}
		if err := l.cw.DeleteRaw(ctx, key); err == nil {
			swept++
		}
	}
	return swept, nil
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
