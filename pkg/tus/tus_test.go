package tus

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/stowage/pkg/apierr"
)

func TestUploadIDRoundTrip(t *testing.T) {
	id := UploadID{
		Tenant:     "acme",
		Bucket:     "photos",
		ObjectName: "2024/vacation/beach.png",
		Version:    "3f1c9a6e",
	}

	got, err := ParseUploadID(id.Encode())
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseUploadIDErrors(t *testing.T) {
	for name, token := range map[string]string{
		"not base64":       "!!!not-base64!!!",
		"too few segments": UploadID{Tenant: "a", Bucket: "b"}.Encode(),
		"empty segment": (UploadID{
			Tenant: "a", Bucket: "", ObjectName: "o", Version: "v",
		}).Encode(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseUploadID(token)
			require.Error(t, err)
			assert.Equal(t, apierr.CodeInvalidParameter, apierr.CodeOf(err))
		})
	}
}

func TestParseMetadata(t *testing.T) {
	header := FormatMetadata(map[string]string{
		"bucketName":  "photos",
		"objectName":  "cat.png",
		"contentType": "image/png",
	})
	meta := ParseMetadata(header)
	assert.Equal(t, "photos", meta["bucketName"])
	assert.Equal(t, "cat.png", meta["objectName"])
	assert.Equal(t, "image/png", meta["contentType"])

	// Bare keys carry empty values; garbage pairs are skipped.
	meta = ParseMetadata("isConfidential, objectName bm90ZXMudHh0, broken ???")
	assert.Equal(t, "", meta["isConfidential"])
	assert.Contains(t, meta, "isConfidential")
	assert.Equal(t, "notes.txt", meta["objectName"])
	assert.NotContains(t, meta, "broken")
}

func TestUserMetadataOf(t *testing.T) {
	out := userMetadataOf(map[string]string{
		"bucketName":  "photos",
		"objectName":  "cat.png",
		"contentType": "image/png",
		"customer":    "acme",
	})
	assert.Equal(t, map[string]string{"customer": "acme"}, out)

	assert.Nil(t, userMetadataOf(map[string]string{"bucketName": "b"}))
	assert.Nil(t, userMetadataOf(nil))
}

func TestUploadDone(t *testing.T) {
	length := int64(100)

	deferred := &Upload{Offset: 100}
	assert.False(t, deferred.Done())

	partial := &Upload{Offset: 50, Length: &length}
	assert.False(t, partial.Done())

	complete := &Upload{Offset: 100, Length: &length}
	assert.True(t, complete.Done())
}

func TestLockLeaseExpiry(t *testing.T) {
	now := time.Now()
	live := lockLease{ExpiresAt: now.Add(time.Minute)}
	dead := lockLease{ExpiresAt: now.Add(-time.Second)}

	assert.False(t, live.expired(now))
	assert.True(t, dead.expired(now))
}

// memCW is an in-memory ConditionalWriter for locker tests.
type memCW struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemCW() *memCW {
	return &memCW{objects: make(map[string][]byte)}
}

func (m *memCW) PutIfAbsent(_ context.Context, key string, body io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return apierr.Newf(apierr.CodeConflict, "key %q already exists", key)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = raw
	return nil
}

func (m *memCW) PutRaw(_ context.Context, key string, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = raw
	return nil
}

func (m *memCW) ReadRaw(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.objects[key]
	if !ok {
		return nil, apierr.Newf(apierr.CodeObjectNotFound, "key %q not found", key)
	}
	return raw, nil
}

func (m *memCW) DeleteRaw(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memCW) ListRaw(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func TestNotifierRemoveIsScopedToRegistration(t *testing.T) {
	n := &Notifier{callbacks: make(map[string]map[uint64]func())}

	var first, second int
	removeFirst := n.OnRelease("upload-1", func() { first++ })

	n.dispatch("upload-1")
	assert.Equal(t, 1, first)

	// A new holder registers after the first registration was consumed.
	n.OnRelease("upload-1", func() { second++ })
	removeFirst()

	n.dispatch("upload-1")
	assert.Equal(t, 1, first, "consumed callback must not fire again")
	assert.Equal(t, 1, second, "successor callback must survive a stale remove")
}

func TestNotifierRemoveDropsOwnRegistration(t *testing.T) {
	n := &Notifier{callbacks: make(map[string]map[uint64]func())}

	var fired int
	remove := n.OnRelease("upload-2", func() { fired++ })
	remove()

	n.dispatch("upload-2")
	assert.Zero(t, fired)
}

func TestS3LockerLockUnlock(t *testing.T) {
	cw := newMemCW()
	l := NewS3Locker(cw, "acme", nil)

	unlock, err := l.Lock(context.Background(), "upload-1", nil)
	require.NoError(t, err)

	// The lock object exists while held.
	_, err = cw.ReadRaw(context.Background(), l.lockKey("upload-1"))
	require.NoError(t, err)

	require.NoError(t, unlock(context.Background()))
	_, err = cw.ReadRaw(context.Background(), l.lockKey("upload-1"))
	assert.True(t, apierr.IsNotFound(err))
}

func TestS3LockerBreaksExpiredLease(t *testing.T) {
	cw := newMemCW()
	l := NewS3Locker(cw, "acme", nil)

	stale := mustJSON(lockLease{
		LockID:    "dead-holder",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, cw.PutRaw(context.Background(), l.lockKey("upload-1"), bytes.NewReader(stale)))

	unlock, err := l.Lock(context.Background(), "upload-1", nil)
	require.NoError(t, err)
	require.NoError(t, unlock(context.Background()))
}

func TestS3LockerContention(t *testing.T) {
	cw := newMemCW()
	l := NewS3Locker(cw, "acme", nil)

	unlock, err := l.Lock(context.Background(), "upload-1", nil)
	require.NoError(t, err)
	defer unlock(context.Background())

	// A second acquirer gives up when its context expires first.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "upload-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestS3LockerRenewStopsOnForeignLease(t *testing.T) {
	cw := newMemCW()
	l := NewS3Locker(cw, "acme", nil)
	ctx := context.Background()
	key := l.lockKey("upload-1")

	mine := lockLease{LockID: "mine", ExpiresAt: time.Now().Add(s3LockTTL)}
	require.NoError(t, cw.PutRaw(ctx, key, bytes.NewReader(mustJSON(mine))))

	require.NoError(t, l.renew(ctx, key, &mine))

	// Another holder broke the lease and wrote its own.
	foreign := lockLease{LockID: "theirs", ExpiresAt: time.Now().Add(s3LockTTL)}
	require.NoError(t, cw.PutRaw(ctx, key, bytes.NewReader(mustJSON(foreign))))

	err := l.renew(ctx, key, &mine)
	assert.ErrorIs(t, err, errLeaseLost)

	current, err := l.readLease(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "theirs", current.LockID, "a lost holder must not overwrite the new lease")

	// A deleted lock object counts as lost too.
	require.NoError(t, cw.DeleteRaw(ctx, key))
	assert.ErrorIs(t, l.renew(ctx, key, &mine), errLeaseLost)
}

func TestS3LockerUnlockLeavesForeignLease(t *testing.T) {
	cw := newMemCW()
	l := NewS3Locker(cw, "acme", nil)
	ctx := context.Background()
	key := l.lockKey("upload-1")

	unlock, err := l.Lock(ctx, "upload-1", nil)
	require.NoError(t, err)

	// The lease is broken and re-acquired behind the first holder's back.
	foreign := lockLease{LockID: "theirs", ExpiresAt: time.Now().Add(s3LockTTL)}
	require.NoError(t, cw.PutRaw(ctx, key, bytes.NewReader(mustJSON(foreign))))

	require.NoError(t, unlock(ctx))

	current, err := l.readLease(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "theirs", current.LockID, "unlock must not delete another holder's lock")
}

func TestS3LockerSweepZombies(t *testing.T) {
	cw := newMemCW()
	l := NewS3Locker(cw, "acme", nil)
	ctx := context.Background()

	stale := mustJSON(lockLease{ExpiresAt: time.Now().Add(-time.Hour)})
	fresh := mustJSON(lockLease{ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, cw.PutRaw(ctx, l.lockKey("dead"), bytes.NewReader(stale)))
	require.NoError(t, cw.PutRaw(ctx, l.lockKey("alive"), bytes.NewReader(fresh)))

	swept, err := l.SweepZombies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = cw.ReadRaw(ctx, l.lockKey("dead"))
	assert.True(t, apierr.IsNotFound(err))
	_, err = cw.ReadRaw(ctx, l.lockKey("alive"))
	assert.NoError(t, err)
}

func TestHandlerOptions(t *testing.T) {
	h := NewHandler(NewManager(nil, WithMaxSize(5<<30)), nil)

	rec := httptest.NewRecorder()
	h.Options(rec, httptest.NewRequest(http.MethodOptions, "/upload/resumable", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, TusVersion, rec.Header().Get("Tus-Resumable"))
	assert.Contains(t, rec.Header().Get("Tus-Extension"), "termination")
	assert.Equal(t, "5368709120", rec.Header().Get("Tus-Max-Size"))
}

func TestHandlerRejectsWrongProtocolVersion(t *testing.T) {
	h := NewHandler(NewManager(nil), func(*http.Request) (*RequestContext, error) {
		t.Fatal("resolve must not run for a bad protocol version")
		return nil, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/upload/resumable", nil)
	req.Header.Set("Tus-Resumable", "0.2.2")
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPatchRequiresOffsetContentType(t *testing.T) {
	h := NewHandler(NewManager(nil), nil)

	req := httptest.NewRequest(http.MethodPatch, "/upload/resumable/abc", nil)
	req.Header.Set("Tus-Resumable", TusVersion)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Patch(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseUploadLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Upload-Defer-Length", "1")
	n, deferred, err := parseUploadLength(req)
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.True(t, deferred)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Upload-Length", "1024")
	n, deferred, err = parseUploadLength(req)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, int64(1024), *n)
	assert.False(t, deferred)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Upload-Length", "-5")
	_, _, err = parseUploadLength(req)
	require.Error(t, err)
}
