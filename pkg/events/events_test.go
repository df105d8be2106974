package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/stowage/pkg/database"
)

func TestPayloadJSONShape(t *testing.T) {
	ev := Event{
		Version:   Version,
		Type:      ObjectCreatedMove,
		ApplyTime: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Tenant:    "acme",
		Payload: Payload{
			BucketID: "dest-bucket",
			Name:     "a/b/c.txt",
			Metadata: &database.ObjectMetadata{Size: 42, ETag: `"abc"`},
			Tenant:   "acme",
			ReqID:    "req-1",
			OldObject: &ObjectRef{
				BucketID: "src-bucket",
				Name:     "old/c.txt",
			},
		},
	}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "1.0", decoded["version"])
	assert.Equal(t, "ObjectCreated:Move", decoded["type"])

	payload := decoded["payload"].(map[string]any)
	// Moves report the destination bucket at the top level and the source
	// under oldObject.
	assert.Equal(t, "dest-bucket", payload["bucketId"])
	old := payload["oldObject"].(map[string]any)
	assert.Equal(t, "src-bucket", old["bucketId"])
	assert.Equal(t, "old/c.txt", old["name"])
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, Name("ObjectCreated:Post"), ObjectCreatedPost)
	assert.Equal(t, Name("ObjectCreated:Put"), ObjectCreatedPut)
	assert.Equal(t, Name("ObjectCreated:Copy"), ObjectCreatedCopy)
	assert.Equal(t, Name("ObjectRemoved:Delete"), ObjectRemovedDelete)
	assert.Equal(t, Name("ObjectRemoved:Move"), ObjectRemovedMove)
}

func TestDispatcherConfigDefaults(t *testing.T) {
	var cfg DispatcherConfig
	cfg.applyDefaults()
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
}

func TestDeliverPostsEventJSON(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		got.Store(ev)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(DispatcherConfig{WebhookURL: srv.URL}, nil)
	err := d.deliver(context.Background(), Event{
		ID:      7,
		Version: Version,
		Type:    ObjectCreatedPost,
		Tenant:  "acme",
		Payload: Payload{BucketID: "b", Name: "k", Tenant: "acme"},
	})
	require.NoError(t, err)

	ev := got.Load().(Event)
	assert.Equal(t, int64(7), ev.ID)
	assert.Equal(t, ObjectCreatedPost, ev.Type)
}

func TestDeliverTreatsNon2xxAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDispatcher(DispatcherConfig{WebhookURL: srv.URL}, nil)
	err := d.deliver(context.Background(), Event{ID: 1, Type: ObjectCreatedPut})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(DispatcherConfig{WebhookURL: srv.URL}, nil)
	ev := Event{ID: 1, Type: ObjectRemovedDelete}

	for i := 0; i < 5; i++ {
		require.Error(t, d.deliver(context.Background(), ev))
	}

	// The breaker is open now; the request never reaches the server.
	err := d.deliver(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}
