package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveUpload(t *testing.T) {
	m := New(nil)

	m.ObserveUpload("plain", 1024, nil)
	m.ObserveUpload("plain", 2048, nil)
	m.ObserveUpload("resumable", 0, assert.AnError)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues("plain", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues("resumable", "error")))
	assert.Equal(t, 3072.0, testutil.ToFloat64(m.UploadedBytes.WithLabelValues("plain")))
	// Failed uploads never count bytes.
	assert.Equal(t, 0.0, testutil.ToFloat64(m.UploadedBytes.WithLabelValues("resumable")))
}

func TestPoolGauge(t *testing.T) {
	pools := 3
	m := New(func() int { return pools })

	require.NotNil(t, m.DBPools)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DBPools))

	pools = 5
	assert.Equal(t, 5.0, testutil.ToFloat64(m.DBPools))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New(nil)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	m.Middleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	// The scrape endpoint exposes the observed request.
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stowage_http_request_duration_seconds")
}
