package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/harborview/stowage/pkg/database"
)

// HealthHandler handles the unauthenticated health endpoints.
//
//   - Liveness probe: is the server process running?
//   - Readiness probe: can the gateway reach its metadata store?
type HealthHandler struct {
	db *database.Manager

	// multitenant skips the ping when there is no shared database URL.
	multitenant bool
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *database.Manager, multitenant bool) *HealthHandler {
	return &HealthHandler{db: db, multitenant: multitenant}
}

// Liveness handles GET /health. Always succeeds while the HTTP server is
// responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "stowage",
	})
}

// Readiness handles GET /health/ready. In single-tenant mode it pings the
// configured database; in multitenant mode pools are per tenant, so it
// reports the pool count instead.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "database manager not initialized",
		})
		return
	}

	if !h.multitenant {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		conn, err := h.db.Acquire(ctx, database.AcquireOptions{TenantID: "health"})
		if err == nil {
			err = conn.Pool().Ping(ctx)
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"pools":  h.db.PoolCount(),
	})
}
