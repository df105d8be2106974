// Package handlers implements the gateway's HTTP endpoints: bucket
// administration, object transfer, listings, and signed URLs. Every handler
// builds a tenant-scoped storage facade for the request; authorization
// itself happens in the database through row-level policies.
package handlers

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/harborview/stowage/pkg/api/middleware"
	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/backend"
	"github.com/harborview/stowage/pkg/database"
	"github.com/harborview/stowage/pkg/signature"
	"github.com/harborview/stowage/pkg/storage"
	"github.com/harborview/stowage/pkg/tenant"
)

// Deps carries the process-wide dependencies handlers need.
type Deps struct {
	DB     *database.Manager
	Driver backend.Driver

	// Multitenant routes each tenant to its own database URL from the
	// registry; otherwise the manager's configured URL serves everyone.
	Multitenant bool

	// SignedURLTTL bounds download token lifetimes when the client asks for
	// more. Default 2h.
	SignedURLTTL time.Duration

	// UploadURLTTL is the lifetime of signed upload tokens. Default 2h.
	UploadURLTTL time.Duration
}

// Handler hosts the gateway endpoints.
type Handler struct {
	deps Deps
}

// New creates a handler set.
func New(deps Deps) *Handler {
	if deps.SignedURLTTL <= 0 {
		deps.SignedURLTTL = 2 * time.Hour
	}
	if deps.UploadURLTTL <= 0 {
		deps.UploadURLTTL = 2 * time.Hour
	}
	return &Handler{deps: deps}
}

// Storage builds the tenant-scoped storage facade for one request. The
// caller's role and claims travel into every transaction's scope. The
// returned release must be called when the request finishes.
func (h *Handler) Storage(r *http.Request) (*storage.Storage, func(), error) {
	ctx := r.Context()
	tn := middleware.GetTenant(ctx)
	if tn == nil {
		return nil, nil, apierr.New(apierr.CodeAccessDenied, "tenant not resolved")
	}

	scope := database.Scope{
		Role:   "anon",
		Method: r.Method,
		Path:   r.URL.Path,
		Headers: map[string]string{
			"x-request-id": chimiddleware.GetReqID(ctx),
		},
	}
	if p := middleware.GetPrincipal(ctx); p != nil {
		if p.Role != "" {
			scope.Role = p.Role
		}
		scope.RawJWT = p.RawJWT
		scope.Claims = p.Claims
		if p.Sub != nil {
			scope.Sub = *p.Sub
		}
	}

	opts := database.AcquireOptions{TenantID: tn.ID, Scope: scope}
	if h.deps.Multitenant {
		opts.DatabaseURL = tn.DatabaseURL
	}
	conn, err := h.deps.DB.Acquire(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	st := storage.New(conn, h.deps.Driver, tn, chimiddleware.GetReqID(ctx))
	return st, conn.Dispose, nil
}

// Health returns the health handler bound to this handler's database
// manager.
func (h *Handler) Health() *HealthHandler {
	return NewHealthHandler(h.deps.DB, h.deps.Multitenant)
}

// signer returns the URL signer for a tenant.
func (h *Handler) signer(tn *tenant.Tenant) *signature.Signer {
	return signature.New(tn.JWTSecret)
}
