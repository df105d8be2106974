package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/pkg/api/handlers"
	"github.com/harborview/stowage/pkg/api/middleware"
	"github.com/harborview/stowage/pkg/tenant"
	"github.com/harborview/stowage/pkg/tus"
)

// RouterDeps carries everything the route tree needs.
type RouterDeps struct {
	Handlers *handlers.Handler
	Tenants  *tenant.Resolver
	Tus      *tus.Manager

	// Metrics, when set, wraps every request to record latency.
	Metrics func(http.Handler) http.Handler
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//
// There is deliberately no global request timeout: object transfers run as
// long as the socket stays alive. Database work is bounded separately by
// the connection manager's acquire timeout.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	if deps.Metrics != nil {
		r.Use(deps.Metrics)
	}
	r.Use(chimiddleware.Recoverer)

	h := deps.Handlers

	// Health routes - unauthenticated
	health := h.Health()
	r.Route("/health", func(r chi.Router) {
		r.Get("/", health.Liveness)
		r.Get("/ready", health.Readiness)
	})

	// Bucket administration requires an authenticated caller.
	r.Route("/bucket", func(r chi.Router) {
		r.Use(middleware.ResolveTenant(deps.Tenants))
		r.Use(middleware.Auth(true))
		r.Post("/", h.CreateBucket)
		r.Get("/", h.ListBuckets)
		r.Get("/{bucketId}", h.GetBucket)
		r.Put("/{bucketId}", h.UpdateBucket)
		r.Delete("/{bucketId}", h.DeleteBucket)
	})

	// Object routes run anonymously when no token is presented; row-level
	// policies decide what an anonymous role may touch.
	r.Route("/object", func(r chi.Router) {
		r.Use(middleware.ResolveTenant(deps.Tenants))
		r.Use(middleware.Auth(false))

		r.Post("/move", h.MoveObject)
		r.Post("/copy", h.CopyObject)
		r.Post("/list/{bucketName}", h.ListObjects)

		r.Route("/sign/{bucketName}", func(r chi.Router) {
			r.Post("/*", h.SignObjectURL)
			r.Get("/*", h.DownloadSignedObject)
		})
		r.Route("/upload/sign/{bucketName}", func(r chi.Router) {
			r.Post("/*", h.SignUploadURL)
			r.Put("/*", h.UploadSignedObject)
		})

		r.Get("/info/{bucketName}/*", h.HeadObject)
		r.Route("/{bucketName}", func(r chi.Router) {
			r.Delete("/", h.DeleteObjects)
			r.Post("/*", h.UploadObject)
			r.Put("/*", h.UploadObject)
			r.Get("/*", h.DownloadObject)
			r.Head("/*", h.HeadObject)
			r.Delete("/*", h.DeleteObject)
		})
	})

	// Resumable upload protocol.
	if deps.Tus != nil {
		tusHandler := tus.NewHandler(deps.Tus, func(req *http.Request) (*tus.RequestContext, error) {
			st, _, err := h.Storage(req)
			if err != nil {
				return nil, err
			}
			return &tus.RequestContext{
				Storage: st,
				Owner:   middleware.GetPrincipal(req.Context()).Owner(),
				Upsert:  req.Header.Get("x-upsert") == "true",
			}, nil
		})
		// The signed surface serves the same protocol, but every request is
		// authorized by the X-Signature upload token instead of the bearer
		// principal.
		signedHandler := tus.NewHandler(deps.Tus, h.SignedTusContext)
		r.Route("/upload/resumable", func(r chi.Router) {
			r.Use(middleware.ResolveTenant(deps.Tenants))
			r.Use(middleware.Auth(false))
			r.Mount("/sign", signedHandler.Routes())
			r.Mount("/", tusHandler.Routes())
		})
	}

	return r
}

// requestLogger is a custom middleware that logs requests using the
// internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		logger.Debug("API request started",
			logger.KeyRequestID, requestID,
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyClientIP, r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			logger.KeyRequestID, requestID,
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeySize, ww.BytesWritten(),
			logger.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}
