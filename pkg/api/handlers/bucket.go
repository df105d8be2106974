package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/harborview/stowage/pkg/api/middleware"
	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/database"
)

// createBucketRequest is the POST /bucket body. Name doubles as the id when
// no id is given.
type createBucketRequest struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Public           bool     `json:"public"`
	FileSizeLimit    *int64   `json:"file_size_limit,omitempty"`
	AllowedMimeTypes []string `json:"allowed_mime_types,omitempty"`
	Type             string   `json:"type,omitempty"`
}

// CreateBucket handles POST /bucket.
func (h *Handler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	var req createBucketRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		apierr.Render(w, apierr.New(apierr.CodeInvalidParameter, "bucket name is required"))
		return
	}
	if req.ID == "" {
		req.ID = req.Name
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	var bucket *database.Bucket
	err = st.Database().WithTransaction(r.Context(), func(q *database.Tx) error {
		var err error
		bucket, err = q.CreateBucket(r.Context(), database.CreateBucketParams{
			ID:               req.ID,
			Name:             req.Name,
			OwnerID:          middleware.GetPrincipal(r.Context()).Owner(),
			Public:           req.Public,
			FileSizeLimit:    req.FileSizeLimit,
			AllowedMimeTypes: req.AllowedMimeTypes,
			Type:             database.BucketType(req.Type),
		})
		return err
	})
	if err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bucket)
}

// GetBucket handles GET /bucket/{bucketId}.
func (h *Handler) GetBucket(w http.ResponseWriter, r *http.Request) {
	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	var bucket *database.Bucket
	err = st.Database().WithTransaction(r.Context(), func(q *database.Tx) error {
		var err error
		bucket, err = q.GetBucket(r.Context(), chi.URLParam(r, "bucketId"))
		return err
	})
	if err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bucket)
}

// ListBuckets handles GET /bucket.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	var buckets []database.Bucket
	err = st.Database().WithTransaction(r.Context(), func(q *database.Tx) error {
		var err error
		buckets, err = q.ListBuckets(r.Context(),
			parseIntQuery(r, "limit", 100), r.URL.Query().Get("after"))
		return err
	})
	if err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// updateBucketRequest is the PUT /bucket/{bucketId} body. Null file size
// limit or mime types clear the setting.
type updateBucketRequest struct {
	Public           *bool    `json:"public,omitempty"`
	FileSizeLimit    *int64   `json:"file_size_limit"`
	AllowedMimeTypes []string `json:"allowed_mime_types"`
}

// UpdateBucket handles PUT /bucket/{bucketId}.
func (h *Handler) UpdateBucket(w http.ResponseWriter, r *http.Request) {
	var req updateBucketRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	var bucket *database.Bucket
	err = st.Database().WithTransaction(r.Context(), func(q *database.Tx) error {
		var err error
		bucket, err = q.UpdateBucket(r.Context(), chi.URLParam(r, "bucketId"), database.UpdateBucketParams{
			Public:           req.Public,
			FileSizeLimit:    req.FileSizeLimit,
			ClearSizeLimit:   req.FileSizeLimit == nil,
			AllowedMimeTypes: req.AllowedMimeTypes,
			ClearMimeTypes:   req.AllowedMimeTypes == nil,
		})
		return err
	})
	if err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bucket)
}

// DeleteBucket handles DELETE /bucket/{bucketId}. Buckets must be empty.
func (h *Handler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	err = st.Database().WithTransaction(r.Context(), func(q *database.Tx) error {
		return q.DeleteBucket(r.Context(), chi.URLParam(r, "bucketId"))
	})
	if err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully deleted"})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
