package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/harborview/stowage/pkg/api/middleware"
	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/backend"
	"github.com/harborview/stowage/pkg/database"
	"github.com/harborview/stowage/pkg/storage"
)

// objectPath pulls the bucket and wildcard object name out of the route.
func objectPath(r *http.Request) (bucket, name string, err error) {
	bucket = chi.URLParam(r, "bucketName")
	name = chi.URLParam(r, "*")
	if bucket == "" || name == "" || strings.HasSuffix(name, "/") {
		return "", "", apierr.New(apierr.CodeInvalidParameter, "invalid object path")
	}
	return bucket, name, nil
}

// UploadObject handles POST and PUT /object/{bucketName}/*. PUT and the
// x-upsert header both select upsert semantics.
func (h *Handler) UploadObject(w http.ResponseWriter, r *http.Request) {
	bucket, name, err := objectPath(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	upsert := r.Method == http.MethodPut ||
		strings.EqualFold(r.Header.Get("x-upsert"), "true")

	obj, err := st.Upload(r.Context(), r.Body, storage.UploadParams{
		BucketID:     bucket,
		ObjectName:   name,
		ContentType:  r.Header.Get("Content-Type"),
		CacheControl: r.Header.Get("Cache-Control"),
		DeclaredSize: r.ContentLength,
		Owner:        middleware.GetPrincipal(r.Context()).Owner(),
		IsUpsert:     upsert,
	})
	if err != nil {
		apierr.Render(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"Id":  obj.ID,
		"Key": bucket + "/" + name,
	})
}

// DownloadObject handles GET /object/{bucketName}/*, honoring Range.
func (h *Handler) DownloadObject(w http.ResponseWriter, r *http.Request) {
	bucket, name, err := objectPath(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	rng, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		apierr.Render(w, err)
		return
	}

	_, blob, err := st.GetObject(r.Context(), bucket, name, rng)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer blob.Body.Close()

	serveBlob(w, blob, rng != nil)
}

// HeadObject handles HEAD and GET /object/info/{bucketName}/*.
func (h *Handler) HeadObject(w http.ResponseWriter, r *http.Request) {
	bucket, name, err := objectPath(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	_, meta, err := st.HeadObject(r.Context(), bucket, name)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	setBlobHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /object/{bucketName}/*.
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket, name, err := objectPath(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	if err := st.DeleteObject(r.Context(), bucket, name); err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully deleted"})
}

// DeleteObjects handles DELETE /object/{bucketName} with a JSON body naming
// the objects to remove.
func (h *Handler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefixes []string `json:"prefixes"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Prefixes) == 0 {
		apierr.Render(w, apierr.New(apierr.CodeInvalidParameter, "prefixes is required"))
		return
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	deleted, err := st.DeleteObjects(r.Context(), chi.URLParam(r, "bucketName"), req.Prefixes)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

// moveCopyRequest is the body for POST /object/move and /object/copy.
type moveCopyRequest struct {
	BucketID          string `json:"bucketId"`
	SourceKey         string `json:"sourceKey"`
	DestinationBucket string `json:"destinationBucket,omitempty"`
	DestinationKey    string `json:"destinationKey"`
}

func (req *moveCopyRequest) validate() error {
	if req.BucketID == "" || req.SourceKey == "" || req.DestinationKey == "" {
		return apierr.New(apierr.CodeInvalidParameter,
			"bucketId, sourceKey and destinationKey are required")
	}
	if req.DestinationBucket == "" {
		req.DestinationBucket = req.BucketID
	}
	return nil
}

// MoveObject handles POST /object/move.
func (h *Handler) MoveObject(w http.ResponseWriter, r *http.Request) {
	var req moveCopyRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		apierr.Render(w, err)
		return
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	obj, err := st.MoveObject(r.Context(), req.BucketID, req.SourceKey,
		req.DestinationBucket, req.DestinationKey,
		middleware.GetPrincipal(r.Context()).Owner())
	if err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

// CopyObject handles POST /object/copy.
func (h *Handler) CopyObject(w http.ResponseWriter, r *http.Request) {
	var req moveCopyRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		apierr.Render(w, err)
		return
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	obj, err := st.CopyObject(r.Context(), req.BucketID, req.SourceKey,
		req.DestinationBucket, req.DestinationKey,
		middleware.GetPrincipal(r.Context()).Owner())
	if err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

// listRequest is the body for POST /object/list/{bucketName}.
type listRequest struct {
	Prefix    string `json:"prefix"`
	Delimiter string `json:"delimiter"`
	Limit     int    `json:"limit"`
	Cursor    string `json:"cursor"`
	SortBy    struct {
		Column string `json:"column"`
		Order  string `json:"order"`
	} `json:"sortBy"`
}

// ListObjects handles POST /object/list/{bucketName}.
func (h *Handler) ListObjects(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	list, err := st.ListObjects(r.Context(), chi.URLParam(r, "bucketName"), database.ListOptions{
		Prefix:    req.Prefix,
		Delimiter: req.Delimiter,
		Limit:     req.Limit,
		Cursor:    req.Cursor,
		SortBy:    database.SortColumn(req.SortBy.Column),
		Order:     database.SortOrder(req.SortBy.Order),
	})
	if err != nil {
		apierr.Render(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// parseRange understands single byte ranges of the form "bytes=a-b" or
// "bytes=a-". Multipart ranges are rejected.
func parseRange(header string) (*backend.Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, apierr.Newf(apierr.CodeInvalidParameter, "unsupported range %q", header)
	}

	startRaw, endRaw, ok := strings.Cut(spec, "-")
	if !ok || startRaw == "" {
		return nil, apierr.Newf(apierr.CodeInvalidParameter, "unsupported range %q", header)
	}
	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return nil, apierr.Newf(apierr.CodeInvalidParameter, "unsupported range %q", header)
	}

	rng := &backend.Range{Start: start}
	if endRaw != "" {
		end, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || end < start {
			return nil, apierr.Newf(apierr.CodeInvalidParameter, "unsupported range %q", header)
		}
		// Header ranges are inclusive; Range.End is exclusive.
		rng.End = end + 1
	}
	return rng, nil
}

func setBlobHeaders(w http.ResponseWriter, meta backend.Metadata) {
	hdr := w.Header()
	if meta.ContentType != "" {
		hdr.Set("Content-Type", meta.ContentType)
	}
	if meta.CacheControl != "" {
		hdr.Set("Cache-Control", meta.CacheControl)
	}
	if meta.ETag != "" {
		hdr.Set("ETag", meta.ETag)
	}
	if !meta.LastModified.IsZero() {
		hdr.Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	}
	hdr.Set("Content-Length", strconv.FormatInt(meta.ContentLength, 10))
}

func serveBlob(w http.ResponseWriter, blob *backend.Object, ranged bool) {
	setBlobHeaders(w, blob.Metadata)
	if ranged && blob.ContentRange != "" {
		w.Header().Set("Content-Range", blob.ContentRange)
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	// Best effort; the client may have gone away mid-stream.
	_, _ = io.Copy(w, blob.Body)
}
