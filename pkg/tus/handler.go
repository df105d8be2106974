package tus

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/storage"
)

// TusVersion is the protocol version this handler speaks.
const TusVersion = "1.0.0"

// RequestContext is what the surrounding API layer resolves per request:
// the tenant-scoped storage facade plus the authenticated principal.
type RequestContext struct {
	Storage *storage.Storage
	Owner   *string
	Upsert  bool
}

// ContextProvider resolves the RequestContext for one HTTP request. It runs
// after authentication middleware and may fail with a renderable error.
type ContextProvider func(r *http.Request) (*RequestContext, error)

// Handler serves the resumable upload protocol.
type Handler struct {
	mgr     *Manager
	resolve ContextProvider
}

// NewHandler wires the protocol endpoints onto a Manager.
func NewHandler(mgr *Manager, resolve ContextProvider) *Handler {
	return &Handler{mgr: mgr, resolve: resolve}
}

// Routes mounts the protocol endpoints on a router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Options("/", h.Options)
	r.Post("/", h.Create)
	r.Head("/{uploadID}", h.Head)
	r.Patch("/{uploadID}", h.Patch)
	r.Delete("/{uploadID}", h.Delete)
	r.Options("/{uploadID}", h.Options)
	return r
}

// Options advertises the protocol capabilities.
func (h *Handler) Options(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Tus-Resumable", TusVersion)
	hdr.Set("Tus-Version", TusVersion)
	hdr.Set("Tus-Extension", "creation,creation-defer-length,termination,expiration")
	if h.mgr.MaxSize() > 0 {
		hdr.Set("Tus-Max-Size", strconv.FormatInt(h.mgr.MaxSize(), 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Create starts an upload. The destination arrives in Upload-Metadata as
// bucketName and objectName pairs.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", TusVersion)
	if err := checkProtocolVersion(r); err != nil {
		apierr.Render(w, err)
		return
	}

	rc, err := h.resolve(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	meta := ParseMetadata(r.Header.Get("Upload-Metadata"))
	bucketName := meta["bucketName"]
	objectName := meta["objectName"]
	if bucketName == "" || objectName == "" {
		apierr.Render(w, apierr.New(apierr.CodeMetadataRequired,
			"Upload-Metadata must carry bucketName and objectName"))
		return
	}

	length, deferred, err := parseUploadLength(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	if !deferred && length == nil {
		apierr.Render(w, apierr.New(apierr.CodeInvalidParameter,
			"either Upload-Length or Upload-Defer-Length is required"))
		return
	}

	u, err := h.mgr.Create(r.Context(), rc.Storage, CreateParams{
		Bucket:     bucketName,
		ObjectName: objectName,
		Length:     length,
		Metadata:   meta,
		Owner:      rc.Owner,
		IsUpsert:   rc.Upsert,
	})
	if err != nil {
		apierr.Render(w, err)
		return
	}

	location := strings.TrimSuffix(r.URL.Path, "/") + "/" + u.ID.Encode()
	w.Header().Set("Location", location)
	w.Header().Set("Upload-Expires", u.ExpiresAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusCreated)
}

// Head reports the current offset so clients can resume.
func (h *Handler) Head(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", TusVersion)
	if err := checkProtocolVersion(r); err != nil {
		apierr.Render(w, err)
		return
	}

	rc, id, err := h.resolveUpload(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	u, err := h.mgr.Status(r.Context(), rc.Storage, id)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	hdr := w.Header()
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Upload-Offset", strconv.FormatInt(u.Offset, 10))
	if u.Length != nil {
		hdr.Set("Upload-Length", strconv.FormatInt(*u.Length, 10))
	} else {
		hdr.Set("Upload-Defer-Length", "1")
	}
	hdr.Set("Upload-Expires", u.ExpiresAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
}

// Patch appends a chunk at Upload-Offset.
func (h *Handler) Patch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", TusVersion)
	if err := checkProtocolVersion(r); err != nil {
		apierr.Render(w, err)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/offset+octet-stream" {
		apierr.Render(w, apierr.Newf(apierr.CodeInvalidParameter,
			"unsupported content type %q", ct))
		return
	}

	rc, id, err := h.resolveUpload(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		apierr.Render(w, apierr.New(apierr.CodeInvalidParameter,
			"Upload-Offset must be a non-negative integer"))
		return
	}

	var commitLength *int64
	if raw := r.Header.Get("Upload-Length"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			apierr.Render(w, apierr.New(apierr.CodeInvalidParameter,
				"Upload-Length must be a non-negative integer"))
			return
		}
		commitLength = &n
	}

	u, obj, err := h.mgr.Append(r.Context(), rc.Storage, id, offset, commitLength, r.Body)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(u.Offset, 10))
	if obj != nil && obj.Metadata != nil {
		w.Header().Set("ETag", obj.Metadata.ETag)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete terminates an upload.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", TusVersion)
	if err := checkProtocolVersion(r); err != nil {
		apierr.Render(w, err)
		return
	}

	rc, id, err := h.resolveUpload(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	if err := h.mgr.Terminate(r.Context(), rc.Storage, id); err != nil {
		apierr.Render(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resolveUpload(r *http.Request) (*RequestContext, UploadID, error) {
	rc, err := h.resolve(r)
	if err != nil {
		return nil, UploadID{}, err
	}
	id, err := ParseUploadID(chi.URLParam(r, "uploadID"))
	if err != nil {
		return nil, UploadID{}, err
	}
	return rc, id, nil
}

func checkProtocolVersion(r *http.Request) error {
	if v := r.Header.Get("Tus-Resumable"); v != TusVersion {
		return apierr.Newf(apierr.CodeInvalidParameter,
			"unsupported protocol version %q", v)
	}
	return nil
}

// parseUploadLength reads Upload-Length / Upload-Defer-Length.
func parseUploadLength(r *http.Request) (*int64, bool, error) {
	if r.Header.Get("Upload-Defer-Length") == "1" {
		return nil, true, nil
	}
	raw := r.Header.Get("Upload-Length")
	if raw == "" {
		return nil, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return nil, false, apierr.New(apierr.CodeInvalidParameter,
			"Upload-Length must be a non-negative integer")
	}
	return &n, false, nil
}

// ParseMetadata decodes an Upload-Metadata header: comma-separated pairs of
// "key base64value", values optional.
func ParseMetadata(header string) map[string]string {
	meta := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, " ")
		if value != "" {
			decoded, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				continue
			}
			value = string(decoded)
		}
		meta[key] = value
	}
	return meta
}

// FormatMetadata is the inverse of ParseMetadata, used by tests and by the
// signed-upload flow to echo metadata back.
func FormatMetadata(meta map[string]string) string {
	pairs := make([]string, 0, len(meta))
	for k, v := range meta {
		if v == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%s %s", k, base64.StdEncoding.EncodeToString([]byte(v))))
	}
	return strings.Join(pairs, ",")
}
