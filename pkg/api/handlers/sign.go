package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harborview/stowage/pkg/api/middleware"
	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/storage"
	"github.com/harborview/stowage/pkg/tus"
)

// signRequest is the POST /object/sign body.
type signRequest struct {
	ExpiresIn       int64  `json:"expiresIn"`
	Transformations string `json:"transformations,omitempty"`
}

// SignObjectURL handles POST /object/sign/{bucketName}/*. The caller must
// be able to read the object; the returned token then grants anonymous
// download until expiry.
func (h *Handler) SignObjectURL(w http.ResponseWriter, r *http.Request) {
	bucket, name, err := objectPath(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	var req signRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	ttl := time.Duration(req.ExpiresIn) * time.Second
	if ttl <= 0 || ttl > h.deps.SignedURLTTL {
		ttl = h.deps.SignedURLTTL
	}

	st, release, err := h.Storage(r)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer release()

	// Proves read access under the caller's policies before minting.
	if _, _, err := st.HeadObject(r.Context(), bucket, name); err != nil {
		apierr.Render(w, err)
		return
	}

	url := bucket + "/" + name
	token, err := h.signer(st.Tenant()).SignDownload(url, req.Transformations, ttl)
	if err != nil {
		apierr.Render(w, apierr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"signedURL": "/object/sign/" + url + "?token=" + token,
	})
}

// DownloadSignedObject handles GET /object/sign/{bucketName}/*?token=...
// The token authorizes the download regardless of the caller's own role.
func (h *Handler) DownloadSignedObject(w http.ResponseWriter, r *http.Request) {
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

	url := bucket + "/" + name
	token := r.URL.Query().Get("token")
	if _, err := h.signer(st.Tenant()).VerifyDownload(token, url); err != nil {
		apierr.Render(w, err)
		return
	}

	rng, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		apierr.Render(w, err)
		return
	}

	// The signature replaces row-level checks for this one object.
	elevated := storage.New(st.Database().AsSuperUser(), h.deps.Driver, st.Tenant(), "")
	_, blob, err := elevated.GetObject(r.Context(), bucket, name, rng)
	if err != nil {
		apierr.Render(w, err)
		return
	}
	defer blob.Body.Close()

	serveBlob(w, blob, rng != nil)
}

// SignUploadURL handles POST /object/upload/sign/{bucketName}/*. The token
// lets its bearer upload exactly this object, as the signing caller.
func (h *Handler) SignUploadURL(w http.ResponseWriter, r *http.Request) {
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

	upsert := r.Header.Get("x-upsert") == "true"
	target := storage.UploadTarget{
		BucketID:   bucket,
		ObjectName: name,
		Owner:      middleware.GetPrincipal(r.Context()).Owner(),
		IsUpsert:   upsert,
	}
	if err := st.CanUpload(r.Context(), target); err != nil {
		apierr.Render(w, err)
		return
	}

	owner := ""
	if target.Owner != nil {
		owner = *target.Owner
	}
	url := bucket + "/" + name
	token, err := h.signer(st.Tenant()).SignUpload(url, owner, upsert, h.deps.UploadURLTTL)
	if err != nil {
		apierr.Render(w, apierr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url":   "/object/upload/sign/" + url + "?token=" + token,
		"token": token,
	})
}

// signedTusResource derives the "bucketName/objectName" resource a resumable
// request addresses: creation requests carry it in Upload-Metadata, later
// requests encode it in the upload id path segment.
func signedTusResource(r *http.Request) (string, error) {
	if token := chi.URLParam(r, "uploadID"); token != "" {
		id, err := tus.ParseUploadID(token)
		if err != nil {
			return "", err
		}
		return id.Bucket + "/" + id.ObjectName, nil
	}

	meta := tus.ParseMetadata(r.Header.Get("Upload-Metadata"))
	if meta["bucketName"] == "" || meta["objectName"] == "" {
		return "", apierr.New(apierr.CodeMetadataRequired,
			"Upload-Metadata must carry bucketName and objectName")
	}
	return meta["bucketName"] + "/" + meta["objectName"], nil
}

// SignedTusContext resolves the upload context for the signed resumable
// surface. Every request must present an upload token in X-Signature minted
// for the exact resource it addresses; owner and upsert mode come from the
// token rather than from the caller, and the upload runs with elevated
// database access the way signed object PUTs do.
func (h *Handler) SignedTusContext(r *http.Request) (*tus.RequestContext, error) {
	tn := middleware.GetTenant(r.Context())
	if tn == nil {
		return nil, apierr.New(apierr.CodeAccessDenied, "tenant not resolved")
	}

	resource, err := signedTusResource(r)
	if err != nil {
		return nil, err
	}

	token := r.Header.Get("X-Signature")
	if token == "" {
		return nil, apierr.New(apierr.CodeInvalidSignature,
			"X-Signature header is required")
	}
	claims, err := h.signer(tn).VerifyUpload(token, resource)
	if err != nil {
		return nil, err
	}

	st, _, err := h.Storage(r)
	if err != nil {
		return nil, err
	}

	var owner *string
	if claims.Owner != "" {
		owner = &claims.Owner
	}
	elevated := storage.New(st.Database().AsSuperUser(), h.deps.Driver, tn, "")
	return &tus.RequestContext{
		Storage: elevated,
		Owner:   owner,
		Upsert:  claims.Upsert,
	}, nil
}

// UploadSignedObject handles PUT /object/upload/sign/{bucketName}/*?token=...
// The upload runs as the token's owner with the token's upsert mode.
func (h *Handler) UploadSignedObject(w http.ResponseWriter, r *http.Request) {
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

	url := bucket + "/" + name
	claims, err := h.signer(st.Tenant()).VerifyUpload(r.URL.Query().Get("token"), url)
	if err != nil {
		apierr.Render(w, err)
		return
	}

	var owner *string
	if claims.Owner != "" {
		owner = &claims.Owner
	}

	elevated := storage.New(st.Database().AsSuperUser(), h.deps.Driver, st.Tenant(), "")
	obj, err := elevated.Upload(r.Context(), r.Body, storage.UploadParams{
		BucketID:     bucket,
		ObjectName:   name,
		ContentType:  r.Header.Get("Content-Type"),
		CacheControl: r.Header.Get("Cache-Control"),
		DeclaredSize: r.ContentLength,
		Owner:        owner,
		IsUpsert:     claims.Upsert,
	})
	if err != nil {
		apierr.Render(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"Id":  obj.ID,
		"Key": url,
	})
}
