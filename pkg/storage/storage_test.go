package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/backend"
	"github.com/harborview/stowage/pkg/tenant"
)

func TestObjectKey(t *testing.T) {
	s := &Storage{tenant: &tenant.Tenant{ID: "acme"}}
	assert.Equal(t, "acme/photos/2024/cat.png", s.ObjectKey("photos", "2024/cat.png"))
}

func TestValidateMimeType(t *testing.T) {
	for _, tc := range []struct {
		name        string
		contentType string
		allowed     []string
		wantErr     bool
	}{
		{name: "empty list allows anything", contentType: "application/x-whatever"},
		{name: "wildcard", contentType: "video/mp4", allowed: []string{"*/*"}},
		{name: "type wildcard match", contentType: "image/png", allowed: []string{"image/*"}},
		{name: "type wildcard miss", contentType: "video/mp4", allowed: []string{"image/*"}, wantErr: true},
		{name: "exact match", contentType: "image/png", allowed: []string{"image/png"}},
		{name: "exact miss", contentType: "image/jpeg", allowed: []string{"image/png"}, wantErr: true},
		{name: "case insensitive", contentType: "Image/PNG", allowed: []string{"image/png"}},
		{name: "parameters stripped", contentType: "text/plain; charset=utf-8", allowed: []string{"text/plain"}},
		{name: "second pattern matches", contentType: "audio/ogg", allowed: []string{"image/*", "audio/*"}},
		{name: "prefix is not a wildcard", contentType: "imagex/png", allowed: []string{"image/*"}, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMimeType(tc.contentType, tc.allowed)
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, apierr.CodeInvalidMimeType, apierr.CodeOf(err))
				assert.Contains(t, err.Error(), "is not supported")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeCacheControl(t *testing.T) {
	assert.Equal(t, "max-age=3600", NormalizeCacheControl("3600"))
	assert.Equal(t, "max-age=0", NormalizeCacheControl("0"))
	assert.Equal(t, "no-cache", NormalizeCacheControl(""))
	assert.Equal(t, "no-cache", NormalizeCacheControl("private"))
	assert.Equal(t, "no-cache", NormalizeCacheControl("-5"))
	assert.Equal(t, "no-cache", NormalizeCacheControl("12abc"))
}

func TestMetadataFromBackend(t *testing.T) {
	modified := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	got := metadataFromBackend(backend.Metadata{
		CacheControl:   "max-age=60",
		ContentType:    "image/png",
		ETag:           `"abc123"`,
		ContentLength:  1234,
		LastModified:   modified,
		HTTPStatusCode: 200,
	})

	assert.Equal(t, int64(1234), got.Size)
	assert.Equal(t, int64(1234), got.ContentLength)
	assert.Equal(t, `"abc123"`, got.ETag)
	assert.Equal(t, "image/png", got.Mimetype)
	assert.Equal(t, "max-age=60", got.CacheControl)
	assert.Equal(t, "2026-02-03T04:05:06Z", got.LastModified)
	assert.Equal(t, 200, got.HTTPStatusCode)
}

func TestUploadTypes(t *testing.T) {
	assert.Equal(t, UploadType("plain"), UploadTypePlain)
	assert.Equal(t, UploadType("multipart"), UploadTypeMultipart)
	assert.Equal(t, UploadType("resumable"), UploadTypeResumable)
}
