// Package tus implements the resumable upload protocol: creation, append,
// status, and abort of uploads that survive connection loss. Upload state
// lives in the metadata store; bytes accumulate at the blob backend as a
// multipart upload until the final append completes the object through the
// standard upload pipeline. A distributed locker serializes requests per
// upload id across processes.
package tus

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/harborview/stowage/pkg/apierr"
)

// UploadID addresses one resumable upload. Its wire form is
// "{tenant}/{bucket}/{objectName}/{version}" base64url-encoded; objectName
// may itself contain slashes.
type UploadID struct {
	Tenant     string
	Bucket     string
	ObjectName string
	Version    string
}

// String renders the canonical slash-joined form.
func (u UploadID) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", u.Tenant, u.Bucket, u.ObjectName, u.Version)
}

// Encode returns the URL-safe token used in resource paths.
func (u UploadID) Encode() string {
	return base64.RawURLEncoding.EncodeToString([]byte(u.String()))
}

// ParseUploadID decodes a token back into its parts. The tenant and bucket
// are the first two segments, the version the last; everything between is
// the object name.
func ParseUploadID(encoded string) (UploadID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// Tolerate padded tokens from older clients.
		if padded, perr := base64.URLEncoding.DecodeString(encoded); perr == nil {
			raw = padded
		} else {
			return UploadID{}, apierr.Wrap(apierr.CodeInvalidParameter, "malformed upload id", err)
		}
	}

	return parseRawUploadID(string(raw))
}

// parseRawUploadID parses the decoded slash-joined form.
func parseRawUploadID(raw string) (UploadID, error) {
	parts := strings.Split(raw, "/")
	if len(parts) < 4 {
		return UploadID{}, apierr.Newf(apierr.CodeInvalidParameter,
			"upload id must have tenant, bucket, object and version segments")
	}

	id := UploadID{
		Tenant:     parts[0],
		Bucket:     parts[1],
		ObjectName: strings.Join(parts[2:len(parts)-1], "/"),
		Version:    parts[len(parts)-1],
	}
	if id.Tenant == "" || id.Bucket == "" || id.ObjectName == "" || id.Version == "" {
		return UploadID{}, apierr.Newf(apierr.CodeInvalidParameter,
			"upload id has empty segments")
	}
	return id, nil
}
