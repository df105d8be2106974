// Package file implements the blob backend contract on a local filesystem.
//
// Blobs live at "{root}/{key}/{version}" with a JSON metadata sidecar at
// "{root}/{key}/{version}.meta.json". The driver is intended for development
// and single-node deployments; durability is whatever the filesystem gives.
package file

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/backend"
)

const metaSuffix = ".meta.json"

// Driver implements backend.Driver on a local directory tree.
type Driver struct {
	root string
}

// sidecar is the metadata persisted next to each payload.
type sidecar struct {
	CacheControl string            `json:"cacheControl,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	ETag         string            `json:"eTag"`
	UserMetadata map[string]string `json:"userMetadata,omitempty"`
}

// New creates a filesystem driver rooted at root, creating it if missing.
func New(root string) (*Driver, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Driver{root: root}, nil
}

func (d *Driver) payloadPath(key, version string) string {
	return filepath.Join(d.root, filepath.FromSlash(key), version)
}

func notFound(key string, err error) error {
	return apierr.Wrap(apierr.CodeObjectNotFound, fmt.Sprintf("object %q not found at backend", key), err)
}

func mapFsError(err error, key string) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return notFound(key, err)
	case os.IsPermission(err):
		return apierr.Wrap(apierr.CodeAccessDenied, "backend denied access", err)
	default:
		return apierr.Wrap(apierr.CodeBackendUnavailable, "backend unavailable", err)
	}
}

func (d *Driver) readSidecar(key, version string) (sidecar, error) {
	raw, err := os.ReadFile(d.payloadPath(key, version) + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			// Payload without sidecar still serves with defaults.
			return sidecar{}, nil
		}
		return sidecar{}, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return sidecar{}, err
	}
	return sc, nil
}

func (d *Driver) writeSidecar(key, version string, sc sidecar) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return os.WriteFile(d.payloadPath(key, version)+metaSuffix, raw, 0o600)
}

// Read streams the blob at key/version, honoring a byte range when set.
func (d *Driver) Read(ctx context.Context, key, version string, rng *backend.Range) (*backend.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := d.payloadPath(key, version)
	f, err := os.Open(path)
	if err != nil {
		return nil, mapFsError(err, key)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapFsError(err, key)
	}

	sc, err := d.readSidecar(key, version)
	if err != nil {
		f.Close()
		return nil, mapFsError(err, key)
	}

	meta := backend.Metadata{
		CacheControl:   sc.CacheControl,
		ContentType:    sc.ContentType,
		ETag:           sc.ETag,
		ContentLength:  info.Size(),
		LastModified:   info.ModTime(),
		HTTPStatusCode: http.StatusOK,
	}

	var body io.ReadCloser = f
	if rng != nil {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			f.Close()
			return nil, mapFsError(err, key)
		}
		length := rng.End - rng.Start
		body = &limitedReadCloser{r: io.LimitReader(f, length), c: f}
		meta.ContentLength = length
		meta.ContentRange = fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End-1, info.Size())
		meta.HTTPStatusCode = http.StatusPartialContent
	}

	return &backend.Object{Metadata: meta, Body: body}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// Write stores the stream at key/version, hashing it for the eTag as it is
// copied to a temp file and renamed into place.
func (d *Driver) Write(ctx context.Context, key, version string, body io.Reader, contentType, cacheControl string, userMetadata map[string]string) (backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return backend.Metadata{}, err
	}

	path := d.payloadPath(key, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}
	defer os.Remove(tmp.Name())

	hasher := md5.New()
	size, err := io.Copy(tmp, io.TeeReader(&ctxReader{ctx: ctx, r: body}, hasher))
	if err != nil {
		tmp.Close()
		return backend.Metadata{}, mapFsError(err, key)
	}
	if err := tmp.Close(); err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}

	etag := hex.EncodeToString(hasher.Sum(nil))
	sc := sidecar{
		CacheControl: cacheControl,
		ContentType:  contentType,
		ETag:         etag,
		UserMetadata: userMetadata,
	}
	if err := d.writeSidecar(key, version, sc); err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}

	info, err := os.Stat(path)
	if err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}

	return backend.Metadata{
		CacheControl:   cacheControl,
		ContentType:    contentType,
		ETag:           etag,
		ContentLength:  size,
		LastModified:   info.ModTime(),
		HTTPStatusCode: http.StatusOK,
	}, nil
}

// ctxReader aborts a copy when the request context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Head returns metadata without the body.
func (d *Driver) Head(ctx context.Context, key, version string) (backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return backend.Metadata{}, err
	}

	info, err := os.Stat(d.payloadPath(key, version))
	if err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}

	sc, err := d.readSidecar(key, version)
	if err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}

	return backend.Metadata{
		CacheControl:   sc.CacheControl,
		ContentType:    sc.ContentType,
		ETag:           sc.ETag,
		ContentLength:  info.Size(),
		LastModified:   info.ModTime(),
		HTTPStatusCode: http.StatusOK,
	}, nil
}

// Copy duplicates src to dst, payload and sidecar both.
func (d *Driver) Copy(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion string) (backend.Metadata, error) {
	src, err := d.Read(ctx, srcKey, srcVersion, nil)
	if err != nil {
		return backend.Metadata{}, err
	}
	defer src.Body.Close()

	sc, err := d.readSidecar(srcKey, srcVersion)
	if err != nil {
		return backend.Metadata{}, mapFsError(err, srcKey)
	}

	return d.Write(ctx, dstKey, dstVersion, src.Body, sc.ContentType, sc.CacheControl, sc.UserMetadata)
}

// Delete removes one version of a key plus its sidecar.
func (d *Driver) Delete(ctx context.Context, key, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := d.payloadPath(key, version)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return mapFsError(err, key)
	}
	if err := os.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) {
		return mapFsError(err, key)
	}
	return nil
}

// DeleteMany removes a batch of fully qualified physical keys.
func (d *Driver) DeleteMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := d.DeleteRaw(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// PrivateAssetURL returns a file:// URL. The filesystem driver has no signing
// authority; callers should front it with the gateway's signed routes.
func (d *Driver) PrivateAssetURL(ctx context.Context, key, version string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(d.payloadPath(key, version)); err != nil {
		return "", mapFsError(err, key)
	}
	return "file://" + d.payloadPath(key, version), nil
}

var _ backend.Driver = (*Driver)(nil)
