// Raw-key operations for the filesystem driver. PutIfAbsent relies on
// O_EXCL create semantics, which are atomic on POSIX filesystems.
package file

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/harborview/stowage/pkg/apierr"
)

func (d *Driver) rawPath(rawKey string) string {
	return filepath.Join(d.root, filepath.FromSlash(rawKey))
}

// PutIfAbsent writes the payload at rawKey only when the file does not
// already exist.
func (d *Driver) PutIfAbsent(ctx context.Context, rawKey string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := d.rawPath(rawKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return mapFsError(err, rawKey)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return apierr.Wrap(apierr.CodeConflict, "conditional write failed", err)
		}
		return mapFsError(err, rawKey)
	}

	_, err = io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return mapFsError(err, rawKey)
	}
	return nil
}

// PutRaw overwrites the payload at rawKey.
func (d *Driver) PutRaw(ctx context.Context, rawKey string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := d.rawPath(rawKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return mapFsError(err, rawKey)
	}

	f, err := os.Create(path)
	if err != nil {
		return mapFsError(err, rawKey)
	}
	_, err = io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return mapFsError(err, rawKey)
	}
	return nil
}

// ReadRaw fetches the payload at rawKey.
func (d *Driver) ReadRaw(ctx context.Context, rawKey string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(d.rawPath(rawKey))
	if err != nil {
		return nil, mapFsError(err, rawKey)
	}
	return raw, nil
}

// DeleteRaw removes rawKey. Missing keys are not an error.
func (d *Driver) DeleteRaw(ctx context.Context, rawKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(d.rawPath(rawKey)); err != nil && !os.IsNotExist(err) {
		return mapFsError(err, rawKey)
	}
	// Sidecars from object writes share the payload path.
	if err := os.Remove(d.rawPath(rawKey) + metaSuffix); err != nil && !os.IsNotExist(err) {
		return mapFsError(err, rawKey)
	}
	return nil
}

// ListRaw enumerates raw keys under a prefix, excluding sidecar files.
func (d *Driver) ListRaw(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	base := d.rawPath(prefix)
	err := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if entry.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, mapFsError(err, prefix)
	}
	return keys, nil
}
