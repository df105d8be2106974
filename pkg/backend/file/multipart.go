// Multipart emulation for the filesystem driver. Parts are staged under a
// hidden session directory and concatenated on completion.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/harborview/stowage/pkg/backend"
)

const multipartDir = ".multipart"

func (d *Driver) sessionDir(uploadID string) string {
	return filepath.Join(d.root, multipartDir, uploadID)
}

// CreateMultipartUpload stages a new session directory and records the
// destination key/version and content metadata in a sidecar.
func (d *Driver) CreateMultipartUpload(ctx context.Context, key, version, contentType, cacheControl string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	dir := d.sessionDir(uploadID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", mapFsError(err, key)
	}

	manifest := fmt.Sprintf("%s\n%s\n%s\n%s\n", key, version, contentType, cacheControl)
	if err := os.WriteFile(filepath.Join(dir, "manifest"), []byte(manifest), 0o600); err != nil {
		return "", mapFsError(err, key)
	}
	return uploadID, nil
}

// UploadPart stages one part file within the session directory.
func (d *Driver) UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (backend.UploadPart, error) {
	if err := ctx.Err(); err != nil {
		return backend.UploadPart{}, err
	}

	dir := d.sessionDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return backend.UploadPart{}, mapFsError(err, key)
	}

	path := filepath.Join(dir, fmt.Sprintf("part-%05d", partNumber))
	f, err := os.Create(path)
	if err != nil {
		return backend.UploadPart{}, mapFsError(err, key)
	}
	size, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return backend.UploadPart{}, mapFsError(err, key)
	}

	return backend.UploadPart{
		PartNumber: partNumber,
		ETag:       fmt.Sprintf("part-%d-%d", partNumber, size),
		Size:       size,
	}, nil
}

// ListParts enumerates staged parts ordered by part number.
func (d *Driver) ListParts(ctx context.Context, key, version, uploadID string) ([]backend.UploadPart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(d.sessionDir(uploadID))
	if err != nil {
		return nil, mapFsError(err, key)
	}

	var parts []backend.UploadPart
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "part-") {
			continue
		}
		num, err := strconv.Atoi(strings.TrimPrefix(name, "part-"))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, mapFsError(err, key)
		}
		parts = append(parts, backend.UploadPart{
			PartNumber: int32(num),
			ETag:       fmt.Sprintf("part-%d-%d", num, info.Size()),
			Size:       info.Size(),
		})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// CompleteMultipartUpload concatenates staged parts into the final payload
// and removes the session directory.
func (d *Driver) CompleteMultipartUpload(ctx context.Context, key, version, uploadID string, parts []backend.UploadPart) (backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return backend.Metadata{}, err
	}

	dir := d.sessionDir(uploadID)
	manifestRaw, err := os.ReadFile(filepath.Join(dir, "manifest"))
	if err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}
	lines := strings.Split(string(manifestRaw), "\n")
	contentType, cacheControl := "", ""
	if len(lines) > 3 {
		contentType, cacheControl = lines[2], lines[3]
	}

	readers := make([]io.Reader, 0, len(parts))
	files := make([]*os.File, 0, len(parts))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range parts {
		f, err := os.Open(filepath.Join(dir, fmt.Sprintf("part-%05d", p.PartNumber)))
		if err != nil {
			return backend.Metadata{}, mapFsError(err, key)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	meta, err := d.Write(ctx, key, version, io.MultiReader(readers...), contentType, cacheControl, nil)
	if err != nil {
		return backend.Metadata{}, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return backend.Metadata{}, mapFsError(err, key)
	}
	return meta, nil
}

// AbortMultipartUpload discards staged parts.
func (d *Driver) AbortMultipartUpload(ctx context.Context, key, version, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(d.sessionDir(uploadID)); err != nil {
		return mapFsError(err, key)
	}
	return nil
}
