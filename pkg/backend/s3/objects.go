// Object read/write/head/copy/delete operations for the S3 driver.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/harborview/stowage/pkg/backend"
)

// Read streams the blob at key/version. When rng is set the request carries
// an HTTP Range header and the response status is 206.
func (d *Driver) Read(ctx context.Context, key, version string, rng *backend.Range) (*backend.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(objectKey(key, version)),
	}

	status := http.StatusOK
	if rng != nil {
		// backend.Range is half-open; the HTTP Range header is inclusive.
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End-1))
		status = http.StatusPartialContent
	}

	out, err := d.client.GetObject(ctx, input)
	if err != nil {
		return nil, mapError(err, key)
	}

	meta := backend.Metadata{
		CacheControl:   aws.ToString(out.CacheControl),
		ContentType:    aws.ToString(out.ContentType),
		ETag:           aws.ToString(out.ETag),
		ContentLength:  aws.ToInt64(out.ContentLength),
		LastModified:   aws.ToTime(out.LastModified),
		ContentRange:   aws.ToString(out.ContentRange),
		HTTPStatusCode: status,
	}

	return &backend.Object{Metadata: meta, Body: out.Body}, nil
}

// Write stores the stream at key/version.
func (d *Driver) Write(ctx context.Context, key, version string, body io.Reader, contentType, cacheControl string, userMetadata map[string]string) (backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return backend.Metadata{}, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(objectKey(key, version)),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if cacheControl != "" {
		input.CacheControl = aws.String(cacheControl)
	}
	if len(userMetadata) > 0 {
		input.Metadata = userMetadata
	}

	out, err := d.client.PutObject(ctx, input)
	if err != nil {
		return backend.Metadata{}, mapError(err, key)
	}

	// PutObject does not echo size or timestamps; head for the authoritative
	// system metadata.
	meta, err := d.Head(ctx, key, version)
	if err != nil {
		return backend.Metadata{}, err
	}
	if meta.ETag == "" {
		meta.ETag = aws.ToString(out.ETag)
	}
	return meta, nil
}

// Head returns metadata without the body, or a NotFound error.
func (d *Driver) Head(ctx context.Context, key, version string) (backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return backend.Metadata{}, err
	}

	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(objectKey(key, version)),
	})
	if err != nil {
		return backend.Metadata{}, mapError(err, key)
	}

	return backend.Metadata{
		CacheControl:   aws.ToString(out.CacheControl),
		ContentType:    aws.ToString(out.ContentType),
		ETag:           aws.ToString(out.ETag),
		ContentLength:  aws.ToInt64(out.ContentLength),
		LastModified:   aws.ToTime(out.LastModified),
		HTTPStatusCode: http.StatusOK,
	}, nil
}

// Copy duplicates src to dst within the physical bucket.
func (d *Driver) Copy(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion string) (backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return backend.Metadata{}, err
	}

	source := d.bucket + "/" + objectKey(srcKey, srcVersion)
	err := d.withRetry(ctx, "CopyObject", srcKey, func() error {
		_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(objectKey(dstKey, dstVersion)),
			CopySource: aws.String(source),
		})
		return err
	})
	if err != nil {
		return backend.Metadata{}, mapError(err, srcKey)
	}

	return d.Head(ctx, dstKey, dstVersion)
}

// Delete removes a single version of a key. Missing blobs are not an error.
func (d *Driver) Delete(ctx context.Context, key, version string) error {
	return d.DeleteRaw(ctx, objectKey(key, version))
}

// DeleteMany removes a batch of fully qualified physical keys using the S3
// batch delete API, chunked to its 1000-key limit.
func (d *Driver) DeleteMany(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	const batchLimit = 1000
	for start := 0; start < len(keys); start += batchLimit {
		end := start + batchLimit
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		err := d.withRetry(ctx, "DeleteObjects", keys[start], func() error {
			_, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(d.bucket),
				Delete: &types.Delete{
					Objects: objects,
					Quiet:   aws.Bool(true),
				},
			})
			return err
		})
		if err != nil {
			return mapError(err, keys[start])
		}
	}
	return nil
}

// PrivateAssetURL returns a presigned GET URL valid for ttl.
func (d *Driver) PrivateAssetURL(ctx context.Context, key, version string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	req, err := d.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(objectKey(key, version)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", mapError(err, key)
	}
	return req.URL, nil
}

var _ backend.Driver = (*Driver)(nil)
