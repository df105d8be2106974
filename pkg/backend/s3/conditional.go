// Raw-key operations with conditional-write support. The resumable lock
// driver builds its cross-process mutual exclusion on PutIfAbsent.
package s3

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutIfAbsent writes the payload at rawKey only when no object exists there.
// Contention surfaces as a Conflict error via If-None-Match semantics.
func (d *Driver) PutIfAbsent(ctx context.Context, rawKey string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(rawKey),
		Body:        body,
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return mapError(err, rawKey)
	}
	return nil
}

// PutRaw overwrites the payload at rawKey.
func (d *Driver) PutRaw(ctx context.Context, rawKey string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(rawKey),
		Body:   body,
	})
	if err != nil {
		return mapError(err, rawKey)
	}
	return nil
}

// ReadRaw fetches the payload at rawKey.
func (d *Driver) ReadRaw(ctx context.Context, rawKey string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(rawKey),
	})
	if err != nil {
		return nil, mapError(err, rawKey)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// DeleteRaw removes rawKey. Missing keys are not an error.
func (d *Driver) DeleteRaw(ctx context.Context, rawKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := d.withRetry(ctx, "DeleteObject", rawKey, func() error {
		_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(rawKey),
		})
		return err
	})
	if err != nil && !isNotFoundError(err) {
		return mapError(err, rawKey)
	}
	return nil
}

// ListRaw enumerates raw keys under a prefix.
func (d *Driver) ListRaw(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
