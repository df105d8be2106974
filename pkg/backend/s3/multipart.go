// Multipart upload operations for the S3 driver, used by the resumable
// upload subsystem.
package s3

import (
	"context"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/harborview/stowage/pkg/backend"
)

// CreateMultipartUpload initiates a multipart upload session at key/version.
func (d *Driver) CreateMultipartUpload(ctx context.Context, key, version, contentType, cacheControl string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(objectKey(key, version)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if cacheControl != "" {
		input.CacheControl = aws.String(cacheControl)
	}

	out, err := d.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", mapError(err, key)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one part of a multipart session.
func (d *Driver) UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (backend.UploadPart, error) {
	if err := ctx.Err(); err != nil {
		return backend.UploadPart{}, err
	}

	out, err := d.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(objectKey(key, version)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(length),
	})
	if err != nil {
		return backend.UploadPart{}, mapError(err, key)
	}

	return backend.UploadPart{
		PartNumber: partNumber,
		ETag:       aws.ToString(out.ETag),
		Size:       length,
	}, nil
}

// ListParts returns the parts uploaded so far, ordered by part number.
func (d *Driver) ListParts(ctx context.Context, key, version, uploadID string) ([]backend.UploadPart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var parts []backend.UploadPart
	var marker *string
	for {
		out, err := d.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(d.bucket),
			Key:              aws.String(objectKey(key, version)),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, mapError(err, key)
		}

		for _, p := range out.Parts {
			parts = append(parts, backend.UploadPart{
				PartNumber: aws.ToInt32(p.PartNumber),
				ETag:       aws.ToString(p.ETag),
				Size:       aws.ToInt64(p.Size),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// CompleteMultipartUpload finishes the session and returns the final
// object metadata.
func (d *Driver) CompleteMultipartUpload(ctx context.Context, key, version, uploadID string, parts []backend.UploadPart) (backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return backend.Metadata{}, err
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		})
	}

	_, err := d.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(objectKey(key, version)),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return backend.Metadata{}, mapError(err, key)
	}

	return d.Head(ctx, key, version)
}

// AbortMultipartUpload cancels the session and discards uploaded parts.
func (d *Driver) AbortMultipartUpload(ctx context.Context, key, version, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := d.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(objectKey(key, version)),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isNotFoundError(err) {
		return mapError(err, key)
	}
	return nil
}
