// Package quarantine moves rejected source objects out of the raw bucket so
// they cannot be picked up again, while preserving them for inspection.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/sluice-labs/sluice-go/internal/platform/objectstore"
)

var (
	// ErrObjectNotFound means the source object is gone and nothing was found
	// at the destination either.
	ErrObjectNotFound = errors.New("quarantine: source object not found")
	// ErrPermissionDenied means the store rejected the move outright.
	ErrPermissionDenied = errors.New("quarantine: permission denied")
)

// Mover relocates one object into the quarantine area. Move is idempotent:
// repeating it for the same key must succeed once the object has landed at
// the destination, whichever attempt put it there.
type Mover interface {
	Move(ctx context.Context, sourceKey string) (destKey string, err error)
}

// MinioMover copies raw-bucket objects into the quarantine bucket and removes
// the original.
type MinioMover struct {
	client           *minio.Client
	rawBucket        string
	quarantineBucket string
	prefix           string
}

func NewMinioMover(client *minio.Client, cfg objectstore.Config, prefix string) (*MinioMover, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MinioMover{
		client:           client,
		rawBucket:        cfg.BucketRaw,
		quarantineBucket: cfg.BucketQuarantine,
		prefix:           strings.Trim(strings.TrimSpace(prefix), "/"),
	}, nil
}

func (m *MinioMover) Move(ctx context.Context, sourceKey string) (string, error) {
	if m == nil || m.client == nil {
		return "", fmt.Errorf("quarantine mover not initialized")
	}
	sourceKey = strings.TrimSpace(sourceKey)
	if sourceKey == "" {
		return "", fmt.Errorf("source key is required")
	}
	destKey := DestinationKey(m.prefix, sourceKey)

	_, err := m.client.StatObject(ctx, m.rawBucket, sourceKey, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			// The source may already have been moved by an earlier attempt.
			if _, statErr := m.client.StatObject(ctx, m.quarantineBucket, destKey, minio.StatObjectOptions{}); statErr == nil {
				return destKey, nil
			}
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, sourceKey)
		}
		if isAccessDenied(err) {
			return "", fmt.Errorf("%w: stat %s: %v", ErrPermissionDenied, sourceKey, err)
		}
		return "", fmt.Errorf("stat source object: %w", err)
	}

	_, err = m.client.CopyObject(
		ctx,
		minio.CopyDestOptions{Bucket: m.quarantineBucket, Object: destKey},
		minio.CopySrcOptions{Bucket: m.rawBucket, Object: sourceKey},
	)
	if err != nil {
		if isAccessDenied(err) {
			return "", fmt.Errorf("%w: copy %s: %v", ErrPermissionDenied, sourceKey, err)
		}
		return "", fmt.Errorf("copy to quarantine: %w", err)
	}

	if err := m.client.RemoveObject(ctx, m.rawBucket, sourceKey, minio.RemoveObjectOptions{}); err != nil {
		// The copy has landed; a retry resolves through the already-moved
		// path above.
		if isAccessDenied(err) {
			return "", fmt.Errorf("%w: remove %s: %v", ErrPermissionDenied, sourceKey, err)
		}
		return "", fmt.Errorf("remove source object: %w", err)
	}
	return destKey, nil
}

// DestinationKey composes the quarantine object key from the configured
// prefix and the source key, preserving the source layout underneath.
func DestinationKey(prefix, sourceKey string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	sourceKey = strings.TrimLeft(strings.TrimSpace(sourceKey), "/")
	if prefix == "" {
		return sourceKey
	}
	return prefix + "/" + sourceKey
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

func isAccessDenied(err error) bool {
	return minio.ToErrorResponse(err).Code == "AccessDenied"
}
