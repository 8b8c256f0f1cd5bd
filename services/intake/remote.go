package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"kioskd/pkg/db"
	gos3 "kioskd/pkg/s3"
)

const defaultUploadTimeout = 30 * time.Second

// Uploader pushes a capture's photo to the remote store and returns the URL
// guests use to download it.
type Uploader interface {
	Upload(ctx context.Context, c Capture) (string, error)
	Ping(ctx context.Context) error
}

// RemoteStore uploads photos to an S3-compatible bucket and, when a remote
// database is configured, mirrors the capture row there so the fleet backend
// can query captures without reaching into individual kiosks.
type RemoteStore struct {
	s3      *gos3.Client
	bucket  string
	pool    *pgxpool.Pool
	linkTTL time.Duration
	timeout time.Duration
}

// NewRemoteStore builds a RemoteStore. The remote database pool is optional;
// pass nil to skip row mirroring.
func NewRemoteStore(client *gos3.Client, bucket string, pool *pgxpool.Pool, linkTTL time.Duration) (*RemoteStore, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if linkTTL <= 0 {
		linkTTL = 24 * time.Hour
	}

	return &RemoteStore{
		s3:      client,
		bucket:  bucket,
		pool:    pool,
		linkTTL: linkTTL,
		timeout: defaultUploadTimeout,
	}, nil
}

// Upload streams the photo to the bucket and returns a presigned download
// URL. Each external call carries its own timeout so one hung capture cannot
// stall a whole sync pass.
func (r *RemoteStore) Upload(ctx context.Context, c Capture) (string, error) {
	if r == nil {
		return "", errors.New("remote store not configured")
	}

	key := fmt.Sprintf("captures/%s.jpg", c.ID)

	err := db.WithTimeout(ctx, r.timeout, func(ctx context.Context) error {
		_, err := r.s3.PutFile(ctx, r.bucket, key, c.LocalPath)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	url, err := r.s3.PresignGet(ctx, r.bucket, key, r.linkTTL)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}

	if r.pool != nil {
		if err := r.mirrorRow(ctx, c, url); err != nil {
			return "", fmt.Errorf("mirror capture %s: %w", c.ID, err)
		}
	}

	return url, nil
}

// mirrorRow upserts the capture's metadata into the remote database. The
// upsert makes remote writes idempotent across retried sync attempts.
func (r *RemoteStore) mirrorRow(ctx context.Context, c Capture, url string) error {
	query := `
        INSERT INTO captures (id, phone, email, remote_url, size_bytes, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            phone = EXCLUDED.phone,
            email = EXCLUDED.email,
            remote_url = EXCLUDED.remote_url,
            size_bytes = EXCLUDED.size_bytes`

	_, err := db.Exec(ctx, r.pool, query, c.ID, c.Phone, c.Email, url, c.SizeBytes, c.CreatedAt)
	return err
}

// Ping checks bucket reachability and, when configured, the remote database.
func (r *RemoteStore) Ping(ctx context.Context) error {
	if r == nil {
		return errors.New("remote store not configured")
	}

	pingCtx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()
	if err := r.s3.Ping(pingCtx, r.bucket); err != nil {
		return fmt.Errorf("bucket %s: %w", r.bucket, err)
	}

	if r.pool != nil {
		if err := db.Ping(ctx, r.pool); err != nil {
			return fmt.Errorf("remote database: %w", err)
		}
	}
	return nil
}
