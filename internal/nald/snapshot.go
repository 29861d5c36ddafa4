package nald

import (
	"context"
	"fmt"
	"time"

	"nald_import/platform/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Snapshot identifies one version of the NALD extract archive.
type Snapshot struct {
	ETag         string
	Size         int64
	LastModified time.Time
}

// SnapshotProbe reads the metadata of the NALD extract archive in object storage.
type SnapshotProbe struct {
	client *minio.Client
	bucket string
	key    string
}

// NewSnapshotProbe returns nil when object storage is not configured; callers
// then treat every run as a new snapshot.
func NewSnapshotProbe(cfg config.MinIOConfig) (*SnapshotProbe, error) {
	if !cfg.IsMinIOEnabled() {
		return nil, nil
	}

	client, err := minio.New(cfg.GetMinIOEndpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.GetMinIOAccessKey(), cfg.GetMinIOSecretKey(), ""),
		Secure: cfg.GetMinIOUseSSL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &SnapshotProbe{
		client: client,
		bucket: cfg.GetNALDBucket(),
		key:    cfg.GetNALDObjectKey(),
	}, nil
}

// Current stats the archive object.
func (p *SnapshotProbe) Current(ctx context.Context) (Snapshot, error) {
	info, err := p.client.StatObject(ctx, p.bucket, p.key, minio.StatObjectOptions{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("stat %s/%s: %w", p.bucket, p.key, err)
	}
	return Snapshot{
		ETag:         info.ETag,
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}
