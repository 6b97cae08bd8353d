package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/marko911/block-reader/internal/fetch"
)

// ArchiveConfig configures the object store archive.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ObjectPutter is the subset of *minio.Client used by Archive.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive stores every accepted signal as <source>/<block>.json.
type Archive struct {
	client ObjectPutter
	bucket string
}

// NewArchive connects to MinIO/S3 and creates the bucket if missing.
func NewArchive(ctx context.Context, cfg ArchiveConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return NewArchiveWithClient(client, cfg.Bucket), nil
}

// NewArchiveWithClient wraps an existing client.
func NewArchiveWithClient(client ObjectPutter, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket}
}

// ObjectKey returns the object name for a source and block.
func ObjectKey(sourceID string, block uint64) string {
	return fmt.Sprintf("%s/%020d.json", sourceID, block)
}

func (a *Archive) Accept(ctx context.Context, res *fetch.Result) error {
	sig, err := NewSignal(res)
	if err != nil {
		return err
	}
	body, err := sig.Marshal()
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	key := ObjectKey(sig.SourceId, sig.BlockNumber)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"tag":          sig.Tag,
			"payload-kind": sig.PayloadKind,
		},
	})
	if err != nil {
		return fmt.Errorf("archive sink: put %s: %w", key, err)
	}
	return nil
}

func (a *Archive) Close() error { return nil }
