package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// uploadTimeout bounds a single object upload.
const uploadTimeout = 60 * time.Second

// Uploader copies a finished run's export artifacts to S3-compatible object
// storage. A nil *Uploader disables upload and every method is a no-op.
type Uploader struct {
	client *minio.Client
	bucket string
}

// UploaderConfig holds the export target settings from reel.yaml.
type UploaderConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewUploader connects to the export endpoint and ensures the bucket
// exists. An empty endpoint returns a nil Uploader (upload disabled).
func NewUploader(ctx context.Context, cfg UploaderConfig) (*Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	u := &Uploader{client: client, bucket: cfg.Bucket}
	if err := u.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Uploader) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
	}
	return nil
}

// UploadExport pushes the run's final video and export manifest to
// <projectID>/<runID>/ in the bucket. Missing files are skipped; the run
// itself is never failed by an export upload problem.
func (u *Uploader) UploadExport(ctx context.Context, runDir string, projectID, runID uuid.UUID) {
	if u == nil {
		return
	}

	for name, contentType := range map[string]string{
		FinalVideo: "video/mp4",
		ExportFile: "application/json",
	} {
		local := filepath.Join(runDir, name)
		if _, err := os.Stat(local); err != nil {
			continue
		}

		object := filepath.ToSlash(filepath.Join(projectID.String(), runID.String(), name))
		opCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		_, err := u.client.FPutObject(opCtx, u.bucket, object, local, minio.PutObjectOptions{ContentType: contentType})
		cancel()
		if err != nil {
			slog.Error("artifacts: export upload failed", "run_id", runID, "object", object, "error", err)
			continue
		}
		slog.Info("artifacts: export uploaded", "run_id", runID, "object", object)
	}
}
