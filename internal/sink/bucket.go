package sink

import (
	"context"
	"os"
	"path"
	"sync"
	"time"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/pkg/fsx"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// bucketReadyAttempts bounds how long a new uploader waits for the bucket endpoint.
const bucketReadyAttempts = 30

// UploadInfo describes an object stored in a bucket.
type UploadInfo struct {
	Src          string
	Dest         string
	ChecksumType string
	Checksum     string
	Size         int64
	LastModified time.Time
}

// s3Client is an interface that defines the methods for interacting with S3-compatible storage.
// It is used to abstract the MinIO client to expose limited functionalities, which also allows for mocking in tests.
type s3Client interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)

	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error

	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)

	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// minioClientWrapper is a wrapper around the MinIO client to implement the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (m *minioClientWrapper) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return m.client.BucketExists(ctx, bucketName)
}

func (m *minioClientWrapper) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return m.client.MakeBucket(ctx, bucketName, opts)
}

func (m *minioClientWrapper) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return m.client.StatObject(ctx, bucketName, objectName, opts)
}

func (m *minioClientWrapper) FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.client.FPutObject(ctx, bucketName, objectName, filePath, opts)
}

// bucketUploader copies snapshot files into an S3 compatible bucket.
type bucketUploader struct {
	client       s3Client
	bucketConfig config.BucketConfig

	mu           sync.Mutex
	bucketExists map[string]bool
}

// objectName returns the object key for a local file.
func (b *bucketUploader) objectName(src string) string {
	return path.Join(b.bucketConfig.Prefix, path.Base(src))
}

// ensureBucketExists checks if the bucket exists in S3. If it doesn't exist, it creates the bucket.
func (b *bucketUploader) ensureBucketExists(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bucketExists[b.bucketConfig.Bucket] {
		logx.As().Trace().
			Str("bucket", b.bucketConfig.Bucket).
			Msg("Bucket existence confirmed from cache")
		return nil
	}

	exists, err := b.client.BucketExists(ctx, b.bucketConfig.Bucket)
	if err != nil {
		return errors.Wrapf(err, "failed to check bucket %s", b.bucketConfig.Bucket)
	}

	if !exists {
		logx.As().Debug().
			Str("bucket", b.bucketConfig.Bucket).
			Msg("Bucket does not exist, creating it")
		if err := b.client.MakeBucket(ctx, b.bucketConfig.Bucket, minio.MakeBucketOptions{Region: b.bucketConfig.Region}); err != nil {
			logx.As().Error().
				Str("bucket", b.bucketConfig.Bucket).
				Err(err).
				Msg("Failed to create bucket")
			return errors.Wrap(err, "failed to create bucket")
		}
	}

	b.bucketExists[b.bucketConfig.Bucket] = true
	return nil
}

// upload copies src into the bucket. It skips the upload if the object already exists with the same checksum.
func (b *bucketUploader) upload(ctx context.Context, src string) (*UploadInfo, error) {
	if err := b.ensureBucketExists(ctx); err != nil {
		return nil, err
	}

	objectName := b.objectName(src)
	localChecksum, err := fsx.FileMD5(src)
	if err != nil {
		return nil, errors.Wrap(err, "failed to calculate local checksum")
	}

	attr, err := b.client.StatObject(ctx, b.bucketConfig.Bucket, objectName, minio.StatObjectOptions{})
	if err == nil && localChecksum == attr.ETag {
		logx.As().Info().
			Str("src", src).
			Str("object", objectName).
			Str("md5", attr.ETag).
			Str("bucket", b.bucketConfig.Bucket).
			Msg("Snapshot already exists in bucket, skipping upload")
		return &UploadInfo{
			Src:          src,
			Dest:         attr.Key,
			ChecksumType: "md5",
			Checksum:     attr.ETag,
			Size:         attr.Size,
			LastModified: attr.LastModified,
		}, nil
	}

	info, err := b.client.FPutObject(ctx, b.bucketConfig.Bucket, objectName, src, minio.PutObjectOptions{
		ContentType:    "application/json",
		SendContentMd5: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to upload snapshot")
	}

	if info.ETag != localChecksum {
		localInfo, statErr := os.Stat(src)
		if statErr != nil {
			return nil, errors.Wrap(statErr, "failed to get local file info")
		}
		return nil, errors.Errorf("checksum mismatch after upload: expected %s, got %s "+
			"(file_size_in_bucket = %d, file_size_local = %d)", localChecksum, info.ETag, info.Size, localInfo.Size())
	}

	logx.As().Info().
		Str("src", src).
		Str("object", objectName).
		Str("checksum", info.ETag).
		Str("bucket", b.bucketConfig.Bucket).
		Int64("size", info.Size).
		Msg("Snapshot uploaded successfully to the bucket")

	return &UploadInfo{
		Src:          src,
		Dest:         info.Key,
		ChecksumType: "md5",
		Checksum:     info.ETag,
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// newBucketUploader creates a MinIO backed uploader and waits for the bucket to be reachable.
func newBucketUploader(ctx context.Context, bucketConfig config.BucketConfig) (*bucketUploader, error) {
	if err := config.ValidateBucketConfig(bucketConfig); err != nil {
		return nil, err
	}

	client, err := minio.New(bucketConfig.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(bucketConfig.AccessKey, bucketConfig.SecretKey, ""),
		Secure: bucketConfig.UseSSL,
		Region: bucketConfig.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create minio client")
	}

	b := &bucketUploader{
		client:       &minioClientWrapper{client: client},
		bucketConfig: bucketConfig,
		bucketExists: make(map[string]bool),
	}

	// the S3 api may take a while to come up next to the listener
	for i := 0; i < bucketReadyAttempts; i++ {
		err = b.ensureBucketExists(ctx)
		if err == nil || ctx.Err() != nil {
			break
		}

		logx.As().Warn().
			Int("attempt", i).
			Int("max_attempts", bucketReadyAttempts).
			Str("bucket", bucketConfig.Bucket).
			Err(err).
			Msg("Bucket isn't reachable, trying in 1s...")

		core.ApplyDelay(ctx, time.Second)
	}
	if err != nil {
		return nil, err
	}

	return b, nil
}
