package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/pkg/fsx"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockS3Client is a mock implementation of the s3Client interface.
type mockS3Client struct {
	mock.Mock
}

func (m *mockS3Client) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *mockS3Client) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

func (m *mockS3Client) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Get(0).(minio.ObjectInfo), args.Error(1)
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	args := m.Called(ctx, bucketName, objectName, filePath, opts)
	if fn, ok := args.Get(0).(func(context.Context, string, string, string, minio.PutObjectOptions) minio.UploadInfo); ok {
		return fn(ctx, bucketName, objectName, filePath, opts), args.Error(1)
	}
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

func newTestUploader(client s3Client, bucket string) *bucketUploader {
	return &bucketUploader{
		client:       client,
		bucketConfig: config.BucketConfig{Bucket: bucket, Region: "us-east-1"},
		bucketExists: make(map[string]bool),
	}
}

func TestBucketUploader_EnsureBucketExists(t *testing.T) {
	mockClient := new(mockS3Client)
	bucketName := "test-bucket"
	b := newTestUploader(mockClient, bucketName)

	// Test case: Bucket already exists
	mockClient.On("BucketExists", mock.Anything, bucketName).Return(true, nil).Once()
	err := b.ensureBucketExists(context.Background())
	assert.NoError(t, err)
	assert.True(t, b.bucketExists[bucketName])

	// Test case: cached, no further calls
	err = b.ensureBucketExists(context.Background())
	assert.NoError(t, err)

	// Test case: Bucket does not exist, creation succeeds
	mockClient.On("BucketExists", mock.Anything, bucketName).Return(false, nil).Once()
	mockClient.On("MakeBucket", mock.Anything, bucketName, minio.MakeBucketOptions{Region: "us-east-1"}).Return(nil).Once()
	b.bucketExists = make(map[string]bool)
	err = b.ensureBucketExists(context.Background())
	assert.NoError(t, err)
	assert.True(t, b.bucketExists[bucketName])

	// Test case: Bucket creation fails
	mockClient.On("BucketExists", mock.Anything, bucketName).Return(false, nil).Once()
	mockClient.On("MakeBucket", mock.Anything, bucketName, mock.Anything).Return(errors.New("creation failed")).Once()
	b.bucketExists = make(map[string]bool)
	err = b.ensureBucketExists(context.Background())
	assert.Error(t, err)
	assert.False(t, b.bucketExists[bucketName])

	mockClient.AssertExpectations(t)
}

func TestBucketUploader_Upload(t *testing.T) {
	tempDir := t.TempDir()
	mockClient := new(mockS3Client)
	bucketName := "test-bucket"
	b := newTestUploader(mockClient, bucketName)
	b.bucketExists[bucketName] = true

	srcFile := filepath.Join(tempDir, "app_1.gcinfo")
	require.NoError(t, os.WriteFile(srcFile, []byte(`{"gcData":[],"allocations":[]}`), 0644))
	localChecksum, err := fsx.FileMD5(srcFile)
	require.NoError(t, err)

	objectName := "app_1.gcinfo"

	// Test case: File already exists in bucket with the same checksum
	mockClient.On("StatObject", mock.Anything, bucketName, objectName, mock.Anything).Return(minio.ObjectInfo{
		ETag: localChecksum,
		Key:  objectName,
	}, nil).Once()
	info, err := b.upload(context.Background(), srcFile)
	assert.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, objectName, info.Dest)

	// Test case: File upload succeeds
	mockClient.On("StatObject", mock.Anything, bucketName, objectName, mock.Anything).Return(minio.ObjectInfo{}, fmt.Errorf("not found")).Once()
	mockClient.On("FPutObject", mock.Anything, bucketName, objectName, srcFile, mock.Anything).Return(minio.UploadInfo{
		ETag: localChecksum,
		Key:  objectName,
	}, nil).Once()
	info, err = b.upload(context.Background(), srcFile)
	assert.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, objectName, info.Dest)
	assert.Equal(t, "md5", info.ChecksumType)

	// Test case: File upload fails
	mockClient.On("StatObject", mock.Anything, bucketName, objectName, mock.Anything).Return(minio.ObjectInfo{}, fmt.Errorf("not found")).Once()
	mockClient.On("FPutObject", mock.Anything, bucketName, objectName, srcFile, mock.Anything).Return(minio.UploadInfo{}, errors.New("upload failed")).Once()
	info, err = b.upload(context.Background(), srcFile)
	assert.Error(t, err)
	assert.Nil(t, info)

	// Test case: File upload fails because of checksum mismatch
	mockClient.On("StatObject", mock.Anything, bucketName, objectName, mock.Anything).Return(minio.ObjectInfo{}, fmt.Errorf("not found")).Once()
	mockClient.On("FPutObject", mock.Anything, bucketName, objectName, srcFile, mock.Anything).Return(minio.UploadInfo{
		ETag: "invalid",
		Key:  objectName,
	}, nil).Once()
	info, err = b.upload(context.Background(), srcFile)
	assert.Error(t, err)
	assert.Nil(t, info)

	mockClient.AssertExpectations(t)
}

func TestBucketUploader_ObjectName(t *testing.T) {
	b := newTestUploader(nil, "b")
	assert.Equal(t, "app_1.gcinfo", b.objectName("/tmp/x/app_1.gcinfo"))

	b.bucketConfig.Prefix = "host-a/gc"
	assert.Equal(t, "host-a/gc/app_1.gcinfo", b.objectName("/tmp/x/app_1.gcinfo"))
}

func TestNewBucketUploader_InvalidConfig(t *testing.T) {
	_, err := newBucketUploader(context.Background(), config.BucketConfig{Enabled: true})
	assert.Error(t, err)
}
