package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/pkg/fsx"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func readSnapshot(t *testing.T, path string) Snapshot {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc Snapshot
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestSnapshotSink_WritesOnRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	s, err := newSnapshotSink("snapshot", config.SnapshotSinkConfig{Enabled: true, Directory: dir}, nil)
	require.NoError(t, err)

	s.Publish(context.Background(), gcRecord(1))
	s.Publish(context.Background(), allocRecord(100))
	s.Publish(context.Background(), jitRecord(1))
	s.Publish(context.Background(), gcRecord(2))

	s.Release(context.Background(), testProc)

	doc := readSnapshot(t, filepath.Join(dir, "app_42.gcinfo"))
	require.Len(t, doc.GcData, 2)
	assert.Equal(t, uint32(1), doc.GcData[0].Id)
	assert.Equal(t, uint32(2), doc.GcData[1].Id)
	require.Len(t, doc.Allocations, 1)
	assert.Equal(t, uint64(100), doc.Allocations[0].SizeBytes)

	// released state is forgotten
	require.NoError(t, s.Close(context.Background()))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSnapshotSink_NameCollision(t *testing.T) {
	dir := t.TempDir()
	s, err := newSnapshotSink("snapshot", config.SnapshotSinkConfig{Enabled: true, Directory: dir}, nil)
	require.NoError(t, err)
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Publish(context.Background(), gcRecord(1))
	s.Release(context.Background(), testProc)

	// a new incarnation of the same pid
	reused := testProc
	reused.StartTime = time.UnixMilli(5000)
	s.Publish(context.Background(), core.Record{Kind: core.KindGcCycle, Process: reused, Data: &core.GcCycle{Id: 1}})
	s.Release(context.Background(), reused)

	assert.FileExists(t, filepath.Join(dir, "app_42.gcinfo"))
	assert.FileExists(t, filepath.Join(dir, "app_42_"+now.Format(fsx.CollisionTimeFormat)+".gcinfo"))
}

func TestSnapshotSink_CloseFlushesEveryProcess(t *testing.T) {
	dir := t.TempDir()
	s, err := newSnapshotSink("snapshot", config.SnapshotSinkConfig{Enabled: true, Directory: dir}, nil)
	require.NoError(t, err)

	other := core.ProcessMeta{Pid: 7, Name: "dotnet", Args: []string{"dotnet", "exec", "/srv/Worker.dll"}, StartTime: time.UnixMilli(10)}
	s.Publish(context.Background(), gcRecord(1))
	s.Publish(context.Background(), core.Record{Kind: core.KindAllocation, Process: other, Data: core.AllocationSample{SizeBytes: 8}})
	require.NoError(t, s.Close(context.Background()))

	assert.FileExists(t, filepath.Join(dir, "app_42.gcinfo"))
	doc := readSnapshot(t, filepath.Join(dir, "Worker_7.gcinfo"))
	assert.Empty(t, doc.GcData)
	assert.Len(t, doc.Allocations, 1)

	// nothing is accepted after close
	s.Publish(context.Background(), gcRecord(3))
	s.Release(context.Background(), testProc)
}

func TestSnapshotSink_IgnoresProcessesWithoutGcData(t *testing.T) {
	dir := t.TempDir()
	s, err := newSnapshotSink("snapshot", config.SnapshotSinkConfig{Enabled: true, Directory: dir}, nil)
	require.NoError(t, err)

	s.Publish(context.Background(), jitRecord(1))
	s.Release(context.Background(), testProc)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSnapshotSink_DirectoryCannotBeCreated(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := NewSnapshot(context.Background(), "snapshot", config.SnapshotSinkConfig{Enabled: true, Directory: filepath.Join(file, "sub")})
	assert.Error(t, err)
}

func TestSnapshotSink_UploadsToBucket(t *testing.T) {
	dir := t.TempDir()
	client := new(mockS3Client)
	uploader := &bucketUploader{
		client:       client,
		bucketConfig: config.BucketConfig{Enabled: true, Bucket: "gc", Prefix: "hosts/a"},
		bucketExists: make(map[string]bool),
	}
	s, err := newSnapshotSink("snapshot", config.SnapshotSinkConfig{Enabled: true, Directory: dir}, uploader)
	require.NoError(t, err)

	s.Publish(context.Background(), gcRecord(1))

	src := filepath.Join(dir, "app_42.gcinfo")
	client.On("BucketExists", mock.Anything, "gc").Return(true, nil).Once()
	client.On("StatObject", mock.Anything, "gc", "hosts/a/app_42.gcinfo", mock.Anything).
		Return(minio.ObjectInfo{}, assert.AnError).Once()
	client.On("FPutObject", mock.Anything, "gc", "hosts/a/app_42.gcinfo", src, mock.Anything).
		Return(func(ctx context.Context, bucket, object, path string, opts minio.PutObjectOptions) minio.UploadInfo {
			sum, _ := fsx.FileMD5(path)
			return minio.UploadInfo{Key: object, ETag: sum}
		}, nil).Once()

	s.Release(context.Background(), testProc)

	assert.FileExists(t, src)
	client.AssertExpectations(t)
}
