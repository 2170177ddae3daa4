package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/pkg/fsx"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
)

// SnapshotExt is the extension of persisted snapshot files.
const SnapshotExt = ".gcinfo"

// Snapshot is the persisted document of one process.
type Snapshot struct {
	GcData      []*core.GcCycle         `json:"gcData"`
	Allocations []core.AllocationSample `json:"allocations"`
}

type processSnapshot struct {
	meta core.ProcessMeta
	doc  Snapshot
}

// snapshotSink keeps the GC history of every process in memory and writes it to disk
// once the process is released.
type snapshotSink struct {
	id       string
	dir      string
	mode     os.FileMode
	uploader *bucketUploader
	now      func() time.Time

	mu        sync.Mutex
	closed    bool
	processes map[core.ProcessKey]*processSnapshot
}

func (s *snapshotSink) Info() string {
	return s.id
}

func (s *snapshotSink) Type() string {
	return TypeSnapshot
}

// Publish appends GC cycles and allocation samples to the process snapshot. Other kinds are ignored.
func (s *snapshotSink) Publish(_ context.Context, rec core.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	var ps *processSnapshot
	switch rec.Kind {
	case core.KindGcCycle, core.KindAllocation:
		ps = s.processes[rec.Process.Key()]
		if ps == nil {
			ps = &processSnapshot{meta: rec.Process, doc: Snapshot{GcData: []*core.GcCycle{}, Allocations: []core.AllocationSample{}}}
			s.processes[rec.Process.Key()] = ps
		}
	default:
		return
	}

	switch data := rec.Data.(type) {
	case *core.GcCycle:
		ps.doc.GcData = append(ps.doc.GcData, data)
	case core.AllocationSample:
		ps.doc.Allocations = append(ps.doc.Allocations, data)
	}
}

// Release writes the snapshot of proc and forgets it.
func (s *snapshotSink) Release(ctx context.Context, proc core.ProcessMeta) {
	s.mu.Lock()
	ps := s.processes[proc.Key()]
	delete(s.processes, proc.Key())
	s.mu.Unlock()

	if ps == nil {
		return
	}
	if _, err := s.persist(ctx, ps); err != nil {
		logx.As().Error().
			Int("process_id", proc.Pid).
			Str("process", proc.DisplayName()).
			Stack().
			Err(err).
			Msg("Failed to persist process snapshot")
	}
}

// Close writes the snapshots of every process still held.
func (s *snapshotSink) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pending := s.processes
	s.processes = make(map[core.ProcessKey]*processSnapshot)
	s.mu.Unlock()

	var firstErr error
	for _, ps := range pending {
		if _, err := s.persist(ctx, ps); err != nil {
			logx.As().Error().
				Int("process_id", ps.meta.Pid).
				Str("process", ps.meta.DisplayName()).
				Err(err).
				Msg("Failed to persist process snapshot")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// persist writes the snapshot file and uploads it when a bucket is configured. It returns the local path.
func (s *snapshotSink) persist(ctx context.Context, ps *processSnapshot) (string, error) {
	data, err := json.Marshal(ps.doc)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode snapshot")
	}

	name := fmt.Sprintf("%s_%d", ps.meta.DisplayName(), ps.meta.Pid)
	dst := fsx.UniqueFilePath(s.dir, name, SnapshotExt, s.now())
	if err := fsx.WriteFileAtomic(dst, data, 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write snapshot %s", dst)
	}

	logx.As().Info().
		Int("process_id", ps.meta.Pid).
		Str("path", dst).
		Int("gc_cycles", len(ps.doc.GcData)).
		Int("allocations", len(ps.doc.Allocations)).
		Msg("Process snapshot written")

	if s.uploader != nil {
		if _, err := s.uploader.upload(ctx, dst); err != nil {
			return dst, errors.Wrapf(err, "failed to upload snapshot %s", dst)
		}
	}

	return dst, nil
}

// NewSnapshot creates a sink persisting per-process GC snapshots into the configured directory.
// The directory is created up front; failing to create it is fatal for the caller.
func NewSnapshot(ctx context.Context, id string, c config.SnapshotSinkConfig) (core.Sink, error) {
	var uploader *bucketUploader
	if c.S3 != nil && c.S3.Enabled {
		var err error
		if uploader, err = newBucketUploader(ctx, *c.S3); err != nil {
			return nil, err
		}
	}
	return newSnapshotSink(id, c, uploader)
}

func newSnapshotSink(id string, c config.SnapshotSinkConfig, uploader *bucketUploader) (*snapshotSink, error) {
	dir := c.Directory
	if dir == "" {
		dir = config.DefaultSnapshotDirectory
	}
	mode := c.Mode
	if mode == 0 {
		mode = 0755
	}
	if err := fsx.EnsureDir(dir, mode); err != nil {
		return nil, errors.Wrapf(err, "failed to create snapshot directory %s", dir)
	}

	return &snapshotSink{
		id:        id,
		dir:       dir,
		mode:      mode,
		uploader:  uploader,
		now:       time.Now,
		processes: make(map[core.ProcessKey]*processSnapshot),
	}, nil
}
