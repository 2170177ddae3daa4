package sink

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/pkg/fsx"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
)

// fileLine is one JSON line written by the file sink.
type fileLine struct {
	Kind string `json:"kind"`
	core.Envelope
}

type fileSink struct {
	*handler
	mu  sync.Mutex
	out io.WriteCloser
	enc *json.Encoder
	now func() time.Time
}

func (f *fileSink) write(_ context.Context, rec core.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enc.Encode(fileLine{Kind: rec.Kind.String(), Envelope: core.NewEnvelope(rec, f.now())}); err != nil {
		return errors.Wrap(err, "failed to write record")
	}
	return nil
}

func (f *fileSink) closeFile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}

// NewFile creates a sink appending every record as one JSON line to a size-rotated file.
func NewFile(id string, c config.FileSinkConfig) (core.Sink, error) {
	if c.Directory != "" {
		if err := fsx.EnsureDir(c.Directory, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create file sink directory %s", c.Directory)
		}
	}

	filename := c.Filename
	if filename == "" {
		filename = config.DefaultFileSinkFilename
	}
	out := logx.NewRollingFile(c.Directory, filename, c.MaxSize, c.MaxBackups, c.MaxAge, c.Compress)
	return newFileSink(id, out, c.QueueSize), nil
}

func newFileSink(id string, out io.WriteCloser, queueSize int) *fileSink {
	if queueSize <= 0 {
		queueSize = config.DefaultFileSinkQueueSize
	}
	f := &fileSink{out: out, enc: json.NewEncoder(out), now: time.Now}
	f.handler = newHandler(id, TypeFile, queueSize, f.write)
	f.handler.flush = f.closeFile
	f.start()
	return f
}
