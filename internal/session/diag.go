package session

import (
	"context"
	"io"
	"time"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/events"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
	"github.com/pyroscope-io/dotnetdiag"
	"github.com/pyroscope-io/dotnetdiag/nettrace"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// DiagConnector opens sessions over the runtime diagnostics IPC protocol.
type DiagConnector struct{}

// Connect implements Connector.
func (DiagConnector) Connect(ctx context.Context, proc core.ProcessMeta, opts Options) (Source, error) {
	type result struct {
		src *diagSource
		err error
	}

	// the IPC calls do not take a context
	done := make(chan result, 1)
	go func() {
		src, err := openDiagSource(ctx, proc, opts)
		done <- result{src: src, err: err}
	}()

	select {
	case r := <-done:
		return r.src, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.src != nil {
				_ = r.src.Close()
			}
		}()
		return nil, errors.Wrapf(ctx.Err(), "attach to pid %d", proc.Pid)
	}
}

func openDiagSource(ctx context.Context, proc core.ProcessMeta, opts Options) (*diagSource, error) {
	addr := proc.Endpoint
	if addr == "" {
		addr = waitDiagnosticServer(ctx, proc.Pid)
	}
	if addr == "" {
		return nil, errors.Wrapf(ErrProcessNotDiagnosable, "no diagnostics endpoint for pid %d", proc.Pid)
	}

	client := dotnetdiag.NewClient(addr)
	sess, err := client.CollectTracing(dotnetdiag.CollectTracingConfig{
		CircularBufferSizeMB: uint32(opts.CircularBufferSizeMB),
		Providers:            opts.Subscription.Providers(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start tracing")
	}

	src := &diagSource{sess: sess}
	src.stream = nettrace.NewStream(&countingReader{r: sess, n: &src.bytes})
	trace, err := src.stream.Open()
	if err != nil {
		_ = sess.Close()
		return nil, errors.Wrap(err, "failed to open trace stream")
	}

	src.decoder = NewDecoder(int64(trace.SyncTimeQPC), int64(trace.QPCFrequency), 8)
	src.log = logx.Component("session").With().Int("process_id", proc.Pid).Logger()
	return src, nil
}

// The runtime needs some time to initialize its diagnostics IPC server and start
// accepting connections.
func waitDiagnosticServer(ctx context.Context, pid int) string {
	ticker := time.NewTicker(time.Millisecond * 100)
	defer ticker.Stop()
	for {
		if addr := dotnetdiag.DefaultServerAddress(pid); addr != "" {
			return addr
		}
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
		}
	}
}

type countingReader struct {
	r io.Reader
	n *atomic.Uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(uint64(n))
	return n, err
}

type diagSource struct {
	sess    *dotnetdiag.Session
	stream  *nettrace.Stream
	decoder *Decoder
	bytes   atomic.Uint64
	closed  atomic.Bool
	log     zerolog.Logger
}

func (s *diagSource) Pump(ctx context.Context, fn func(events.Event)) error {
	s.stream.MetadataHandler = func(md *nettrace.Metadata) error {
		s.decoder.AddMetadata(int64(md.Header.MetaDataID), md.Header.ProviderName, int(md.Header.EventID))
		return nil
	}
	s.stream.EventHandler = func(blob *nettrace.Blob) error {
		payload, err := io.ReadAll(blob.Payload)
		if err != nil {
			return errors.Wrap(err, "failed to read event payload")
		}
		ev, err := s.decoder.Decode(int64(blob.Header.MetadataID), int64(blob.Header.TimeStamp), payload)
		if err != nil {
			// one malformed payload must not end the session
			s.log.Debug().Err(err).Msg("Skipping undecodable event")
			return nil
		}
		if ev != nil {
			fn(ev)
		}
		return nil
	}
	s.stream.StackBlockHandler = func(*nettrace.StackBlock) error { return nil }
	s.stream.SequencePointBlockHandler = func(*nettrace.SequencePointBlock) error { return nil }

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	for {
		err := s.stream.Next()
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil || s.closed.Load():
			return nil
		default:
			return errors.Wrap(err, "event stream failed")
		}
	}
}

func (s *diagSource) BytesRead() uint64 {
	return s.bytes.Load()
}

func (s *diagSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.sess.Close()
}
