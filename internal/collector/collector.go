package collector

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dotnet-insights/dni/internal/aggregator"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/events"
	"github.com/dotnet-insights/dni/internal/session"
	"github.com/dotnet-insights/dni/pkg/fsx"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// DefaultProgressInterval is how often the progress line is redrawn.
const DefaultProgressInterval = 100 * time.Millisecond

// ErrNotManaged is returned when the pid is absent or exposes no diagnostics endpoint.
var ErrNotManaged = errors.New("process is not a diagnosable managed process")

// Locator resolves a pid to a diagnosable process.
type Locator interface {
	Lookup(ctx context.Context, pid int) (core.ProcessMeta, error)
}

// Options configures one capture.
type Options struct {
	Pid      int
	Duration time.Duration
	// Output is the document path; empty picks a timestamped name in the working directory.
	Output string
	Types  []string
	// Progress receives the progress line; nil disables it.
	Progress         io.Writer
	ProgressInterval time.Duration
}

// Result describes a finished capture.
type Result struct {
	Process   core.ProcessMeta
	SessionID string
	Path      string
	Entries   int64
	Bytes     uint64
	Elapsed   time.Duration
	Jit       aggregator.JitSummary
	Anomalies map[string]int
}

// Collector captures the events of a single process for a fixed duration.
type Collector struct {
	locator   Locator
	connector session.Connector
	alive     session.Liveness
	sessOpts  session.Options
	now       func() time.Time
}

// New returns a collector. sessOpts carries the buffer size and attach timeout; its subscription is
// replaced by the one derived from the requested collection types.
func New(locator Locator, connector session.Connector, alive session.Liveness, sessOpts session.Options) *Collector {
	return &Collector{
		locator:   locator,
		connector: connector,
		alive:     alive,
		sessOpts:  sessOpts,
		now:       time.Now,
	}
}

// DefaultOutputName returns the document name used when none is given.
func DefaultOutputName(now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("dni-listener-collect-%d-%d-%d-%d-%d-%d.json",
		now.Year(), int(now.Month()), now.Day(), now.Hour(), now.Minute(), now.Second())
}

// Collect attaches to the process, streams every finished record into the output document until the
// duration elapses or the process exits, and returns a summary of the capture.
func (c *Collector) Collect(ctx context.Context, opts Options) (*Result, error) {
	sel, err := ParseTypes(opts.Types)
	if err != nil {
		return nil, err
	}
	if opts.Duration <= 0 {
		return nil, errors.Errorf("duration must be positive, got %s", opts.Duration)
	}

	meta, err := c.locator.Lookup(ctx, opts.Pid)
	if err != nil {
		return nil, errors.Wrapf(ErrNotManaged, "pid %d: %v", opts.Pid, err)
	}

	path := opts.Output
	if path == "" {
		path = DefaultOutputName(c.now())
	}
	if path, err = filepath.Abs(path); err != nil {
		return nil, errors.Wrap(err, "failed to resolve output path")
	}

	sessOpts := c.sessOpts
	sessOpts.Subscription = sel.Subscription
	sessOpts.Subscription.CollectStacks = c.sessOpts.Subscription.CollectStacks
	mgr := session.NewManager(c.connector, c.alive, sessOpts)

	s, err := mgr.Attach(ctx, meta)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create output file %s", path)
	}
	defer fsx.CloseFile(f)

	doc := newDocumentWriter(f)
	tracker := aggregator.NewTracker(meta, sel.Aggregation, doc.Add)

	log := logx.Component("collector").With().
		Int("process_id", meta.Pid).
		Str("process", meta.DisplayName()).
		Str("session_id", s.ID).
		Logger()
	log.Info().
		Str("output", path).
		Str("types", sel.Label()).
		Dur("duration", opts.Duration).
		Msg("Collection started")

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	start := c.now()
	var wg sync.WaitGroup
	if opts.Progress != nil {
		interval := opts.ProgressInterval
		if interval <= 0 {
			interval = DefaultProgressInterval
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.progress(runCtx, opts.Progress, interval, sel.Label(), start, s, doc)
		}()
	}

	runErr := s.Run(runCtx, func(e events.Event) { tracker.Handle(e) })
	cancel()
	wg.Wait()
	tracker.Close()

	if err := doc.Finish(); err != nil {
		return nil, errors.Wrapf(err, "failed to write output file %s", path)
	}

	res := &Result{
		Process:   meta,
		SessionID: s.ID,
		Path:      path,
		Entries:   doc.Entries(),
		Bytes:     s.BytesRead(),
		Elapsed:   c.now().Sub(start),
		Jit:       tracker.JitSummary(),
		Anomalies: tracker.Anomalies(),
	}
	if opts.Progress != nil {
		writeProgress(opts.Progress, sel.Label(), res.Bytes, res.Entries, res.Elapsed)
		_, _ = fmt.Fprintln(opts.Progress)
	}

	if runErr != nil {
		log.Warn().Err(runErr).Msg("Event stream ended with an error")
	}
	log.Info().
		Int64("entries", res.Entries).
		Uint64("bytes", res.Bytes).
		Dur("elapsed", res.Elapsed).
		Msg("Collection finished")

	return res, nil
}

func (c *Collector) progress(ctx context.Context, w io.Writer, interval time.Duration, label string, start time.Time, s *session.Session, doc *documentWriter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeProgress(w, label, s.BytesRead(), doc.Entries(), c.now().Sub(start))
		}
	}
}

// writeProgress redraws the progress line in place.
func writeProgress(w io.Writer, label string, bytes uint64, entries int64, elapsed time.Duration) {
	elapsed = elapsed.Truncate(time.Millisecond)
	minutes := int(elapsed / time.Minute)
	seconds := int(elapsed % time.Minute / time.Second)
	millis := int(elapsed % time.Second / time.Millisecond)

	_, _ = fmt.Fprintf(w, "\r    %s: %s, %s entries - Elapsed Time: %d:%02d.%03d",
		label, humanize.Bytes(bytes), humanize.Comma(entries), minutes, seconds, millis)
}
