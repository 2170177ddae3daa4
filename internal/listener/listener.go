// Package listener owns the tracked processes: it attaches sessions to newly
// discovered processes, runs one worker per session and reclaims state when a
// process exits.
package listener

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dotnet-insights/dni/internal/aggregator"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/events"
	"github.com/dotnet-insights/dni/internal/matcher"
	"github.com/dotnet-insights/dni/internal/session"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// DefaultScanInterval is the period of the lifecycle scan.
	DefaultScanInterval = 100 * time.Millisecond
	// DefaultRetryBackoff delays a new attach after a process refused a session.
	DefaultRetryBackoff = 5 * time.Second
)

// session end reasons
const (
	endStream   = "stream_end"
	endError    = "stream_error"
	endTeardown = "teardown"
)

// Options configures a Listener.
type Options struct {
	ScanInterval time.Duration
	RetryBackoff time.Duration
	Tracker      aggregator.Options
	// Filter restricts the processes attached to. Nil allows all.
	Filter *matcher.Filter
	// Registerer receives the listener self-metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

type tracked struct {
	meta    core.ProcessMeta
	tracker *aggregator.Tracker
	// session is set by the worker once attached.
	session *session.Session
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	// stopped is set when the watchdog tore the process down.
	stopped atomic.Bool
}

// Stats is a point-in-time summary of the listener.
type Stats struct {
	Tracked  int
	Attached uint64
	Detached uint64
	Events   uint64
}

// Listener is the coordinating owner of every TrackedProcess.
type Listener struct {
	discoverer core.Discoverer
	sessions   *session.Manager
	sink       core.Sink
	opts       Options
	self       int
	log        zerolog.Logger
	metrics    *metrics

	mu      sync.Mutex
	procs   map[int]*tracked
	retryAt map[core.ProcessKey]time.Time

	wg       sync.WaitGroup
	attached atomic.Uint64
	detached atomic.Uint64
	events   atomic.Uint64
}

// New returns a listener publishing to sink.
func New(d core.Discoverer, sessions *session.Manager, sink core.Sink, opts Options) *Listener {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	l := &Listener{
		discoverer: d,
		sessions:   sessions,
		sink:       sink,
		opts:       opts,
		self:       os.Getpid(),
		log:        logx.Component("listener"),
		metrics:    newMetrics(opts.Registerer),
		procs:      make(map[int]*tracked),
		retryAt:    make(map[core.ProcessKey]time.Time),
	}

	userAnomaly := opts.Tracker.OnAnomaly
	l.opts.Tracker.OnAnomaly = func(kind string) {
		l.metrics.anomalies.WithLabelValues(kind).Inc()
		if userAnomaly != nil {
			userAnomaly(kind)
		}
	}
	return l
}

// Run scans for processes every ScanInterval until ctx is cancelled, then tears
// down every session and waits for the workers. Only a failure of the first scan,
// such as a missing diagnostics transport, is returned; later scan failures are
// logged and the next scan is attempted after ScanInterval.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info().
		Dur("scan_interval", l.opts.ScanInterval).
		Bool("gc", l.opts.Tracker.GC).
		Bool("allocations", l.opts.Tracker.Allocations).
		Bool("jit", l.opts.Tracker.Jit).
		Msg("Listener started")

	defer l.shutdown()

	if err := l.Scan(ctx); err != nil {
		return err
	}

	for {
		core.ApplyDelay(ctx, l.opts.ScanInterval)

		select {
		case <-ctx.Done():
			return nil
		default:
			if err := l.Scan(ctx); err != nil {
				l.metrics.scanErrors.Inc()
				l.log.Warn().Err(err).Msg("Process scan failed, keeping current sessions")
			}
		}
	}
}

// Scan runs one watchdog pass: it tears down processes that exited or whose pid
// now belongs to a new process, then attaches to new ones.
func (l *Listener) Scan(ctx context.Context) error {
	procs, err := l.discoverer.ListManagedProcesses(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "failed to list managed processes")
	}

	current := make(map[int]core.ProcessMeta, len(procs))
	for _, p := range procs {
		current[p.Pid] = p
	}

	l.mu.Lock()
	var stale []*tracked
	for pid, t := range l.procs {
		p, ok := current[pid]
		if !ok || p.Key() != t.meta.Key() {
			stale = append(stale, t)
			delete(l.procs, pid)
		}
	}
	for key := range l.retryAt {
		if p, ok := current[key.Pid]; !ok || p.Key() != key {
			delete(l.retryAt, key)
		}
	}
	l.mu.Unlock()

	for _, t := range stale {
		l.log.Info().
			Int("process_id", t.meta.Pid).
			Str("process", t.meta.DisplayName()).
			Msg("Process exited, tearing down session")
		l.stop(t)
	}

	for _, p := range procs {
		if ctx.Err() != nil {
			return nil
		}
		if t, ok := l.register(ctx, p); ok {
			l.wg.Add(1)
			go l.work(t)
		}
	}
	return nil
}

// register claims p for a new worker. The entry is visible to the next scan
// before the session handshake completes.
func (l *Listener) register(ctx context.Context, p core.ProcessMeta) (*tracked, bool) {
	if p.Pid == l.self {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.procs[p.Pid]; ok {
		return nil, false
	}
	if at, ok := l.retryAt[p.Key()]; ok && time.Now().Before(at) {
		return nil, false
	}
	if !l.opts.Filter.Allow(p) {
		return nil, false
	}

	wctx, cancel := context.WithCancel(ctx)
	t := &tracked{
		meta:   p,
		ctx:    wctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.tracker = aggregator.NewTracker(p, l.opts.Tracker, func(rec core.Record) {
		l.sink.Publish(wctx, rec)
	})
	l.procs[p.Pid] = t
	return t, true
}

func (l *Listener) forget(t *tracked) {
	l.mu.Lock()
	if cur, ok := l.procs[t.meta.Pid]; ok && cur == t {
		delete(l.procs, t.meta.Pid)
	}
	l.mu.Unlock()
}

func (l *Listener) onAttachError(ctx context.Context, p core.ProcessMeta, err error) {
	e := l.log.Debug()
	result := attachNotDiagnosable
	switch {
	case ctx.Err() != nil:
		result = attachCancelled
	case errors.Is(err, session.ErrProcessDied):
		result = attachDied
	case errors.Is(err, session.ErrProcessNotFound):
		result = attachNotFound
	default:
		e = l.log.Warn()
		l.mu.Lock()
		l.retryAt[p.Key()] = time.Now().Add(l.opts.RetryBackoff)
		l.mu.Unlock()
	}
	l.metrics.attaches.WithLabelValues(result).Inc()

	e.Int("process_id", p.Pid).
		Str("process", p.DisplayName()).
		Str("result", result).
		Err(err).
		Msg("Failed to attach session")
}

// work attaches a session to the process of t and pumps it into the tracker
// until the stream ends or the process is torn down.
func (l *Listener) work(t *tracked) {
	defer l.wg.Done()
	defer close(t.done)
	defer t.cancel()

	ctx := t.ctx
	s, err := l.sessions.Attach(ctx, t.meta)
	if err != nil {
		l.forget(t)
		t.tracker.Close()
		l.onAttachError(ctx, t.meta, err)
		return
	}
	t.session = s
	l.metrics.attaches.WithLabelValues(attachOK).Inc()
	l.attached.Inc()
	l.metrics.tracked.Inc()

	err = t.session.Run(ctx, func(e events.Event) {
		if t.tracker.Handle(e) {
			l.events.Inc()
			l.metrics.events.Inc()
		}
	})

	// partial aggregation state is discarded, never emitted
	t.tracker.Close()

	reason := endStream
	switch {
	case t.stopped.Load() || ctx.Err() != nil:
		reason = endTeardown
	case err != nil:
		reason = endError
		l.mu.Lock()
		l.retryAt[t.meta.Key()] = time.Now().Add(l.opts.RetryBackoff)
		l.mu.Unlock()
	}
	l.metrics.sessions.WithLabelValues(reason).Inc()

	l.forget(t)

	l.detached.Inc()
	l.metrics.tracked.Dec()

	if r, ok := l.sink.(core.ProcessReleaser); ok {
		r.Release(context.WithoutCancel(ctx), t.meta)
	}

	e := l.log.Info()
	if err != nil {
		e = l.log.Warn().Err(err)
	}
	e.Int("process_id", t.meta.Pid).
		Str("process", t.meta.DisplayName()).
		Str("session_id", t.session.ID).
		Str("reason", reason).
		Uint64("events", t.session.EventCount()).
		Msg("Session ended")
}

func (l *Listener) stop(t *tracked) {
	t.stopped.Store(true)
	t.cancel()
}

func (l *Listener) shutdown() {
	l.mu.Lock()
	all := make([]*tracked, 0, len(l.procs))
	for pid, t := range l.procs {
		all = append(all, t)
		delete(l.procs, pid)
	}
	l.mu.Unlock()

	for _, t := range all {
		l.stop(t)
	}
	l.wg.Wait()

	l.log.Info().
		Uint64("attached", l.attached.Load()).
		Uint64("events", l.events.Load()).
		Msg("Listener stopped")
}

// Wait blocks until every worker has exited.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// Tracked returns the processes owned by a worker, attaching or attached, ordered by pid.
func (l *Listener) Tracked() []core.ProcessMeta {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]core.ProcessMeta, 0, len(l.procs))
	for _, t := range l.procs {
		out = append(out, t.meta)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Pid < out[b].Pid })
	return out
}

// Tracker returns the aggregation state of a tracked pid.
func (l *Listener) Tracker(pid int) (*aggregator.Tracker, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.procs[pid]
	if !ok {
		return nil, false
	}
	return t.tracker, true
}

// Stats returns the listener counters.
func (l *Listener) Stats() Stats {
	l.mu.Lock()
	n := len(l.procs)
	l.mu.Unlock()

	return Stats{
		Tracked:  n,
		Attached: l.attached.Load(),
		Detached: l.detached.Load(),
		Events:   l.events.Load(),
	}
}
