package sink

import (
	"context"
	"sync"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Sink types
const (
	TypeHTTP     = "http"
	TypeFile     = "file"
	TypeSnapshot = "snapshot"
	TypeMetrics  = "metrics"
	TypeMulti    = "multi"
)

// ErrClosed is returned when a sink is used after Close.
var ErrClosed = errors.New("sink is closed")

// ErrUnavailable marks a record dropped without an attempt because the destination
// is known to be down. Such drops are logged at debug level.
var ErrUnavailable = errors.New("sink destination unavailable")

// handler is a base struct for sinks that deliver records asynchronously.
//
// Fields:
//   - id: A unique identifier for the handler.
//   - sinkType: The type of sink (e.g., "http", "file").
//   - queue: Records waiting for delivery. Publish never blocks; a full queue drops the record.
//   - deliver: A function to handle the actual delivery of one record.
//   - flush: An optional function called once the queue is drained on Close.
type handler struct {
	id       string
	sinkType string
	queue    chan core.Record
	deliver  func(ctx context.Context, rec core.Record) error
	flush    func() error
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a point-in-time view of a sink's counters.
type Stats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

func newHandler(id, sinkType string, queueSize int, deliver func(ctx context.Context, rec core.Record) error) *handler {
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &handler{
		id:       id,
		sinkType: sinkType,
		queue:    make(chan core.Record, queueSize),
		deliver:  deliver,
		log:      logx.Component("sink").With().Str("sink_type", sinkType).Str("sink", id).Logger(),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Info returns the unique identifier of the handler.
func (h *handler) Info() string {
	return h.id
}

// Type returns the sink type of the handler.
func (h *handler) Type() string {
	return h.sinkType
}

// Stats returns the delivery counters.
func (h *handler) Stats() Stats {
	return Stats{
		Delivered: h.delivered.Load(),
		Failed:    h.failed.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// start launches the delivery worker. It must be called once, after deliver is set.
func (h *handler) start() {
	go h.run()
}

func (h *handler) run() {
	defer close(h.done)

	for rec := range h.queue {
		if h.ctx.Err() != nil {
			h.dropped.Inc()
			continue
		}

		if err := h.deliver(h.ctx, rec); err != nil {
			h.failed.Inc()
			e := h.log.Warn()
			if errors.Is(err, ErrUnavailable) {
				e = h.log.Debug()
			}
			e.Int("process_id", rec.Process.Pid).
				Str("kind", rec.Kind.String()).
				Err(err).
				Msg("Failed to deliver record, dropping it")
			continue
		}
		h.delivered.Inc()
	}
}

// Publish queues a record for delivery. It never blocks the caller.
func (h *handler) Publish(_ context.Context, rec core.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		h.dropped.Inc()
		return
	}

	select {
	case h.queue <- rec:
	default:
		h.dropped.Inc()
		logx.As().Debug().
			Str("sink_type", h.Type()).
			Str("sink", h.Info()).
			Int("process_id", rec.Process.Pid).
			Str("kind", rec.Kind.String()).
			Msg("Sink queue is full, dropping record")
	}
}

// Close stops accepting records and waits for queued ones to be delivered. When ctx
// expires first, in-flight delivery is cancelled and the remaining records are dropped.
func (h *handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	var err error
	select {
	case <-h.done:
	case <-ctx.Done():
		h.cancel()
		<-h.done
		err = errors.Wrapf(ctx.Err(), "%s sink %s closed before draining", h.Type(), h.Info())
	}
	h.cancel()

	if h.flush != nil {
		if ferr := h.flush(); ferr != nil && err == nil {
			err = ferr
		}
	}

	s := h.Stats()
	logx.As().Debug().
		Str("sink_type", h.Type()).
		Str("sink", h.Info()).
		Uint64("delivered", s.Delivered).
		Uint64("failed", s.Failed).
		Uint64("dropped", s.Dropped).
		Msg("Sink closed")

	return err
}
