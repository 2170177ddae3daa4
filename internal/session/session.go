// Package session opens runtime event streams on managed processes.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/events"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var (
	// ErrProcessNotFound is returned when the process is not running at attach time.
	ErrProcessNotFound = errors.New("process not found")
	// ErrProcessNotDiagnosable is returned when the process runs but refuses or
	// does not offer a diagnostics session.
	ErrProcessNotDiagnosable = errors.New("process not diagnosable")
	// ErrProcessDied is returned when the process exited while the session was opening.
	ErrProcessDied = errors.New("process exited during attach")
)

// DefaultAttachTimeout bounds the wait for the diagnostics endpoint and session handshake.
const DefaultAttachTimeout = 3 * time.Second

// Source is an open event stream.
type Source interface {
	// Pump decodes events and hands them to fn until the stream ends, fails or
	// ctx is cancelled. It returns nil when the process closed the stream.
	Pump(ctx context.Context, fn func(events.Event)) error
	// BytesRead reports the raw stream bytes consumed so far.
	BytesRead() uint64
	Close() error
}

// Connector opens event streams.
type Connector interface {
	Connect(ctx context.Context, proc core.ProcessMeta, opts Options) (Source, error)
}

// Options configures a session.
type Options struct {
	Subscription         Subscription
	CircularBufferSizeMB int
	AttachTimeout        time.Duration
}

// Liveness reports whether a pid is running.
type Liveness func(ctx context.Context, pid int) bool

// Session is one open event stream on one process.
type Session struct {
	ID      string
	Process core.ProcessMeta
	Started time.Time

	src       Source
	log       zerolog.Logger
	events    atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

// Run pumps events into fn until the stream ends or ctx is cancelled. The
// session is closed when Run returns.
func (s *Session) Run(ctx context.Context, fn func(events.Event)) error {
	defer func() { _ = s.Close() }()

	err := s.src.Pump(ctx, func(e events.Event) {
		s.events.Inc()
		fn(e)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// EventCount returns the number of events delivered so far.
func (s *Session) EventCount() uint64 {
	return s.events.Load()
}

// BytesRead returns the raw stream bytes consumed so far.
func (s *Session) BytesRead() uint64 {
	return s.src.BytesRead()
}

// Close stops the stream. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.src.Close()
		s.log.Debug().
			Uint64("events", s.events.Load()).
			Dur("duration", time.Since(s.Started)).
			Msg("Session closed")
	})
	return s.closeErr
}

// Manager attaches sessions to processes.
type Manager struct {
	connector Connector
	alive     Liveness
	opts      Options
}

// NewManager returns a manager opening sessions through connector.
func NewManager(connector Connector, alive Liveness, opts Options) *Manager {
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = DefaultAttachTimeout
	}
	return &Manager{connector: connector, alive: alive, opts: opts}
}

// Options returns the session options used for every attach.
func (m *Manager) Options() Options {
	return m.opts
}

// Attach opens one session on proc. Errors wrap ErrProcessNotFound,
// ErrProcessNotDiagnosable or ErrProcessDied.
func (m *Manager) Attach(ctx context.Context, proc core.ProcessMeta) (*Session, error) {
	if !m.alive(ctx, proc.Pid) {
		return nil, errors.Wrapf(ErrProcessNotFound, "pid %d", proc.Pid)
	}

	attachCtx, cancel := context.WithTimeout(ctx, m.opts.AttachTimeout)
	defer cancel()

	src, err := m.connector.Connect(attachCtx, proc, m.opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !m.alive(ctx, proc.Pid) {
			return nil, errors.Wrapf(ErrProcessDied, "pid %d: %v", proc.Pid, err)
		}
		if errors.Is(err, ErrProcessNotDiagnosable) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrProcessNotDiagnosable, "pid %d: %v", proc.Pid, err)
	}

	id := uuid.NewString()
	s := &Session{
		ID:      id,
		Process: proc,
		Started: time.Now(),
		src:     src,
		log: logx.Component("session").With().
			Str("session_id", id).
			Int("process_id", proc.Pid).
			Str("process", proc.DisplayName()).
			Logger(),
	}
	s.log.Info().Str("endpoint", proc.Endpoint).Msg("Session opened")

	return s, nil
}
