package sink

import (
	"context"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// multiSink fans every record out to a fixed list of sinks.
type multiSink struct {
	id    string
	sinks []core.Sink
}

// NewMulti returns a sink forwarding to every sink in order.
func NewMulti(id string, sinks ...core.Sink) core.Sink {
	return &multiSink{id: id, sinks: sinks}
}

func (m *multiSink) Info() string {
	return m.id
}

func (m *multiSink) Type() string {
	return TypeMulti
}

func (m *multiSink) Publish(ctx context.Context, rec core.Record) {
	for _, s := range m.sinks {
		s.Publish(ctx, rec)
	}
}

// Release forwards to every sink that keeps per-process state.
func (m *multiSink) Release(ctx context.Context, proc core.ProcessMeta) {
	for _, s := range m.sinks {
		if r, ok := s.(core.ProcessReleaser); ok {
			r.Release(ctx, proc)
		}
	}
}

// Close closes every sink and returns the first error.
func (m *multiSink) Close(ctx context.Context) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil {
			logx.As().Error().
				Str("sink_type", s.Type()).
				Str("sink", s.Info()).
				Err(err).
				Msg("Failed to close sink")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// New builds the sinks enabled in c and fans records out to all of them. Metrics series are
// registered with reg.
func New(ctx context.Context, c *config.SinksConfig, reg prometheus.Registerer) (core.Sink, error) {
	var sinks []core.Sink
	fail := func(err error) (core.Sink, error) {
		_ = NewMulti("sinks", sinks...).Close(ctx)
		return nil, err
	}

	if c.HTTP != nil && c.HTTP.Enabled {
		s, err := NewHTTP("http", *c.HTTP)
		if err != nil {
			return fail(errors.Wrap(err, "failed to create http sink"))
		}
		sinks = append(sinks, s)
	}

	if c.File != nil && c.File.Enabled {
		s, err := NewFile("file", *c.File)
		if err != nil {
			return fail(errors.Wrap(err, "failed to create file sink"))
		}
		sinks = append(sinks, s)
	}

	if c.Snapshot != nil && c.Snapshot.Enabled {
		s, err := NewSnapshot(ctx, "snapshot", *c.Snapshot)
		if err != nil {
			return fail(errors.Wrap(err, "failed to create snapshot sink"))
		}
		sinks = append(sinks, s)
	}

	if c.Metrics != nil && c.Metrics.Enabled {
		sinks = append(sinks, NewMetrics("metrics", reg))
	}

	for _, s := range sinks {
		logx.As().Info().
			Str("sink_type", s.Type()).
			Str("sink", s.Info()).
			Msg("Sink enabled")
	}

	return NewMulti("sinks", sinks...), nil
}
