package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
)

// HTTP routes per record kind.
const (
	RouteGcCycle    = "/gcCollection"
	RouteAllocation = "/gcAllocation"
	RouteJitEvent   = "/jitEvent"
)

type httpSink struct {
	*handler
	client   *http.Client
	endpoint string
	breaker  *gobreaker.CircuitBreaker[struct{}]
	now      func() time.Time
}

// Route returns the path a record kind is posted to.
func Route(kind core.RecordKind) string {
	switch kind {
	case core.KindGcCycle:
		return RouteGcCycle
	case core.KindAllocation:
		return RouteAllocation
	case core.KindJitEvent:
		return RouteJitEvent
	}
	return ""
}

// post sends one record to the endpoint route for its kind.
func (s *httpSink) post(ctx context.Context, rec core.Record) error {
	route := Route(rec.Kind)
	if route == "" {
		return errors.Errorf("no route for record kind %s", rec.Kind)
	}

	body, err := json.Marshal(core.NewEnvelope(rec, s.now()))
	if err != nil {
		return errors.Wrap(err, "failed to encode record")
	}

	_, err = s.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+route, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= http.StatusMultipleChoices {
			return struct{}{}, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, route)
		}
		return struct{}{}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	return err
}

// NewHTTP creates a sink posting every record as a JSON envelope to the configured endpoint.
// Delivery happens on a background worker guarded by a circuit breaker; while the breaker is
// open records are dropped without contacting the endpoint.
func NewHTTP(id string, c config.HTTPSinkConfig) (core.Sink, error) {
	return newHTTPSink(id, c)
}

func newHTTPSink(id string, c config.HTTPSinkConfig) (*httpSink, error) {
	if err := config.ValidateHTTPSinkConfig(c); err != nil {
		return nil, err
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid endpoint %q", c.Endpoint)
	}

	timeout, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timeout %q", c.Timeout)
	}

	breaker := config.BreakerConfig{MaxFailures: config.DefaultBreakerMaxFailures, OpenTimeout: config.DefaultBreakerOpenTimeout}
	if c.Breaker != nil {
		breaker = *c.Breaker
	}
	if breaker.MaxFailures == 0 {
		breaker.MaxFailures = config.DefaultBreakerMaxFailures
	}
	openTimeout, err := time.ParseDuration(breaker.OpenTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid breaker open timeout %q", breaker.OpenTimeout)
	}

	s := &httpSink{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimSuffix(u.String(), "/"),
		now:      time.Now,
	}
	s.handler = newHandler(id, TypeHTTP, c.QueueSize, s.post)
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    id,
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breaker.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logx.As().Warn().
				Str("sink", name).
				Str("endpoint", s.endpoint).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("HTTP sink circuit breaker changed state")
		},
	})
	s.start()

	logx.As().Debug().
		Str("id", id).
		Str("sink_type", TypeHTTP).
		Str("endpoint", s.endpoint).
		Msg("HTTP sink created successfully")

	return s, nil
}
