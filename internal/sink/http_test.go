package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	path string
	body map[string]any
}

type recordingServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	status   int
}

func newRecordingServer(t *testing.T, status int) *recordingServer {
	rs := &recordingServer{status: status}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)

		rs.mu.Lock()
		rs.requests = append(rs.requests, capturedRequest{path: r.URL.Path, body: body})
		rs.mu.Unlock()

		w.WriteHeader(rs.status)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) captured() []capturedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]capturedRequest(nil), rs.requests...)
}

func httpConfig(endpoint string) config.HTTPSinkConfig {
	return config.HTTPSinkConfig{
		Enabled:   true,
		Endpoint:  endpoint,
		Timeout:   "1s",
		QueueSize: 16,
		Breaker:   &config.BreakerConfig{MaxFailures: 2, OpenTimeout: "1h"},
	}
}

func TestRoute(t *testing.T) {
	assert.Equal(t, "/gcCollection", Route(core.KindGcCycle))
	assert.Equal(t, "/gcAllocation", Route(core.KindAllocation))
	assert.Equal(t, "/jitEvent", Route(core.KindJitEvent))
	assert.Equal(t, "", Route(core.RecordKind(99)))
}

func TestHTTPSink_PostsEnvelopes(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK)

	s, err := newHTTPSink("http", httpConfig(srv.URL+"/"))
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	s.Publish(context.Background(), gcRecord(7))
	s.Publish(context.Background(), allocRecord(1048576))
	s.Publish(context.Background(), jitRecord(11))
	require.NoError(t, s.Close(context.Background()))

	reqs := srv.captured()
	require.Len(t, reqs, 3)
	assert.Equal(t, "/gcCollection", reqs[0].path)
	assert.Equal(t, "/gcAllocation", reqs[1].path)
	assert.Equal(t, "/jitEvent", reqs[2].path)

	body := reqs[0].body
	assert.Equal(t, float64(42), body["ProcessID"])
	assert.Equal(t, "app", body["ProcessName"])
	assert.Equal(t, "/usr/bin/app --serve", body["processCommandLine"])
	assert.Equal(t, "2024-01-02T03:04:05Z", body["currentTime"])
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(7), data["Id"])
	assert.Equal(t, 2.5, data["PauseDurationMSec"])
	assert.Equal(t, "Ephemeral", data["kind"])

	alloc := reqs[1].body["data"].(map[string]any)
	assert.Equal(t, float64(1048576), alloc["SizeBytes"])
	assert.Equal(t, "Small", alloc["Kind"])

	assert.Equal(t, Stats{Delivered: 3}, s.Stats())
}

func TestHTTPSink_BreakerStopsCallingFailingEndpoint(t *testing.T) {
	srv := newRecordingServer(t, http.StatusInternalServerError)

	s, err := newHTTPSink("http", httpConfig(srv.URL))
	require.NoError(t, err)

	for i := uint32(1); i <= 5; i++ {
		s.Publish(context.Background(), gcRecord(i))
	}
	require.NoError(t, s.Close(context.Background()))

	assert.Len(t, srv.captured(), 2)
	assert.Equal(t, Stats{Failed: 5}, s.Stats())

	// an open breaker reports the drop as unavailable, not as a delivery failure
	err = s.post(context.Background(), gcRecord(6))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, srv.captured(), 2)
}

func TestHTTPSink_UnreachableEndpointDoesNotBlockPublish(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK)
	endpoint := srv.URL
	srv.Close()

	s, err := newHTTPSink("http", httpConfig(endpoint))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint32(1); i <= 100; i++ {
			s.Publish(context.Background(), gcRecord(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on an unreachable endpoint")
	}
	require.NoError(t, s.Close(context.Background()))

	st := s.Stats()
	assert.Equal(t, uint64(0), st.Delivered)
	assert.Equal(t, uint64(100), st.Failed+st.Dropped)
}

func TestNewHTTP_InvalidConfig(t *testing.T) {
	c := httpConfig("ftp://localhost")
	_, err := NewHTTP("http", c)
	assert.Error(t, err)

	c = httpConfig("http://localhost:2143")
	c.Timeout = "soon"
	_, err = NewHTTP("http", c)
	assert.Error(t, err)
}
