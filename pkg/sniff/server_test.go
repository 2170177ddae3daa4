package sniff

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "dni_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s := NewServer(ServerConfig{MetricsPath: "/custom"}, reg, func() any {
		return map[string]int{"tracked": 2}
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/custom")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dni_test_total 3")

	resp, err = http.Get(srv.URL + StatusPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st struct {
		Pid      int            `json:"pid"`
		CPUStats *CPUStats      `json:"cpu_stats"`
		Status   map[string]int `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.NotZero(t, st.Pid)
	require.NotNil(t, st.CPUStats)
	assert.Positive(t, st.CPUStats.NumCPU)
	assert.Equal(t, 2, st.Status["tracked"])
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, prometheus.NewRegistry(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RunFailsOnBusyPort(t *testing.T) {
	first := NewServer(ServerConfig{Host: "127.0.0.1"}, prometheus.NewRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = first.Run(ctx) }()
	require.Eventually(t, func() bool { return first.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	_, portStr, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	second := NewServer(ServerConfig{Host: "127.0.0.1", Port: port}, prometheus.NewRegistry(), nil)
	assert.Error(t, second.Run(context.Background()))
}
