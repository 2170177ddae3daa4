package matcher

import (
	"testing"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	apiProc = core.ProcessMeta{
		Pid:         100,
		Name:        "dotnet",
		CommandLine: "dotnet /srv/Orders.Api.dll --urls http://+:80",
		Args:        []string{"dotnet", "/srv/Orders.Api.dll", "--urls", "http://+:80"},
	}
	workerProc = core.ProcessMeta{
		Pid:         200,
		Name:        "Billing.Worker",
		CommandLine: "/app/Billing.Worker",
		Args:        []string{"/app/Billing.Worker"},
	}
)

func TestBasicProcessMatcher_Match(t *testing.T) {
	m := NewBasicProcessMatcher()

	tests := []struct {
		name     string
		proc     core.ProcessMeta
		patterns []string
		want     bool
	}{
		{"display name", apiProc, []string{"Orders.Api"}, true},
		{"os name", apiProc, []string{"dotnet"}, true},
		{"executable", workerProc, []string{"Billing.Worker"}, true},
		{"partial name", workerProc, []string{"Billing"}, false},
		{"no patterns", workerProc, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Match(tt.proc, config.MatcherConfig{Patterns: tt.patterns})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGlobProcessMatcher_Match(t *testing.T) {
	m := NewGlobProcessMatcher()

	tests := []struct {
		name     string
		proc     core.ProcessMeta
		patterns []string
		want     bool
	}{
		{"display name", apiProc, []string{"Orders.*"}, true},
		{"command line", apiProc, []string{"*--urls*"}, true},
		{"no match", workerProc, []string{"Orders.*"}, false},
		{"second pattern", workerProc, []string{"Orders.*", "*.Worker"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Match(tt.proc, config.MatcherConfig{Patterns: tt.patterns})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := m.Match(apiProc, config.MatcherConfig{Patterns: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestGetProcessMatcher(t *testing.T) {
	m, err := GetProcessMatcher(ProcessMatcherGlob)
	require.NoError(t, err)
	assert.Equal(t, ProcessMatcherGlob, m.Type())

	_, err = GetProcessMatcher("regex")
	assert.EqualError(t, err, "process matcher regex not found")

	assert.ElementsMatch(t, []string{ProcessMatcherBasic, ProcessMatcherGlob}, Types())
}

func TestFilter_Allow(t *testing.T) {
	t.Run("no matchers allows everything", func(t *testing.T) {
		f, err := NewFilter(nil)
		require.NoError(t, err)
		assert.True(t, f.Allow(apiProc))
		assert.True(t, f.Allow(workerProc))
	})

	t.Run("include restricts", func(t *testing.T) {
		f, err := NewFilter([]*config.MatcherConfig{
			{MatcherType: ProcessMatcherGlob, Patterns: []string{"Orders.*"}},
		})
		require.NoError(t, err)
		assert.True(t, f.Allow(apiProc))
		assert.False(t, f.Allow(workerProc))
	})

	t.Run("exclude wins over include", func(t *testing.T) {
		f, err := NewFilter([]*config.MatcherConfig{
			{MatcherType: ProcessMatcherGlob, Patterns: []string{"*"}},
			{MatcherType: ProcessMatcherBasic, Patterns: []string{"Billing.Worker"}, Exclude: true},
		})
		require.NoError(t, err)
		assert.True(t, f.Allow(apiProc))
		assert.False(t, f.Allow(workerProc))
	})

	t.Run("unknown matcher type", func(t *testing.T) {
		_, err := NewFilter([]*config.MatcherConfig{{MatcherType: "regex"}})
		assert.Error(t, err)
	})
}
