package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_WritesJSONLines(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "records")

	s, err := NewFile("file", config.FileSinkConfig{Enabled: true, Directory: dir, Filename: "out.jsonl", MaxSize: 1})
	require.NoError(t, err)

	s.Publish(context.Background(), gcRecord(1))
	s.Publish(context.Background(), allocRecord(64))
	s.Publish(context.Background(), jitRecord(3))
	require.NoError(t, s.Close(context.Background()))

	f, err := os.Open(filepath.Join(dir, "out.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		kinds = append(kinds, line["kind"].(string))
		assert.Equal(t, float64(42), line["ProcessID"])
		assert.Contains(t, line, "data")
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"GcCycle", "Allocation", "JitEvent"}, kinds)
}

func TestFileSink_DefaultFilename(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFile("file", config.FileSinkConfig{Enabled: true, Directory: dir})
	require.NoError(t, err)
	s.Publish(context.Background(), gcRecord(1))
	require.NoError(t, s.Close(context.Background()))

	_, err = os.Stat(filepath.Join(dir, config.DefaultFileSinkFilename))
	assert.NoError(t, err)
}

func TestFileSink_QueueSize(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFile("file", config.FileSinkConfig{Enabled: true, Directory: dir, QueueSize: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, cap(s.(*fileSink).queue))
	require.NoError(t, s.Close(context.Background()))

	s, err = NewFile("file", config.FileSinkConfig{Enabled: true, Directory: dir})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultFileSinkQueueSize, cap(s.(*fileSink).queue))
	require.NoError(t, s.Close(context.Background()))
}
