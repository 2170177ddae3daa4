package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_FileLogging(t *testing.T) {
	tempDir := t.TempDir()
	logFile := "test.log"

	err := Initialize(&LoggingConfig{
		Level:       "info",
		FileLogging: true,
		Directory:   tempDir,
		Filename:    logFile,
		MaxSize:     1,
		MaxBackups:  1,
		MaxAge:      1,
		Compress:    false,
	})
	assert.NoError(t, err)

	logger := As()
	assert.NotNil(t, logger)
	logger.Info().Msg("Test info message")

	// Verify log file exists
	logFilePath := filepath.Join(tempDir, logFile)
	_, err = os.Stat(logFilePath)
	assert.NoError(t, err)
}

func TestInitialize_InvalidLogLevel(t *testing.T) {
	err := Initialize(&LoggingConfig{
		Level:          "invalid",
		ConsoleLogging: true,
	})
	assert.Error(t, err)
}

func TestInitialize_ExtraWriterReceivesStack(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitializeWithOptions(&LoggingConfig{Level: "debug"}, &buf))

	As().Error().Stack().Err(errors.New("boom")).Msg("failure")

	out := buf.String()
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"stack"`)
	assert.Contains(t, out, `"pid"`)
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitializeWithOptions(&LoggingConfig{Level: "info"}, &buf))

	l := Component("watchdog")
	l.Info().Msg("tick")
	assert.Contains(t, buf.String(), `"component":"watchdog"`)
}

func TestExecutionTime(t *testing.T) {
	StartTimer()
	assert.NotEmpty(t, ExecutionTime())
}

func TestGetPid(t *testing.T) {
	pid := GetPid()
	assert.Equal(t, os.Getpid(), pid)
}
