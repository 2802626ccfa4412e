package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger(nil)
	require.NotNil(t, logger)

	var buf bytes.Buffer
	logger = NewLogger(&Config{Level: LevelDebug, Output: &buf})
	logger.Info("hello")
	assert.Contains(t, buf.String(), "[INFO] hello")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug msg")
	logger.Info("info msg")
	assert.Empty(t, buf.String())

	logger.Warn("warn msg")
	assert.Contains(t, buf.String(), "[WARN] warn msg")
}

func TestLoggerFormatArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("action closed", "status", 200, "cmd", "AT")
	assert.Contains(t, buf.String(), "action closed status=200 cmd=AT")
}

func TestDefaultLogger(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	Info("via package function")
	assert.Contains(t, buf.String(), "via package function")
}
