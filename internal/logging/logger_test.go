package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("warn line", "k", "v")
	require.NoError(t, l.Sync())

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "warn line")
}

func TestDefaultLoggerRoundTrip(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Info("hello", "n", 1)
	require.NoError(t, Default().Sync())
	require.True(t, strings.Contains(buf.String(), "hello"))
}
