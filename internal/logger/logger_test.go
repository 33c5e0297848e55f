package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger_SourceLocation(t *testing.T) {
	tests := []struct {
		name          string
		logFunc       func(Logger)
		expectedInLog string
	}{
		{
			name:          "Info",
			logFunc:       func(l Logger) { l.Info("hello") },
			expectedInLog: "logger_test.go:",
		},
		{
			name:          "Debug",
			logFunc:       func(l Logger) { l.Debug("hello") },
			expectedInLog: "logger_test.go:",
		},
		{
			name:          "Infof",
			logFunc:       func(l Logger) { l.Infof("hello %s", "world") },
			expectedInLog: "logger_test.go:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(WithDebug(), WithFormat("text"), WithWriter(&buf))

			tt.logFunc(l)

			require.Contains(t, buf.String(), tt.expectedInLog)
			require.NotContains(t, buf.String(), "logger.go:")
		})
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithFormat("text"), WithWriter(&buf))

	l.With("dag_id", "dag_1_0001_0").Info("scheduled")

	out := buf.String()
	require.Contains(t, out, "dag_id=dag_1_0001_0")
	require.Contains(t, out, "scheduled")
}

func TestLogger_Quiet(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithQuiet(), WithAdditionalWriter(&buf))

	l.Info("only in extra sink")

	require.True(t, strings.Contains(buf.String(), "only in extra sink"))
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithFormat("json"), WithWriter(&buf))

	l.Error("boom", "attempt_id", "task_1_0001_0_000000_0_0")

	require.Contains(t, buf.String(), `"msg":"boom"`)
	require.Contains(t, buf.String(), `"attempt_id":"task_1_0001_0_000000_0_0"`)
}
