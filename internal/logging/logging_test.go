package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewAcceptsKnownFormats(t *testing.T) {
	for _, format := range []string{"", FormatJSON, FormatConsole, "JSON"} {
		logger, err := New(format, "debug")
		require.NoError(t, err, "format %q", format)
		logger.V(1).Info("logger constructed", "format", format)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New("xml", "info")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "level %q", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
