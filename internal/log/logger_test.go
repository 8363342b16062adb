package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	"backtester/internal/config"
)

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
}

func TestNewLogger_JSONEncoding(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Encoding: "json"})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(-1))
}
