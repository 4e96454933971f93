package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		environment string
		level       string
		enabled     zapcore.Level
		// disabled is checked only when it is below enabled.
		disabled zapcore.Level
	}{
		{environment: "production", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
		{environment: "development", enabled: zapcore.DebugLevel, disabled: zapcore.DebugLevel},
		{environment: "production", level: "debug", enabled: zapcore.DebugLevel, disabled: zapcore.DebugLevel},
		{environment: "development", level: "warn", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.environment+"/"+tt.level, func(t *testing.T) {
			logger, err := New(tt.environment, tt.level)
			require.NoError(t, err)
			defer func() { _ = logger.Sync() }()

			assert.True(t, logger.Core().Enabled(tt.enabled))
			if tt.disabled < tt.enabled {
				assert.False(t, logger.Core().Enabled(tt.disabled))
			}
		})
	}
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New("production", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}
