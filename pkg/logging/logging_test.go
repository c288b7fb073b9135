package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/itohio/goanneal/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		verbose bool
		want    zapcore.Level
		wantErr bool
	}{
		{"default", config.LogConfig{}, false, zapcore.InfoLevel, false},
		{"warn", config.LogConfig{Level: "warn"}, false, zapcore.WarnLevel, false},
		{"verbose wins", config.LogConfig{Level: "error"}, true, zapcore.DebugLevel, false},
		{"development", config.LogConfig{Development: true}, false, zapcore.DebugLevel, false},
		{"bad level", config.LogConfig{Level: "loud"}, false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(&tt.cfg, tt.verbose)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}
