package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		envLevel string
		want     zapcore.Level
	}{
		{name: "debug level", level: "debug", want: zapcore.DebugLevel},
		{name: "warn level", level: "warn", want: zapcore.WarnLevel},
		{name: "invalid level", level: "invalid", want: zapcore.InfoLevel},
		{name: "empty level", level: "", want: zapcore.InfoLevel},
		{name: "env overrides", level: "debug", envLevel: "error", want: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.envLevel)

			logger, err := New(tt.level)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("expected %s to be enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("expected %s to be disabled", tt.want-1)
			}

			logger.Info("test message", zap.String("test_field", "test_value"))
		})
	}
}
