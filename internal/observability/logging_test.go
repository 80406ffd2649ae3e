package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       LogConfig
		expectErr bool
	}{
		{
			name:      "default config",
			cfg:       DefaultLogConfig(),
			expectErr: false,
		},
		{
			name:      "console format",
			cfg:       LogConfig{Level: "debug", Format: "console", Output: "stderr"},
			expectErr: false,
		},
		{
			name:      "invalid level",
			cfg:       LogConfig{Level: "loud", Format: "json", Output: "stdout"},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)

			logger.Debug("debug message", String("k", "v"))
			logger.Info("info message", Int("n", 1))
			logger.Warn("warn message")
			logger.Error("error message")
		})
	}
}

func TestLogger_With(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	child := logger.With(String("component", "test"))
	require.NotNil(t, child)
	child.Info("message from child")
}

func TestLogger_WithContext(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	t.Run("without request id", func(t *testing.T) {
		child := logger.WithContext(context.Background())
		assert.Equal(t, logger, child)
	})

	t.Run("with request id", func(t *testing.T) {
		ctx := ContextWithRequestID(context.Background(), "req-123")
		child := logger.WithContext(ctx)
		assert.NotEqual(t, logger, child)
	})
}

func TestRequestIDFromContext(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))

	ctx := ContextWithRequestID(context.Background(), "req-456")
	assert.Equal(t, "req-456", RequestIDFromContext(ctx))
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()

	logger.Debug("ignored")
	logger.Info("ignored")
	logger.Warn("ignored")
	logger.Error("ignored")

	assert.Equal(t, logger, logger.With(String("k", "v")))
	assert.Equal(t, logger, logger.WithContext(context.Background()))
	assert.NoError(t, logger.Sync())
}
