package util

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSleep(t *testing.T) {
	c := RealClock{}
	assert.NoError(t, Sleep(context.Background(), c, time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), c, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, c, time.Hour), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, c, 0), context.Canceled)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zap.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zap.InfoLevel, parseLevel("chatty"))
}

func TestNewLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "swapd.log")
	logger, err := NewLoggerWithFile(path, "info")
	require.NoError(t, err)

	logger.Sugar().Infow("order_confirmed", "order_id", "o1")
	logger.Sugar().Debugw("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"order_confirmed"`)
	assert.Contains(t, string(data), `"order_id":"o1"`)
	assert.NotContains(t, string(data), "hidden")
}
