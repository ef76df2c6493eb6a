package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_ParsesLevel(t *testing.T) {
	l, err := New("debug", "crm-events")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New("warn", "crm-events")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("verbose", "crm-events")
	assert.Error(t, err)
}

func TestInit_ReplacesGlobal(t *testing.T) {
	require.NoError(t, Init("info", "crm-events"))
	assert.NotNil(t, Logger())
	assert.Same(t, Logger(), zap.L())
}
