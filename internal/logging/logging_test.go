package logging_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/snehjoshi/chatsync/internal/config"
	"github.com/snehjoshi/chatsync/internal/logging"
)

func TestNew_Levels(t *testing.T) {
	l, err := logging.New(config.LoggingConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_Rejects(t *testing.T) {
	_, err := logging.New(config.LoggingConfig{Level: "loud", Format: "json"})
	require.Error(t, err)

	_, err = logging.New(config.LoggingConfig{Level: "info", Format: "xml"})
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, logging.OrNop(nil))
}
