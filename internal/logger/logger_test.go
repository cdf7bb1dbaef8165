package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		for _, level := range []string{"debug", "info", "warn", "error"} {
			l, err := NewLogger(format, level)
			require.NoError(t, err, "format=%s level=%s", format, level)
			assert.NotNil(t, l.Logger)
		}
	}
}

func TestNewLoggerNone(t *testing.T) {
	l, err := NewLogger("json", "none")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.ErrorLevel))
}

func TestNewLoggerRejectsUnknown(t *testing.T) {
	_, err := NewLogger("json", "verbose")
	assert.Error(t, err)

	_, err = NewLogger("xml", "info")
	assert.Error(t, err)

	assert.Panics(t, func() { MustNewLogger("json", "loud") })
}

func TestWithReturnsChild(t *testing.T) {
	l := NewNoopLogger()
	child := l.With(zap.String("module", "tokens"))
	assert.NotNil(t, child)
	child.Info("still a noop")
}
