package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.log")
	log, flush, err := New(Options{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	log.Info("hello")
	flush()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	_, _, err = New(Options{Format: "xml"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestNewDefaults(t *testing.T) {
	log, flush, err := New(Options{})
	require.NoError(t, err)
	defer flush()
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}
