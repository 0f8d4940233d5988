package instance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "signalbell.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, path, l.Path())
}

func TestAcquireTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalbell.lock")
	l, err := Acquire(path)
	require.NoError(t, err)

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Release())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	l2, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, l2.Release())
	assert.NoError(t, l2.Release())
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	_, err := ReadPID(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("-3"), 0o644))
	_, err = ReadPID(path)
	assert.Error(t, err)
}
