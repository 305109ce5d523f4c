package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateWritesPidAndRunID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pid")

	f, err := Create(path)
	require.NoError(t, err)
	require.NotEqual(t, f.RunID.String(), "")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), f.RunID.String())

	require.NoError(t, f.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestCreateFailsIfAlreadyExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pid")

	f1, err := Create(path)
	require.NoError(t, err)
	defer f1.Close()

	_, err = Create(path)
	require.Error(t, err)
}
