package gpu

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSMI(out string, err error) func(context.Context, string, ...string) ([]byte, error) {
	return func(context.Context, string, ...string) ([]byte, error) {
		return []byte(out), err
	}
}

func TestParseFree(t *testing.T) {
	free, err := parseFree([]byte("1024\n 8000 \n\n"))
	require.NoError(t, err)
	assert.Equal(t, []int{1024, 8000}, free)

	_, err = parseFree([]byte(""))
	assert.Error(t, err)
	_, err = parseFree([]byte("N/A\n"))
	assert.Error(t, err)
}

func TestCheckAvailable(t *testing.T) {
	g := NewGuard("", 2000, nil)

	g.run = fakeSMI("1000\n3000\n", nil)
	assert.True(t, g.CheckAvailable(context.Background()))

	g.run = fakeSMI("1000\n1500\n", nil)
	assert.False(t, g.CheckAvailable(context.Background()))

	g.run = fakeSMI("", &exec.Error{Name: "nvidia-smi", Err: exec.ErrNotFound})
	assert.True(t, g.CheckAvailable(context.Background()))

	g.run = fakeSMI("", errors.New("driver mismatch"))
	assert.True(t, g.CheckAvailable(context.Background()))

	g.RequiredFreeMB = 0
	g.run = fakeSMI("0\n", nil)
	assert.True(t, g.CheckAvailable(context.Background()))
}

func TestFreeDiskMB(t *testing.T) {
	mb, err := FreeDiskMB(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, mb, int64(0))
}
