package freeze

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/sys/proc"
)

func TestNew_SelfIsUnsupported(t *testing.T) {
	for _, pid := range []int{proc.Self, os.Getpid()} {
		f := New(pid, DefaultConfig(), zerolog.Nop())
		thaw, err := f.Freeze(context.Background())
		assert.Nil(t, thaw)
		assert.ErrorIs(t, err, hgerrors.ErrUnsupported)
	}
}

func TestStopped(t *testing.T) {
	assert.True(t, stopped('T'))
	assert.True(t, stopped('t'))
	assert.True(t, stopped('Z'))
	assert.False(t, stopped('R'))
	assert.False(t, stopped('S'))
	assert.False(t, stopped('D'))
}

func TestSignal_KillFailure(t *testing.T) {
	s := &Signal{
		pid:    12345,
		cfg:    DefaultConfig(),
		logger: zerolog.Nop(),
		kill:   func(int, unix.Signal) error { return unix.ESRCH },
	}
	_, err := s.Freeze(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.ESRCH))
}

func TestSignal_ChildProcess(t *testing.T) {
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	if _, err := os.Stat("/proc/self/task"); err != nil {
		t.Skip("no procfs")
	}

	cmd := exec.Command(path, "10")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	f := New(cmd.Process.Pid, Config{Timeout: 2 * time.Second, PollInterval: time.Millisecond}, zerolog.Nop())
	thaw, err := f.Freeze(context.Background())
	require.NoError(t, err)
	require.NotNil(t, thaw)

	state, err := proc.ThreadState(cmd.Process.Pid, cmd.Process.Pid)
	require.NoError(t, err)
	assert.True(t, stopped(state))

	require.NoError(t, thaw())
}
