package rilinject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/scintill/rilinject/dvm"
)

func TestStart(t *testing.T) {
	rt, reg := host(t, dvm.Options{})
	in, err := Start(testConfig(t), WithLibraries(reg))
	require.NoError(t, err)
	assert.Same(t, in, Started())
	assert.Equal(t, NativeHookInstalled, in.State())

	_, err = Start(testConfig(t), WithLibraries(reg))
	assert.ErrorIs(t, err, ErrStarted)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	require.NoError(t, err)
	defer unix.Close(epfd)

	// Called through a func value so the call reaches the patched entry.
	wait := unix.EpollWait
	events := make([]unix.EpollEvent, 1)
	for range 2 {
		n, err := wait(epfd, events, 0)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	require.NoError(t, in.Err())
	assert.Equal(t, MethodHooked, in.Reached())
	assert.True(t, in.Trigger().Released())
	assert.Equal(t, int64(1), rt.LoadersCreated())
}

func TestStartTriggerKind(t *testing.T) {
	_, err := Start(DefaultConfig())
	assert.ErrorIs(t, err, ErrTriggerKind)

	_, err = StartNative(testConfig(t), 1)
	assert.ErrorIs(t, err, ErrTriggerKind)
}
