// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Open yields a usable pipe with selectable handles.
func TestWakePipeOpen(t *testing.T) {
	var p WakePipe
	require.False(t, p.IsOpen())

	require.NoError(t, p.Open())
	defer p.Close()

	assert.True(t, p.IsOpen())
	assert.GreaterOrEqual(t, p.ReadHandle(), 0)
	assert.GreaterOrEqual(t, p.WriteHandle(), 0)
}

// A byte written on one end is read back from the other.
func TestWakePipeByteExchange(t *testing.T) {
	var p WakePipe
	require.NoError(t, p.Open())
	defer p.Close()

	n, err := p.Write([]byte{cmdWakeup})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var buf [1]byte
	n, err = p.Read(buf[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.EqualValues(t, cmdWakeup, buf[0])
}

// Close invalidates the handles; closing twice is a no-op.
func TestWakePipeClose(t *testing.T) {
	var p WakePipe
	require.NoError(t, p.Open())

	p.Close()
	p.Close()

	assert.False(t, p.IsOpen())
	assert.Equal(t, -1, p.ReadHandle())
	assert.Equal(t, -1, p.WriteHandle())
	_, err := p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, errPipeClosed)
	_, err = p.Write([]byte{0})
	assert.ErrorIs(t, err, errPipeClosed)
}

// waitReadable reports the pipe readable once a byte is pending.
func TestWaitReadableSignaled(t *testing.T) {
	var p WakePipe
	require.NoError(t, p.Open())
	defer p.Close()

	_, err := p.Write([]byte{cmdWakeup})
	require.NoError(t, err)

	r0, r1, err := waitReadable(p.ReadHandle(), -1, time.Second)

	require.NoError(t, err)
	assert.True(t, r0)
	assert.False(t, r1)
}

// waitReadable times out quietly when nothing is pending.
func TestWaitReadableTimeout(t *testing.T) {
	var p WakePipe
	require.NoError(t, p.Open())
	defer p.Close()

	r0, r1, err := waitReadable(p.ReadHandle(), -1, 10*time.Millisecond)

	require.NoError(t, err)
	assert.False(t, r0)
	assert.False(t, r1)
}
