package ptnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/csb"
)

func TestSyncTail_PullsBackendCursors(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{rxSlots: 8})

	env.blk.RX.HostPublish(0, 5)
	require.NoError(t, env.f.syncTail(env.f.rx, env.blk.RX))
	assert.Equal(t, uint32(5), env.f.rx.Tail)
	assert.Equal(t, uint32(5), env.f.rx.HwTail)
}

func TestSyncTail_InvalidCursorBreaksSession(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{rxSlots: 8})

	env.blk.RX.HostPublish(0, 99)
	err := env.f.syncTail(env.f.rx, env.blk.RX)
	require.ErrorIs(t, err, ErrSessionBroken)

	// The session stays latched broken for every datapath entry point.
	require.NoError(t, env.f.Up())
	require.ErrorIs(t, env.f.Submit(env.pkt([]byte{1})), ErrSessionBroken)
	_, err = env.f.rxPoll(8)
	require.ErrorIs(t, err, ErrSessionBroken)
}

func TestSyncTail_ReregistrationClearsBrokenSession(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{rxSlots: 8})

	env.blk.RX.HostPublish(7, 99)
	require.ErrorIs(t, env.f.syncTail(env.f.rx, env.blk.RX), ErrSessionBroken)

	require.NoError(t, env.f.Unregister())
	require.NoError(t, env.f.Register(ModeStack))
	require.NoError(t, env.f.Up())
	require.NoError(t, env.f.Submit(env.pkt([]byte{1})))
	<-env.sunk
}

func TestArmOrResume_NoWorkStaysArmed(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{rxSlots: 8})
	f := env.f

	resumed, err := f.armOrResume(f.rx, env.blk.RX, env.blk.SetGuestNeedRxKick, nil, nil)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.True(t, env.blk.GuestNeedRxKick())
}

func TestArmOrResume_WorkInWindowResumes(t *testing.T) {
	// Work published between the last occupancy check and the arm must be
	// picked up without waiting for an interrupt.
	env := newTestEnv(t, testEnvConfig{rxSlots: 8})
	f := env.f

	env.blk.RX.HostPublish(0, 2)
	resumed, err := f.armOrResume(f.rx, env.blk.RX, env.blk.SetGuestNeedRxKick, nil, nil)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.False(t, env.blk.GuestNeedRxKick(), "kick request withdrawn on resume")
	assert.Equal(t, uint32(2), f.rx.Tail)
}

func TestArmOrResume_RefusedLatchStaysArmed(t *testing.T) {
	// If the caller cannot win its scheduling latch back, the kick request
	// must stay up so the pending interrupt takes over.
	env := newTestEnv(t, testEnvConfig{rxSlots: 8})
	f := env.f

	parked := false
	env.blk.RX.HostPublish(0, 2)
	resumed, err := f.armOrResume(f.rx, env.blk.RX, env.blk.SetGuestNeedRxKick,
		func() { parked = true },
		func() bool { return false })
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.True(t, parked)
	assert.True(t, env.blk.GuestNeedRxKick())
}

func TestKick_DroppedAfterClose(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	require.NoError(t, env.f.Close())

	tx, _ := env.b.Kicks()
	env.f.kick(bus.RegTxKick, env.blk.TX, csb.SyncForceReclaim)
	after, _ := env.b.Kicks()
	assert.Equal(t, tx, after)
}
