package csb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlock_MemoryLayout(t *testing.T) {
	mem := make([]byte, Size)
	b, err := New(mem)
	require.NoError(t, err)

	b.TX.PublishCurHead(0x0102, 0x0304)
	b.RX.HostPublish(0x0506, 0x0708)
	b.SetGuestNeedRxKick(true)
	b.SetHostNeedTxKick(true)
	b.SetGuestOn(true)
	b.SetGeometry(Geometry{NumTxRings: 1, NumRxRings: 1, NumTxSlots: 256, NumRxSlots: 512})

	// TX block: head, cur at offsets 0 and 4.
	assert.Equal(t, []byte{0x04, 0x03, 0x00, 0x00, 0x02, 0x01, 0x00, 0x00}, mem[0:8])
	// RX block: hwcur, hwtail at offsets 12 and 16 within the block.
	assert.Equal(t, []byte{0x06, 0x05, 0x00, 0x00, 0x08, 0x07, 0x00, 0x00}, mem[rxRingOffset+12:rxRingOffset+20])

	assert.Equal(t, byte(0), mem[guestTxKickOffset])
	assert.Equal(t, byte(1), mem[guestRxKickOffset])
	assert.Equal(t, byte(1), mem[hostTxKickOffset])
	assert.Equal(t, byte(0), mem[hostRxKickOffset])
	assert.Equal(t, byte(1), mem[guestOnOffset])

	assert.Equal(t, []byte{0x00, 0x01}, mem[numTxSlotsOffset:numTxSlotsOffset+2])
	assert.Equal(t, []byte{0x00, 0x02}, mem[numRxSlotsOffset:numRxSlotsOffset+2])
}

func TestBlock_SizeMismatch(t *testing.T) {
	_, err := New(make([]byte, Size-1))
	assert.Error(t, err)
}

func TestRingBlock_PullIsIdempotent(t *testing.T) {
	mem := make([]byte, Size)
	b, err := New(mem)
	require.NoError(t, err)

	b.TX.HostPublish(3, 7)

	hwcur, hwtail := b.TX.PullHost()
	assert.Equal(t, uint32(3), hwcur)
	assert.Equal(t, uint32(7), hwtail)

	// No peer activity in between: a second pull observes the same state.
	hwcur, hwtail = b.TX.PullHost()
	assert.Equal(t, uint32(3), hwcur)
	assert.Equal(t, uint32(7), hwtail)
}

func TestRingBlock_Seed(t *testing.T) {
	mem := make([]byte, Size)
	b, err := New(mem)
	require.NoError(t, err)

	b.RX.HostSeed(1, 2, 3, 4, 4)

	head, cur, hwcur, hwtail := b.RX.Seed()
	assert.Equal(t, uint32(1), head)
	assert.Equal(t, uint32(2), cur)
	assert.Equal(t, uint32(3), hwcur)
	assert.Equal(t, uint32(4), hwtail)
}

func TestBlock_SyncFlags(t *testing.T) {
	mem := make([]byte, Size)
	b, err := New(mem)
	require.NoError(t, err)

	b.TX.SetSyncFlags(SyncForceReclaim)
	assert.Equal(t, SyncForceReclaim, b.TX.SyncFlags())
	b.RX.SetSyncFlags(SyncForceRead)
	assert.Equal(t, SyncForceRead, b.RX.SyncFlags())
}
