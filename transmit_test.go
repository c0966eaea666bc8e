package ptnet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/packet"
	"github.com/ptnetmap/ptnet/ring"
	"github.com/ptnetmap/ptnet/util/virtio"
)

func TestSubmit_NotRegistered(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	// Registered but not up.
	require.ErrorIs(t, env.f.Submit(env.pkt([]byte{1})), ErrNotRegistered)
}

func TestSubmit_SingleSlot(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	require.NoError(t, env.f.Up())

	payload := []byte("hello passthrough")
	require.NoError(t, env.f.Submit(env.pkt(payload)))

	got := <-env.sunk
	assert.Equal(t, payload, got.Payload)

	// The backend reclaimed the slot synchronously on the kick.
	assert.Equal(t, env.f.tx.Head, env.f.tx.Cur)
}

func TestSubmit_RingFullAtCapacity(t *testing.T) {
	// A ring of 4 slots holds exactly 3 packets before head meets tail.
	// Clearing the backend's doorbell request suppresses every kick, so
	// nothing drains and the fourth packet hits genuine backpressure.
	env := newTestEnv(t, testEnvConfig{txSlots: 4})
	require.NoError(t, env.f.Up())
	env.blk.SetHostNeedTxKick(false)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.f.Submit(env.pkt([]byte{byte(i)})))
	}
	assert.True(t, env.f.TxPaused())

	dropped := env.f.txDropped.Count()
	require.ErrorIs(t, env.f.Submit(env.pkt([]byte{9})), ErrRingFull)
	assert.Equal(t, dropped+1, env.f.txDropped.Count())
	assert.True(t, env.blk.GuestNeedTxKick())

	// Restore the doorbell request and ring it: the backend drains and
	// the completion interrupt unparks the producer.
	env.blk.SetHostNeedTxKick(true)
	env.b.WriteRegister(bus.RegTxKick, 0)
	<-env.txReady
	assert.False(t, env.f.TxPaused())
	for i := 0; i < 3; i++ {
		<-env.sunk
	}

	// The dropped packet goes through on resubmission.
	require.NoError(t, env.f.Submit(env.pkt([]byte{9})))
	got := <-env.sunk
	assert.Equal(t, []byte{9}, got.Payload)
}

func TestSubmit_StallForcesReclaimKick(t *testing.T) {
	// A burst that fills the ring must still ring the doorbell even
	// though More asked for suppression, or nothing would ever drain.
	// This backend drains synchronously, so the completion interrupt
	// already unparked the producer by the time Submit returns.
	env := newTestEnv(t, testEnvConfig{txSlots: 4})
	require.NoError(t, env.f.Up())

	for i := 0; i < 3; i++ {
		p := env.pkt([]byte{byte(i)})
		p.More = true
		require.NoError(t, env.f.Submit(p))
	}

	<-env.txReady
	assert.False(t, env.f.TxPaused())
	kicks, _ := env.b.Kicks()
	assert.Equal(t, 1, kicks)
	for i := 0; i < 3; i++ {
		<-env.sunk
	}
}

func TestSubmit_MultiSlotSplit(t *testing.T) {
	// 200 bytes over 64-byte slots: four slots, all but the last marked
	// as continuations, head back at zero after the wrap.
	env := newTestEnv(t, testEnvConfig{txSlots: 4, bufSize: 64})
	require.NoError(t, env.f.Up())

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}

	p := env.pkt(payload)
	p.More = true // keep the backend from draining so the slots can be inspected
	require.NoError(t, env.f.Submit(p))

	r := env.f.tx
	assert.Equal(t, uint32(0), r.Head)
	for i := uint32(0); i < 3; i++ {
		assert.Equal(t, ring.SlotFlagMoreFrag, r.Slot(i).Flags, "slot %d", i)
		assert.Equal(t, uint16(64), r.Slot(i).Len, "slot %d", i)
	}
	assert.Equal(t, uint16(0), r.Slot(3).Flags)
	assert.Equal(t, uint16(200-3*64), r.Slot(3).Len)
}

func TestSubmit_ExactSlotMultipleLeavesNoEmptySlot(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{txSlots: 8, bufSize: 64})
	require.NoError(t, env.f.Up())

	for _, k := range []int{1, 2, 3} {
		payload := bytes.Repeat([]byte{0xab}, 64*k)
		p := env.pkt(payload)
		p.More = true

		head := env.f.tx.Head
		require.NoError(t, env.f.Submit(p))

		used := int(env.f.tx.Head-head+uint32(env.f.tx.NumSlots())) % env.f.tx.NumSlots()
		assert.Equal(t, k, used, "payload of %d bytes", 64*k)

		// Drain so the next round starts fresh.
		require.NoError(t, env.f.Submit(env.pkt([]byte{1})))
		<-env.sunk
		<-env.sunk
	}
}

func TestSubmit_ScatterGatherReassembly(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{txSlots: 8, bufSize: 64})
	require.NoError(t, env.f.Up())

	head := []byte("linear-part-")
	f1 := bytes.Repeat([]byte{0x11}, 70)
	f2 := []byte("tail")
	require.NoError(t, env.f.Submit(env.pkt(head, f1, f2)))

	want := append(append(append([]byte(nil), head...), f1...), f2...)
	got := <-env.sunk
	assert.Equal(t, want, got.Payload)
}

func TestSubmit_ZeroLengthFragment(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	require.NoError(t, env.f.Up())

	err := env.f.Submit(env.pkt([]byte("x"), []byte{}))
	require.ErrorIs(t, err, ErrInvalidPacket)
}

func TestSubmit_PacketTooLong(t *testing.T) {
	// A chain may cover the whole ring, so only a payload needing more
	// slots than the ring has is rejected.
	env := newTestEnv(t, testEnvConfig{txSlots: 4, bufSize: 64})
	require.NoError(t, env.f.Up())

	err := env.f.Submit(env.pkt(bytes.Repeat([]byte{1}, 64*4+1)))
	require.ErrorIs(t, err, ErrPacketTooLong)

	// Exactly four slots is still accepted.
	p := env.pkt(bytes.Repeat([]byte{2}, 64*4))
	p.More = true
	require.NoError(t, env.f.Submit(p))
}

func TestSubmit_VNetHeaderMetadata(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{features: virtio.FeatureVNetHdr})
	require.NoError(t, env.f.Up())

	p := env.pkt(bytes.Repeat([]byte{0x42}, 100))
	p.Offload = packet.Offload{
		NeedsCsum:  true,
		CsumStart:  34,
		CsumOffset: 16,
		GSOType:    virtio.NetHdrGSOTCPv4,
		ECN:        true,
		GSOSize:    1448,
		HdrLen:     54,
	}
	require.NoError(t, env.f.Submit(p))

	got := <-env.sunk
	assert.Equal(t, p.Offload, got.Offload)
	assert.Equal(t, bytes.Repeat([]byte{0x42}, 100), got.Payload)
}

func TestSubmit_KickSuppressionWithMore(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	require.NoError(t, env.f.Up())

	before, _ := env.b.Kicks()

	p := env.pkt([]byte{1})
	p.More = true
	require.NoError(t, env.f.Submit(p))
	after, _ := env.b.Kicks()
	assert.Equal(t, before, after, "intra-burst packet must not kick")

	require.NoError(t, env.f.Submit(env.pkt([]byte{2})))
	final, _ := env.b.Kicks()
	assert.Equal(t, before+1, final, "burst end kicks once")
}

func TestSubmit_ResumesAfterBackendReclaim(t *testing.T) {
	// Filling the ring exactly triggers the post-publish stall path, but
	// the synchronous drain on the kick frees the slots in the double
	// check window, so the producer resumes without an interrupt.
	env := newTestEnv(t, testEnvConfig{txSlots: 4})
	require.NoError(t, env.f.Up())

	for i := 0; i < 3; i++ {
		require.NoError(t, env.f.Submit(env.pkt([]byte{byte(i)})))
	}
	assert.False(t, env.f.TxPaused())
}

func TestSubmit_BackpressureRoundTrip(t *testing.T) {
	// Stall the producer on a full ring with the backend quiesced, then
	// let it drain: the completion interrupt must fire OnTxReady, clear
	// the pause and let traffic flow again.
	env := newTestEnv(t, testEnvConfig{txSlots: 4})
	require.NoError(t, env.f.Up())
	env.blk.SetHostNeedTxKick(false)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.f.Submit(env.pkt([]byte{byte(i)})))
	}
	require.ErrorIs(t, env.f.Submit(env.pkt([]byte{9})), ErrRingFull)

	env.blk.SetHostNeedTxKick(true)
	env.b.WriteRegister(bus.RegTxKick, 0)
	<-env.txReady
	assert.False(t, env.f.TxPaused())

	require.NoError(t, env.f.Submit(env.pkt([]byte{10})))
	for i := 0; i < 4; i++ {
		<-env.sunk
	}
}

// byte equality across an interleaved submit/drain sequence
func TestSubmit_StreamEquality(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{txSlots: 8, bufSize: 64})
	require.NoError(t, env.f.Up())

	var want [][]byte
	for i := 0; i < 50; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 1+(i*13)%150)
		p := env.pkt(payload)
		p.More = i%3 != 0 // ring the doorbell only every third packet
		err := env.f.Submit(p)
		if err != nil {
			require.ErrorIs(t, err, ErrRingFull)
			// Backpressure: the rejected packet was dropped. Wait for
			// the completion and resubmit.
			<-env.txReady
			require.NoError(t, env.f.Submit(p))
		}
		want = append(want, payload)
	}
	// Final flush.
	require.NoError(t, env.f.Submit(env.pkt([]byte{0xee})))
	want = append(want, []byte{0xee})

	for i := range want {
		got := <-env.sunk
		assert.Equal(t, want[i], got.Payload, "packet %d", i)
	}
}
