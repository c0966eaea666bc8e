package csb

import (
	"sync/atomic"
	"unsafe"
)

// Sync flags stored next to a kick so the backend knows why it was poked.
const (
	// SyncForceReclaim asks the backend to reclaim completed transmit slots
	// even when it would otherwise batch.
	SyncForceReclaim uint32 = 1 << 0

	// SyncForceRead asks the backend to re-read replenished receive slots
	// immediately.
	SyncForceRead uint32 = 1 << 1
)

// ringBlockSize is the number of bytes one [RingBlock] occupies in the
// shared block: head, cur, tail, hwcur, hwtail and syncFlags, one 32-bit
// word each.
const ringBlockSize = 24

// RingBlock is the per-ring cursor sub-block of the CSB. The guest publishes
// cur/head, the backend publishes hwcur/hwtail; tail is only written during
// registration, when the backend seeds the initial cursor values.
//
// The size of the block is fixed, but the memory belongs to the backend
// mapping, so this struct only holds pointers into it, in the same way the
// ring structures do.
type RingBlock struct {
	head      *uint32
	cur       *uint32
	tail      *uint32
	hwcur     *uint32
	hwtail    *uint32
	syncFlags *uint32
}

// newRingBlock builds a cursor view over the given memory. The slice must be
// exactly ringBlockSize bytes.
func newRingBlock(mem []byte) *RingBlock {
	if len(mem) != ringBlockSize {
		panic("csb: ring block memory size mismatch")
	}

	return &RingBlock{
		head:      (*uint32)(unsafe.Pointer(&mem[0])),
		cur:       (*uint32)(unsafe.Pointer(&mem[4])),
		tail:      (*uint32)(unsafe.Pointer(&mem[8])),
		hwcur:     (*uint32)(unsafe.Pointer(&mem[12])),
		hwtail:    (*uint32)(unsafe.Pointer(&mem[16])),
		syncFlags: (*uint32)(unsafe.Pointer(&mem[20])),
	}
}

// PublishCurHead makes newly produced (or consumed-and-replenished) slots
// visible to the backend. Callers must have finished writing slot contents
// before calling this; the cursor store is what exposes the slots.
func (b *RingBlock) PublishCurHead(cur, head uint32) {
	atomic.StoreUint32(b.cur, cur)
	atomic.StoreUint32(b.head, head)
}

// PullHost reads the backend's latest authoritative cursors.
func (b *RingBlock) PullHost() (hwcur, hwtail uint32) {
	return atomic.LoadUint32(b.hwcur), atomic.LoadUint32(b.hwtail)
}

// SetSyncFlags stores the reason for the kick that is about to be issued.
func (b *RingBlock) SetSyncFlags(flags uint32) {
	atomic.StoreUint32(b.syncFlags, flags)
}

// SyncFlags returns the last stored sync flags.
func (b *RingBlock) SyncFlags() uint32 {
	return atomic.LoadUint32(b.syncFlags)
}

// Seed returns the cursor values published by the backend during
// registration. This is the only legitimate source for the guest's initial
// ring state.
func (b *RingBlock) Seed() (head, cur, hwcur, hwtail uint32) {
	return atomic.LoadUint32(b.head), atomic.LoadUint32(b.cur),
		atomic.LoadUint32(b.hwcur), atomic.LoadUint32(b.hwtail)
}

// Backend-side accessors. The guest never calls these; they exist for the
// host half of the protocol (emulators, tests).

// HostPublish stores the backend's authoritative cursors.
func (b *RingBlock) HostPublish(hwcur, hwtail uint32) {
	atomic.StoreUint32(b.hwcur, hwcur)
	atomic.StoreUint32(b.hwtail, hwtail)
}

// HostPull reads the cursors last published by the guest.
func (b *RingBlock) HostPull() (cur, head uint32) {
	return atomic.LoadUint32(b.cur), atomic.LoadUint32(b.head)
}

// HostSeed writes the full initial cursor state during registration.
func (b *RingBlock) HostSeed(head, cur, hwcur, hwtail, tail uint32) {
	atomic.StoreUint32(b.head, head)
	atomic.StoreUint32(b.cur, cur)
	atomic.StoreUint32(b.hwcur, hwcur)
	atomic.StoreUint32(b.hwtail, hwtail)
	atomic.StoreUint32(b.tail, tail)
}
