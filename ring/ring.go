// Package ring implements the guest side of one shared slot ring. The slot
// array and the per-slot buffer arena live in memory shared with the
// backend; the cursors kept on the [Ring] struct itself are guest-local and
// only ever reconciled with the backend through the control/status block.
package ring

import (
	"errors"
	"fmt"
	"unsafe"
)

// SlotSize is the number of bytes one [Slot] occupies in shared memory.
const SlotSize = 8

// SlotFlagMoreFrag marks a slot whose packet continues in the next slot.
// Every slot of a multi-slot packet carries it except the last.
const SlotFlagMoreFrag uint16 = 1 << 0

// Slot is one ring cell. Slots are allocated statically at ring creation and
// reused on every wrap; the producer overwrites a slot completely before
// exposing it, and the consumer must treat it as stale once drained.
type Slot struct {
	// BufIdx picks the slot's window in the buffer arena.
	BufIdx uint32
	// Len is the number of valid payload bytes in the buffer.
	Len uint16
	// Flags holds SlotFlag* bits.
	Flags uint16
}

// ErrRingSizeInvalid is returned when a ring geometry is invalid.
var ErrRingSizeInvalid = errors.New("ring size is invalid")

// CheckRingSize checks if the given value would be a valid slot count for a
// ring and returns an [ErrRingSizeInvalid], if not.
func CheckRingSize(nslots int) error {
	// One slot is permanently reserved to tell a full ring from an empty
	// one, so anything below two slots cannot hold a packet.
	if nslots < 2 {
		return fmt.Errorf("%w: %d is too small", ErrRingSizeInvalid, nslots)
	}

	// Cursors are exchanged as 32-bit words but the index space must stay
	// well clear of wrap-around arithmetic pitfalls.
	if nslots > 32768 {
		return fmt.Errorf("%w: %d is larger than the maximum possible ring size 32768",
			ErrRingSizeInvalid, nslots)
	}

	return nil
}

// MemSize is the number of bytes of shared memory needed for a ring with the
// given geometry: the slot array followed by the buffer arena.
func MemSize(nslots, bufSize int) int {
	return nslots*SlotSize + nslots*bufSize
}

// Ring is the guest view of one direction's shared ring.
//
// Head is the next slot the producer may fill, Cur is the staging cursor the
// backend expects to match Head after a burst, Tail is the last slot
// available for consumption. HwCur and HwTail mirror the backend's
// authoritative cursors as last observed through the CSB. All five are in
// [0, NumSlots).
type Ring struct {
	initialized bool

	nslots  int
	bufSize int

	// slots and buf are views into the shared memory region.
	slots []Slot
	buf   []byte

	Head   uint32
	Cur    uint32
	Tail   uint32
	HwCur  uint32
	HwTail uint32
}

// New builds a ring view over the given shared memory. The slice length must
// match [MemSize] for the geometry. The slot array is initialized so slot i
// owns window i of the arena.
func New(nslots, bufSize int, mem []byte) (*Ring, error) {
	if err := CheckRingSize(nslots); err != nil {
		return nil, err
	}
	if bufSize <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrRingSizeInvalid, bufSize)
	}
	if len(mem) != MemSize(nslots, bufSize) {
		return nil, fmt.Errorf("ring: memory size (%d) does not match required size %d",
			len(mem), MemSize(nslots, bufSize))
	}

	r := &Ring{
		initialized: true,
		nslots:      nslots,
		bufSize:     bufSize,
		slots:       unsafe.Slice((*Slot)(unsafe.Pointer(&mem[0])), nslots),
		buf:         mem[nslots*SlotSize:],
	}

	for i := range r.slots {
		r.slots[i] = Slot{BufIdx: uint32(i)}
	}

	return r, nil
}

// NumSlots returns the ring's slot count.
func (r *Ring) NumSlots() int { return r.nslots }

// BufSize returns the per-slot payload capacity in bytes.
func (r *Ring) BufSize() int { return r.bufSize }

// Capacity returns the number of usable slots. One slot stays reserved so a
// full ring is distinguishable from an empty one.
func (r *Ring) Capacity() int { return r.nslots - 1 }

// Next returns the slot index after i, wrapping at the ring size.
func (r *Ring) Next(i uint32) uint32 {
	if int(i)+1 == r.nslots {
		return 0
	}
	return i + 1
}

// ValidIndex reports whether i is inside the ring's index space. A cursor
// outside it means the shared-memory contract was corrupted.
func (r *Ring) ValidIndex(i uint32) bool {
	return int(i) < r.nslots
}

// Slot returns the shared slot at index i for reading or rewriting.
func (r *Ring) Slot(i uint32) *Slot {
	return &r.slots[i]
}

// Buf returns the full arena window belonging to the slot at index i. The
// slot's Len says how much of it holds valid payload.
func (r *Ring) Buf(i uint32) []byte {
	s := &r.slots[i]
	start := int(s.BufIdx) * r.bufSize
	return r.buf[start : start+r.bufSize]
}

// SeedCursors initializes the local cursor set from backend-published
// values. This runs once per registration; local cursors must never be
// zeroed independently of the backend's view.
func (r *Ring) SeedCursors(head, cur, hwcur, hwtail uint32) {
	r.Head = head
	r.Cur = cur
	r.HwCur = hwcur
	r.HwTail = hwtail
	r.Tail = hwtail
}
