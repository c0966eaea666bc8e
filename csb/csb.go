package csb

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Memory layout of the shared block. All fields are 32-bit words.
const (
	txRingOffset      = 0
	rxRingOffset      = txRingOffset + ringBlockSize
	guestTxKickOffset = rxRingOffset + ringBlockSize
	guestRxKickOffset = guestTxKickOffset + 4
	hostTxKickOffset  = guestRxKickOffset + 4
	hostRxKickOffset  = hostTxKickOffset + 4
	guestOnOffset     = hostRxKickOffset + 4
	numTxRingsOffset  = guestOnOffset + 4
	numRxRingsOffset  = numTxRingsOffset + 4
	numTxSlotsOffset  = numRxRingsOffset + 4
	numRxSlotsOffset  = numTxSlotsOffset + 4

	// Size is the number of bytes a [Block] occupies in shared memory. The
	// trailing pad keeps the block 8-byte aligned for both endpoints.
	Size = (numRxSlotsOffset + 4 + 7) &^ 7
)

// Geometry is the ring layout the backend publishes after a CONFIG control
// operation.
type Geometry struct {
	NumTxRings uint32
	NumRxRings uint32
	NumTxSlots uint32
	NumRxSlots uint32
}

// Block is the guest view of the control/status block. TX and RX are the
// per-ring cursor sub-blocks; the remaining words are session flags and ring
// geometry.
//
// The four kick-request words are best-effort hints. A lost update costs at
// most one spurious kick or one extra poll pass, never a stall: both
// endpoints re-check ring state after arming them.
type Block struct {
	initialized bool

	TX *RingBlock
	RX *RingBlock

	guestTxKick *uint32
	guestRxKick *uint32
	hostTxKick  *uint32
	hostRxKick  *uint32
	guestOn     *uint32

	numTxRings *uint32
	numRxRings *uint32
	numTxSlots *uint32
	numRxSlots *uint32
}

// New builds a block view over the given shared memory. The slice must be
// exactly [Size] bytes.
func New(mem []byte) (*Block, error) {
	if len(mem) != Size {
		return nil, fmt.Errorf("csb: memory size (%d) does not match required block size %d", len(mem), Size)
	}

	return &Block{
		initialized: true,
		TX:          newRingBlock(mem[txRingOffset : txRingOffset+ringBlockSize]),
		RX:          newRingBlock(mem[rxRingOffset : rxRingOffset+ringBlockSize]),
		guestTxKick: (*uint32)(unsafe.Pointer(&mem[guestTxKickOffset])),
		guestRxKick: (*uint32)(unsafe.Pointer(&mem[guestRxKickOffset])),
		hostTxKick:  (*uint32)(unsafe.Pointer(&mem[hostTxKickOffset])),
		hostRxKick:  (*uint32)(unsafe.Pointer(&mem[hostRxKickOffset])),
		guestOn:     (*uint32)(unsafe.Pointer(&mem[guestOnOffset])),
		numTxRings:  (*uint32)(unsafe.Pointer(&mem[numTxRingsOffset])),
		numRxRings:  (*uint32)(unsafe.Pointer(&mem[numRxRingsOffset])),
		numTxSlots:  (*uint32)(unsafe.Pointer(&mem[numTxSlotsOffset])),
		numRxSlots:  (*uint32)(unsafe.Pointer(&mem[numRxSlotsOffset])),
	}, nil
}

func storeBool(p *uint32, v bool) {
	var w uint32
	if v {
		w = 1
	}
	atomic.StoreUint32(p, w)
}

func loadBool(p *uint32) bool {
	return atomic.LoadUint32(p) != 0
}

// SetGuestNeedTxKick arms (or disarms) the guest's request for a transmit
// completion interrupt.
func (b *Block) SetGuestNeedTxKick(v bool) { storeBool(b.guestTxKick, v) }

// GuestNeedTxKick reports whether the guest asked for a transmit interrupt.
func (b *Block) GuestNeedTxKick() bool { return loadBool(b.guestTxKick) }

// SetGuestNeedRxKick arms (or disarms) the guest's request for a receive
// interrupt.
func (b *Block) SetGuestNeedRxKick(v bool) { storeBool(b.guestRxKick, v) }

// GuestNeedRxKick reports whether the guest asked for a receive interrupt.
func (b *Block) GuestNeedRxKick() bool { return loadBool(b.guestRxKick) }

// HostNeedTxKick reports whether the backend wants a doorbell after new
// transmit work was published.
func (b *Block) HostNeedTxKick() bool { return loadBool(b.hostTxKick) }

// HostNeedRxKick reports whether the backend wants a doorbell after receive
// slots were replenished.
func (b *Block) HostNeedRxKick() bool { return loadBool(b.hostRxKick) }

// SetHostNeedTxKick is the backend side of [Block.HostNeedTxKick].
func (b *Block) SetHostNeedTxKick(v bool) { storeBool(b.hostTxKick, v) }

// SetHostNeedRxKick is the backend side of [Block.HostNeedRxKick].
func (b *Block) SetHostNeedRxKick(v bool) { storeBool(b.hostRxKick, v) }

// SetGuestOn flips the session liveness flag.
func (b *Block) SetGuestOn(v bool) { storeBool(b.guestOn, v) }

// GuestOn reports whether the guest currently considers the session live.
func (b *Block) GuestOn() bool { return loadBool(b.guestOn) }

// Geometry returns the ring layout last published by the backend.
func (b *Block) Geometry() Geometry {
	return Geometry{
		NumTxRings: atomic.LoadUint32(b.numTxRings),
		NumRxRings: atomic.LoadUint32(b.numRxRings),
		NumTxSlots: atomic.LoadUint32(b.numTxSlots),
		NumRxSlots: atomic.LoadUint32(b.numRxSlots),
	}
}

// SetGeometry is the backend side of [Block.Geometry].
func (b *Block) SetGeometry(g Geometry) {
	atomic.StoreUint32(b.numTxRings, g.NumTxRings)
	atomic.StoreUint32(b.numRxRings, g.NumRxRings)
	atomic.StoreUint32(b.numTxSlots, g.NumTxSlots)
	atomic.StoreUint32(b.numRxSlots, g.NumRxSlots)
}
