// Package packet defines the packet object exchanged across the engine's
// upward interface, together with a bounded pool that backs the receive
// path. The pool is deliberately finite: running out of packet objects is
// the receive path's resource-exhaustion signal, answered by ending the
// drain cycle early rather than blocking or panicking.
package packet

import (
	"sync"

	"github.com/ptnetmap/ptnet/util/virtio"
)

// Offload carries the checksum and segmentation metadata that travels with
// a packet. It is the in-memory twin of [virtio.NetHdr]: the transmit path
// encodes it into the first slot, the receive path reconstructs it from
// there.
type Offload struct {
	// NeedsCsum marks a partial checksum: the bytes from CsumStart on must
	// be checksummed and the result stored CsumOffset bytes later.
	NeedsCsum  bool
	CsumStart  uint16
	CsumOffset uint16
	// CsumValid marks a received packet whose checksum the backend already
	// verified.
	CsumValid bool

	// GSOType is one of virtio.NetHdrGSO* (without the ECN bit).
	GSOType uint8
	// ECN is set when the segmented protocol had explicit congestion
	// notification enabled.
	ECN     bool
	GSOSize uint16
	HdrLen  uint16
}

// ToNetHdr encodes the metadata as a wire header record.
func (o *Offload) ToNetHdr() virtio.NetHdr {
	var h virtio.NetHdr
	if o.NeedsCsum {
		h.Flags = virtio.NetHdrFNeedsCsum
		h.CsumStart = o.CsumStart
		h.CsumOffset = o.CsumOffset
	} else if o.CsumValid {
		h.Flags = virtio.NetHdrFDataValid
	}
	h.GSOType = o.GSOType
	if o.GSOType != virtio.NetHdrGSONone {
		if o.ECN {
			h.GSOType |= virtio.NetHdrGSOECN
		}
		h.GSOSize = o.GSOSize
		h.HdrLen = o.HdrLen
	}
	return h
}

// FromNetHdr fills the metadata from a wire header record.
func (o *Offload) FromNetHdr(h *virtio.NetHdr) {
	*o = Offload{}
	if h.Flags&virtio.NetHdrFNeedsCsum != 0 {
		o.NeedsCsum = true
		o.CsumStart = h.CsumStart
		o.CsumOffset = h.CsumOffset
	} else if h.Flags&virtio.NetHdrFDataValid != 0 {
		o.CsumValid = true
	}
	if gso := h.GSOType &^ virtio.NetHdrGSOECN; gso != virtio.NetHdrGSONone {
		o.GSOType = gso
		o.ECN = h.GSOType&virtio.NetHdrGSOECN != 0
		o.GSOSize = h.GSOSize
		o.HdrLen = h.HdrLen
	}
}

// Packet is one packet crossing the engine boundary.
//
// On transmit, Buf[:Len] is the contiguous head of the payload and Frags
// holds any additional discontiguous fragments, in order. Fragments must
// never be empty. On receive, the engine reassembles the whole payload into
// Buf and leaves Frags empty.
type Packet struct {
	Buf   []byte
	Len   int
	Frags [][]byte

	Offload Offload

	// More hints that the producer has further packets queued in the same
	// burst, letting the transmit path defer the doorbell.
	More bool

	pool *Pool
}

// Payload returns the valid bytes of the contiguous head.
func (p *Packet) Payload() []byte {
	return p.Buf[:p.Len]
}

// TotalLen returns the payload length across head and fragments.
func (p *Packet) TotalLen() int {
	n := p.Len
	for _, f := range p.Frags {
		n += len(f)
	}
	return n
}

// Reset clears the packet for reuse, keeping the backing buffer.
func (p *Packet) Reset() {
	p.Len = 0
	p.Frags = p.Frags[:0]
	p.Offload = Offload{}
	p.More = false
}

// Release returns a pooled packet to its pool. Releasing a packet that was
// not pool-allocated is a no-op.
func (p *Packet) Release() {
	if p.pool != nil {
		p.pool.put(p)
	}
}

// Pool is a bounded free list of packets with fixed-capacity buffers.
type Pool struct {
	mu     sync.Mutex
	free   []*Packet
	bufCap int
}

// NewPool creates a pool holding count packets of bufCap payload bytes each.
func NewPool(count, bufCap int) *Pool {
	p := &Pool{
		free:   make([]*Packet, 0, count),
		bufCap: bufCap,
	}
	for i := 0; i < count; i++ {
		p.free = append(p.free, &Packet{Buf: make([]byte, bufCap), pool: p})
	}
	return p
}

// Get removes a packet from the pool. It returns nil when the pool is
// exhausted; callers treat that as transient resource pressure.
func (p *Pool) Get() *Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return nil
	}
	pkt := p.free[n-1]
	p.free = p.free[:n-1]
	return pkt
}

// BufCap returns the payload capacity of pooled packets.
func (p *Pool) BufCap() int { return p.bufCap }

func (p *Pool) put(pkt *Packet) {
	pkt.Reset()
	p.mu.Lock()
	p.free = append(p.free, pkt)
	p.mu.Unlock()
}
