package ptnet

import (
	"fmt"

	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/csb"
	"github.com/ptnetmap/ptnet/packet"
	"github.com/ptnetmap/ptnet/ring"
	"github.com/ptnetmap/ptnet/util/virtio"
)

// Submit places one outbound packet on the transmit ring, splitting it
// across as many slots as its payload needs, and rings the backend's
// doorbell when the backend asked for one.
//
// ErrRingFull is a backpressure signal, not a failure: the completion
// interrupt has been armed and OnTxReady will fire once slots free up.
// Exactly one goroutine may call Submit at a time.
func (f *Interface) Submit(p *packet.Packet) error {
	if !f.registered.Load() || !f.up.Load() {
		return ErrNotRegistered
	}
	if f.broken.Load() {
		return ErrSessionBroken
	}

	r := f.tx

	// Reclaim the slots the backend finished transmitting.
	if err := f.syncTail(r, f.csb.TX); err != nil {
		return err
	}

	if r.Head == r.Tail {
		// Arm the completion interrupt and look once more; the backend
		// may have freed slots between the pull above and now.
		resumed, err := f.armOrResume(r, f.csb.TX, f.csb.SetGuestNeedTxKick, nil, nil)
		if err != nil {
			return err
		}
		if !resumed {
			f.txPaused.Store(true)
			f.txDropped.Inc(1)
			// Any burst promise from earlier packets is void now: make
			// sure the backend gets told to reclaim, or nothing ever
			// wakes the producer again.
			if f.csb.HostNeedTxKick() {
				f.kick(bus.RegTxKick, f.csb.TX, csb.SyncForceReclaim)
				f.txKicks.Inc(1)
			}
			return ErrRingFull
		}
	}

	total := p.TotalLen()
	if err := f.checkTxPacket(p, total); err != nil {
		return err
	}

	slot := r.Slot(r.Head)
	buf := r.Buf(r.Head)
	used := 0

	// The header record rides in front of the payload in the first slot.
	if f.features.Has(virtio.FeatureVNetHdr) {
		hdr := p.Offload.ToNetHdr()
		if err := hdr.Encode(buf); err != nil {
			return err
		}
		used = virtio.NetHdrSize
	}

	// Contiguous head first, then each scatter-gather fragment, packed
	// back to back. A slot is finalized and marked "more fragments" each
	// time it fills up with payload still left to copy.
	slot, buf, used = f.copySegment(r, p.Payload(), slot, buf, used)
	for _, frag := range p.Frags {
		slot, buf, used = f.copySegment(r, frag, slot, buf, used)
	}

	// The last slot of the packet carries no continuation flag; only its
	// cursor advance makes the whole chain visible.
	slot.Len = uint16(used)
	slot.Flags = 0
	r.Head = r.Next(r.Head)
	r.Cur = r.Head

	f.publish(r, f.csb.TX)

	// A missed read of the backend's hint only delays this kick; the
	// backend re-checks the ring before sleeping.
	kicked := false
	if f.csb.HostNeedTxKick() && !p.More {
		f.kick(bus.RegTxKick, f.csb.TX, csb.SyncForceReclaim)
		f.txKicks.Inc(1)
		kicked = true
	}

	if r.Head == r.Tail {
		// Out of slots for further transmissions: pause the producer and
		// arm the completion interrupt, double checking for space that
		// appeared in the meanwhile.
		f.txPaused.Store(true)
		f.txStalls.Inc(1)
		resumed, err := f.armOrResume(r, f.csb.TX, f.csb.SetGuestNeedTxKick, nil, nil)
		if err != nil {
			return err
		}
		if resumed {
			f.txPaused.Store(false)
		} else if !kicked && f.csb.HostNeedTxKick() {
			// Stalling overrides the caller's burst intent.
			f.kick(bus.RegTxKick, f.csb.TX, csb.SyncForceReclaim)
			f.txKicks.Inc(1)
		}
	}

	f.txPackets.Inc(1)
	f.txBytes.Inc(int64(total))

	return nil
}

// TxPaused reports whether the producer is stalled waiting for the backend
// to reclaim transmit slots.
func (f *Interface) TxPaused() bool { return f.txPaused.Load() }

func (f *Interface) checkTxPacket(p *packet.Packet, total int) error {
	for _, frag := range p.Frags {
		if len(frag) == 0 {
			return fmt.Errorf("%w: zero-length fragment", ErrInvalidPacket)
		}
	}

	need := total
	if f.features.Has(virtio.FeatureVNetHdr) {
		need += virtio.NetHdrSize
	}
	slots := (need + f.tx.BufSize() - 1) / f.tx.BufSize()
	if slots == 0 {
		slots = 1
	}
	// The split loop may legitimately use every slot of the ring for a
	// single chain; only a packet needing more than that can never fit.
	if slots > f.tx.NumSlots() {
		return fmt.Errorf("%w: %d bytes need %d slots, ring has %d",
			ErrPacketTooLong, total, slots, f.tx.NumSlots())
	}

	return nil
}

// copySegment copies one contiguous payload segment into the ring,
// finalizing and advancing past every slot it fills. It returns the current
// slot, its buffer and the write offset within it, so segments of the same
// packet pack together instead of each starting a fresh slot.
func (f *Interface) copySegment(r *ring.Ring, data []byte, slot *ring.Slot, buf []byte, used int) (*ring.Slot, []byte, int) {
	for {
		n := copy(buf[used:], data)
		data = data[n:]
		used += n

		if len(data) == 0 {
			return slot, buf, used
		}

		slot.Len = uint16(used)
		slot.Flags = ring.SlotFlagMoreFrag
		r.Head = r.Next(r.Head)
		r.Cur = r.Head
		slot = r.Slot(r.Head)
		buf = r.Buf(r.Head)
		used = 0
	}
}
