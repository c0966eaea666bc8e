package ptnet

import (
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/csb"
	"github.com/ptnetmap/ptnet/ring"
	"github.com/ptnetmap/ptnet/util/virtio"
)

// runReceiver is the drain loop behind the receive interrupt. Each wakeup
// runs bounded-budget passes until one ends with budget to spare, yielding
// between passes so a flood of completions cannot starve the scheduler.
func (f *Interface) runReceiver(quit, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-quit:
			return
		case <-f.rxWake:
		}

		for {
			select {
			case <-quit:
				return
			default:
			}

			again, err := f.rxPoll(f.rxBudget)
			if err != nil {
				f.l.WithError(err).Error("receive pass aborted")
				return
			}
			if !again {
				break
			}
			runtime.Gosched()
		}
	}
}

// rxPoll drains up to budget packets from the receive ring. It returns true
// when it should run again immediately: either the budget was exhausted
// with work still pending, or new work slipped in between the final
// occupancy check and the interrupt re-arm.
func (f *Interface) rxPoll(budget int) (bool, error) {
	if !f.registered.Load() {
		return false, ErrNotRegistered
	}
	if f.broken.Load() {
		return false, ErrSessionBroken
	}

	r := f.rx

	// Discover the slots the backend completed since the last pass.
	if err := f.syncTail(r, f.csb.RX); err != nil {
		return false, err
	}

	workDone := 0
	for workDone < budget && r.Head != r.Tail {
		if !f.rxOnePacket(r) {
			// Out of packet objects: keep what progress we made and let
			// the next invocation retry.
			break
		}
		workDone++
	}

	reschedule := workDone == budget

	if workDone < budget {
		// No more completed slots. Re-enable notifications and leave
		// polling mode, unless the double check finds work that arrived
		// in the window and we win the scheduling latch back.
		resumed, err := f.armOrResume(r, f.csb.RX, f.csb.SetGuestNeedRxKick,
			func() { f.rxScheduled.Store(false) },
			func() bool { return f.rxScheduled.CompareAndSwap(false, true) })
		if err != nil {
			return false, err
		}
		if resumed {
			f.rxResumes.Inc(1)
			reschedule = true
		}
	}

	if workDone > 0 {
		// Tell the backend about the refilled slots, and kick it if it
		// asked to hear about them.
		f.publish(r, f.csb.RX)
		if f.csb.HostNeedRxKick() {
			f.kick(bus.RegRxKick, f.csb.RX, csb.SyncForceRead)
			f.rxKicks.Inc(1)
		}
	}

	return reschedule, nil
}

// rxOnePacket consumes one packet from the ring: the first slot (minus the
// header record, when negotiated) plus every following slot marked "more
// fragments". It reports false when a packet object could not be obtained;
// the triggering slot chain is abandoned, as the contract demands partial
// progress over indefinite retry.
func (f *Interface) rxOnePacket(r *ring.Ring) bool {
	slot := r.Slot(r.Head)
	buf := r.Buf(r.Head)
	r.Head = r.Next(r.Head)
	r.Cur = r.Head

	data := buf[:slot.Len]
	more := slot.Flags&ring.SlotFlagMoreFrag != 0

	var hdr virtio.NetHdr
	haveHdr := f.features.Has(virtio.FeatureVNetHdr)
	if haveHdr {
		if hdr.Decode(data) != nil {
			// A first slot shorter than the header record means the
			// backend wrote garbage; drop the chain.
			f.rxDropped.Inc(1)
			f.skipChain(r, more)
			return true
		}
		data = data[virtio.NetHdrSize:]
	}

	pkt := f.pool.Get()
	if pkt == nil {
		f.rxDropped.Inc(1)
		f.skipChain(r, more)
		if f.l.Level >= logrus.DebugLevel {
			f.l.Debug("packet pool exhausted, ending receive pass early")
		}
		return false
	}

	n := copy(pkt.Buf, data)
	truncated := n < len(data)

	// Concatenate continuation slots until one without the flag ends the
	// chain. The header record only ever describes the first slot's
	// chain as a whole.
	for more && r.Head != r.Tail {
		slot = r.Slot(r.Head)
		buf = r.Buf(r.Head)
		r.Head = r.Next(r.Head)
		r.Cur = r.Head

		c := copy(pkt.Buf[n:], buf[:slot.Len])
		n += c
		if c < int(slot.Len) {
			truncated = true
		}
		more = slot.Flags&ring.SlotFlagMoreFrag != 0
	}

	if more || truncated {
		// Either the chain was cut short by the ring (backend published a
		// partial packet) or the payload outgrew the packet buffer.
		pkt.Release()
		f.rxDropped.Inc(1)
		return true
	}

	pkt.Len = n
	if haveHdr {
		pkt.Offload.FromNetHdr(&hdr)
	}

	f.rxPackets.Inc(1)
	f.rxBytes.Inc(int64(n))
	f.deliver(pkt)

	return true
}

// skipChain advances past the continuation slots of a packet whose first
// slot was unusable.
func (f *Interface) skipChain(r *ring.Ring, more bool) {
	for more && r.Head != r.Tail {
		slot := r.Slot(r.Head)
		r.Head = r.Next(r.Head)
		r.Cur = r.Head
		more = slot.Flags&ring.SlotFlagMoreFrag != 0
	}
}
