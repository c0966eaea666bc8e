package ptnet

import (
	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/csb"
	"github.com/ptnetmap/ptnet/ring"
)

// syncTail pulls the backend's authoritative cursors for one ring out of the
// CSB and folds them into the local view. Setting tail from hwtail is the
// only way backend progress ever becomes visible to the guest, so this runs
// before every produce or consume pass and a second time whenever
// notifications are about to be re-armed.
func (f *Interface) syncTail(r *ring.Ring, blk *csb.RingBlock) error {
	hwcur, hwtail := blk.PullHost()
	if !r.ValidIndex(hwcur) {
		f.breakSession()
		return invalidCursorError(f.ringName(r), "hwcur", hwcur, uint32(r.NumSlots()))
	}
	if !r.ValidIndex(hwtail) {
		f.breakSession()
		return invalidCursorError(f.ringName(r), "hwtail", hwtail, uint32(r.NumSlots()))
	}

	r.HwCur = hwcur
	r.HwTail = hwtail
	r.Tail = hwtail
	return nil
}

// publish exposes newly produced (TX) or replenished (RX) slots to the
// backend. Slot contents must be fully written before this runs; the cursor
// store is the release point the backend synchronizes on.
func (f *Interface) publish(r *ring.Ring, blk *csb.RingBlock) {
	blk.PublishCurHead(r.Cur, r.Head)
}

// kick rings the backend's doorbell, first recording why. Kicks issued
// after the session has been torn down are dropped.
func (f *Interface) kick(reg bus.Register, blk *csb.RingBlock, syncFlags uint32) {
	if f.closed.Load() {
		return
	}
	blk.SetSyncFlags(syncFlags)
	f.bus.WriteRegister(reg, 0)
}

// armOrResume is the shared lost-wakeup double check used when either
// datapath runs out of work: arm the guest-side kick request, optionally
// park (the receive path releases its scheduling latch here), then pull
// peer state one more time. If work appeared in the window between the last
// occupancy check and the arm, the kick request is withdrawn and the caller
// continues immediately instead of waiting for an interrupt that the
// backend, having seen no sleep intent yet, might never send.
//
// tryResume lets the caller refuse the resume (the receive path must win
// its scheduling latch back first); the kick request then stays armed and
// the pending interrupt picks the work up.
func (f *Interface) armOrResume(r *ring.Ring, blk *csb.RingBlock, arm func(bool), park func(), tryResume func() bool) (bool, error) {
	arm(true)
	if park != nil {
		park()
	}

	if err := f.syncTail(r, blk); err != nil {
		return false, err
	}
	if r.Head == r.Tail {
		return false, nil
	}

	if tryResume != nil && !tryResume() {
		return false, nil
	}
	arm(false)
	return true, nil
}

// breakSession latches the invariant-violation state. Datapath calls fail
// with ErrSessionBroken until the interface is re-registered.
func (f *Interface) breakSession() {
	if f.broken.CompareAndSwap(false, true) {
		f.l.Error("backend published a cursor outside the ring, session broken")
	}
}

func (f *Interface) ringName(r *ring.Ring) string {
	if r == f.tx {
		return "tx"
	}
	return "rx"
}
