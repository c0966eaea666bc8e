package ptnet

// The two methods below are the interrupt entry points the transport
// invokes; together they satisfy bus.IntrSink. Both must stay cheap and
// non-blocking, since the transport may call them from its own hot path.

// TxIntr handles a transmit completion notification. No ring work happens
// here: completed slots are reclaimed by the next Submit. The only job is
// to resume a producer that paused on a full ring.
func (f *Interface) TxIntr() {
	if !f.up.Load() {
		return
	}

	if f.txPaused.CompareAndSwap(true, false) {
		f.csb.SetGuestNeedTxKick(false)
		if f.onTxReady != nil {
			f.onTxReady()
		}
	}
}

// RxIntr handles a receive notification by scheduling a drain pass. When
// the latch is already held a pass is running or pending and will observe
// the new work itself; the kick request is left armed so nothing is lost
// if that pass is just finishing.
func (f *Interface) RxIntr() {
	if !f.up.Load() {
		return
	}

	if f.rxScheduled.CompareAndSwap(false, true) {
		// Withdraw the kick request as soon as possible; we are awake.
		f.csb.SetGuestNeedRxKick(false)
		select {
		case f.rxWake <- struct{}{}:
		default:
		}
	} else {
		f.csb.SetGuestNeedRxKick(true)
	}
}
