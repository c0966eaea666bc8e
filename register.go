package ptnet

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/csb"
	"github.com/ptnetmap/ptnet/ring"
)

// Mode says which path owns the rings while registered.
type Mode int

const (
	// ModeNone means the rings are not registered with the backend.
	ModeNone Mode = iota
	// ModeStack hands the rings to the host networking stack path.
	ModeStack
	// ModeBypass hands the rings to the raw bypass path, cutting the
	// stack out entirely.
	ModeBypass
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeStack:
		return "stack"
	case ModeBypass:
		return "bypass"
	default:
		return fmt.Sprintf("invalid(%d)", int(m))
	}
}

// Register performs the REGIF handshake and seeds the local ring cursors
// from the values the backend published in the CSB. That seeding is the
// only legitimate initialization of local cursors; they are never zeroed
// locally.
//
// Registering again in the same mode is a no-op success. Registering in a
// different mode while one is active is refused; unregister first.
func (f *Interface) Register(m Mode) error {
	if m != ModeStack && m != ModeBypass {
		return fmt.Errorf("cannot register in mode %s", m)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mode == m {
		return nil
	}
	if f.mode != ModeNone {
		return ErrAlreadyRegistered
	}
	if f.csb == nil {
		return ErrNoCSB
	}
	if f.tx == nil || f.rx == nil {
		return fmt.Errorf("cannot register: rings not attached")
	}

	// The handshake makes the backend (re)populate the CSB cursor blocks
	// before PTSTS is readable, so the seeds below are current.
	if err := f.ptctl(bus.CtlRegif); err != nil {
		return err
	}

	if err := f.seedRing(f.tx, f.csb.TX, "tx"); err != nil {
		return err
	}
	if err := f.seedRing(f.rx, f.csb.RX, "rx"); err != nil {
		return err
	}

	f.mode = m
	f.broken.Store(false)
	f.txPaused.Store(false)
	f.registered.Store(true)

	f.l.WithFields(logrus.Fields{
		"mode":    m,
		"txSlots": f.tx.NumSlots(),
		"rxSlots": f.rx.NumSlots(),
	}).Info("registered with backend")

	return nil
}

// Unregister issues UNREGIF and marks the rings inactive. On a backend
// failure the session stays registered, so the caller can distinguish a
// broken handoff from a completed one.
func (f *Interface) Unregister() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mode == ModeNone {
		return nil
	}
	return f.unregisterLocked()
}

func (f *Interface) unregisterLocked() error {
	if err := f.ptctl(bus.CtlUnregif); err != nil {
		return err
	}

	f.registered.Store(false)
	f.mode = ModeNone
	f.l.Info("unregistered from backend")
	return nil
}

// Mode returns the currently registered mode.
func (f *Interface) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// Geometry asks the backend to publish its ring layout and reads it back
// from the CSB. Callers size their ring views from the result.
func (f *Interface) Geometry() (csb.Geometry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.csb == nil {
		return csb.Geometry{}, ErrNoCSB
	}
	if err := f.ptctl(bus.CtlConfig); err != nil {
		return csb.Geometry{}, err
	}

	g := f.csb.Geometry()
	if f.l.Level >= logrus.DebugLevel {
		f.l.WithFields(logrus.Fields{
			"txRings": g.NumTxRings,
			"rxRings": g.NumRxRings,
			"txSlots": g.NumTxSlots,
			"rxSlots": g.NumRxSlots,
		}).Debug("backend ring geometry")
	}
	return g, nil
}

// ptctl runs one synchronous control operation: the PTCTL write blocks
// until the backend has acted, then PTSTS holds the verdict.
func (f *Interface) ptctl(cmd uint32) error {
	f.bus.WriteRegister(bus.RegPTCtl, cmd)
	status := f.bus.ReadRegister(bus.RegPTSts)
	if status != bus.StatusOK {
		return ControlError{Op: cmd, Status: status}
	}
	return nil
}

// seedRing copies the backend-published initial cursors into the local
// ring, refusing values outside the ring's index space.
func (f *Interface) seedRing(r *ring.Ring, blk *csb.RingBlock, name string) error {
	head, cur, hwcur, hwtail := blk.Seed()
	for field, v := range map[string]uint32{"head": head, "cur": cur, "hwcur": hwcur, "hwtail": hwtail} {
		if !r.ValidIndex(v) {
			return invalidCursorError(name, field, v, uint32(r.NumSlots()))
		}
	}

	r.SeedCursors(head, cur, hwcur, hwtail)
	return nil
}
