package ptnet

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/csb"
	"github.com/ptnetmap/ptnet/packet"
	"github.com/ptnetmap/ptnet/ring"
	"github.com/ptnetmap/ptnet/util/virtio"
)

const defaultRxBudget = 64

type InterfaceConfig struct {
	// Bus is the register-file transport to the backend.
	Bus bus.RegisterFile

	// Pool supplies the packet objects the receive path delivers. A
	// drained pool ends a receive pass early; it resumes on the next
	// invocation.
	Pool *packet.Pool

	// Deliver is invoked once per reassembled inbound packet. The callee
	// owns the packet and must Release it.
	Deliver func(*packet.Packet)

	// OnTxReady is invoked when transmit slots become available again
	// after Submit returned ErrRingFull. May be nil.
	OnTxReady func()

	// WantedFeatures is the mask offered to the backend during
	// negotiation. FeatureBase is required regardless.
	WantedFeatures virtio.Feature

	// RxBudget caps the packets consumed per receive pass so one drain
	// cannot monopolize the receiver.
	RxBudget int

	Logger *logrus.Logger
}

// Interface is the guest-side engine of one passthrough channel: two shared
// slot rings reconciled through a CSB, with doorbell/interrupt signalling in
// both directions.
//
// Exactly one goroutine may call Submit at a time and exactly one runs the
// receive path; the registration handshake gives the backend the same
// exclusivity on its side. Within that structure the rings and the CSB need
// no locks, only the single-word cursor publishes the csb package provides.
type Interface struct {
	bus      bus.RegisterFile
	features virtio.Feature

	csb *csb.Block
	tx  *ring.Ring
	rx  *ring.Ring

	pool      *packet.Pool
	deliver   func(*packet.Packet)
	onTxReady func()
	rxBudget  int

	mu           sync.Mutex // guards registration state
	mode         Mode
	csbPublished bool

	up         atomic.Bool
	registered atomic.Bool
	closed     atomic.Bool
	broken     atomic.Bool
	txPaused   atomic.Bool

	// rxScheduled is the receive scheduling latch: set by the interrupt
	// (or a self-reschedule) that wins the right to drain, cleared when a
	// pass ends with budget to spare.
	rxScheduled atomic.Bool
	rxWake      chan struct{}
	rxQuit      chan struct{}
	rxDone      chan struct{}

	txPackets  metrics.Counter
	txBytes    metrics.Counter
	txDropped  metrics.Counter
	txKicks    metrics.Counter
	txStalls   metrics.Counter
	rxPackets  metrics.Counter
	rxBytes    metrics.Counter
	rxDropped  metrics.Counter
	rxKicks    metrics.Counter
	rxResumes  metrics.Counter
	createTime time.Time

	l *logrus.Logger
}

// NewInterface negotiates features with the backend and builds the engine.
// The CSB and rings are attached separately once their shared memory is
// known; see AttachCSB and AttachRings.
func NewInterface(c *InterfaceConfig) (*Interface, error) {
	if c.Bus == nil {
		return nil, errors.New("no register file transport")
	}
	if c.Pool == nil {
		return nil, errors.New("no packet pool")
	}
	if c.Deliver == nil {
		return nil, errors.New("no deliver upcall")
	}
	if c.Logger == nil {
		return nil, errors.New("no logger")
	}
	if c.RxBudget <= 0 {
		c.RxBudget = defaultRxBudget
	}

	// Bail out immediately if the backend does not speak the base
	// passthrough protocol.
	wanted := c.WantedFeatures | virtio.FeatureBase
	c.Bus.WriteRegister(bus.RegPTFeat, uint32(wanted))
	granted := virtio.Feature(c.Bus.ReadRegister(bus.RegPTFeat))
	if !granted.Has(virtio.FeatureBase) {
		return nil, ErrNotSupported
	}

	f := &Interface{
		bus:        c.Bus,
		features:   granted,
		pool:       c.Pool,
		deliver:    c.Deliver,
		onTxReady:  c.OnTxReady,
		rxBudget:   c.RxBudget,
		createTime: time.Now(),
		rxWake:     make(chan struct{}, 1),

		txPackets: metrics.GetOrRegisterCounter("tx.packets", nil),
		txBytes:   metrics.GetOrRegisterCounter("tx.bytes", nil),
		txDropped: metrics.GetOrRegisterCounter("tx.dropped", nil),
		txKicks:   metrics.GetOrRegisterCounter("tx.kicks", nil),
		txStalls:  metrics.GetOrRegisterCounter("tx.stalls", nil),
		rxPackets: metrics.GetOrRegisterCounter("rx.packets", nil),
		rxBytes:   metrics.GetOrRegisterCounter("rx.bytes", nil),
		rxDropped: metrics.GetOrRegisterCounter("rx.dropped", nil),
		rxKicks:   metrics.GetOrRegisterCounter("rx.kicks", nil),
		rxResumes: metrics.GetOrRegisterCounter("rx.resumes", nil),

		l: c.Logger,
	}

	// Tell the backend our interrupt plumbing is wired before it is ever
	// given a reason to notify us.
	f.bus.WriteRegister(bus.RegCtrl, bus.CtrlIRQInit)

	if f.l.Level >= logrus.DebugLevel {
		f.l.WithFields(logrus.Fields{
			"wanted":   uint32(wanted),
			"granted":  uint32(granted),
			"vnetHdr":  granted.Has(virtio.FeatureVNetHdr),
			"rxBudget": f.rxBudget,
		}).Debug("negotiated passthrough features")
	}

	return f, nil
}

// Features returns the feature mask granted by the backend.
func (f *Interface) Features() virtio.Feature { return f.features }

// MAC reads the backend-assigned hardware address.
func (f *Interface) MAC() net.HardwareAddr {
	hi := f.bus.ReadRegister(bus.RegMACHi)
	lo := f.bus.ReadRegister(bus.RegMACLo)
	return bus.DecodeMAC(hi, lo)
}

// AttachCSB installs the control block view. When the guest allocated the
// block itself, physAddr is its physical address and is published through
// the CSBBAH/CSBBAL register pair, high half first; backend-exposed blocks
// pass 0.
func (f *Interface) AttachCSB(blk *csb.Block, physAddr uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.csb = blk
	if physAddr != 0 {
		f.bus.WriteRegister(bus.RegCSBBAH, uint32(physAddr>>32))
		f.bus.WriteRegister(bus.RegCSBBAL, uint32(physAddr))
		f.csbPublished = true
	}
}

// AttachRings installs the shared ring views. Their geometry must match
// what Geometry reported.
func (f *Interface) AttachRings(tx, rx *ring.Ring) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tx = tx
	f.rx = rx
}

// Up marks the session live and starts the receiver. Register must have
// succeeded first.
func (f *Interface) Up() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mode == ModeNone {
		return ErrNotRegistered
	}
	if f.up.Load() {
		return nil
	}

	f.rxQuit = make(chan struct{})
	f.rxDone = make(chan struct{})
	f.up.Store(true)
	f.csb.SetGuestOn(true)
	// The receiver starts idle, so ask for a wakeup on the first
	// completion.
	f.csb.SetGuestNeedRxKick(true)
	go f.runReceiver(f.rxQuit, f.rxDone)

	f.l.WithFields(logrus.Fields{
		"mode": f.mode,
		"mac":  f.MAC(),
	}).Info("passthrough interface is active")

	return nil
}

// Down stops the datapaths. The sequence matters: the producer is disabled
// and the liveness flag cleared before the receiver is unparked for the
// last time, so no completion can race the teardown.
func (f *Interface) Down() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downLocked()
}

func (f *Interface) downLocked() {
	if !f.up.CompareAndSwap(true, false) {
		return
	}

	f.csb.SetGuestOn(false)
	close(f.rxQuit)
	<-f.rxDone
	f.rxScheduled.Store(false)

	f.l.Info("passthrough interface is down")
}

// Close takes the interface down, unregisters and detaches from the
// backend. Pending in-flight kicks become no-ops once it returns.
func (f *Interface) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downLocked()

	var err error
	if f.mode != ModeNone {
		err = f.unregisterLocked()
	}

	f.closed.Store(true)
	f.bus.WriteRegister(bus.RegCtrl, bus.CtrlIRQFini)
	if f.csbPublished {
		f.bus.WriteRegister(bus.RegCSBBAH, 0)
		f.bus.WriteRegister(bus.RegCSBBAL, 0)
		f.csbPublished = false
	}

	return err
}
