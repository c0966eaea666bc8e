// Package hostsim emulates the hypervisor-resident half of a passthrough
// channel: a register file, the host side of the CSB protocol and a simple
// ring engine that drains transmit slots and injects receive slots. The
// test suite and the bench binary attach a guest engine to it in place of
// a real backend; the actual hypervisor transport is out of scope.
package hostsim

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/csb"
	"github.com/ptnetmap/ptnet/packet"
	"github.com/ptnetmap/ptnet/ring"
	"github.com/ptnetmap/ptnet/util/virtio"
)

// StatusFail is reported through PTSTS when a control operation is refused.
const StatusFail uint32 = 1

// ErrNotRegistered is returned by Inject before a REGIF handshake.
var ErrNotRegistered = errors.New("hostsim: guest not registered")

type Config struct {
	NumTxSlots int
	NumRxSlots int
	BufSize    int

	// Features is the mask the backend supports; the echo of PTFEAT is
	// the intersection with what the guest wants.
	Features virtio.Feature

	MAC net.HardwareAddr

	Logger *logrus.Logger
}

// Packet is one packet the backend drained from the transmit ring.
type Packet struct {
	Payload []byte
	Offload packet.Offload
}

type injection struct {
	payload []byte
	offload packet.Offload
}

// Backend implements bus.RegisterFile over in-process shared memory.
type Backend struct {
	l *logrus.Logger

	mu sync.Mutex

	supported virtio.Feature
	granted   virtio.Feature
	macHi     uint32
	macLo     uint32
	status    uint32
	irqReady  bool
	csbbah    uint32
	csbbal    uint32

	csbMem []byte
	txMem  []byte
	rxMem  []byte

	blk *csb.Block
	tx  *ring.Ring
	rx  *ring.Ring

	registered bool

	// Host-authoritative cursors; the guest only ever sees them through
	// HostPublish.
	txHwCur  uint32
	txHwTail uint32
	rxHwCur  uint32
	rxHwTail uint32

	pending []injection

	sink func(Packet)
	intr bus.IntrSink

	ctlOps   []uint32
	failNext map[uint32]uint32
	txKicks  int
	rxKicks  int
}

func New(c Config) (*Backend, error) {
	if c.Logger == nil {
		return nil, errors.New("hostsim: no logger")
	}
	if err := ring.CheckRingSize(c.NumTxSlots); err != nil {
		return nil, err
	}
	if err := ring.CheckRingSize(c.NumRxSlots); err != nil {
		return nil, err
	}
	if c.BufSize < virtio.NetHdrSize {
		return nil, fmt.Errorf("hostsim: buf size %d is smaller than the header record", c.BufSize)
	}
	if c.MAC == nil {
		c.MAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}

	b := &Backend{
		l:         c.Logger,
		supported: c.Features | virtio.FeatureBase,
		csbMem:    make([]byte, csb.Size),
		txMem:     make([]byte, ring.MemSize(c.NumTxSlots, c.BufSize)),
		rxMem:     make([]byte, ring.MemSize(c.NumRxSlots, c.BufSize)),
		failNext:  make(map[uint32]uint32),
	}
	b.macHi, b.macLo = bus.EncodeMAC(c.MAC)

	var err error
	if b.blk, err = csb.New(b.csbMem); err != nil {
		return nil, err
	}
	if b.tx, err = ring.New(c.NumTxSlots, c.BufSize, b.txMem); err != nil {
		return nil, err
	}
	if b.rx, err = ring.New(c.NumRxSlots, c.BufSize, b.rxMem); err != nil {
		return nil, err
	}

	return b, nil
}

// CSBMem exposes the shared control block memory for the guest to map.
func (b *Backend) CSBMem() []byte { return b.csbMem }

// TXMem exposes the transmit ring's shared memory.
func (b *Backend) TXMem() []byte { return b.txMem }

// RXMem exposes the receive ring's shared memory.
func (b *Backend) RXMem() []byte { return b.rxMem }

// BufSize returns the per-slot payload capacity.
func (b *Backend) BufSize() int { return b.tx.BufSize() }

// SetSink installs the consumer for packets drained from the transmit
// ring. The payload slice is owned by the callee.
func (b *Backend) SetSink(fn func(Packet)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = fn
}

// SetIntrSink installs the guest's interrupt entry points.
func (b *Backend) SetIntrSink(s bus.IntrSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.intr = s
}

// FailNextCtl makes the next control operation with the given opcode report
// the given status instead of executing.
func (b *Backend) FailNextCtl(op, status uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[op] = status
}

// CtlOps returns the control opcodes received so far, in order.
func (b *Backend) CtlOps() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.ctlOps...)
}

// Registered reports whether a REGIF handshake is active.
func (b *Backend) Registered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered
}

// Kicks returns how many TX and RX doorbell writes were received.
func (b *Backend) Kicks() (tx, rx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txKicks, b.rxKicks
}

func (b *Backend) ReadRegister(reg bus.Register) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch reg {
	case bus.RegPTFeat:
		return uint32(b.granted)
	case bus.RegPTSts:
		return b.status
	case bus.RegMACHi:
		return b.macHi
	case bus.RegMACLo:
		return b.macLo
	case bus.RegCSBBAH:
		return b.csbbah
	case bus.RegCSBBAL:
		return b.csbbal
	default:
		return 0
	}
}

func (b *Backend) WriteRegister(reg bus.Register, val uint32) {
	b.mu.Lock()
	notify := b.writeLocked(reg, val)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

func (b *Backend) writeLocked(reg bus.Register, val uint32) []func() {
	switch reg {
	case bus.RegPTFeat:
		b.granted = virtio.Feature(val) & b.supported

	case bus.RegPTCtl:
		b.handleCtl(val)

	case bus.RegCtrl:
		switch val {
		case bus.CtrlIRQInit:
			b.irqReady = true
		case bus.CtrlIRQFini:
			b.irqReady = false
		}

	case bus.RegTxKick:
		b.txKicks++
		return b.drainTX()

	case bus.RegRxKick:
		b.rxKicks++
		return b.flushPending()

	case bus.RegCSBBAH:
		b.csbbah = val
	case bus.RegCSBBAL:
		b.csbbal = val
	}

	return nil
}

func (b *Backend) handleCtl(cmd uint32) {
	b.ctlOps = append(b.ctlOps, cmd)

	if status, ok := b.failNext[cmd]; ok {
		delete(b.failNext, cmd)
		b.status = status
		return
	}

	switch cmd {
	case bus.CtlRegif:
		if !b.registered {
			b.seedRings()
			b.registered = true
		}
		b.status = bus.StatusOK

	case bus.CtlUnregif:
		b.registered = false
		b.status = bus.StatusOK

	case bus.CtlConfig:
		b.blk.SetGeometry(csb.Geometry{
			NumTxRings: 1,
			NumRxRings: 1,
			NumTxSlots: uint32(b.tx.NumSlots()),
			NumRxSlots: uint32(b.rx.NumSlots()),
		})
		b.status = bus.StatusOK

	default:
		b.l.WithField("cmd", cmd).Warn("unknown control opcode")
		b.status = StatusFail
	}
}

// seedRings publishes the initial cursor state the guest must adopt: the
// transmit ring starts entirely free, the receive ring entirely empty.
func (b *Backend) seedRings() {
	txTail := uint32(b.tx.NumSlots() - 1)
	b.txHwCur, b.txHwTail = 0, txTail
	b.blk.TX.HostSeed(0, 0, 0, txTail, txTail)

	b.rxHwCur, b.rxHwTail = 0, 0
	b.blk.RX.HostSeed(0, 0, 0, 0, 0)

	// This backend is purely interrupt driven, so it always wants its
	// doorbells rung.
	b.blk.SetHostNeedTxKick(true)
	b.blk.SetHostNeedRxKick(true)
}

// drainTX consumes every packet chain the guest has published, hands them
// to the sink and recycles the slots.
func (b *Backend) drainTX() []func() {
	if !b.registered {
		return nil
	}

	_, head := b.blk.TX.HostPull()

	var drained []Packet
	for b.txHwCur != head {
		pkt, ok := b.readChain(head)
		if !ok {
			break
		}
		drained = append(drained, pkt)
	}

	// Every consumed slot is immediately reusable by the guest.
	b.txHwTail = prevIdx(b.tx, b.txHwCur)
	b.blk.TX.HostPublish(b.txHwCur, b.txHwTail)

	var notify []func()
	if sink := b.sink; sink != nil {
		for _, pkt := range drained {
			p := pkt
			notify = append(notify, func() { sink(p) })
		}
	}
	if len(drained) > 0 && b.irqReady && b.intr != nil && b.blk.GuestNeedTxKick() {
		intr := b.intr
		notify = append(notify, func() { intr.TxIntr() })
	}
	return notify
}

// readChain reassembles one packet starting at txHwCur, stopping at the
// first slot without the continuation flag.
func (b *Backend) readChain(head uint32) (Packet, bool) {
	var payload []byte
	var pkt Packet

	first := true
	for {
		slot := b.tx.Slot(b.txHwCur)
		data := b.tx.Buf(b.txHwCur)[:slot.Len]
		b.txHwCur = b.tx.Next(b.txHwCur)

		if first {
			first = false
			if b.granted.Has(virtio.FeatureVNetHdr) {
				var hdr virtio.NetHdr
				if err := hdr.Decode(data); err != nil {
					b.l.WithError(err).Warn("short first slot, dropping chain")
					return Packet{}, false
				}
				pkt.Offload.FromNetHdr(&hdr)
				data = data[virtio.NetHdrSize:]
			}
		}

		payload = append(payload, data...)

		if slot.Flags&ring.SlotFlagMoreFrag == 0 {
			break
		}
		if b.txHwCur == head {
			b.l.Warn("publish ended mid chain, dropping")
			return Packet{}, false
		}
	}

	pkt.Payload = payload
	return pkt, true
}

// Inject queues one packet for the guest's receive ring and writes it out
// if there is room, raising the receive interrupt when the guest asked for
// one. Packets that do not fit yet are retried on every replenish kick.
func (b *Backend) Inject(payload []byte, off packet.Offload) error {
	b.mu.Lock()
	if !b.registered {
		b.mu.Unlock()
		return ErrNotRegistered
	}

	total := len(payload)
	if b.granted.Has(virtio.FeatureVNetHdr) {
		total += virtio.NetHdrSize
	}
	if need := (total + b.rx.BufSize() - 1) / b.rx.BufSize(); need > b.rx.Capacity() {
		b.mu.Unlock()
		return fmt.Errorf("hostsim: %d byte packet can never fit the receive ring", len(payload))
	}

	buf := append([]byte(nil), payload...)
	b.pending = append(b.pending, injection{payload: buf, offload: off})
	notify := b.flushPending()
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// PendingInjections returns how many injected packets still wait for ring
// space.
func (b *Backend) PendingInjections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Backend) flushPending() []func() {
	if !b.registered {
		return nil
	}

	_, head := b.blk.RX.HostPull()
	wrote := 0
	for len(b.pending) > 0 {
		if !b.writeChain(b.pending[0], head) {
			break
		}
		b.pending = b.pending[1:]
		wrote++
	}

	if wrote == 0 {
		return nil
	}

	b.rxHwCur = head
	b.blk.RX.HostPublish(b.rxHwCur, b.rxHwTail)

	if b.irqReady && b.intr != nil && b.blk.GuestNeedRxKick() {
		intr := b.intr
		return []func(){func() { intr.RxIntr() }}
	}
	return nil
}

// writeChain copies one packet into receive slots starting at rxHwTail. It
// reports false when the free span before the guest's replenish boundary
// is too small.
func (b *Backend) writeChain(in injection, head uint32) bool {
	n := uint32(b.rx.NumSlots())
	space := (head + n - 1 - b.rxHwTail) % n

	total := len(in.payload)
	if b.granted.Has(virtio.FeatureVNetHdr) {
		total += virtio.NetHdrSize
	}
	need := (total + b.rx.BufSize() - 1) / b.rx.BufSize()
	if need == 0 {
		need = 1
	}
	if uint32(need) > space {
		return false
	}

	data := in.payload
	idx := b.rxHwTail
	for s := 0; s < need; s++ {
		slot := b.rx.Slot(idx)
		buf := b.rx.Buf(idx)
		used := 0

		if s == 0 && b.granted.Has(virtio.FeatureVNetHdr) {
			hdr := in.offload.ToNetHdr()
			if err := hdr.Encode(buf); err != nil {
				return false
			}
			used = virtio.NetHdrSize
		}

		c := copy(buf[used:], data)
		data = data[c:]
		used += c

		slot.Len = uint16(used)
		if s < need-1 {
			slot.Flags = ring.SlotFlagMoreFrag
		} else {
			slot.Flags = 0
		}
		idx = b.rx.Next(idx)
	}

	b.rxHwTail = idx
	return true
}

func prevIdx(r *ring.Ring, i uint32) uint32 {
	if i == 0 {
		return uint32(r.NumSlots() - 1)
	}
	return i - 1
}
