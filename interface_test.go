package ptnet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/csb"
	"github.com/ptnetmap/ptnet/hostsim"
	"github.com/ptnetmap/ptnet/packet"
	"github.com/ptnetmap/ptnet/ring"
	"github.com/ptnetmap/ptnet/util"
	"github.com/ptnetmap/ptnet/util/virtio"
)

type testEnv struct {
	b   *hostsim.Backend
	f   *Interface
	blk *csb.Block

	delivered chan *packet.Packet
	txReady   chan struct{}
	sunk      chan hostsim.Packet
}

type testEnvConfig struct {
	txSlots  int
	rxSlots  int
	bufSize  int
	features virtio.Feature
	poolSize int
	rxBudget int
}

// newTestEnv attaches a fresh engine to a hostsim backend, registered in
// stack mode but not yet up.
func newTestEnv(t *testing.T, c testEnvConfig) *testEnv {
	t.Helper()

	if c.txSlots == 0 {
		c.txSlots = 8
	}
	if c.rxSlots == 0 {
		c.rxSlots = 8
	}
	if c.bufSize == 0 {
		c.bufSize = 64
	}
	if c.poolSize == 0 {
		c.poolSize = 64
	}
	if c.rxBudget == 0 {
		c.rxBudget = 16
	}

	l := util.NewTestLogger()
	b, err := hostsim.New(hostsim.Config{
		NumTxSlots: c.txSlots,
		NumRxSlots: c.rxSlots,
		BufSize:    c.bufSize,
		Features:   c.features,
		Logger:     l,
	})
	require.NoError(t, err)

	env := &testEnv{
		b:         b,
		delivered: make(chan *packet.Packet, 256),
		txReady:   make(chan struct{}, 1),
		sunk:      make(chan hostsim.Packet, 256),
	}

	f, err := NewInterface(&InterfaceConfig{
		Bus:            b,
		Pool:           packet.NewPool(c.poolSize, 4096),
		Deliver:        func(p *packet.Packet) { env.delivered <- p },
		OnTxReady:      func() { env.txReady <- struct{}{} },
		WantedFeatures: c.features,
		RxBudget:       c.rxBudget,
		Logger:         l,
	})
	require.NoError(t, err)
	env.f = f

	b.SetIntrSink(f)
	b.SetSink(func(p hostsim.Packet) { env.sunk <- p })

	blk, err := csb.New(b.CSBMem())
	require.NoError(t, err)
	env.blk = blk
	f.AttachCSB(blk, 0)

	geo, err := f.Geometry()
	require.NoError(t, err)

	tx, err := ring.New(int(geo.NumTxSlots), c.bufSize, b.TXMem())
	require.NoError(t, err)
	rx, err := ring.New(int(geo.NumRxSlots), c.bufSize, b.RXMem())
	require.NoError(t, err)
	f.AttachRings(tx, rx)

	require.NoError(t, f.Register(ModeStack))
	return env
}

func (e *testEnv) pkt(payload []byte, frags ...[]byte) *packet.Packet {
	p := &packet.Packet{Buf: append([]byte(nil), payload...), Len: len(payload)}
	p.Frags = frags
	return p
}

func TestNewInterface_Validation(t *testing.T) {
	l := util.NewTestLogger()
	b, err := hostsim.New(hostsim.Config{NumTxSlots: 4, NumRxSlots: 4, BufSize: 64, Logger: l})
	require.NoError(t, err)

	pool := packet.NewPool(4, 256)
	deliver := func(*packet.Packet) {}

	_, err = NewInterface(&InterfaceConfig{Pool: pool, Deliver: deliver, Logger: l})
	require.Error(t, err)
	_, err = NewInterface(&InterfaceConfig{Bus: b, Deliver: deliver, Logger: l})
	require.Error(t, err)
	_, err = NewInterface(&InterfaceConfig{Bus: b, Pool: pool, Logger: l})
	require.Error(t, err)
	_, err = NewInterface(&InterfaceConfig{Bus: b, Pool: pool, Deliver: deliver})
	require.Error(t, err)
}

func TestNewInterface_FeatureNegotiation(t *testing.T) {
	l := util.NewTestLogger()

	// Backend with vnet header support grants what the guest wants.
	b, err := hostsim.New(hostsim.Config{
		NumTxSlots: 4, NumRxSlots: 4, BufSize: 64,
		Features: virtio.FeatureVNetHdr,
		Logger:   l,
	})
	require.NoError(t, err)

	f, err := NewInterface(&InterfaceConfig{
		Bus:            b,
		Pool:           packet.NewPool(4, 256),
		Deliver:        func(*packet.Packet) {},
		WantedFeatures: virtio.FeatureVNetHdr,
		Logger:         l,
	})
	require.NoError(t, err)
	assert.True(t, f.Features().Has(virtio.FeatureBase))
	assert.True(t, f.Features().Has(virtio.FeatureVNetHdr))

	// A backend without it still grants base.
	b2, err := hostsim.New(hostsim.Config{NumTxSlots: 4, NumRxSlots: 4, BufSize: 64, Logger: l})
	require.NoError(t, err)
	f2, err := NewInterface(&InterfaceConfig{
		Bus:            b2,
		Pool:           packet.NewPool(4, 256),
		Deliver:        func(*packet.Packet) {},
		WantedFeatures: virtio.FeatureVNetHdr,
		Logger:         l,
	})
	require.NoError(t, err)
	assert.False(t, f2.Features().Has(virtio.FeatureVNetHdr))
}

func TestInterface_MAC(t *testing.T) {
	l := util.NewTestLogger()
	mac := net.HardwareAddr{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	b, err := hostsim.New(hostsim.Config{NumTxSlots: 4, NumRxSlots: 4, BufSize: 64, MAC: mac, Logger: l})
	require.NoError(t, err)

	f, err := NewInterface(&InterfaceConfig{
		Bus:     b,
		Pool:    packet.NewPool(4, 256),
		Deliver: func(*packet.Packet) {},
		Logger:  l,
	})
	require.NoError(t, err)
	assert.Equal(t, mac, f.MAC())
}

func TestInterface_UpDownClose(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})

	require.NoError(t, env.f.Up())
	assert.True(t, env.blk.GuestOn())

	// Up is idempotent.
	require.NoError(t, env.f.Up())

	env.f.Down()
	assert.False(t, env.blk.GuestOn())

	require.NoError(t, env.f.Close())
	assert.False(t, env.b.Registered())

	// Kicks after close are dropped rather than written through.
	txKicks, _ := env.b.Kicks()
	env.f.kick(bus.RegTxKick, env.blk.TX, 0)
	after, _ := env.b.Kicks()
	assert.Equal(t, txKicks, after)
}

func TestInterface_UpRequiresRegistration(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	require.NoError(t, env.f.Unregister())
	require.ErrorIs(t, env.f.Up(), ErrNotRegistered)
}
