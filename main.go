package ptnet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"

	"github.com/ptnetmap/ptnet/config"
	"github.com/ptnetmap/ptnet/csb"
	"github.com/ptnetmap/ptnet/hostsim"
	"github.com/ptnetmap/ptnet/packet"
	"github.com/ptnetmap/ptnet/ring"
	"github.com/ptnetmap/ptnet/util"
	"github.com/ptnetmap/ptnet/util/virtio"
)

// Main builds a passthrough engine wired to the in-process host emulator
// and a traffic driver on top, all from the given config. Nothing runs
// until Control.Start is called.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Make sure the context is canceled if we return an error early
	err := error(nil)
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the final config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}
		l.Println(string(b))
	}

	if err = configLogger(l, c); err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}
	c.RegisterReloadCallback(func(c *config.C) {
		if err := configLogger(l, c); err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	var mac net.HardwareAddr
	if s := c.GetString("device.mac", ""); s != "" {
		if mac, err = net.ParseMAC(s); err != nil {
			return nil, util.NewContextualError("Failed to parse device.mac", m{"mac": s}, err)
		}
	}

	var features virtio.Feature
	if c.GetBool("device.vnet_hdr", true) {
		features |= virtio.FeatureVNetHdr
	}

	backend, err := hostsim.New(hostsim.Config{
		NumTxSlots: c.GetInt("rings.tx_slots", 256),
		NumRxSlots: c.GetInt("rings.rx_slots", 256),
		BufSize:    c.GetInt("rings.buf_size", 2048),
		Features:   features,
		MAC:        mac,
		Logger:     l,
	})
	if err != nil {
		return nil, util.NewContextualError("Failed to build the host emulator", nil, err)
	}

	pool := packet.NewPool(
		c.GetInt("pool.count", 1024),
		c.GetInt("pool.buf_cap", 65536),
	)

	bench := NewBench(l,
		c.GetInt("bench.payload", 1460),
		c.GetInt("bench.burst", 32),
		c.GetDuration("bench.interval", 10*time.Second),
	)

	f, err := NewInterface(&InterfaceConfig{
		Bus:            backend,
		Pool:           pool,
		Deliver:        bench.Deliver,
		OnTxReady:      bench.TxReady,
		WantedFeatures: features,
		RxBudget:       c.GetInt("rings.rx_budget", 64),
		Logger:         l,
	})
	if err != nil {
		return nil, util.NewContextualError("Failed to build the engine", nil, err)
	}

	bridge, err := NewIntrBridge(l, f)
	if err != nil {
		return nil, util.NewContextualError("Failed to build the interrupt bridge", nil, err)
	}
	backend.SetIntrSink(bridge)
	backend.SetSink(func(hostsim.Packet) {})

	blk, err := csb.New(backend.CSBMem())
	if err != nil {
		return nil, err
	}
	f.AttachCSB(blk, 0)

	geo, err := f.Geometry()
	if err != nil {
		return nil, util.NewContextualError("Failed to read ring geometry", nil, err)
	}
	l.WithFields(logrus.Fields{
		"txSlots": geo.NumTxSlots,
		"rxSlots": geo.NumRxSlots,
	}).Info("Ring geometry published")

	tx, err := ring.New(int(geo.NumTxSlots), backend.BufSize(), backend.TXMem())
	if err != nil {
		return nil, err
	}
	rx, err := ring.New(int(geo.NumRxSlots), backend.BufSize(), backend.RXMem())
	if err != nil {
		return nil, err
	}
	f.AttachRings(tx, rx)

	mode, err := parseMode(c.GetString("device.mode", "stack"))
	if err != nil {
		return nil, err
	}
	if err = f.Register(mode); err != nil {
		return nil, util.NewContextualError("Failed to register with the backend", nil, err)
	}
	l.WithFields(logrus.Fields{
		"mode": mode,
		"mac":  f.MAC(),
	}).Info("Registered with the backend")

	bench.Attach(f, backend)

	if err = StartStats(l, c, buildVersion, configTest); err != nil {
		return nil, util.NewContextualError("Failed to start stats emission", nil, err)
	}

	if configTest {
		cancel()
		_ = f.Close()
		_ = bridge.Close()
		return nil, nil
	}

	return &Control{
		f:      f,
		bridge: bridge,
		bench:  bench,
		l:      l,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

type m = map[string]any

func parseMode(s string) (Mode, error) {
	switch s {
	case "stack":
		return ModeStack, nil
	case "bypass":
		return ModeBypass, nil
	default:
		return ModeNone, fmt.Errorf("device.mode %q is not one of stack, bypass", s)
	}
}
