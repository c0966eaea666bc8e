package ptnet

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ptnetmap/ptnet/hostsim"
	"github.com/ptnetmap/ptnet/packet"
)

// Bench pushes synthetic traffic through both datapaths of an engine wired
// to a hostsim backend and reports the achieved rates at a fixed interval.
// The transmit side exercises the full backpressure path: it fills the ring
// until Submit refuses and then parks on the completion notification like a
// real network stack would.
type Bench struct {
	l *logrus.Logger
	f *Interface
	b *hostsim.Backend

	payload  []byte
	burst    int
	interval time.Duration

	txReady chan struct{}

	txPackets atomic.Int64
	txBytes   atomic.Int64
	rxPackets atomic.Int64
	rxBytes   atomic.Int64
	txWaits   atomic.Int64
}

// NewBench builds the traffic driver. Deliver and OnTxReady of the engine
// under test must be wired to the returned value before the engine starts.
func NewBench(l *logrus.Logger, payloadSize, burst int, interval time.Duration) *Bench {
	if payloadSize < 1 {
		payloadSize = 1
	}
	if burst < 1 {
		burst = 1
	}
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	return &Bench{
		l:        l,
		payload:  payload,
		burst:    burst,
		interval: interval,
		txReady:  make(chan struct{}, 1),
	}
}

// Attach binds the engine and backend the traffic runs through.
func (b *Bench) Attach(f *Interface, back *hostsim.Backend) {
	b.f = f
	b.b = back
}

// Deliver is the engine's receive callback.
func (b *Bench) Deliver(p *packet.Packet) {
	b.rxPackets.Add(1)
	b.rxBytes.Add(int64(p.Len))
	p.Release()
}

// TxReady is the engine's completion callback; it unparks the generator.
func (b *Bench) TxReady() {
	select {
	case b.txReady <- struct{}{}:
	default:
	}
}

// Run drives traffic until the context is cancelled.
func (b *Bench) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return b.generate(ctx) })
	eg.Go(func() error { return b.inject(ctx) })
	eg.Go(func() error { return b.report(ctx) })

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// generate floods the transmit path in bursts, parking on backpressure.
func (b *Bench) generate(ctx context.Context) error {
	for {
		for i := 0; i < b.burst; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			p := &packet.Packet{Buf: b.payload, Len: len(b.payload)}
			p.More = i < b.burst-1

			err := b.f.Submit(p)
			if errors.Is(err, ErrRingFull) {
				b.txWaits.Add(1)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-b.txReady:
				}
				// The dropped packet rides along with the next burst.
				i--
				continue
			}
			if err != nil {
				return err
			}
			b.txPackets.Add(1)
			b.txBytes.Add(int64(len(b.payload)))
		}
	}
}

// inject floods the receive path, pacing on the backend's pending queue so
// memory stays bounded when the guest falls behind.
func (b *Bench) inject(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if b.b.PendingInjections() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Microsecond):
			}
			continue
		}

		for i := 0; i < b.burst; i++ {
			if err := b.b.Inject(b.payload, packet.Offload{}); err != nil {
				return err
			}
		}
	}
}

func (b *Bench) report(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var lastTxP, lastTxB, lastRxP, lastRxB int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		txP, txB := b.txPackets.Load(), b.txBytes.Load()
		rxP, rxB := b.rxPackets.Load(), b.rxBytes.Load()
		secs := b.interval.Seconds()

		b.l.WithFields(logrus.Fields{
			"txPps":   humanize.Comma(int64(float64(txP-lastTxP) / secs)),
			"txRate":  humanize.Bytes(uint64(float64(txB-lastTxB)/secs)) + "/s",
			"rxPps":   humanize.Comma(int64(float64(rxP-lastRxP) / secs)),
			"rxRate":  humanize.Bytes(uint64(float64(rxB-lastRxB)/secs)) + "/s",
			"txWaits": b.txWaits.Load(),
		}).Info("bench interval")

		lastTxP, lastTxB, lastRxP, lastRxB = txP, txB, rxP, rxB
	}
}
