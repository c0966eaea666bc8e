//go:build linux

package ptnet

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ptnetmap/ptnet/bus"
	"github.com/ptnetmap/ptnet/eventfd"
)

// IntrBridge carries interrupt notifications from a backend to the engine
// over a pair of eventfds, the way a hypervisor's irqfd would. The backend
// rings the bridge from whatever goroutine it likes; a dedicated epoll loop
// turns each wakeup into the matching engine entry point. Without the
// bridge the backend would call straight into the engine and the two would
// share a stack, which no real transport ever grants.
type IntrBridge struct {
	l    *logrus.Logger
	sink bus.IntrSink

	txFD eventfd.EventFD
	rxFD eventfd.EventFD
	ep   eventfd.Epoll

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewIntrBridge builds the bridge and starts its dispatch loop. sink is
// usually the *Interface the notifications are destined for.
func NewIntrBridge(l *logrus.Logger, sink bus.IntrSink) (*IntrBridge, error) {
	txFD, err := eventfd.New()
	if err != nil {
		return nil, err
	}
	rxFD, err := eventfd.New()
	if err != nil {
		txFD.Close()
		return nil, err
	}
	ep, err := eventfd.NewEpoll()
	if err != nil {
		txFD.Close()
		rxFD.Close()
		return nil, err
	}

	b := &IntrBridge{
		l:    l,
		sink: sink,
		txFD: txFD,
		rxFD: rxFD,
		ep:   ep,
		done: make(chan struct{}),
	}

	if err = b.ep.AddEvent(b.txFD.FD()); err != nil {
		b.closeFDs()
		return nil, err
	}
	if err = b.ep.AddEvent(b.rxFD.FD()); err != nil {
		b.closeFDs()
		return nil, err
	}

	go b.run()
	return b, nil
}

// TxIntr implements bus.IntrSink by ringing the transmit eventfd.
func (b *IntrBridge) TxIntr() {
	if err := b.txFD.Kick(); err != nil && !b.closed.Load() {
		b.l.WithError(err).Error("failed to raise tx interrupt")
	}
}

// RxIntr implements bus.IntrSink by ringing the receive eventfd.
func (b *IntrBridge) RxIntr() {
	if err := b.rxFD.Kick(); err != nil && !b.closed.Load() {
		b.l.WithError(err).Error("failed to raise rx interrupt")
	}
}

func (b *IntrBridge) run() {
	defer close(b.done)

	for {
		n, err := b.ep.Block()
		if err != nil {
			if !b.closed.Load() {
				b.l.WithError(err).Error("interrupt dispatch loop failed")
			}
			return
		}
		if n == 0 {
			if b.closed.Load() {
				return
			}
			continue
		}

		fd := b.ep.ReadyFD()
		if err = b.ep.Clear(); err != nil {
			if !b.closed.Load() {
				b.l.WithError(err).Error("failed to drain interrupt eventfd")
			}
			return
		}

		switch fd {
		case b.txFD.FD():
			b.sink.TxIntr()
		case b.rxFD.FD():
			b.sink.RxIntr()
		}
	}
}

// Close tears the bridge down and waits for the dispatch loop to exit. No
// notifications are delivered afterwards.
func (b *IntrBridge) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.closeFDs()
		<-b.done
	})
	return nil
}

func (b *IntrBridge) closeFDs() {
	b.txFD.Close()
	b.rxFD.Close()
	b.ep.Close()
}
