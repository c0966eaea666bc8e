//go:build !linux

package ptnet

import (
	"github.com/sirupsen/logrus"

	"github.com/ptnetmap/ptnet/bus"
)

// IntrBridge forwards interrupt notifications straight to the engine on
// platforms without eventfd support. The delivery decoupling the Linux
// bridge offers is a fidelity nicety, not a correctness requirement: the
// engine's entry points are non-blocking either way.
type IntrBridge struct {
	sink bus.IntrSink
}

func NewIntrBridge(l *logrus.Logger, sink bus.IntrSink) (*IntrBridge, error) {
	return &IntrBridge{sink: sink}, nil
}

func (b *IntrBridge) TxIntr() { b.sink.TxIntr() }

func (b *IntrBridge) RxIntr() { b.sink.RxIntr() }

func (b *IntrBridge) Close() error { return nil }
