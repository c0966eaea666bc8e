package ptnet

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Control holds a built engine plus the services around it. Everything is
// wired but idle until Start.
type Control struct {
	f      *Interface
	bridge *IntrBridge
	bench  *Bench
	l      *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start brings the datapath up and launches the traffic driver. This is a
// nonblocking call; use ShutdownBlock to wait for a signal.
func (c *Control) Start() error {
	if err := c.f.Up(); err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.bench.Run(c.ctx); err != nil {
			c.l.WithError(err).Error("Traffic driver failed")
		}
	}()

	c.l.Info("Engine started")
	return nil
}

// Stop tears everything down in dependency order and returns once all
// goroutines have exited.
func (c *Control) Stop() {
	c.cancel()
	c.wg.Wait()

	if err := c.f.Close(); err != nil {
		c.l.WithError(err).Error("Close failed")
	}
	if err := c.bridge.Close(); err != nil {
		c.l.WithError(err).Error("Closing the interrupt bridge failed")
	}

	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals,
// calling Stop once signalled.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	c.Stop()
}
