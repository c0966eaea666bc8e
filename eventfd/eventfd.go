//go:build linux

// Package eventfd wraps eventfd(2) and a minimal epoll loop. The benchmark
// harness uses it to carry backend interrupt notifications between the host
// emulator and the guest engine without spinning.
package eventfd

import (
	"encoding/binary"
	"syscall"

	"golang.org/x/sys/unix"
)

type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return EventFD{}, err
	}
	return EventFD{
		fd:  fd,
		buf: [8]byte{},
	}, nil
}

// Kick increments the counter, waking any waiter.
func (e *EventFD) Kick() error {
	binary.LittleEndian.PutUint64(e.buf[:], 1)
	_, err := syscall.Write(int(e.fd), e.buf[:])
	return err
}

func (e *EventFD) Close() error {
	if e.fd != 0 {
		return unix.Close(e.fd)
	}
	return nil
}

func (e *EventFD) FD() int {
	return e.fd
}

type Epoll struct {
	fd     int
	buf    [8]byte
	events []syscall.EpollEvent
}

func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return Epoll{}, err
	}
	return Epoll{
		fd:     fd,
		buf:    [8]byte{},
		events: make([]syscall.EpollEvent, 1),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := syscall.EpollEvent{
		Events: syscall.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return syscall.EpollCtl(ep.fd, syscall.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits for the next event. It returns 0 without an error when the
// wait was interrupted by a signal.
func (ep *Epoll) Block() (int, error) {
	n, err := syscall.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if err == syscall.EINTR {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

// ReadyFD returns the file descriptor behind the most recent wakeup. Only
// valid after Block returned a positive count.
func (ep *Epoll) ReadyFD() int {
	return int(ep.events[0].Fd)
}

// Clear drains the counter of the fd that woke Block, re-arming it.
func (ep *Epoll) Clear() error {
	_, err := syscall.Read(int(ep.events[0].Fd), ep.buf[:])
	return err
}

func (ep *Epoll) Close() error {
	if ep.fd != 0 {
		return unix.Close(ep.fd)
	}
	return nil
}
