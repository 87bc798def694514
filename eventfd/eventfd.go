//go:build linux

// Package eventfd wraps the Linux eventfd and epoll primitives used to wait
// for mailbox activity and to wake waiters during shutdown.
package eventfd

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking eventfd used as a doorbell.
type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return EventFD{fd: -1}, err
	}
	return EventFD{fd: fd}, nil
}

// Kick adds one to the counter, waking anyone polling the descriptor.
func (e *EventFD) Kick() error {
	binary.NativeEndian.PutUint64(e.buf[:], 1)
	_, err := unix.Write(e.fd, e.buf[:])
	return err
}

// Drain resets the counter and returns its previous value. A counter that is
// already zero returns 0 without an error.
func (e *EventFD) Drain() (uint64, error) {
	_, err := unix.Read(e.fd, e.buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, err
	}
	return binary.NativeEndian.Uint64(e.buf[:]), nil
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd >= 0 {
		fd := e.fd
		e.fd = -1
		return unix.Close(fd)
	}
	return nil
}

// Epoll waits for readability on a set of file descriptors.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return Epoll{fd: -1}, err
	}
	return Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 4),
	}, nil
}

// AddEvent starts watching fdToAdd for readability.
func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits until at least one watched descriptor is readable and returns
// the readable descriptors. An interrupted wait returns no descriptors and no
// error.
func (ep *Epoll) Block() ([]int, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	ready := make([]int, n)
	for i := range n {
		ready[i] = int(ep.events[i].Fd)
	}
	return ready, nil
}

func (ep *Epoll) Close() error {
	if ep.fd >= 0 {
		fd := ep.fd
		ep.fd = -1
		return unix.Close(fd)
	}
	return nil
}
