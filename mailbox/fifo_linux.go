package mailbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ipcvq/eventfd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const payloadSize = 4

// FIFO is a [Mailbox] for processors simulated by separate processes on one
// host. Every processor owns a named pipe in a shared directory; a payload is
// one 4 byte write, which the kernel delivers atomically and in order.
type FIFO struct {
	l   *logrus.Logger
	dir string

	mu      sync.Mutex
	writers map[ProcID]int
	readers map[ProcID]int
	closed  bool

	stop eventfd.EventFD
	eg   errgroup.Group
}

// NewFIFO returns a mailbox using pipes in dir, creating dir if needed.
func NewFIFO(l *logrus.Logger, dir string) (*FIFO, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create mailbox directory %s: %w", dir, err)
	}

	stop, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("create stop event file descriptor: %w", err)
	}

	return &FIFO{
		l:       l,
		dir:     dir,
		writers: make(map[ProcID]int),
		readers: make(map[ProcID]int),
		stop:    stop,
	}, nil
}

func (f *FIFO) path(p ProcID) string {
	return filepath.Join(f.dir, fmt.Sprintf("proc%d.fifo", p))
}

func (f *FIFO) ensurePipe(p ProcID) (string, error) {
	path := f.path(p)
	err := unix.Mkfifo(path, 0600)
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return "", fmt.Errorf("create pipe %s: %w", path, err)
	}
	return path, nil
}

// writer must be called with mu held.
func (f *FIFO) writer(remote ProcID) (int, error) {
	if fd, ok := f.writers[remote]; ok {
		return fd, nil
	}

	path, err := f.ensurePipe(remote)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			// Nobody has the read side open yet.
			return -1, fmt.Errorf("%w: processor %v is not listening", ErrUnknownProc, remote)
		}
		return -1, fmt.Errorf("open pipe %s: %w", path, err)
	}

	f.writers[remote] = fd
	return fd, nil
}

func (f *FIFO) Send(remote ProcID, payload Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	fd, err := f.writer(remote)
	if err != nil {
		return err
	}

	var b [payloadSize]byte
	binary.NativeEndian.PutUint32(b[:], uint32(payload))
	if _, err := unix.Write(fd, b[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("%w: pipe of processor %v", ErrFull, remote)
		}
		if errors.Is(err, unix.EPIPE) {
			// The peer went away, reopen on the next send.
			delete(f.writers, remote)
			unix.Close(fd)
			return fmt.Errorf("%w: processor %v stopped listening", ErrUnknownProc, remote)
		}
		return fmt.Errorf("write pipe of processor %v: %w", remote, err)
	}

	return nil
}

func (f *FIFO) ClearAndGetPayload(self ProcID) (Payload, bool) {
	f.mu.Lock()
	fd, ok := f.readers[self]
	f.mu.Unlock()
	if !ok {
		return 0, false
	}

	var (
		buf   [payloadSize * 16]byte
		last  Payload
		found bool
	)
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil || n <= 0 {
			if err != nil && !errors.Is(err, unix.EAGAIN) {
				f.l.WithError(err).WithField("proc", self).Error("Failed to read mailbox pipe")
			}
			return last, found
		}

		if n%payloadSize != 0 {
			f.l.WithField("proc", self).WithField("len", n).Warn("Dropping partial mailbox payload")
			n -= n % payloadSize
			if n == 0 {
				continue
			}
		}

		last = Payload(binary.NativeEndian.Uint32(buf[n-payloadSize : n]))
		found = true
	}
}

// Register opens the pipe of self and starts an interrupt goroutine that calls
// h whenever the pipe becomes readable. The pipe stays readable until
// [FIFO.ClearAndGetPayload] drains it, so h must do that.
func (f *FIFO) Register(self ProcID, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if _, ok := f.readers[self]; ok {
		return fmt.Errorf("%w: processor %v", ErrRegistered, self)
	}

	path, err := f.ensurePipe(self)
	if err != nil {
		return err
	}

	// Opening read-write keeps the pipe from reporting EOF while no writer
	// has it open.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open pipe %s: %w", path, err)
	}

	ep, err := eventfd.NewEpoll()
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("create epoll: %w", err)
	}
	if err = ep.AddEvent(fd); err != nil {
		ep.Close()
		unix.Close(fd)
		return fmt.Errorf("watch pipe %s: %w", path, err)
	}
	if err = ep.AddEvent(f.stop.FD()); err != nil {
		ep.Close()
		unix.Close(fd)
		return fmt.Errorf("watch stop event: %w", err)
	}

	f.readers[self] = fd
	stopFD := f.stop.FD()

	f.eg.Go(func() error {
		defer ep.Close()
		for {
			ready, err := ep.Block()
			if err != nil {
				return fmt.Errorf("wait for processor %v: %w", self, err)
			}

			for _, r := range ready {
				if r == stopFD {
					return nil
				}
			}
			if len(ready) > 0 {
				h()
			}
		}
	})

	return nil
}

// Close stops all interrupt goroutines, waits for them and closes all pipes.
// The pipe files are left in place for other processes.
func (f *FIFO) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	var errs []error
	if err := f.stop.Kick(); err != nil {
		errs = append(errs, fmt.Errorf("wake interrupt goroutines: %w", err))
	}
	if err := f.eg.Wait(); err != nil {
		errs = append(errs, err)
	}

	f.mu.Lock()
	for p, fd := range f.readers {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close pipe of processor %v: %w", p, err))
		}
	}
	for p, fd := range f.writers {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close pipe to processor %v: %w", p, err))
		}
	}
	f.readers = map[ProcID]int{}
	f.writers = map[ProcID]int{}
	f.mu.Unlock()

	if err := f.stop.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stop event: %w", err))
	}

	return errors.Join(errs...)
}
