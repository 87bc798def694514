// Package mailbox defines the interrupt collaborator used to kick a peer core
// and implementations of it for a single process and for cooperating
// processes on one Linux host.
package mailbox

import (
	"errors"
	"strconv"
)

var (
	// ErrFull is returned when the receiving mailbox has no room for another
	// payload.
	ErrFull = errors.New("mailbox is full")
	// ErrUnknownProc is returned when a processor can not be reached.
	ErrUnknownProc = errors.New("unknown processor")
	// ErrRegistered is returned when a second handler is registered for a
	// processor.
	ErrRegistered = errors.New("handler already registered")
	// ErrClosed is returned when the mailbox was closed.
	ErrClosed = errors.New("mailbox is closed")
)

// ProcID identifies a processor core.
type ProcID uint16

func (p ProcID) String() string {
	return strconv.Itoa(int(p))
}

// Payload is the word carried by one interrupt.
type Payload uint32

// Handler runs in interrupt context whenever the interrupt line of the
// registered processor fires. It must not block.
type Handler func()

// Mailbox is the per-SoC interrupt collaborator. Payloads are delivered to
// a processor in order. Handlers for one processor never run concurrently.
type Mailbox interface {
	// Send raises an interrupt at remote carrying payload.
	Send(remote ProcID, payload Payload) error
	// ClearAndGetPayload acknowledges the interrupt of self and returns the
	// last payload delivered to it, or false if nothing was pending.
	ClearAndGetPayload(self ProcID) (Payload, bool)
	// Register installs the interrupt handler for self.
	Register(self ProcID, h Handler) error
}
