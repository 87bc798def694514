package virtqueue

import (
	"errors"
	"fmt"
)

// ErrQueueSizeInvalid is returned when a queue size is invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// MaxQueueSize is the largest supported ring capacity.
const MaxQueueSize = 32768

// CheckQueueSize checks if the given value would be a valid capacity for a
// ring and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, queueSize)
	}

	// Ring positions are taken as index & (size-1), which only matches the
	// 16-bit index wrap when the size is a power of 2.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	}

	if queueSize > MaxQueueSize {
		return fmt.Errorf("%w: %d is larger than the maximum queue size %d, "+
			"a full ring of %d would look empty to 16-bit indices",
			ErrQueueSizeInvalid, queueSize, MaxQueueSize, 2*MaxQueueSize)
	}

	return nil
}

// ErrAlignmentInvalid is returned when a ring alignment is invalid.
var ErrAlignmentInvalid = errors.New("ring alignment is invalid")

// DefaultAlign is the alignment of the completed ring when none is given.
const DefaultAlign = 4096

// CheckAlign checks if the given value can be used to align the completed ring.
func CheckAlign(align int) error {
	if align < completedRingAlignment {
		return fmt.Errorf("%w: %d is smaller than %d", ErrAlignmentInvalid, align, completedRingAlignment)
	}
	if align&(align-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrAlignmentInvalid, align)
	}
	return nil
}
