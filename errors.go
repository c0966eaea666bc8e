package ptnet

import (
	"errors"
	"fmt"
)

var (
	// ErrRingFull is returned by Submit when the transmit ring has no free
	// slots. The producer side has been armed for a completion interrupt;
	// retry after OnTxReady fires.
	ErrRingFull = errors.New("transmit ring full")

	// ErrAlreadyRegistered is returned when a registration in a different
	// mode is attempted without unregistering first.
	ErrAlreadyRegistered = errors.New("already registered in a different mode")

	// ErrNotRegistered is returned by datapath operations before Register
	// has completed.
	ErrNotRegistered = errors.New("not registered")

	// ErrNotSupported is returned when feature negotiation with the backend
	// fails to agree on the base feature set.
	ErrNotSupported = errors.New("backend does not support required features")

	// ErrNoCSB is returned when an operation needs the shared control block
	// and none has been attached.
	ErrNoCSB = errors.New("no control block attached")

	// ErrSessionBroken is returned once the backend has published a cursor
	// outside the ring. No further datapath calls will succeed until the
	// interface is unregistered and registered again.
	ErrSessionBroken = errors.New("backend published invalid cursor, session broken")

	// ErrPacketTooLong is returned by Submit when a packet needs more slots
	// than the ring can ever hold.
	ErrPacketTooLong = errors.New("packet exceeds ring capacity")

	// ErrInvalidPacket is returned by Submit when the packet violates the
	// producer contract, e.g. a zero-length scatter-gather fragment.
	ErrInvalidPacket = errors.New("invalid packet")
)

// ControlError reports a backend register-file command that completed with a
// non-ok status.
type ControlError struct {
	Op     uint32
	Status uint32
}

func (e ControlError) Error() string {
	return fmt.Sprintf("control command %d failed with status %d", e.Op, e.Status)
}

// invalidCursorError wraps ErrSessionBroken with the offending value.
func invalidCursorError(ring string, field string, val uint32, nslots uint32) error {
	return fmt.Errorf("%s ring %s=%d outside [0,%d): %w", ring, field, val, nslots, ErrSessionBroken)
}
