package maintenance

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var (
	// ErrMaintenanceBlocked is returned when a transfer is started while the node
	// waits for maintenance. It is transient, the caller should retry later.
	ErrMaintenanceBlocked = errors.New("maintenance blocked: node is waiting for maintenance")
	// ErrTransferActive is returned when maintenance is requested while state
	// transfer sessions are still streaming.
	ErrTransferActive = errors.New("state transfer in progress")
	// ErrInvalidStatus is returned by Validate for a word that breaks the
	// mutual exclusion between waiting and transferring.
	ErrInvalidStatus = errors.New("invalid maintenance status")
)

// Flag is one maintenance flag
type Flag uint64

const (
	PerformStateTransfer Flag = 1 << iota
	WaitForMaintenance
	PerformReplication
)

const (
	flagMask      = uint64(PerformStateTransfer | WaitForMaintenance | PerformReplication)
	transferShift = 16
	transferUnit  = uint64(1) << transferShift
)

// String returns the name of the flag
func (f Flag) String() string {
	switch f {
	case PerformStateTransfer:
		return "PerformStateTransfer"
	case WaitForMaintenance:
		return "WaitForMaintenance"
	case PerformReplication:
		return "PerformReplication"
	default:
		return fmt.Sprintf("Flag(%d)", uint64(f))
	}
}

// Snapshot is an immutable copy of the status taken at one point in time
type Snapshot struct {
	PerformStateTransfer bool
	WaitForMaintenance   bool
	PerformReplication   bool
	ActiveTransfers      int
}

// String returns a compact representation like "transfer(2)|replication"
func (s Snapshot) String() string {
	var parts []string
	if s.PerformStateTransfer {
		parts = append(parts, fmt.Sprintf("transfer(%d)", s.ActiveTransfers))
	}
	if s.WaitForMaintenance {
		parts = append(parts, "maintenance")
	}
	if s.PerformReplication {
		parts = append(parts, "replication")
	}
	if len(parts) == 0 {
		return "idle"
	}
	return strings.Join(parts, "|")
}

// Status is the shared maintenance status. The zero value has no flags set.
// It must be passed by pointer and never copied.
type Status struct {
	word atomic.Uint64
}

// NewStatus creates a status with the given flags set. Passing both
// WaitForMaintenance and PerformStateTransfer returns ErrInvalidStatus.
func NewStatus(flags ...Flag) (*Status, error) {
	var word uint64
	for _, f := range flags {
		word |= uint64(f)
	}
	if word&uint64(PerformStateTransfer) != 0 {
		word += transferUnit
	}
	if err := Validate(word); err != nil {
		return nil, err
	}
	s := &Status{}
	s.word.Store(word)
	return s, nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Snapshot returns the current status
func (s *Status) Snapshot() Snapshot {
	return decode(s.word.Load())
}

// Has reports whether flag f is currently set
func (s *Status) Has(f Flag) bool {
	return s.word.Load()&uint64(f) != 0
}

// ActiveTransfers returns the number of sessions between BeginTransfer and EndTransfer
func (s *Status) ActiveTransfers() int {
	return int(s.word.Load() >> transferShift)
}

// --------------------------------------------------------------------------
// Updates
// --------------------------------------------------------------------------

// SetWaitForMaintenance puts the node into maintenance. It fails with
// ErrTransferActive while transfer sessions are streaming.
func (s *Status) SetWaitForMaintenance() error {
	return s.update(func(old uint64) (uint64, error) {
		if old&uint64(PerformStateTransfer) != 0 {
			return old, fmt.Errorf("%w: %d sessions active", ErrTransferActive, old>>transferShift)
		}
		return old | uint64(WaitForMaintenance), nil
	})
}

// ClearWaitForMaintenance leaves maintenance
func (s *Status) ClearWaitForMaintenance() {
	_ = s.update(func(old uint64) (uint64, error) {
		return old &^ uint64(WaitForMaintenance), nil
	})
}

// SetReplication sets or clears the informational PerformReplication flag.
// It is independent of the other two flags and never blocks a transfer.
func (s *Status) SetReplication(enabled bool) {
	_ = s.update(func(old uint64) (uint64, error) {
		if enabled {
			return old | uint64(PerformReplication), nil
		}
		return old &^ uint64(PerformReplication), nil
	})
}

// BeginTransfer registers a streaming transfer session and sets
// PerformStateTransfer. It fails with ErrMaintenanceBlocked while the node
// waits for maintenance.
func (s *Status) BeginTransfer() error {
	return s.update(func(old uint64) (uint64, error) {
		if old&uint64(WaitForMaintenance) != 0 {
			return old, ErrMaintenanceBlocked
		}
		return (old + transferUnit) | uint64(PerformStateTransfer), nil
	})
}

// EndTransfer unregisters a session started with BeginTransfer. The
// PerformStateTransfer flag is cleared with the last session.
func (s *Status) EndTransfer() {
	_ = s.update(func(old uint64) (uint64, error) {
		if old>>transferShift == 0 {
			return old, nil
		}
		word := old - transferUnit
		if word>>transferShift == 0 {
			word &^= uint64(PerformStateTransfer)
		}
		return word, nil
	})
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// Validate checks the invariants of a raw status word
func Validate(word uint64) error {
	flags := word & flagMask
	count := word >> transferShift
	if flags&uint64(WaitForMaintenance) != 0 && flags&uint64(PerformStateTransfer) != 0 {
		return fmt.Errorf("%w: WaitForMaintenance and PerformStateTransfer are both set", ErrInvalidStatus)
	}
	if (count > 0) != (flags&uint64(PerformStateTransfer) != 0) {
		return fmt.Errorf("%w: %d active transfers with PerformStateTransfer=%t", ErrInvalidStatus, count, flags&uint64(PerformStateTransfer) != 0)
	}
	return nil
}

// update applies fn with compare-and-swap until it succeeds. The new word is
// validated before it is stored, a word breaking the invariants is never
// published.
func (s *Status) update(fn func(old uint64) (uint64, error)) error {
	for {
		old := s.word.Load()
		next, err := fn(old)
		if err != nil {
			return err
		}
		if err := Validate(next); err != nil {
			return err
		}
		if next == old || s.word.CompareAndSwap(old, next) {
			return nil
		}
	}
}

func decode(word uint64) Snapshot {
	return Snapshot{
		PerformStateTransfer: word&uint64(PerformStateTransfer) != 0,
		WaitForMaintenance:   word&uint64(WaitForMaintenance) != 0,
		PerformReplication:   word&uint64(PerformReplication) != 0,
		ActiveTransfers:      int(word >> transferShift),
	}
}
