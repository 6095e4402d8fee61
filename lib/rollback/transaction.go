package rollback

import (
	"errors"
	"fmt"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rollback")

// ErrCompensationFailed wraps every error returned (or panic raised) by a
// compensation during Rollback
var ErrCompensationFailed = errors.New("compensation failed")

// ICompensation undoes one completed step of a multi-step operation
type ICompensation interface {
	// Execute performs the compensation
	Execute() error
}

// CompensationFunc adapts a plain function to ICompensation
type CompensationFunc func() error

// Execute calls f
func (f CompensationFunc) Execute() error { return f() }

// Transaction is an ordered list of compensations
type Transaction struct {
	name          string
	compensations []ICompensation
	rollingBack   bool
}

// New creates an empty transaction. The name only shows up in log messages.
func New(name string) *Transaction {
	return &Transaction{name: name}
}

// AddCompensation registers c. Calls made while Rollback is running are ignored.
func (t *Transaction) AddCompensation(c ICompensation) {
	if t.rollingBack || c == nil {
		return
	}
	t.compensations = append(t.compensations, c)
}

// Len returns the number of registered compensations
func (t *Transaction) Len() int {
	return len(t.compensations)
}

// Commit discards all registered compensations without running them
func (t *Transaction) Commit() {
	t.clear()
}

// Rollback runs all compensations in reverse order of registration. Every
// failure is logged and the remaining compensations still run. The returned
// error joins all failures (each wrapping ErrCompensationFailed), it is nil if
// every compensation succeeded. The list is cleared in any case. A Rollback
// called from within a compensation is a no-op.
func (t *Transaction) Rollback() error {
	if t.rollingBack {
		return nil
	}
	t.rollingBack = true
	list := t.compensations
	t.compensations = nil
	defer func() {
		t.rollingBack = false
		clear(list)
		t.compensations = list[:0]
	}()

	var errs []error
	for i := len(list) - 1; i >= 0; i-- {
		if err := t.execute(list[i]); err != nil {
			err = fmt.Errorf("%w: transaction %s step %d: %w", ErrCompensationFailed, t.name, i, err)
			Logger.Errorf("%v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset clears the transaction so it can be reused for a new logical operation
func (t *Transaction) Reset() {
	t.clear()
	t.rollingBack = false
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// execute runs one compensation, converting a panic into an error
func (t *Transaction) execute(c ICompensation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Execute()
}

func (t *Transaction) clear() {
	clear(t.compensations)
	t.compensations = t.compensations[:0]
}
