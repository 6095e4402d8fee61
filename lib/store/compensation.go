package store

import "fmt"

// RestoreCompensation undoes one MutationRecord by writing the prior entry back
// (or removing the key if it did not exist before). It implements
// rollback.ICompensation.
type RestoreCompensation struct {
	Mutator IMutator
	Record  MutationRecord
}

// Execute restores the state from before the recorded mutation
func (c RestoreCompensation) Execute() error {
	if !c.Record.Changed {
		return nil
	}
	m := &Mutation{Op: OpDelete}
	if c.Record.Prior != nil {
		m = &Mutation{Op: OpApply, Entry: *c.Record.Prior}
	}
	if _, err := c.Mutator.Mutate(c.Record.Key, m); err != nil {
		return fmt.Errorf("failed to restore key %q: %w", c.Record.Key, err)
	}
	return nil
}
