package maintenance

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitAndTransferAreExclusive(t *testing.T) {
	s := &Status{}

	require.NoError(t, s.SetWaitForMaintenance())
	assert.ErrorIs(t, s.BeginTransfer(), ErrMaintenanceBlocked)
	assert.Zero(t, s.ActiveTransfers())

	s.ClearWaitForMaintenance()
	require.NoError(t, s.BeginTransfer())
	assert.True(t, s.Has(PerformStateTransfer))
	assert.ErrorIs(t, s.SetWaitForMaintenance(), ErrTransferActive)
	assert.False(t, s.Has(WaitForMaintenance))

	s.EndTransfer()
	assert.False(t, s.Has(PerformStateTransfer))
	require.NoError(t, s.SetWaitForMaintenance())
}

func TestTransferCounting(t *testing.T) {
	s := &Status{}
	require.NoError(t, s.BeginTransfer())
	require.NoError(t, s.BeginTransfer())
	assert.Equal(t, 2, s.ActiveTransfers())

	s.EndTransfer()
	assert.True(t, s.Has(PerformStateTransfer), "one session is still streaming")
	s.EndTransfer()
	assert.False(t, s.Has(PerformStateTransfer))

	// unbalanced end is a no-op
	s.EndTransfer()
	assert.Zero(t, s.ActiveTransfers())
}

func TestReplicationIsIndependent(t *testing.T) {
	s := &Status{}
	s.SetReplication(true)
	require.NoError(t, s.SetWaitForMaintenance())
	snap := s.Snapshot()
	assert.True(t, snap.PerformReplication)
	assert.True(t, snap.WaitForMaintenance)
	assert.Equal(t, "maintenance|replication", snap.String())

	s.SetReplication(false)
	assert.False(t, s.Has(PerformReplication))

	// transfers are admitted regardless of the replication flag
	s.ClearWaitForMaintenance()
	require.NoError(t, s.BeginTransfer())
	assert.False(t, s.Has(PerformReplication))
	s.SetReplication(true)
	assert.Equal(t, "transfer(1)|replication", s.Snapshot().String())
	s.EndTransfer()
}

func TestNewStatus(t *testing.T) {
	s, err := NewStatus(PerformReplication, PerformStateTransfer)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ActiveTransfers())

	_, err = NewStatus(WaitForMaintenance, PerformStateTransfer)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		word    uint64
		wantErr bool
	}{
		{"idle", 0, false},
		{"waiting", uint64(WaitForMaintenance), false},
		{"transferring", uint64(PerformStateTransfer) | transferUnit, false},
		{"both", uint64(PerformStateTransfer|WaitForMaintenance) | transferUnit, true},
		{"flag without sessions", uint64(PerformStateTransfer), true},
		{"sessions without flag", transferUnit, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.word)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidStatus)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConcurrentUpdatesKeepInvariant(t *testing.T) {
	s := &Status{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if s.BeginTransfer() == nil {
					s.EndTransfer()
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if s.SetWaitForMaintenance() == nil {
					s.ClearWaitForMaintenance()
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, Validate(s.word.Load()))
	assert.Zero(t, s.ActiveTransfers())
}
