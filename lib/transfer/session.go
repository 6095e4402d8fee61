package transfer

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ValentinKolb/dCache/lib/replication"
	gometrics "github.com/rcrowley/go-metrics"
)

// State is the state of a transfer session
type State uint8

const (
	StatePending State = iota
	StateSnapshotting
	StateReplaying
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSnapshotting:
		return "snapshotting"
	case StateReplaying:
		return "replaying"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Terminal returns true for Complete and Failed
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// PartitionProgress is the progress of one partition of a session
type PartitionProgress struct {
	Partition   uint32
	Cursor      uint64 // last sequence number acknowledged by the peer
	SnapshotSeq uint64 // log position of the last snapshot (0 if replay only)
	Snapshots   int
	Done        bool
}

// SessionInfo is a point-in-time copy of the observable state of a session
type SessionInfo struct {
	ID          string
	Peer        string
	Reason      string
	State       State
	Err         error
	Started     time.Time
	Updated     time.Time
	Retries     int
	BytesSent   int64
	EntriesSent int64
	OpsSent     int64
	ByteRate1   float64 // bytes per second, one minute moving average
	Partitions  []PartitionProgress
}

func (i SessionInfo) String() string {
	done := 0
	for _, p := range i.Partitions {
		if p.Done {
			done++
		}
	}
	s := fmt.Sprintf("session %s peer=%s state=%s partitions=%d/%d entries=%d ops=%d bytes=%d retries=%d",
		i.ID, i.Peer, i.State, done, len(i.Partitions), i.EntriesSent, i.OpsSent, i.BytesSent, i.Retries)
	if i.Err != nil {
		s += fmt.Sprintf(" err=%q", i.Err.Error())
	}
	return s
}

// Session is the transfer of a set of partitions to one peer
type Session struct {
	ID     string
	Peer   string
	Reason string

	log  *replication.Log
	from map[uint32]uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	bytes   gometrics.Meter
	entries gometrics.Meter
	ops     gometrics.Meter
	elapsed gometrics.Timer

	mu        sync.Mutex
	state     State
	err       error
	started   time.Time
	updated   time.Time
	retries   int
	cancelled bool
	progress  map[uint32]*PartitionProgress
	cursors   map[uint32]struct{}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error of a failed session
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reached a terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a copy of the observable session state
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:          s.ID,
		Peer:        s.Peer,
		Reason:      s.Reason,
		State:       s.state,
		Err:         s.err,
		Started:     s.started,
		Updated:     s.updated,
		Retries:     s.retries,
		BytesSent:   s.bytes.Count(),
		EntriesSent: s.entries.Count(),
		OpsSent:     s.ops.Count(),
		ByteRate1:   s.bytes.Rate1(),
	}
	for _, id := range slices.Sorted(maps.Keys(s.progress)) {
		info.Partitions = append(info.Partitions, *s.progress[id])
	}
	return info
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if s.state != state {
		Logger.Debugf("session %s (peer %s): %s -> %s", s.ID, s.Peer, s.state, state)
	}
	s.state = state
	s.updated = time.Now()
}

// finish moves the session into a terminal state. It returns false if the
// session already was terminal.
func (s *Session) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	if err != nil {
		s.state, s.err = StateFailed, err
	} else {
		s.state = StateComplete
	}
	s.updated = time.Now()
	return true
}

// registerCursor pins the log of a partition at seq for this session
func (s *Session) registerCursor(partition uint32, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return ErrSessionCancelled
	}
	if err := s.log.RegisterCursor(partition, s.ID, seq); err != nil {
		return err
	}
	s.cursors[partition] = struct{}{}
	p := s.progress[partition]
	p.Cursor = seq
	return nil
}

// advance records that the peer acknowledged everything up to seq
func (s *Session) advance(partition uint32, seq uint64) {
	s.log.AdvanceCursor(partition, s.ID, seq)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[partition].Cursor = seq
	s.updated = time.Now()
}

func (s *Session) cursor(partition uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress[partition].Cursor
}

func (s *Session) snapshotted(partition uint32, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress[partition]
	p.SnapshotSeq = seq
	p.Snapshots++
}

func (s *Session) partitionDone(partition uint32) {
	s.releaseCursor(partition)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[partition].Done = true
}

func (s *Session) releaseCursor(partition uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cursors[partition]; ok {
		s.log.ReleaseCursor(partition, s.ID)
		delete(s.cursors, partition)
	}
}

// releaseCursors releases every cursor of the session. If cancel is set, the
// session refuses to register new cursors afterwards.
func (s *Session) releaseCursors(cancel bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel {
		s.cancelled = true
	}
	for partition := range s.cursors {
		s.log.ReleaseCursor(partition, s.ID)
	}
	clear(s.cursors)
}

func (s *Session) retried() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

func (s *Session) partitions() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.progress))
}
