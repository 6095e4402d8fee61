package transfer

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackDialer connects sessions to receivers of the same process
type LoopbackDialer struct {
	mu        sync.RWMutex
	receivers map[string]*Receiver
}

// NewLoopbackDialer creates a dialer without receivers
func NewLoopbackDialer() *LoopbackDialer {
	return &LoopbackDialer{receivers: make(map[string]*Receiver)}
}

// Register makes r reachable as peer
func (d *LoopbackDialer) Register(peer string, r *Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receivers[peer] = r
}

// Dial implements IPeerDialer
func (d *LoopbackDialer) Dial(_ context.Context, peer string) (IPeerStream, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.receivers[peer]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peer)
	}
	return &loopbackStream{receiver: r}, nil
}

type loopbackStream struct {
	receiver *Receiver
}

func (s *loopbackStream) Begin(ctx context.Context, req BeginRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.receiver.Begin(req)
}

func (s *loopbackStream) SendSnapshot(ctx context.Context, chunk SnapshotChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.receiver.ApplySnapshot(chunk)
}

func (s *loopbackStream) SendOperations(ctx context.Context, batch OperationBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.receiver.ApplyOperations(batch)
}

func (s *loopbackStream) Complete(ctx context.Context, c Completion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.receiver.Complete(c)
}

func (s *loopbackStream) Close() error { return nil }
