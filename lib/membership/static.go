package membership

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dCache/lib/maintenance"
	"github.com/ValentinKolb/dCache/lib/transfer"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("membership")

var (
	// ErrClosed is returned after Close
	ErrClosed = errors.New("membership closed")
	// ErrRequestQueueFull is returned when transfer requests are not consumed
	ErrRequestQueueFull = errors.New("transfer request queue full")
)

const requestBuffer = 64

// IMembership is the view of the membership service a node depends on
type IMembership interface {
	transfer.IRequestSource

	// Status returns the process wide maintenance status
	Status() *maintenance.Status
	// Close stops delivering transfer requests
	Close() error
}

// Static is a membership driven by method calls
type Static struct {
	status   *maintenance.Status
	requests chan transfer.TransferRequest

	mu       sync.Mutex
	closed   bool
	failures map[string]error
	onFail   func(peer string, err error)
}

// NewStatic creates a membership using status
func NewStatic(status *maintenance.Status) *Static {
	return &Static{
		status:   status,
		requests: make(chan transfer.TransferRequest, requestBuffer),
		failures: make(map[string]error),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IMembership)
// --------------------------------------------------------------------------

func (s *Static) Status() *maintenance.Status {
	return s.status
}

func (s *Static) TransferRequests() <-chan transfer.TransferRequest {
	return s.requests
}

func (s *Static) ReportTransferFailure(peer string, err error) {
	s.mu.Lock()
	s.failures[peer] = err
	onFail := s.onFail
	s.mu.Unlock()

	Logger.Errorf("transfer to %s failed: %v", peer, err)
	if onFail != nil {
		onFail(peer, err)
	}
}

func (s *Static) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.requests)
	return nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// RequestTransfer authorizes a transfer session. It never blocks.
func (s *Static) RequestTransfer(req transfer.TransferRequest) error {
	if req.Peer == "" {
		return fmt.Errorf("transfer request without peer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.requests <- req:
		delete(s.failures, req.Peer)
		return nil
	default:
		return fmt.Errorf("%w: transfer to %s", ErrRequestQueueFull, req.Peer)
	}
}

// SetMaintenance turns maintenance mode on or off. Turning it on fails with
// maintenance.ErrTransferActive while sessions are transferring.
func (s *Static) SetMaintenance(on bool) error {
	if !on {
		s.status.ClearWaitForMaintenance()
		Logger.Infof("maintenance mode off")
		return nil
	}
	if err := s.status.SetWaitForMaintenance(); err != nil {
		return err
	}
	Logger.Infof("maintenance mode on")
	return nil
}

// Failure returns the last reported failure of a transfer to peer (nil if
// none was reported since the last request)
func (s *Static) Failure(peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[peer]
}

// OnFailure registers a callback for reported transfer failures
func (s *Static) OnFailure(fn func(peer string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFail = fn
}
