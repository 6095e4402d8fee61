package membership

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ValentinKolb/dCache/lib/maintenance"
	"github.com/ValentinKolb/dCache/lib/transfer"
	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce = 100 * time.Millisecond
	// maintenanceRecheck is the interval a refused maintenance request is retried
	maintenanceRecheck = time.Second
)

// FileState is the content of the membership file
type FileState struct {
	Maintenance bool           `json:"maintenance"`
	Transfers   []FileTransfer `json:"transfers,omitempty"`
}

// FileTransfer is one authorized transfer of the membership file
type FileTransfer struct {
	Peer       string            `json:"peer"`
	Reason     string            `json:"reason,omitempty"`
	Partitions []uint32          `json:"partitions,omitempty"`
	From       map[uint32]uint64 `json:"from,omitempty"`
}

func (t FileTransfer) request() transfer.TransferRequest {
	return transfer.TransferRequest{
		Peer:       t.Peer,
		Reason:     t.Reason,
		Partitions: t.Partitions,
		From:       t.From,
	}
}

// fingerprint identifies a transfer entry across reloads
func (t FileTransfer) fingerprint() string {
	data, _ := json.Marshal(t)
	return string(data)
}

// FileWatcher is a membership that follows a JSON file
type FileWatcher struct {
	*Static

	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu          sync.Mutex
	requested   map[string]bool // fingerprints of requested transfers
	maintenance bool            // desired maintenance state

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewFileWatcher loads path and starts following it. A missing file is
// treated as empty until it is created.
func NewFileWatcher(path string, status *maintenance.Status, debounce time.Duration) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// watch the directory, editors and orchestrators replace files by rename
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &FileWatcher{
		Static:    NewStatic(status),
		path:      path,
		debounce:  debounce,
		watcher:   watcher,
		requested: make(map[string]bool),
		stop:      make(chan struct{}),
	}
	if err := w.Reload(); err != nil {
		Logger.Warningf("failed to load membership file %s: %v", path, err)
	}

	w.wg.Add(1)
	go w.processEvents()
	Logger.Infof("following membership file %s", path)
	return w, nil
}

// Reload reads the file and applies it
func (w *FileWatcher) Reload() error {
	state, err := readState(w.path)
	if err != nil {
		return err
	}
	w.apply(state)
	return nil
}

// Close stops following the file and closes the request channel
func (w *FileWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		w.wg.Wait()
		err = errors.Join(err, w.Static.Close())
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (w *FileWatcher) processEvents() {
	defer w.wg.Done()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	recheck := time.NewTicker(maintenanceRecheck)
	defer recheck.Stop()

	for {
		select {
		case <-w.stop:
			debounce.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				debounce.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			Logger.Warningf("membership file watcher error: %v", err)

		case <-debounce.C:
			if err := w.Reload(); err != nil {
				Logger.Warningf("failed to reload membership file %s: %v", w.path, err)
			}

		case <-recheck.C:
			w.applyMaintenance()
		}
	}
}

func (w *FileWatcher) apply(state FileState) {
	w.mu.Lock()
	w.maintenance = state.Maintenance

	seen := make(map[string]bool, len(state.Transfers))
	var fresh []FileTransfer
	for _, t := range state.Transfers {
		fp := t.fingerprint()
		seen[fp] = true
		if !w.requested[fp] {
			fresh = append(fresh, t)
		}
	}
	// entries removed from the file may be requested again later
	for fp := range w.requested {
		if !seen[fp] {
			delete(w.requested, fp)
		}
	}
	w.mu.Unlock()

	w.applyMaintenance()

	for _, t := range fresh {
		if err := w.RequestTransfer(t.request()); err != nil {
			Logger.Warningf("failed to request transfer to %s: %v", t.Peer, err)
			continue
		}
		w.mu.Lock()
		w.requested[t.fingerprint()] = true
		w.mu.Unlock()
	}
}

// applyMaintenance moves the status towards the desired maintenance state
func (w *FileWatcher) applyMaintenance() {
	w.mu.Lock()
	want := w.maintenance
	w.mu.Unlock()

	if want == w.Status().Has(maintenance.WaitForMaintenance) {
		return
	}
	if err := w.SetMaintenance(want); err != nil {
		Logger.Infof("maintenance requested but not possible yet: %v", err)
	}
}

// Requested returns the peers of all transfers requested from the current file
func (w *FileWatcher) Requested() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var peers []string
	for fp := range w.requested {
		var t FileTransfer
		if err := json.Unmarshal([]byte(fp), &t); err == nil {
			peers = append(peers, t.Peer)
		}
	}
	slices.Sort(peers)
	return peers
}

func readState(path string) (FileState, error) {
	var state FileState
	data, err := os.ReadFile(path) // #nosec G304 -- path from configuration
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to read membership file: %w", err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to parse membership file: %w", err)
	}
	for i, t := range state.Transfers {
		if t.Peer == "" {
			return state, fmt.Errorf("transfer %d of membership file has no peer", i)
		}
	}
	return state, nil
}
