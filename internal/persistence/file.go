package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/learning"
	"github.com/vantrade/edgerun/internal/ledger"
)

const (
	weightsFile = "weights.json"
	ledgerFile  = "ledger.json"
	signalsFile = "signals.json"
	cyclesFile  = "cycles.json"

	cycleHistoryLimit = 200
)

// FileStore keeps all state as JSON files under a single directory.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a half-written state file behind.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) writeJSON(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// readJSON decodes the named file into v. A missing file returns
// (false, nil) so callers can fall back to defaults; a file that exists
// but does not decode returns a CorruptStateError.
func (s *FileStore) readJSON(name string, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, &CorruptStateError{Path: path, Err: err}
	}
	return true, nil
}

func (s *FileStore) SaveWeights(_ context.Context, states []learning.WeightState) error {
	return s.writeJSON(weightsFile, states)
}

func (s *FileStore) LoadWeights(_ context.Context) ([]learning.WeightState, error) {
	var states []learning.WeightState
	if _, err := s.readJSON(weightsFile, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (s *FileStore) SaveLedger(_ context.Context, state ledger.State) error {
	return s.writeJSON(ledgerFile, state)
}

func (s *FileStore) LoadLedger(_ context.Context) (ledger.State, error) {
	var state ledger.State
	if _, err := s.readJSON(ledgerFile, &state); err != nil {
		return ledger.State{}, err
	}
	return state, nil
}

func (s *FileStore) SaveSignals(_ context.Context, sigs []domain.Signal) error {
	return s.writeJSON(signalsFile, sigs)
}

func (s *FileStore) LoadSignals(_ context.Context) ([]domain.Signal, error) {
	var sigs []domain.Signal
	if _, err := s.readJSON(signalsFile, &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

func (s *FileStore) RecordCycle(_ context.Context, rec CycleRecord) error {
	var history []CycleRecord
	if _, err := s.readJSON(cyclesFile, &history); err != nil {
		// Corrupt cycle history is diagnostics, not trading state.
		// Start a fresh file instead of failing the cycle.
		history = nil
	}
	history = append(history, rec)
	if len(history) > cycleHistoryLimit {
		history = history[len(history)-cycleHistoryLimit:]
	}
	return s.writeJSON(cyclesFile, history)
}

func (s *FileStore) RecentCycles(_ context.Context, n int) ([]CycleRecord, error) {
	var history []CycleRecord
	if _, err := s.readJSON(cyclesFile, &history); err != nil {
		return nil, err
	}
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	// Most recent first.
	out := make([]CycleRecord, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
	}
	return out, nil
}
