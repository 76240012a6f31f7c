package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/learning"
	"github.com/vantrade/edgerun/internal/ledger"
)

// CorruptStateError marks state that exists but cannot be decoded.
// Callers must treat it as recoverable: log at critical severity and
// fall back to safe defaults rather than crash.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state at %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// CycleRecord is one worker cycle's outcome, kept for diagnostics and
// the status API.
type CycleRecord struct {
	ID            string        `json:"id" db:"id"`
	StartedAt     time.Time     `json:"started_at" db:"started_at"`
	Duration      time.Duration `json:"duration" db:"duration_ns"`
	Regime        string        `json:"regime" db:"regime"`
	SymbolsScored int           `json:"symbols_scored" db:"symbols_scored"`
	Admitted      int           `json:"admitted" db:"admitted"`
	Vetoed        int           `json:"vetoed" db:"vetoed"`
	Flips         int           `json:"flips" db:"flips"`
	Exits         int           `json:"exits" db:"exits"`
	QueueDepth    int           `json:"queue_depth" db:"queue_depth"`
	Error         string        `json:"error,omitempty" db:"error"`
}

// WeightStore persists learned weight multipliers across restarts.
type WeightStore interface {
	SaveWeights(ctx context.Context, states []learning.WeightState) error
	// LoadWeights returns an empty slice when nothing was ever saved.
	LoadWeights(ctx context.Context) ([]learning.WeightState, error)
}

// LedgerStore persists the position ledger.
type LedgerStore interface {
	SaveLedger(ctx context.Context, state ledger.State) error
	LoadLedger(ctx context.Context) (ledger.State, error)
}

// SignalStore persists the signal cache so a restart does not start
// from an empty universe.
type SignalStore interface {
	SaveSignals(ctx context.Context, sigs []domain.Signal) error
	LoadSignals(ctx context.Context) ([]domain.Signal, error)
}

// CycleStore records per-cycle diagnostics.
type CycleStore interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
	RecentCycles(ctx context.Context, n int) ([]CycleRecord, error)
}

// Store is the full persistence surface the worker depends on.
type Store interface {
	WeightStore
	LedgerStore
	SignalStore
	CycleStore
	Close() error
}
