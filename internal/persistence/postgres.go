package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/learning"
	"github.com/vantrade/edgerun/internal/ledger"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS weight_states (
	component     TEXT NOT NULL,
	regime        TEXT NOT NULL,
	wins          INTEGER NOT NULL DEFAULT 0,
	losses        INTEGER NOT NULL DEFAULT 0,
	ewma_win_rate DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	ewma_pnl      DOUBLE PRECISION NOT NULL DEFAULT 0,
	multiplier    DOUBLE PRECISION NOT NULL DEFAULT 1,
	last_updated  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (component, regime)
);

CREATE TABLE IF NOT EXISTS ledger_state (
	id         INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS signal_snapshots (
	symbol     TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS cycle_history (
	id             TEXT PRIMARY KEY,
	started_at     TIMESTAMPTZ NOT NULL,
	duration_ns    BIGINT NOT NULL,
	regime         TEXT NOT NULL,
	symbols_scored INTEGER NOT NULL,
	admitted       INTEGER NOT NULL,
	vetoed         INTEGER NOT NULL,
	flips          INTEGER NOT NULL,
	exits          INTEGER NOT NULL,
	queue_depth    INTEGER NOT NULL,
	error          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_cycle_history_started ON cycle_history (started_at DESC);
`

// PostgresStore backs the full persistence surface with Postgres. The
// ledger and signal payloads are stored as JSONB so schema changes in
// the domain structs do not require migrations; weights and cycles get
// real columns because they are queried.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	if _, err := s.db.Exec(pgSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) SaveWeights(ctx context.Context, states []learning.WeightState) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin weights tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO weight_states (component, regime, wins, losses, ewma_win_rate, ewma_pnl, multiplier, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (component, regime) DO UPDATE SET
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			ewma_win_rate = EXCLUDED.ewma_win_rate,
			ewma_pnl = EXCLUDED.ewma_pnl,
			multiplier = EXCLUDED.multiplier,
			last_updated = EXCLUDED.last_updated`
	for _, ws := range states {
		if _, err := tx.ExecContext(ctx, q,
			ws.Component, ws.Regime, ws.Wins, ws.Losses,
			ws.EWMAWinRate, ws.EWMAPnL, ws.Multiplier, ws.LastUpdated,
		); err != nil {
			return fmt.Errorf("upsert weight %s/%s: %w", ws.Component, ws.Regime, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit weights tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadWeights(ctx context.Context) ([]learning.WeightState, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT component, regime, wins, losses, ewma_win_rate, ewma_pnl, multiplier, last_updated
		FROM weight_states`)
	if err != nil {
		return nil, fmt.Errorf("query weights: %w", err)
	}
	defer rows.Close()

	var states []learning.WeightState
	for rows.Next() {
		var ws learning.WeightState
		if err := rows.Scan(&ws.Component, &ws.Regime, &ws.Wins, &ws.Losses,
			&ws.EWMAWinRate, &ws.EWMAPnL, &ws.Multiplier, &ws.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan weight row: %w", err)
		}
		states = append(states, ws)
	}
	return states, rows.Err()
}

func (s *PostgresStore) SaveLedger(ctx context.Context, state ledger.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal ledger state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_state (id, state, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`, raw)
	if err != nil {
		return fmt.Errorf("upsert ledger state: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadLedger(ctx context.Context) (ledger.State, error) {
	var raw []byte
	err := s.db.QueryRowxContext(ctx, `SELECT state FROM ledger_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.State{}, nil
	}
	if err != nil {
		return ledger.State{}, fmt.Errorf("query ledger state: %w", err)
	}
	var state ledger.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return ledger.State{}, &CorruptStateError{Path: "ledger_state", Err: err}
	}
	return state, nil
}

func (s *PostgresStore) SaveSignals(ctx context.Context, sigs []domain.Signal) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin signals tx: %w", err)
	}
	defer tx.Rollback()

	for _, sig := range sigs {
		raw, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal signal %s: %w", sig.Symbol, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO signal_snapshots (symbol, payload, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (symbol) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
			sig.Symbol, raw,
		); err != nil {
			return fmt.Errorf("upsert signal %s: %w", sig.Symbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit signals tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSignals(ctx context.Context) ([]domain.Signal, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT symbol, payload FROM signal_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var sigs []domain.Signal
	for rows.Next() {
		var (
			symbol string
			raw    []byte
		)
		if err := rows.Scan(&symbol, &raw); err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}
		var sig domain.Signal
		if err := json.Unmarshal(raw, &sig); err != nil {
			return nil, &CorruptStateError{Path: "signal_snapshots/" + symbol, Err: err}
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

func (s *PostgresStore) RecordCycle(ctx context.Context, rec CycleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_history (id, started_at, duration_ns, regime, symbols_scored, admitted, vetoed, flips, exits, queue_depth, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.StartedAt, int64(rec.Duration), rec.Regime, rec.SymbolsScored,
		rec.Admitted, rec.Vetoed, rec.Flips, rec.Exits, rec.QueueDepth, rec.Error)
	if err != nil {
		return fmt.Errorf("insert cycle record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentCycles(ctx context.Context, n int) ([]CycleRecord, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, started_at, duration_ns, regime, symbols_scored, admitted, vetoed, flips, exits, queue_depth, error
		FROM cycle_history ORDER BY started_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var recs []CycleRecord
	for rows.Next() {
		var (
			rec CycleRecord
			ns  int64
		)
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &ns, &rec.Regime, &rec.SymbolsScored,
			&rec.Admitted, &rec.Vetoed, &rec.Flips, &rec.Exits, &rec.QueueDepth, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan cycle row: %w", err)
		}
		rec.Duration = time.Duration(ns)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
