package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/jackc/pgx/v5/stdlib"

	"perparb/internal/application/port"
	"perparb/internal/domain/model"
)

// Repo is the long-term archive. It keeps append-only history for offline
// analysis; the live engine never reads from it.
type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS opportunity_history (
  id BIGSERIAL PRIMARY KEY,
  ts_ms BIGINT NOT NULL,
  symbol TEXT NOT NULL,
  payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opp_hist_ts ON opportunity_history(ts_ms);
CREATE INDEX IF NOT EXISTS idx_opp_hist_symbol ON opportunity_history(symbol);

CREATE TABLE IF NOT EXISTS position_history (
  id BIGSERIAL PRIMARY KEY,
  position_id TEXT NOT NULL,
  ts_ms BIGINT NOT NULL,
  status TEXT NOT NULL,
  payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pos_hist_id ON position_history(position_id);
CREATE INDEX IF NOT EXISTS idx_pos_hist_ts ON position_history(ts_ms);

CREATE TABLE IF NOT EXISTS fill_history (
  id BIGSERIAL PRIMARY KEY,
  ts_ms BIGINT NOT NULL,
  order_id TEXT NOT NULL,
  payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fill_hist_ts ON fill_history(ts_ms);
`)
	return err
}

func (r *Repo) SaveOpportunity(ctx context.Context, opp *model.Opportunity) error {
	b, _ := json.Marshal(opp)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO opportunity_history(ts_ms, symbol, payload) VALUES($1, $2, $3)`,
		opp.Timestamp, opp.Symbol, string(b))
	return err
}

func (r *Repo) CreatePosition(ctx context.Context, pos *model.Position) error {
	return r.appendPosition(ctx, pos)
}

func (r *Repo) UpdatePosition(ctx context.Context, pos *model.Position) error {
	return r.appendPosition(ctx, pos)
}

func (r *Repo) appendPosition(ctx context.Context, pos *model.Position) error {
	b, _ := json.Marshal(pos)
	ts := pos.CloseTime
	if ts == 0 {
		ts = pos.EntryTime
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO position_history(position_id, ts_ms, status, payload) VALUES($1, $2, $3, $4)`,
		pos.ID, ts, string(pos.Status), string(b))
	return err
}

// ListOpenPositions is served by the durable journal, not the archive.
func (r *Repo) ListOpenPositions(ctx context.Context) ([]*model.Position, error) {
	return nil, nil
}

func (r *Repo) InsertFill(ctx context.Context, fill *model.FillEvent) error {
	b, _ := json.Marshal(fill)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO fill_history(ts_ms, order_id, payload) VALUES($1, $2, $3)`,
		fill.Timestamp, fill.OrderID, string(b))
	return err
}

var _ port.Journal = (*Repo)(nil)
