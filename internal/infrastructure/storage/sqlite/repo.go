package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"perparb/internal/application/port"
	"perparb/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
CREATE TABLE IF NOT EXISTS opportunities (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  short_venue TEXT NOT NULL,
  spread_pct REAL NOT NULL,
  kind TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opp_symbol ON opportunities(symbol);
CREATE INDEX IF NOT EXISTS idx_opp_ts ON opportunities(ts_ms);

CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  short_venue TEXT NOT NULL,
  kind TEXT NOT NULL,
  qty REAL NOT NULL,
  long_filled REAL NOT NULL,
  short_filled REAL NOT NULL,
  long_closed REAL NOT NULL,
  short_closed REAL NOT NULL,
  pending_hedge_qty REAL NOT NULL,
  entry_time INTEGER NOT NULL,
  entry_spread REAL NOT NULL,
  current_spread REAL NOT NULL,
  status TEXT NOT NULL,
  close_time INTEGER,
  close_reason TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pos_symbol ON positions(symbol);
CREATE INDEX IF NOT EXISTS idx_pos_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_pos_time ON positions(entry_time);

CREATE TABLE IF NOT EXISTS fills (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  venue TEXT NOT NULL,
  order_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  filled_qty REAL NOT NULL,
  avg_price REAL NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol);
CREATE INDEX IF NOT EXISTS idx_fills_ts ON fills(ts_ms);
`)
	return err
}

func (r *Repo) SaveOpportunity(ctx context.Context, opp *model.Opportunity) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO opportunities(symbol, long_venue, short_venue, spread_pct, kind, ts_ms, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, opp.Symbol, opp.LongVenue, opp.ShortVenue, opp.SpreadPct, string(opp.Kind), opp.Timestamp, opp.Timestamp)
	return err
}

func (r *Repo) CreatePosition(ctx context.Context, pos *model.Position) error {
	return r.upsertPosition(ctx, pos)
}

func (r *Repo) UpdatePosition(ctx context.Context, pos *model.Position) error {
	return r.upsertPosition(ctx, pos)
}

func (r *Repo) upsertPosition(ctx context.Context, pos *model.Position) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions(id, symbol, long_venue, short_venue, kind, qty,
			long_filled, short_filled, long_closed, short_closed, pending_hedge_qty,
			entry_time, entry_spread, current_spread, status, close_time, close_reason,
			created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		qty=excluded.qty,
		long_filled=excluded.long_filled, short_filled=excluded.short_filled,
		long_closed=excluded.long_closed, short_closed=excluded.short_closed,
		pending_hedge_qty=excluded.pending_hedge_qty,
		current_spread=excluded.current_spread, status=excluded.status,
		close_time=excluded.close_time, close_reason=excluded.close_reason,
		updated_at=excluded.updated_at
	`, pos.ID, pos.Symbol, pos.LongVenue, pos.ShortVenue, string(pos.Kind), pos.Qty,
		pos.LongFilled, pos.ShortFilled, pos.LongClosed, pos.ShortClosed, pos.PendingHedgeQty,
		pos.EntryTime, pos.EntrySpread, pos.CurrentSpread, string(pos.Status),
		nullInt(pos.CloseTime), pos.CloseReason, pos.EntryTime, nowOrEntry(pos))
	return err
}

func (r *Repo) ListOpenPositions(ctx context.Context) ([]*model.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, symbol, long_venue, short_venue, kind, qty,
		       long_filled, short_filled, long_closed, short_closed, pending_hedge_qty,
		       entry_time, entry_spread, current_spread, status, close_time, close_reason
		FROM positions WHERE status != 'CLOSED' ORDER BY entry_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*model.Position
	for rows.Next() {
		var p model.Position
		var kind, status, closeReason string
		var closeTime sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Symbol, &p.LongVenue, &p.ShortVenue, &kind, &p.Qty,
			&p.LongFilled, &p.ShortFilled, &p.LongClosed, &p.ShortClosed, &p.PendingHedgeQty,
			&p.EntryTime, &p.EntrySpread, &p.CurrentSpread, &status, &closeTime, &closeReason); err != nil {
			return nil, err
		}
		p.Kind = model.OpportunityKind(kind)
		p.Status = model.PositionStatus(status)
		p.CloseTime = closeTime.Int64
		p.CloseReason = closeReason
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

func (r *Repo) InsertFill(ctx context.Context, fill *model.FillEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fills(venue, order_id, symbol, side, filled_qty, avg_price, ts_ms, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, fill.Venue, fill.OrderID, fill.Symbol, string(fill.Side), fill.FilledQty, fill.AvgPrice, fill.Timestamp, fill.Timestamp)
	return err
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nowOrEntry(pos *model.Position) int64 {
	if pos.CloseTime > 0 {
		return pos.CloseTime
	}
	return pos.EntryTime
}

var _ port.Journal = (*Repo)(nil)
