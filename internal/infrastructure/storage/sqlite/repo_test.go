package sqlite

import (
	"context"
	"os"
	"testing"

	"perparb/internal/domain/model"
)

func TestSQLiteRepoSaveOpportunity(t *testing.T) {
	dbPath := "test.db"
	defer os.Remove(dbPath)

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	err = repo.SaveOpportunity(ctx, &model.Opportunity{
		Symbol: "BTCUSDT", LongVenue: "ALPHA", ShortVenue: "BETA",
		SpreadPct: 0.6, Kind: model.KindSpread, Timestamp: 1234567890,
	})
	if err != nil {
		t.Fatalf("SaveOpportunity failed: %v", err)
	}
}

func TestSQLiteRepoPositionRoundTrip(t *testing.T) {
	dbPath := "test_pos.db"
	defer os.Remove(dbPath)

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	pos := &model.Position{
		ID: "pos-1", Symbol: "BTCUSDT", LongVenue: "ALPHA", ShortVenue: "BETA",
		Kind: model.KindSpread, Qty: 1.5, EntryTime: 1234567890,
		EntrySpread: 0.6, Status: model.StatusOpening,
	}
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}

	pos.LongFilled = 1.5
	pos.ShortFilled = 1.5
	pos.Status = model.StatusHedged
	if err := repo.UpdatePosition(ctx, pos); err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}

	open, err := repo.ListOpenPositions(ctx)
	if err != nil {
		t.Fatalf("ListOpenPositions failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(open))
	}
	got := open[0]
	if got.ID != "pos-1" || got.Status != model.StatusHedged {
		t.Errorf("expected pos-1/HEDGED, got %s/%s", got.ID, got.Status)
	}
	if got.LongFilled != 1.5 || got.ShortFilled != 1.5 {
		t.Errorf("fill totals did not round-trip: %v/%v", got.LongFilled, got.ShortFilled)
	}
}

func TestSQLiteRepoClosedPositionsNotListed(t *testing.T) {
	dbPath := "test_closed.db"
	defer os.Remove(dbPath)

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	pos := &model.Position{
		ID: "pos-2", Symbol: "BTCUSDT", LongVenue: "ALPHA", ShortVenue: "BETA",
		Kind: model.KindSpread, Qty: 1.5, EntryTime: 1234567890,
		Status: model.StatusClosed, CloseTime: 1234569999, CloseReason: "take_profit",
	}
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}

	open, err := repo.ListOpenPositions(ctx)
	if err != nil {
		t.Fatalf("ListOpenPositions failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("closed positions must not be listed, got %d", len(open))
	}
}

func TestSQLiteRepoInsertFill(t *testing.T) {
	dbPath := "test_fill.db"
	defer os.Remove(dbPath)

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	err = repo.InsertFill(ctx, &model.FillEvent{
		Venue: "ALPHA", OrderID: "alpha-1", Symbol: "BTCUSDT",
		Side: model.SideBuy, FilledQty: 1.5, AvgPrice: 100.0, Timestamp: 1234567890,
	})
	if err != nil {
		t.Fatalf("InsertFill failed: %v", err)
	}
}
