package port

import (
	"context"

	"perparb/internal/domain/model"
)

// Journal persists what the engine decides and what the venues fill. Journal
// failures are logged and never block trading decisions.
type Journal interface {
	SaveOpportunity(ctx context.Context, opp *model.Opportunity) error

	CreatePosition(ctx context.Context, pos *model.Position) error
	UpdatePosition(ctx context.Context, pos *model.Position) error
	ListOpenPositions(ctx context.Context) ([]*model.Position, error)

	InsertFill(ctx context.Context, fill *model.FillEvent) error

	Close() error
}
