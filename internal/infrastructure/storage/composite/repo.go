package composite

import (
	"context"

	"perparb/internal/application/port"
	"perparb/internal/domain/model"
)

// Repo fans writes out to every backing journal. Reads are served by the
// first repo, which is expected to be the durable store.
type Repo struct {
	journals []port.Journal
}

func New(journals ...port.Journal) *Repo {
	// nil journals are allowed; filter in constructor for safety
	out := make([]port.Journal, 0, len(journals))
	for _, j := range journals {
		if j != nil {
			out = append(out, j)
		}
	}
	return &Repo{journals: out}
}

func (r *Repo) SaveOpportunity(ctx context.Context, opp *model.Opportunity) error {
	var firstErr error
	for _, j := range r.journals {
		if err := j.SaveOpportunity(ctx, opp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) CreatePosition(ctx context.Context, pos *model.Position) error {
	var firstErr error
	for _, j := range r.journals {
		if err := j.CreatePosition(ctx, pos); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) UpdatePosition(ctx context.Context, pos *model.Position) error {
	var firstErr error
	for _, j := range r.journals {
		if err := j.UpdatePosition(ctx, pos); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) ListOpenPositions(ctx context.Context) ([]*model.Position, error) {
	if len(r.journals) == 0 {
		return nil, nil
	}
	return r.journals[0].ListOpenPositions(ctx)
}

func (r *Repo) InsertFill(ctx context.Context, fill *model.FillEvent) error {
	var firstErr error
	for _, j := range r.journals {
		if err := j.InsertFill(ctx, fill); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Close() error {
	var firstErr error
	for _, j := range r.journals {
		if err := j.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.Journal = (*Repo)(nil)
