package port

import (
	"context"

	"perparb/internal/domain/model"
)

// MarketCallbacks receive normalized events from a venue's feeds. Callbacks
// must not block; the engine hands them straight to the market data store.
type MarketCallbacks struct {
	OnBbo     func(model.BboSnapshot)
	OnFunding func(model.FundingSnapshot)
	OnFill    func(model.FillEvent)
}

// Venue is the collaborator interface implemented once per exchange, outside
// this core. Implementations own authentication, signing, symbol mapping and
// wire formats; the engine only ever sees the normalized types below.
type Venue interface {
	Name() string

	// LoadMarkets fetches per-symbol order constraints.
	LoadMarkets(ctx context.Context) (map[string]model.VenueRule, error)

	// Balance fails soft: transport errors yield the zero value so callers
	// treat the venue as having no usable funds.
	Balance(ctx context.Context) model.Balance

	// StartFeed starts the long-lived market/user streams. Implementations
	// must reconnect on their own with backoff and never return early on a
	// transient disconnect; they stop when ctx is cancelled.
	StartFeed(ctx context.Context, cb MarketCallbacks) error

	PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty float64, reduceOnly bool) (model.OrderResult, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, qty float64, postOnly bool) (model.OrderResult, error)

	// SetLeverage reports success; a false return is logged, not fatal.
	SetLeverage(ctx context.Context, symbol string, leverage float64) bool

	CancelOrder(ctx context.Context, orderID, symbol string) bool

	// Close releases sockets and sessions. Called last during shutdown,
	// after every background task has stopped.
	Close() error
}
