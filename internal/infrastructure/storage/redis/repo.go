package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"perparb/internal/application/port"
	"perparb/internal/domain/model"
)

// Repo mirrors engine activity into Redis for downstream consumers:
// opportunities go to a stream plus a pub/sub channel, position state lands
// in a "latest" hash with a TTL so dashboards always see the current set.
type Repo struct {
	rdb        *redis.Client
	prefix     string
	ttl        time.Duration
	keyLatest  string // prefix + ":positions:latest"
	oppStream  string
	oppChannel string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, oppStream, oppChannel string) *Repo {
	if strings.TrimSpace(oppStream) == "" {
		oppStream = prefix + ":opportunities"
	}
	if strings.TrimSpace(oppChannel) == "" {
		oppChannel = prefix + ":opportunities:pub"
	}
	return &Repo{
		rdb:        rdb,
		prefix:     prefix,
		ttl:        ttl,
		keyLatest:  prefix + ":positions:latest",
		oppStream:  oppStream,
		oppChannel: oppChannel,
	}
}

func (r *Repo) SaveOpportunity(ctx context.Context, opp *model.Opportunity) error {
	// 1) Stream: XADD <stream> * symbol venues spread kind
	_, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.oppStream,
		Values: map[string]any{
			"ts_ms":       opp.Timestamp,
			"symbol":      opp.Symbol,
			"long_venue":  opp.LongVenue,
			"short_venue": opp.ShortVenue,
			"spread_pct":  opp.SpreadPct,
			"kind":        string(opp.Kind),
		},
	}).Result()
	if err != nil {
		return err
	}

	// 2) PubSub: PUBLISH <channel> json
	b, _ := json.Marshal(opp)
	return r.rdb.Publish(ctx, r.oppChannel, string(b)).Err()
}

func (r *Repo) CreatePosition(ctx context.Context, pos *model.Position) error {
	return r.upsertPosition(ctx, pos)
}

func (r *Repo) UpdatePosition(ctx context.Context, pos *model.Position) error {
	return r.upsertPosition(ctx, pos)
}

func (r *Repo) upsertPosition(ctx context.Context, pos *model.Position) error {
	b, _ := json.Marshal(pos)

	// Hash: field = "BTCUSDT:<id>" -> json
	field := fmt.Sprintf("%s:%s", pos.Symbol, pos.ID)
	pipe := r.rdb.Pipeline()
	if pos.Status == model.StatusClosed {
		pipe.HDel(ctx, r.keyLatest, field)
	} else {
		pipe.HSet(ctx, r.keyLatest, field, string(b))
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ListOpenPositions is served by the durable store, not Redis.
func (r *Repo) ListOpenPositions(ctx context.Context) ([]*model.Position, error) {
	return nil, nil
}

// InsertFill is not mirrored; fills only matter for the durable journal.
func (r *Repo) InsertFill(ctx context.Context, fill *model.FillEvent) error {
	return nil
}

func (r *Repo) Close() error { return r.rdb.Close() }

var _ port.Journal = (*Repo)(nil)
