package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"drtdispatch/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cached serves vehicle snapshots from Redis in front of another Store. Writes go to the
// backing store first, then bump the vehicle's generation and drop the cached copy.
// A read-through fill only lands if the generation it started from is still current.
// If Redis rejects an invalidation the stale copy lives at most ttl. Everything else is
// passed through.
type Cached struct {
	Store
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewCached(backing Store, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Cached {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{Store: backing, rdb: rdb, ttl: ttl, log: log}
}

// genTTL is far longer than any in-flight fill.
const genTTL = 24 * time.Hour

var errStaleFill = errors.New("vehicle changed during fill")

func vehicleKey(tenantID, id string) string {
	return fmt.Sprintf("drtdispatch:%s:vehicle:%s", tenantID, id)
}

func genKey(tenantID, id string) string {
	return fmt.Sprintf("drtdispatch:%s:vehicle-gen:%s", tenantID, id)
}

func (c *Cached) GetVehicle(ctx context.Context, tenantID, id string) (model.Vehicle, error) {
	key := vehicleKey(tenantID, id)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v model.Vehicle
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
		c.log.Warn("dropping undecodable cached vehicle", zap.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("vehicle cache read failed", zap.String("key", key), zap.Error(err))
	}

	gk := genKey(tenantID, id)
	gen, genErr := c.rdb.Get(ctx, gk).Int64()
	if errors.Is(genErr, redis.Nil) {
		gen, genErr = 0, nil
	}

	v, err := c.Store.GetVehicle(ctx, tenantID, id)
	if err != nil {
		return model.Vehicle{}, err
	}
	if genErr == nil {
		c.fill(ctx, key, gk, gen, v)
	}
	return v, nil
}

func (c *Cached) fill(ctx context.Context, key, gk string, gen int64, v model.Vehicle) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, gk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, gk)
	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		c.log.Debug("skipping stale vehicle cache fill", zap.String("key", key))
	default:
		c.log.Warn("vehicle cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cached) PutVehicles(ctx context.Context, tenantID string, vehicles []model.Vehicle) (int, error) {
	n, err := c.Store.PutVehicles(ctx, tenantID, vehicles)
	if err != nil {
		return n, err
	}
	ids := make([]string, len(vehicles))
	for i, v := range vehicles {
		ids[i] = v.ID
	}
	c.invalidate(ctx, tenantID, ids...)
	return n, nil
}

func (c *Cached) DeleteVehicle(ctx context.Context, tenantID, id string) error {
	err := c.Store.DeleteVehicle(ctx, tenantID, id)
	c.invalidate(ctx, tenantID, id)
	return err
}

func (c *Cached) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return c.Store.Ping(ctx)
}

func (c *Cached) invalidate(ctx context.Context, tenantID string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			gk := genKey(tenantID, id)
			p.Incr(ctx, gk)
			p.Expire(ctx, gk, genTTL)
			p.Del(ctx, vehicleKey(tenantID, id))
		}
		return nil
	})
	if err != nil {
		c.log.Warn("vehicle cache invalidation failed", zap.String("tenant_id", tenantID), zap.Strings("ids", ids), zap.Error(err))
	}
}
