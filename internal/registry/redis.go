package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// CachedRegistry wraps a backing Registry (normally PostgresRegistry)
// with a Redis-backed quick-access tier for Link and Gateway reads,
// the "hot path" tier kept distinct from the transactional one.
// Every transactional write goes through to the backing store
// first and then invalidates the cache entry, so a Tx never reads
// stale cached state.
type CachedRegistry struct {
	Registry
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedRegistry wraps backing with a Redis client at addr.
func NewCachedRegistry(backing Registry, addr string, ttl time.Duration) *CachedRegistry {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &CachedRegistry{Registry: backing, rdb: rdb, ttl: ttl}
}

func linkCacheKey(devAddr lorawan.DevAddr) string {
	return fmt.Sprintf("link:%x", devAddr[:])
}

func gatewayCacheKey(mac lorawan.EUI64) string {
	return fmt.Sprintf("gateway:%x", mac[:])
}

func (c *CachedRegistry) GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error) {
	key := linkCacheKey(devAddr)
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var link Link
		if jsonErr := json.Unmarshal(raw, &link); jsonErr == nil {
			return &link, nil
		}
	}

	link, err := c.Registry.GetLink(ctx, devAddr)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(link); err == nil {
		c.rdb.Set(ctx, key, raw, c.ttl)
	}
	return link, nil
}

func (c *CachedRegistry) PutLink(ctx context.Context, link *Link) error {
	if err := c.Registry.PutLink(ctx, link); err != nil {
		return err
	}
	c.rdb.Del(ctx, linkCacheKey(link.DevAddr))
	return nil
}

func (c *CachedRegistry) GetGateway(ctx context.Context, mac lorawan.EUI64) (*Gateway, error) {
	key := gatewayCacheKey(mac)
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var gw Gateway
		if jsonErr := json.Unmarshal(raw, &gw); jsonErr == nil {
			return &gw, nil
		}
	}

	gw, err := c.Registry.GetGateway(ctx, mac)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(gw); err == nil {
		c.rdb.Set(ctx, key, raw, c.ttl)
	}
	return gw, nil
}

func (c *CachedRegistry) PutGateway(ctx context.Context, gw *Gateway) error {
	if err := c.Registry.PutGateway(ctx, gw); err != nil {
		return err
	}
	c.rdb.Del(ctx, gatewayCacheKey(gw.MAC))
	return nil
}

// BeginTx is not cached directly, but its Commit path invalidates the
// Link entries it touched so a quick-access read after a join or a
// downlink counter bump never returns a stale cached Link.
func (c *CachedRegistry) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := c.Registry.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &invalidatingTx{Tx: tx, rdb: c.rdb, ctx: ctx}, nil
}

type invalidatingTx struct {
	Tx
	rdb     *redis.Client
	ctx     context.Context
	touched []lorawan.DevAddr
}

func (t *invalidatingTx) PutLink(ctx context.Context, link *Link) error {
	if err := t.Tx.PutLink(ctx, link); err != nil {
		return err
	}
	t.touched = append(t.touched, link.DevAddr)
	return nil
}

func (t *invalidatingTx) IncrementFCntDown(ctx context.Context, devAddr lorawan.DevAddr) (uint32, error) {
	n, err := t.Tx.IncrementFCntDown(ctx, devAddr)
	if err != nil {
		return 0, err
	}
	t.touched = append(t.touched, devAddr)
	return n, nil
}

func (t *invalidatingTx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	for _, addr := range t.touched {
		t.rdb.Del(t.ctx, linkCacheKey(addr))
	}
	return nil
}
