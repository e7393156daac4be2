package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/proxy"
)

// DefaultTTL is how long a fetched catalog is considered fresh.
const DefaultTTL = time.Hour

// ModelLister fetches the provider's model catalog.
type ModelLister interface {
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

type snapshot struct {
	models    []proxy.Model
	rates     map[string]Rates
	fetchedAt time.Time
}

// Catalog caches the provider catalog with an explicit TTL. Concurrent
// refreshes share one fetch, and a failed refresh keeps the previous
// snapshot.
type Catalog struct {
	lister ModelLister
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	snap  *snapshot
}

// NewCatalog returns a catalog backed by lister. A ttl <= 0 means DefaultTTL.
func NewCatalog(lister ModelLister, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{
		lister: lister,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Static returns a catalog that never fetches and always serves rates.
func Static(rates map[string]Rates) *Catalog {
	models := make([]proxy.Model, 0, len(rates))
	for id := range rates {
		models = append(models, proxy.Model{ID: id})
	}
	c := &Catalog{now: time.Now, logger: slog.Default()}
	c.snap = &snapshot{models: models, rates: rates}
	return c
}

// Cost returns the credits for usage on model. Unknown models, and models
// for which no catalog could be fetched, cost zero.
func (c *Catalog) Cost(ctx context.Context, model string, u chat.Usage) int64 {
	r, ok := c.Rates(ctx, model)
	if !ok {
		return 0
	}
	return r.Cost(u)
}

// Rates returns the rates of model, refreshing the catalog when stale.
func (c *Catalog) Rates(ctx context.Context, model string) (Rates, bool) {
	snap, err := c.get(ctx)
	if err != nil && snap == nil {
		c.logger.Warn("pricing catalog unavailable", "model", model, "error", err)
		return Rates{}, false
	}
	r, ok := snap.rates[model]
	return r, ok
}

// Models returns the cached catalog, refreshing it when stale.
func (c *Catalog) Models(ctx context.Context) ([]proxy.Model, error) {
	snap, err := c.get(ctx)
	if snap == nil {
		return nil, err
	}
	return snap.models, nil
}

// Refresh fetches the catalog regardless of its age.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

// get returns the current snapshot, refreshing it if stale. On refresh
// failure the stale snapshot (possibly nil) is returned with the error.
func (c *Catalog) get(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap != nil && (c.lister == nil || c.now().Sub(snap.fetchedAt) < c.ttl) {
		return snap, nil
	}
	if c.lister == nil {
		return nil, fmt.Errorf("no model catalog source")
	}

	fresh, err := c.refresh(ctx)
	if err != nil {
		if snap != nil {
			c.logger.Warn("refreshing model catalog failed, serving stale copy", "age", c.now().Sub(snap.fetchedAt), "error", err)
		}
		return snap, err
	}
	return fresh, nil
}

func (c *Catalog) refresh(ctx context.Context) (*snapshot, error) {
	if c.lister == nil {
		return nil, fmt.Errorf("no model catalog source")
	}
	v, err, _ := c.group.Do("catalog", func() (any, error) {
		models, err := c.lister.ListModels(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing models: %w", err)
		}
		rates := make(map[string]Rates, len(models))
		for _, m := range models {
			rates[m.ID] = RatesFromModel(m)
		}
		snap := &snapshot{models: models, rates: rates, fetchedAt: c.now()}

		c.mu.Lock()
		c.snap = snap
		c.mu.Unlock()

		c.logger.Debug("model catalog refreshed", "models", len(models))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}
