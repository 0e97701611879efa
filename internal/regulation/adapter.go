package regulation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mapaq-intel/sanirisk/internal/api"
	"github.com/mapaq-intel/sanirisk/internal/cache"
)

// Adapter translates an inspection date into a single cumulative impact
// factor reflecting every regulation in force on that date.
//
// It holds a non-owning reference to the Store. Impact factors are memoized
// per date; any store mutation routed through the adapter purges the cache
// so readers never see a stale factor.
type Adapter struct {
	store Store
	cache *cache.LRUWithTTL[string, float64]
	log   *slog.Logger
}

const (
	impactCacheSize = 4096
	impactCacheTTL  = time.Hour
)

// NewAdapter wraps a Store.
func NewAdapter(store Store, log *slog.Logger) (*Adapter, error) {
	c, err := cache.NewLRUWithTTL[string, float64](impactCacheSize, impactCacheTTL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{store: store, cache: c, log: log}, nil
}

// NewAdapterFromFile loads the file-backed store at path. A corrupt
// configuration is degraded to an empty store: temporal adjustment is a
// refinement, not a hard dependency.
func NewAdapterFromFile(path string, log *slog.Logger) (*Adapter, error) {
	store, err := NewFileStore(path)
	if err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("regulation configuration unusable, continuing without regulations",
			"path", path, "error", err)
		store = NewEmptyFileStore(path)
	}
	return NewAdapter(store, log)
}

// GetImpactFactor folds the impact weights of all regulations effective on
// or before date into a single multiplicative factor. With no applicable
// regulations the factor is 1.0 (neutral). Independent tightenings compound:
// weights 1.2 and 1.1 compose to 1.32, not their average.
func (a *Adapter) GetImpactFactor(ctx context.Context, date time.Time) (float64, error) {
	key := date.Format("2006-01-02")
	if factor, ok := a.cache.Get(key); ok {
		return factor, nil
	}

	recs, err := a.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list regulations: %w", err)
	}

	factor := 1.0
	applied := 0
	for _, rec := range recs {
		if rec.EffectiveDate.After(date) {
			// Timeline is sorted ascending, nothing later applies.
			break
		}
		factor *= rec.ImpactWeight
		applied++
	}

	a.cache.Set(key, factor)
	a.log.Debug("impact factor resolved", "date", key, "factor", factor, "regulations", applied)
	return factor, nil
}

// GetTimeline returns all regulations sorted by effective date ascending,
// stable for equal dates.
func (a *Adapter) GetTimeline(ctx context.Context) ([]api.RegulationRecord, error) {
	return a.store.List(ctx)
}

// GetRegulation returns one regulation by ID.
func (a *Adapter) GetRegulation(ctx context.Context, id string) (api.RegulationRecord, error) {
	return a.store.Get(ctx, id)
}

// AddRegulation inserts a new regulation and invalidates the factor cache.
// Fails with ErrDuplicateRegulation or ErrInvalidWeight; the existing
// timeline is untouched on failure.
func (a *Adapter) AddRegulation(ctx context.Context, rec api.RegulationRecord) error {
	if err := a.store.Add(ctx, rec); err != nil {
		return err
	}
	a.cache.Purge()
	a.log.Info("regulation added",
		"id", rec.ID, "effective_date", rec.EffectiveDate.Format("2006-01-02"),
		"impact_weight", rec.ImpactWeight)
	return nil
}

// UpdateRegulation replaces an existing regulation and invalidates the
// factor cache.
func (a *Adapter) UpdateRegulation(ctx context.Context, rec api.RegulationRecord) error {
	if err := a.store.Update(ctx, rec); err != nil {
		return err
	}
	a.cache.Purge()
	a.log.Info("regulation updated", "id", rec.ID)
	return nil
}

// CacheStats exposes impact-cache statistics for observability.
func (a *Adapter) CacheStats() cache.Stats {
	return a.cache.Stats()
}

// Close releases the underlying store.
func (a *Adapter) Close() error {
	return a.store.Close()
}
