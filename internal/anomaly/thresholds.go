package anomaly

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"minefleet/internal/data"
	"minefleet/internal/kv"
	"minefleet/internal/storage"
)

const DefaultCacheTTL = time.Hour

// StoredThresholds reads per-device configuration from the store.
type StoredThresholds interface {
	DeviceThresholds(ctx context.Context, siteID string, deviceID int) (data.Thresholds, error)
}

// ThresholdTier is a shared cache between the process cache and the store.
type ThresholdTier interface {
	Thresholds(ctx context.Context, siteID string, deviceID int) (data.Thresholds, error)
	PutThresholds(ctx context.Context, siteID string, deviceID int, t data.Thresholds) error
}

type deviceKey struct {
	siteID   string
	deviceID int
}

// Resolver looks thresholds up in the process cache, then the shared tier,
// then the store, and finally uses the defaults. Whatever it finds is
// cached for the cache lifetime.
type Resolver struct {
	cache    *kv.Cache[deviceKey, data.Thresholds]
	tier     ThresholdTier
	store    StoredThresholds
	defaults data.Thresholds
	logger   *slog.Logger
}

// NewResolver builds a resolver. tier and store may be nil.
func NewResolver(ttl time.Duration, tier ThresholdTier, store StoredThresholds, defaults data.Thresholds, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cache:    kv.NewCache[deviceKey, data.Thresholds](ttl),
		tier:     tier,
		store:    store,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "thresholds")),
	}
}

func (r *Resolver) Thresholds(ctx context.Context, siteID string, deviceID int) data.Thresholds {
	key := deviceKey{siteID, deviceID}
	if t, ok := r.cache.Get(key); ok {
		return t
	}

	if r.tier != nil {
		t, err := r.tier.Thresholds(ctx, siteID, deviceID)
		if err == nil {
			r.cache.Set(key, t)
			return t
		}
		if !errors.Is(err, kv.ErrMiss) {
			r.logger.Warn("threshold tier lookup failed", slog.String("site_id", siteID), slog.Int("device_id", deviceID), slog.String("error", err.Error()))
		}
	}

	t := r.defaults
	if r.store != nil {
		stored, err := r.store.DeviceThresholds(ctx, siteID, deviceID)
		switch {
		case err == nil:
			t = stored
		case errors.Is(err, storage.ErrNotFound):
		default:
			// Not cached, so the next reading retries the store.
			r.logger.Warn("threshold store lookup failed", slog.String("site_id", siteID), slog.Int("device_id", deviceID), slog.String("error", err.Error()))
			return t
		}
	}

	r.cache.Set(key, t)
	if r.tier != nil {
		if err := r.tier.PutThresholds(ctx, siteID, deviceID, t); err != nil {
			r.logger.Warn("threshold tier write failed", slog.String("site_id", siteID), slog.Int("device_id", deviceID), slog.String("error", err.Error()))
		}
	}
	return t
}

// Update replaces the cached thresholds of a device in both cache tiers
// after its configuration was saved.
func (r *Resolver) Update(ctx context.Context, siteID string, deviceID int, t data.Thresholds) {
	r.cache.Set(deviceKey{siteID, deviceID}, t)
	if r.tier == nil {
		return
	}
	if err := r.tier.PutThresholds(ctx, siteID, deviceID, t); err != nil {
		r.logger.Warn("threshold tier write failed", slog.String("site_id", siteID), slog.Int("device_id", deviceID), slog.String("error", err.Error()))
	}
}

func (r *Resolver) Start() { r.cache.Start() }
func (r *Resolver) Stop() { r.cache.Stop() }
