package eta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/dispatch-tracking/internal/geo"
	"github.com/example/dispatch-tracking/internal/models"
	"github.com/example/dispatch-tracking/internal/observability"
)

// ErrEstimationUnavailable is returned when no estimate can be produced at all.
var ErrEstimationUnavailable = errors.New("estimation unavailable")

// RouteResult is a single origin→destination route.
type RouteResult struct {
	DistanceKm float64
	Minutes    float64
	Polyline   string
}

// Plan is the visiting order chosen for a multi-stop trip. Order is a
// permutation of the stop indices passed in.
type Plan struct {
	Order           []int   `json:"waypoint_order"`
	DistanceKm      float64 `json:"total_distance_km"`
	DurationMinutes float64 `json:"total_duration_minutes"`
	Polyline        string  `json:"polyline,omitempty"`
	Optimized       bool    `json:"optimized"`
}

// Provider is an external routing engine.
type Provider interface {
	Route(ctx context.Context, from, to models.Coord) (RouteResult, error)
	Optimize(ctx context.Context, origin models.Coord, stops []models.Coord, dest models.Coord) (Plan, error)
}

type Options struct {
	Timeout  time.Duration
	SpeedKmh float64
	Cache    *Cache
	Logger   *slog.Logger
}

// Estimator answers distance/ETA questions, delegating to a Provider when one is
// configured and falling back to great-circle maths otherwise.
type Estimator struct {
	provider Provider
	timeout  time.Duration
	speedKmh float64
	cache    *Cache
	logger   *slog.Logger
}

func NewEstimator(p Provider, opts Options) *Estimator {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.SpeedKmh <= 0 {
		opts.SpeedKmh = 30 // city average
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Estimator{provider: p, timeout: opts.Timeout, speedKmh: opts.SpeedKmh, cache: opts.Cache, logger: opts.Logger}
}

func (e *Estimator) route(ctx context.Context, a, b models.Coord) (RouteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.provider.Route(ctx, a, b)
}

// Distance returns the travel distance in kilometres.
func (e *Estimator) Distance(ctx context.Context, a, b models.Coord) float64 {
	if e.provider != nil {
		if r, err := e.route(ctx, a, b); err == nil {
			return r.DistanceKm
		}
		observability.ETAFallbacks.Inc()
	}
	return geo.Haversine(a, b)
}

// ETA returns the travel time in minutes. A provider failure falls back to the
// haversine estimate as long as the caller's context is still alive; once the
// caller's deadline is gone the estimate is unavailable.
func (e *Estimator) ETA(ctx context.Context, a, b models.Coord) (float64, error) {
	return e.eta(ctx, a, b, true)
}

// LiveETA is ETA for the real-time broadcast path. Haversine is only used when no
// provider is configured; a provider error or timeout is ErrEstimationUnavailable.
func (e *Estimator) LiveETA(ctx context.Context, a, b models.Coord) (float64, error) {
	return e.eta(ctx, a, b, false)
}

func (e *Estimator) eta(ctx context.Context, a, b models.Coord, fallback bool) (float64, error) {
	if err := ctx.Err(); err != nil {
		observability.ETAUnavailable.Inc()
		return 0, fmt.Errorf("%w: %v", ErrEstimationUnavailable, err)
	}
	if v, ok := e.cache.Get(a, b); ok {
		return v, nil
	}
	if e.provider != nil {
		r, err := e.route(ctx, a, b)
		if err == nil {
			e.cache.Set(a, b, r.Minutes)
			return r.Minutes, nil
		}
		if ctx.Err() != nil || !fallback {
			observability.ETAUnavailable.Inc()
			return 0, fmt.Errorf("%w: %v", ErrEstimationUnavailable, err)
		}
		e.logger.Warn("routing provider failed, using haversine", "error", err)
		observability.ETAFallbacks.Inc()
	}
	return e.fallbackMinutes(geo.Haversine(a, b)), nil
}

// Route returns the encoded polyline between a and b, if the provider has one.
func (e *Estimator) Route(ctx context.Context, a, b models.Coord) (string, bool) {
	if e.provider == nil {
		return "", false
	}
	r, err := e.route(ctx, a, b)
	if err != nil || r.Polyline == "" {
		return "", false
	}
	return r.Polyline, true
}

// OptimizeOrder picks a visiting order for stops between origin and dest.
// Without a working provider the stops keep their original order.
func (e *Estimator) OptimizeOrder(ctx context.Context, origin models.Coord, stops []models.Coord, dest models.Coord) (Plan, error) {
	if len(stops) == 0 {
		return Plan{}, fmt.Errorf("%w: at least one stop is required", ErrEstimationUnavailable)
	}
	if e.provider != nil {
		pctx, cancel := context.WithTimeout(ctx, e.timeout)
		p, err := e.provider.Optimize(pctx, origin, stops, dest)
		cancel()
		if err == nil && isPermutation(p.Order, len(stops)) {
			p.Optimized = true
			return p, nil
		}
		if err == nil {
			err = fmt.Errorf("provider returned invalid order %v", p.Order)
		}
		e.logger.Warn("route optimization failed, keeping original order", "error", err, "stops", len(stops))
		observability.ETAFallbacks.Inc()
	}
	return e.identityPlan(origin, stops, dest), nil
}

func (e *Estimator) identityPlan(origin models.Coord, stops []models.Coord, dest models.Coord) Plan {
	order := make([]int, len(stops))
	total := 0.0
	prev := origin
	for i, s := range stops {
		order[i] = i
		total += geo.Haversine(prev, s)
		prev = s
	}
	total += geo.Haversine(prev, dest)
	return Plan{Order: order, DistanceKm: total, DurationMinutes: e.fallbackMinutes(total)}
}

func (e *Estimator) fallbackMinutes(km float64) float64 {
	return km / e.speedKmh * 60
}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords. A nil *Cache
// is valid and never hits.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

// coordinates are rounded to ~10m so a crawling driver still hits the cache
func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	if c == nil {
		return 0, false
	}
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	if c == nil {
		return
	}
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
