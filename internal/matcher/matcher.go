package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/dispatch-tracking/internal/geo"
	"github.com/example/dispatch-tracking/internal/models"
	"github.com/example/dispatch-tracking/internal/storage"
)

// Estimator gives travel time in minutes between two points.
type Estimator interface {
	ETA(ctx context.Context, from, to models.Coord) (float64, error)
}

// Candidate is a driver the vendor could dispatch, with the scoring inputs.
type Candidate struct {
	DriverID   string    `json:"driver_id"`
	FullName   string    `json:"full_name"`
	ETAMinutes float64   `json:"eta_minutes"`
	LastSeen   time.Time `json:"last_seen"`
	Score      float64   `json:"score"`
}

type Service struct {
	Store     storage.Store
	Estimator Estimator
	// Geo, when set, narrows the pool to drivers within RadiusKm of pickup.
	Geo      geo.Geo
	RadiusKm float64
	TopN     int
	// StalePenalty is the score cost, in minutes, per minute of position age.
	StalePenalty float64
	Now          func() time.Time
}

// Candidates ranks the vendor's available drivers by how soon they can reach the
// order's pickup point. Drivers without a known position are skipped.
func (s *Service) Candidates(ctx context.Context, order models.Order, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = s.TopN
	}
	if limit <= 0 {
		limit = 10
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	drivers, err := s.pool(ctx, order, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.Active || d.Status != models.DriverAvailable || d.Position == nil {
			continue
		}
		etaMin, err := s.Estimator.ETA(ctx, d.Position.Coord, order.Pickup)
		if err != nil {
			continue
		}
		age := now().Sub(d.Position.CapturedAt).Minutes()
		if age < 0 {
			age = 0
		}
		// cost = eta + w*(staleness)
		score := etaMin + s.StalePenalty*age
		out = append(out, Candidate{DriverID: d.ID, FullName: d.FullName, ETAMinutes: etaMin, LastSeen: d.Position.CapturedAt, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) pool(ctx context.Context, order models.Order, limit int) ([]models.Driver, error) {
	if s.Geo == nil {
		return s.Store.DriversByVendor(ctx, order.VendorID)
	}
	radius := s.RadiusKm
	if radius <= 0 {
		radius = 15
	}
	// other vendors share the index, so over-fetch
	near, err := s.Geo.Nearby(ctx, order.Pickup, radius, limit*5)
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(near))
	for _, n := range near {
		if n.VendorID != order.VendorID {
			continue
		}
		d, err := s.Store.GetDriver(ctx, n.DriverID)
		if err != nil {
			continue
		}
		if d.Position == nil {
			p := n.Position
			d.Position = &p
		}
		out = append(out, d)
	}
	return out, nil
}
