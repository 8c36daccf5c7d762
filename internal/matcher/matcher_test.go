package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/example/dispatch-tracking/internal/eta"
	"github.com/example/dispatch-tracking/internal/geo"
	"github.com/example/dispatch-tracking/internal/models"
	"github.com/example/dispatch-tracking/internal/storage"
)

func TestPreferFresherPositionIfETAEqual(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	st := storage.NewMemoryStore()
	here := models.Coord{Lat: 12.9, Lon: 77.6}
	add := func(id string, status models.DriverStatus, pos *models.Position) {
		if err := st.CreateDriver(ctx, models.Driver{ID: id, VendorID: "V", Status: status, Active: true, Position: pos}); err != nil {
			t.Fatal(err)
		}
	}
	add("stale", models.DriverAvailable, &models.Position{Coord: here, CapturedAt: now.Add(-10 * time.Minute)})
	add("fresh", models.DriverAvailable, &models.Position{Coord: here, CapturedAt: now.Add(-time.Minute)})
	add("busy", models.DriverBusy, &models.Position{Coord: here, CapturedAt: now})
	add("unknown", models.DriverAvailable, nil)

	s := &Service{Store: st, Estimator: eta.NewEstimator(nil, eta.Options{}), TopN: 5, StalePenalty: 1, Now: func() time.Time { return now }}
	got, err := s.Candidates(ctx, models.Order{VendorID: "V", Pickup: here}, 0)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].DriverID != "fresh" || got[1].DriverID != "stale" {
		t.Fatalf("unexpected ranking %+v", got)
	}
}

func TestCandidatesLimitAndDistance(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	now := time.Now()
	pickup := models.Coord{Lat: 12.9, Lon: 77.6}
	for i, c := range []models.Coord{{Lat: 13.2, Lon: 77.9}, {Lat: 12.91, Lon: 77.61}, {Lat: 13.0, Lon: 77.7}} {
		id := []string{"far", "near", "mid"}[i]
		if err := st.CreateDriver(ctx, models.Driver{ID: id, VendorID: "V", Status: models.DriverAvailable, Active: true, Position: &models.Position{Coord: c, CapturedAt: now}}); err != nil {
			t.Fatal(err)
		}
	}
	s := &Service{Store: st, Estimator: eta.NewEstimator(nil, eta.Options{})}
	got, err := s.Candidates(ctx, models.Order{VendorID: "V", Pickup: pickup}, 2)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("unexpected ranking %+v", got)
	}
}

func TestCandidatesFromGeoIndex(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	idx := geo.NewIndex()
	now := time.Now()
	pickup := models.Coord{Lat: 12.9, Lon: 77.6}
	for _, d := range []struct {
		id, vendor string
		at         models.Coord
	}{
		{"mine", "V", models.Coord{Lat: 12.91, Lon: 77.61}},
		{"theirs", "W", models.Coord{Lat: 12.905, Lon: 77.605}},
		{"remote", "V", models.Coord{Lat: 14.0, Lon: 78.5}},
	} {
		pos := models.Position{Coord: d.at, CapturedAt: now}
		if err := st.CreateDriver(ctx, models.Driver{ID: d.id, VendorID: d.vendor, Status: models.DriverAvailable, Active: true, Position: &pos}); err != nil {
			t.Fatal(err)
		}
		if err := idx.Upsert(ctx, d.id, d.vendor, pos); err != nil {
			t.Fatal(err)
		}
	}
	s := &Service{Store: st, Estimator: eta.NewEstimator(nil, eta.Options{}), Geo: idx, RadiusKm: 10}
	got, err := s.Candidates(ctx, models.Order{VendorID: "V", Pickup: pickup}, 5)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "mine" {
		t.Fatalf("unexpected candidates %+v", got)
	}
}
