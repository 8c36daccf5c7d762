package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/example/dispatch-tracking/internal/models"
)

// OSRMProvider performs route and trip lookups against an OSRM HTTP server.
type OSRMProvider struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMProvider(endpoint string) *OSRMProvider {
	return &OSRMProvider{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

// Route queries /route between two points.
func (o *OSRMProvider) Route(ctx context.Context, from, to models.Coord) (RouteResult, error) {
	// /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=polyline", o.Endpoint, coordPath([]models.Coord{from, to}))
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry string  `json:"geometry"`
		} `json:"routes"`
	}
	if err := o.get(ctx, url, &out); err != nil {
		return RouteResult{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return RouteResult{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	return RouteResult{DistanceKm: r.Distance / 1000, Minutes: r.Duration / 60, Polyline: r.Geometry}, nil
}

// Optimize solves the stop order with the /trip service, pinning origin first and
// destination last.
func (o *OSRMProvider) Optimize(ctx context.Context, origin models.Coord, stops []models.Coord, dest models.Coord) (Plan, error) {
	pts := make([]models.Coord, 0, len(stops)+2)
	pts = append(pts, origin)
	pts = append(pts, stops...)
	pts = append(pts, dest)
	url := fmt.Sprintf("%s/trip/v1/driving/%s?source=first&destination=last&roundtrip=false&overview=full&geometries=polyline", o.Endpoint, coordPath(pts))
	var out struct {
		Code      string `json:"code"`
		Waypoints []struct {
			WaypointIndex int `json:"waypoint_index"`
		} `json:"waypoints"`
		Trips []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry string  `json:"geometry"`
		} `json:"trips"`
	}
	if err := o.get(ctx, url, &out); err != nil {
		return Plan{}, err
	}
	if out.Code != "Ok" || len(out.Trips) == 0 || len(out.Waypoints) != len(pts) {
		return Plan{}, fmt.Errorf("osrm no trip: %v", out.Code)
	}
	// waypoints are in input order; waypoint_index is the position in the trip
	order := make([]int, len(stops))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return out.Waypoints[order[a]+1].WaypointIndex < out.Waypoints[order[b]+1].WaypointIndex
	})
	t := out.Trips[0]
	return Plan{Order: order, DistanceKm: t.Distance / 1000, DurationMinutes: t.Duration / 60, Polyline: t.Geometry}, nil
}

func (o *OSRMProvider) get(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("osrm status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func coordPath(pts []models.Coord) string {
	parts := make([]string, len(pts))
	for i, p := range pts {
		parts[i] = fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat)
	}
	return strings.Join(parts, ";")
}
