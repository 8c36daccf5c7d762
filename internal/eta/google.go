package eta

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"googlemaps.github.io/maps"

	"github.com/example/dispatch-tracking/internal/models"
)

// GoogleProvider uses the Google Directions API.
type GoogleProvider struct {
	client *maps.Client
}

func NewGoogleProvider(apiKey string, opts ...maps.ClientOption) (*GoogleProvider, error) {
	if apiKey == "" {
		return nil, errors.New("google maps api key is empty")
	}
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

func (g *GoogleProvider) Route(ctx context.Context, from, to models.Coord) (RouteResult, error) {
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return RouteResult{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return RouteResult{}, errors.New("no route found")
	}
	meters, seconds := sumLegs(routes[0].Legs)
	return RouteResult{DistanceKm: meters / 1000, Minutes: seconds / 60, Polyline: routes[0].OverviewPolyline.Points}, nil
}

func (g *GoogleProvider) Optimize(ctx context.Context, origin models.Coord, stops []models.Coord, dest models.Coord) (Plan, error) {
	waypoints := make([]string, len(stops))
	for i, s := range stops {
		waypoints[i] = latLng(s)
	}
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(dest),
		Waypoints:   waypoints,
		Optimize:    true,
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 {
		return Plan{}, errors.New("no route found")
	}
	r := routes[0]
	order := r.WaypointOrder
	if len(order) == 0 {
		order = make([]int, len(stops))
		for i := range order {
			order[i] = i
		}
	}
	meters, seconds := sumLegs(r.Legs)
	return Plan{Order: order, DistanceKm: meters / 1000, DurationMinutes: seconds / 60, Polyline: r.OverviewPolyline.Points}, nil
}

func sumLegs(legs []*maps.Leg) (meters, seconds float64) {
	for _, l := range legs {
		meters += float64(l.Distance.Meters)
		seconds += l.Duration.Seconds()
	}
	return meters, seconds
}

func latLng(c models.Coord) string {
	return strconv.FormatFloat(c.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lon, 'f', 6, 64)
}
