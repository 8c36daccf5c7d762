package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/example/dispatch-tracking/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Geo using Redis GEO commands plus one metadata hash per driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoFromClient(c, key)
}

func NewRedisGeoFromClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID, vendorID string, p models.Position) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: driverID})
		pipe.HSet(ctx, MetaKey(driverID), map[string]interface{}{
			"vendor_id":   vendorID,
			"speed":       strconv.FormatFloat(p.Speed, 'f', -1, 64),
			"heading":     strconv.FormatFloat(p.Heading, 'f', -1, 64),
			"accuracy":    strconv.FormatFloat(p.Accuracy, 'f', -1, 64),
			"captured_at": p.CapturedAt.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}
	res, err := r.client.GeoRadius(ctx, r.key, c.Lon, c.Lat, q).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo radius: %w", err)
	}
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		n := Nearby{DriverID: g.Name, DistanceKm: g.Dist}
		n.Position.Lat = g.Latitude
		n.Position.Lon = g.Longitude
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			n.VendorID = m["vendor_id"]
			n.Position.Speed = parseFloat(m["speed"])
			n.Position.Heading = parseFloat(m["heading"])
			n.Position.Accuracy = parseFloat(m["accuracy"])
			if ts, err := time.Parse(time.RFC3339Nano, m["captured_at"]); err == nil {
				n.Position.CapturedAt = ts
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *RedisGeo) Close() error { return r.client.Close() }

// MetaKey is the hash holding a driver's position metadata.
func MetaKey(id string) string { return "driver:meta:" + id }

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
