// Package geoindex keeps searchable driver positions in Redis GEO sets,
// one set per vehicle type, so nearby searches are pre-filtered by the
// requested class.
package geoindex

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ride-dispatch/internal/domain/driver"
	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/domain/ride"
	"ride-dispatch/internal/ports"
)

// RedisIndex implements ports.GeoIndex on Redis GEO commands.
type RedisIndex struct {
	client  *redis.Client
	baseKey string
}

var _ ports.GeoIndex = (*RedisIndex)(nil)

// NewRedisIndex wraps an existing client. baseKey is the key prefix for the
// per-vehicle-type GEO sets.
func NewRedisIndex(client *redis.Client, baseKey string) *RedisIndex {
	if baseKey == "" {
		baseKey = "drivers_geo"
	}
	return &RedisIndex{client: client, baseKey: baseKey}
}

// Connect creates a Redis client and verifies the connection.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("geoindex: redis ping: %w", err)
	}
	return client, nil
}

// UpsertDriver records the driver's position in the GEO set of its vehicle
// type and tracks the mapping so removal does not need the type.
func (idx *RedisIndex) UpsertDriver(ctx context.Context, d *driver.Driver) error {
	if d.Location == nil {
		return nil
	}

	pipe := idx.client.TxPipeline()
	pipe.GeoAdd(ctx, idx.setKey(d.VehicleType), &redis.GeoLocation{
		Name:      d.ID,
		Latitude:  d.Location.Point.Lat,
		Longitude: d.Location.Point.Lng,
	})
	pipe.HSet(ctx, idx.metaKey(d.ID), map[string]any{
		"vehicle_type": d.VehicleType.String(),
		"rating":       d.Rating,
	})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("geoindex: upsert %s: %w", d.ID, err)
	}
	return nil
}

// RemoveDriver drops the driver from whichever set it was last indexed in.
func (idx *RedisIndex) RemoveDriver(ctx context.Context, driverID string) error {
	vt, err := idx.client.HGet(ctx, idx.metaKey(driverID), "vehicle_type").Result()
	if err == redis.Nil {
		return nil // never indexed
	}
	if err != nil {
		return fmt.Errorf("geoindex: lookup %s: %w", driverID, err)
	}

	pipe := idx.client.TxPipeline()
	pipe.ZRem(ctx, idx.baseKey+":"+vt, driverID)
	pipe.Del(ctx, idx.metaKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geoindex: remove %s: %w", driverID, err)
	}
	return nil
}

// Nearby returns up to limit drivers of the vehicle type within radiusKM of
// p, closest first.
func (idx *RedisIndex) Nearby(ctx context.Context, p geo.Point, vt ride.VehicleType, radiusKM float64, limit int) ([]ports.NearbyDriver, error) {
	hits, err := idx.client.GeoSearchLocation(ctx, idx.setKey(vt), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Latitude:   p.Lat,
			Longitude:  p.Lng,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geoindex: search: %w", err)
	}

	out := make([]ports.NearbyDriver, 0, len(hits))
	for _, h := range hits {
		out = append(out, ports.NearbyDriver{
			DriverID:   h.Name,
			Point:      geo.Point{Lat: h.Latitude, Lng: h.Longitude},
			DistanceKM: h.Dist,
		})
	}
	return out, nil
}

func (idx *RedisIndex) setKey(vt ride.VehicleType) string {
	return idx.baseKey + ":" + vt.String()
}

func (idx *RedisIndex) metaKey(driverID string) string {
	return idx.baseKey + ":meta:" + driverID
}
