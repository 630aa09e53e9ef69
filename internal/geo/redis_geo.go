package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
)

// RedisGeo implements Pool using Redis GEO commands plus a metadata hash per driver.
type RedisGeo struct {
	client       redis.UniversalClient
	key          string
	searchRadius float64 // meters
}

func NewRedisGeo(client redis.UniversalClient, key string, radiusMeters float64) *RedisGeo {
	if radiusMeters <= 0 {
		radiusMeters = 5000
	}
	return &RedisGeo{client: client, key: key, searchRadius: radiusMeters}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if d.Profile.ID == "" {
		d.Profile.ID = d.ID
	}
	profile, err := json.Marshal(d.Profile)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
		p.HSet(ctx, MetaKey(d.ID), map[string]interface{}{
			"profile": string(profile),
			"online":  strconv.FormatBool(d.Online),
			"updated": time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, limit int) ([]models.Driver, error) {
	q := &redis.GeoRadiusQuery{Radius: r.searchRadius, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, at.Lon, at.Lat, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("driver meta %s: %w", g.Name, err)
		}
		d.Online = m["online"] == "true"
		if !d.Online {
			continue
		}
		if raw, ok := m["profile"]; ok {
			_ = json.Unmarshal([]byte(raw), &d.Profile)
		}
		if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
			d.Updated = ts
		}
		if d.Profile.ID == "" {
			d.Profile.ID = d.ID
		}
		out = append(out, d)
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }
