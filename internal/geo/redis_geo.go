package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisGeo implements Geo on Redis GEO commands so several API nodes can
// share one rider index. Presence flags live in a per-rider meta hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(rd models.Rider) {
	ctx := context.Background()
	_, _ = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: rd.Loc.Lng, Latitude: rd.Loc.Lat, Name: rd.ID}).Result()
	_ = r.client.HSet(ctx, metaKey(rd.ID), map[string]interface{}{
		"online":   strconv.FormatBool(rd.Online),
		"approved": strconv.FormatBool(rd.Approved),
		"updated":  time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || meta["online"] != "true" || meta["approved"] != "true" {
			continue
		}
		out = append(out, models.Candidate{
			RiderID:    g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}

func metaKey(id string) string { return "rider:meta:" + id }
