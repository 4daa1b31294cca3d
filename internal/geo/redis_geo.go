package geo

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Index using Redis GEO commands. The last update time
// of each member lives in a side hash so ties can favor fresher positions.
type RedisGeo struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, lat, lng float64) error {
	if err := validateDriverID(driverID); err != nil {
		return err
	}
	if err := models.ValidateLatLng(lat, lng); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: driverID})
		p.HSet(ctx, metaKey(driverID), "updated", strconv.FormatInt(r.now().UnixNano(), 10))
		return nil
	})
	return apperr.Upstream("geo upsert", err)
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.Del(ctx, metaKey(driverID))
		return nil
	})
	return apperr.Upstream("geo remove", err)
}

func (r *RedisGeo) QueryRadius(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]models.Neighbor, error) {
	if err := validateQuery(lat, lng, radiusMeters); err != nil {
		return nil, err
	}
	q := &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithDist: true, Sort: "ASC"}
	if limit > 0 {
		// over-fetch so equal-distance members cut at the limit can be reordered by recency
		q.Count = limit * 2
	}
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, q).Result()
	if err != nil {
		return nil, apperr.Upstream("geo radius", err)
	}
	if len(res) == 0 {
		return []models.Neighbor{}, nil
	}

	cmds, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, g := range res {
			p.HGet(ctx, metaKey(g.Name), "updated")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperr.Upstream("geo meta", err)
	}
	updated := make([]int64, len(res))
	for i, c := range cmds {
		if v, err := c.(*redis.StringCmd).Int64(); err == nil {
			updated[i] = v
		}
	}

	idx := make([]int, len(res))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := res[idx[a]], res[idx[b]]
		if ra.Dist != rb.Dist {
			return ra.Dist < rb.Dist
		}
		return updated[idx[a]] > updated[idx[b]]
	})
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]models.Neighbor, 0, len(idx))
	for _, i := range idx {
		out = append(out, models.Neighbor{DriverID: res[i].Name, Distance: res[i].Dist})
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
