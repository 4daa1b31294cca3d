package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisDirectory keeps availability flags in Redis so every process that
// shares a Redis geo index also shares who is offline.
type RedisDirectory struct {
	client *redis.Client
	// AutoRegister records unseen driver ids as available on first read.
	// An existing flag is never overwritten.
	AutoRegister bool
	now          func() time.Time
}

func NewRedisDirectory(client *redis.Client, autoRegister bool) *RedisDirectory {
	return &RedisDirectory{client: client, AutoRegister: autoRegister, now: time.Now}
}

func (d *RedisDirectory) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	if id == "" {
		return nil, apperr.With(apperr.ErrDriverNotFound, "driver id is empty")
	}
	key := driverStatusKey(id)
	if d.AutoRegister {
		_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSetNX(ctx, key, "available", "1")
			p.HSetNX(ctx, key, "updated", strconv.FormatInt(d.now().UnixNano(), 10))
			return nil
		})
		if err != nil {
			return nil, apperr.Upstream("register driver", err)
		}
	}
	vals, err := d.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, apperr.Upstream("get driver", err)
	}
	avail, ok := vals["available"]
	if !ok {
		return nil, apperr.With(apperr.ErrDriverNotFound, "driver %s not found", id)
	}
	drv := &models.Driver{ID: id, Name: vals["name"], IsAvailable: avail == "1"}
	if ns, err := strconv.ParseInt(vals["updated"], 10, 64); err == nil {
		drv.UpdatedAt = time.Unix(0, ns)
	}
	return drv, nil
}

func (d *RedisDirectory) SetAvailability(ctx context.Context, id string, available bool) (*models.Driver, error) {
	drv, err := d.GetDriver(ctx, id)
	if err != nil {
		return nil, err
	}
	flag := "0"
	if available {
		flag = "1"
	}
	now := d.now()
	err = d.client.HSet(ctx, driverStatusKey(id), "available", flag, "updated", strconv.FormatInt(now.UnixNano(), 10)).Err()
	if err != nil {
		return nil, apperr.Upstream("set driver availability", err)
	}
	drv.IsAvailable, drv.UpdatedAt = available, now
	return drv, nil
}

func driverStatusKey(id string) string { return "driver:status:" + id }
