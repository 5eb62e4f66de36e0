package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"minefleet/internal/data"
)

// ErrMiss reports a key absent from Redis.
var ErrMiss = errors.New("kv: miss")

const ThresholdTTL = time.Hour

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Redis is the low-latency store for current device and site status and
// for cached thresholds.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func deviceStatusKey(siteID string) string { return "site:" + siteID + ":devices" }
func siteStatusKey(siteID string) string { return "site:" + siteID + ":status" }
func thresholdKey(siteID string, deviceID int) string {
	return "thresholds:" + siteID + ":" + strconv.Itoa(deviceID)
}

// PutDeviceStatus stores a device's status in the site's hash.
func (r *Redis) PutDeviceStatus(ctx context.Context, siteID string, ds data.DeviceStatus) error {
	payload, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, deviceStatusKey(siteID), strconv.Itoa(ds.DeviceID), payload).Err()
}

// DeviceStatuses returns every mirrored device status of a site.
func (r *Redis) DeviceStatuses(ctx context.Context, siteID string) ([]data.DeviceStatus, error) {
	fields, err := r.client.HGetAll(ctx, deviceStatusKey(siteID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]data.DeviceStatus, 0, len(fields))
	for _, raw := range fields {
		var ds data.DeviceStatus
		if err := json.Unmarshal([]byte(raw), &ds); err != nil {
			return nil, fmt.Errorf("decode device status: %w", err)
		}
		out = append(out, ds)
	}
	return out, nil
}

func (r *Redis) PutSiteStatus(ctx context.Context, siteID string, status data.Status) error {
	return r.client.Set(ctx, siteStatusKey(siteID), string(status), 0).Err()
}

// Thresholds returns the cached thresholds of a device or ErrMiss.
func (r *Redis) Thresholds(ctx context.Context, siteID string, deviceID int) (data.Thresholds, error) {
	var t data.Thresholds
	raw, err := r.client.Get(ctx, thresholdKey(siteID, deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return t, ErrMiss
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("decode thresholds: %w", err)
	}
	return t, nil
}

// PutThresholds caches thresholds for ThresholdTTL.
func (r *Redis) PutThresholds(ctx context.Context, siteID string, deviceID int, t data.Thresholds) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, thresholdKey(siteID, deviceID), payload, ThresholdTTL).Err()
}
