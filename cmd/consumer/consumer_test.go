package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/retry"
)

// flakyPool fails the first failUpserts writes.
type flakyPool struct {
	failUpserts int
	calls       int
	got         []models.Driver
}

func (f *flakyPool) Upsert(_ context.Context, d models.Driver) error {
	f.calls++
	if f.calls <= f.failUpserts {
		return errors.New("redis: connection refused")
	}
	f.got = append(f.got, d)
	return nil
}

func (f *flakyPool) Nearby(context.Context, models.Coord, int) ([]models.Driver, error) {
	return nil, nil
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func locationMessage(t *testing.T, d models.Driver) kafka.Message {
	t.Helper()
	b, err := json.Marshal(d)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(d.ID), Value: b}
}

func TestHandleMessage_SucceedsAfterRetries(t *testing.T) {
	pool := &flakyPool{failUpserts: 2}
	policy := retry.Policy{Attempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	d := models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}

	start := time.Now()
	require.NoError(t, handleMessage(context.Background(), pool, locationMessage(t, d), policy, quiet))
	assert.Equal(t, 3, pool.calls)
	require.Len(t, pool.got, 1)
	assert.Equal(t, "d1", pool.got[0].ID)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestHandleMessage_FailsWhenExhausted(t *testing.T) {
	pool := &flakyPool{failUpserts: 5}
	policy := retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := handleMessage(context.Background(), pool, locationMessage(t, models.Driver{ID: "d1"}), policy, quiet)
	assert.Error(t, err)
	assert.Equal(t, 3, pool.calls)
}

func TestHandleMessage_RejectsInvalidPayload(t *testing.T) {
	pool := &flakyPool{}
	policy := retry.Policy{Attempts: 1}

	assert.Error(t, handleMessage(context.Background(), pool, kafka.Message{Value: []byte("{not json")}, policy, quiet))
	assert.Error(t, handleMessage(context.Background(), pool, kafka.Message{Value: []byte(`{"loc":{"lat":1,"lon":2}}`)}, policy, quiet))
	assert.Zero(t, pool.calls)
}

func TestHandleMessage_WritesRedisPool(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	pool := geo.NewRedisGeo(rc, "drivers_geo", 5000)

	d := models.Driver{ID: "d7", Loc: models.Coord{Lat: 37.7749, Lon: -122.4194}, Online: true,
		Profile: models.DriverInfo{Name: "Sam", CarModel: "Leaf"}}
	msg := locationMessage(t, d)
	msg.Value = []byte(`{"loc":{"lat":37.7749,"lon":-122.4194},"online":true,"profile":{"name":"Sam","car_model":"Leaf"}}`)

	require.NoError(t, handleMessage(context.Background(), pool, msg, retry.Policy{Attempts: 1}, quiet))

	near, err := pool.Nearby(context.Background(), d.Loc, 5)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "d7", near[0].ID)
	assert.Equal(t, "Sam", near[0].Profile.Name)
}
