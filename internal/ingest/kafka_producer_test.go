package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-lifecycle/internal/models"
)

type captureWriter struct{ msgs []kafka.Message }

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestPublishLocation_RoundTripsThroughDecode(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaProducer{writer: w}
	d := models.Driver{ID: "d1", Loc: models.Coord{Lat: 37.77, Lon: -122.41}, Online: true,
		Profile: models.DriverInfo{Name: "Ana", CarModel: "Prius"}}

	require.NoError(t, p.PublishLocation(context.Background(), d))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "d1", string(w.msgs[0].Key))

	got, err := Decode(w.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, d.Loc, got.Loc)
	assert.Equal(t, "Ana", got.Profile.Name)
}

func TestDecode_FallsBackToKey(t *testing.T) {
	got, err := Decode(kafka.Message{Key: []byte("d7"), Value: []byte(`{"loc":{"lat":1,"lon":2},"online":true}`)})
	require.NoError(t, err)
	assert.Equal(t, "d7", got.ID)

	_, err = Decode(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestNewKafkaProducer_FlushesPromptly(t *testing.T) {
	p := NewKafkaProducer([]string{"localhost:9092"}, "driver-locations")
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, w.BatchTimeout)
	assert.Equal(t, "driver-locations", w.Topic)
}
