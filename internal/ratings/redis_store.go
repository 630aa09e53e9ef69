package ratings

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
)

// RedisStore keeps reviews in a list and the aggregate in a hash:
//
//	driver:reviews:{id}  list of JSON reviews
//	driver:rating:{id}   hash {sum, count}
//	ride:reviewed:{id}   marker written with the ride's review
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

const maxReviewTxAttempts = 5

func ratingKey(driverID string) string  { return "driver:rating:" + driverID }
func reviewsKey(driverID string) string { return "driver:reviews:" + driverID }
func reviewedKey(rideID string) string  { return "ride:reviewed:" + rideID }

// Add watches the ride's marker so two reviews of one ride cannot both commit.
func (s *RedisStore) Add(ctx context.Context, r models.Review) (models.DriverRating, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return models.DriverRating{}, err
	}
	marker := reviewedKey(r.RideID)
	var sum *redis.FloatCmd
	var count *redis.IntCmd
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, marker).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return duplicateReview(r.RideID)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, marker, r.DriverID, 0)
			p.RPush(ctx, reviewsKey(r.DriverID), b)
			sum = p.HIncrByFloat(ctx, ratingKey(r.DriverID), "sum", r.Rating)
			count = p.HIncrBy(ctx, ratingKey(r.DriverID), "count", 1)
			return nil
		})
		return err
	}
	for i := 0; i < maxReviewTxAttempts; i++ {
		err = s.client.Watch(ctx, txf, marker)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return models.DriverRating{}, err
	}
	return models.DriverRating{DriverID: r.DriverID, Sum: sum.Val(), Count: int(count.Val())}, nil
}

func (s *RedisStore) Rating(ctx context.Context, driverID string) (models.DriverRating, error) {
	vals, err := s.client.HGetAll(ctx, ratingKey(driverID)).Result()
	if err != nil {
		return models.DriverRating{}, err
	}
	agg := models.DriverRating{DriverID: driverID}
	if v, ok := vals["sum"]; ok {
		if agg.Sum, err = strconv.ParseFloat(v, 64); err != nil {
			return models.DriverRating{}, err
		}
	}
	if v, ok := vals["count"]; ok {
		if agg.Count, err = strconv.Atoi(v); err != nil {
			return models.DriverRating{}, err
		}
	}
	return agg, nil
}

func (s *RedisStore) Reviews(ctx context.Context, driverID string) ([]models.Review, error) {
	raw, err := s.client.LRange(ctx, reviewsKey(driverID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Review, 0, len(raw))
	for _, item := range raw {
		var r models.Review
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
