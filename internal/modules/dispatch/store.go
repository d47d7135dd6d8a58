// README: Dispatch store backed by Redis GEO and TTL keys for offers, cooldowns, and zones.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"barq/internal/types"
)

const (
	driverGeoKey      = "dispatch:drivers"
	offerOrderPrefix  = "dispatch:offer:order:%s"
	offerDriverPrefix = "dispatch:offer:driver:%s"
	cooldownPrefix    = "dispatch:cooldown:%s:%s"
	attemptsPrefix    = "dispatch:attempts:%s"
	zoneSetPrefix     = "dispatch:zones:%s"
	attemptsTTL       = time.Hour
	zoneTTL           = 24 * time.Hour
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// UpsertDriverLocation keeps the candidate GEO index current.
func (s *Store) UpsertDriverLocation(ctx context.Context, id types.ID, p types.Point) error {
	return s.redis.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (s *Store) RemoveDriver(ctx context.Context, id types.ID) error {
	return s.redis.ZRem(ctx, driverGeoKey, string(id)).Err()
}

// NearbyDrivers returns candidate driver ids within radiusKm of p, closest
// first.
func (s *Store) NearbyDrivers(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := s.redis.GeoSearch(ctx, driverGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}

// PlaceOffer takes the order and driver sides of the offer lease. It
// succeeds only when neither side holds an outstanding offer; on a partial
// take the first key is rolled back. Keys expire on their own, which is the
// offer timeout.
func (s *Store) PlaceOffer(ctx context.Context, orderID, driverID types.ID, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, offerOrderKey(orderID), string(driverID), ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	ok, err = s.redis.SetNX(ctx, offerDriverKey(driverID), string(orderID), ttl).Result()
	if err != nil || !ok {
		s.redis.Del(ctx, offerOrderKey(orderID))
		return false, err
	}
	return true, nil
}

// OfferHolder returns the driver currently holding the offer on an order.
func (s *Store) OfferHolder(ctx context.Context, orderID types.ID) (types.ID, bool, error) {
	val, err := s.redis.Get(ctx, offerOrderKey(orderID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return types.ID(val), true, nil
}

// ReleaseOffer clears both sides of the lease.
func (s *Store) ReleaseOffer(ctx context.Context, orderID, driverID types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, offerOrderKey(orderID))
	pipe.Del(ctx, offerDriverKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

// SetCooldown removes a driver from an order's candidate set for ttl after a
// rejection or expiry.
func (s *Store) SetCooldown(ctx context.Context, orderID, driverID types.ID, ttl time.Duration) error {
	return s.redis.Set(ctx, cooldownKey(orderID, driverID), "1", ttl).Err()
}

func (s *Store) InCooldown(ctx context.Context, orderID, driverID types.ID) (bool, error) {
	val, err := s.redis.Get(ctx, cooldownKey(orderID, driverID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// IncrAttempts counts offers made for an order; the counter expires so a
// stale order does not stay exhausted forever.
func (s *Store) IncrAttempts(ctx context.Context, orderID types.ID) (int, error) {
	key := fmt.Sprintf(attemptsPrefix, string(orderID))
	n, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	s.redis.Expire(ctx, key, attemptsTTL)
	return int(n), nil
}

func (s *Store) Attempts(ctx context.Context, orderID types.ID) (int, error) {
	val, err := s.redis.Get(ctx, fmt.Sprintf(attemptsPrefix, string(orderID))).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(val)
}

func (s *Store) ClearAttempts(ctx context.Context, orderID types.ID) error {
	return s.redis.Del(ctx, fmt.Sprintf(attemptsPrefix, string(orderID))).Err()
}

// RecordDeliveryZone remembers the zone of a completed delivery for the
// zone-affinity score component.
func (s *Store) RecordDeliveryZone(ctx context.Context, driverID types.ID, zone string) error {
	key := fmt.Sprintf(zoneSetPrefix, string(driverID))
	pipe := s.redis.Pipeline()
	pipe.SAdd(ctx, key, zone)
	pipe.Expire(ctx, key, zoneTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) InDeliveryZone(ctx context.Context, driverID types.ID, zone string) (bool, error) {
	return s.redis.SIsMember(ctx, fmt.Sprintf(zoneSetPrefix, string(driverID)), zone).Result()
}

func offerOrderKey(orderID types.ID) string {
	return fmt.Sprintf(offerOrderPrefix, string(orderID))
}

func offerDriverKey(driverID types.ID) string {
	return fmt.Sprintf(offerDriverPrefix, string(driverID))
}

func cooldownKey(orderID, driverID types.ID) string {
	return fmt.Sprintf(cooldownPrefix, string(orderID), string(driverID))
}
