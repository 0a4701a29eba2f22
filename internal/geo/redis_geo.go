package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/dispatch-engine/internal/models"
)

// RedisStore implements LocationStore on Redis GEO commands, with driver
// state kept in a per-driver hash. The hash carries the staleness TTL so
// a driver that stops pinging ages out of matching on its own.
type RedisStore struct {
	client    *redis.Client
	key       string
	staleness time.Duration
}

func NewRedisStore(addr, password, key string, staleness time.Duration) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, key: key, staleness: staleness}
}

func NewRedisStoreWithClient(c *redis.Client, key string, staleness time.Duration) *RedisStore {
	return &RedisStore{client: c, key: key, staleness: staleness}
}

func (r *RedisStore) Upsert(ctx context.Context, d models.DriverLocation) error {
	if d.LastPing.IsZero() {
		d.LastPing = time.Now()
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID}).Result(); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, metaKey(d.DriverID), metaFields(d)).Err(); err != nil {
		return err
	}
	if r.staleness > 0 {
		return r.client.Expire(ctx, metaKey(d.DriverID), r.staleness).Err()
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, driverID string) (models.DriverLocation, bool) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil || len(m) == 0 {
		return models.DriverLocation{}, false
	}
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.DriverLocation{}, false
	}
	d := driverFromMeta(driverID, m)
	d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	return d, true
}

func (r *RedisStore) SetAvailable(ctx context.Context, driverID string, available bool) error {
	return r.client.HSet(ctx, metaKey(driverID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisStore) Nearby(ctx context.Context, origin models.Coord, radiusKm float64, limit int) ([]models.DriverLocation, error) {
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			// meta TTL elapsed: the geo entry is an orphan, drop it
			_ = r.client.ZRem(ctx, r.key, g.Name).Err()
			continue
		}
		d := driverFromMeta(g.Name, m)
		if !d.Online {
			continue
		}
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }

func metaFields(d models.DriverLocation) map[string]interface{} {
	return map[string]interface{}{
		"rating":    strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":    strconv.FormatBool(d.Online),
		"available": strconv.FormatBool(d.Available),
		"class":     string(d.Class),
		"heading":   strconv.FormatFloat(d.Heading, 'f', -1, 64),
		"speed":     strconv.FormatFloat(d.SpeedMps, 'f', -1, 64),
		"last_ping": d.LastPing.Format(time.RFC3339Nano),
	}
}

func driverFromMeta(id string, m map[string]string) models.DriverLocation {
	d := models.DriverLocation{DriverID: id}
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := m["heading"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Heading = f
		}
	}
	if v, ok := m["speed"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.SpeedMps = f
		}
	}
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	d.Class = models.VehicleClass(m["class"])
	if v, ok := m["last_ping"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.LastPing = t
		}
	}
	return d
}
