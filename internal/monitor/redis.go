package monitor

import (
    "context"
    "encoding/json"
    "errors"
    "log"
    "strings"
    "time"

    redis "github.com/redis/go-redis/v9"

    "coldchain/internal/model"
)

// RedisRelay fans events out across instances over Redis Pub/Sub. Each
// instance forwards what it publishes and delivers what others publish.
type RedisRelay struct {
    rdb    *redis.Client
    Prefix string
}

func NewRedisRelay(rdb *redis.Client) *RedisRelay {
    return &RedisRelay{rdb: rdb, Prefix: "coldchain:events:"}
}

func (r *RedisRelay) Forward(evt Event) error {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    data, err := json.Marshal(evt)
    if err != nil { return err }
    return r.rdb.Publish(ctx, r.Prefix+evt.Channel, data).Err()
}

// Run delivers events from other instances into b until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, b *Broker) error {
    ps := r.rdb.PSubscribe(ctx, r.Prefix+"*")
    defer ps.Close()
    // initial consume to ensure subscription
    if _, err := ps.Receive(ctx); err != nil { return err }
    ch := ps.Channel()
    for {
        select {
        case <-ctx.Done():
            return nil
        case msg, ok := <-ch:
            if !ok { return errors.New("relay: subscription closed") }
            var evt Event
            if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
                log.Printf("monitor: relay decode %s: %v", msg.Channel, err)
                continue
            }
            if evt.Origin == b.ID { continue }
            evt.Channel = strings.TrimPrefix(msg.Channel, r.Prefix)
            b.Deliver(evt)
        }
    }
}

// RedisPositions keeps the latest vehicle positions in a Redis GEO set so
// every instance ranks replacement candidates from the same data.
type RedisPositions struct {
    rdb *redis.Client
    Key string
}

func NewRedisPositions(rdb *redis.Client) *RedisPositions {
    return &RedisPositions{rdb: rdb, Key: "coldchain:fleet:geo"}
}

func (p *RedisPositions) Update(ctx context.Context, vehicleID string, pt model.GeoPoint) error {
    return p.rdb.GeoAdd(ctx, p.Key, &redis.GeoLocation{Name: vehicleID, Longitude: pt.Lng, Latitude: pt.Lat}).Err()
}

func (p *RedisPositions) Position(ctx context.Context, vehicleID string) (model.GeoPoint, bool) {
    res, err := p.rdb.GeoPos(ctx, p.Key, vehicleID).Result()
    if err != nil || len(res) == 0 || res[0] == nil { return model.GeoPoint{}, false }
    return model.GeoPoint{Lat: res[0].Latitude, Lng: res[0].Longitude}, true
}

// Nearby lists vehicles within radiusKm of pt, nearest first.
func (p *RedisPositions) Nearby(ctx context.Context, pt model.GeoPoint, radiusKm float64, limit int) ([]Nearby, error) {
    locs, err := p.rdb.GeoRadius(ctx, p.Key, pt.Lng, pt.Lat, &redis.GeoRadiusQuery{
        Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
    }).Result()
    if err != nil { return nil, err }
    out := make([]Nearby, 0, len(locs))
    for _, l := range locs {
        out = append(out, Nearby{VehicleID: l.Name, Position: model.GeoPoint{Lat: l.Latitude, Lng: l.Longitude}, DistanceKm: l.Dist})
    }
    return out, nil
}

type Nearby struct {
    VehicleID  string         `json:"vehicleId"`
    Position   model.GeoPoint `json:"position"`
    DistanceKm float64        `json:"distanceKm"`
}
