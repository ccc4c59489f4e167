package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/linkmux/internal/frame"
	"github.com/matst80/linkmux/internal/obs"
	"github.com/matst80/linkmux/internal/session"
)

// sessionData is the JSON form stored in Redis.
type sessionData struct {
	ID        string    `json:"id"`
	Side      string    `json:"side"`
	Instance  string    `json:"instance"`
	LocalPort uint16    `json:"local_port,omitempty"`
	Target    string    `json:"target"`
	Opened    time.Time `json:"opened"`
	LastSeen  time.Time `json:"last_seen"`
}

// redisRegistry publishes session lifecycle to Redis under session:<id>
// keys with a TTL, refreshed by a heartbeat while the session lives.
type redisRegistry struct {
	client     *redis.Client
	instanceID string

	mu   sync.Mutex
	live map[frame.SessionID]sessionData

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

func newRedisRegistry(addr, password string, db int) (*redisRegistry, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisRegistry{
		client:            rdb,
		instanceID:        fmt.Sprintf("linkmux-%d", time.Now().UnixNano()),
		live:              make(map[frame.SessionID]sessionData),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            5 * time.Minute,
	}, nil
}

var _ Registry = (*redisRegistry)(nil)

func (r *redisRegistry) SessionOpened(side string, s *session.Session) {
	now := time.Now()
	data := sessionData{
		ID:        s.ID.String(),
		Side:      side,
		Instance:  r.instanceID,
		LocalPort: s.LocalPort,
		Target:    fmt.Sprintf("%d.%d.%d.%d:%d", s.TargetIP[0], s.TargetIP[1], s.TargetIP[2], s.TargetIP[3], s.TargetPort),
		Opened:    s.Opened,
		LastSeen:  now,
	}
	r.mu.Lock()
	r.live[s.ID] = data
	r.mu.Unlock()
	r.set(data)
}

func (r *redisRegistry) SessionClosed(s *session.Session) {
	r.mu.Lock()
	delete(r.live, s.ID)
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, "session:"+s.ID.String()).Err(); err != nil {
		obs.Error("registry.del", obs.Fields{"err": err.Error(), "id": s.ID.String()})
	}
}

func (r *redisRegistry) set(data sessionData) {
	b, err := json.Marshal(data)
	if err != nil {
		obs.Error("registry.marshal", obs.Fields{"err": err.Error(), "id": data.ID})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, "session:"+data.ID, b, r.keyTTL).Err(); err != nil {
		obs.Error("registry.set", obs.Fields{"err": err.Error(), "id": data.ID})
	}
}

// StartMaintenance refreshes lastSeen and key TTLs for live sessions until
// ctx is cancelled.
func (r *redisRegistry) StartMaintenance(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.heartbeat()
			}
		}
	}()
}

func (r *redisRegistry) heartbeat() {
	now := time.Now()
	r.mu.Lock()
	batch := make([]sessionData, 0, len(r.live))
	for id, data := range r.live {
		data.LastSeen = now
		r.live[id] = data
		batch = append(batch, data)
	}
	r.mu.Unlock()
	for _, data := range batch {
		r.set(data)
	}
}

func (r *redisRegistry) Close() error { return r.client.Close() }
