package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// PresenceStatus is the shared view of a user's presence.
type PresenceStatus struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
	DeviceID int       `json:"device_id,omitempty"`
}

// PresenceStore mirrors gateway presence transitions into Redis for
// services outside the gateway. The channel:presence:<user> publications
// have no subscriber in this process.
type PresenceStore struct {
	client    *goredis.Client
	publisher *Publisher
	ttl       time.Duration
	clock     func() time.Time
}

const (
	presenceKeyPrefix    = "presence:"
	presenceOnlineSet    = "presence:online"
	presenceChannelStart = "channel:presence:"
	connectionsKeyPrefix = "connections:"
)

func NewPresenceStore(client *goredis.Client, publisher *Publisher, ttl time.Duration) *PresenceStore {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &PresenceStore{
		client:    client,
		publisher: publisher,
		ttl:       ttl,
		clock:     time.Now,
	}
}

// SetOnline records userID as online through clientID.
func (p *PresenceStore) SetOnline(ctx context.Context, userID string, deviceID int, clientID string) error {
	now := p.clock()
	status := PresenceStatus{
		UserID:   userID,
		IsOnline: true,
		LastSeen: now,
		DeviceID: deviceID,
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+userID, data, p.ttl)
	pipe.SAdd(ctx, presenceOnlineSet, userID)
	pipe.HSet(ctx, connectionsKeyPrefix+userID, clientID, now.Unix())
	pipe.Expire(ctx, connectionsKeyPrefix+userID, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return p.publish(ctx, status)
}

// SetOffline records the last connection of userID as gone.
func (p *PresenceStore) SetOffline(ctx context.Context, userID string, clientID string) error {
	now := p.clock()
	status := PresenceStatus{
		UserID:   userID,
		IsOnline: false,
		LastSeen: now,
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+userID, data, 24*time.Hour)
	pipe.SRem(ctx, presenceOnlineSet, userID)
	pipe.HDel(ctx, connectionsKeyPrefix+userID, clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return p.publish(ctx, status)
}

// Heartbeat refreshes the expiry of userID's presence and of clientID's
// connection entry.
func (p *PresenceStore) Heartbeat(ctx context.Context, userID string, clientID string) error {
	pipe := p.client.Pipeline()
	pipe.Expire(ctx, presenceKeyPrefix+userID, p.ttl)
	pipe.HSet(ctx, connectionsKeyPrefix+userID, clientID, p.clock().Unix())
	pipe.Expire(ctx, connectionsKeyPrefix+userID, p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *PresenceStore) publish(ctx context.Context, status PresenceStatus) error {
	if p.publisher == nil {
		return nil
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, presenceChannelStart+status.UserID, data)
}
