package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casspangell/drone-choir-app-sub000/model"
)

const (
	voiceStateKey    = "choir:state:%s"       // String: PlaybackState JSON
	instancePresence = "choir:presence:%s"    // String: heartbeat key per instance
	presenceSetKey   = "choir:online"         // Set: instance ids seen recently
	stateTTL         = 24 * time.Hour
	presenceTTL      = 60 * time.Second
)

// VoiceStateCache snapshots the authoritative per-voice state so the hub
// survives a restart without losing the last accepted write.
type VoiceStateCache struct {
	client *redis.Client
}

// NewVoiceStateCache creates a cache backed by the global client.
func NewVoiceStateCache() *VoiceStateCache {
	return &VoiceStateCache{client: RedisClient}
}

// Save writes the state snapshot for one voice.
func (c *VoiceStateCache) Save(ctx context.Context, voice model.VoiceType, state model.PlaybackState) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal voice state: %w", err)
	}
	return c.client.Set(ctx, fmt.Sprintf(voiceStateKey, voice), data, stateTTL).Err()
}

// Load returns the last snapshot for one voice, or nil when none exists.
func (c *VoiceStateCache) Load(ctx context.Context, voice model.VoiceType) (*model.PlaybackState, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	data, err := c.client.Get(ctx, fmt.Sprintf(voiceStateKey, voice)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var state model.PlaybackState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal voice state: %w", err)
	}
	return &state, nil
}

// Clear drops the snapshot for one voice.
func (c *VoiceStateCache) Clear(ctx context.Context, voice model.VoiceType) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Del(ctx, fmt.Sprintf(voiceStateKey, voice)).Err()
}

// ========== Presence ==========

// TouchPresence refreshes an instance's presence key. Expires on its own if
// the instance goes silent.
func (c *VoiceStateCache) TouchPresence(ctx context.Context, instanceID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(instancePresence, instanceID), time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, presenceSetKey, instanceID)
	pipe.Expire(ctx, presenceSetKey, stateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePresence drops an instance's presence state.
func (c *VoiceStateCache) RemovePresence(ctx context.Context, instanceID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(instancePresence, instanceID))
	pipe.SRem(ctx, presenceSetKey, instanceID)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveInstances returns the instance ids whose presence key is still
// live, pruning expired entries from the online set as it goes.
func (c *VoiceStateCache) ActiveInstances(ctx context.Context) ([]string, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	members, err := c.client.SMembers(ctx, presenceSetKey).Result()
	if err != nil {
		return nil, err
	}

	active := make([]string, 0, len(members))
	expired := make([]interface{}, 0)
	for _, id := range members {
		exists, err := c.client.Exists(ctx, fmt.Sprintf(instancePresence, id)).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			active = append(active, id)
		} else {
			expired = append(expired, id)
		}
	}

	if len(expired) > 0 {
		c.client.SRem(ctx, presenceSetKey, expired...)
	}
	return active, nil
}
