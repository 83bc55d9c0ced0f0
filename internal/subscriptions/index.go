// Package subscriptions maintains the channel subscription index in Redis:
// for each logical destination, the set of logins currently subscribed to it.
// The transport layer writes the index on subscribe/unsubscribe and on
// connection teardown; the router only reads it. Keeping the index in Redis
// makes it reflect live connections across all server instances.
//
//	Key:   subs:<channel>
//	Value: set of logins
package subscriptions

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for subscription sets.
const KeyPrefix = "subs:"

// Index is the Redis-backed subscription index.
type Index struct {
	client *redis.Client
}

// NewIndex creates an Index using the provided Redis client.
func NewIndex(client *redis.Client) *Index {
	return &Index{client: client}
}

// Subscribe records that login is subscribed to channel.
func (i *Index) Subscribe(ctx context.Context, channel, login string) error {
	if err := i.client.SAdd(ctx, KeyPrefix+channel, login).Err(); err != nil {
		return fmt.Errorf("subscriptions: subscribe %s to %s: %w", login, channel, err)
	}
	return nil
}

// Unsubscribe removes login from channel. Removing an absent member is a
// no-op.
func (i *Index) Unsubscribe(ctx context.Context, channel, login string) error {
	if err := i.client.SRem(ctx, KeyPrefix+channel, login).Err(); err != nil {
		return fmt.Errorf("subscriptions: unsubscribe %s from %s: %w", login, channel, err)
	}
	return nil
}

// SubscribersOf returns the logins currently subscribed to channel.
func (i *Index) SubscribersOf(ctx context.Context, channel string) ([]string, error) {
	members, err := i.client.SMembers(ctx, KeyPrefix+channel).Result()
	if err != nil {
		return nil, fmt.Errorf("subscriptions: members of %s: %w", channel, err)
	}
	return members, nil
}
