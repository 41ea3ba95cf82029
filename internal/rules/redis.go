package rules

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultChannel is the pub/sub channel rule changes are announced on
const DefaultChannel = "cmdgate:rules:changed"

// RedisNotifier announces rule set changes over redis pub/sub so that every
// replica sharing the database rebuilds its snapshot
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier creates a RedisNotifier; an empty channel selects
// DefaultChannel
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
	}
}

// Publish announces a change
func (n *RedisNotifier) Publish(ctx context.Context) error {
	return errors.Wrap(n.client.Publish(ctx, n.channel, "reload").Err(), "rules: publish failed")
}

// Subscribe reloads m whenever a change is announced until ctx is done. It
// returns once the subscription is established.
func (n *RedisNotifier) Subscribe(ctx context.Context, m *Matcher) error {
	sub := n.client.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return errors.Wrap(err, "rules: subscribe failed")
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := m.Reload(ctx); err != nil {
					log.WithError(err).Error("could not reload rules after change notification")
				}
			}
		}
	}()
	return nil
}
