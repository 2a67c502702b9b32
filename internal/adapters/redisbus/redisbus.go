// Package redisbus publishes transitions and queues notifications on Redis.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/okian/geopresence/internal/domain/fanout"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

// Default channel and list names.
const (
	DefaultChannel          = "geopresence:transitions"
	DefaultNotificationList = "geopresence:notifications"
)

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	// DialTimeout bounds connection attempts; zero uses the client default.
	DialTimeout time.Duration
}

// Open creates a client. It does not contact the server; use Ping for that.
func Open(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}

// Ping checks that the server is reachable.
func Ping(ctx context.Context, c *redis.Client) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", c.Options().Addr, err)
	}
	return nil
}

type transitionMessage struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	RegionID   string    `json:"region_id"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
}

type notificationMessage struct {
	UserID  string         `json:"user_id"`
	Payload fanout.Payload `json:"payload"`
}

func encodeTransition(ev model.TransitionEvent) ([]byte, error) {
	return json.Marshal(transitionMessage{
		ID:         ev.ID,
		UserID:     ev.UserID,
		RegionID:   ev.RegionID,
		Kind:       ev.Kind.String(),
		OccurredAt: ev.OccurredAt.UTC(),
	})
}

// Publisher publishes each transition on a pub/sub channel.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher returns a Publisher using channel, or DefaultChannel when empty.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Publish sends ev as JSON.
func (p *Publisher) Publish(ctx context.Context, ev model.TransitionEvent) error {
	body, err := encodeTransition(ev)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

// Notifier appends each notification to a list drained by the push gateway.
type Notifier struct {
	client *redis.Client
	list   string
}

// NewNotifier returns a Notifier using list, or DefaultNotificationList when empty.
func NewNotifier(client *redis.Client, list string) *Notifier {
	if list == "" {
		list = DefaultNotificationList
	}
	return &Notifier{client: client, list: list}
}

// Send implements fanout.NotificationSink.
func (n *Notifier) Send(ctx context.Context, userID string, p fanout.Payload) error {
	body, err := json.Marshal(notificationMessage{UserID: userID, Payload: p})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.client.RPush(ctx, n.list, body).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", n.list, err)
	}
	return nil
}
