package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/logging"
	"github.com/redis/go-redis/v9"
)

// InAppNotification is the stored and published form of a notification
type InAppNotification struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RedisNotifier keeps a capped list of notifications per user and publishes each one on a
// channel for connected clients
type RedisNotifier struct {
	client    *redis.Client
	channel   string
	listLimit int64
	now       func() time.Time
}

// NewRedisNotifier creates a notifier on an existing Redis client
func NewRedisNotifier(client *redis.Client, channel string, listLimit int) *RedisNotifier {
	if channel == "" {
		channel = "notifications"
	}
	if listLimit <= 0 {
		listLimit = 200
	}
	return &RedisNotifier{
		client:    client,
		channel:   channel,
		listLimit: int64(listLimit),
		now:       time.Now,
	}
}

func userListKey(userID int64) string {
	return fmt.Sprintf("notifications:user:%d", userID)
}

// Notify implements Notifier
func (n *RedisNotifier) Notify(ctx context.Context, userID int64, notifType, title, message, link string) error {
	if userID <= 0 {
		return apperrors.NewInvalidPayloadError("userId", fmt.Sprintf("notification needs a user id, got %d", userID))
	}

	payload, err := json.Marshal(InAppNotification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      notifType,
		Title:     title,
		Message:   message,
		Link:      link,
		CreatedAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	key := userListKey(userID)
	_, err = n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, n.listLimit-1)
		pipe.Publish(ctx, n.channel, payload)
		return nil
	})
	if err != nil {
		return apperrors.NewStorageError("store notification", err)
	}
	return nil
}

// List returns a user's most recent notifications, newest first
func (n *RedisNotifier) List(ctx context.Context, userID int64, limit int) ([]InAppNotification, error) {
	if limit <= 0 || int64(limit) > n.listLimit {
		limit = int(n.listLimit)
	}

	raw, err := n.client.LRange(ctx, userListKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	out := make([]InAppNotification, 0, len(raw))
	for _, item := range raw {
		var notif InAppNotification
		if err := json.Unmarshal([]byte(item), &notif); err != nil {
			continue
		}
		out = append(out, notif)
	}
	return out, nil
}

// LogNotifier only logs notifications. Used when Redis is not configured.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogNotifier{logger: logger.WithField("component", "log_notifier")}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, userID int64, notifType, title, message, link string) error {
	n.logger.WithFields(map[string]interface{}{
		"userId": userID,
		"type":   notifType,
		"title":  title,
		"link":   link,
	}).Info(message)
	return nil
}
