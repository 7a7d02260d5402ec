package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scusemua/gpu-dispatch/common/monitoring"
)

const (
	// alertChannel is the Redis pub/sub channel on which alerts are published.
	alertChannel = "gpu-dispatch:alerts"

	publishTimeout = 2 * time.Second
)

// RedisNotifier publishes alerts to a Redis pub/sub channel so external
// consumers (dashboards, pagers) can react without polling the engine.
// It implements monitoring.Notifier.
type RedisNotifier struct {
	*baseProvider

	addr          string
	password      string
	databaseIndex int

	redisClient *redis.Client
}

// NewRedisNotifier creates a notifier for the given Redis address.
// The caller must invoke Connect before subscribing it to a store.
func NewRedisNotifier(addr string, password string, databaseIndex int) *RedisNotifier {
	return &RedisNotifier{
		baseProvider:  newBaseProvider(),
		addr:          addr,
		password:      password,
		databaseIndex: databaseIndex,
	}
}

func (n *RedisNotifier) Connect() error {
	n.status = Connecting

	n.redisClient = redis.NewClient(&redis.Options{
		Addr:     n.addr,
		Password: n.password,
		DB:       n.databaseIndex,
	})

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := n.redisClient.Ping(ctx).Err(); err != nil {
		n.status = Disconnected
		n.logger.Error("Failed to ping Redis.", zap.String("addr", n.addr), zap.Error(err))
		return err
	}

	n.status = Connected

	n.logger.Info("Connected to Redis.", zap.String("addr", n.addr))

	return nil
}

// Notify publishes the alert as JSON on the alert channel.
func (n *RedisNotifier) Notify(alert *monitoring.Alert) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := n.redisClient.Publish(ctx, alertChannel, alert.String()).Err()
	if err != nil {
		n.logger.Error("Failed to publish alert to Redis.",
			zap.String("alert_id", alert.Id),
			zap.String("channel", alertChannel),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Published alert to Redis.",
		zap.String("alert_id", alert.Id),
		zap.String("severity", alert.Severity.String()))

	return nil
}

func (n *RedisNotifier) Close() error {
	n.status = Disconnected

	if n.redisClient == nil {
		return nil
	}

	return n.redisClient.Close()
}
