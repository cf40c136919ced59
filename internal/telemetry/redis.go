package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/protocol"
)

const (
	telemetryStream = "bridge:telemetry"
	commandStream   = "bridge:commands"

	telemetryStreamMaxLen = 100000
	commandStreamMaxLen   = 50000

	redisQueueSize = 100
)

// RedisPublisher mirrors telemetry and command history into Redis Streams
// for downstream analytics. Best-effort: the worker drains a bounded queue
// and drops entries on overflow so Redis latency can never stall the
// telemetry path.
type RedisPublisher struct {
	client *redis.Client
	queue  chan func(ctx context.Context) error
	logger *zap.Logger
}

// NewRedisPublisher connects to Redis at redisURL and verifies it with a
// ping. A connection failure returns an error so the base can run without
// persistence.
func NewRedisPublisher(redisURL string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("connected to Redis")
	return &RedisPublisher{
		client: client,
		queue:  make(chan func(ctx context.Context) error, redisQueueSize),
		logger: logger,
	}, nil
}

// Run drains queued publishes until ctx is cancelled.
func (r *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.client.Close()
			return
		case publish := <-r.queue:
			if err := publish(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("redis publish failed", zap.Error(err))
			}
		}
	}
}

// Push implements hardware.TelemetrySink: enqueue the snapshot for the
// telemetry stream, dropping it if the queue is full.
func (r *RedisPublisher) Push(tel *protocol.Telemetry) {
	payload, err := json.Marshal(tel)
	if err != nil {
		return
	}
	r.enqueue(func(ctx context.Context) error {
		return r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: telemetryStream,
			MaxLen: telemetryStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"timestamp":     tel.Timestamp,
				"received_at":   tel.ReceivedAt,
				"estop_engaged": tel.Estop.Engaged,
				"payload":       string(payload),
			},
		}).Err()
	})
}

// PublishCommand records one sent command in the command stream.
func (r *RedisPublisher) PublishCommand(cmd *protocol.Command) {
	payload, err := json.Marshal(cmd.Data)
	if err != nil {
		return
	}
	r.enqueue(func(ctx context.Context) error {
		return r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: commandStream,
			MaxLen: commandStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type":      cmd.Type,
				"timestamp": cmd.Timestamp,
				"payload":   string(payload),
			},
		}).Err()
	})
}

func (r *RedisPublisher) enqueue(publish func(ctx context.Context) error) {
	select {
	case r.queue <- publish:
	default:
		// Queue full: drop. Persistence never blocks telemetry.
	}
}
