package turnlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiaot623/gogo/voicebridge/internal/domain"
)

// RedisConfig holds configuration for the turn event stream.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64 // approximate stream cap, 0 means unbounded
}

// RedisPublisher appends turns to a Redis Stream with XADD so downstream
// consumers (analytics, CRM sync) can follow conversations live.
type RedisPublisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher connects and validates the Redis connection.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = "voicebridge:turns"
	}
	return &RedisPublisher{rdb: rdb, stream: stream, maxLen: cfg.MaxLen}, nil
}

// TurnValues flattens a turn into stream entry fields.
func TurnValues(turn domain.ConversationTurn) (map[string]interface{}, error) {
	values := map[string]interface{}{
		"turn_id":    turn.ID,
		"session_id": turn.SessionID,
		"role":       string(turn.Role),
		"text":       turn.Text,
		"ts":         turn.Timestamp.UnixMilli(),
	}
	if turn.Sentiment != "" {
		values["sentiment"] = turn.Sentiment
	}
	if len(turn.EmotionScores) > 0 {
		scores, err := json.Marshal(turn.EmotionScores)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal emotion scores: %w", err)
		}
		values["emotion_scores"] = string(scores)
	}
	return values, nil
}

// AppendTurn publishes the turn with XADD.
func (p *RedisPublisher) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	values, err := TurnValues(turn)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Stream returns the stream key turns are written to.
func (p *RedisPublisher) Stream() string {
	return p.stream
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
