package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
)

// RedisStore is an alternative Store for deployments that already run
// Redis and prefer lower checkpoint-write latency over the stronger
// durability guarantees of PostgresStore. Each checkpoint is stored as a
// small JSON envelope so records_processed and last_event_time survive
// alongside the opaque token.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "cdc:checkpoint:"
}

type redisEnvelope struct {
	Token            []byte `json:"token"`
	LastEventTimeUnix *int64 `json:"last_event_time_unix,omitempty"`
	RecordsProcessed int64  `json:"records_processed"`
}

// NewRedisStore opens a Redis client and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cdc:checkpoint:"
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(jobID, collection string) string {
	return s.prefix + jobID + ":" + collection
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, jobID, collection string, token bson.Raw, lastEventTime *time.Time, recordsProcessed int64) error {
	if err := validateToken(token); err != nil {
		checkpointSaves.WithLabelValues("invalid").Inc()
		return err
	}

	env := redisEnvelope{Token: token, RecordsProcessed: recordsProcessed}
	if lastEventTime != nil {
		unix := lastEventTime.Unix()
		env.LastEventTimeUnix = &unix
	}

	payload, err := json.Marshal(env)
	if err != nil {
		checkpointSaves.WithLabelValues("error").Inc()
		return newError(KindNonRetryable, err)
	}

	err = withRetry(ctx, func(e error) bool { return e != nil }, func() error {
		return s.client.Set(ctx, s.key(jobID, collection), payload, 0).Err()
	})
	if err != nil {
		checkpointSaves.WithLabelValues("error").Inc()
		return newError(KindTransientBackend, err)
	}

	checkpointSaves.WithLabelValues("success").Inc()
	return nil
}

func (s *RedisStore) LoadCheckpoint(ctx context.Context, jobID, collection string) (bson.Raw, error) {
	env, err := s.load(ctx, jobID, collection)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, nil
	}
	return bson.Raw(env.Token), nil
}

func (s *RedisStore) LoadRecordsProcessed(ctx context.Context, jobID, collection string) (int64, error) {
	env, err := s.load(ctx, jobID, collection)
	if err != nil || env == nil {
		return 0, err
	}
	return env.RecordsProcessed, nil
}

func (s *RedisStore) load(ctx context.Context, jobID, collection string) (*redisEnvelope, error) {
	data, err := s.client.Get(ctx, s.key(jobID, collection)).Bytes()
	if errors.Is(err, redis.Nil) {
		checkpointLoads.WithLabelValues("not_found").Inc()
		return nil, nil
	}
	if err != nil {
		checkpointLoads.WithLabelValues("error").Inc()
		return nil, newError(KindTransientBackend, err)
	}

	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("checkpoint: stored envelope is corrupted, cold-starting", "job_id", jobID, "collection", collection, "error", err)
		checkpointLoads.WithLabelValues("invalid").Inc()
		return nil, nil
	}
	if err := validateToken(bson.Raw(env.Token)); err != nil {
		slog.Warn("checkpoint: stored resume token is corrupted, cold-starting", "job_id", jobID, "collection", collection, "error", err)
		checkpointLoads.WithLabelValues("invalid").Inc()
		return nil, nil
	}

	checkpointLoads.WithLabelValues("success").Inc()
	return &env, nil
}

func (s *RedisStore) DeleteCheckpoint(ctx context.Context, jobID, collection string) error {
	return s.client.Del(ctx, s.key(jobID, collection)).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
