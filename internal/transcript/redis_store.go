package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/models"
)

const (
	// fragmentKeyPrefix namespaces fragment keys: transcript:{session}:{seq}.
	fragmentKeyPrefix = "transcript:"
	// fragmentTTL bounds how long recovery data survives after a session.
	fragmentTTL = 24 * time.Hour
)

// RedisStore is a Redis-backed BackupStore. Fragments survive process
// restarts, which is what makes storage-based recovery possible at finalize.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed backup store.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

// Put caches a fragment with SETNX semantics so each sequence ID is write-once.
func (s *RedisStore) Put(ctx context.Context, sessionID string, frag models.TranscriptFragment) error {
	raw, err := json.Marshal(frag)
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	key := fmt.Sprintf("%s%s:%d", fragmentKeyPrefix, sessionID, frag.SequenceID)
	if err := s.client.SetNX(ctx, key, raw, fragmentTTL).Err(); err != nil {
		return fmt.Errorf("setnx fragment: %w", err)
	}
	return nil
}

// Fragments returns the session's fragments sorted by sequence ID.
func (s *RedisStore) Fragments(ctx context.Context, sessionID string) ([]models.TranscriptFragment, error) {
	return s.scan(ctx, fmt.Sprintf("%s%s:*", fragmentKeyPrefix, sessionID))
}

// AllFragments scans every cached fragment across sessions.
func (s *RedisStore) AllFragments(ctx context.Context) ([]models.TranscriptFragment, error) {
	return s.scan(ctx, fragmentKeyPrefix+"*")
}

func (s *RedisStore) scan(ctx context.Context, pattern string) ([]models.TranscriptFragment, error) {
	var frags []models.TranscriptFragment
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("get fragment %s: %w", iter.Val(), err)
		}
		var frag models.TranscriptFragment
		if err := json.Unmarshal(raw, &frag); err != nil {
			s.logger.Warn("skipping undecodable fragment", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		frags = append(frags, frag)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan fragments: %w", err)
	}
	sort.Slice(frags, func(i, j int) bool { return frags[i].SequenceID < frags[j].SequenceID })
	return frags, nil
}
