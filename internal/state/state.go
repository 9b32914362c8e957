// Package state mirrors per-channel device state in Redis.
//
// Every object has a hash state:{kind}:{id} holding one JSON-encoded value per
// channel, and a hash extra:{kind}:{id} for engine bookkeeping such as the
// command freeze deadline. Nothing is cached in process: readers always see
// what the last writer stored, whichever process it was.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"homecore/internal/models"
	"homecore/internal/store"
)

// Reader is the read side used by the evaluator and executor
type Reader interface {
	Read(ctx context.Context, ref models.Ref, channel string) (any, bool, error)
}

// Store is the Redis-backed device state store
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
	sinks  []store.StateSink
}

// New creates a state store. Every sink receives the full state after each write.
func New(rdb *redis.Client, logger *zap.Logger, sinks ...store.StateSink) *Store {
	return &Store{
		rdb:    rdb,
		logger: logger.With(zap.String("component", "state")),
		sinks:  sinks,
	}
}

// AddSink registers another observer of state changes
func (s *Store) AddSink(sink store.StateSink) {
	s.sinks = append(s.sinks, sink)
}

func stateKey(ref models.Ref) string { return "state:" + ref.String() }
func extraKey(ref models.Ref) string { return "extra:" + ref.String() }

// Update stores raw under channel, as a number when it looks like one
func (s *Store) Update(ctx context.Context, ref models.Ref, channel, raw string) error {
	if channel == "" {
		channel = models.DefaultChannel
	}
	encoded, err := json.Marshal(models.ParseValue(raw))
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", ref, channel, err)
	}
	if err := s.rdb.HSet(ctx, stateKey(ref), channel, encoded).Err(); err != nil {
		return fmt.Errorf("update %s.%s: %w", ref, channel, err)
	}
	s.notify(ctx, ref)
	return nil
}

// Read returns the value of one channel. ok is false when nothing was stored.
func (s *Store) Read(ctx context.Context, ref models.Ref, channel string) (any, bool, error) {
	if channel == "" {
		channel = models.DefaultChannel
	}
	raw, err := s.rdb.HGet(ctx, stateKey(ref), channel).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s.%s: %w", ref, channel, err)
	}
	v, err := decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s.%s: %w", ref, channel, err)
	}
	return v, true, nil
}

// Snapshot returns every channel of one object
func (s *Store) Snapshot(ctx context.Context, ref models.Ref) (models.State, error) {
	fields, err := s.rdb.HGetAll(ctx, stateKey(ref)).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", ref, err)
	}
	st := make(models.State, len(fields))
	for ch, raw := range fields {
		v, err := decode(raw)
		if err != nil {
			s.logger.Warn("STATE: Dropping undecodable channel", zap.Stringer("ref", ref), zap.String("channel", ch), zap.Error(err))
			continue
		}
		st[ch] = v
	}
	return st, nil
}

// Replace swaps the whole state of an object atomically
func (s *Store) Replace(ctx context.Context, ref models.Ref, st models.State) error {
	values := make(map[string]any, len(st))
	for ch, v := range st {
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", ref, ch, err)
		}
		values[ch] = encoded
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, stateKey(ref))
		if len(values) > 0 {
			pipe.HSet(ctx, stateKey(ref), values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", ref, err)
	}
	s.notify(ctx, ref)
	return nil
}

// Extra reads one key of the extra side-channel
func (s *Store) Extra(ctx context.Context, ref models.Ref, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, extraKey(ref), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read extra %s.%s: %w", ref, key, err)
	}
	return v, true, nil
}

// SetExtra writes one key of the extra side-channel
func (s *Store) SetExtra(ctx context.Context, ref models.Ref, key, value string) error {
	if err := s.rdb.HSet(ctx, extraKey(ref), key, value).Err(); err != nil {
		return fmt.Errorf("write extra %s.%s: %w", ref, key, err)
	}
	return nil
}

// MarkOnce sets key if it does not exist yet. It reports true for the first caller only.
func (s *Store) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", key, err)
	}
	return ok, nil
}

// Unmark drops a key set by MarkOnce so the next caller is first again
func (s *Store) Unmark(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("unmark %s: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) notify(ctx context.Context, ref models.Ref) {
	if len(s.sinks) == 0 {
		return
	}
	st, err := s.Snapshot(ctx, ref)
	if err != nil {
		s.logger.Warn("STATE: Snapshot for sinks failed", zap.Stringer("ref", ref), zap.Error(err))
		return
	}
	for _, sink := range s.sinks {
		if err := sink.SaveState(ctx, ref, st); err != nil {
			s.logger.Warn("STATE: Sink failed", zap.Stringer("ref", ref), zap.Error(err))
		}
	}
}

func decode(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}
