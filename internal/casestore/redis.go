package casestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"courtwatch-backend/internal/scrape"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Prefix namespaces every key, it defaults to "courtwatch".
	Prefix string `json:"prefix"`
}

// RedisStore keeps one JSON value per case plus a set of every case id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, config RedisConfig) (RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	err := client.Ping(ctx).Err()
	if err != nil {
		client.Close()
		return RedisStore{}, fmt.Errorf("ping redis: %w", err)
	}
	prefix := config.Prefix
	if prefix == "" {
		prefix = "courtwatch"
	}
	return RedisStore{client: client, prefix: prefix}, nil
}

func (s RedisStore) caseKey(caseID scrape.CaseID) string {
	return fmt.Sprintf("%s:case:%s", s.prefix, caseID)
}

func (s RedisStore) indexKey() string {
	return s.prefix + ":cases"
}

func decodeRecord(raw string) (Record, error) {
	var r Record
	err := json.Unmarshal([]byte(raw), &r)
	return r, err
}

func (s RedisStore) Add(ctx context.Context, caseID scrape.CaseID) (Record, error) {
	raw, err := json.Marshal(Record{CaseID: caseID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return Record{}, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.caseKey(caseID), raw, 0)
		pipe.SAdd(ctx, s.indexKey(), string(caseID))
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return s.Get(ctx, caseID)
}

func (s RedisStore) Get(ctx context.Context, caseID scrape.CaseID) (Record, error) {
	raw, err := s.client.Get(ctx, s.caseKey(caseID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(raw)
}

func (s RedisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.caseKey(scrape.CaseID(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		r, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s RedisStore) SaveOutcome(ctx context.Context, outcome scrape.Outcome) (Record, error) {
	key := s.caseKey(outcome.CaseID)
	var previous Record
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			previous = Record{CaseID: outcome.CaseID, CreatedAt: time.Now().UTC()}
		case err != nil:
			return err
		default:
			previous, err = decodeRecord(raw)
			if err != nil {
				return err
			}
		}

		next, err := json.Marshal(previous.Apply(outcome))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			pipe.SAdd(ctx, s.indexKey(), string(outcome.CaseID))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return Record{}, err
	}
	return previous, nil
}

func (s RedisStore) Close() error {
	return s.client.Close()
}
