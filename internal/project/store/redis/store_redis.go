// Package redis is the networked record backend on Redis.
//
// Every key of a collection carries the {coll} hash tag so a collection's
// scripts touch a single slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	"midas/internal/project/store"
	"midas/pkg/platform/sentinel"
)

var scriptDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "dbio_redis_script_duration_ms",
	Help:    "Latency of record store scripts in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
}, []string{"script"})

// KEYS: rec, name, idx, ids. ARGV: doc, id.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 'CONFLICT' end
if redis.call('EXISTS', KEYS[2]) == 1 then return 'USED' end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], KEYS[2])
redis.call('SADD', KEYS[4], ARGV[2])
return 'OK'
`)

// KEYS: rec, name, idx. ARGV: doc, id, active ("1" or "0").
var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'MISSING' end
local active = ARGV[3] == '1'
if active then
  local holder = redis.call('GET', KEYS[2])
  if holder and holder ~= ARGV[2] then return 'USED' end
end
local prev = redis.call('GET', KEYS[3])
if prev and (not active or prev ~= KEYS[2]) then
  if redis.call('GET', prev) == ARGV[2] then redis.call('DEL', prev) end
end
if active then
  redis.call('SET', KEYS[2], ARGV[2])
  redis.call('SET', KEYS[3], KEYS[2])
else
  redis.call('DEL', KEYS[3])
end
redis.call('SET', KEYS[1], ARGV[1])
return 'OK'
`)

// KEYS: rec, idx, ids. ARGV: id.
var deleteScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then return 'MISSING' end
local prev = redis.call('GET', KEYS[2])
if prev and redis.call('GET', prev) == ARGV[1] then redis.call('DEL', prev) end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return 'OK'
`)

const mgetBatch = 200

// RedisStore keeps records as JSON strings with a name index beside them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix replaces the default "dbio" key prefix.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedis constructs a Redis-backed record store.
func NewRedis(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "dbio"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) recKey(coll, id string) string {
	return fmt.Sprintf("%s:{%s}:rec:%s", s.prefix, coll, id)
}

// nameKey length-prefixes the owner so owners and names containing colons
// cannot collide.
func (s *RedisStore) nameKey(coll, owner, name string) string {
	return fmt.Sprintf("%s:{%s}:name:%d:%s:%s", s.prefix, coll, len(owner), owner, name)
}

func (s *RedisStore) idxKey(coll, id string) string {
	return fmt.Sprintf("%s:{%s}:idx:%s", s.prefix, coll, id)
}

func (s *RedisStore) idsKey(coll string) string {
	return fmt.Sprintf("%s:{%s}:ids", s.prefix, coll)
}

func (s *RedisStore) provKey(coll, id string) string {
	return fmt.Sprintf("%s:{%s}:prov:%s", s.prefix, coll, id)
}

func (s *RedisStore) seqKey(shoulder string) string {
	return fmt.Sprintf("%s:seq:%s", s.prefix, shoulder)
}

func (s *RedisStore) run(ctx context.Context, name string, script *redis.Script, keys []string, args ...any) (string, error) {
	start := time.Now()
	defer func() {
		scriptDurationMs.WithLabelValues(name).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()
	return script.Run(ctx, s.client, keys, args...).Text()
}

func decodeRecord(raw string) (*models.ProjectRecord, error) {
	var rec models.ProjectRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %v: %w", err, sentinel.ErrInvalidState)
	}
	return &rec, nil
}

func (s *RedisStore) CreateRecord(ctx context.Context, coll, id, name, owner string, defaults models.ACLs, now time.Time) (*models.ProjectRecord, error) {
	rec, err := store.NewRecord(id, name, owner, defaults, now)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	res, err := s.run(ctx, "create", createScript,
		[]string{s.recKey(coll, id), s.nameKey(coll, owner, name), s.idxKey(coll, id), s.idsKey(coll)},
		string(doc), id)
	if err != nil {
		return nil, fmt.Errorf("create record %s: %w", id, err)
	}
	switch res {
	case "CONFLICT":
		return nil, fmt.Errorf("record %s: %w", id, sentinel.ErrConflict)
	case "USED":
		return nil, fmt.Errorf("name %q for owner %s: %w", name, owner, sentinel.ErrAlreadyUsed)
	}
	return rec, nil
}

func (s *RedisStore) getByID(ctx context.Context, coll, id string) (*models.ProjectRecord, error) {
	raw, err := s.client.Get(ctx, s.recKey(coll, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return decodeRecord(raw)
}

func (s *RedisStore) GetRecordFor(ctx context.Context, coll, idOrName, owner string) (*models.ProjectRecord, error) {
	rec, err := s.getByID(ctx, coll, idOrName)
	if err == nil || !errors.Is(err, sentinel.ErrNotFound) || owner == "" {
		return rec, err
	}
	id, err := s.client.Get(ctx, s.nameKey(coll, owner, idOrName)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve name %q: %w", idOrName, err)
	}
	return s.getByID(ctx, coll, id)
}

func (s *RedisStore) NameExists(ctx context.Context, coll, name, owner string) (bool, error) {
	n, err := s.client.Exists(ctx, s.nameKey(coll, owner, name)).Result()
	if err != nil {
		return false, fmt.Errorf("check name: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Save(ctx context.Context, coll string, rec *models.ProjectRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	active := "1"
	if rec.Deactivated {
		active = "0"
	}
	res, err := s.run(ctx, "save", saveScript,
		[]string{s.recKey(coll, rec.ID), s.nameKey(coll, rec.Owner, rec.Name), s.idxKey(coll, rec.ID)},
		string(doc), rec.ID, active)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	switch res {
	case "MISSING":
		return fmt.Errorf("record %s: %w", rec.ID, sentinel.ErrNotFound)
	case "USED":
		return fmt.Errorf("name %q for owner %s: %w", rec.Name, rec.Owner, sentinel.ErrAlreadyUsed)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, coll, id string) error {
	res, err := s.run(ctx, "delete", deleteScript,
		[]string{s.recKey(coll, id), s.idxKey(coll, id), s.idsKey(coll)}, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if res == "MISSING" {
		return fmt.Errorf("record %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) NextSequenceFor(ctx context.Context, shoulder string) (int, error) {
	n, err := s.client.Incr(ctx, s.seqKey(shoulder)).Result()
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", shoulder, err)
	}
	return int(n), nil
}

func (s *RedisStore) SelectRecords(ctx context.Context, coll string, f store.Filter) ([]*models.ProjectRecord, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey(coll)).Result()
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	var out []*models.ProjectRecord
	for start := 0; start < len(ids); start += mgetBatch {
		batch := ids[start:min(start+mgetBatch, len(ids))]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = s.recKey(coll, id)
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load records: %w", err)
		}
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := decodeRecord(raw)
			if err != nil {
				return nil, err
			}
			if f.Matches(rec) {
				out = append(out, rec)
			}
		}
	}
	store.SortByID(out)
	return out, nil
}

func (s *RedisStore) AppendAction(ctx context.Context, coll string, e provenance.Entry) error {
	line, err := provenance.Encode(e)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.provKey(coll, e.RecordID()), strings.TrimSpace(string(line))).Err(); err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

func (s *RedisStore) ActionsFor(ctx context.Context, coll, id string) ([]provenance.Entry, error) {
	lines, err := s.client.LRange(ctx, s.provKey(coll, id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	out := make([]provenance.Entry, 0, len(lines))
	for _, line := range lines {
		var e provenance.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("decode action: %v: %w", err, sentinel.ErrInvalidState)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
