package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/reviewflow/pkg/api"
)

// RedisInstanceStore is an InstanceStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>                   => JSON-encoded WorkflowInstance
//	<prefix>active:<type>:<subject>     => id of the running/waiting instance
//	<prefix>idx:all                     => SET of all instance IDs
//	<prefix>idx:type:<type>             => SET of instance IDs for a given type
//	<prefix>idx:status:<status>         => SET of instance IDs for a given status
//	<prefix>waits                       => ZSET of waiting IDs scored by deadline (unix ms)
//
// Updates run inside WATCH/MULTI on the instance and active keys, so a
// concurrent writer makes the transaction fail with ErrVersionConflict.
type RedisInstanceStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisInstanceStore)(nil)

// NewRedisInstanceStore creates a RedisInstanceStore.
// prefix is optional but recommended (e.g. "reviewflow:").
func NewRedisInstanceStore(client *redis.Client, prefix string) *RedisInstanceStore {
	if prefix == "" {
		prefix = "reviewflow:"
	}
	return &RedisInstanceStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisInstanceStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisInstanceStore) keyActive(typ api.WorkflowType, subject string) string {
	return s.prefix + "active:" + string(typ) + ":" + subject
}

func (s *RedisInstanceStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisInstanceStore) keyType(typ api.WorkflowType) string {
	return s.prefix + "idx:type:" + string(typ)
}

func (s *RedisInstanceStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisInstanceStore) keyWaits() string {
	return s.prefix + "waits"
}

func decodeRedisInstance(data []byte) (*api.WorkflowInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	var inst api.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// createScript claims the active key and writes the instance with its
// indexes in one step. An active key whose owner has no instance record is
// left over from an interrupted writer and is taken over.
//
//	KEYS: inst, active, idx:all, idx:type, idx:status, waits
//	ARGV: id, data, claim active ("1"/"0"), wait score or "", instance key prefix
var createScript = redis.NewScript(`
if ARGV[3] == "1" then
	local owner = redis.call("GET", KEYS[2])
	if owner and redis.call("EXISTS", ARGV[5] .. owner) == 1 then
		return -1
	end
end
if redis.call("EXISTS", KEYS[1]) == 1 then
	return -2
end
if ARGV[3] == "1" then
	redis.call("SET", KEYS[2], ARGV[1])
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("SADD", KEYS[4], ARGV[1])
redis.call("SADD", KEYS[5], ARGV[1])
if ARGV[4] ~= "" then
	redis.call("ZADD", KEYS[6], ARGV[4], ARGV[1])
end
return 1
`)

func (s *RedisInstanceStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	claim := "0"
	if inst.Status.IsActive() {
		claim = "1"
	}
	score := ""
	if inst.Status == api.StatusWaiting && inst.PendingWait != nil {
		score = strconv.FormatInt(inst.PendingWait.Deadline.UnixMilli(), 10)
	}

	keys := []string{
		s.keyInstance(inst.ID),
		s.keyActive(inst.Type, inst.SubjectKey),
		s.keyAll(),
		s.keyType(inst.Type),
		s.keyStatus(inst.Status),
		s.keyWaits(),
	}
	res, err := createScript.Run(ctx, s.client, keys, inst.ID, data, claim, score, s.prefix+"inst:").Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrAlreadyActive
	case -2:
		return ErrVersionConflict
	}
	return nil
}

func (s *RedisInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	instKey := s.keyInstance(inst.ID)
	activeKey := s.keyActive(inst.Type, inst.SubjectKey)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, instKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrInstanceNotFound
			}
			return err
		}
		cur, err := decodeRedisInstance(data)
		if err != nil {
			return err
		}
		if cur.Version != inst.Version {
			return ErrVersionConflict
		}
		activeOwner, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		next := inst.Clone()
		next.Version++
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, instKey, encoded, 0)
			if cur.Status != next.Status {
				pipe.SRem(ctx, s.keyStatus(cur.Status), next.ID)
				pipe.SAdd(ctx, s.keyStatus(next.Status), next.ID)
			}
			if next.Status == api.StatusWaiting && next.PendingWait != nil {
				pipe.ZAdd(ctx, s.keyWaits(), redis.Z{
					Score:  float64(next.PendingWait.Deadline.UnixMilli()),
					Member: next.ID,
				})
			} else {
				pipe.ZRem(ctx, s.keyWaits(), next.ID)
			}
			if !next.Status.IsActive() && activeOwner == next.ID {
				pipe.Del(ctx, activeKey)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, instKey, activeKey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	inst.Version++
	return nil
}

func (s *RedisInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisInstance(data)
}

func (s *RedisInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var ids []string
	var err error

	switch {
	case filter.Type != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx, s.keyType(filter.Type), s.keyStatus(filter.Status)).Result()
	case filter.Type != "":
		ids, err = s.client.SMembers(ctx, s.keyType(filter.Type)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowInstance{}, nil
		}
		return nil, err
	}

	instances, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := instances[:0]
	for _, inst := range instances {
		if filter.matches(inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *RedisInstanceStore) FindActive(ctx context.Context, typ api.WorkflowType, subjectKey string) (*api.WorkflowInstance, error) {
	id, err := s.client.Get(ctx, s.keyActive(typ, subjectKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.Status.IsActive() {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

func (s *RedisInstanceStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*api.WorkflowInstance, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keyWaits(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	instances, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := instances[:0]
	for _, inst := range instances {
		if inst.Status == api.StatusWaiting && inst.PendingWait.Expired(now) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *RedisInstanceStore) loadAll(ctx context.Context, ids []string) ([]*api.WorkflowInstance, error) {
	if len(ids) == 0 {
		return []*api.WorkflowInstance{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	instances := make([]*api.WorkflowInstance, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeRedisInstance(data)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// RedisEventStore keeps each instance's history in a Redis list.
type RedisEventStore struct {
	client *redis.Client
	prefix string
}

var _ EventStore = (*RedisEventStore)(nil)

func NewRedisEventStore(client *redis.Client, prefix string) *RedisEventStore {
	if prefix == "" {
		prefix = "reviewflow:"
	}
	return &RedisEventStore{client: client, prefix: prefix}
}

func (s *RedisEventStore) key(instanceID string) string {
	return s.prefix + "events:" + instanceID
}

func (s *RedisEventStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key(ev.InstanceID), data).Err()
}

func (s *RedisEventStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	raw, err := s.client.LRange(ctx, s.key(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.WorkflowEvent, 0, len(raw))
	for _, item := range raw {
		var ev api.WorkflowEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
