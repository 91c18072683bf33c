package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/reviewflow/internal/testutil"
	"github.com/petrijr/reviewflow/pkg/api"
)

const prefix = "reviewflow:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	endpoint string
	client   *redis.Client
	ctx      context.Context
}

func TestRedisTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in -short mode")
	}
	testsuite := new(RedisStoreTestSuite)
	testsuite.endpoint = testutil.GetRedisAddress(t)
	initTestRedisClient(t, testsuite)
	suite.Run(t, testsuite)
}

// initTestRedisClient connects to Redis using the address given in the suite.
func initTestRedisClient(t *testing.T, ts *RedisStoreTestSuite) {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: ts.endpoint,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	ts.client = client

	ts.ctx = context.Background()
	if err := client.Ping(ts.ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
}

func (r *RedisStoreTestSuite) flush() {
	iter := r.client.Scan(r.ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		err := r.client.Del(r.ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed: %v", iter.Val(), err)
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

func (r *RedisStoreTestSuite) SetupTest() {
	r.flush()
}

func (r *RedisStoreTestSuite) TestInstanceStoreContract() {
	runInstanceStoreContract(r.T(), func(t *testing.T) InstanceStore {
		r.flush()
		return NewRedisInstanceStore(r.client, prefix)
	})
}

func (r *RedisStoreTestSuite) TestEventStoreContract() {
	runEventStoreContract(r.T(), NewRedisEventStore(r.client, prefix))
}

func (r *RedisStoreTestSuite) TestUpdateMovesStatusIndex() {
	store := NewRedisInstanceStore(r.client, prefix)

	inst := newTestInstance("content_review_idx", api.TypeContentReview, "idx")
	r.Require().NoError(store.CreateInstance(r.ctx, inst))

	inst.Status = api.StatusCancelled
	r.Require().NoError(store.UpdateInstance(r.ctx, inst))

	running, err := r.client.SIsMember(r.ctx, prefix+"idx:status:running", inst.ID).Result()
	r.Require().NoError(err)
	r.False(running)

	cancelled, err := r.client.SIsMember(r.ctx, prefix+"idx:status:cancelled", inst.ID).Result()
	r.Require().NoError(err)
	r.True(cancelled)

	exists, err := r.client.Exists(r.ctx, prefix+"active:content_review:idx").Result()
	r.Require().NoError(err)
	r.Zero(exists)
}

func (r *RedisStoreTestSuite) TestCreateRejectedByLiveOwnerWritesNothing() {
	store := NewRedisInstanceStore(r.client, prefix)
	r.Require().NoError(store.CreateInstance(r.ctx, newTestInstance("content_review_a", api.TypeContentReview, "s1")))

	err := store.CreateInstance(r.ctx, newTestInstance("content_review_b", api.TypeContentReview, "s1"))
	r.ErrorIs(err, ErrAlreadyActive)

	exists, err := r.client.Exists(r.ctx, prefix+"inst:content_review_b").Result()
	r.Require().NoError(err)
	r.Zero(exists)
	member, err := r.client.SIsMember(r.ctx, prefix+"idx:all", "content_review_b").Result()
	r.Require().NoError(err)
	r.False(member)
}

func (r *RedisStoreTestSuite) TestCreateDuplicateIDLeavesActiveKeyAlone() {
	store := NewRedisInstanceStore(r.client, prefix)
	first := newTestInstance("content_review_dup", api.TypeContentReview, "s1")
	r.Require().NoError(store.CreateInstance(r.ctx, first))

	// Same id, different subject: the id collision must not claim s2.
	err := store.CreateInstance(r.ctx, newTestInstance("content_review_dup", api.TypeContentReview, "s2"))
	r.ErrorIs(err, ErrVersionConflict)

	exists, err := r.client.Exists(r.ctx, prefix+"active:content_review:s2").Result()
	r.Require().NoError(err)
	r.Zero(exists)
}

func (r *RedisStoreTestSuite) TestCreateTakesOverOrphanedActiveKey() {
	// An active key pointing at an instance that was never written.
	r.Require().NoError(r.client.Set(r.ctx, prefix+"active:content_review:s1", "content_review_lost", 0).Err())

	store := NewRedisInstanceStore(r.client, prefix)
	inst := newTestInstance("content_review_new", api.TypeContentReview, "s1")
	r.Require().NoError(store.CreateInstance(r.ctx, inst))

	owner, err := r.client.Get(r.ctx, prefix+"active:content_review:s1").Result()
	r.Require().NoError(err)
	r.Equal(inst.ID, owner)

	active, err := store.FindActive(r.ctx, api.TypeContentReview, "s1")
	r.Require().NoError(err)
	r.Equal(inst.ID, active.ID)
}

func (r *RedisStoreTestSuite) TestCreateWaitingIndexesDeadline() {
	store := NewRedisInstanceStore(r.client, prefix)
	inst := newTestInstance("content_review_w", api.TypeContentReview, "w1")
	inst.Status = api.StatusWaiting
	inst.PendingWait = &api.PendingWait{EventName: "approval-decision", Deadline: testNow.Add(time.Hour)}
	r.Require().NoError(store.CreateInstance(r.ctx, inst))

	score, err := r.client.ZScore(r.ctx, prefix+"waits", inst.ID).Result()
	r.Require().NoError(err)
	r.Equal(float64(testNow.Add(time.Hour).UnixMilli()), score)
}
