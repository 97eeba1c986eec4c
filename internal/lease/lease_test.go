package lease

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbridge/backend/internal/state"
)

func newTestManager(t *testing.T) (*Manager, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(),
		"users/u/projects/p", []byte(`{"name":"demo project"}`)))
	return NewManager(store), store
}

func TestAcquire_FirstHolderWins(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	res, err := mgr.Acquire(ctx, "u", "p", "consumerA", 60_000, ConsumerLocal)
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	res, err = mgr.Acquire(ctx, "u", "p", "consumerB", 60_000, ConsumerLocal)
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.Equal(t, "consumerA", res.Holder.ConsumerID)
	assert.InDelta(t, 60_000, res.MsRemaining, 2_000)
}

func TestAcquire_SameConsumerRefreshes(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	res, err := mgr.Acquire(ctx, "u", "p", "c1", 60_000, ConsumerLocal)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	st, err := mgr.GetStatus(ctx, "u", "p")
	require.NoError(t, err)
	firstExpiry := st.Holder.ExpiresAt

	time.Sleep(5 * time.Millisecond)
	res, err = mgr.Acquire(ctx, "u", "p", "c1", 60_000, ConsumerLocal)
	require.NoError(t, err)
	assert.True(t, res.Refreshed)

	st, err = mgr.GetStatus(ctx, "u", "p")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Holder.ExpiresAt, firstExpiry)
}

func TestAcquire_ExpiredLockIsReplaced(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	past := time.Now().Add(-time.Hour)
	mgr.now = func() time.Time { return past }
	res, err := mgr.Acquire(ctx, "u", "p", "old", 5_000, ConsumerLocal)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	mgr.now = time.Now
	res, err = mgr.Acquire(ctx, "u", "p", "new", 60_000, ConsumerCloud)
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	st, _ := mgr.GetStatus(ctx, "u", "p")
	assert.Equal(t, "new", st.Holder.ConsumerID)
	assert.Equal(t, ConsumerCloud, st.Holder.ConsumerType)
}

func TestAcquire_ConcurrentDistinctConsumers(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i, id := range []string{"cA", "cB"} {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := mgr.Acquire(ctx, "u", "p", id, 60_000, ConsumerLocal)
			require.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	won := 0
	for _, res := range results {
		if res.Acquired || res.Refreshed {
			won++
		} else {
			assert.True(t, res.Conflict)
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent acquire may win")
}

func TestRelease_Idempotence(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, err := mgr.Acquire(ctx, "u", "p", "c1", 60_000, ConsumerLocal)
	require.NoError(t, err)

	res, err := mgr.Release(ctx, "u", "p", "c1", false)
	require.NoError(t, err)
	assert.True(t, res.Released)

	res, err = mgr.Release(ctx, "u", "p", "c1", false)
	require.NoError(t, err)
	assert.False(t, res.Released)
}

func TestRelease_WrongHolderNeedsForce(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, err := mgr.Acquire(ctx, "u", "p", "c1", 60_000, ConsumerLocal)
	require.NoError(t, err)

	res, err := mgr.Release(ctx, "u", "p", "intruder", false)
	require.NoError(t, err)
	assert.True(t, res.Conflict)

	res, err = mgr.Release(ctx, "u", "p", "intruder", true)
	require.NoError(t, err)
	assert.True(t, res.Released)
}

func TestClampLeaseMs(t *testing.T) {
	assert.EqualValues(t, DefaultLeaseMs, ClampLeaseMs(0))
	assert.EqualValues(t, MinLeaseMs, ClampLeaseMs(1_000))
	assert.EqualValues(t, 60_000, ClampLeaseMs(60_000))
	assert.EqualValues(t, MaxLeaseMs, ClampLeaseMs(10_000_000))
}

func TestSetRuntimeInfo(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	_, err := mgr.Acquire(ctx, "u", "p", "c1", 60_000, ConsumerLocal)
	require.NoError(t, err)

	require.NoError(t, mgr.SetRuntimeInfo(ctx, "u", "p", "c1",
		map[string]interface{}{"mode": "local", "keyFingerprint": "ab12cd34"}))
	require.NoError(t, mgr.SetRuntimeInfo(ctx, "u", "p", "c1",
		map[string]interface{}{"producerContainer": "deadbeef"}))

	st, err := mgr.GetStatus(ctx, "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "local", st.Holder.Runtime["mode"])
	assert.Equal(t, "deadbeef", st.Holder.Runtime["producerContainer"])

	// Non-holders cannot write runtime info.
	assert.Error(t, mgr.SetRuntimeInfo(ctx, "u", "p", "intruder",
		map[string]interface{}{"mode": "cloud"}))

	// Unrelated project fields survive every lock mutation.
	body, err := store.Get(ctx, "users/u/projects/p")
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "demo project", doc["name"])
}

func TestAcquire_ProjectMissing(t *testing.T) {
	mgr := NewManager(state.NewMemoryStore())
	_, err := mgr.Acquire(context.Background(), "u", "ghost", "c1", 60_000, ConsumerLocal)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = mgr.GetStatus(context.Background(), "u", "ghost")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestRefreshInterval_Bounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		iv := RefreshInterval(600_000)
		assert.GreaterOrEqual(t, iv, 360*time.Second)
		assert.LessOrEqual(t, iv, 420*time.Second)
	}
	assert.Equal(t, 15*time.Second, RefreshInterval(5_000), "floor of 15s")
}
