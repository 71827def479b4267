package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"commerce-service/internal/apperror"
	"commerce-service/internal/models"
	"commerce-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKeys struct {
	mu   sync.Mutex
	recs map[string]models.IdempotencyKey
}

func newMemKeys() *memKeys {
	return &memKeys{recs: make(map[string]models.IdempotencyKey)}
}

func (m *memKeys) Insert(_ context.Context, rec *models.IdempotencyKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.Key]; ok {
		return false, nil
	}
	m.recs[rec.Key] = *rec
	return true, nil
}

func (m *memKeys) Get(_ context.Context, key string) (*models.IdempotencyKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (m *memKeys) Complete(_ context.Context, key string, resourceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if ok && rec.ResourceID == nil {
		rec.ResourceID = &resourceID
		m.recs[key] = rec
	}
	return nil
}

func (m *memKeys) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[key]; ok && rec.ResourceID == nil {
		delete(m.recs, key)
	}
	return nil
}

func newTestLedger() (*Ledger, *memKeys) {
	keys := newMemKeys()
	return NewLedger("order", keys, NewLocalLocker(), time.Minute), keys
}

func TestAdmitWithoutKeyBypassesLedger(t *testing.T) {
	ledger, keys := newTestLedger()
	ctx := context.Background()

	adm, err := ledger.Admit(ctx, "", 1, "hash")
	require.NoError(t, err)
	assert.Equal(t, Fresh, adm.Outcome)
	require.NoError(t, adm.Complete(ctx, 10))
	assert.Empty(t, keys.recs)
}

func TestAdmitReplayAfterComplete(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	adm, err := ledger.Admit(ctx, "key-1", 1, "hash")
	require.NoError(t, err)
	require.Equal(t, Fresh, adm.Outcome)
	require.NoError(t, adm.Complete(ctx, 42))

	again, err := ledger.Admit(ctx, "key-1", 1, "hash")
	require.NoError(t, err)
	assert.Equal(t, Replay, again.Outcome)
	assert.Equal(t, int64(42), again.ResourceID)
}

func TestAdmitConflictOnDifferentPayload(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	adm, err := ledger.Admit(ctx, "key-1", 1, "hash-a")
	require.NoError(t, err)
	require.NoError(t, adm.Complete(ctx, 42))

	other, err := ledger.Admit(ctx, "key-1", 1, "hash-b")
	require.NoError(t, err)
	assert.Equal(t, Conflict, other.Outcome)
}

func TestAdmitInFlightDuplicate(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	first, err := ledger.Admit(ctx, "key-1", 1, "hash")
	require.NoError(t, err)
	require.Equal(t, Fresh, first.Outcome)

	_, err = ledger.Admit(ctx, "key-1", 1, "hash")
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeIdempotencyInFlight))

	// a different payload is a conflict even while the first is running
	conflict, err := ledger.Admit(ctx, "key-1", 1, "other")
	require.NoError(t, err)
	assert.Equal(t, Conflict, conflict.Outcome)

	require.NoError(t, first.Complete(ctx, 5))
	replay, err := ledger.Admit(ctx, "key-1", 1, "hash")
	require.NoError(t, err)
	assert.Equal(t, Replay, replay.Outcome)
}

func TestSupersededReturnsWinner(t *testing.T) {
	keys := newMemKeys()
	ledger := NewLedger("order", keys, NewLocalLocker(), time.Millisecond)
	ctx := context.Background()

	stale, err := ledger.Admit(ctx, "key-1", 1, "hash")
	require.NoError(t, err)

	_, ok, err := stale.Superseded(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a pending record has no winner")

	time.Sleep(5 * time.Millisecond)
	retry, err := ledger.Admit(ctx, "key-1", 1, "hash")
	require.NoError(t, err)
	require.Equal(t, Fresh, retry.Outcome)
	require.NoError(t, retry.Complete(ctx, 42))

	id, ok, err := stale.Superseded(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	// closed: a later abandon must not touch the winner's record
	stale.Abandon(ctx)
	rec, err := keys.Get(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec.ResourceID)
	assert.Equal(t, int64(42), *rec.ResourceID)
}

func TestAbandonFreesKey(t *testing.T) {
	ledger, keys := newTestLedger()
	ctx := context.Background()

	adm, err := ledger.Admit(ctx, "key-1", 1, "hash")
	require.NoError(t, err)
	adm.Abandon(ctx)
	assert.Empty(t, keys.recs)

	again, err := ledger.Admit(ctx, "key-1", 1, "different-now")
	require.NoError(t, err)
	assert.Equal(t, Fresh, again.Outcome)
}

func TestAdmitReexecutesOrphanedRecord(t *testing.T) {
	ledger, keys := newTestLedger()
	ctx := context.Background()

	// a previous attempt inserted the record and died without completing
	_, err := keys.Insert(ctx, &models.IdempotencyKey{Key: "key-1", UserID: 1, RequestHash: "hash"})
	require.NoError(t, err)

	adm, err := ledger.Admit(ctx, "key-1", 1, "hash")
	require.NoError(t, err)
	assert.Equal(t, Fresh, adm.Outcome)
	require.NoError(t, adm.Complete(ctx, 9))

	rec, err := keys.Get(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec.ResourceID)
	assert.Equal(t, int64(9), *rec.ResourceID)
}

func TestConcurrentFreshKeyHasOneWinner(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh, inFlight := 0, 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := ledger.Admit(ctx, "key-1", 1, "hash")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				inFlight++
				return
			}
			if adm.Outcome == Fresh {
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Equal(t, callers-1, inFlight)
}

func TestLocalLockerExpiry(t *testing.T) {
	locker := NewLocalLocker()
	now := time.Now()
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	token, ok, err := locker.AcquireLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = locker.AcquireLock(ctx, "k", time.Second)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = locker.AcquireLock(ctx, "k", time.Second)
	assert.True(t, ok, "expired lock can be taken over")

	// the old owner's release does not free the new owner's lock
	require.NoError(t, locker.ReleaseLock(ctx, "k", token))
	_, ok, _ = locker.AcquireLock(ctx, "k", time.Second)
	assert.False(t, ok)
}

func TestHashRequest(t *testing.T) {
	body := map[string]interface{}{"items": []int{1, 2}}

	a, err := HashRequest(1, body)
	require.NoError(t, err)
	b, err := HashRequest(1, body)
	require.NoError(t, err)
	c, err := HashRequest(2, body)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
