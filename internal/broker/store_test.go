package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)

	sess := newPendingSession("s1", "state-1")
	require.NoError(t, store.Create(sess))

	got, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, StatePending, got.State)

	// Get returns a copy, not the stored record.
	got.State = StateError
	again, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, again.State)
}

func TestMemoryStoreCreateRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))
	err := store.Create(newPendingSession("s1", "state-2"))
	assert.Error(t, err)
}

func TestMemoryStoreGetUnknownSession(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestMemoryStoreConsumeState(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	sess, err := store.ConsumeState("state-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, StateExchanging, sess.State)
	assert.Empty(t, sess.CSRFToken)

	// The verifier survives consumption so the exchange can use it.
	assert.NotEmpty(t, sess.CodeVerifier)
}

func TestMemoryStoreConsumeStateReplay(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	_, err := store.ConsumeState("state-1")
	require.NoError(t, err)

	_, err = store.ConsumeState("state-1")
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestMemoryStoreConsumeStateUnknownToken(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	_, err := store.ConsumeState("wrong-token")
	assert.ErrorIs(t, err, ErrStateMismatch)

	// The failed attempt must not disturb the pending session.
	sess, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, sess.State)
	assert.Equal(t, "state-1", sess.CSRFToken)
}

func TestMemoryStoreConsumeStateEmptyToken(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ConsumeState("")
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestMemoryStoreConsumeStateConcurrent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	const workers = 20
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeState("state-1"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one consumer must win the state token")
}

func TestMemoryStoreSucceed(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	_, err := store.ConsumeState("state-1")
	require.NoError(t, err)
	require.NoError(t, store.SetAccessToken("s1", "tok"))

	tools := []Tool{{Name: "echo", Description: "echoes input"}}
	require.NoError(t, store.Succeed("s1", tools))

	snap, err := store.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, snap.State)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "echo", snap.Tools[0].Name)
	assert.Nil(t, snap.Err)
}

func TestMemoryStoreSucceedRequiresAccessToken(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	_, err := store.ConsumeState("state-1")
	require.NoError(t, err)

	err = store.Succeed("s1", nil)
	assert.Error(t, err)
}

func TestMemoryStoreSucceedRequiresExchanging(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	err := store.Succeed("s1", nil)
	assert.Error(t, err, "pending session must not jump to success")
}

func TestMemoryStoreFail(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	_, err := store.ConsumeState("state-1")
	require.NoError(t, err)

	ferr := &FlowError{Code: CodeTokenExchange, Message: "exchange rejected"}
	require.NoError(t, store.Fail("s1", ferr))

	snap, err := store.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, StateError, snap.State)
	require.NotNil(t, snap.Err)
	assert.Equal(t, CodeTokenExchange, snap.Err.Code)
}

func TestMemoryStoreFailIsTerminal(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	_, err := store.ConsumeState("state-1")
	require.NoError(t, err)
	require.NoError(t, store.Fail("s1", &FlowError{Code: CodeTokenExchange, Message: "first"}))

	err = store.Fail("s1", &FlowError{Code: CodeToolDiscovery, Message: "second"})
	assert.Error(t, err)

	snap, err := store.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, "first", snap.Err.Message)
}

func TestMemoryStoreFailClearsStateToken(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	require.NoError(t, store.Fail("s1", &FlowError{Code: CodeMetadataDiscovery, Message: "boom"}))

	_, err := store.ConsumeState("state-1")
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestMemoryStoreFailRequiresCodeAndMessage(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	assert.Error(t, store.Fail("s1", nil))
	assert.Error(t, store.Fail("s1", &FlowError{Code: CodeTokenExchange}))
	assert.Error(t, store.Fail("s1", &FlowError{Message: "no code"}))
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	store := newTestStore(t)

	sess := newPendingSession("s1", "state-1")
	sess.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Create(sess))

	_, err := store.Get("s1")
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The expired session's token must not validate a callback either.
	_, err = store.ConsumeState("state-1")
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestMemoryStoreSweepEvictsExpired(t *testing.T) {
	store := newTestStore(t)

	expired := newPendingSession("old", "state-old")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Create(expired))
	require.NoError(t, store.Create(newPendingSession("fresh", "state-fresh")))

	store.sweep()

	store.mu.RLock()
	_, oldExists := store.sessions["old"]
	_, freshExists := store.sessions["fresh"]
	_, tokenExists := store.byState["state-old"]
	store.mu.RUnlock()

	assert.False(t, oldExists)
	assert.False(t, tokenExists)
	assert.True(t, freshExists)
}

func TestMemoryStoreSetAccessTokenRequiresExchanging(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newPendingSession("s1", "state-1")))

	err := store.SetAccessToken("s1", "tok")
	assert.Error(t, err)
}
