package paygate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:      id,
		Status:  StatusPaymentPending,
		Payload: []byte(`{"prompt":"a red fox"}`),
		Requirement: PaymentRequirements{
			Scheme:            "exact",
			Network:           "base-sepolia",
			Asset:             "0xusdc",
			MaxAmountRequired: "300",
			PayTo:             "0xAAA",
			MaxTimeoutSeconds: 600,
		},
		History: []HistoryEntry{{
			Status:    StatusPaymentPending,
			Message:   "awaiting payment",
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newTestSession("a")))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, StatusPaymentPending, got.Status)
}

func TestMemoryStore_InsertDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newTestSession("a")))
	err := store.Insert(ctx, newTestSession("a"))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Update(context.Background(), "nope", func(s *Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateMutatesCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestSession("a")))

	// A failing mutation must leave the stored record untouched.
	_, err := store.Update(ctx, "a", func(s *Session) error {
		s.FailureReason = "half-applied"
		s.appendHistory(StatusFailed, "half-applied", nil)
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, StatusPaymentPending, got.Status)
	assert.Len(t, got.History, 1)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestSession("a")))

	first, err := store.Get(ctx, "a")
	require.NoError(t, err)
	first.Status = StatusFailed
	first.History = append(first.History, HistoryEntry{Status: StatusFailed})
	first.Requirement.Extra = map[string]interface{}{"poisoned": true}

	second, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, second.Status)
	assert.Len(t, second.History, 1)
	assert.Nil(t, second.Requirement.Extra)
}

func TestMemoryStore_ConcurrentUpdatesSameID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestSession("a")))

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.Update(ctx, "a", func(s *Session) error {
				s.History = append(s.History, HistoryEntry{
					Status:    s.Status,
					Message:   fmt.Sprintf("update %d", n),
					Timestamp: time.Now().UTC(),
				})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	// One initial entry plus one per writer: no lost updates.
	assert.Len(t, got.History, writers+1)
}

func TestMemoryStore_ListOrderedByCreation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, store.Insert(ctx, newTestSession(id)))
	}

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "first", sessions[0].ID)
	assert.Equal(t, "second", sessions[1].ID)
	assert.Equal(t, "third", sessions[2].ID)
}
