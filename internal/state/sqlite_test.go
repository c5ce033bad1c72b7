package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "state.db")

	store, err := NewSQLiteStore(dbPath, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testAddress() Address {
	return Address{
		BotID:          "bot-1",
		ChannelID:      "c1",
		ConversationID: "conv1",
		UserID:         "u1",
		ServiceURL:     "https://channel.example.org",
	}
}

func TestSQLiteStore_LoadFreshKey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec, err := store.Load(ctx, testAddress(), ConversationData)
	require.NoError(t, err)
	assert.Nil(t, rec.Data)
	assert.Empty(t, rec.ETag)
}

func TestSQLiteStore_FreshKeyInsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	rec := &DataRecord{Data: map[string]any{"count": float64(1)}}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))
	assert.NotEmpty(t, rec.ETag, "save should assign an eTag")

	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(1)}, loaded.Data)
	assert.Equal(t, rec.ETag, loaded.ETag)
}

func TestSQLiteStore_ForceOverwrite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	first := &DataRecord{Data: map[string]any{"v": "one"}}
	require.NoError(t, store.Save(ctx, addr, ConversationData, first))

	// A force save ignores whatever eTag is stored.
	forced := &DataRecord{Data: map[string]any{"v": "two"}, ETag: ETagAny}
	require.NoError(t, store.Save(ctx, addr, ConversationData, forced))
	assert.NotEmpty(t, forced.ETag)
	assert.NotEqual(t, ETagAny, forced.ETag)

	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "two"}, loaded.Data)
}

func TestSQLiteStore_ForceInsertWhenMissing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	rec := &DataRecord{Data: map[string]any{"v": "fresh"}, ETag: ETagAny}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))

	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "fresh"}, loaded.Data)
}

func TestSQLiteStore_OptimisticOverwrite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	rec := &DataRecord{Data: map[string]any{"count": float64(1)}}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))
	e1 := rec.ETag

	rec.Data = map[string]any{"count": float64(2)}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))
	e2 := rec.ETag

	assert.NotEmpty(t, e2)
	assert.NotEqual(t, e1, e2, "overwrite should assign a new eTag")

	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(2)}, loaded.Data)
	assert.Equal(t, e2, loaded.ETag)
}

func TestSQLiteStore_OptimisticInsertWhenConcurrentlyDeleted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	rec := &DataRecord{Data: map[string]any{"v": "one"}}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))
	stale := rec.ETag

	// Another writer deletes the row out from under the caller.
	del := &DataRecord{Data: nil, ETag: ETagAny}
	require.NoError(t, store.Save(ctx, addr, ConversationData, del))

	// The stale save recreates the row instead of failing.
	recreate := &DataRecord{Data: map[string]any{"v": "two"}, ETag: stale}
	require.NoError(t, store.Save(ctx, addr, ConversationData, recreate))
	assert.NotEmpty(t, recreate.ETag)

	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "two"}, loaded.Data)
}

func TestSQLiteStore_LogicalDelete(t *testing.T) {
	tests := []struct {
		name string
		etag func(current string) string
	}{
		{"force", func(string) string { return ETagAny }},
		{"specific", func(current string) string { return current }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			ctx := context.Background()
			addr := testAddress()

			rec := &DataRecord{Data: map[string]any{"v": "one"}}
			require.NoError(t, store.Save(ctx, addr, ConversationData, rec))

			del := &DataRecord{Data: nil, ETag: tt.etag(rec.ETag)}
			require.NoError(t, store.Save(ctx, addr, ConversationData, del))
			assert.Empty(t, del.ETag, "delete should clear the eTag")

			loaded, err := store.Load(ctx, addr, ConversationData)
			require.NoError(t, err)
			assert.Nil(t, loaded.Data)
			assert.Empty(t, loaded.ETag)
		})
	}
}

func TestSQLiteStore_DeleteMissingIsNoop(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	del := &DataRecord{Data: nil, ETag: ETagAny}
	require.NoError(t, store.Save(ctx, addr, ConversationData, del))

	del = &DataRecord{Data: nil, ETag: ""}
	require.NoError(t, store.Save(ctx, addr, ConversationData, del))

	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Nil(t, loaded.Data)
}

func TestSQLiteStore_ScopeIsolation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	userRec := &DataRecord{Data: map[string]any{"bag": "user"}}
	require.NoError(t, store.Save(ctx, addr, UserData, userRec))

	convRec, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Nil(t, convRec.Data, "user data must not leak into conversation scope")

	privRec, err := store.Load(ctx, addr, PrivateConversationData)
	require.NoError(t, err)
	assert.Nil(t, privRec.Data, "user data must not leak into private scope")

	loaded, err := store.Load(ctx, addr, UserData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"bag": "user"}, loaded.Data)
}

func TestSQLiteStore_UserDataSpansConversations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	addr := testAddress()
	rec := &DataRecord{Data: map[string]any{"name": "ada"}}
	require.NoError(t, store.Save(ctx, addr, UserData, rec))

	// Same channel and user, different conversation: user data is shared.
	other := addr
	other.ConversationID = "conv2"
	loaded, err := store.Load(ctx, other, UserData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada"}, loaded.Data)

	// Private data for the original conversation is not.
	priv := &DataRecord{Data: map[string]any{"secret": "x"}}
	require.NoError(t, store.Save(ctx, addr, PrivateConversationData, priv))
	loaded, err = store.Load(ctx, other, PrivateConversationData)
	require.NoError(t, err)
	assert.Nil(t, loaded.Data)
}

func TestSQLiteStore_RacingFirstWriters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	// Two writers that both loaded empty insert independently.
	first := &DataRecord{Data: map[string]any{"writer": "a"}}
	require.NoError(t, store.Save(ctx, addr, ConversationData, first))
	second := &DataRecord{Data: map[string]any{"writer": "b"}}
	require.NoError(t, store.Save(ctx, addr, ConversationData, second))

	// The later insert wins on read; the earlier row is inert history.
	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"writer": "b"}, loaded.Data)

	history, err := store.History(ctx, addr, ConversationData)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, map[string]any{"writer": "b"}, history[0].Data)
	assert.Equal(t, map[string]any{"writer": "a"}, history[1].Data)
}

func TestSQLiteStore_CompactScope(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	for _, v := range []string{"a", "b", "c"} {
		rec := &DataRecord{Data: map[string]any{"writer": v}}
		require.NoError(t, store.Save(ctx, addr, ConversationData, rec))
	}

	removed, err := store.CompactScope(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	history, err := store.History(ctx, addr, ConversationData)
	require.NoError(t, err)
	require.Len(t, history, 1)

	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"writer": "c"}, loaded.Data)
}

func TestSQLiteStore_InvalidScope(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	addr := Address{ChannelID: "c1"} // no user, no conversation

	_, err := store.Load(ctx, addr, UserData)
	assert.ErrorIs(t, err, ErrInvalidScope)

	rec := &DataRecord{Data: map[string]any{"v": 1}}
	err = store.Save(ctx, addr, PrivateConversationData, rec)
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = store.Load(ctx, addr, StoreType("bogus"))
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestSQLiteStore_StrictConflict(t *testing.T) {
	store := setupTestStore(t, WithStrictConcurrency())
	ctx := context.Background()
	addr := testAddress()

	rec := &DataRecord{Data: map[string]any{"count": float64(1)}}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))
	stale := rec.ETag

	// Advance the stored version.
	rec.Data = map[string]any{"count": float64(2)}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))

	// A save carrying the stale eTag now fails instead of overwriting.
	lost := &DataRecord{Data: map[string]any{"count": float64(99)}, ETag: stale}
	err := store.Save(ctx, addr, ConversationData, lost)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	// The stored value is untouched.
	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(2)}, loaded.Data)
}

func TestSQLiteStore_StrictForceStillWins(t *testing.T) {
	store := setupTestStore(t, WithStrictConcurrency())
	ctx := context.Background()
	addr := testAddress()

	rec := &DataRecord{Data: map[string]any{"v": "one"}}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))

	forced := &DataRecord{Data: map[string]any{"v": "two"}, ETag: ETagAny}
	require.NoError(t, store.Save(ctx, addr, ConversationData, forced))

	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "two"}, loaded.Data)
}

func TestSQLiteStore_DefaultProtocolTrustsCaller(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	rec := &DataRecord{Data: map[string]any{"count": float64(1)}}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))
	stale := rec.ETag

	rec.Data = map[string]any{"count": float64(2)}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))

	// Without strict mode the stale writer silently wins.
	lost := &DataRecord{Data: map[string]any{"count": float64(99)}, ETag: stale}
	require.NoError(t, store.Save(ctx, addr, ConversationData, lost))

	loaded, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(99)}, loaded.Data)
}

func TestSQLiteStore_Cancelled(t *testing.T) {
	store := setupTestStore(t)
	addr := testAddress()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Load(ctx, addr, ConversationData)
	assert.ErrorIs(t, err, ErrCancelled)

	rec := &DataRecord{Data: map[string]any{"v": 1}}
	err = store.Save(ctx, addr, ConversationData, rec)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestSQLiteStore_FlushIsNoop(t *testing.T) {
	store := setupTestStore(t)

	ok, err := store.Flush(context.Background(), testAddress())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteStore_EndToEndTurnCycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	addr := testAddress()

	// First turn: nothing stored yet.
	rec, err := store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	require.Nil(t, rec.Data)

	rec.Data = map[string]any{"count": float64(1)}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))
	e1 := rec.ETag
	require.NotEmpty(t, e1)

	// Second turn: increment under the loaded version.
	rec, err = store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"count": float64(1)}, rec.Data)

	rec.Data = map[string]any{"count": float64(2)}
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))
	e2 := rec.ETag
	require.NotEqual(t, e1, e2)

	// Final turn: clear the bag.
	rec.Data = nil
	require.NoError(t, store.Save(ctx, addr, ConversationData, rec))

	rec, err = store.Load(ctx, addr, ConversationData)
	require.NoError(t, err)
	assert.Nil(t, rec.Data)
	assert.Empty(t, rec.ETag)
}
