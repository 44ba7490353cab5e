package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/convoflow-dev/convoflow/types"
)

func testSession(id string) *types.Session {
	s := types.NewSession(id)
	s.Append(types.NewUserMessage("hello"))
	s.Append(types.NewAssistantMessage("hi, how can I help?"))
	s.MemorySummary = "greeting exchange"
	return s
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestGorm(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store, err := NewGormStore(db)
	require.NoError(t, err)
	return store
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := testSession("m1")

	require.NoError(t, store.Save(ctx, s))
	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.MemorySummary, got.MemorySummary)
	require.Len(t, got.Messages, 2)

	// Returned session must not alias stored state.
	got.Messages[0].Content = "mutated"
	again, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Messages[0].Content)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := testSession("m2")
	require.NoError(t, store.Save(ctx, s))

	first, err := store.Get(ctx, "m2")
	require.NoError(t, err)
	second, err := store.Get(ctx, "m2")
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, first))
	assert.ErrorIs(t, store.Save(ctx, second), ErrVersionConflict)
}

func TestMemoryStoreAppendMessage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := testSession("m3")
	require.NoError(t, store.Save(ctx, s))

	require.NoError(t, store.AppendMessage(ctx, "m3", types.NewUserMessage("more")))
	got, err := store.Get(ctx, "m3")
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "more", got.Messages[2].Content)

	assert.ErrorIs(t, store.AppendMessage(ctx, "nope", types.NewUserMessage("x")), ErrSessionNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, testSession("m4")))
	require.NoError(t, store.Delete(ctx, "m4"))
	_, err := store.Get(ctx, "m4")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(newTestRedis(t), time.Hour, nil)
	s := testSession("r1")

	require.NoError(t, store.Save(ctx, s))
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Version, got.Version)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "greeting exchange", got.MemorySummary)
}

func TestRedisStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(newTestRedis(t), time.Hour, nil)
	require.NoError(t, store.Save(ctx, testSession("r2")))

	first, err := store.Get(ctx, "r2")
	require.NoError(t, err)
	second, err := store.Get(ctx, "r2")
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, first))

	beforeVersion := second.Version
	err = store.Save(ctx, second)
	assert.ErrorIs(t, err, ErrVersionConflict)
	// A failed save must not leave the bumped version behind.
	assert.Equal(t, beforeVersion, second.Version)
}

func TestRedisStoreAppendMessage(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(newTestRedis(t), time.Hour, nil)
	s := testSession("r3")
	require.NoError(t, store.Save(ctx, s))

	require.NoError(t, store.AppendMessage(ctx, "r3", types.NewUserMessage("appended")))

	got, err := store.Get(ctx, "r3")
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "appended", got.Messages[2].Content)
	assert.Equal(t, s.Version+1, got.Version)
}

func TestRedisStoreAppendToMissingSession(t *testing.T) {
	store := NewRedisStore(newTestRedis(t), time.Hour, nil)
	err := store.AppendMessage(context.Background(), "ghost", types.NewUserMessage("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(newTestRedis(t), time.Hour, nil)
	require.NoError(t, store.Save(ctx, testSession("r4")))
	require.NoError(t, store.Delete(ctx, "r4"))
	_, err := store.Get(ctx, "r4")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGormStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestGorm(t)
	s := testSession("g1")
	s.Scratchpad = &types.Scratchpad{Pending: []string{"step"}}

	require.NoError(t, store.Save(ctx, s))
	got, err := store.Get(ctx, "g1")
	require.NoError(t, err)

	assert.Equal(t, s.ID, got.ID)
	require.Len(t, got.Messages, 2)
	require.NotNil(t, got.Scratchpad)
	assert.Equal(t, []string{"step"}, got.Scratchpad.Pending)
}

func TestGormStoreUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestGorm(t)
	s := testSession("g2")

	require.NoError(t, store.Save(ctx, s))
	s.MemorySummary = "rewritten"
	require.NoError(t, store.Save(ctx, s))

	got, err := store.Get(ctx, "g2")
	require.NoError(t, err)
	assert.Equal(t, "rewritten", got.MemorySummary)
}

func TestGormStoreDeleteAndMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestGorm(t)
	require.NoError(t, store.Save(ctx, testSession("g3")))
	require.NoError(t, store.Delete(ctx, "g3"))
	_, err := store.Get(ctx, "g3")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGormStorePruneInactive(t *testing.T) {
	ctx := context.Background()
	store := newTestGorm(t)

	old := testSession("g-old")
	old.LastActiveAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Save(ctx, old))
	require.NoError(t, store.Save(ctx, testSession("g-new")))

	pruned, err := store.PruneInactive(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	_, err = store.Get(ctx, "g-old")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(ctx, "g-new")
	assert.NoError(t, err)
}

func TestHybridStoreWriteThrough(t *testing.T) {
	ctx := context.Background()
	hybrid := NewHybridStore(newTestRedis(t), newTestGorm(t), time.Hour, nil)
	hybrid.StartPersistWorker(ctx)
	defer hybrid.Close()

	s := testSession("h1")
	require.NoError(t, hybrid.Save(ctx, s))

	got, err := hybrid.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ID)

	// The async worker eventually lands the session in the cold store.
	assert.Eventually(t, func() bool {
		_, err := hybrid.cold.Get(ctx, "h1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHybridStoreColdFallbackAndBackfill(t *testing.T) {
	ctx := context.Background()
	cold := newTestGorm(t)
	hybrid := NewHybridStore(newTestRedis(t), cold, time.Hour, nil)

	s := testSession("h2")
	s.Version = 3
	require.NoError(t, cold.Save(ctx, s))

	got, err := hybrid.Get(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)

	// Now served from the hot tier with the same version, so a caller's
	// save against it succeeds.
	hot, err := hybrid.hot.Get(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, 3, hot.Version)
	require.NoError(t, hybrid.hot.Save(ctx, got))
}

func TestHybridStoreAppendAfterEviction(t *testing.T) {
	ctx := context.Background()
	cold := newTestGorm(t)
	hybrid := NewHybridStore(newTestRedis(t), cold, time.Hour, nil)
	hybrid.StartPersistWorker(ctx)
	defer hybrid.Close()

	// Session exists only in the cold store, as if its Redis key expired.
	require.NoError(t, cold.Save(ctx, testSession("h3")))

	require.NoError(t, hybrid.AppendMessage(ctx, "h3", types.NewUserMessage("back again")))

	got, err := hybrid.Get(ctx, "h3")
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "back again", got.Messages[2].Content)
}

func TestHybridStoreDeleteBothTiers(t *testing.T) {
	ctx := context.Background()
	cold := newTestGorm(t)
	hybrid := NewHybridStore(newTestRedis(t), cold, time.Hour, nil)

	s := testSession("h4")
	require.NoError(t, hybrid.Save(ctx, s))
	require.NoError(t, hybrid.Delete(ctx, "h4"))

	_, err := hybrid.Get(ctx, "h4")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = cold.Get(ctx, "h4")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestColdOnlyStoreAppendMessage(t *testing.T) {
	ctx := context.Background()
	store := NewColdOnlyStore(newTestGorm(t))

	s := testSession("c1")
	require.NoError(t, store.Save(ctx, s))

	require.NoError(t, store.AppendMessage(ctx, "c1", types.NewUserMessage("and another thing")))

	loaded, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 3)
	assert.Equal(t, "and another thing", loaded.Messages[2].Content)
	assert.Equal(t, s.Version+1, loaded.Version)
}

func TestColdOnlyStoreAppendToMissing(t *testing.T) {
	store := NewColdOnlyStore(newTestGorm(t))
	err := store.AppendMessage(context.Background(), "nope", types.NewUserMessage("hi"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGormStoreDataColumnUsesDialectType(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	_, err = NewGormStore(db)
	require.NoError(t, err)

	// The data column must come out as the dialect's native binary type,
	// not a literal type name no database knows.
	cols, err := db.Migrator().ColumnTypes(&sessionRecord{})
	require.NoError(t, err)

	var dataType string
	for _, col := range cols {
		if col.Name() == "data" {
			dataType = col.DatabaseTypeName()
		}
	}
	assert.True(t, strings.EqualFold(dataType, "blob"), "data column type = %q", dataType)
}
