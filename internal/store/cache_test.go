package store

import (
	"context"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/model"
)

func TestCache_IdentityWhileHeld(t *testing.T) {
	c := NewCache[model.User](0)

	e1 := c.Insert("USR-1", model.User{UUID: "USR-1", Name: "alice"})
	e2, ok := c.Lookup("USR-1")
	require.True(t, ok)
	assert.Same(t, e1, e2)

	// Insert never clobbers a live entry.
	e3 := c.Insert("USR-1", model.User{UUID: "USR-1", Name: "stale"})
	assert.Same(t, e1, e3)
	assert.Equal(t, "alice", e1.Load().Name)

	// Put updates in place, visible to every holder.
	c.Put("USR-1", model.User{UUID: "USR-1", Name: "alicia"})
	assert.Equal(t, "alicia", e2.Load().Name)

	runtime.KeepAlive(e1)
}

func TestCache_Evict(t *testing.T) {
	c := NewCache[model.User](4)
	held := c.Put("USR-1", model.User{UUID: "USR-1"})

	c.Evict("USR-1")
	_, ok := c.Lookup("USR-1")
	assert.False(t, ok)

	fresh := c.Insert("USR-1", model.User{UUID: "USR-1"})
	assert.NotSame(t, held, fresh)
}

func insertUnheld(c *Cache[model.User], key string) {
	c.Insert(key, model.User{UUID: key, Name: "x"})
}

func TestCache_UnreferencedEntriesAreCollected(t *testing.T) {
	c := NewCache[model.User](0)
	insertUnheld(c, "USR-1")

	runtime.GC()
	runtime.GC()

	_, ok := c.Lookup("USR-1")
	assert.False(t, ok)
}

func TestCache_LRUFloorKeepsRecentEntries(t *testing.T) {
	c := NewCache[model.User](2)
	insertUnheld(c, "USR-1")
	insertUnheld(c, "USR-2")
	insertUnheld(c, "USR-3") // pushes USR-1 out of the floor

	runtime.GC()
	runtime.GC()

	_, ok := c.Lookup("USR-1")
	assert.False(t, ok)
	_, ok = c.Lookup("USR-2")
	assert.True(t, ok)
	_, ok = c.Lookup("USR-3")
	assert.True(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestCache_ConcurrentLookupsShareEntry(t *testing.T) {
	c := NewCache[model.User](8)
	var wg sync.WaitGroup
	got := make([]*Entry[model.User], 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = c.Insert("USR-1", model.User{UUID: "USR-1"})
		}(i)
	}
	wg.Wait()
	for _, e := range got[1:] {
		assert.Same(t, got[0], e)
	}
}

func TestRepo_ReadYourWrites(t *testing.T) {
	r := createTestRepo(t)
	ctx := context.Background()

	entry, err := r.ConversationEntry(ctx, "CON-1")
	require.NoError(t, err)

	c := entry.Load()
	c.MostRecentEventIndex = 9
	require.NoError(t, r.SaveConversation(ctx, c))

	// Same instance, already updated.
	again, err := r.ConversationEntry(ctx, "CON-1")
	require.NoError(t, err)
	assert.Same(t, entry, again)
	assert.Equal(t, int64(9), entry.Load().MostRecentEventIndex)

	stored, err := r.Store().GetConversation(ctx, "CON-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), stored.MostRecentEventIndex)
}

func TestEventView_PagesAndRefresh(t *testing.T) {
	r := createTestRepo(t, WithPageSize(2))
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, r.SaveEvent(ctx, testEvent("CON-1", id)))
	}

	v := r.EventView("CON-1")
	assert.Same(t, v, r.EventView("CON-1"))

	n, err := v.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e, err := v.At(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "3", e.ID)

	_, err = v.At(ctx, 3)
	assert.Error(t, err)

	require.NoError(t, r.SaveEvent(ctx, testEvent("CON-1", "4")))
	n, _ = v.Len(ctx)
	assert.Equal(t, 3, n, "view is stale until refreshed")

	r.RefreshEvents("CON-1")
	assert.Equal(t, uint64(1), v.Generation())
	n, err = v.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	e, err = v.At(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "4", e.ID)
}
