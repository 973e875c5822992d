package store

import (
	"context"
	"sync"
	"testing"

	"github.com/flowgate/flowgate/service/dao"
	"github.com/stretchr/testify/assert"
)

type record struct {
	ID      string
	Status  string
	Tags    []string
	Version int
}

func (r *record) clone() *record {
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	return &out
}

func newRecordStore() *MemoryStore[string, record] {
	return NewMemoryStore[string, record](
		func(r *record) string { return r.ID },
		WithVersion[string, record](func(r *record) *int { return &r.Version }),
		WithClone[string, record]((*record).clone),
		WithFields[string, record](func(r *record) map[string]string {
			return map[string]string{"status": r.Status}
		}))
}

func TestMemoryStore_SaveLoad(t *testing.T) {
	store := newRecordStore()
	ctx := context.Background()

	saved := &record{ID: "r1", Status: "pending", Tags: []string{"a"}}
	assert.NoError(t, store.Save(ctx, saved))
	assert.Equal(t, 1, saved.Version)

	loaded, err := store.Load(ctx, "r1")
	assert.NoError(t, err)
	assert.Equal(t, saved, loaded)

	// Mutating the loaded copy must not leak back into the store.
	loaded.Status = "running"
	loaded.Tags[0] = "b"
	again, err := store.Load(ctx, "r1")
	assert.NoError(t, err)
	assert.Equal(t, "pending", again.Status)
	assert.Equal(t, []string{"a"}, again.Tags)

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, dao.ErrNotFound)
}

func TestMemoryStore_SaveWithVersion(t *testing.T) {
	store := newRecordStore()
	ctx := context.Background()

	first := &record{ID: "r1", Status: "pending"}
	assert.NoError(t, store.SaveWithVersion(ctx, first, 0))
	assert.Equal(t, 1, first.Version)

	// A stale writer holding the pre-save snapshot loses.
	stale := &record{ID: "r1", Status: "cancelled"}
	assert.ErrorIs(t, store.SaveWithVersion(ctx, stale, 0), dao.ErrVersionConflict)

	current, err := store.Load(ctx, "r1")
	assert.NoError(t, err)
	current.Status = "running"
	assert.NoError(t, store.SaveWithVersion(ctx, current, 1))
	assert.Equal(t, 2, current.Version)

	final, err := store.Load(ctx, "r1")
	assert.NoError(t, err)
	assert.Equal(t, "running", final.Status)
}

func TestMemoryStore_ConcurrentSaveWithVersion(t *testing.T) {
	store := newRecordStore()
	ctx := context.Background()
	assert.NoError(t, store.Save(ctx, &record{ID: "r1", Status: "pending"}))

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.SaveWithVersion(ctx, &record{ID: "r1", Status: "claimed"}, 1)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, dao.ErrVersionConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestMemoryStore_List(t *testing.T) {
	store := newRecordStore()
	ctx := context.Background()
	assert.NoError(t, store.Save(ctx, &record{ID: "r1", Status: "pending"}))
	assert.NoError(t, store.Save(ctx, &record{ID: "r2", Status: "running"}))
	assert.NoError(t, store.Save(ctx, &record{ID: "r3", Status: "running"}))

	all, err := store.List(ctx)
	assert.NoError(t, err)
	assert.Len(t, all, 3)

	running, err := store.List(ctx, dao.NewParameter("status", "running"))
	assert.NoError(t, err)
	assert.Len(t, running, 2)

	either, err := store.List(ctx, dao.NewParameter("status", "pending", "running"))
	assert.NoError(t, err)
	assert.Len(t, either, 3)

	none, err := store.List(ctx, dao.NewParameter("status", "failed"))
	assert.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := newRecordStore()
	ctx := context.Background()
	assert.NoError(t, store.Save(ctx, &record{ID: "r1"}))
	assert.NoError(t, store.Delete(ctx, "r1"))
	assert.ErrorIs(t, store.Delete(ctx, "r1"), dao.ErrNotFound)
}
