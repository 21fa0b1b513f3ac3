package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecord(id string) Record {
	return Record{
		ID:                id,
		ContextWindowSize: 1000,
		Status:            StatusActive,
		StartedAt:         time.Now(),
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	rec, created := r.GetOrCreate("s1", func() Record { return newTestRecord("s1") })
	require.True(t, created)
	assert.Equal(t, "s1", rec.ID)

	rec2, created2 := r.GetOrCreate("s1", func() Record { return newTestRecord("s1") })
	assert.False(t, created2)
	assert.Equal(t, rec.ID, rec2.ID)
}

func TestRegistry_Update(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	r.GetOrCreate("s1", func() Record { return newTestRecord("s1") })

	rec, ok := r.Update("s1", func(rec *Record) {
		rec.CurrentTokens = 500
		rec.UpdateUtilization()
	})
	require.True(t, ok)
	assert.Equal(t, int64(500), rec.CurrentTokens)
	assert.InDelta(t, 0.5, rec.Utilization, 0.0001)

	_, ok = r.Update("missing", func(*Record) {})
	assert.False(t, ok)
}

func TestRegistry_UpdateSerializesConcurrentWriters(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	r.GetOrCreate("s1", func() Record { return newTestRecord("s1") })

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Update("s1", func(rec *Record) {
				rec.CurrentTokens++
			})
		}()
	}
	wg.Wait()

	rec, _ := r.Get("s1")
	assert.Equal(t, int64(100), rec.CurrentTokens)
}

func TestRegistry_CloseSchedulesEviction(t *testing.T) {
	evicted := make(chan string, 1)
	r := NewRegistry(10*time.Millisecond, func(id string) { evicted <- id })
	r.GetOrCreate("s1", func() Record { return newTestRecord("s1") })

	rec, ok := r.Close("s1", func(rec *Record) {
		rec.CurrentTokens = 999
	})
	require.True(t, ok)
	assert.Equal(t, StatusClosed, rec.Status)
	assert.False(t, rec.ClosedAt.IsZero())

	// Still queryable during the retention window.
	_, stillThere := r.Get("s1")
	assert.True(t, stillThere)

	select {
	case id := <-evicted:
		assert.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatal("eviction callback never fired")
	}

	_, gone := r.Get("s1")
	assert.False(t, gone)
}

func TestRegistry_ListActiveExcludesClosed(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	r.GetOrCreate("s1", func() Record { return newTestRecord("s1") })
	r.GetOrCreate("s2", func() Record { return newTestRecord("s2") })
	r.Close("s1", nil)

	active := r.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "s2", active[0].ID)

	all := r.ListAll()
	assert.Len(t, all, 2)
}

func TestRegistry_NoteCollision(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	r.GetOrCreate("s1", func() Record { return newTestRecord("s1") })

	rec, ok := r.NoteCollision("s1")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Collisions)

	rec, _ = r.NoteCollision("s1")
	assert.Equal(t, 2, rec.Collisions)
}

func TestRegistry_Shutdown(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	r.GetOrCreate("s1", func() Record { return newTestRecord("s1") })
	r.Shutdown()

	_, ok := r.Get("s1")
	assert.False(t, ok)
}

func TestRecord_UpdateUtilizationClampsAtOne(t *testing.T) {
	rec := newTestRecord("s1")
	rec.CurrentTokens = 5000 // exceeds ContextWindowSize of 1000
	rec.UpdateUtilization()
	assert.Equal(t, 1.0, rec.Utilization)
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	rec := newTestRecord("s1")
	rec.Plan.Tasks = []Task{{ID: "t1", Status: TaskPending}}

	clone := rec.Clone()
	clone.Plan.Tasks[0].Status = TaskDone

	assert.Equal(t, TaskPending, rec.Plan.Tasks[0].Status)
	assert.Equal(t, TaskDone, clone.Plan.Tasks[0].Status)
}
