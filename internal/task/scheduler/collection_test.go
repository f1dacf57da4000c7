package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(name string, due time.Time) *Schedule {
	s := newSchedule(name, "func", nil, nil, false, jobOptions{})
	s.setNext(due, true)
	return s
}

func names(list []*Schedule) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Name())
	}
	return out
}

func TestCollectionPopDueInOrder(t *testing.T) {
	t.Parallel()
	c := NewCollection()
	c.Add(queued("c", t0.Add(3*time.Second)))
	c.Add(queued("a", t0.Add(time.Second)))
	c.Add(queued("b", t0.Add(time.Second)))
	c.Add(queued("later", t0.Add(time.Hour)))

	due, ok := c.NextDue()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), due)

	assert.Empty(t, c.PopDue(t0))
	assert.Equal(t, []string{"a", "b", "c"}, names(c.PopDue(t0.Add(3*time.Second))))

	// Popped schedules stay registered.
	assert.Equal(t, 4, c.Len())
	due, _ = c.NextDue()
	assert.Equal(t, t0.Add(time.Hour), due)
}

func TestCollectionAddReplacesByName(t *testing.T) {
	t.Parallel()
	c := NewCollection()
	old := queued("job", t0.Add(time.Second))
	assert.Nil(t, c.Add(old))

	cur := queued("job", t0.Add(time.Minute))
	require.True(t, old.state.tryAcquire())
	assert.Same(t, old, c.Add(cur))
	assert.Equal(t, 1, c.Len())
	// The replacement shares the in-flight run of the old schedule.
	assert.Same(t, old.state, cur.state)
	assert.True(t, cur.Executing())
	old.state.release()
	assert.False(t, cur.Executing())

	// The replaced schedule is no longer queued.
	assert.Empty(t, c.PopDue(t0.Add(30*time.Second)))
	assert.False(t, c.Requeue(old, t0, true))
	got, ok := c.Get("job")
	require.True(t, ok)
	assert.Same(t, cur, got)
}

func TestCollectionGeneratesNames(t *testing.T) {
	t.Parallel()
	c := NewCollection()
	s := queued("", t0)
	c.Add(s)
	_, err := uuid.Parse(s.Name())
	assert.NoError(t, err)
	_, ok := c.Get(s.Name())
	assert.True(t, ok)
}

func TestCollectionRequeueAfterRemove(t *testing.T) {
	t.Parallel()
	c := NewCollection()
	s := queued("gone", t0)
	c.Add(s)
	require.Len(t, c.PopDue(t0), 1)

	removed, ok := c.Remove("gone")
	require.True(t, ok)
	assert.Same(t, s, removed)
	assert.False(t, c.Requeue(s, t0.Add(time.Second), true))
	_, ok = c.NextDue()
	assert.False(t, ok)

	_, ok = c.Remove("gone")
	assert.False(t, ok)
}

func TestCollectionTake(t *testing.T) {
	t.Parallel()
	c := NewCollection()
	s := queued("once", t0)
	c.Add(s)

	assert.True(t, c.Take(s))
	assert.False(t, c.Take(s))
	assert.Empty(t, c.PopDue(t0))

	require.True(t, c.Requeue(s, t0.Add(time.Second), true))
	next, ok := s.NextRun()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), next)
	assert.Len(t, c.PopDue(t0.Add(time.Second)), 1)

	assert.True(t, c.Retire(s))
	assert.False(t, c.Retire(s))
	assert.Zero(t, c.Len())
}

func TestCollectionListOrder(t *testing.T) {
	t.Parallel()
	c := NewCollection()
	idle := newSchedule("idle", "func", nil, nil, false, jobOptions{})
	c.Add(idle)
	c.Add(queued("zeta", t0.Add(time.Second)))
	c.Add(queued("alpha", t0.Add(time.Minute)))
	c.Add(queued("beta", t0.Add(time.Second)))

	assert.Equal(t, []string{"beta", "zeta", "alpha", "idle"}, names(c.List()))

	all := c.RemoveAll()
	assert.Len(t, all, 4)
	assert.Empty(t, c.List())
	_, ok := c.NextDue()
	assert.False(t, ok)
}
