package shaper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateChildTokenCounts(t *testing.T) {
	s := New[string](100)
	a, err := s.Root().CreateChild("a", 0.5, 0.8)
	require.NoError(t, err)
	assert.EqualValues(t, 50, a.TokenRate())
	assert.EqualValues(t, 80, a.TokenCeil())
}

func TestCreateChildRateOverflow(t *testing.T) {
	s := New[string](100)
	_, err := s.Root().CreateChild("a", 0.7, 0.7)
	require.NoError(t, err)
	_, err = s.Root().CreateChild("b", 0.4, 0.4)
	assert.ErrorIs(t, err, ErrRateLimitOverflow)
}

func TestCreateChildCeilOverflow(t *testing.T) {
	s := New[string](100)
	_, err := s.Root().CreateChild("a", 0.5, 0.3)
	assert.ErrorIs(t, err, ErrCeilLimitOverflow)
}

func TestCreateChildNameConflict(t *testing.T) {
	s := New[string](100)
	_, err := s.Root().CreateChild("a", 0.5, 0.5)
	require.NoError(t, err)
	_, err = s.Root().CreateChild("a", 0.1, 0.1)
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestSetRateCeilOnRootRejected(t *testing.T) {
	s := New[string](100)
	assert.ErrorIs(t, s.Root().SetRate(0.5), ErrInvalidChildNode)
	assert.ErrorIs(t, s.Root().SetCeil(0.5), ErrInvalidChildNode)
}

func TestGetPutRoundTrip(t *testing.T) {
	s := New[string](100)
	a, err := s.Root().CreateChild("a", 0.5, 0.5)
	require.NoError(t, err)

	before := a.ActualRate()
	rootBefore := s.Root().ActualRate()

	got := a.Get(10)
	assert.EqualValues(t, 10, got)
	assert.EqualValues(t, before+10, a.ActualRate())
	assert.EqualValues(t, rootBefore+10, s.Root().ActualRate())

	a.Put(10)
	assert.Equal(t, before, a.ActualRate())
	assert.Equal(t, rootBefore, s.Root().ActualRate())
}

func TestGetBorrowsFromParentCeil(t *testing.T) {
	s := New[string](100)
	// rate 0.2 (token rate 20) but ceil 0.8 (token ceil 80): a can borrow
	// above its guaranteed rate as long as the root has spare capacity.
	a, err := s.Root().CreateChild("a", 0.2, 0.8)
	require.NoError(t, err)

	assert.EqualValues(t, 50, a.Get(50))
	assert.EqualValues(t, 50, a.ActualRate())
	assert.EqualValues(t, 50, s.Root().ActualRate())

	// now above tokenCeil: must fail and leave counters untouched.
	assert.EqualValues(t, 0, a.Get(31))
	assert.EqualValues(t, 50, a.ActualRate())
}

// TestGetOnRootRespectsChildReservations is the scenario from TokenShaper-
// inl.h's Node::get: a root of capacity 10 with two unused children
// reserved at rate 0.5 (tokenRate 5 each, tokenCeil 5). A direct Get on the
// root must not eat into a child's still-untouched reservation — even
// though 8 <= root.tokenCeil(10), root's own floor is max(actualRate=0,
// childRate=10) = 10 and 10+8 > 10, so the allocation must fail, leaving
// each child's full rate available.
func TestGetOnRootRespectsChildReservations(t *testing.T) {
	s := New[string](10)
	a, err := s.Root().CreateChild("a", 0.5, 0.5)
	require.NoError(t, err)
	b, err := s.Root().CreateChild("b", 0.5, 0.5)
	require.NoError(t, err)

	assert.EqualValues(t, 0, s.Root().Get(8))
	assert.EqualValues(t, 0, s.Root().ActualRate())

	assert.EqualValues(t, 5, a.Get(5))
	assert.EqualValues(t, 5, b.Get(5))
}

func TestDequeueOnEmptyTree(t *testing.T) {
	s := New[string](10)
	_, ok := s.Root().Dequeue()
	assert.False(t, ok)
	assert.EqualValues(t, 0, s.Root().ActualRate())
}

// TestFairDequeue mirrors spec.md §8 scenario 6: a root with capacity 10,
// two equal children A and B (rate=ceil=0.5). Six items queued on each;
// after ten dequeues (the root's full capacity), each child has been
// dequeued five times.
func TestFairDequeue(t *testing.T) {
	s := New[string](10)
	a, err := s.Root().CreateChild("a", 0.5, 0.5)
	require.NoError(t, err)
	b, err := s.Root().CreateChild("b", 0.5, 0.5)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		a.enqueue("a-item")
		b.enqueue("b-item")
	}

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		v, ok := s.Root().Dequeue()
		require.True(t, ok)
		counts[v]++
	}
	assert.Equal(t, 5, counts["a-item"])
	assert.Equal(t, 5, counts["b-item"])
	assert.Equal(t, 1, a.Queued())
	assert.Equal(t, 1, b.Queued())
}

func TestQueueTimeoutDropsAgedItems(t *testing.T) {
	s := New[int](10)
	a, err := s.Root().CreateChild("a", 0.0, 0.0)
	require.NoError(t, err)
	a.SetQueueTimeout(20 * time.Millisecond)

	var dropped []int
	done := make(chan struct{}, 1)
	s.SetTimeoutHandler(func(item int) {
		dropped = append(dropped, item)
		done <- struct{}{}
	})

	// a's rate/ceil are both 0, so get(1) can never succeed here: the item
	// can only leave the queue via the timeout sweep, not a successful
	// dequeue.
	a.enqueue(42)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}
	assert.Equal(t, []int{42}, dropped)
	assert.EqualValues(t, 1, a.Dropped())
	assert.Equal(t, 0, a.Queued())
}
