package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/course-assistant/backend/internal/storage/models"
)

func sequentialIDs(r *Registry) {
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("chat-%d", n)
	}
}

func TestAllocate_ScansTodayFromTheEnd(t *testing.T) {
	r := NewRegistry(3)
	sequentialIDs(r)

	a, err := r.Allocate("u1")
	require.NoError(t, err)
	require.Equal(t, 2, a.Index)
	require.Equal(t, Today, a.Bucket)
	require.Equal(t, []bool{false, false, true}, a.Visibility)

	b, err := r.Allocate("u1")
	require.NoError(t, err)
	require.Equal(t, 1, b.Index)
	require.NotEqual(t, a.ChatID, b.ChatID)
}

func TestAllocate_ExhaustedAfterMax(t *testing.T) {
	const max = 10
	r := NewRegistry(max)

	for i := 0; i < max; i++ {
		_, err := r.Allocate("u1")
		require.NoError(t, err)
	}
	_, err := r.Allocate("u1")
	require.ErrorIs(t, err, ErrSlotsExhausted)

	_, err = r.Allocate("u2")
	require.NoError(t, err, "slots are per user")
}

func TestRelease_AllowsExactlyOneMore(t *testing.T) {
	const max = 4
	r := NewRegistry(max)

	var allocs []Allocation
	for i := 0; i < max; i++ {
		a, err := r.Allocate("u1")
		require.NoError(t, err)
		allocs = append(allocs, a)
	}

	rel, err := r.Release("u1", Today, allocs[1].Index, allocs[1].ChatID)
	require.NoError(t, err)
	require.Equal(t, allocs[1].ChatID, rel.ChatID)

	_, err = r.Allocate("u1")
	require.NoError(t, err)
	_, err = r.Allocate("u1")
	require.ErrorIs(t, err, ErrSlotsExhausted)
}

func TestRelease_CompactsPreservingOrder(t *testing.T) {
	r := NewRegistry(5)
	sequentialIDs(r)
	for i := 0; i < 4; i++ {
		_, err := r.Allocate("u1")
		require.NoError(t, err)
	}
	// slots: ["", chat-4, chat-3, chat-2, chat-1]
	rel, err := r.Release("u1", Today, 2, "chat-3")
	require.NoError(t, err)
	require.Equal(t, "chat-3", rel.ChatID)
	require.Equal(t, []bool{false, false, true, true, true}, rel.Visibility)
	require.Equal(t, []string{"", "", "chat-4", "chat-2", "chat-1"}, r.Snapshot("u1").Buckets[Today])
}

func TestRelease_InvalidSlot(t *testing.T) {
	r := NewRegistry(3)
	_, err := r.Release("u1", Today, 0, "")
	require.ErrorIs(t, err, ErrInvalidSlot)
	_, err = r.Release("u1", Today, 7, "chat-1")
	require.ErrorIs(t, err, ErrInvalidSlot)
	_, err = r.Release("u1", Bucket(9), 0, "chat-1")
	require.ErrorIs(t, err, ErrUnknownBucket)
}

func TestRelease_StaleIndexLeavesShiftedSession(t *testing.T) {
	r := NewRegistry(3)
	sequentialIDs(r)
	for i := 0; i < 2; i++ {
		_, err := r.Allocate("u1")
		require.NoError(t, err)
	}
	// slots: ["", chat-2, chat-1]; two deletes both target index 2 = chat-1
	_, err := r.Release("u1", Today, 2, "chat-1")
	require.NoError(t, err)
	require.Equal(t, []string{"", "", "chat-2"}, r.Snapshot("u1").Buckets[Today])

	_, err = r.Release("u1", Today, 2, "chat-1")
	require.ErrorIs(t, err, ErrInvalidSlot)
	require.Equal(t, []string{"", "", "chat-2"}, r.Snapshot("u1").Buckets[Today])
	require.True(t, r.Owns("u1", "chat-2"))
}

func TestClassify(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.Local)
	require.Equal(t, Today, Classify(time.Date(2026, 10, 18, 0, 1, 0, 0, time.Local), now))
	require.Equal(t, Yesterday, Classify(time.Date(2026, 10, 17, 23, 59, 0, 0, time.Local), now))
	require.Equal(t, Older, Classify(time.Date(2026, 10, 16, 12, 0, 0, 0, time.Local), now))
	require.Equal(t, Older, Classify(time.Date(2025, 10, 18, 12, 0, 0, 0, time.Local), now))
}

func TestLoad_BucketsAndDropsOverflow(t *testing.T) {
	r := NewRegistry(2)
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.Local)
	day := func(d int) time.Time { return time.Date(2026, 10, d, 0, 0, 0, 0, time.Local) }

	snap := r.Load("u1", []models.SessionSummary{
		{ChatID: "t1", LastDate: day(18)},
		{ChatID: "y1", LastDate: day(17)},
		{ChatID: "o1", LastDate: day(10)},
		{ChatID: "t2", LastDate: day(18)},
		{ChatID: "t3", LastDate: day(18)},
	}, now)

	require.Equal(t, []string{"t2", "t1"}, snap.Buckets[Today])
	require.Equal(t, []string{"", "y1"}, snap.Buckets[Yesterday])
	require.Equal(t, []string{"", "o1"}, snap.Buckets[Older])
	require.Equal(t, []bool{false, true}, snap.Visibility(Older))

	require.True(t, r.Owns("u1", "o1"))
	require.False(t, r.Owns("u1", "t3"))
	require.False(t, r.Owns("u2", "t1"))

	_, err := r.Allocate("u1")
	require.ErrorIs(t, err, ErrSlotsExhausted)
}

func TestRegistry_ConcurrentAllocateNeverOverfills(t *testing.T) {
	const max = 10
	r := NewRegistry(max)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Allocate("u1"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, max, ok)
}

func TestParseBucket(t *testing.T) {
	b, err := ParseBucket("yesterday")
	require.NoError(t, err)
	require.Equal(t, Yesterday, b)

	b, err = ParseBucket("2")
	require.NoError(t, err)
	require.Equal(t, Older, b)

	_, err = ParseBucket("tomorrow")
	require.ErrorIs(t, err, ErrUnknownBucket)
}
