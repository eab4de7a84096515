package history

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chathub/internal/chat"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable clock for deterministic ages.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func msgAt(sender, content string, ts time.Time) *chat.Message {
	return &chat.Message{Sender: sender, Content: content, Timestamp: ts, Type: chat.TypeChat}
}

func contents(msgs []*chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func newTestStore(maxMessages, maxClient int) (*Store, *fakeClock) {
	clock := &fakeClock{now: base}
	return New(Config{MaxMessages: maxMessages, MaxClientMessages: maxClient, TimeBucket: time.Minute}, WithNowFunc(clock.Now)), clock
}

func TestRecentMessagesInInsertionOrder(t *testing.T) {
	s, _ := newTestStore(10, 5)
	for i := 0; i < 4; i++ {
		s.AddMessage(msgAt("alice", fmt.Sprint(i), base.Add(time.Duration(i)*time.Second)), "")
	}

	assert.Equal(t, []string{"2", "3"}, contents(s.RecentMessages(2)))
	assert.Equal(t, []string{"0", "1", "2", "3"}, contents(s.RecentMessages(100)))
	assert.Empty(t, s.RecentMessages(0))
	assert.Empty(t, s.RecentMessages(-1))
}

func TestGlobalRingKeepsNewest(t *testing.T) {
	s, _ := newTestStore(3, 5)
	for i := 0; i < 7; i++ {
		s.AddMessage(msgAt("alice", fmt.Sprint(i), base.Add(time.Duration(i)*time.Second)), "")
	}

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"4", "5", "6"}, contents(s.RecentMessages(10)))

	// Indexes follow the ring.
	assert.Equal(t, []string{"4", "5", "6"}, contents(s.MessagesBySender("alice", 10)))
	assert.Equal(t, []string{"4", "5", "6"}, contents(s.MessagesInRange(base, base.Add(time.Hour))))
	st := s.Stats()
	assert.Equal(t, 3, st.IndexedMessages)
	assert.EqualValues(t, 7, st.TotalStored)
}

func TestClientHistoryHasIndependentCapacity(t *testing.T) {
	s, _ := newTestStore(100, 2)
	for i := 0; i < 5; i++ {
		s.AddMessage(msgAt("bob", fmt.Sprint(i), base), "c1")
	}
	s.AddMessage(msgAt("carol", "x", base), "c2")
	s.AddMessage(msgAt("dave", "no client", base), "")

	assert.Equal(t, []string{"3", "4"}, contents(s.ClientHistory("c1", 10)))
	assert.Equal(t, []string{"4"}, contents(s.ClientHistory("c1", 1)))
	assert.Equal(t, []string{"x"}, contents(s.ClientHistory("c2", 10)))
	assert.Empty(t, s.ClientHistory("missing", 10))
	assert.Equal(t, 7, s.Len())
	assert.Equal(t, 2, s.Stats().ClientHistories)
}

func TestNonChatMessagesAreNotIndexed(t *testing.T) {
	s, _ := newTestStore(10, 10)
	s.AddMessage(&chat.Message{Sender: "server", Content: "alice joined", Timestamp: base, Type: chat.TypeServer}, "c1")
	s.AddMessage(msgAt("alice", "hi", base), "c1")
	s.AddMessage(nil, "c1")

	assert.Equal(t, 2, s.Len())
	assert.Empty(t, s.MessagesBySender("server", 10))
	assert.Equal(t, []string{"hi"}, contents(s.ClientHistory("c1", 10)))
	assert.Equal(t, []string{"hi"}, contents(s.MessagesInRange(base, base)))
}

func TestMessagesBySender(t *testing.T) {
	s, _ := newTestStore(10, 10)
	s.AddMessage(msgAt("alice", "a1", base), "")
	s.AddMessage(msgAt("bob", "b1", base), "")
	s.AddMessage(msgAt("alice", "a2", base), "")
	s.AddMessage(msgAt("alice", "a3", base), "")

	assert.Equal(t, []string{"a2", "a3"}, contents(s.MessagesBySender("alice", 2)))
	assert.Equal(t, []string{"b1"}, contents(s.MessagesBySender("bob", 5)))
	assert.Empty(t, s.MessagesBySender("nobody", 5))
}

func TestMessagesInRangeSortedAndInclusive(t *testing.T) {
	s, _ := newTestStore(100, 10)
	// Inserted out of timestamp order across several buckets.
	offsets := []time.Duration{5 * time.Minute, 30 * time.Second, 3 * time.Minute, 0, 10 * time.Minute, 90 * time.Second}
	for i, off := range offsets {
		s.AddMessage(msgAt("alice", fmt.Sprint(i), base.Add(off)), "")
	}

	got := s.MessagesInRange(base, base.Add(5*time.Minute))
	assert.Equal(t, []string{"3", "1", "5", "2", "0"}, contents(got))
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}

	assert.Equal(t, []string{"1", "5"}, contents(s.MessagesInRange(base.Add(30*time.Second), base.Add(2*time.Minute))))
	assert.Empty(t, s.MessagesInRange(base.Add(time.Hour), base))
}

func TestCleanupOldMessagesRemovesOnlyOlder(t *testing.T) {
	s, clock := newTestStore(100, 100)
	clock.Set(base.Add(48 * time.Hour))
	now := clock.Now()

	s.AddMessage(msgAt("alice", "old", now.Add(-25*time.Hour)), "c1")
	s.AddMessage(msgAt("bob", "edge", now.Add(-24*time.Hour)), "c2")
	s.AddMessage(msgAt("alice", "new", now.Add(-time.Hour)), "c1")
	s.AddMessage(msgAt("carol", "ancient", now.Add(-30*time.Hour)), "c3")

	removed := s.CleanupOldMessages(24 * time.Hour)
	// Two messages, each in the global ring and a client ring.
	assert.Equal(t, 4, removed)
	assert.Equal(t, []string{"edge", "new"}, contents(s.RecentMessages(10)))
	assert.Equal(t, []string{"new"}, contents(s.ClientHistory("c1", 10)))
	assert.Empty(t, s.ClientHistory("c3", 10))
	assert.Empty(t, s.MessagesBySender("carol", 10))
	assert.Equal(t, []string{"new"}, contents(s.MessagesBySender("alice", 10)))

	st := s.Stats()
	assert.Equal(t, 2, st.ClientHistories)
	assert.Equal(t, 2, st.IndexedMessages)
	assert.EqualValues(t, 4, st.TotalCleaned)
	assert.Equal(t, now, st.LastCleanup)

	assert.Zero(t, s.CleanupOldMessages(24*time.Hour))
}

func TestClearAll(t *testing.T) {
	s, _ := newTestStore(100, 100)
	s.AddMessage(msgAt("alice", "1", base), "c1")
	s.AddMessage(msgAt("bob", "2", base), "c2")
	s.AddMessage(msgAt("bob", "3", base), "")

	assert.Equal(t, 5, s.ClearAll())
	assert.Zero(t, s.Len())
	assert.Empty(t, s.MessagesBySender("bob", 10))
	assert.Empty(t, s.MessagesInRange(base, base))
	assert.Zero(t, s.ClearAll())
}

func TestEstimatedBytes(t *testing.T) {
	s, _ := newTestStore(100, 100)
	assert.Zero(t, s.EstimatedBytes())

	s.AddMessage(msgAt("ab", "cdef", base), "c1")
	st := s.Stats()
	assert.EqualValues(t, 106, st.GlobalBytes)
	assert.EqualValues(t, 106, st.ClientBytes)
	assert.EqualValues(t, 2*pointerSize, st.IndexBytes)
	assert.EqualValues(t, 212+2*pointerSize, s.EstimatedBytes())
}

func TestConcurrentAddThenCleanupAll(t *testing.T) {
	var tick atomic.Int64
	now := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Microsecond) }
	s := New(Config{MaxMessages: 1000, MaxClientMessages: 100, TimeBucket: time.Second}, WithNowFunc(now))

	const writers, perWriter = 50, 1000
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sender := fmt.Sprintf("user-%d", w)
			for i := 0; i < perWriter; i++ {
				s.AddMessage(msgAt(sender, "m", now()), sender)
			}
		}(w)
	}
	wg.Wait()

	st := s.Stats()
	require.Equal(t, 1000, st.GlobalMessages)
	require.Equal(t, st.GlobalMessages, st.IndexedMessages)
	require.EqualValues(t, writers*perWriter, st.TotalStored)

	removed := s.CleanupOldMessages(0)
	assert.Equal(t, st.GlobalMessages+st.ClientMessages, removed)
	assert.Empty(t, s.RecentMessages(1))

	st = s.Stats()
	assert.Zero(t, st.IndexedMessages)
	assert.Zero(t, st.TimeBuckets)
	assert.Zero(t, st.ClientHistories)
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 3; i++ {
		_, evicted := r.Push(i)
		assert.False(t, evicted)
	}
	old, evicted := r.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1, old)
	assert.Equal(t, []int{2, 3, 4}, r.Last(5))

	assert.Equal(t, 1, r.Filter(func(v int) bool { return v != 3 }))
	assert.Equal(t, []int{2, 4}, r.Last(5))
	r.Push(5)
	r.Push(6)
	assert.Equal(t, []int{4, 5, 6}, r.Last(3))
	assert.Equal(t, 3, r.Clear())
	assert.Zero(t, r.Len())
}
