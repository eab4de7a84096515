// Package history keeps bounded chat history: a global ring of recent
// messages, one ring per client, and sender and time indexes for queries.
//
// Every structure is updated under a single mutex. The indexes only ever
// hold chat messages that are also in the global ring; when the ring drops
// its oldest message the indexes drop it too.
package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"chathub/internal/chat"
	"chathub/internal/logging"
)

// Config bounds the store.
type Config struct {
	MaxMessages       int           // global ring capacity
	MaxClientMessages int           // per-client ring capacity
	TimeBucket        time.Duration // granularity of the time index
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxMessages:       1000,
		MaxClientMessages: 100,
		TimeBucket:        time.Minute,
	}
}

// Stats describes the store contents.
type Stats struct {
	GlobalMessages  int       `json:"global_messages"`
	ClientHistories int       `json:"client_histories"`
	ClientMessages  int       `json:"client_messages"`
	Senders         int       `json:"senders"`
	TimeBuckets     int       `json:"time_buckets"`
	IndexedMessages int       `json:"indexed_messages"`
	TotalStored     uint64    `json:"total_stored"`
	TotalCleaned    uint64    `json:"total_cleaned"`
	LastCleanup     time.Time `json:"last_cleanup"`
	GlobalBytes     int64     `json:"global_bytes"`
	ClientBytes     int64     `json:"client_bytes"`
	IndexBytes      int64     `json:"index_bytes"`
}

// EstimatedBytes is the total estimated footprint.
func (s Stats) EstimatedBytes() int64 {
	return s.GlobalBytes + s.ClientBytes + s.IndexBytes
}

const pointerSize = 8

// Option configures a Store.
type Option func(*Store)

// WithNowFunc replaces the clock used for age-based cleanup.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the message history. It is safe for concurrent use.
type Store struct {
	cfg    Config
	now    func() time.Time
	logger *logging.Logger

	mu       sync.Mutex
	global   *ring[*chat.Message]
	clients  map[string]*ring[*chat.Message]
	bySender map[string][]*chat.Message
	byBucket map[int64][]*chat.Message

	totalStored  uint64
	totalCleaned uint64
	lastCleanup  time.Time
}

// New creates an empty store. Non-positive limits fall back to defaults.
func New(cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.MaxClientMessages <= 0 {
		cfg.MaxClientMessages = def.MaxClientMessages
	}
	if cfg.TimeBucket <= 0 {
		cfg.TimeBucket = def.TimeBucket
	}

	s := &Store{
		cfg:      cfg,
		now:      time.Now,
		global:   newRing[*chat.Message](cfg.MaxMessages),
		clients:  make(map[string]*ring[*chat.Message]),
		bySender: make(map[string][]*chat.Message),
		byBucket: make(map[int64][]*chat.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) bucket(ts time.Time) int64 {
	return ts.Truncate(s.cfg.TimeBucket).UnixNano()
}

// AddMessage records msg. Chat messages are also indexed and, when clientID
// is not empty, appended to that client's history.
func (s *Store) AddMessage(msg *chat.Message, clientID string) {
	if msg == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, evicted := s.global.Push(msg); evicted && old.IsChat() {
		s.unindexLocked(old)
	}
	s.totalStored++

	if !msg.IsChat() {
		return
	}
	s.bySender[msg.Sender] = append(s.bySender[msg.Sender], msg)
	b := s.bucket(msg.Timestamp)
	s.byBucket[b] = append(s.byBucket[b], msg)

	if clientID != "" {
		r, ok := s.clients[clientID]
		if !ok {
			r = newRing[*chat.Message](s.cfg.MaxClientMessages)
			s.clients[clientID] = r
		}
		r.Push(msg)
	}
}

// unindexLocked drops one occurrence of m from both indexes.
func (s *Store) unindexLocked(m *chat.Message) {
	if list, ok := s.bySender[m.Sender]; ok {
		if list = removeRef(list, m); len(list) == 0 {
			delete(s.bySender, m.Sender)
		} else {
			s.bySender[m.Sender] = list
		}
	}
	b := s.bucket(m.Timestamp)
	if list, ok := s.byBucket[b]; ok {
		if list = removeRef(list, m); len(list) == 0 {
			delete(s.byBucket, b)
		} else {
			s.byBucket[b] = list
		}
	}
}

// removeRef removes the first element identical to m. Evictions are oldest
// first, so the match is almost always at index 0.
func removeRef(list []*chat.Message, m *chat.Message) []*chat.Message {
	for i, v := range list {
		if v == m {
			if i == 0 {
				list[0] = nil
				return list[1:]
			}
			return slices.Delete(list, i, i+1)
		}
	}
	return list
}

// RecentMessages returns up to count of the newest messages, oldest first.
func (s *Store) RecentMessages(count int) []*chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global.Last(count)
}

// ClientHistory returns up to count of the newest messages recorded for
// clientID, oldest first.
func (s *Store) ClientHistory(clientID string, count int) []*chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.clients[clientID]
	if !ok {
		return nil
	}
	return r.Last(count)
}

// MessagesBySender returns up to count of the newest chat messages sent by
// sender, oldest first.
func (s *Store) MessagesBySender(sender string, count int) []*chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.bySender[sender]
	if count > len(list) {
		count = len(list)
	}
	if count <= 0 {
		return nil
	}
	return slices.Clone(list[len(list)-count:])
}

// MessagesInRange returns the chat messages with start <= timestamp <= end
// sorted by timestamp.
func (s *Store) MessagesInRange(start, end time.Time) []*chat.Message {
	if end.Before(start) {
		return nil
	}
	lo, hi := s.bucket(start), s.bucket(end)

	s.mu.Lock()
	var out []*chat.Message
	for b, list := range s.byBucket {
		if b < lo || b > hi {
			continue
		}
		for _, m := range list {
			if !m.Timestamp.Before(start) && !m.Timestamp.After(end) {
				out = append(out, m)
			}
		}
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b *chat.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// CleanupOldMessages removes every message older than maxAge from all
// structures and returns the number of removals. A message held in both
// the global ring and a client ring counts twice.
func (s *Store) CleanupOldMessages(maxAge time.Duration) int {
	now := s.now()
	cutoff := now.Add(-maxAge)
	fresh := func(m *chat.Message) bool { return !m.Timestamp.Before(cutoff) }

	s.mu.Lock()
	removed := s.global.Filter(fresh)
	for id, r := range s.clients {
		removed += r.Filter(fresh)
		if r.Len() == 0 {
			delete(s.clients, id)
		}
	}
	for sender, list := range s.bySender {
		if list = slices.DeleteFunc(list, func(m *chat.Message) bool { return !fresh(m) }); len(list) == 0 {
			delete(s.bySender, sender)
		} else {
			s.bySender[sender] = list
		}
	}
	for b, list := range s.byBucket {
		if list = slices.DeleteFunc(list, func(m *chat.Message) bool { return !fresh(m) }); len(list) == 0 {
			delete(s.byBucket, b)
		} else {
			s.byBucket[b] = list
		}
	}
	s.totalCleaned += uint64(removed)
	s.lastCleanup = now
	remaining := s.global.Len()
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info(context.Background(), logging.ComponentHistory, logging.ActionCleanup, "Old messages removed", map[string]interface{}{
			"removed":   removed,
			"max_age":   maxAge.String(),
			"remaining": remaining,
		})
	}
	return removed
}

// ClearAll empties every structure and returns the number of messages
// that were held in the global ring and all client rings.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := s.global.Clear()
	for _, r := range s.clients {
		cleared += r.Len()
	}
	s.clients = make(map[string]*ring[*chat.Message])
	s.bySender = make(map[string][]*chat.Message)
	s.byBucket = make(map[int64][]*chat.Message)
	s.totalCleaned += uint64(cleared)
	s.lastCleanup = s.now()
	return cleared
}

// Len returns the number of messages in the global ring.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global.Len()
}

// EstimatedBytes approximates the memory held by the store.
func (s *Store) EstimatedBytes() int64 {
	return s.Stats().EstimatedBytes()
}

// Stats returns counters and size estimates.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		GlobalMessages:  s.global.Len(),
		ClientHistories: len(s.clients),
		Senders:         len(s.bySender),
		TimeBuckets:     len(s.byBucket),
		TotalStored:     s.totalStored,
		TotalCleaned:    s.totalCleaned,
		LastCleanup:     s.lastCleanup,
	}
	for i := 0; i < s.global.Len(); i++ {
		st.GlobalBytes += int64(s.global.At(i).Size())
	}
	for _, r := range s.clients {
		st.ClientMessages += r.Len()
		for i := 0; i < r.Len(); i++ {
			st.ClientBytes += int64(r.At(i).Size())
		}
	}
	for _, list := range s.bySender {
		st.IndexedMessages += len(list)
	}
	indexed := st.IndexedMessages
	for _, list := range s.byBucket {
		indexed += len(list)
	}
	st.IndexBytes = int64(indexed) * pointerSize
	return st
}
