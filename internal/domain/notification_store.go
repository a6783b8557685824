package domain

import (
	"cmp"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/dispatchdesk/console/internal/metrics"
)

const DefaultRecentReadWindow = 5 * time.Minute

// VisibilityPolicy decides which read entries still show in unread views.
// It never removes anything from the store.
type VisibilityPolicy struct {
	RecentReadWindow time.Duration
}

// RecentlyRead reports whether n was read no longer than the window ago
func (p VisibilityPolicy) RecentlyRead(n *Notification, now time.Time) bool {
	if !n.IsRead || n.ReadAt == nil {
		return false
	}
	return now.Sub(*n.ReadAt) <= p.RecentReadWindow
}

// VisibleUnread reports whether n belongs in an unread-filtered view
func (p VisibilityPolicy) VisibleUnread(n *Notification, now time.Time) bool {
	return !n.IsRead || p.RecentlyRead(n, now)
}

// FeedChangeKind names what a store mutation did
type FeedChangeKind string

const (
	FeedLoaded   FeedChangeKind = "loaded"
	FeedUpserted FeedChangeKind = "upserted"
	FeedRead     FeedChangeKind = "read"
	FeedAllRead  FeedChangeKind = "all_read"
	FeedRemoved  FeedChangeKind = "removed"
	FeedReset    FeedChangeKind = "reset"
)

// FeedChange is delivered to subscribers after every mutation
type FeedChange struct {
	Kind         FeedChangeKind `json:"kind"`
	Notification *Notification  `json:"notification,omitempty"`
	Key          string         `json:"key,omitempty"`
	Unread       int            `json:"unread"`
}

type feedEntry struct {
	n   Notification
	seq uint64
}

// NotificationStore is the deduplicated notification feed. It holds at most
// one entry per Identity.
type NotificationStore struct {
	policy VisibilityPolicy
	now    func() time.Time

	mu          sync.RWMutex
	entries     []*feedEntry
	index       map[Identity]*feedEntry
	nextSeq     uint64
	subscribers []func(FeedChange)
}

// NewNotificationStore creates an empty feed. A zero window falls back to
// DefaultRecentReadWindow.
func NewNotificationStore(policy VisibilityPolicy) *NotificationStore {
	if policy.RecentReadWindow <= 0 {
		policy.RecentReadWindow = DefaultRecentReadWindow
	}
	return &NotificationStore{
		policy: policy,
		now:    time.Now,
		index:  make(map[Identity]*feedEntry),
	}
}

// Policy returns the visibility policy in force
func (s *NotificationStore) Policy() VisibilityPolicy {
	return s.policy
}

// Subscribe registers fn to observe feed changes. fn runs after the store
// lock is released and may read from the store.
func (s *NotificationStore) Subscribe(fn func(FeedChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// LoadInitial seeds the feed from a REST fetch. An empty feed takes the list
// as-is; otherwise each fetched entry overwrites the server fields of its
// match and unmatched entries are appended.
func (s *NotificationStore) LoadInitial(list []Notification) {
	s.mu.Lock()
	for i := range list {
		n := list[i]
		if n.Validate() != nil {
			continue
		}
		if e := s.lookup(&n); e != nil {
			s.reindex(e, n)
			continue
		}
		s.insert(n)
	}
	s.mutated(FeedChange{Kind: FeedLoaded})
}

// IngestPush merges a pushed notification. A match is updated in place; a
// read entry stays read since push events do not carry read state the user
// has not seen yet.
func (s *NotificationStore) IngestPush(n Notification) (Notification, error) {
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}

	s.mu.Lock()
	e := s.lookup(&n)
	if e == nil {
		e = s.insert(n)
	} else {
		merged := n
		if e.n.IsRead && !merged.IsRead {
			merged.IsRead = true
			merged.ReadAt = e.n.ReadAt
		}
		if merged.ReadAt == nil {
			merged.ReadAt = e.n.ReadAt
		}
		s.reindex(e, merged)
	}
	out := e.n
	s.mutated(FeedChange{Kind: FeedUpserted, Notification: &out, Key: out.Identity().Key()})
	return out, nil
}

// MarkReadLocal flags an entry read. read_at is stamped only the first time,
// so repeated calls leave the entry unchanged.
func (s *NotificationStore) MarkReadLocal(id Identity) (Notification, bool) {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return Notification{}, false
	}
	s.markRead(e)
	out := e.n
	s.mutated(FeedChange{Kind: FeedRead, Notification: &out, Key: id.Key()})
	return out, true
}

// MarkAllReadLocal flags every entry read
func (s *NotificationStore) MarkAllReadLocal() {
	s.mu.Lock()
	for _, e := range s.entries {
		s.markRead(e)
	}
	s.mutated(FeedChange{Kind: FeedAllRead})
}

// RemoveLocal drops an entry without contacting the server
func (s *NotificationStore) RemoveLocal(id Identity) bool {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.index, id)
	s.entries = slices.DeleteFunc(s.entries, func(x *feedEntry) bool { return x == e })
	s.mutated(FeedChange{Kind: FeedRemoved, Key: id.Key()})
	return true
}

// Reset empties the feed, e.g. on logout
func (s *NotificationStore) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.index = make(map[Identity]*feedEntry)
	s.mutated(FeedChange{Kind: FeedReset})
}

// Get returns the entry with the given identity
func (s *NotificationStore) Get(id Identity) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[id]
	if !ok {
		return Notification{}, false
	}
	return e.n, true
}

// Resolve maps a key produced by Identity.Key back to a stored identity
func (s *NotificationStore) Resolve(key string) (Identity, error) {
	id, anonymous, err := ParseIdentityKey(key)
	if err != nil {
		return Identity{}, err
	}
	if !anonymous {
		return Identified(id), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for ident := range s.index {
		if ident.Key() == key {
			return ident, nil
		}
	}
	return Identity{}, ErrNotificationNotFound
}

// Len returns the number of entries
func (s *NotificationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// UnreadCount counts entries with is_read false
func (s *NotificationStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread()
}

// SortedView yields the feed newest first, ties in insertion order. Each
// iteration takes a fresh snapshot, so the sequence can be ranged over
// repeatedly.
func (s *NotificationStore) SortedView() iter.Seq[Notification] {
	return s.view(func(*Notification, time.Time) bool { return true })
}

// UnreadView is SortedView restricted to unread and recently read entries
func (s *NotificationStore) UnreadView() iter.Seq[Notification] {
	return s.view(s.policy.VisibleUnread)
}

func (s *NotificationStore) view(keep func(*Notification, time.Time) bool) iter.Seq[Notification] {
	return func(yield func(Notification) bool) {
		s.mu.RLock()
		snapshot := make([]feedEntry, 0, len(s.entries))
		for _, e := range s.entries {
			snapshot = append(snapshot, *e)
		}
		s.mu.RUnlock()

		slices.SortStableFunc(snapshot, func(a, b feedEntry) int {
			if c := b.n.CreatedAt.Compare(a.n.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.seq, b.seq)
		})

		now := s.now()
		for i := range snapshot {
			if !keep(&snapshot[i].n, now) {
				continue
			}
			if !yield(snapshot[i].n) {
				return
			}
		}
	}
}

// lookup finds the entry n merges into. An identified notification whose id
// is unknown claims an anonymous placeholder with the same title and
// message. Caller holds s.mu.
func (s *NotificationStore) lookup(n *Notification) *feedEntry {
	id := n.Identity()
	if e, ok := s.index[id]; ok {
		return e
	}
	if _, identified := id.ID(); identified {
		if e, ok := s.index[Anonymous(n.Title, n.Message)]; ok {
			return e
		}
	}
	return nil
}

// reindex overwrites e with n, moving it to n's identity. Caller holds s.mu.
func (s *NotificationStore) reindex(e *feedEntry, n Notification) {
	old := e.n.Identity()
	e.n = n
	if cur := n.Identity(); !cur.Equal(old) {
		delete(s.index, old)
		s.index[cur] = e
	}
}

func (s *NotificationStore) insert(n Notification) *feedEntry {
	e := &feedEntry{n: n, seq: s.nextSeq}
	s.nextSeq++
	s.entries = append(s.entries, e)
	s.index[n.Identity()] = e
	return e
}

// markRead stamps read_at only on the unread to read transition; entries
// the server already reported read keep their read_at, even when it is nil.
func (s *NotificationStore) markRead(e *feedEntry) {
	if e.n.IsRead {
		return
	}
	e.n.IsRead = true
	if e.n.ReadAt == nil {
		now := s.now()
		e.n.ReadAt = &now
	}
}

func (s *NotificationStore) unread() int {
	count := 0
	for _, e := range s.entries {
		if !e.n.IsRead {
			count++
		}
	}
	return count
}

// mutated publishes change, releasing s.mu which the caller must hold
func (s *NotificationStore) mutated(change FeedChange) {
	change.Unread = s.unread()
	subscribers := append([]func(FeedChange){}, s.subscribers...)
	s.mu.Unlock()

	metrics.UnreadNotifications.Set(float64(change.Unread))
	for _, fn := range subscribers {
		fn(change)
	}
}
