package domain

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeClock is a settable time source
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*NotificationStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: baseTime}
	s := NewNotificationStore(VisibilityPolicy{})
	s.now = clock.Now
	return s, clock
}

func note(id int64, read bool, minute int) Notification {
	return Notification{
		ID:        int64p(id),
		Title:     fmt.Sprintf("title %d", id),
		Message:   fmt.Sprintf("message %d", id),
		Type:      NotificationSystem,
		IsRead:    read,
		CreatedAt: baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func anon(title, message string, minute int) Notification {
	return Notification{
		Title:     title,
		Message:   message,
		Type:      NotificationSystem,
		CreatedAt: baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func collect(s *NotificationStore) []Notification {
	var out []Notification
	for n := range s.SortedView() {
		out = append(out, n)
	}
	return out
}

// assertInvariants checks identity uniqueness and the unread count
func assertInvariants(t *testing.T, s *NotificationStore) {
	t.Helper()

	seen := make(map[Identity]bool)
	unread := 0
	for n := range s.SortedView() {
		id := n.Identity()
		if seen[id] {
			t.Fatalf("duplicate identity %v", id)
		}
		seen[id] = true
		if !n.IsRead {
			unread++
		}
	}
	if got := s.UnreadCount(); got != unread {
		t.Fatalf("UnreadCount() = %d, want %d", got, unread)
	}
	if got := s.Len(); got != len(seen) {
		t.Fatalf("Len() = %d, want %d", got, len(seen))
	}
}

func TestLoadInitialThenDuplicatePush(t *testing.T) {
	s, _ := newTestStore(t)

	s.LoadInitial([]Notification{note(1, false, 1), note(2, true, 2)})
	if _, err := s.IngestPush(note(1, false, 1)); err != nil {
		t.Fatalf("IngestPush: %v", err)
	}

	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if s.UnreadCount() != 1 {
		t.Errorf("UnreadCount() = %d, want 1", s.UnreadCount())
	}

	s.MarkAllReadLocal()
	if s.UnreadCount() != 0 {
		t.Errorf("UnreadCount() after MarkAllReadLocal = %d, want 0", s.UnreadCount())
	}
	for n := range s.SortedView() {
		if !n.IsRead {
			t.Errorf("%v still unread", n.Identity())
		}
	}
	assertInvariants(t, s)
}

func TestIngestPushAnonymousTwice(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 2; i++ {
		if _, err := s.IngestPush(anon("X", "Y", 0)); err != nil {
			t.Fatalf("IngestPush: %v", err)
		}
	}

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want exactly one entry for (X, Y)", s.Len())
	}
	if _, ok := s.Get(Anonymous("X", "Y")); !ok {
		t.Error("entry for (X, Y) missing")
	}
}

func TestIngestPushRejectsEmptyIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.IngestPush(Notification{Type: NotificationSystem}); err == nil {
		t.Fatal("IngestPush accepted a notification without identity")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestIngestPushStampsMissingCreatedAt(t *testing.T) {
	s, clock := newTestStore(t)
	clock.Advance(time.Hour)

	n, err := s.IngestPush(Notification{Title: "X", Message: "Y"})
	if err != nil {
		t.Fatalf("IngestPush: %v", err)
	}
	if !n.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", n.CreatedAt, clock.Now())
	}
}

func TestIngestPushUpdatesInPlace(t *testing.T) {
	s, _ := newTestStore(t)
	s.LoadInitial([]Notification{note(1, false, 1), note(2, false, 2)})

	updated := note(1, false, 1)
	updated.Message = "reassigned to technician 4"
	if _, err := s.IngestPush(updated); err != nil {
		t.Fatalf("IngestPush: %v", err)
	}

	got, _ := s.Get(Identified(1))
	if got.Message != "reassigned to technician 4" {
		t.Errorf("Message = %q, want pushed value", got.Message)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestIngestPushKeepsLocalReadState(t *testing.T) {
	s, _ := newTestStore(t)
	s.LoadInitial([]Notification{note(1, false, 1)})

	read, _ := s.MarkReadLocal(Identified(1))
	if _, err := s.IngestPush(note(1, false, 1)); err != nil {
		t.Fatalf("IngestPush: %v", err)
	}

	got, _ := s.Get(Identified(1))
	if !got.IsRead || got.ReadAt == nil || !got.ReadAt.Equal(*read.ReadAt) {
		t.Errorf("push reverted local read state: %+v", got)
	}
}

func TestLoadInitialReplacesWhenEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	s.LoadInitial([]Notification{note(1, false, 1), note(1, true, 1), note(2, false, 2)})

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want duplicates in the fetch merged", s.Len())
	}
	got, _ := s.Get(Identified(1))
	if !got.IsRead {
		t.Error("later duplicate in the fetch did not win")
	}
	assertInvariants(t, s)
}

func TestLoadInitialMergesServerFields(t *testing.T) {
	s, _ := newTestStore(t)

	s.LoadInitial([]Notification{note(1, false, 1)})
	if _, err := s.IngestPush(anon("X", "Y", 3)); err != nil {
		t.Fatalf("IngestPush: %v", err)
	}

	s.LoadInitial([]Notification{note(1, true, 1), note(2, false, 2)})

	got, _ := s.Get(Identified(1))
	if !got.IsRead {
		t.Error("server is_read did not overwrite the local entry")
	}
	if _, ok := s.Get(Anonymous("X", "Y")); !ok {
		t.Error("push-only entry dropped by a merge")
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
	assertInvariants(t, s)
}

func TestPlaceholderPromotion(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.IngestPush(anon("Assigned", "Request #7", 1)); err != nil {
		t.Fatalf("IngestPush: %v", err)
	}
	s.LoadInitial([]Notification{{ID: int64p(70), Title: "Assigned", Message: "Request #7", CreatedAt: baseTime}})

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want the placeholder promoted", s.Len())
	}
	if _, ok := s.Get(Anonymous("Assigned", "Request #7")); ok {
		t.Error("anonymous identity still indexed after promotion")
	}
	if _, ok := s.Get(Identified(70)); !ok {
		t.Error("promoted entry not found by id")
	}
	assertInvariants(t, s)
}

func TestMarkReadLocalIsIdempotent(t *testing.T) {
	s, clock := newTestStore(t)
	s.LoadInitial([]Notification{note(1, false, 1), note(2, false, 2)})

	first, ok := s.MarkReadLocal(Identified(1))
	if !ok {
		t.Fatal("MarkReadLocal reported missing entry")
	}
	clock.Advance(time.Minute)
	second, _ := s.MarkReadLocal(Identified(1))

	if !first.IsRead || first.ReadAt == nil || !first.ReadAt.Equal(baseTime) {
		t.Errorf("first = %+v, want read at %v", first, baseTime)
	}
	if !second.ReadAt.Equal(*first.ReadAt) || second.IsRead != first.IsRead {
		t.Errorf("second call changed state: %+v vs %+v", second, first)
	}
	if s.UnreadCount() != 1 {
		t.Errorf("UnreadCount() = %d, want 1", s.UnreadCount())
	}

	if _, ok := s.MarkReadLocal(Identified(99)); ok {
		t.Error("MarkReadLocal found a missing entry")
	}
}

func TestRemoveLocal(t *testing.T) {
	s, _ := newTestStore(t)
	s.LoadInitial([]Notification{note(1, false, 1), note(2, false, 2)})

	if !s.RemoveLocal(Identified(1)) {
		t.Fatal("RemoveLocal reported missing entry")
	}
	if s.RemoveLocal(Identified(1)) {
		t.Error("second RemoveLocal succeeded")
	}
	if s.Len() != 1 || s.UnreadCount() != 1 {
		t.Errorf("Len/Unread = %d/%d, want 1/1", s.Len(), s.UnreadCount())
	}

	// A removed identity can come back as a fresh entry
	if _, err := s.IngestPush(note(1, false, 1)); err != nil {
		t.Fatalf("IngestPush: %v", err)
	}
	assertInvariants(t, s)
}

func TestSortedView(t *testing.T) {
	s, _ := newTestStore(t)
	s.LoadInitial([]Notification{note(1, false, 1), note(2, false, 5), note(3, false, 3)})
	// Same created_at as id 3: insertion order breaks the tie
	if _, err := s.IngestPush(anon("X", "Y", 3)); err != nil {
		t.Fatalf("IngestPush: %v", err)
	}

	want := []Identity{Identified(2), Identified(3), Anonymous("X", "Y"), Identified(1)}
	for round := 0; round < 2; round++ {
		got := collect(s)
		if len(got) != len(want) {
			t.Fatalf("round %d: got %d entries, want %d", round, len(got), len(want))
		}
		for i := range want {
			if !got[i].Identity().Equal(want[i]) {
				t.Errorf("round %d: position %d = %v, want %v", round, i, got[i].Identity(), want[i])
			}
		}
	}

	// Stopping early is honoured
	n := 0
	for range s.SortedView() {
		n++
		break
	}
	if n != 1 {
		t.Errorf("early break yielded %d entries", n)
	}
}

func TestSortedViewSeesLaterMutations(t *testing.T) {
	s, _ := newTestStore(t)
	view := s.SortedView()

	if len(collect(s)) != 0 {
		t.Fatal("new store not empty")
	}
	s.LoadInitial([]Notification{note(1, false, 1)})

	n := 0
	for range view {
		n++
	}
	if n != 1 {
		t.Errorf("reused view yielded %d entries, want 1", n)
	}
}

func TestUnreadViewVisibilityWindow(t *testing.T) {
	s, clock := newTestStore(t)
	s.LoadInitial([]Notification{note(1, false, 1), note(2, false, 2), note(3, true, 3)})

	s.MarkReadLocal(Identified(2))

	keys := func() map[Identity]bool {
		out := make(map[Identity]bool)
		for n := range s.UnreadView() {
			out[n.Identity()] = true
		}
		return out
	}

	got := keys()
	if !got[Identified(1)] || !got[Identified(2)] {
		t.Errorf("unread view = %v, want 1 and recently read 2", got)
	}
	if got[Identified(3)] {
		t.Error("entry read without a timestamp shown as recently read")
	}

	clock.Advance(DefaultRecentReadWindow)
	if !keys()[Identified(2)] {
		t.Error("entry hidden exactly at the window edge")
	}

	clock.Advance(time.Second)
	if keys()[Identified(2)] {
		t.Error("entry read more than the window ago still shown")
	}
	if s.Len() != 3 {
		t.Errorf("visibility policy removed entries: Len() = %d", s.Len())
	}
}

func TestMarkAllReadLocalKeepsServerReadState(t *testing.T) {
	s, clock := newTestStore(t)
	s.LoadInitial([]Notification{note(1, false, 1), note(2, true, 2)})
	clock.Advance(time.Hour)

	s.MarkAllReadLocal()

	visible := 0
	for n := range s.UnreadView() {
		visible++
		if n.Identity() == Identified(2) {
			t.Error("entry read before the mark-all shown as recently read")
		}
	}
	if visible != 1 {
		t.Errorf("unread view has %d entries, want 1", visible)
	}

	old, _ := s.Get(Identified(2))
	if old.ReadAt != nil {
		t.Errorf("ReadAt = %v, want nil for an entry the server already reported read", old.ReadAt)
	}
	fresh, _ := s.Get(Identified(1))
	if fresh.ReadAt == nil || !fresh.ReadAt.Equal(clock.Now()) {
		t.Errorf("ReadAt = %v, want %v", fresh.ReadAt, clock.Now())
	}
	if s.UnreadCount() != 0 {
		t.Errorf("UnreadCount() = %d, want 0", s.UnreadCount())
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s, _ := newTestStore(t)

	var changes []FeedChange
	s.Subscribe(func(c FeedChange) {
		// Reading inside a subscriber must not deadlock
		_ = s.Len()
		changes = append(changes, c)
	})

	s.LoadInitial([]Notification{note(1, false, 1), note(2, false, 2)})
	s.MarkReadLocal(Identified(1))
	s.IngestPush(anon("X", "Y", 3))
	s.RemoveLocal(Identified(2))
	s.Reset()

	wantKinds := []FeedChangeKind{FeedLoaded, FeedRead, FeedUpserted, FeedRemoved, FeedReset}
	wantUnread := []int{2, 1, 2, 1, 0}
	if len(changes) != len(wantKinds) {
		t.Fatalf("got %d changes, want %d", len(changes), len(wantKinds))
	}
	for i, c := range changes {
		if c.Kind != wantKinds[i] || c.Unread != wantUnread[i] {
			t.Errorf("change %d = %s/%d, want %s/%d", i, c.Kind, c.Unread, wantKinds[i], wantUnread[i])
		}
	}
	if changes[1].Key != "1" {
		t.Errorf("read change key = %q, want 1", changes[1].Key)
	}
}

func TestResolve(t *testing.T) {
	s, _ := newTestStore(t)
	s.IngestPush(anon("X", "Y", 1))

	id, err := s.Resolve(Anonymous("X", "Y").Key())
	if err != nil || !id.Equal(Anonymous("X", "Y")) {
		t.Errorf("Resolve(anon) = %v, %v", id, err)
	}

	id, err = s.Resolve("15")
	if err != nil || !id.Equal(Identified(15)) {
		t.Errorf("Resolve(15) = %v, %v", id, err)
	}

	if _, err := s.Resolve(Anonymous("gone", "gone").Key()); err != ErrNotificationNotFound {
		t.Errorf("Resolve(unknown anon) err = %v, want ErrNotificationNotFound", err)
	}
}

func TestStoreInvariantsUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(20260301))
	s, clock := newTestStore(t)

	randomNote := func() Notification {
		if rng.Intn(3) == 0 {
			i := rng.Intn(4)
			return anon(fmt.Sprintf("title %d", i), fmt.Sprintf("message %d", i), rng.Intn(10))
		}
		return note(int64(rng.Intn(8)), rng.Intn(2) == 0, rng.Intn(10))
	}
	randomIdentity := func() Identity {
		if rng.Intn(3) == 0 {
			i := rng.Intn(4)
			return Anonymous(fmt.Sprintf("title %d", i), fmt.Sprintf("message %d", i))
		}
		return Identified(int64(rng.Intn(8)))
	}

	for step := 0; step < 2000; step++ {
		clock.Advance(time.Second)
		switch rng.Intn(6) {
		case 0:
			list := make([]Notification, rng.Intn(6))
			for i := range list {
				list[i] = randomNote()
			}
			s.LoadInitial(list)
		case 1, 2:
			s.IngestPush(randomNote())
		case 3:
			s.MarkReadLocal(randomIdentity())
		case 4:
			s.RemoveLocal(randomIdentity())
		case 5:
			if rng.Intn(10) == 0 {
				s.MarkAllReadLocal()
			}
		}
		assertInvariants(t, s)
	}
}
