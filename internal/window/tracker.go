package window

import (
	"sort"
	"time"

	"github.com/gammazero/deque"
)

// Entry is one matching event inside a metric's window.
type Entry struct {
	MetricID  string    `json:"metric_id"`
	EventID   int64     `json:"event_id"`
	Timestamp time.Time `json:"event_timestamp"`
}

// Tracker holds the entries of one metric ordered by timestamp, oldest first.
// An entry is inside the window at instant now when its timestamp is after now-window.
type Tracker struct {
	entries     deque.Deque[Entry]
	lastEventID int64
}

// NewTracker restores a tracker from persisted entries in any order.
func NewTracker(entries []Entry) *Tracker {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].EventID < sorted[j].EventID
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	t := &Tracker{}
	for _, e := range sorted {
		t.entries.PushBack(e)
		if e.EventID > t.lastEventID {
			t.lastEventID = e.EventID
		}
	}
	return t
}

// Add records an entry. Event ids at or below the highest id already added are
// ignored, which makes replays of a batch no-ops. It reports whether e was added.
func (t *Tracker) Add(e Entry) bool {
	if e.EventID <= t.lastEventID {
		return false
	}
	t.lastEventID = e.EventID
	n := t.entries.Len()
	if n == 0 || !e.Timestamp.Before(t.entries.Back().Timestamp) {
		t.entries.PushBack(e)
		return true
	}
	idx := sort.Search(n, func(i int) bool {
		return e.Timestamp.Before(t.entries.At(i).Timestamp)
	})
	t.entries.Insert(idx, e)
	return true
}

// PurgeUntil drops entries whose timestamp is at or before now-window and returns them.
func (t *Tracker) PurgeUntil(now time.Time, window time.Duration) []Entry {
	cutoff := now.Add(-window)
	var removed []Entry
	for t.entries.Len() > 0 && !t.entries.Front().Timestamp.After(cutoff) {
		removed = append(removed, t.entries.PopFront())
	}
	return removed
}

func (t *Tracker) Count() int {
	return t.entries.Len()
}

// CountAt returns how many current entries are still inside the window at instant at.
func (t *Tracker) CountAt(at time.Time, window time.Duration) int {
	n := t.entries.Len()
	idx := sort.Search(n, func(i int) bool {
		return t.ExpiryOf(i, window).After(at)
	})
	return n - idx
}

// ExpiryOf returns the instant the k-th oldest entry leaves the window.
func (t *Tracker) ExpiryOf(k int, window time.Duration) time.Time {
	return t.entries.At(k).Timestamp.Add(window)
}

// LastEventID is the highest event id ever added.
func (t *Tracker) LastEventID() int64 {
	return t.lastEventID
}

// Entries returns a copy of the entries, oldest first.
func (t *Tracker) Entries() []Entry {
	out := make([]Entry, 0, t.entries.Len())
	for i := 0; i < t.entries.Len(); i++ {
		out = append(out, t.entries.At(i))
	}
	return out
}
