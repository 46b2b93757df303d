package stream

import "github.com/duragraph/studio/internal/protocol/events"

// eventLog is a fixed-capacity ring of the most recent entries of one run.
// Sequence numbers keep counting across evictions so readers can tell a
// truncated prefix from a contiguous history.
type eventLog struct {
	ring  []Entry
	pos   int // next write position
	count int
	next  uint64
	// ids indexes producer ids of retained entries for duplicate detection.
	ids map[string]uint64
}

func newEventLog(capacity int) *eventLog {
	return &eventLog{
		ring: make([]Entry, capacity),
		ids:  make(map[string]uint64),
	}
}

// append records ev and returns its entry. dup is true when ev carries a
// producer id that is already retained; such events are not recorded.
func (l *eventLog) append(ev events.RunEvent) (entry Entry, dup bool) {
	if ev.ID != "" {
		if _, ok := l.ids[ev.ID]; ok {
			return Entry{}, true
		}
	}
	if l.count == len(l.ring) {
		if old := l.ring[l.pos]; old.Event.ID != "" && l.ids[old.Event.ID] == old.Seq {
			delete(l.ids, old.Event.ID)
		}
	} else {
		l.count++
	}
	entry = Entry{Seq: l.next, Event: ev}
	l.ring[l.pos] = entry
	l.pos = (l.pos + 1) % len(l.ring)
	l.next++
	if ev.ID != "" {
		l.ids[ev.ID] = entry.Seq
	}
	return entry, false
}

// base is the sequence number of the oldest retained entry.
func (l *eventLog) base() uint64 { return l.next - uint64(l.count) }

// snapshot copies the retained entries oldest first.
func (l *eventLog) snapshot() []Entry {
	out := make([]Entry, 0, l.count)
	start := (l.pos - l.count + len(l.ring)) % len(l.ring)
	for i := 0; i < l.count; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)].clone())
	}
	return out
}
