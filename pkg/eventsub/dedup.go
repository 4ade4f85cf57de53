package eventsub

// dedupCap bounds the adapter's message-id set. The platform redelivers
// unacknowledged notifications, so a small recent window is enough.
const dedupCap = 1000

// dedupSet is an insertion-ordered bounded set. On overflow the oldest half
// is evicted in one sweep. Not safe for concurrent use; the read loop is the
// only caller.
type dedupSet struct {
	max   int
	order []string
	ids   map[string]struct{}
}

func newDedupSet(max int) *dedupSet {
	return &dedupSet{max: max, ids: make(map[string]struct{}, max)}
}

// Seen reports whether id was observed before, recording it either way.
func (d *dedupSet) Seen(id string) bool {
	if _, ok := d.ids[id]; ok {
		return true
	}
	if len(d.order) >= d.max {
		for _, old := range d.order[:d.max/2] {
			delete(d.ids, old)
		}
		d.order = append(d.order[:0], d.order[d.max/2:]...)
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	return false
}

// Len returns the current number of retained IDs.
func (d *dedupSet) Len() int { return len(d.order) }
