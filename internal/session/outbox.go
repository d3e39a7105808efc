package session

// outbox tracks which sessions changed or disappeared since the last drain.
// It is the eventually-consistent exchange point between the ingestion
// pipeline and the external sync loop: the loop drains it periodically and
// may hand a failed batch back for retry. Total pending entries are capped
// so an unavailable consumer cannot grow memory without bound.
//
// The outbox does no locking; it is guarded by the owning Store's mutex.
type outbox struct {
	maxPending int
	changed    map[string]struct{}
	removed    map[string]struct{}
}

func newOutbox(maxPending int) *outbox {
	return &outbox{
		maxPending: maxPending,
		changed:    make(map[string]struct{}),
		removed:    make(map[string]struct{}),
	}
}

func (o *outbox) pending() int {
	return len(o.changed) + len(o.removed)
}

// markChanged records a live-session mutation. Live mutations always win a
// slot: the session set itself is capacity-bounded, so changed can never
// outgrow the session cap.
func (o *outbox) markChanged(id string) {
	delete(o.removed, id)
	o.changed[id] = struct{}{}
}

// markRemoved records a session removal. Returns false when the cap is
// reached and the removal had to be dropped.
func (o *outbox) markRemoved(id string) bool {
	delete(o.changed, id)
	if _, ok := o.removed[id]; ok {
		return true
	}
	if o.pending() >= o.maxPending {
		return false
	}
	o.removed[id] = struct{}{}
	return true
}

// drain empties both sets and returns their contents.
func (o *outbox) drain() (changed, removed []string) {
	for id := range o.changed {
		changed = append(changed, id)
	}
	for id := range o.removed {
		removed = append(removed, id)
	}
	o.changed = make(map[string]struct{})
	o.removed = make(map[string]struct{})
	return changed, removed
}

// requeue merges a previously drained batch back into the pending sets.
// Entries already pending again (from activity since the drain) are left
// alone. Returns the number of entries dropped to honor the cap; the live
// sets win over the retry set.
func (o *outbox) requeue(changed, removed []string) (dropped int) {
	for _, id := range changed {
		if _, ok := o.changed[id]; ok {
			continue
		}
		if _, ok := o.removed[id]; ok {
			continue
		}
		if o.pending() >= o.maxPending {
			dropped++
			continue
		}
		o.changed[id] = struct{}{}
	}
	for _, id := range removed {
		if _, ok := o.removed[id]; ok {
			continue
		}
		if o.pending() >= o.maxPending {
			dropped++
			continue
		}
		delete(o.changed, id)
		o.removed[id] = struct{}{}
	}
	return dropped
}
