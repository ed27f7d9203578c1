// Package reconcile merges local read intents with authoritative state
// arriving from pulls and push snapshots.
//
// A read intent is applied locally at once and must not be undone by a
// refresh that started before the intent was issued. Each intent gets a
// sequence number from a single counter. A pull captures Mark() before it
// goes to the network; when its result arrives, Resolve decides per item
// whether the local intent or the server value wins:
//
//   - pending intent (write not settled): local value wins.
//   - settled intent, server agrees: entry dropped, server trusted.
//   - settled intent, server disagrees, intent newer than the pull's
//     mark: the pull is older than the write, local value wins.
//   - settled intent, server disagrees, pull started after the intent:
//     entry dropped, server trusted.
//
// Push snapshots have no known start and resolve with Unordered, so a
// settled intent only yields once a snapshot agrees with it.
package reconcile

// Unordered is the mark used for results whose start time relative to
// local intents is unknown, such as push snapshots.
const Unordered uint64 = 0

// Ticket identifies one intent for Settle.
type Ticket struct {
	ID  string
	Seq uint64
}

type entry[V comparable] struct {
	seq     uint64
	prior   V
	want    V
	settled bool
}

// Tracker holds read intents keyed by item id. It is not safe for
// concurrent use; the owning synchronizer calls it under its own lock so
// every resolve is part of the same atomic commit as the state change.
type Tracker[V comparable] struct {
	seq     uint64
	entries map[string]*entry[V]
}

// NewTracker creates an empty tracker.
func NewTracker[V comparable]() *Tracker[V] {
	return &Tracker[V]{entries: make(map[string]*entry[V])}
}

// Mark returns the current sequence watermark. Capture it before issuing
// a pull and pass it to Resolve when the pull result arrives.
func (t *Tracker[V]) Mark() uint64 {
	return t.seq
}

// Begin records an intent to move item id from prior to want. If an
// intent for id is already in flight, the new one supersedes it but keeps
// the original prior, so a failure reverts to the value before the first
// intent.
func (t *Tracker[V]) Begin(id string, prior, want V) Ticket {
	t.seq++

	if e, ok := t.entries[id]; ok && !e.settled {
		prior = e.prior
	}

	t.entries[id] = &entry[V]{seq: t.seq, prior: prior, want: want}

	return Ticket{ID: id, Seq: t.seq}
}

// Confirm records an intent whose write already succeeded. Used when the
// local state is applied only after the write settled. If an optimistic
// intent for id is still in flight it keeps deciding, but its prior becomes
// want: the server already holds want, so a failure of that intent must
// not revert past it.
func (t *Tracker[V]) Confirm(id string, want V) {
	t.seq++

	if e, ok := t.entries[id]; ok && !e.settled {
		e.prior = want
		return
	}

	t.entries[id] = &entry[V]{seq: t.seq, want: want, settled: true}
}

// Settle records the outcome of the write behind ticket. On failure of
// the latest intent for the item, the entry is dropped and the prior
// value is returned with revert set. Outcomes of superseded tickets are
// ignored: the newer intent decides.
func (t *Tracker[V]) Settle(ticket Ticket, err error) (prior V, revert bool) {
	e, ok := t.entries[ticket.ID]
	if !ok || e.seq != ticket.Seq {
		return prior, false
	}

	if err != nil {
		delete(t.entries, ticket.ID)
		return e.prior, true
	}

	e.settled = true

	return prior, false
}

// Resolve returns the value to apply for item id given the server value
// from a result that started at mark.
func (t *Tracker[V]) Resolve(id string, mark uint64, server V) V {
	e, ok := t.entries[id]
	if !ok {
		return server
	}

	if !e.settled {
		return e.want
	}

	if server == e.want {
		delete(t.entries, id)
		return server
	}

	if e.seq > mark {
		return e.want
	}

	delete(t.entries, id)

	return server
}

// Forget drops any intent for id, for example after the item was deleted.
func (t *Tracker[V]) Forget(id string) {
	delete(t.entries, id)
}

// Retain drops settled intents for items not in keep. Pending intents
// stay until their write settles.
func (t *Tracker[V]) Retain(keep map[string]struct{}) {
	for id, e := range t.entries {
		if _, ok := keep[id]; !ok && e.settled {
			delete(t.entries, id)
		}
	}
}

// Reset drops every intent. The sequence counter keeps increasing so
// marks taken before the reset stay ordered before later intents.
func (t *Tracker[V]) Reset() {
	clear(t.entries)
}
