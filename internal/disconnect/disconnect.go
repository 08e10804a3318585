// Package disconnect implements the per-module disconnect tracker: it
// records the (sender, matchtag) of every message a module has armed a
// disconnect callback against, and replays synthetic disconnects for each
// on destroy so that services invoked on the module's behalf can release
// per-sender state.
package disconnect

import "sync"

// Tuple identifies one armed interaction.
type Tuple struct {
	Sender   string
	MatchTag string
}

// Callback is invoked once per recorded Tuple when Fire runs.
type Callback func(t Tuple, arg interface{})

type entry struct {
	tuple Tuple
	cb    Callback
	arg   interface{}
}

// Tracker lazily holds armed (sender, matchtag) tuples for one module
// record. The zero value is ready to use; Arm allocates storage on first
// call, since most records never arm a disconnect tuple at all.
type Tracker struct {
	mu      sync.Mutex
	entries []entry
	fired   bool
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Arm records sender/matchtag with the callback and argument to invoke
// for it when Fire runs. A no-op once Fire has already run, since by then
// the record is being torn down.
func (t *Tracker) Arm(sender, matchTag string, cb Callback, arg interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return
	}
	t.entries = append(t.entries, entry{tuple: Tuple{Sender: sender, MatchTag: matchTag}, cb: cb, arg: arg})
}

// Fire emits a synthetic disconnect for every armed tuple, in the order
// they were recorded, then clears the tracker. Called once from destroy;
// a second call is a no-op.
func (t *Tracker) Fire() {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	pending := t.entries
	t.entries = nil
	t.mu.Unlock()

	for _, e := range pending {
		if e.cb != nil {
			e.cb(e.tuple, e.arg)
		}
	}
}

// Len reports the number of currently armed tuples, for diagnostics and
// tests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
