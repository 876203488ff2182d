package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// entry is the registry's private record. Every field is guarded by
// Registry.mu.
type entry struct {
	task      Task
	seq       uint64
	cancel    context.CancelFunc
	handle    TransferHandle
	cancelled bool
	finishing bool   // transfer done; Cancel no longer applies
	phase     string // overrides the status label while set
	started   time.Time
}

func (e *entry) snapshot() Task {
	t := e.task
	t.Cancellable = t.Status.Active() && !e.finishing
	if t.Error != nil {
		errCopy := *t.Error
		t.Error = &errCopy
	}
	return t
}

// Registry maps identities to tasks. It never holds two non-terminal tasks
// for the same identity.
type Registry struct {
	mu      sync.RWMutex
	entries map[Identity]*entry
	seq     uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Identity]*entry)}
}

// Register adds t under t.Identity. A retained terminal task with the same
// identity is replaced.
func (r *Registry) Register(t Task) error {
	_, err := r.register(t, nil)
	return err
}

func (r *Registry) register(t Task, cancel context.CancelFunc) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[t.Identity]; ok && !old.task.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, t.Identity)
	}
	r.seq++
	e := &entry{task: t, seq: r.seq, cancel: cancel}
	r.entries[t.Identity] = e
	return e, nil
}

func (r *Registry) Get(id Identity) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Task{}, false
	}
	return e.snapshot(), true
}

// Remove deletes the task for id. Removing an absent identity is a no-op.
func (r *Registry) Remove(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// List returns copies of all tasks in submission order.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].seq < es[j].seq })

	out := make([]Task, len(es))
	for i, e := range es {
		out[i] = e.snapshot()
	}
	return out
}

// update applies fn to e under the lock if e is still the registered entry
// for its identity. It returns the resulting snapshot.
func (r *Registry) update(e *entry, fn func(*entry)) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[e.task.Identity] != e {
		return Task{}, false
	}
	fn(e)
	return e.snapshot(), true
}

// transition moves e to the next status. Invalid transitions are
// programming errors.
func (e *entry) transition(to Status) {
	if !e.task.Status.CanTransition(to) {
		panic(fmt.Sprintf("task %s: invalid transition %s -> %s", e.task.Identity, e.task.Status, to))
	}
	e.task.Status = to
	e.phase = ""
	e.task.StatusText = to.Label()
}

// claimDestination records path on e unless another non-terminal task
// already writes to it.
func (r *Registry) claimDestination(e *entry, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, other := range r.entries {
		if other != e && !other.task.Status.Terminal() && other.task.Destination == path {
			return fmt.Errorf("destination %s is in use by %s", path, other.task.Identity)
		}
	}
	e.task.Destination = path
	return nil
}

// removeIf deletes the entry for id when pred holds, returning the removed
// entry's last snapshot.
func (r *Registry) removeIf(id Identity, pred func(*entry) bool) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || !pred(e) {
		return Task{}, false
	}
	delete(r.entries, id)
	return e.snapshot(), true
}

// expire removes terminal tasks that finished before cutoff.
func (r *Registry) expire(cutoff time.Time) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Task
	for id, e := range r.entries {
		if e.task.Status.Terminal() && e.task.FinishedAt.Before(cutoff) {
			removed = append(removed, e.snapshot())
			delete(r.entries, id)
		}
	}
	return removed
}
