package requests

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
)

// Ordering decides which of several overlapping updates to the same field a Workspace
// keeps.
type Ordering string

const (
	// OrderLastRequest keeps the value of the most recently issued update; responses of
	// older updates that arrive later are discarded.
	OrderLastRequest Ordering = "request"
	// OrderLastResponse applies every response as it arrives, so the slowest one wins.
	OrderLastResponse Ordering = "response"
)

// ParseOrdering maps a configuration value to an Ordering.
func ParseOrdering(v string) (Ordering, error) {
	switch Ordering(strings.ToLower(strings.TrimSpace(v))) {
	case "", OrderLastRequest:
		return OrderLastRequest, nil
	case OrderLastResponse:
		return OrderLastResponse, nil
	}
	return "", fmt.Errorf("unknown field update ordering %q", v)
}

// DefaultWorkspaceCapacity bounds how many records a Workspace holds.
const DefaultWorkspaceCapacity = 1024

// WorkspaceOption configures a Workspace.
type WorkspaceOption func(*Workspace)

// WithCapacity sets how many records are held before the least recently used one is
// dropped. Values below one keep the default.
func WithCapacity(n int) WorkspaceOption {
	return func(w *Workspace) {
		if n > 0 {
			w.capacity = n
		}
	}
}

type heldRecord struct {
	id        string
	rec       Record
	hasRecord bool
	applied   map[Field]uint64
	inflight  int
	elem      *list.Element
}

// Workspace holds the working copy of records that field updates are merged into.
// Records are kept in least-recently-used order up to a capacity; a record with an
// update in flight is never dropped, so its sequence numbers survive until the update
// resolves. It is safe for concurrent use.
type Workspace struct {
	mu       sync.Mutex
	ordering Ordering
	capacity int
	seq      uint64
	held     map[string]*heldRecord
	lru      *list.List
}

// NewWorkspace returns an empty workspace.
func NewWorkspace(ordering Ordering, opts ...WorkspaceOption) *Workspace {
	if ordering == "" {
		ordering = OrderLastRequest
	}
	w := &Workspace{
		ordering: ordering,
		capacity: DefaultWorkspaceCapacity,
		held:     make(map[string]*heldRecord),
		lru:      list.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ordering returns the workspace's policy.
func (w *Workspace) Ordering() Ordering {
	return w.ordering
}

// Len reports how many records are tracked.
func (w *Workspace) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.held)
}

// Hold replaces the held copy of r with a freshly loaded one.
func (w *Workspace) Hold(r Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.entry(r.ID)
	h.rec = r
	h.hasRecord = true
	w.evict()
}

// Record returns the held copy of id.
func (w *Workspace) Record(id string) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.held[id]
	if !ok || !h.hasRecord {
		return Record{}, false
	}
	w.lru.MoveToFront(h.elem)
	return h.rec, true
}

// Forget drops the held copy of id together with its sequence numbers.
func (w *Workspace) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.held[id]; ok {
		w.drop(h)
	}
}

// begin issues the sequence number of a new update to field of id. Numbers are
// workspace-wide and strictly increasing.
func (w *Workspace) begin(id string, field Field) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.entry(id)
	h.inflight++
	w.seq++
	w.evict()
	return w.seq
}

// abandon resolves an update of id that never produced a response.
func (w *Workspace) abandon(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.held[id]; ok && h.inflight > 0 {
		h.inflight--
	}
	w.evict()
}

// merge folds the response of update seq into the held copy. Only field and UpdatedAt
// change; a record not held yet is taken whole. It reports false when the response is
// stale and was discarded.
func (w *Workspace) merge(resp Record, field Field, seq uint64) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.entry(resp.ID)
	if h.inflight > 0 {
		h.inflight--
	}
	defer w.evict()
	if w.ordering == OrderLastRequest && seq < h.applied[field] {
		return h.rec, false
	}
	if seq > h.applied[field] {
		h.applied[field] = seq
	}
	if !h.hasRecord {
		h.rec = resp
		h.hasRecord = true
		return resp, true
	}
	h.rec = h.rec.mergeField(field, resp)
	return h.rec, true
}

// entry returns the tracked state of id, creating it, and marks it most recently used.
// Callers hold mu.
func (w *Workspace) entry(id string) *heldRecord {
	if h, ok := w.held[id]; ok {
		w.lru.MoveToFront(h.elem)
		return h
	}
	h := &heldRecord{id: id, applied: make(map[Field]uint64)}
	h.elem = w.lru.PushFront(h)
	w.held[id] = h
	return h
}

// evict drops least recently used records without updates in flight until the
// workspace is within capacity. The most recently used record always stays. Callers
// hold mu.
func (w *Workspace) evict() {
	for e := w.lru.Back(); e != nil && e != w.lru.Front() && len(w.held) > w.capacity; {
		prev := e.Prev()
		if h := e.Value.(*heldRecord); h.inflight == 0 {
			w.drop(h)
		}
		e = prev
	}
}

func (w *Workspace) drop(h *heldRecord) {
	w.lru.Remove(h.elem)
	delete(w.held, h.id)
}
