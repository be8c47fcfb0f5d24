package requests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agency-portal/internal/activity"
	"github.com/odyssey-erp/agency-portal/internal/identity"
)

// fakeStore keeps records and ledger entries in memory and rolls both back when a
// transaction callback fails.
type fakeStore struct {
	mu         sync.Mutex
	records    map[string]Record
	entries    map[string]activity.Entry
	tick       time.Time
	failPatch  error
	failAppend error
	// patchFaults are returned, one per call, before failPatch is consulted.
	patchFaults []error
	patchCalls  int
	// gate runs before a patch is applied, outside the lock.
	gate func(field Field, value string)
}

func newFakeStore(records ...Record) *fakeStore {
	s := &fakeStore{
		records: make(map[string]Record),
		entries: make(map[string]activity.Entry),
		tick:    time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	s.mu.Lock()
	records := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		records[k] = v
	}
	entries := make(map[string]activity.Entry, len(s.entries))
	for k, v := range s.entries {
		entries[k] = v
	}
	s.mu.Unlock()

	if err := fn(ctx, fakeTx{s: s}); err != nil {
		s.mu.Lock()
		s.records, s.entries = records, entries
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *fakeStore) ledger() []activity.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]activity.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	activity.SortForDisplay(out)
	return out
}

type fakeTx struct {
	s *fakeStore
}

func (t fakeTx) InsertRecord(_ context.Context, r Record) (Record, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.records[r.ID] = r
	return r, nil
}

func (t fakeTx) PatchField(_ context.Context, id string, field Field, value string) (Record, error) {
	if t.s.gate != nil {
		t.s.gate(field, value)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.patchCalls++
	if len(t.s.patchFaults) > 0 {
		err := t.s.patchFaults[0]
		t.s.patchFaults = t.s.patchFaults[1:]
		return Record{}, err
	}
	if t.s.failPatch != nil {
		return Record{}, t.s.failPatch
	}
	r, ok := t.s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	switch field {
	case FieldStatus:
		r.Status = Status(value)
	case FieldPriority:
		r.Priority = Priority(value)
	case FieldAssignedTo:
		r.AssignedTo = value
	case FieldTitle:
		r.Title = value
	case FieldDescription:
		r.Description = value
	case FieldDueDate:
		r.DueDate = nil
		if value != "" {
			d, err := time.Parse(dateLayout, value)
			if err != nil {
				return Record{}, err
			}
			r.DueDate = &d
		}
	}
	t.s.tick = t.s.tick.Add(time.Minute)
	r.UpdatedAt = t.s.tick
	t.s.records[id] = r
	return r, nil
}

func (t fakeTx) AppendActivity(_ context.Context, e activity.Entry) (activity.Entry, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.failAppend != nil {
		return activity.Entry{}, t.s.failAppend
	}
	t.s.entries[e.ID] = e
	return e, nil
}

// fakeLedger exposes the store's entries as an activity.Repository.
type fakeLedger struct {
	s *fakeStore
}

func (l fakeLedger) Insert(ctx context.Context, e activity.Entry) (activity.Entry, error) {
	return fakeTx(l).AppendActivity(ctx, e)
}

func (l fakeLedger) Get(_ context.Context, id string) (activity.Entry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	e, ok := l.s.entries[id]
	if !ok {
		return activity.Entry{}, activity.ErrNotFound
	}
	return e, nil
}

func (l fakeLedger) ListByRequest(_ context.Context, requestID string) ([]activity.Entry, error) {
	var out []activity.Entry
	for _, e := range l.s.ledger() {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l fakeLedger) UpdateDescription(_ context.Context, id, description string) (activity.Entry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	e, ok := l.s.entries[id]
	if !ok || !e.IsMessage() {
		return activity.Entry{}, activity.ErrNotFound
	}
	e.Description = description
	l.s.entries[id] = e
	return e, nil
}

func (l fakeLedger) Delete(_ context.Context, id string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, ok := l.s.entries[id]; !ok {
		return activity.ErrNotFound
	}
	delete(l.s.entries, id)
	return nil
}

type countingRecorder struct {
	mu      sync.Mutex
	updates map[string]int
	stale   int
}

func (c *countingRecorder) RecordFieldUpdate(field, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updates == nil {
		c.updates = map[string]int{}
	}
	c.updates[field+":"+outcome]++
}

func (c *countingRecorder) RecordStaleResponse(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale++
}

var errStoreDown = errors.New("connection refused")

func sampleRecord(id, clientID string) Record {
	created := time.Date(2024, 5, 30, 9, 0, 0, 0, time.UTC)
	return Record{
		ID:          id,
		Title:       "Landing page refresh",
		Description: "New hero section",
		Status:      StatusSubmitted,
		Priority:    PriorityMedium,
		ClientID:    clientID,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func sessionContext(t *testing.T, p identity.Principal) (context.Context, *identity.Session) {
	t.Helper()
	sess, err := identity.NewAuthenticated(nil, p)
	require.NoError(t, err)
	return identity.WithSession(context.Background(), sess), sess
}

func member(t *testing.T, id, name string, role identity.Role) identity.Principal {
	t.Helper()
	p, err := identity.NewTeamMember(id, id+"@agency.test", name, role)
	require.NoError(t, err)
	return p
}
