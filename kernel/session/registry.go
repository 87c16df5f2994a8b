// Package session tracks which caller owns which compilation workspace.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OnslaughtSnail/bibforge/kernel/clock"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrInvalidCaller   = errors.New("session: caller id is required")
)

// maxIDAttempts bounds retries when a generated id collides with a live
// or retiring session.
const maxIDAttempts = 8

// Record is a snapshot of one session.
type Record struct {
	ID         string
	CallerID   string
	CreatedAt  time.Time
	LastActive time.Time
	// InFlight counts compilations currently holding a Lease.
	InFlight int
}

// IdleFor reports how long the session has been idle at now.
func (r Record) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastActive)
}

type entry struct {
	record Record
	// slot serializes compilations of this session.
	slot chan struct{}
}

// Registry maps caller identities to sessions. It is safe for concurrent
// use; its lock only ever guards map operations.
type Registry struct {
	clock clock.Clock
	newID func() (string, error)

	mu       sync.Mutex
	byCaller map[string]string
	records  map[string]*entry
	// retiring holds ids that were evicted but whose artifacts may still
	// exist. They are never handed out again until forgotten.
	retiring map[string]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewRegistry returns an empty registry on the real clock.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:    clock.Real(),
		newID:    NewID,
		byCaller: make(map[string]string),
		records:  make(map[string]*entry),
		retiring: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const idPrefix = "s-"

// NewID returns a time-ordered session id.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return idPrefix + id.String(), nil
}

// IsID reports whether name has the exact shape NewID issues.
func IsID(name string) bool {
	rest, ok := strings.CutPrefix(name, idPrefix)
	if !ok || len(rest) != 36 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// GetOrCreate returns callerID's live session, refreshing its activity,
// or allocates a new one.
func (r *Registry) GetOrCreate(callerID string) (string, error) {
	if callerID == "" {
		return "", ErrInvalidCaller
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if id, ok := r.byCaller[callerID]; ok {
		if e, live := r.records[id]; live {
			e.record.LastActive = now
			return id, nil
		}
		delete(r.byCaller, callerID)
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return "", err
		}
		if r.knownLocked(id) {
			continue
		}
		r.records[id] = &entry{
			record: Record{ID: id, CallerID: callerID, CreatedAt: now, LastActive: now},
			slot:   make(chan struct{}, 1),
		}
		r.byCaller[callerID] = id
		return id, nil
	}
	return "", fmt.Errorf("session: could not allocate a unique id after %d attempts", maxIDAttempts)
}

// Touch refreshes a session's activity. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.records[id]; ok {
		e.record.LastActive = r.clock.Now()
	}
}

// IsValid reports whether id names a live session.
func (r *Registry) IsValid(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	return ok
}

// Known reports whether id is live or still retiring.
func (r *Registry) Known(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.knownLocked(id)
}

func (r *Registry) knownLocked(id string) bool {
	if _, ok := r.records[id]; ok {
		return true
	}
	_, ok := r.retiring[id]
	return ok
}

// Get returns a copy of id's record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return e.record, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns copies of all live records ordered by last activity.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, e := range r.records {
		out = append(out, e.record)
	}
	r.mu.Unlock()
	sortByActivity(out)
	return out
}

// Expired returns sessions idle for longer than limit. Sessions holding a
// lease are never reported.
func (r *Registry) Expired(limit time.Duration) []Record {
	r.mu.Lock()
	now := r.clock.Now()
	var out []Record
	for _, e := range r.records {
		if isExpired(e.record, now, limit) {
			out = append(out, e.record)
		}
	}
	r.mu.Unlock()
	sortByActivity(out)
	return out
}

// Evict removes id if it is still expired at the time of the call and
// moves it to the retiring set. The re-check keeps a session that was
// touched after the Expired snapshot alive.
func (r *Registry) Evict(id string, limit time.Duration) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[id]
	if !ok || !isExpired(e.record, r.clock.Now(), limit) {
		return Record{}, false
	}
	delete(r.records, id)
	if r.byCaller[e.record.CallerID] == id {
		delete(r.byCaller, e.record.CallerID)
	}
	r.retiring[id] = struct{}{}
	return e.record, true
}

// Retiring lists evicted ids whose artifacts have not been confirmed gone.
func (r *Registry) Retiring() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.retiring))
	for id := range r.retiring {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Forget releases a retiring id once its artifacts are deleted.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retiring, id)
}

// Lease marks one in-flight compilation of a session.
type Lease struct {
	registry *Registry
	id       string
	slot     chan struct{}
	once     sync.Once
}

// Acquire waits until no other compilation of id is running and marks one
// as in flight. The session cannot expire while the lease is held.
func (r *Registry) Acquire(ctx context.Context, id string) (*Lease, error) {
	r.mu.Lock()
	e, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.record.InFlight++
	e.record.LastActive = r.clock.Now()
	slot := e.slot
	r.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return &Lease{registry: r, id: id, slot: slot}, nil
	case <-ctx.Done():
		r.finish(id, slot)
		return nil, ctx.Err()
	}
}

// Release frees the session for the next compilation and refreshes its
// activity. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		<-l.slot
		l.registry.finish(l.id, l.slot)
	})
}

func (r *Registry) finish(id string, slot chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[id]
	if !ok || e.slot != slot {
		return
	}
	if e.record.InFlight > 0 {
		e.record.InFlight--
	}
	e.record.LastActive = r.clock.Now()
}

func isExpired(rec Record, now time.Time, limit time.Duration) bool {
	return rec.InFlight == 0 && rec.IdleFor(now) > limit
}

func sortByActivity(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActive.Equal(records[j].LastActive) {
			return records[i].ID < records[j].ID
		}
		return records[i].LastActive.Before(records[j].LastActive)
	})
}
