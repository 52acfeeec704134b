// Package inforequest correlates "which browser owns this frame" queries with
// the event that eventually answers them.
//
// Every request is answered exactly once: with the owning browser, or with
// the NotFound sentinel when it times out, its process goes away, or a newer
// request for the same frame replaces it. A record is removed from the table
// under the table lock before its answer is delivered, so concurrent triggers
// can never both deliver.
package inforequest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/honeycomb/internal/registry"
	"github.com/dgnsrekt/honeycomb/internal/sequence"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

// DefaultTimeout is how long a request waits for its frame to appear.
const DefaultTimeout = 2000 * time.Millisecond

// Finder resolves a frame to its browser.
type Finder interface {
	FindByFrame(id types.FrameIdentity) (*registry.Instance, bool)
}

// DeliverFunc receives the single answer to a request.
type DeliverFunc func(types.OwnerInfo)

type record struct {
	id        types.FrameIdentity
	timeoutID uint64
	deliver   DeliverFunc
	created   time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithTimeout sets the request timeout. Zero or negative disables timeouts.
func WithTimeout(d time.Duration) Option {
	return func(t *Table) { t.timeout = d }
}

// WithExpiryHook registers fn to run after a request timed out.
func WithExpiryHook(fn func(id types.FrameIdentity, waited time.Duration)) Option {
	return func(t *Table) { t.onExpire = fn }
}

// Table holds the outstanding requests. Timeouts run on the coordinating
// sequence.
type Table struct {
	seq      *sequence.Sequence
	finder   Finder
	timeout  time.Duration
	onExpire func(types.FrameIdentity, time.Duration)

	mu      sync.Mutex
	records map[types.FrameIdentity]*record
	counter uint64
	// closed is set by CancelAll. Later requests answer NotFound at once.
	closed  bool
}

// New creates a table that looks frames up in finder and schedules timeouts
// on seq.
func New(seq *sequence.Sequence, finder Finder, opts ...Option) *Table {
	t := &Table{
		seq:     seq,
		finder:  finder,
		timeout: DefaultTimeout,
		records: make(map[types.FrameIdentity]*record),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Timeout returns the configured timeout, or 0 when disabled.
func (t *Table) Timeout() time.Duration {
	if t.timeout <= 0 {
		return 0
	}
	return t.timeout
}

// Request asks for the owner of id. The returned channel receives exactly
// one value and is never closed.
func (t *Table) Request(id types.FrameIdentity) <-chan types.OwnerInfo {
	ch := make(chan types.OwnerInfo, 1)
	deliver := func(info types.OwnerInfo) { ch <- info }
	if info, ok := t.request(id, deliver); ok {
		deliver(info)
	}
	return ch
}

// Await blocks until the owner of id is known or ctx ends. The request stays
// in the table after ctx ends and is cleaned up by its timeout.
func (t *Table) Await(ctx context.Context, id types.FrameIdentity) (types.OwnerInfo, error) {
	select {
	case info := <-t.Request(id):
		return info, nil
	case <-ctx.Done():
		return types.NotFound(), ctx.Err()
	}
}

// RequestFunc asks for the owner of id and runs fn with the answer on
// runner. An answer known right away runs fn inline when ctx already belongs
// to runner. A nil runner runs fn on whichever goroutine produced the answer.
func (t *Table) RequestFunc(ctx context.Context, id types.FrameIdentity, runner *sequence.Sequence, fn DeliverFunc) {
	deliver := fn
	if runner != nil {
		deliver = func(info types.OwnerInfo) {
			if !runner.Post(func(context.Context) { fn(info) }) {
				slog.Warn("owner info reply dropped, caller sequence stopped", "frame", id.String(), "sequence", runner.Name())
			}
		}
	}
	info, ok := t.request(id, deliver)
	if !ok {
		return
	}
	if runner == nil || sequence.IsCurrent(ctx, runner) {
		fn(info)
		return
	}
	deliver(info)
}

// request answers from the registry when it can. Otherwise it stores deliver
// and schedules the timeout.
func (t *Table) request(id types.FrameIdentity, deliver DeliverFunc) (types.OwnerInfo, bool) {
	id.MustValid()

	// The table lock is held across the lookup so a browser added right after
	// a miss finds the record in Resolve.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return types.NotFound(), true
	}
	if inst, isGuest := t.finder.FindByFrame(id); inst != nil {
		t.mu.Unlock()
		return inst.OwnerInfo(isGuest), true
	}

	superseded := t.records[id]
	t.counter++
	timeoutID := t.counter
	t.records[id] = &record{
		id:        id,
		timeoutID: timeoutID,
		deliver:   deliver,
		created:   t.seq.Clock().Now(),
	}
	t.mu.Unlock()

	if superseded != nil {
		slog.Warn("owner info request superseded by newer request", "frame", id.String(), "timeout_id", superseded.timeoutID)
		superseded.deliver(types.NotFound())
	}

	if t.timeout > 0 && !t.seq.PostDelayed(t.timeout, func(context.Context) { t.OnTimeout(id, timeoutID) }) {
		// Whoever removed the record first delivers; otherwise answer here.
		if t.take(id, timeoutID) != nil {
			slog.Warn("owner info timeout not scheduled, sequence stopped", "frame", id.String())
			return types.NotFound(), true
		}
	}
	return types.OwnerInfo{}, false
}

// Resolve answers the request pending for id with inst. A nil inst answers
// NotFound. It reports whether a request was pending.
func (t *Table) Resolve(id types.FrameIdentity, inst *registry.Instance, isGuest bool) bool {
	rec := t.take(id, 0)
	if rec == nil {
		return false
	}
	if inst == nil {
		rec.deliver(types.NotFound())
		return true
	}
	rec.deliver(inst.OwnerInfo(isGuest))
	return true
}

// ResolvePending lets the browser registry continue a request once a popup
// browser exists.
func (t *Table) ResolvePending(id types.FrameIdentity, inst *registry.Instance, isGuest bool) bool {
	return t.Resolve(id, inst, isGuest)
}

// OnTimeout answers NotFound when timeoutID still identifies the request
// pending for id. Stale timeouts are ignored.
func (t *Table) OnTimeout(id types.FrameIdentity, timeoutID uint64) bool {
	rec := t.take(id, timeoutID)
	if rec == nil {
		return false
	}
	waited := t.seq.Clock().Since(rec.created)
	slog.Error("timeout of owner info response for frame", "frame", id.String(), "timeout_id", timeoutID, "waited", waited)
	if t.onExpire != nil {
		t.onExpire(id, waited)
	}
	rec.deliver(types.NotFound())
	return true
}

// take removes and returns the record for id. A non-zero timeoutID must match
// the stored one.
func (t *Table) take(id types.FrameIdentity, timeoutID uint64) *record {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return nil
	}
	if timeoutID != 0 && rec.timeoutID != timeoutID {
		return nil
	}
	delete(t.records, id)
	return rec
}

// OnProcessDestroyed answers NotFound to every request for a frame in
// processID. It returns the number of requests cancelled.
func (t *Table) OnProcessDestroyed(processID int32) int {
	return t.cancel(false, func(id types.FrameIdentity) bool { return id.BelongsTo(processID) })
}

// CancelAll answers NotFound to every outstanding request and closes the
// table. Requests made afterwards answer NotFound right away.
func (t *Table) CancelAll() int {
	return t.cancel(true, func(types.FrameIdentity) bool { return true })
}

func (t *Table) cancel(closing bool, match func(types.FrameIdentity) bool) int {
	t.mu.Lock()
	if closing {
		t.closed = true
	}
	var recs []*record
	for id, rec := range t.records {
		if match(id) {
			recs = append(recs, rec)
			delete(t.records, id)
		}
	}
	t.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].timeoutID < recs[j].timeoutID })
	for _, rec := range recs {
		rec.deliver(types.NotFound())
	}
	return len(recs)
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Pending lists the frames with an outstanding request.
func (t *Table) Pending() []types.FrameIdentity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.FrameIdentity, 0, len(t.records))
	for id := range t.records {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessID != out[j].ProcessID {
			return out[i].ProcessID < out[j].ProcessID
		}
		return out[i].RoutingID < out[j].RoutingID
	})
	return out
}

// LastTimeoutID returns the id carried by the most recent timeout for id.
func (t *Table) LastTimeoutID(id types.FrameIdentity) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return 0, false
	}
	return rec.timeoutID, true
}
