package popup

import (
	"fmt"
	"log/slog"
)

// Tracker holds pending popups. It is confined to the coordinating sequence
// and has no lock.
type Tracker struct {
	items []*Pending
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Push appends p. Ownership moves to the tracker.
func (t *Tracker) Push(p *Pending) {
	if p == nil {
		panic("popup: Push(nil)")
	}
	p.Opener.MustValid()
	t.items = append(t.items, p)
	slog.Debug("popup queued", "popup_id", p.ID, "step", p.Step.String(), "opener", p.Opener.String(), "url", p.TargetURL)
}

// Pop removes and returns the popup waiting in step under key, or nil. More
// than one match means two workflows share a correlation key and panics.
func (t *Tracker) Pop(step Step, key Key) *Pending {
	idx := -1
	for i, p := range t.items {
		if p.Step != step || p.Key() != key {
			continue
		}
		if idx >= 0 {
			panic(fmt.Sprintf("popup: multiple pending popups for step %s key %+v", step, key))
		}
		idx = i
	}
	if idx < 0 {
		return nil
	}
	p := t.items[idx]
	t.items = append(t.items[:idx], t.items[idx+1:]...)
	return p
}

// CancelForProcess drops every popup whose opener lives in processID and
// returns them.
func (t *Tracker) CancelForProcess(processID int32) []*Pending {
	var cancelled []*Pending
	kept := t.items[:0]
	for _, p := range t.items {
		if p.Opener.BelongsTo(processID) {
			cancelled = append(cancelled, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(t.items); i++ {
		t.items[i] = nil
	}
	t.items = kept
	if len(cancelled) > 0 {
		slog.Debug("popups cancelled", "process_id", processID, "count", len(cancelled))
	}
	return cancelled
}

// Clear drops every pending popup and returns how many there were.
func (t *Tracker) Clear() int {
	n := len(t.items)
	t.items = nil
	return n
}

func (t *Tracker) Len() int { return len(t.items) }

// Snapshot returns copies of the pending popups in push order.
func (t *Tracker) Snapshot() []Pending {
	out := make([]Pending, len(t.items))
	for i, p := range t.items {
		out[i] = *p
		out[i].Payload.Settings = p.Payload.Settings.Clone()
		out[i].Payload.Extra = p.Payload.Extra.Clone()
	}
	return out
}
