package frame

import (
	"log/slog"
	"sync"

	"github.com/dgnsrekt/honeycomb/internal/types"
)

// Observer receives frame lifecycle notifications. Calls happen on the
// coordinating sequence with no registry lock held.
type Observer interface {
	FrameCreated(browserID int, h *Handle)
	FrameAttached(browserID int, h *Handle, reattached bool)
	FrameDetached(browserID int, h *Handle, reason DetachReason)
	MainFrameChanged(browserID int, old, current *Handle)
}

// Registry owns the frames of one browser instance. Lookups are safe from
// any goroutine; methods that bind or detach handles run on the sequence.
type Registry struct {
	browserID int

	mu       sync.Mutex
	frames   map[types.FrameIdentity]*Handle
	guests   map[types.FrameIdentity]struct{}
	main     *Handle
	closing  bool
	observer Observer
}

// NewRegistry creates an empty frame registry for the given browser.
func NewRegistry(browserID int) *Registry {
	return &Registry{
		browserID: browserID,
		frames:    make(map[types.FrameIdentity]*Handle),
		guests:    make(map[types.FrameIdentity]struct{}),
	}
}

// SetObserver installs the lifecycle observer.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

func (r *Registry) obs() Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observer
}

// CreateTemporary returns an untracked placeholder for a subframe the engine
// has not created yet. An invalid parent selects the current main frame.
func (r *Registry) CreateTemporary(parent types.FrameIdentity) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var parentID int64
	if parent.Valid() {
		parentID = MakeFrameID(parent)
	} else if r.main != nil {
		parentID = r.main.LogicalID()
	}
	return newTemporary(r.browserID, parentID)
}

// Register records a frame the engine created but whose live counterpart is
// not connected yet. Actions sent to it queue until Attach. Registering an
// identity twice returns the existing handle. Sequence only.
func (r *Registry) Register(id, parent types.FrameIdentity, isMain bool) *Handle {
	id.MustValid()

	r.mu.Lock()
	if h, ok := r.frames[id]; ok {
		r.mu.Unlock()
		return h
	}
	h := newHandle(r.browserID, id, parent, isMain)
	r.frames[id] = h
	var old *Handle
	swapped := false
	if isMain && !r.closing && r.main != h {
		old = r.main
		r.main = h
		swapped = true
	}
	obs := r.observer
	r.mu.Unlock()

	if old != nil && old.Detach(NewMainFrame) && obs != nil {
		obs.FrameDetached(r.browserID, old, NewMainFrame)
	}
	if obs != nil {
		obs.FrameCreated(r.browserID, h)
		if swapped {
			obs.MainFrameChanged(r.browserID, old, h)
		}
	}
	return h
}

// CreateAttached registers a frame and binds its live counterpart at once.
// Sequence only.
func (r *Registry) CreateAttached(id, parent types.FrameIdentity, isMain bool, b Binding) *Handle {
	h := r.Register(id, parent, isMain)
	r.Attach(h, b, false)
	return h
}

// Attach binds b to h and notifies the observer. Sequence only.
func (r *Registry) Attach(h *Handle, b Binding, reattached bool) bool {
	if !h.Attach(b) {
		return false
	}
	if obs := r.obs(); obs != nil {
		obs.FrameAttached(r.browserID, h, reattached)
	}
	return true
}

// AddGuest records a guest view frame. Guest frames have no handle but still
// resolve to this browser.
func (r *Registry) AddGuest(id types.FrameIdentity) {
	id.MustValid()
	r.mu.Lock()
	r.guests[id] = struct{}{}
	r.mu.Unlock()
}

// Remove forgets a frame and detaches it. Sequence only.
func (r *Registry) Remove(id types.FrameIdentity) *Handle {
	id.MustValid()

	r.mu.Lock()
	if _, ok := r.guests[id]; ok {
		delete(r.guests, id)
		r.mu.Unlock()
		return nil
	}
	h, ok := r.frames[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.frames, id)
	if r.main == h {
		r.main = nil
	}
	obs := r.observer
	r.mu.Unlock()

	if h.Detach(FrameDeleted) && obs != nil {
		obs.FrameDetached(r.browserID, h, FrameDeleted)
	}
	return h
}

// Lookup returns the handle for id. Guest frames report (nil, true).
func (r *Registry) Lookup(id types.FrameIdentity) (h *Handle, isGuest bool) {
	if !id.Valid() {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.guests[id]; ok {
		return nil, true
	}
	return r.frames[id], false
}

// Owns reports whether id is one of this browser's frames or guest frames.
func (r *Registry) Owns(id types.FrameIdentity) (owned, isGuest bool) {
	h, guest := r.Lookup(id)
	return h != nil || guest, guest
}

// MainFrame returns the current main frame, or nil while closing.
func (r *Registry) MainFrame() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil
	}
	return r.main
}

// All returns a snapshot of the tracked frames.
func (r *Registry) All() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.frames))
	for _, h := range r.frames {
		out = append(out, h)
	}
	return out
}

// Len returns the number of tracked frames, guests excluded.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// FocusFrame marks id as the focused frame of this browser.
func (r *Registry) FocusFrame(id types.FrameIdentity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.frames[id]
	if !ok {
		return false
	}
	for _, h := range r.frames {
		h.SetFocused(h == target)
	}
	return true
}

// StateChanged handles a frame entering (cached=true) or leaving the
// back-forward cache. A cached frame keeps its queued actions; on return it is
// revived under its identity and waits for the engine to attach it again.
// Leaving the cache is ignored for frames that are not suspended. Sequence
// only.
func (r *Registry) StateChanged(id types.FrameIdentity, cached bool) {
	id.MustValid()
	r.mu.Lock()
	h, ok := r.frames[id]
	obs := r.observer
	r.mu.Unlock()
	if !ok {
		return
	}

	if cached {
		if h.Detach(Suspended) && obs != nil {
			obs.FrameDetached(r.browserID, h, Suspended)
		}
		return
	}
	if !h.IsSuspended() {
		slog.Debug("frame left back-forward cache without entering it", "frame", id.String())
		return
	}
	h.Reattach(r.browserID, id, nil)
}

// Reattach moves h to a new engine identity and binds b, keeping the logical
// frame. Sequence only.
func (r *Registry) Reattach(h *Handle, id types.FrameIdentity, b Binding) {
	id.MustValid()
	old := h.Identity()

	r.mu.Lock()
	if cur, ok := r.frames[old]; ok && cur == h {
		delete(r.frames, old)
	}
	r.frames[id] = h
	obs := r.observer
	r.mu.Unlock()

	h.Reattach(r.browserID, id, nil)
	if b != nil && h.Attach(b) && obs != nil {
		obs.FrameAttached(r.browserID, h, true)
	}
}

// SetClosing makes MainFrame report nil while frame callbacks may still
// arrive for the closing browser.
func (r *Registry) SetClosing() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
}

// DetachAll detaches and forgets every frame. It returns the number of frames
// that were detached for the first time. Sequence only.
func (r *Registry) DetachAll(reason DetachReason) int {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.frames))
	for _, h := range r.frames {
		handles = append(handles, h)
	}
	r.frames = make(map[types.FrameIdentity]*Handle)
	r.guests = make(map[types.FrameIdentity]struct{})
	r.main = nil
	obs := r.observer
	r.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.Detach(reason) {
			n++
			if obs != nil {
				obs.FrameDetached(r.browserID, h, reason)
			}
		}
	}
	return n
}
