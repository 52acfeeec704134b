// Package frame tracks the frames of one browser instance and the actions
// waiting for a frame's live engine counterpart.
//
// A Handle has two kinds of state. Identity fields (ids, cached url and name,
// focus, owning browser) are guarded by the handle mutex and may be read from
// any goroutine. The binding and the action queue belong to the coordinating
// sequence and are never touched elsewhere.
package frame

import (
	"log/slog"
	"sync"

	"github.com/dgnsrekt/honeycomb/internal/types"
)

// Binding is the live engine counterpart of a frame.
type Binding interface {
	// Invoke delivers a named action to the engine frame.
	Invoke(name string, payload any) error
	// Detached tells the engine frame that the host side went away.
	Detached()
}

// DetachReason says why a handle lost its binding.
type DetachReason int

const (
	// FrameDeleted: the engine destroyed the frame.
	FrameDeleted DetachReason = iota
	// NewMainFrame: another frame became the browser's main frame.
	NewMainFrame
	// BrowserDestroyed: the owning browser is being torn down.
	BrowserDestroyed
	// Suspended: the frame entered the back-forward cache and may come back.
	Suspended
)

func (r DetachReason) String() string {
	switch r {
	case FrameDeleted:
		return "FRAME_DELETED"
	case NewMainFrame:
		return "NEW_MAIN_FRAME"
	case BrowserDestroyed:
		return "BROWSER_DESTROYED"
	case Suspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// Suspended detaches keep queued actions for the next Reattach; every other
// reason discards them.
func (r DetachReason) keepsQueue() bool { return r == Suspended }

// MakeFrameID folds an identity into the stable logical frame id.
func MakeFrameID(id types.FrameIdentity) int64 {
	return int64(id.ProcessID)<<32 | int64(uint32(id.RoutingID))
}

type queuedAction struct {
	name    string
	payload any
}

// Handle is one logical frame.
type Handle struct {
	isMain    bool
	temporary bool

	mu        sync.Mutex
	logicalID int64
	identity  types.FrameIdentity
	parentID  int64
	name      string
	url       string
	focused   bool
	browserID int
	detached  bool
	suspended bool

	// Sequence confined.
	binding  Binding
	queue    []queuedAction
	draining bool
}

func newTemporary(browserID int, parentID int64) *Handle {
	return &Handle{
		temporary: true,
		parentID:  parentID,
		browserID: browserID,
	}
}

func newHandle(browserID int, id, parent types.FrameIdentity, isMain bool) *Handle {
	h := &Handle{
		isMain:    isMain,
		logicalID: MakeFrameID(id),
		identity:  id,
		browserID: browserID,
		focused:   isMain, // main frames start focused
	}
	if !isMain && parent.Valid() {
		h.parentID = MakeFrameID(parent)
	}
	return h
}

// LogicalID stays the same across Reattach. Temporary handles report 0.
func (h *Handle) LogicalID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logicalID
}

// Identity returns the current engine identity of the frame.
func (h *Handle) Identity() types.FrameIdentity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

func (h *Handle) ParentID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.parentID
}

func (h *Handle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *Handle) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url
}

func (h *Handle) IsFocused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focused
}

// BrowserID returns the owning browser, or 0 once detached.
func (h *Handle) BrowserID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.browserID
}

func (h *Handle) IsMain() bool      { return h.isMain }
func (h *Handle) IsTemporary() bool { return h.temporary }

// IsValid reports whether the frame still belongs to a live browser.
func (h *Handle) IsValid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.detached && h.browserID != 0
}

// SetFocused updates the cached focus flag.
func (h *Handle) SetFocused(focused bool) {
	h.mu.Lock()
	h.focused = focused
	h.mu.Unlock()
}

// SetAttributes refreshes the cached url and name reported by the engine.
func (h *Handle) SetAttributes(url, name string) {
	h.mu.Lock()
	h.url = url
	h.name = name
	h.mu.Unlock()
}

// IsAttached reports whether a live binding is present. Sequence only.
func (h *Handle) IsAttached() bool { return h.binding != nil }

// IsSuspended reports whether the frame was detached into the back-forward
// cache and has not been revived yet.
func (h *Handle) IsSuspended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detached && h.suspended
}

// QueueLen returns the number of actions waiting for a binding. Sequence only.
func (h *Handle) QueueLen() int { return len(h.queue) }

// SendAction runs the action against the live binding, or queues it until
// one is attached. Suspended frames keep queueing. Actions sent to temporary
// or detached frames are dropped. Sequence only.
func (h *Handle) SendAction(name string, payload any) bool {
	if h.temporary {
		slog.Warn("frame action sent to temporary subframe will be ignored", "action", name)
		return false
	}
	h.mu.Lock()
	detached, suspended := h.detached, h.suspended
	h.mu.Unlock()
	if detached && !suspended {
		slog.Warn("frame action sent to detached frame will be ignored", "action", name, "frame", h.debugString())
		return false
	}

	if h.binding == nil || h.draining {
		h.queue = append(h.queue, queuedAction{name: name, payload: payload})
		return true
	}
	h.invoke(name, payload)
	return true
}

func (h *Handle) invoke(name string, payload any) {
	if err := h.binding.Invoke(name, payload); err != nil {
		slog.Warn("frame action failed", "action", name, "frame", h.debugString(), "error", err)
	}
}

// Attach binds the live counterpart and drains queued actions in order. It
// reports false when the handle was already detached. Sequence only.
func (h *Handle) Attach(b Binding) bool {
	if b == nil {
		panic("frame: Attach with nil binding")
	}
	h.mu.Lock()
	detached := h.detached
	h.mu.Unlock()
	if detached || h.temporary {
		return false
	}

	h.binding = b
	h.draining = true
	for len(h.queue) > 0 && h.binding != nil {
		next := h.queue[0]
		h.queue[0] = queuedAction{}
		h.queue = h.queue[1:]
		h.invoke(next.name, next.payload)
	}
	h.draining = false
	slog.Debug("frame attached", "frame", h.debugString())
	return true
}

// Disconnect drops the binding without detaching. Later actions queue until
// the next Attach. Sequence only.
func (h *Handle) Disconnect() {
	h.binding = nil
}

// Detach clears the binding. Only the first call after an attachment returns
// true. Sequence only.
func (h *Handle) Detach(reason DetachReason) bool {
	if h.temporary {
		panic("frame: Detach called on temporary frame")
	}

	h.mu.Lock()
	first := !h.detached
	h.detached = true
	// Only the first reason may suspend. A later one can only end it.
	if first {
		h.suspended = reason.keepsQueue()
	} else if !reason.keepsQueue() {
		h.suspended = false
	}
	h.browserID = 0
	h.mu.Unlock()

	if !reason.keepsQueue() && len(h.queue) > 0 {
		slog.Debug("discarding queued frame actions", "frame", h.debugString(), "count", len(h.queue), "reason", reason.String())
		h.queue = nil
	}
	if h.binding != nil {
		h.binding.Detached()
		h.binding = nil
	}

	if first {
		slog.Debug("frame detached", "frame", h.debugString(), "reason", reason.String())
	}
	return first
}

// Reattach revives a detached handle under a new engine identity while
// keeping its logical id, name and url. When b is nil the handle waits for a
// later Attach and actions sent meanwhile are queued. Sequence only.
func (h *Handle) Reattach(browserID int, id types.FrameIdentity, b Binding) {
	id.MustValid()
	if h.temporary {
		panic("frame: Reattach called on temporary frame")
	}

	h.mu.Lock()
	if !h.detached && h.binding != nil {
		h.mu.Unlock()
		panic("frame: Reattach called on attached frame " + id.String())
	}
	h.identity = id
	h.browserID = browserID
	h.detached = false
	h.suspended = false
	h.mu.Unlock()

	if b != nil {
		h.Attach(b)
	}
}

func (h *Handle) debugString() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.temporary {
		return "temporary subframe"
	}
	kind := "subframe"
	if h.isMain {
		kind = "main frame"
	}
	return kind + " " + h.identity.String()
}
