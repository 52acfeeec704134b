// Package registry is the authoritative set of live browser instances.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/honeycomb/internal/frame"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

// Host is the embedder-side browser bound to an instance. Teardown must
// remove the instance from the registry before it returns.
type Host interface {
	Teardown()
}

// PendingResolver answers owner queries that were waiting for a frame to
// appear. It is called without the registry lock held.
type PendingResolver interface {
	ResolvePending(id types.FrameIdentity, inst *Instance, isGuest bool) bool
}

// Instance is one browser, tab or window tracked by the coordinator.
type Instance struct {
	id           int
	isPopup      bool
	isWindowless bool
	extra        types.Extra
	frames       *frame.Registry

	mu      sync.Mutex
	host    Host
	closing bool
}

func (i *Instance) ID() int { return i.id }
func (i *Instance) IsPopup() bool { return i.isPopup }
func (i *Instance) IsWindowless() bool { return i.isWindowless }
func (i *Instance) Extra() types.Extra { return i.extra.Clone() }
func (i *Instance) Frames() *frame.Registry { return i.frames }

// SetHost binds or clears the embedder-side browser.
func (i *Instance) SetHost(h Host) {
	i.mu.Lock()
	i.host = h
	i.mu.Unlock()
}

func (i *Instance) Host() Host {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.host
}

// SetClosing marks the instance as closing. MainFrame reports nil from now on
// although frame callbacks may still arrive.
func (i *Instance) SetClosing() {
	i.mu.Lock()
	i.closing = true
	i.mu.Unlock()
	i.frames.SetClosing()
}

func (i *Instance) IsClosing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closing
}

// OwnerInfo builds the answer to an owner query. The extra payload is copied.
func (i *Instance) OwnerInfo(isGuest bool) types.OwnerInfo {
	return types.OwnerInfo{
		BrowserID:    i.id,
		IsWindowless: i.isWindowless,
		IsPopup:      i.isPopup,
		IsGuest:      isGuest,
		Extra:        i.extra.Clone(),
	}
}

// Registry holds the live instances under one lock.
type Registry struct {
	mu        sync.Mutex
	nextID    int
	instances []*Instance
	resolver  PendingResolver
	observer  frame.Observer
}

func New() *Registry {
	return &Registry{}
}

// SetResolver installs the resolver consulted by CreatePopup.
func (r *Registry) SetResolver(p PendingResolver) {
	r.mu.Lock()
	r.resolver = p
	r.mu.Unlock()
}

// SetFrameObserver installs o on the frame registry of every new instance.
func (r *Registry) SetFrameObserver(o frame.Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

func (r *Registry) createLocked(isPopup, isWindowless bool, extra types.Extra) *Instance {
	r.nextID++
	inst := &Instance{
		id:           r.nextID,
		isPopup:      isPopup,
		isWindowless: isWindowless,
		extra:        extra.Clone(),
		frames:       frame.NewRegistry(r.nextID),
	}
	if r.observer != nil {
		inst.frames.SetObserver(r.observer)
	}
	r.instances = append(r.instances, inst)
	return inst
}

// Create allocates the next id and inserts a new instance.
func (r *Registry) Create(isPopup, isWindowless bool, extra types.Extra) *Instance {
	r.mu.Lock()
	inst := r.createLocked(isPopup, isWindowless, extra)
	r.mu.Unlock()

	slog.Info("browser created", "browser_id", inst.id, "popup", isPopup, "windowless", isWindowless)
	return inst
}

// CreatePopup inserts a popup instance for a freshly materialized surface and
// then continues any owner query already waiting on the surface's main frame.
func (r *Registry) CreatePopup(surface types.Surface, isWindowless bool, extra types.Extra) *Instance {
	surface.MainFrame.MustValid()

	r.mu.Lock()
	inst := r.createLocked(true, isWindowless, extra)
	resolver := r.resolver
	r.mu.Unlock()

	// The main frame belongs to the popup from now on, even before the engine
	// reports it.
	inst.frames.Register(surface.MainFrame, types.FrameIdentity{}, true)

	slog.Info("popup browser created", "browser_id", inst.id, "surface", surface.ID, "main_frame", surface.MainFrame.String())

	if resolver != nil && resolver.ResolvePending(surface.MainFrame, inst, false) {
		slog.Debug("continued pending owner query", "browser_id", inst.id, "frame", surface.MainFrame.String())
	}
	return inst
}

// Remove deletes inst. Removing an instance that is not registered is a
// coordination bug and panics.
func (r *Registry) Remove(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, cur := range r.instances {
		if cur == inst {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			slog.Info("browser removed", "browser_id", inst.id)
			return
		}
	}
	panic(fmt.Sprintf("registry: remove of unknown browser %d", inst.id))
}

// FindByFrame returns the instance owning id. A guest view frame is reported
// with isGuest set.
func (r *Registry) FindByFrame(id types.FrameIdentity) (inst *Instance, isGuest bool) {
	if !id.Valid() {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cur := range r.instances {
		if owned, guest := cur.frames.Owns(id); owned {
			return cur, guest
		}
	}
	return nil, false
}

// Get returns the instance with the given id.
func (r *Registry) Get(id int) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.instances {
		if cur.id == id {
			return cur, true
		}
	}
	return nil, false
}

// List returns a snapshot of the live instances in creation order.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// DestroyAll tears down every instance. The lock is only held to snapshot the
// list because Teardown re-enters the registry.
func (r *Registry) DestroyAll() {
	list := r.List()

	for _, inst := range list {
		if host := inst.Host(); host != nil {
			host.Teardown()
			continue
		}
		slog.Warn("browser has no host, removing directly", "browser_id", inst.id)
		inst.SetClosing()
		inst.frames.DetachAll(frame.BrowserDestroyed)
		r.Remove(inst)
	}

	if n := r.Len(); n != 0 {
		panic(fmt.Sprintf("registry: %d browsers left after DestroyAll", n))
	}
}
