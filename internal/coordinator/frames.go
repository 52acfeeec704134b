package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dgnsrekt/honeycomb/internal/frame"
	"github.com/dgnsrekt/honeycomb/internal/registry"
	"github.com/dgnsrekt/honeycomb/internal/relay"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

func sortFrames(frames []FrameInfo) {
	sort.Slice(frames, func(i, j int) bool {
		if frames[i].IsMain != frames[j].IsMain {
			return frames[i].IsMain
		}
		return frames[i].ID < frames[j].ID
	})
}

func (c *Coordinator) browserOf(id types.FrameIdentity) (*registry.Instance, *frame.Handle, error) {
	inst, isGuest := c.reg.FindByFrame(id)
	if inst == nil {
		return nil, nil, newError(CodeFrameNotFound, "no browser owns frame "+id.String(), nil)
	}
	if isGuest {
		return inst, nil, newError(CodeValidation, "frame "+id.String()+" is a guest view", nil)
	}
	h, _ := inst.Frames().Lookup(id)
	if h == nil {
		return inst, nil, newError(CodeFrameNotFound, "frame "+id.String()+" is not tracked", nil)
	}
	return inst, h, nil
}

// FrameCreated records a frame the engine created for browserID and answers
// any owner query already waiting for it.
func (c *Coordinator) FrameCreated(ctx context.Context, browserID int, id, parent types.FrameIdentity, isMain bool) error {
	id.MustValid()
	var err error
	runErr := c.run(ctx, func(context.Context) {
		inst, ok := c.reg.Get(browserID)
		if !ok {
			err = newError(CodeBrowserNotFound, fmt.Sprintf("browser %d not found", browserID), nil)
			return
		}
		inst.Frames().Register(id, parent, isMain)
		if c.requests.Resolve(id, inst, false) {
			slog.Debug("owner query answered by new frame", "browser_id", browserID, "frame", id.String())
		}
	})
	if runErr != nil {
		return runErr
	}
	return err
}

// GuestFrameCreated records a guest view frame hosted by browserID.
func (c *Coordinator) GuestFrameCreated(ctx context.Context, browserID int, id types.FrameIdentity) error {
	id.MustValid()
	var err error
	runErr := c.run(ctx, func(context.Context) {
		inst, ok := c.reg.Get(browserID)
		if !ok {
			err = newError(CodeBrowserNotFound, fmt.Sprintf("browser %d not found", browserID), nil)
			return
		}
		inst.Frames().AddGuest(id)
		c.requests.Resolve(id, inst, true)
	})
	if runErr != nil {
		return runErr
	}
	return err
}

// FrameAttached binds the live engine counterpart of a known frame. Queued
// actions run before FrameAttached returns.
func (c *Coordinator) FrameAttached(ctx context.Context, id types.FrameIdentity, b frame.Binding, reattached bool) error {
	id.MustValid()
	var err error
	runErr := c.run(ctx, func(context.Context) {
		inst, h, lookupErr := c.browserOf(id)
		if lookupErr != nil {
			err = lookupErr
			return
		}
		if !inst.Frames().Attach(h, b, reattached) {
			err = newError(CodeFrameNotFound, "frame "+id.String()+" is detached", nil)
		}
	})
	if runErr != nil {
		return runErr
	}
	return err
}

// FrameReplaced moves a logical frame to the engine object that replaced it.
// Its logical id, name, url and queued actions carry over.
func (c *Coordinator) FrameReplaced(ctx context.Context, old, current types.FrameIdentity, b frame.Binding) error {
	old.MustValid()
	current.MustValid()
	var err error
	runErr := c.run(ctx, func(context.Context) {
		inst, h, lookupErr := c.browserOf(old)
		if lookupErr != nil {
			err = lookupErr
			return
		}
		if h.IsAttached() {
			h.Disconnect()
		}
		inst.Frames().Reattach(h, current, b)
	})
	if runErr != nil {
		return runErr
	}
	return err
}

// FrameUpdated refreshes the cached url and name of a frame.
func (c *Coordinator) FrameUpdated(ctx context.Context, id types.FrameIdentity, url, name string) error {
	id.MustValid()
	var err error
	runErr := c.run(ctx, func(context.Context) {
		_, h, lookupErr := c.browserOf(id)
		if lookupErr != nil {
			err = lookupErr
			return
		}
		h.SetAttributes(url, name)
	})
	if runErr != nil {
		return runErr
	}
	return err
}

// FrameDeleted forgets a frame. Unknown frames are ignored.
func (c *Coordinator) FrameDeleted(ctx context.Context, id types.FrameIdentity) error {
	id.MustValid()
	return c.run(ctx, func(context.Context) {
		inst, _ := c.reg.FindByFrame(id)
		if inst == nil {
			slog.Debug("delete of unknown frame", "frame", id.String())
			return
		}
		inst.Frames().Remove(id)
	})
}

// FrameStateChanged reports a frame entering (cached) or leaving the
// back-forward cache.
func (c *Coordinator) FrameStateChanged(ctx context.Context, id types.FrameIdentity, cached bool) error {
	id.MustValid()
	return c.run(ctx, func(context.Context) {
		inst, _ := c.reg.FindByFrame(id)
		if inst == nil {
			slog.Debug("state change of unknown frame", "frame", id.String(), "cached", cached)
			return
		}
		inst.Frames().StateChanged(id, cached)
	})
}

// ProcessDestroyed cancels every owner query and popup tied to processID.
// Each cancelled query receives NotFound before ProcessDestroyed returns.
func (c *Coordinator) ProcessDestroyed(ctx context.Context, processID int32) (ProcessCleanup, error) {
	var out ProcessCleanup
	err := c.run(ctx, func(context.Context) {
		out.Requests = c.requests.OnProcessDestroyed(processID)
		cancelled := c.popups.CancelForProcess(processID)
		out.Popups = len(cancelled)
		c.publishCancelled(cancelled, "process_destroyed")
	})
	if err != nil {
		return out, err
	}
	slog.Info("engine process destroyed", "process_id", processID, "cancelled_requests", out.Requests, "cancelled_popups", out.Popups)
	c.publish(relay.KindProcessDestroyed, map[string]any{
		"process_id": processID,
		"requests":   out.Requests,
		"popups":     out.Popups,
	})
	return out, nil
}

// SendFrameAction delivers an action to a frame of browserID. An invalid id
// selects the main frame. queued reports that the frame has no live
// counterpart yet and the action waits for it. An unknown id in the main
// frame's process is a subframe ahead of the engine; it resolves to a
// temporary frame that drops the action.
func (c *Coordinator) SendFrameAction(ctx context.Context, browserID int, id types.FrameIdentity, name string, payload any) (bool, error) {
	if name == "" {
		return false, newError(CodeValidation, "action name is required", nil)
	}
	var (
		queued bool
		err    error
	)
	runErr := c.run(ctx, func(context.Context) {
		inst, ok := c.reg.Get(browserID)
		if !ok {
			err = newError(CodeBrowserNotFound, fmt.Sprintf("browser %d not found", browserID), nil)
			return
		}
		var h *frame.Handle
		if id.Valid() {
			h, _ = inst.Frames().Lookup(id)
		} else {
			h = inst.Frames().MainFrame()
		}
		if h == nil && id.Valid() {
			if main := inst.Frames().MainFrame(); main != nil && id.BelongsTo(main.Identity().ProcessID) {
				// A subframe of the page the engine has not reported yet.
				h = inst.Frames().CreateTemporary(main.Identity())
			}
		}
		if h == nil {
			err = newError(CodeFrameNotFound, fmt.Sprintf("frame %s not found in browser %d", id, browserID), nil)
			return
		}
		if h.IsTemporary() {
			h.SendAction(name, payload)
			err = newError(CodeFrameNotFound, fmt.Sprintf("frame %s in browser %d is not created yet", id, browserID), nil)
			return
		}
		attached := h.IsAttached()
		if !h.SendAction(name, payload) {
			err = newError(CodeFrameNotFound, fmt.Sprintf("frame %s is detached", h.Identity()), nil)
			return
		}
		queued = !attached
	})
	if runErr != nil {
		return false, runErr
	}
	return queued, err
}
