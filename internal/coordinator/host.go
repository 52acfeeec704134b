package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/honeycomb/internal/frame"
	"github.com/dgnsrekt/honeycomb/internal/registry"
	"github.com/dgnsrekt/honeycomb/internal/relay"
	"github.com/dgnsrekt/honeycomb/internal/sequence"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

// teardown is the registry.Host of every coordinator-created browser.
type teardown struct {
	c    *Coordinator
	inst *registry.Instance
	host BrowserHost
}

func (t *teardown) Teardown() {
	t.c.destroy(t.inst, t.host, "host")
}

// destroy closes the engine side when host is set, detaches every frame and
// removes the browser. Sequence only.
func (c *Coordinator) destroy(inst *registry.Instance, host BrowserHost, cause string) {
	inst.SetClosing()
	if host != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		if err := host.Close(ctx); err != nil {
			slog.Warn("engine browser close failed", "browser_id", inst.ID(), "error", err)
		}
		cancel()
	}
	detached := inst.Frames().DetachAll(frame.BrowserDestroyed)
	inst.SetHost(nil)
	c.reg.Remove(inst)

	slog.Info("browser destroyed", "browser_id", inst.ID(), "frames", detached, "cause", cause)
	c.publish(relay.KindBrowserDestroyed, map[string]any{
		"browser_id": inst.ID(),
		"is_popup":   inst.IsPopup(),
		"cause":      cause,
	})
}

// CreateBrowser registers a host-created browser.
func (c *Coordinator) CreateBrowser(ctx context.Context, opts BrowserOptions, host BrowserHost) (BrowserInfo, error) {
	if c.closing.Load() {
		return BrowserInfo{}, newError(CodeShuttingDown, "coordinator is closing", nil)
	}
	var out BrowserInfo
	err := c.run(ctx, func(context.Context) {
		inst := c.reg.Create(false, opts.Windowless, opts.Extra)
		inst.SetHost(&teardown{c: c, inst: inst, host: host})
		if opts.MainFrame.Valid() {
			inst.Frames().Register(opts.MainFrame, types.FrameIdentity{}, true)
			c.requests.Resolve(opts.MainFrame, inst, false)
		}
		out = browserInfo(inst)
		c.publish(relay.KindBrowserCreated, map[string]any{
			"browser_id": inst.ID(),
			"windowless": inst.IsWindowless(),
			"is_popup":   false,
		})
	})
	return out, err
}

// DestroyBrowser tears down one browser, closing its engine side.
func (c *Coordinator) DestroyBrowser(ctx context.Context, browserID int) error {
	var err error
	runErr := c.run(ctx, func(context.Context) {
		inst, ok := c.reg.Get(browserID)
		if !ok {
			err = newError(CodeBrowserNotFound, fmt.Sprintf("browser %d not found", browserID), nil)
			return
		}
		if h := inst.Host(); h != nil {
			h.Teardown()
			return
		}
		c.destroy(inst, nil, "host")
	})
	if runErr != nil {
		return runErr
	}
	return err
}

// BrowserClosed removes a browser whose engine side already went away.
func (c *Coordinator) BrowserClosed(ctx context.Context, browserID int) error {
	var err error
	runErr := c.run(ctx, func(context.Context) {
		inst, ok := c.reg.Get(browserID)
		if !ok {
			err = newError(CodeBrowserNotFound, fmt.Sprintf("browser %d not found", browserID), nil)
			return
		}
		c.destroy(inst, nil, "engine")
	})
	if runErr != nil {
		return runErr
	}
	return err
}

// DestroyAll tears down every browser.
func (c *Coordinator) DestroyAll(ctx context.Context) error {
	return c.run(ctx, func(context.Context) {
		c.reg.DestroyAll()
	})
}

// Browsers lists the tracked browsers in creation order.
func (c *Coordinator) Browsers(ctx context.Context) ([]BrowserInfo, error) {
	var out []BrowserInfo
	err := c.run(ctx, func(context.Context) {
		list := c.reg.List()
		out = make([]BrowserInfo, 0, len(list))
		for _, inst := range list {
			out = append(out, browserInfo(inst))
		}
	})
	return out, err
}

// Browser describes one browser.
func (c *Coordinator) Browser(ctx context.Context, browserID int) (BrowserInfo, error) {
	var (
		out BrowserInfo
		err error
	)
	runErr := c.run(ctx, func(context.Context) {
		inst, ok := c.reg.Get(browserID)
		if !ok {
			err = newError(CodeBrowserNotFound, fmt.Sprintf("browser %d not found", browserID), nil)
			return
		}
		out = browserInfo(inst)
	})
	if runErr != nil {
		return out, runErr
	}
	return out, err
}

// PendingPopups lists the popup workflows in flight.
func (c *Coordinator) PendingPopups(ctx context.Context) ([]PopupInfo, error) {
	var out []PopupInfo
	err := c.run(ctx, func(context.Context) {
		snap := c.popups.Snapshot()
		out = make([]PopupInfo, 0, len(snap))
		for _, p := range snap {
			out = append(out, popupInfo(p))
		}
	})
	return out, err
}

// Stats summarizes the correlation state.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	out := Stats{
		OwnerTimeoutMS: c.requests.Timeout().Milliseconds(),
		EmbedMode:      c.cfg.Mode.String(),
	}
	err := c.run(ctx, func(context.Context) {
		out.Browsers = c.reg.Len()
		out.PendingPopups = c.popups.Len()
	})
	out.PendingRequests = c.requests.Pending()
	return out, err
}

// ResolveOwner waits for the browser owning id. It answers NotFound after the
// owner timeout, when the frame's process dies, or when a newer query for the
// same frame replaces this one. Tasks on the coordinating sequence must use
// RequestOwnerFunc instead.
func (c *Coordinator) ResolveOwner(ctx context.Context, id types.FrameIdentity) (types.OwnerInfo, error) {
	if !id.Valid() {
		return types.NotFound(), newError(CodeValidation, "invalid frame identity "+id.String(), nil)
	}
	if c.closing.Load() {
		return types.NotFound(), newError(CodeShuttingDown, "coordinator is closing", nil)
	}
	if sequence.IsCurrent(ctx, c.seq) {
		if inst, isGuest := c.reg.FindByFrame(id); inst != nil {
			return inst.OwnerInfo(isGuest), nil
		}
		return types.NotFound(), newError(CodeValidation, "owner query would block the coordinating sequence", nil)
	}
	info, err := c.requests.Await(ctx, id)
	if err != nil {
		return info, callError(err)
	}
	return info, nil
}

// RequestOwner asks for the browser owning id. The channel receives exactly
// one answer.
func (c *Coordinator) RequestOwner(id types.FrameIdentity) <-chan types.OwnerInfo {
	return c.requests.Request(id)
}

// RequestOwnerFunc asks for the browser owning id and runs fn with the answer
// on runner.
func (c *Coordinator) RequestOwnerFunc(ctx context.Context, id types.FrameIdentity, runner *sequence.Sequence, fn func(types.OwnerInfo)) {
	c.requests.RequestFunc(ctx, id, runner, fn)
}
