package coordinator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/honeycomb/internal/popup"
	"github.com/dgnsrekt/honeycomb/internal/relay"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

// FilterURL rewrites targets the engine will not load as given. The engine
// turns "javascript:" popups into about:blank before the later steps run, so
// every step applies the same rewrite to keep the correlation key stable.
func FilterURL(raw string) string {
	u := strings.TrimSpace(raw)
	if len(u) >= len("javascript:") && strings.EqualFold(u[:len("javascript:")], "javascript:") {
		return "about:blank"
	}
	return u
}

// CanCreateWindow runs the decision step. A refused window is never queued,
// so it can not later fall through to default creation.
func (c *Coordinator) CanCreateWindow(ctx context.Context, req WindowRequest) (WindowDecision, error) {
	req.Opener.MustValid()
	out := WindowDecision{Disposition: popup.Deny, TargetURL: FilterURL(req.TargetURL)}

	err := c.run(ctx, func(ctx context.Context) {
		if c.closing.Load() {
			slog.Warn("window refused, coordinator closing", "opener", req.Opener.String())
			return
		}
		opener, _ := c.reg.FindByFrame(req.Opener)
		if opener == nil || opener.IsClosing() {
			slog.Warn("window refused, opener has no live browser", "opener", req.Opener.String(), "url", req.TargetURL)
			return
		}

		payload := popup.Payload{
			Kind:        req.Kind,
			UserGesture: req.UserGesture,
			Features:    req.Features,
		}
		// Picture-in-picture always uses the engine's own window.
		payload.UseDefaultCreation = req.Kind == popup.OpenPictureInPicture

		decision := PopupDecision{}
		if c.handler != nil {
			decision = c.handler.BeforePopup(ctx, PopupRequest{
				OpenerBrowserID: opener.ID(),
				Opener:          req.Opener,
				TargetURL:       req.TargetURL,
				FrameName:       req.FrameName,
				Kind:            req.Kind,
				UserGesture:     req.UserGesture,
				Features:        req.Features,
			})
		}
		if decision.Handled && decision.Deny {
			slog.Info("window denied by host", "browser_id", opener.ID(), "url", req.TargetURL)
			return
		}
		if !decision.Handled {
			payload.UseDefaultCreation = true
		}
		payload.WindowInfo = popup.WindowInfoFromFeatures(req.Features, decision.Windowless)
		payload.Client = decision.Client
		payload.Settings = decision.Settings.Clone()
		payload.Extra = decision.Extra.Clone()

		p := popup.New(req.Opener, out.TargetURL, payload, c.now())
		c.popups.Push(p)
		c.publishStep(p)

		out = WindowDecision{
			Disposition:        popup.AllowManaged,
			PopupID:            p.ID.String(),
			TargetURL:          p.TargetURL,
			WindowInfo:         payload.WindowInfo,
			UseDefaultCreation: payload.UseDefaultCreation,
		}
	})
	return out, err
}

// CustomizeView runs the view customization step. It is only used in
// custom view mode. A missing popup answers DefaultCreation.
func (c *Coordinator) CustomizeView(ctx context.Context, opener types.FrameIdentity, targetURL string) (ViewCustomization, error) {
	opener.MustValid()
	if c.cfg.Mode != popup.ModeCustomView {
		return ViewCustomization{}, newError(CodeValidation, "view customization is not used in "+c.cfg.Mode.String()+" mode", nil)
	}
	out := ViewCustomization{Disposition: popup.DefaultCreation}

	err := c.run(ctx, func(context.Context) {
		p := c.popups.Pop(popup.StepDecision, popup.OpenerKey(opener, FilterURL(targetURL)))
		if p == nil {
			slog.Warn("no pending popup for view customization, using default creation", "opener", opener.String(), "url", targetURL)
			return
		}
		p.Advance(popup.StepViewCustomization)
		c.popups.Push(p)
		c.publishStep(p)

		out = ViewCustomization{
			Disposition: popup.AllowManaged,
			PopupID:     p.ID.String(),
			WindowInfo:  p.Payload.WindowInfo,
			Settings:    p.Payload.Settings.Clone(),
		}
	})
	return out, err
}

// SurfaceCreated moves the popup to the surface key once the engine has
// materialized the surface. A missing popup answers DefaultCreation.
func (c *Coordinator) SurfaceCreated(ctx context.Context, opener types.FrameIdentity, targetURL string, surface types.Surface) (popup.Disposition, error) {
	opener.MustValid()
	surface.MainFrame.MustValid()
	if surface.ID == "" {
		return popup.Deny, newError(CodeValidation, "surface id is required", nil)
	}
	out := popup.DefaultCreation

	err := c.run(ctx, func(context.Context) {
		step := c.cfg.Mode.AwaitingSurface()
		p := c.popups.Pop(step, popup.OpenerKey(opener, FilterURL(targetURL)))
		if p == nil {
			slog.Warn("no pending popup for new surface, using default creation", "opener", opener.String(), "url", targetURL, "surface", surface.ID, "step", step.String())
			return
		}
		p.AttachSurface(surface)
		c.popups.Push(p)
		c.publishStep(p)
		out = popup.AllowManaged
	})
	return out, err
}

// AddSurface consumes the popup waiting on surface and creates its browser.
// It reports false when no popup was waiting.
func (c *Coordinator) AddSurface(ctx context.Context, surface types.SurfaceID, host BrowserHost) (BrowserInfo, bool, error) {
	if surface == "" {
		return BrowserInfo{}, false, newError(CodeValidation, "surface id is required", nil)
	}
	var (
		out   BrowserInfo
		found bool
	)
	err := c.run(ctx, func(context.Context) {
		p := c.popups.Pop(popup.StepSurfaceCreated, popup.SurfaceKey(surface))
		if p == nil {
			slog.Debug("surface has no pending popup", "surface", surface)
			return
		}
		inst := c.reg.CreatePopup(p.Surface, p.Payload.WindowInfo.Windowless, p.Payload.Extra)
		inst.SetHost(&teardown{c: c, inst: inst, host: host})
		out, found = browserInfo(inst), true

		c.publish(relay.KindBrowserCreated, map[string]any{
			"browser_id":           inst.ID(),
			"popup_id":             p.ID.String(),
			"opener":               p.Opener,
			"url":                  p.TargetURL,
			"surface_id":           string(surface),
			"windowless":           inst.IsWindowless(),
			"use_default_creation": p.Payload.UseDefaultCreation,
			"is_popup":             true,
		})
	})
	return out, found, err
}

func (c *Coordinator) publishStep(p *popup.Pending) {
	slog.Debug("popup step", "popup_id", p.ID, "step", p.Step.String(), "opener", p.Opener.String(), "url", p.TargetURL)
	c.publish(relay.KindPopupStep, popupInfo(*p))
}

func (c *Coordinator) publishCancelled(cancelled []*popup.Pending, reason string) {
	for _, p := range cancelled {
		info := popupInfo(*p)
		c.publish(relay.KindPopupCancelled, map[string]any{
			"popup":  info,
			"reason": reason,
		})
	}
}
