package cdpengine

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
	"github.com/dgnsrekt/honeycomb/internal/popup"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

const (
	maxWindowOpens = 8
	windowOpenTTL  = 10 * time.Second
)

// windowOpen is the script-side view of a window.open call. It carries the
// name, features and gesture the target attach event does not.
type windowOpen struct {
	url         string
	name        string
	features    []string
	userGesture bool
	at          time.Time
}

func (e *Engine) onWindowOpen(sessionID target.SessionID, ev *page.EventWindowOpen) {
	p := e.pages[sessionID]
	if p == nil {
		return
	}
	now := e.seq.Clock().Now()
	list := pruneOpens(e.opens[p.targetID], now)
	list = append(list, windowOpen{
		url:         ev.URL,
		name:        ev.WindowName,
		features:    ev.WindowFeatures,
		userGesture: ev.UserGesture,
		at:          now,
	})
	if len(list) > maxWindowOpens {
		list = list[len(list)-maxWindowOpens:]
	}
	e.opens[p.targetID] = list
}

// takeWindowOpen removes the recorded window.open call matching url. A blank
// url takes the oldest record.
func (e *Engine) takeWindowOpen(opener target.ID, url string) (windowOpen, bool) {
	list := pruneOpens(e.opens[opener], e.seq.Clock().Now())
	idx := -1
	for i, w := range list {
		if w.url == url {
			idx = i
			break
		}
	}
	if idx < 0 && len(list) > 0 && (url == "" || url == "about:blank") {
		idx = 0
	}
	if idx < 0 {
		e.opens[opener] = list
		return windowOpen{}, false
	}
	w := list[idx]
	e.opens[opener] = append(list[:idx], list[idx+1:]...)
	return w, true
}

func pruneOpens(list []windowOpen, now time.Time) []windowOpen {
	kept := list[:0]
	for _, w := range list {
		if now.Sub(w.at) <= windowOpenTTL {
			kept = append(kept, w)
		}
	}
	return kept
}

// adoptPopup runs the popup workflow for a paused target with an opener. It
// reports whether the target should be resumed.
func (e *Engine) adoptPopup(ctx context.Context, p, opener *pageState, info *target.Info, tree *frameTree) bool {
	openerFrame := info.OpenerFrameID
	if _, ok := opener.frames[openerFrame]; !ok {
		openerFrame = opener.mainFrame
	}
	openerID := e.identity(opener, openerFrame)

	req := coordinator.WindowRequest{Opener: openerID, TargetURL: info.URL}
	if hint, ok := e.takeWindowOpen(opener.targetID, info.URL); ok {
		req.TargetURL = hint.url
		req.FrameName = hint.name
		req.UserGesture = hint.userGesture
		req.Features = parseFeatures(hint.features)
	}
	req.Kind = openKind(req.Features)

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	decision, err := e.coord.CanCreateWindow(callCtx, req)
	if err != nil {
		slog.Error("cdp popup decision failed", "target_id", p.targetID, "error", err)
		return true
	}
	if decision.Disposition == popup.Deny {
		slog.Info("cdp popup denied", "target_id", p.targetID, "opener", openerID.String(), "url", req.TargetURL)
		e.forget(p)
		if err := e.closeTarget(ctx, p.targetID); err != nil {
			slog.Warn("cdp close of denied popup failed", "target_id", p.targetID, "error", err)
		}
		return false
	}

	if e.coord.Mode() == popup.ModeCustomView {
		view, err := e.coord.CustomizeView(callCtx, openerID, req.TargetURL)
		if err != nil {
			slog.Warn("cdp popup view customization failed", "target_id", p.targetID, "error", err)
		} else {
			slog.Debug("cdp popup view", "popup_id", view.PopupID, "disposition", view.Disposition.String())
		}
	}

	surface := types.Surface{ID: types.SurfaceID(p.targetID), MainFrame: e.identity(p, tree.Frame.ID)}
	disp, err := e.coord.SurfaceCreated(callCtx, openerID, req.TargetURL, surface)
	if err != nil || disp != popup.AllowManaged {
		slog.Info("cdp popup falls back to default creation", "target_id", p.targetID, "disposition", disp.String(), "error", err)
		e.adoptPage(ctx, p, tree)
		return true
	}

	binfo, found, err := e.coord.AddSurface(callCtx, surface.ID, &pageHost{e: e, targetID: p.targetID})
	if err != nil || !found {
		slog.Warn("cdp popup surface was not claimed", "target_id", p.targetID, "error", err)
		e.adoptPage(ctx, p, tree)
		return true
	}
	e.adopted(p, binfo.ID)
	slog.Info("cdp popup adopted", "target_id", p.targetID, "browser_id", binfo.ID, "popup_id", decision.PopupID, "url", req.TargetURL)
	e.attachTree(ctx, p, tree, true)
	return true
}

// parseFeatures reads the window.open feature list, e.g.
// ["width=300", "height=200", "popup"].
func parseFeatures(list []string) popup.Features {
	var f popup.Features
	for _, item := range list {
		key, val, hasVal := strings.Cut(strings.TrimSpace(item), "=")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		switch key {
		case "left", "screenx":
			f.X = intFeature(val)
		case "top", "screeny":
			f.Y = intFeature(val)
		case "width", "innerwidth":
			f.Width = intFeature(val)
		case "height", "innerheight":
			f.Height = intFeature(val)
		case "popup":
			f.IsPopup = !hasVal || val == "" || val == "1" || strings.EqualFold(val, "yes") || strings.EqualFold(val, "true")
		}
	}
	if f.Width != nil || f.Height != nil {
		f.IsPopup = true
	}
	return f
}

func intFeature(val string) *int {
	n, err := strconv.Atoi(val)
	if err != nil {
		return nil
	}
	return &n
}

func openKind(f popup.Features) popup.OpenKind {
	if f.IsPopup {
		return popup.OpenPopup
	}
	return popup.OpenForegroundTab
}

