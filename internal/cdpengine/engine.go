// Package cdpengine drives the coordinator from a Chromium-family browser
// over the DevTools protocol.
//
// Every CDP event read from the browser socket is posted onto the adapter's
// own sequence and handled there in arrival order. The read loop itself never
// calls the coordinator, so a coordinator task waiting on a CDP response can
// not deadlock against event delivery.
//
// Frame identities are synthesized: the process part is a number interned per
// attached CDP session and the routing part is a number interned per CDP frame
// id. Both stay stable for the life of the session.
package cdpengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
	"github.com/dgnsrekt/honeycomb/internal/popup"
	"github.com/dgnsrekt/honeycomb/internal/sequence"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

// Coordinator is the part of the coordinator the adapter drives.
type Coordinator interface {
	coordinator.EngineEvents
	CreateBrowser(ctx context.Context, opts coordinator.BrowserOptions, host coordinator.BrowserHost) (coordinator.BrowserInfo, error)
	Mode() popup.Mode
}

// Options configures an Engine.
type Options struct {
	// CDPURL is the browser's HTTP debugging endpoint, e.g. http://127.0.0.1:9222.
	CDPURL      string
	// CallTimeout bounds one CDP round trip and one coordinator call.
	CallTimeout time.Duration
	Clock       clock.Clock
}

// Engine translates CDP target and page events into coordinator calls.
type Engine struct {
	opts  Options
	coord Coordinator
	conn  *conn
	seq   *sequence.Sequence

	// Sequence confined.
	pages       map[target.SessionID]*pageState
	byTarget    map[target.ID]*pageState
	routing     map[cdp.FrameID]int32
	opens       map[target.ID][]windowOpen
	waiters     map[target.ID][]chan int
	nextProcess int32
	nextRouting int32

	closed atomic.Bool
}

type pageState struct {
	session   target.SessionID
	targetID  target.ID
	processID int32
	browserID int
	mainFrame cdp.FrameID
	frames    map[cdp.FrameID]struct{}
}

// frameRef and frameTree are decoded locally so unknown enum values in newer
// browsers never fail the decode.
type frameRef struct {
	ID       cdp.FrameID `json:"id"`
	ParentID cdp.FrameID `json:"parentId"`
	Name     string      `json:"name"`
	URL      string      `json:"url"`
}

type frameTree struct {
	Frame       frameRef     `json:"frame"`
	ChildFrames []*frameTree `json:"childFrames"`
}

// New builds an engine adapter. Call Connect to start it.
func New(opts Options, coord Coordinator) *Engine {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	e := &Engine{
		opts:     opts,
		coord:    coord,
		seq:      sequence.New("cdp-events", opts.Clock),
		pages:    make(map[target.SessionID]*pageState),
		byTarget: make(map[target.ID]*pageState),
		routing:  make(map[cdp.FrameID]int32),
		opens:    make(map[target.ID][]windowOpen),
		waiters:  make(map[target.ID][]chan int),
	}
	e.conn = newConn(opts.CDPURL, e.enqueue)
	return e
}

// Connect dials the browser and turns on auto-attach. Page targets that
// already exist are attached by the browser right after.
func (e *Engine) Connect(ctx context.Context) error {
	if e.opts.CDPURL == "" {
		return coordinator.NewError(coordinator.CodeEngineUnavailable, "missing CDP URL", nil)
	}
	slog.Info("cdp engine connect start", "cdp_url", e.opts.CDPURL)
	e.seq.Start()

	if err := e.conn.connect(ctx); err != nil {
		return coordinator.NewError(coordinator.CodeEngineUnavailable, "connect to CDP failed", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	autoAttach := target.SetAutoAttach(true, true).WithFlatten(true)
	if err := e.conn.call(callCtx, "", target.CommandSetAutoAttach, autoAttach, nil); err != nil {
		e.conn.close()
		return coordinator.NewError(coordinator.CodeEngineUnavailable, "enable auto-attach failed", err)
	}

	if targets, err := e.conn.listTargets(ctx); err != nil {
		slog.Warn("cdp target survey failed", "error", err)
	} else {
		slog.Info("cdp engine connect ok", "cdp_url", e.opts.CDPURL, "pages", countPages(targets))
	}
	return nil
}

// Close stops event delivery and drops the browser socket.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.conn.close()
	e.seq.Stop()
	slog.Info("cdp engine closed")
	return nil
}

// Sessions reports how many page sessions are attached.
func (e *Engine) Sessions(ctx context.Context) (int, error) {
	var n int
	err := e.seq.Call(ctx, func(context.Context) { n = len(e.pages) })
	return n, err
}

// enqueue runs on the read loop.
func (e *Engine) enqueue(method string, sessionID target.SessionID, params json.RawMessage) {
	if e.closed.Load() {
		return
	}
	e.seq.Post(func(ctx context.Context) {
		e.handle(ctx, method, sessionID, params)
	})
}

func (e *Engine) handle(ctx context.Context, method string, sessionID target.SessionID, params json.RawMessage) {
	switch method {
	case cdproto.EventTargetAttachedToTarget:
		var ev target.EventAttachedToTarget
		if e.decode(method, params, &ev) && ev.TargetInfo != nil {
			e.onAttached(ctx, &ev)
		}
	case cdproto.EventTargetDetachedFromTarget:
		var ev target.EventDetachedFromTarget
		if e.decode(method, params, &ev) {
			e.onDetached(ctx, ev.SessionID)
		}
	case cdproto.EventTargetTargetCrashed:
		var ev target.EventTargetCrashed
		if e.decode(method, params, &ev) {
			if p := e.byTarget[ev.TargetID]; p != nil {
				e.onCrashed(ctx, p, ev.Status)
			}
		}
	case cdproto.EventInspectorTargetCrashed:
		if p := e.pages[sessionID]; p != nil {
			e.onCrashed(ctx, p, "crashed")
		}
	case cdproto.EventPageWindowOpen:
		var ev page.EventWindowOpen
		if e.decode(method, params, &ev) {
			e.onWindowOpen(sessionID, &ev)
		}
	case cdproto.EventPageFrameAttached:
		var ev page.EventFrameAttached
		if e.decode(method, params, &ev) {
			e.onFrameAttached(ctx, sessionID, ev.FrameID, ev.ParentFrameID)
		}
	case cdproto.EventPageFrameNavigated:
		var ev struct {
			Frame frameRef `json:"frame"`
		}
		if e.decode(method, params, &ev) {
			e.onFrameNavigated(ctx, sessionID, ev.Frame)
		}
	case cdproto.EventPageFrameDetached:
		var ev page.EventFrameDetached
		if e.decode(method, params, &ev) {
			e.onFrameDetached(ctx, sessionID, ev.FrameID, ev.Reason)
		}
	}
}

func (e *Engine) decode(method string, params json.RawMessage, out any) bool {
	if err := json.Unmarshal(params, out); err != nil {
		slog.Warn("cdp event decode failed", "method", method, "error", err)
		return false
	}
	return true
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.CallTimeout)
}

// identity interns frameID within p's process scope.
func (e *Engine) identity(p *pageState, frameID cdp.FrameID) types.FrameIdentity {
	if frameID == "" {
		return types.FrameIdentity{}
	}
	rid, ok := e.routing[frameID]
	if !ok {
		e.nextRouting++
		rid = e.nextRouting
		e.routing[frameID] = rid
	}
	return types.FrameIdentity{ProcessID: p.processID, RoutingID: rid}
}

func (e *Engine) onAttached(ctx context.Context, ev *target.EventAttachedToTarget) {
	info := ev.TargetInfo
	if info.Type != "page" {
		if ev.WaitingForDebugger {
			e.resume(ctx, ev.SessionID)
		}
		return
	}

	e.nextProcess++
	p := &pageState{
		session:   ev.SessionID,
		targetID:  info.TargetID,
		processID: e.nextProcess,
		frames:    make(map[cdp.FrameID]struct{}),
	}
	e.pages[p.session] = p
	e.byTarget[p.targetID] = p

	tree, err := e.preparePage(ctx, p)
	if err != nil {
		slog.Error("cdp page setup failed", "target_id", info.TargetID, "error", err)
		if ev.WaitingForDebugger {
			e.resume(ctx, p.session)
		}
		return
	}
	p.mainFrame = tree.Frame.ID

	opener := e.byTarget[info.OpenerID]
	if info.OpenerID != "" && opener != nil && opener.browserID != 0 {
		if !e.adoptPopup(ctx, p, opener, info, tree) {
			return
		}
	} else {
		e.adoptPage(ctx, p, tree)
	}
	if ev.WaitingForDebugger {
		e.resume(ctx, p.session)
	}
}

// preparePage enables the domains the adapter listens to and reads the
// initial frame tree.
func (e *Engine) preparePage(ctx context.Context, p *pageState) (*frameTree, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	if err := e.conn.call(callCtx, p.session, page.CommandEnable, page.Enable(), nil); err != nil {
		return nil, err
	}
	if err := e.conn.call(callCtx, p.session, inspector.CommandEnable, inspector.Enable(), nil); err != nil {
		return nil, err
	}
	var res struct {
		FrameTree *frameTree `json:"frameTree"`
	}
	if err := e.conn.call(callCtx, p.session, page.CommandGetFrameTree, page.GetFrameTree(), &res); err != nil {
		return nil, err
	}
	if res.FrameTree == nil || res.FrameTree.Frame.ID == "" {
		return nil, fmt.Errorf("cdp: empty frame tree")
	}
	return res.FrameTree, nil
}

// adoptPage registers a page the host did not open through a popup flow.
func (e *Engine) adoptPage(ctx context.Context, p *pageState, tree *frameTree) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	info, err := e.coord.CreateBrowser(callCtx, coordinator.BrowserOptions{
		MainFrame: e.identity(p, tree.Frame.ID),
		Extra: types.Extra{
			"target_id": string(p.targetID),
			"url":       tree.Frame.URL,
		},
	}, &pageHost{e: e, targetID: p.targetID})
	if err != nil {
		slog.Error("cdp page adoption failed", "target_id", p.targetID, "error", err)
		return
	}
	e.adopted(p, info.ID)
	slog.Info("cdp page adopted", "target_id", p.targetID, "browser_id", info.ID, "url", tree.Frame.URL)
	e.attachTree(ctx, p, tree, true)
}

// attachTree binds every frame of tree. The main frame is expected to be
// registered already.
func (e *Engine) attachTree(ctx context.Context, p *pageState, tree *frameTree, isMain bool) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	id := e.identity(p, tree.Frame.ID)
	if !isMain {
		parent := e.identity(p, tree.Frame.ParentID)
		if err := e.coord.FrameCreated(callCtx, p.browserID, id, parent, false); err != nil {
			slog.Warn("cdp frame register failed", "frame_id", tree.Frame.ID, "error", err)
			return
		}
	}
	p.frames[tree.Frame.ID] = struct{}{}
	e.bind(callCtx, p, tree.Frame.ID, id)
	if err := e.coord.FrameUpdated(callCtx, id, tree.Frame.URL, tree.Frame.Name); err != nil {
		slog.Debug("cdp frame update failed", "frame_id", tree.Frame.ID, "error", err)
	}
	for _, child := range tree.ChildFrames {
		if child.Frame.ParentID == "" {
			child.Frame.ParentID = tree.Frame.ID
		}
		e.attachTree(ctx, p, child, false)
	}
}

func (e *Engine) bind(ctx context.Context, p *pageState, frameID cdp.FrameID, id types.FrameIdentity) {
	b := &frameBinding{e: e, session: p.session, frameID: frameID, isMain: frameID == p.mainFrame}
	if err := e.coord.FrameAttached(ctx, id, b, false); err != nil {
		slog.Warn("cdp frame attach failed", "frame_id", frameID, "error", err)
	}
}

func (e *Engine) onFrameAttached(ctx context.Context, sessionID target.SessionID, frameID, parentID cdp.FrameID) {
	p := e.pages[sessionID]
	if p == nil || p.browserID == 0 {
		return
	}
	if _, known := p.frames[frameID]; known {
		return
	}
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	id := e.identity(p, frameID)
	if err := e.coord.FrameCreated(callCtx, p.browserID, id, e.identity(p, parentID), false); err != nil {
		slog.Warn("cdp frame register failed", "frame_id", frameID, "error", err)
		return
	}
	p.frames[frameID] = struct{}{}
	e.bind(callCtx, p, frameID, id)
}

func (e *Engine) onFrameNavigated(ctx context.Context, sessionID target.SessionID, f frameRef) {
	p := e.pages[sessionID]
	if p == nil || p.browserID == 0 {
		return
	}
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	id := e.identity(p, f.ID)
	if _, known := p.frames[f.ID]; !known {
		isMain := f.ParentID == ""
		if err := e.coord.FrameCreated(callCtx, p.browserID, id, e.identity(p, f.ParentID), isMain); err != nil {
			slog.Warn("cdp frame register failed", "frame_id", f.ID, "error", err)
			return
		}
		if isMain {
			p.mainFrame = f.ID
		}
		p.frames[f.ID] = struct{}{}
		e.bind(callCtx, p, f.ID, id)
	}
	if err := e.coord.FrameUpdated(callCtx, id, f.URL, f.Name); err != nil {
		slog.Debug("cdp frame update failed", "frame_id", f.ID, "error", err)
	}
}

func (e *Engine) onFrameDetached(ctx context.Context, sessionID target.SessionID, frameID cdp.FrameID, reason page.FrameDetachedReason) {
	p := e.pages[sessionID]
	if p == nil {
		return
	}
	if reason == page.FrameDetachedReasonSwap {
		// The frame moves to another target; its new session reports it.
		slog.Debug("cdp frame swapped out", "frame_id", frameID)
		return
	}
	if _, known := p.frames[frameID]; !known {
		return
	}
	delete(p.frames, frameID)

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	if err := e.coord.FrameDeleted(callCtx, e.identity(p, frameID)); err != nil {
		slog.Warn("cdp frame delete failed", "frame_id", frameID, "error", err)
	}
	delete(e.routing, frameID)
}

func (e *Engine) onDetached(ctx context.Context, sessionID target.SessionID) {
	p := e.pages[sessionID]
	if p == nil {
		return
	}
	e.forget(p)

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	if _, err := e.coord.ProcessDestroyed(callCtx, p.processID); err != nil {
		slog.Warn("cdp process cleanup failed", "target_id", p.targetID, "error", err)
	}
	if p.browserID == 0 {
		return
	}
	err := e.coord.BrowserClosed(callCtx, p.browserID)
	switch {
	case err == nil:
		slog.Info("cdp page closed", "target_id", p.targetID, "browser_id", p.browserID)
	case coordinator.ErrorCode(err) == coordinator.CodeBrowserNotFound:
		slog.Debug("cdp page closed after browser teardown", "target_id", p.targetID, "browser_id", p.browserID)
	default:
		slog.Warn("cdp browser close failed", "browser_id", p.browserID, "error", err)
	}
}

// onCrashed cancels the owner queries and popups tied to the dead renderer.
// The page keeps its process scope, so frames the engine reports again after
// a reload resolve to the same logical frames.
func (e *Engine) onCrashed(ctx context.Context, p *pageState, status string) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	cleanup, err := e.coord.ProcessDestroyed(callCtx, p.processID)
	if err != nil {
		slog.Warn("cdp process cleanup failed", "target_id", p.targetID, "error", err)
		return
	}
	slog.Warn("cdp renderer crashed", "target_id", p.targetID, "browser_id", p.browserID, "status", status,
		"cancelled_requests", cleanup.Requests, "cancelled_popups", cleanup.Popups)
}

// adopted records the browser behind p and wakes OpenPage callers.
func (e *Engine) adopted(p *pageState, browserID int) {
	p.browserID = browserID
	for _, ch := range e.waiters[p.targetID] {
		ch <- browserID
	}
	delete(e.waiters, p.targetID)
}

func (e *Engine) forget(p *pageState) {
	for _, ch := range e.waiters[p.targetID] {
		close(ch)
	}
	delete(e.waiters, p.targetID)
	delete(e.pages, p.session)
	delete(e.byTarget, p.targetID)
	delete(e.opens, p.targetID)
	for id := range p.frames {
		delete(e.routing, id)
	}
}

func (e *Engine) resume(ctx context.Context, sessionID target.SessionID) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	if err := e.conn.fire(callCtx, sessionID, runtime.CommandRunIfWaitingForDebugger, runtime.RunIfWaitingForDebugger()); err != nil {
		slog.Warn("cdp resume failed", "session_id", sessionID, "error", err)
	}
}

func (e *Engine) closeTarget(ctx context.Context, id target.ID) error {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.conn.call(callCtx, "", target.CommandCloseTarget, target.CloseTarget(id), nil)
}

func countPages(targets []*target.Info) int {
	n := 0
	for _, t := range targets {
		if t.Type == "page" {
			n++
		}
	}
	return n
}
