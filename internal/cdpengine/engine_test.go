package cdpengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
	"github.com/dgnsrekt/honeycomb/internal/popup"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

type harness struct {
	fake   *fakeBrowser
	coord  *coordinator.Coordinator
	engine *Engine
}

func newHarness(t *testing.T, opts ...coordinator.Option) *harness {
	t.Helper()
	fake := newFakeBrowser(t)

	coord := coordinator.New(coordinator.DefaultConfig(), opts...)
	coord.Start()

	engine := New(Options{CDPURL: fake.srv.URL, CallTimeout: 2 * time.Second}, coord)
	t.Cleanup(func() { _ = engine.Close() })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, engine.Connect(ctx))

	cmd := fake.waitCommand("Target.setAutoAttach", "")
	var params map[string]any
	require.NoError(t, json.Unmarshal(cmd.Params, &params))
	assert.Equal(t, true, params["autoAttach"])
	assert.Equal(t, true, params["waitForDebuggerOnStart"])
	assert.Equal(t, true, params["flatten"])

	return &harness{fake: fake, coord: coord, engine: engine}
}

func (h *harness) ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) attach(session, targetID, frameID, url string, extra map[string]any) {
	h.fake.setTree(session, frameID, url)
	info := map[string]any{
		"targetId":        targetID,
		"type":            "page",
		"title":           "",
		"url":             url,
		"attached":        true,
		"canAccessOpener": false,
	}
	for k, v := range extra {
		info[k] = v
	}
	h.fake.emit("Target.attachedToTarget", "", map[string]any{
		"sessionId":          session,
		"targetInfo":         info,
		"waitingForDebugger": true,
	})
}

func (h *harness) adoptFirstPage(t *testing.T) coordinator.BrowserInfo {
	t.Helper()
	h.attach("S1", "T1", "F1", "https://example.com/", nil)
	h.fake.waitCommand("Page.enable", "S1")
	h.fake.waitCommand("Page.getFrameTree", "S1")
	h.fake.waitCommand("Runtime.runIfWaitingForDebugger", "S1")

	browsers, err := h.coord.Browsers(h.ctx(t))
	require.NoError(t, err)
	require.Len(t, browsers, 1)
	return browsers[0]
}

func TestAttachedPageBecomesBrowser(t *testing.T) {
	h := newHarness(t)
	b := h.adoptFirstPage(t)

	assert.False(t, b.IsPopup)
	require.NotNil(t, b.MainFrame)
	assert.Equal(t, "https://example.com/", b.MainFrame.URL)
	assert.True(t, b.MainFrame.Attached)
	assert.Equal(t, "T1", b.Extra["target_id"])

	owner, err := h.coord.ResolveOwner(h.ctx(t), b.MainFrame.Identity)
	require.NoError(t, err)
	assert.Equal(t, b.ID, owner.BrowserID)

	n, err := h.engine.Sessions(h.ctx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPopupBecomesManagedBrowser(t *testing.T) {
	h := newHarness(t)
	opener := h.adoptFirstPage(t)

	h.fake.emit("Page.windowOpen", "S1", map[string]any{
		"url":            "https://example.com/popup",
		"windowName":     "child",
		"windowFeatures": []string{"width=300", "height=200"},
		"userGesture":    true,
	})
	h.attach("S2", "T2", "F2", "https://example.com/popup", map[string]any{
		"openerId":        "T1",
		"openerFrameId":   "F1",
		"canAccessOpener": true,
	})
	h.fake.waitCommand("Runtime.runIfWaitingForDebugger", "S2")

	browsers, err := h.coord.Browsers(h.ctx(t))
	require.NoError(t, err)
	require.Len(t, browsers, 2)
	child := browsers[1]
	assert.True(t, child.IsPopup)
	assert.NotEqual(t, opener.ID, child.ID)

	pending, err := h.coord.PendingPopups(h.ctx(t))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeniedPopupClosesTarget(t *testing.T) {
	deny := coordinator.PopupHandlerFunc(func(context.Context, coordinator.PopupRequest) coordinator.PopupDecision {
		return coordinator.PopupDecision{Handled: true, Deny: true}
	})
	h := newHarness(t, coordinator.WithPopupHandler(deny))
	h.adoptFirstPage(t)

	h.attach("S2", "T2", "F2", "https://ads.example.net/", map[string]any{"openerId": "T1"})
	cmd := h.fake.waitCommand("Target.closeTarget", "")
	var params map[string]any
	require.NoError(t, json.Unmarshal(cmd.Params, &params))
	assert.Equal(t, "T2", params["targetId"])
	h.fake.noCommand("Runtime.runIfWaitingForDebugger", "S2", 100*time.Millisecond)

	browsers, err := h.coord.Browsers(h.ctx(t))
	require.NoError(t, err)
	assert.Len(t, browsers, 1)
}

func TestFrameActionsReachTheSession(t *testing.T) {
	h := newHarness(t)
	b := h.adoptFirstPage(t)

	queued, err := h.coord.SendFrameAction(h.ctx(t), b.ID, types.FrameIdentity{}, ActionLoadURL, "https://example.com/next")
	require.NoError(t, err)
	assert.False(t, queued)

	cmd := h.fake.waitCommand("Page.navigate", "S1")
	var params map[string]any
	require.NoError(t, json.Unmarshal(cmd.Params, &params))
	assert.Equal(t, "https://example.com/next", params["url"])
	assert.Equal(t, "F1", params["frameId"])

	_, err = h.coord.SendFrameAction(h.ctx(t), b.ID, types.FrameIdentity{}, ActionSendMessage, map[string]any{"hello": "world"})
	require.NoError(t, err)
	cmd = h.fake.waitCommand("Runtime.evaluate", "S1")
	require.NoError(t, json.Unmarshal(cmd.Params, &params))
	assert.Contains(t, params["expression"], MessageEvent)
	assert.Contains(t, params["expression"], `{"hello":"world"}`)
}

func TestSubframeAndDetach(t *testing.T) {
	h := newHarness(t)
	b := h.adoptFirstPage(t)

	h.fake.emit("Page.frameAttached", "S1", map[string]any{"frameId": "F9", "parentFrameId": "F1"})
	require.Eventually(t, func() bool {
		info, err := h.coord.Browser(h.ctx(t), b.ID)
		return err == nil && len(info.Frames) == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.fake.emit("Page.frameDetached", "S1", map[string]any{"frameId": "F9", "reason": "remove"})
	require.Eventually(t, func() bool {
		info, err := h.coord.Browser(h.ctx(t), b.ID)
		return err == nil && len(info.Frames) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.fake.emit("Target.detachedFromTarget", "", map[string]any{"sessionId": "S1", "targetId": "T1"})
	require.Eventually(t, func() bool {
		list, err := h.coord.Browsers(h.ctx(t))
		return err == nil && len(list) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCrashKeepsFrameOwnership(t *testing.T) {
	h := newHarness(t)
	b := h.adoptFirstPage(t)

	h.fake.emit("Inspector.targetCrashed", "S1", map[string]any{})
	h.fake.emit("Page.frameNavigated", "S1", map[string]any{
		"frame": map[string]any{"id": "F1", "url": "https://example.com/reloaded"},
	})
	require.Eventually(t, func() bool {
		info, err := h.coord.Browser(h.ctx(t), b.ID)
		return err == nil && info.MainFrame != nil && info.MainFrame.URL == "https://example.com/reloaded"
	}, 2*time.Second, 10*time.Millisecond)

	owner, err := h.coord.ResolveOwner(h.ctx(t), b.MainFrame.Identity)
	require.NoError(t, err)
	assert.Equal(t, b.ID, owner.BrowserID)

	browsers, err := h.coord.Browsers(h.ctx(t))
	require.NoError(t, err)
	assert.Len(t, browsers, 1)
}

func TestDestroyBrowserClosesTarget(t *testing.T) {
	h := newHarness(t)
	b := h.adoptFirstPage(t)

	require.NoError(t, h.coord.DestroyBrowser(h.ctx(t), b.ID))
	cmd := h.fake.waitCommand("Target.closeTarget", "")
	assert.Contains(t, string(cmd.Params), `"T1"`)
}

func TestOpenPageWaitsForAdoption(t *testing.T) {
	h := newHarness(t)

	type result struct {
		id  int
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := h.engine.OpenPage(h.ctx(t), "https://example.com/new")
		done <- result{id, err}
	}()

	cmd := h.fake.waitCommand("Target.createTarget", "")
	assert.Contains(t, string(cmd.Params), "https://example.com/new")
	h.attach("S7", "T7", "F7", "https://example.com/new", nil)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		b, err := h.coord.Browser(h.ctx(t), r.id)
		require.NoError(t, err)
		assert.Equal(t, "T7", b.Extra["target_id"])
	case <-time.After(3 * time.Second):
		t.Fatal("OpenPage did not return")
	}
}

func TestParseFeatures(t *testing.T) {
	f := parseFeatures([]string{"left=10", " top = 20 ", "width=300", "height=abc"})
	require.NotNil(t, f.X)
	require.NotNil(t, f.Y)
	require.NotNil(t, f.Width)
	assert.Equal(t, 10, *f.X)
	assert.Equal(t, 20, *f.Y)
	assert.Equal(t, 300, *f.Width)
	assert.Nil(t, f.Height)
	assert.True(t, f.IsPopup)
	assert.Equal(t, popup.OpenPopup, openKind(f))

	tab := parseFeatures([]string{"noopener"})
	assert.False(t, tab.IsPopup)
	assert.Equal(t, popup.OpenForegroundTab, openKind(tab))

	assert.True(t, parseFeatures([]string{"popup"}).IsPopup)
	assert.False(t, parseFeatures([]string{"popup=no"}).IsPopup)
}

func TestStringArg(t *testing.T) {
	got, err := stringArg(map[string]any{"url": "https://a"}, "url")
	require.NoError(t, err)
	assert.Equal(t, "https://a", got)

	_, err = stringArg(42, "url")
	assert.Error(t, err)
}
