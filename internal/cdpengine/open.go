package cdpengine

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
)

// OpenPage asks the browser for a new page and waits until the adapter has
// registered it. It returns the new browser id.
func (e *Engine) OpenPage(ctx context.Context, url string) (int, error) {
	if e.closed.Load() {
		return 0, coordinator.NewError(coordinator.CodeEngineUnavailable, "engine adapter is closed", nil)
	}
	if url == "" {
		url = "about:blank"
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	var res target.CreateTargetReturns
	if err := e.conn.call(callCtx, "", target.CommandCreateTarget, target.CreateTarget(url), &res); err != nil {
		return 0, coordinator.NewError(coordinator.CodeEngineUnavailable, "create target failed", err)
	}

	ch := make(chan int, 1)
	if err := e.seq.Call(ctx, func(context.Context) {
		if p := e.byTarget[res.TargetID]; p != nil && p.browserID != 0 {
			ch <- p.browserID
			return
		}
		e.waiters[res.TargetID] = append(e.waiters[res.TargetID], ch)
	}); err != nil {
		return 0, coordinator.NewError(coordinator.CodeEngineUnavailable, "engine adapter stopped", err)
	}

	select {
	case id, ok := <-ch:
		if !ok {
			return 0, coordinator.NewError(coordinator.CodeEngineUnavailable, fmt.Sprintf("target %s closed before registration", res.TargetID), nil)
		}
		return id, nil
	case <-ctx.Done():
		e.seq.Post(func(context.Context) { e.dropWaiter(res.TargetID, ch) })
		return 0, coordinator.NewError(coordinator.CodeTimeout, fmt.Sprintf("target %s was not registered in time", res.TargetID), ctx.Err())
	}
}

func (e *Engine) dropWaiter(id target.ID, ch chan int) {
	list := e.waiters[id]
	for i, w := range list {
		if w == ch {
			e.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}
