package cdpengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// Frame actions understood by the binding.
const (
	ActionLoadURL           = "load_url"
	ActionExecuteJavaScript = "execute_javascript"
	ActionSendMessage       = "send_message"
	ActionReload            = "reload"
)

// MessageEvent is the DOM event type that carries send_message payloads.
const MessageEvent = "honeycomb:message"

// frameBinding is the live counterpart of one CDP frame. Invoke runs on the
// coordinating sequence, so commands are sent without waiting for the reply.
type frameBinding struct {
	e       *Engine
	session target.SessionID
	frameID cdp.FrameID
	isMain  bool
}

func (b *frameBinding) Invoke(name string, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.e.opts.CallTimeout)
	defer cancel()

	switch name {
	case ActionLoadURL:
		url, err := stringArg(payload, "url")
		if err != nil {
			return err
		}
		return b.e.conn.fire(ctx, b.session, page.CommandNavigate, page.Navigate(url).WithFrameID(b.frameID))
	case ActionExecuteJavaScript:
		if !b.isMain {
			return fmt.Errorf("%s is only supported on the main frame", name)
		}
		code, err := stringArg(payload, "code")
		if err != nil {
			return err
		}
		return b.e.conn.fire(ctx, b.session, runtime.CommandEvaluate, runtime.Evaluate(code))
	case ActionSendMessage:
		if !b.isMain {
			return fmt.Errorf("%s is only supported on the main frame", name)
		}
		detail, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		expr := fmt.Sprintf("window.dispatchEvent(new CustomEvent(%q, {detail: %s}))", MessageEvent, detail)
		return b.e.conn.fire(ctx, b.session, runtime.CommandEvaluate, runtime.Evaluate(expr))
	case ActionReload:
		return b.e.conn.fire(ctx, b.session, page.CommandReload, page.Reload())
	default:
		return fmt.Errorf("unsupported frame action %q", name)
	}
}

func (b *frameBinding) Detached() {
	slog.Debug("cdp frame binding detached", "session_id", b.session, "frame_id", b.frameID)
}

// stringArg accepts either a bare string or an object holding key.
func stringArg(payload any, key string) (string, error) {
	switch v := payload.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]any:
		if s, ok := v[key].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("payload must be a string or an object with a %q string", key)
}

// pageHost closes the CDP target behind a browser.
type pageHost struct {
	e        *Engine
	targetID target.ID
}

func (h *pageHost) Close(ctx context.Context) error {
	if err := h.e.closeTarget(ctx, h.targetID); err != nil {
		return fmt.Errorf("close target %s: %w", h.targetID, err)
	}
	return nil
}
