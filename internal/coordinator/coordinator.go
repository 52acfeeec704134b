// Package coordinator correlates engine lifecycle events with host requests.
//
// A Coordinator is the single context object shared by the engine adapter and
// the host surfaces. It owns the coordinating sequence, the browser registry,
// the pending popup tracker and the owner request table. Each caller sees it
// through the narrow interface it needs: EngineEvents, Queries or HostControl.
package coordinator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dgnsrekt/honeycomb/internal/frame"
	"github.com/dgnsrekt/honeycomb/internal/inforequest"
	"github.com/dgnsrekt/honeycomb/internal/popup"
	"github.com/dgnsrekt/honeycomb/internal/registry"
	"github.com/dgnsrekt/honeycomb/internal/relay"
	"github.com/dgnsrekt/honeycomb/internal/sequence"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

// EngineEvents is what the engine adapter may drive.
type EngineEvents interface {
	CanCreateWindow(ctx context.Context, req WindowRequest) (WindowDecision, error)
	CustomizeView(ctx context.Context, opener types.FrameIdentity, targetURL string) (ViewCustomization, error)
	SurfaceCreated(ctx context.Context, opener types.FrameIdentity, targetURL string, surface types.Surface) (popup.Disposition, error)
	AddSurface(ctx context.Context, surface types.SurfaceID, host BrowserHost) (BrowserInfo, bool, error)
	FrameCreated(ctx context.Context, browserID int, id, parent types.FrameIdentity, isMain bool) error
	GuestFrameCreated(ctx context.Context, browserID int, id types.FrameIdentity) error
	FrameAttached(ctx context.Context, id types.FrameIdentity, b frame.Binding, reattached bool) error
	FrameReplaced(ctx context.Context, old, current types.FrameIdentity, b frame.Binding) error
	FrameUpdated(ctx context.Context, id types.FrameIdentity, url, name string) error
	FrameDeleted(ctx context.Context, id types.FrameIdentity) error
	FrameStateChanged(ctx context.Context, id types.FrameIdentity, cached bool) error
	ProcessDestroyed(ctx context.Context, processID int32) (ProcessCleanup, error)
	BrowserClosed(ctx context.Context, browserID int) error
}

// Queries is what may ask which browser owns a frame.
type Queries interface {
	ResolveOwner(ctx context.Context, id types.FrameIdentity) (types.OwnerInfo, error)
	RequestOwner(id types.FrameIdentity) <-chan types.OwnerInfo
}

// HostControl is what the host application may drive.
type HostControl interface {
	CreateBrowser(ctx context.Context, opts BrowserOptions, host BrowserHost) (BrowserInfo, error)
	DestroyBrowser(ctx context.Context, browserID int) error
	DestroyAll(ctx context.Context) error
	SendFrameAction(ctx context.Context, browserID int, id types.FrameIdentity, name string, payload any) (queued bool, err error)
	Browsers(ctx context.Context) ([]BrowserInfo, error)
	Browser(ctx context.Context, browserID int) (BrowserInfo, error)
	PendingPopups(ctx context.Context) ([]PopupInfo, error)
	Stats(ctx context.Context) (Stats, error)
}

// BrowserHost is the engine-side object behind a browser.
type BrowserHost interface {
	Close(ctx context.Context) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(relay.Event)
}

// Config holds the coordinator settings.
type Config struct {
	Mode         popup.Mode
	// OwnerTimeout bounds how long an owner query waits for its frame. Zero
	// disables the timeout.
	OwnerTimeout time.Duration
	// CloseTimeout bounds BrowserHost.Close during teardown.
	CloseTimeout time.Duration
	Clock        clock.Clock
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Mode:         popup.ModeCustomView,
		OwnerTimeout: inforequest.DefaultTimeout,
		CloseTimeout: 5 * time.Second,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPopupHandler installs the host's popup decision handler.
func WithPopupHandler(h PopupHandler) Option {
	return func(c *Coordinator) { c.handler = h }
}

// WithPublisher installs the lifecycle event sink.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.pub = p }
}

// Coordinator is the shared context object.
type Coordinator struct {
	cfg      Config
	seq      *sequence.Sequence
	reg      *registry.Registry
	requests *inforequest.Table
	handler  PopupHandler
	pub      Publisher

	// Sequence confined.
	popups *popup.Tracker

	closing atomic.Bool
}

var (
	_ EngineEvents   = (*Coordinator)(nil)
	_ Queries        = (*Coordinator)(nil)
	_ HostControl    = (*Coordinator)(nil)
	_ frame.Observer = frameEvents{}
)

// New builds a coordinator. Call Start before use.
func New(cfg Config, opts ...Option) *Coordinator {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultConfig().CloseTimeout
	}
	c := &Coordinator{
		cfg:    cfg,
		seq:    sequence.New("coordinator", cfg.Clock),
		reg:    registry.New(),
		popups: popup.NewTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.requests = inforequest.New(c.seq, c.reg,
		inforequest.WithTimeout(cfg.OwnerTimeout),
		inforequest.WithExpiryHook(c.ownerTimedOut),
	)
	c.reg.SetResolver(c.requests)
	c.reg.SetFrameObserver(frameEvents{c})
	return c
}

// Start launches the coordinating sequence.
func (c *Coordinator) Start() {
	c.seq.Start()
	slog.Info("coordinator started", "embed_mode", c.cfg.Mode.String(), "owner_timeout", c.requests.Timeout())
}

// Stop tears down every browser, answers every outstanding owner query with
// NotFound and stops the sequence. New work is refused from the first call.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := c.run(ctx, func(context.Context) {
		c.reg.DestroyAll()
		if dropped := c.popups.Clear(); dropped > 0 {
			slog.Info("pending popups dropped at shutdown", "count", dropped)
		}
	})
	if n := c.requests.CancelAll(); n > 0 {
		slog.Info("owner queries cancelled at shutdown", "count", n)
	}
	c.seq.Stop()
	slog.Info("coordinator stopped")
	return err
}

// Sequence exposes the coordinating sequence to adapters that must post work
// on it.
func (c *Coordinator) Sequence() *sequence.Sequence { return c.seq }

// Mode returns the configured embedding mode.
func (c *Coordinator) Mode() popup.Mode { return c.cfg.Mode }

// run executes fn on the coordinating sequence and waits for it.
func (c *Coordinator) run(ctx context.Context, fn sequence.Task) error {
	return callError(c.seq.Call(ctx, fn))
}

func (c *Coordinator) now() time.Time { return c.seq.Clock().Now() }

func (c *Coordinator) publish(kind string, data any) {
	if c.pub == nil {
		return
	}
	c.pub.Publish(relay.NewEvent(kind, c.now(), data))
}

func (c *Coordinator) ownerTimedOut(id types.FrameIdentity, waited time.Duration) {
	c.publish(relay.KindOwnerTimeout, map[string]any{
		"frame":     id,
		"waited_ms": waited.Milliseconds(),
	})
}

// frameEvents forwards frame lifecycle notifications to the publisher.
type frameEvents struct{ c *Coordinator }

func (e frameEvents) FrameCreated(browserID int, h *frame.Handle) {
	slog.Debug("frame created", "browser_id", browserID, "frame", h.Identity().String(), "main", h.IsMain())
}

func (e frameEvents) FrameAttached(browserID int, h *frame.Handle, reattached bool) {
	e.c.publish(relay.KindFrameAttached, map[string]any{
		"browser_id": browserID,
		"frame_id":   h.LogicalID(),
		"frame":      h.Identity(),
		"main":       h.IsMain(),
		"reattached": reattached,
	})
}

func (e frameEvents) FrameDetached(browserID int, h *frame.Handle, reason frame.DetachReason) {
	e.c.publish(relay.KindFrameDetached, map[string]any{
		"browser_id": browserID,
		"frame_id":   h.LogicalID(),
		"frame":      h.Identity(),
		"reason":     reason.String(),
	})
}

func (e frameEvents) MainFrameChanged(browserID int, old, current *frame.Handle) {
	args := []any{"browser_id", browserID, "main_frame", current.Identity().String()}
	if old != nil {
		args = append(args, "previous", old.Identity().String())
	}
	slog.Debug("main frame changed", args...)
}
