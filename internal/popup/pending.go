// Package popup tracks window-open workflows while they move from the
// initial decision to a materialized surface.
package popup

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/honeycomb/internal/types"
)

// Step is the stage a pending popup is waiting in.
type Step int

const (
	// StepDecision: the host was asked whether the window may open.
	StepDecision Step = iota
	// StepViewCustomization: the host may supply its own view for the surface.
	StepViewCustomization
	// StepSurfaceCreated: the engine materialized the surface; waiting for it
	// to be added as a browser.
	StepSurfaceCreated
)

func (s Step) String() string {
	switch s {
	case StepDecision:
		return "DECISION"
	case StepViewCustomization:
		return "VIEW_CUSTOMIZATION"
	case StepSurfaceCreated:
		return "SURFACE_CREATED"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// Mode is the host's embedding mode.
type Mode int

const (
	// ModeCustomView passes every popup through StepViewCustomization.
	ModeCustomView Mode = iota
	// ModeDefaultView goes straight from StepDecision to StepSurfaceCreated.
	ModeDefaultView
)

func (m Mode) String() string {
	if m == ModeDefaultView {
		return "default_view"
	}
	return "custom_view"
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "custom_view":
		return ModeCustomView, nil
	case "default_view":
		return ModeDefaultView, nil
	default:
		return 0, fmt.Errorf("unknown embed mode %q", s)
	}
}

// AwaitingSurface is the step a popup waits in once the host decided and,
// in custom mode, customized the view.
func (m Mode) AwaitingSurface() Step {
	if m == ModeCustomView {
		return StepViewCustomization
	}
	return StepDecision
}

// Disposition is the outcome of the decision step.
type Disposition int

const (
	// Deny: the host refused the window. The engine must not create it.
	Deny Disposition = iota
	// AllowManaged: the window opens and becomes a tracked popup browser.
	AllowManaged
	// DefaultCreation: the coordinator has no workflow for the window and the
	// engine creates it unmanaged.
	DefaultCreation
)

func (d Disposition) String() string {
	switch d {
	case Deny:
		return "deny"
	case AllowManaged:
		return "allow"
	case DefaultCreation:
		return "default"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// OpenKind is how the engine wants to show the new window.
type OpenKind string

const (
	OpenForegroundTab    OpenKind = "new_foreground_tab"
	OpenBackgroundTab    OpenKind = "new_background_tab"
	OpenPopup            OpenKind = "new_popup"
	OpenWindow           OpenKind = "new_window"
	OpenPictureInPicture OpenKind = "new_picture_in_picture"
)

// Features are the window features requested by script.
type Features struct {
	X, Y          *int
	Width, Height *int
	IsPopup       bool
}

// WindowInfo is the platform handoff data for the new window.
type WindowInfo struct {
	X, Y          int
	Width, Height int
	IsPopup       bool
	Windowless    bool
}

// WindowInfoFromFeatures copies the requested geometry into a window info.
func WindowInfoFromFeatures(f Features, windowless bool) WindowInfo {
	wi := WindowInfo{IsPopup: f.IsPopup, Windowless: windowless}
	if f.X != nil {
		wi.X = *f.X
	}
	if f.Y != nil {
		wi.Y = *f.Y
	}
	if f.Width != nil {
		wi.Width = *f.Width
	}
	if f.Height != nil {
		wi.Height = *f.Height
	}
	return wi
}

// Payload is the data handed from one step to the next.
type Payload struct {
	Kind        OpenKind
	UserGesture bool
	Features    Features
	WindowInfo  WindowInfo
	Settings    types.Extra
	Client      string
	Extra       types.Extra

	// UseDefaultCreation asks the engine to build the surface itself even
	// though the popup is tracked.
	UseDefaultCreation bool
}

// Key correlates a pending popup with the engine event that advances it.
type Key struct {
	Opener    types.FrameIdentity
	TargetURL string
	Surface   types.SurfaceID
}

// OpenerKey is the key used before a surface exists.
func OpenerKey(opener types.FrameIdentity, targetURL string) Key {
	opener.MustValid()
	return Key{Opener: opener, TargetURL: targetURL}
}

// SurfaceKey is the key used once the surface exists.
func SurfaceKey(id types.SurfaceID) Key {
	if id == "" {
		panic("popup: empty surface id")
	}
	return Key{Surface: id}
}

// Pending is one in-flight popup workflow. The tracker owns it until Pop.
type Pending struct {
	ID        uuid.UUID
	Step      Step
	Opener    types.FrameIdentity
	TargetURL string
	Surface   types.Surface
	Payload   Payload
	Created   time.Time
}

// New starts a workflow at StepDecision.
func New(opener types.FrameIdentity, targetURL string, payload Payload, now time.Time) *Pending {
	opener.MustValid()
	return &Pending{
		ID:        uuid.New(),
		Step:      StepDecision,
		Opener:    opener,
		TargetURL: targetURL,
		Payload:   payload,
		Created:   now,
	}
}

// Key returns the correlation key for the popup's current step.
func (p *Pending) Key() Key {
	if p.Step == StepSurfaceCreated {
		return SurfaceKey(p.Surface.ID)
	}
	return OpenerKey(p.Opener, p.TargetURL)
}

// Advance moves the popup forward. Steps never go backwards.
func (p *Pending) Advance(next Step) {
	if next <= p.Step {
		panic(fmt.Sprintf("popup: cannot move %s from %s to %s", p.ID, p.Step, next))
	}
	p.Step = next
}

// AttachSurface records the materialized surface and moves to
// StepSurfaceCreated.
func (p *Pending) AttachSurface(s types.Surface) {
	if s.ID == "" {
		panic("popup: empty surface id")
	}
	p.Surface = s
	p.Advance(StepSurfaceCreated)
}
