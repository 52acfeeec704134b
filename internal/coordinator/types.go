package coordinator

import (
	"context"
	"time"

	"github.com/dgnsrekt/honeycomb/internal/frame"
	"github.com/dgnsrekt/honeycomb/internal/popup"
	"github.com/dgnsrekt/honeycomb/internal/registry"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

// WindowRequest is the engine asking whether a new window may open.
type WindowRequest struct {
	Opener      types.FrameIdentity
	TargetURL   string
	FrameName   string
	Kind        popup.OpenKind
	UserGesture bool
	Features    popup.Features
}

// WindowDecision answers a WindowRequest.
type WindowDecision struct {
	Disposition        popup.Disposition
	PopupID            string
	TargetURL          string
	WindowInfo         popup.WindowInfo
	UseDefaultCreation bool
}

// ViewCustomization carries the data the engine needs to build a custom view
// for the popup surface.
type ViewCustomization struct {
	Disposition popup.Disposition
	PopupID     string
	WindowInfo  popup.WindowInfo
	Settings    types.Extra
}

// PopupRequest is handed to the host's PopupHandler.
type PopupRequest struct {
	OpenerBrowserID int
	Opener          types.FrameIdentity
	TargetURL       string
	FrameName       string
	Kind            popup.OpenKind
	UserGesture     bool
	Features        popup.Features
}

// PopupDecision is the host's answer. The zero value leaves the popup
// unhandled, which lets the engine create it with its default window.
type PopupDecision struct {
	Handled    bool
	Deny       bool
	Windowless bool
	Client     string
	Settings   types.Extra
	Extra      types.Extra
}

// PopupHandler decides whether script may open a window. It runs on the
// coordinating sequence and must not block.
type PopupHandler interface {
	BeforePopup(ctx context.Context, req PopupRequest) PopupDecision
}

// PopupHandlerFunc adapts a function to PopupHandler.
type PopupHandlerFunc func(ctx context.Context, req PopupRequest) PopupDecision

func (f PopupHandlerFunc) BeforePopup(ctx context.Context, req PopupRequest) PopupDecision {
	return f(ctx, req)
}

// BrowserOptions describes a host-created browser.
type BrowserOptions struct {
	Windowless bool
	Extra      types.Extra
	// MainFrame is registered right away when valid.
	MainFrame  types.FrameIdentity
}

// ProcessCleanup reports what a process death cancelled.
type ProcessCleanup struct {
	Requests int `json:"requests"`
	Popups   int `json:"popups"`
}

// FrameInfo describes one frame of a browser.
type FrameInfo struct {
	ID            int64               `json:"id"`
	Identity      types.FrameIdentity `json:"identity"`
	ParentID      int64               `json:"parent_id,omitempty"`
	Name          string              `json:"name,omitempty"`
	URL           string              `json:"url,omitempty"`
	IsMain        bool                `json:"is_main"`
	Focused       bool                `json:"focused"`
	Attached      bool                `json:"attached"`
	QueuedActions int                 `json:"queued_actions"`
}

// BrowserInfo describes one tracked browser.
type BrowserInfo struct {
	ID           int         `json:"id"`
	IsPopup      bool        `json:"is_popup"`
	IsWindowless bool        `json:"is_windowless"`
	Closing      bool        `json:"closing"`
	Extra        types.Extra `json:"extra,omitempty"`
	MainFrame    *FrameInfo  `json:"main_frame,omitempty"`
	Frames       []FrameInfo `json:"frames"`
}

// PopupInfo describes a pending popup workflow.
type PopupInfo struct {
	ID                 string              `json:"id"`
	Step               string              `json:"step"`
	Opener             types.FrameIdentity `json:"opener"`
	TargetURL          string              `json:"target_url"`
	SurfaceID          string              `json:"surface_id,omitempty"`
	Kind               string              `json:"kind,omitempty"`
	Windowless         bool                `json:"windowless"`
	UseDefaultCreation bool                `json:"use_default_creation"`
	CreatedAt          time.Time           `json:"created_at"`
}

// Stats is a point-in-time view of the coordinator's correlation state.
type Stats struct {
	Browsers        int                   `json:"browsers"`
	PendingPopups   int                   `json:"pending_popups"`
	PendingRequests []types.FrameIdentity `json:"pending_requests"`
	OwnerTimeoutMS  int64                 `json:"owner_timeout_ms"`
	EmbedMode       string                `json:"embed_mode"`
}

// frameInfo must run on the sequence.
func frameInfo(h *frame.Handle) FrameInfo {
	return FrameInfo{
		ID:            h.LogicalID(),
		Identity:      h.Identity(),
		ParentID:      h.ParentID(),
		Name:          h.Name(),
		URL:           h.URL(),
		IsMain:        h.IsMain(),
		Focused:       h.IsFocused(),
		Attached:      h.IsAttached(),
		QueuedActions: h.QueueLen(),
	}
}

// browserInfo must run on the sequence.
func browserInfo(inst *registry.Instance) BrowserInfo {
	info := BrowserInfo{
		ID:           inst.ID(),
		IsPopup:      inst.IsPopup(),
		IsWindowless: inst.IsWindowless(),
		Closing:      inst.IsClosing(),
		Extra:        inst.Extra(),
		Frames:       []FrameInfo{},
	}
	if main := inst.Frames().MainFrame(); main != nil {
		fi := frameInfo(main)
		info.MainFrame = &fi
	}
	for _, h := range inst.Frames().All() {
		info.Frames = append(info.Frames, frameInfo(h))
	}
	sortFrames(info.Frames)
	return info
}

func popupInfo(p popup.Pending) PopupInfo {
	return PopupInfo{
		ID:                 p.ID.String(),
		Step:               p.Step.String(),
		Opener:             p.Opener,
		TargetURL:          p.TargetURL,
		SurfaceID:          string(p.Surface.ID),
		Kind:               string(p.Payload.Kind),
		Windowless:         p.Payload.WindowInfo.Windowless,
		UseDefaultCreation: p.Payload.UseDefaultCreation,
		CreatedAt:          p.Created,
	}
}
