package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

// Coordinator is the coordinator surface the service drives.
type Coordinator interface {
	coordinator.HostControl
	coordinator.Queries
}

// PageOpener opens a new engine page and returns its browser id.
type PageOpener interface {
	OpenPage(ctx context.Context, url string) (int, error)
}

// Service validates host input before it reaches the coordinator.
type Service struct {
	coord  Coordinator
	opener PageOpener
}

// NewService builds a service. opener may be nil when no engine is attached.
func NewService(coord Coordinator, opener PageOpener) *Service {
	return &Service{coord: coord, opener: opener}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return coordinator.NewError(coordinator.CodeValidation, fieldName+" is required", nil)
	}
	return nil
}

func (s *Service) requireBrowserID(id int) error {
	if id <= 0 {
		return coordinator.NewError(coordinator.CodeValidation, fmt.Sprintf("browser_id must be positive, got %d", id), nil)
	}
	return nil
}

// frameIdentity accepts both parts or neither. Neither selects the main frame.
func (s *Service) frameIdentity(processID, routingID int32) (types.FrameIdentity, error) {
	id := types.FrameIdentity{ProcessID: processID, RoutingID: routingID}
	if processID == 0 && routingID == 0 {
		return id, nil
	}
	if !id.Valid() {
		return id, coordinator.NewError(coordinator.CodeValidation, "frame identity "+id.String()+" is invalid", nil)
	}
	return id, nil
}

func (s *Service) ListBrowsers(ctx context.Context) ([]coordinator.BrowserInfo, error) {
	return s.coord.Browsers(ctx)
}

func (s *Service) GetBrowser(ctx context.Context, browserID int) (coordinator.BrowserInfo, error) {
	if err := s.requireBrowserID(browserID); err != nil {
		return coordinator.BrowserInfo{}, err
	}
	return s.coord.Browser(ctx, browserID)
}

// OpenBrowser opens a page in the engine and returns the browser created
// for it.
func (s *Service) OpenBrowser(ctx context.Context, url string) (coordinator.BrowserInfo, error) {
	if err := s.requireNonEmpty(url, "url"); err != nil {
		return coordinator.BrowserInfo{}, err
	}
	if s.opener == nil {
		return coordinator.BrowserInfo{}, coordinator.NewError(coordinator.CodeEngineUnavailable, "no engine attached", nil)
	}
	id, err := s.opener.OpenPage(ctx, strings.TrimSpace(url))
	if err != nil {
		return coordinator.BrowserInfo{}, err
	}
	return s.coord.Browser(ctx, id)
}

func (s *Service) CloseBrowser(ctx context.Context, browserID int) error {
	if err := s.requireBrowserID(browserID); err != nil {
		return err
	}
	return s.coord.DestroyBrowser(ctx, browserID)
}

func (s *Service) CloseAll(ctx context.Context) error {
	return s.coord.DestroyAll(ctx)
}

// ResolveOwner waits for the browser owning the frame. A frame no browser
// claims in time answers with the not-found owner and no error.
func (s *Service) ResolveOwner(ctx context.Context, processID, routingID int32) (types.OwnerInfo, error) {
	id := types.FrameIdentity{ProcessID: processID, RoutingID: routingID}
	if !id.Valid() {
		return types.NotFound(), coordinator.NewError(coordinator.CodeValidation, "frame identity "+id.String()+" is invalid", nil)
	}
	return s.coord.ResolveOwner(ctx, id)
}

func (s *Service) SendFrameAction(ctx context.Context, browserID int, processID, routingID int32, action string, payload any) (bool, error) {
	if err := s.requireBrowserID(browserID); err != nil {
		return false, err
	}
	if err := s.requireNonEmpty(action, "action"); err != nil {
		return false, err
	}
	id, err := s.frameIdentity(processID, routingID)
	if err != nil {
		return false, err
	}
	return s.coord.SendFrameAction(ctx, browserID, id, strings.TrimSpace(action), payload)
}

func (s *Service) PendingPopups(ctx context.Context) ([]coordinator.PopupInfo, error) {
	return s.coord.PendingPopups(ctx)
}

func (s *Service) Stats(ctx context.Context) (coordinator.Stats, error) {
	return s.coord.Stats(ctx)
}
