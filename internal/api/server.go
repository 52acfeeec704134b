package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
	"github.com/dgnsrekt/honeycomb/internal/relay"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

type Service interface {
	ListBrowsers(ctx context.Context) ([]coordinator.BrowserInfo, error)
	GetBrowser(ctx context.Context, browserID int) (coordinator.BrowserInfo, error)
	OpenBrowser(ctx context.Context, url string) (coordinator.BrowserInfo, error)
	CloseBrowser(ctx context.Context, browserID int) error
	CloseAll(ctx context.Context) error
	ResolveOwner(ctx context.Context, processID, routingID int32) (types.OwnerInfo, error)
	SendFrameAction(ctx context.Context, browserID int, processID, routingID int32, action string, payload any) (bool, error)
	PendingPopups(ctx context.Context) ([]coordinator.PopupInfo, error)
	Stats(ctx context.Context) (coordinator.Stats, error)
}

type browserIDInput struct {
	BrowserID int `path:"browser_id" minimum:"1" doc:"Browser id assigned by the coordinator"`
}

type browserOutput struct {
	Body coordinator.BrowserInfo
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Honeycomb Coordinator API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if broker != nil {
		router.Get("/events", relay.SSEHandler(broker))
	}

	registerBrowserHandlers(api, svc)
	registerFrameHandlers(api, svc)
	registerMiscHandlers(api, svc, broker)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *coordinator.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case coordinator.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case coordinator.CodeBrowserNotFound, coordinator.CodeFrameNotFound:
			return huma.Error404NotFound(coded.Message)
		case coordinator.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case coordinator.CodeEngineUnavailable:
			return huma.Error502BadGateway(coded.Message)
		case coordinator.CodeShuttingDown:
			return huma.Error503ServiceUnavailable(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
