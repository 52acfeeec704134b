package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
)

func registerBrowserHandlers(api huma.API, svc Service) {
	type listOutput struct {
		Body struct {
			Browsers []coordinator.BrowserInfo `json:"browsers"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-browsers", Method: http.MethodGet, Path: "/api/v1/browsers", Summary: "List tracked browsers", Tags: []string{"Browsers"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			browsers, err := svc.ListBrowsers(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listOutput{}
			out.Body.Browsers = browsers
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-browser", Method: http.MethodGet, Path: "/api/v1/browsers/{browser_id}", Summary: "Get one browser with its frames", Tags: []string{"Browsers"}},
		func(ctx context.Context, input *browserIDInput) (*browserOutput, error) {
			info, err := svc.GetBrowser(ctx, input.BrowserID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &browserOutput{Body: info}, nil
		})

	type openInput struct {
		Body struct {
			URL string `json:"url" doc:"Page to open in a new engine browser" example:"https://example.com/"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "open-browser", Method: http.MethodPost, Path: "/api/v1/browsers", Summary: "Open a new browser", Tags: []string{"Browsers"}, DefaultStatus: http.StatusCreated},
		func(ctx context.Context, input *openInput) (*browserOutput, error) {
			info, err := svc.OpenBrowser(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return &browserOutput{Body: info}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "close-browser", Method: http.MethodDelete, Path: "/api/v1/browsers/{browser_id}", Summary: "Close a browser and its engine page", Tags: []string{"Browsers"}},
		func(ctx context.Context, input *browserIDInput) (*statusOutput, error) {
			if err := svc.CloseBrowser(ctx, input.BrowserID); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "closed"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "close-all-browsers", Method: http.MethodDelete, Path: "/api/v1/browsers", Summary: "Close every browser", Tags: []string{"Browsers"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			if err := svc.CloseAll(ctx); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "closed"
			return out, nil
		})

	type popupsOutput struct {
		Body struct {
			Popups []coordinator.PopupInfo `json:"popups"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-pending-popups", Method: http.MethodGet, Path: "/api/v1/popups", Summary: "List popup workflows in flight", Tags: []string{"Popups"}},
		func(ctx context.Context, input *struct{}) (*popupsOutput, error) {
			popups, err := svc.PendingPopups(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &popupsOutput{}
			out.Body.Popups = popups
			return out, nil
		})
}
