package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/honeycomb/internal/types"
)

func registerFrameHandlers(api huma.API, svc Service) {
	type ownerInput struct {
		ProcessID int32 `path:"process_id" doc:"Engine process part of the frame identity"`
		RoutingID int32 `path:"routing_id" doc:"Routing part of the frame identity"`
	}
	type ownerOutput struct {
		Body struct {
			types.OwnerInfo
			Found bool `json:"found"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "resolve-frame-owner", Method: http.MethodGet, Path: "/api/v1/frames/{process_id}/{routing_id}/owner", Summary: "Find the browser owning a frame", Description: "Waits until a browser claims the frame, the owner timeout passes, or the frame's process dies.", Tags: []string{"Frames"}},
		func(ctx context.Context, input *ownerInput) (*ownerOutput, error) {
			info, err := svc.ResolveOwner(ctx, input.ProcessID, input.RoutingID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &ownerOutput{}
			out.Body.OwnerInfo = info
			out.Body.Found = info.Found()
			return out, nil
		})

	type actionInput struct {
		BrowserID int `path:"browser_id" minimum:"1"`
		Body      struct {
			Action    string `json:"action" doc:"load_url, execute_javascript, send_message or reload" example:"load_url"`
			Payload   any    `json:"payload,omitempty" doc:"Action argument"`
			ProcessID int32  `json:"process_id,omitempty" doc:"Target frame; omit both parts for the main frame"`
			RoutingID int32  `json:"routing_id,omitempty"`
		}
	}
	type actionOutput struct {
		Body struct {
			Status string `json:"status"`
			Queued bool   `json:"queued"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "send-frame-action", Method: http.MethodPost, Path: "/api/v1/browsers/{browser_id}/actions", Summary: "Send an action to a frame", Description: "Actions for a frame without a live engine counterpart are queued until it attaches.", Tags: []string{"Frames"}},
		func(ctx context.Context, input *actionInput) (*actionOutput, error) {
			queued, err := svc.SendFrameAction(ctx, input.BrowserID, input.Body.ProcessID, input.Body.RoutingID, input.Body.Action, input.Body.Payload)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &actionOutput{}
			out.Body.Status = "sent"
			if queued {
				out.Body.Status = "queued"
			}
			out.Body.Queued = queued
			return out, nil
		})
}
