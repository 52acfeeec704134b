package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
	"github.com/dgnsrekt/honeycomb/internal/relay"
)

func registerMiscHandlers(api huma.API, svc Service, broker *relay.Broker) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type statsOutput struct {
		Body struct {
			coordinator.Stats
			EventClients    int   `json:"event_clients"`
			EventsPublished int64 `json:"events_published"`
			EventsDropped   int64 `json:"events_dropped"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "stats", Method: http.MethodGet, Path: "/api/v1/stats", Summary: "Correlation state counters", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			stats, err := svc.Stats(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &statsOutput{}
			out.Body.Stats = stats
			if broker != nil {
				out.Body.EventClients = broker.ClientCount()
				out.Body.EventsPublished, out.Body.EventsDropped = broker.Stats()
			}
			return out, nil
		})
}
