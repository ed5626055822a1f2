package bingx

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/observability"
	"github.com/tidewave/marketws/internal/schema"
)

// Workers builds one REST polling loop per trade and ticker stream. Each loop
// waits on the shared limiter, fetches the page, and republishes it as a
// dataType frame so the decode path stays uniform with the websocket.
func (a *Adapter) Workers(publish adapters.PublishFunc) []func(ctx context.Context) error {
	var workers []func(ctx context.Context) error
	for _, state := range a.streams.All() {
		switch state.Config.Endpoint {
		case schema.EndpointTrades:
			workers = append(workers, a.pollWorker(state, tradesPath, "trade", publish))
		case schema.EndpointTicker:
			workers = append(workers, a.pollWorker(state, tickerPath, "ticker", publish))
		}
	}
	return workers
}

type restPage struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (a *Adapter) pollWorker(state *adapters.StreamState, path, kind string, publish adapters.PublishFunc) func(ctx context.Context) error {
	symbol := state.Config.Symbol
	origin := "rest/" + kind
	return func(ctx context.Context) error {
		if err := a.ensureSymbols(ctx); err != nil {
			return err
		}
		venue, ok := a.symbols.Venue(symbol)
		if !ok {
			return nil
		}
		dataType := venue + "@" + kind
		for {
			if err := a.limiter.Wait(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
			params := url.Values{}
			params.Set("symbol", venue)
			if kind == "trade" {
				// The trades endpoint caps its page size at 100.
				limit := a.cfg.DataMaxLen
				if limit > 100 {
					limit = 100
				}
				params.Set("limit", strconv.Itoa(limit))
			}
			payload, err := a.cfg.REST.Get(ctx, apiBase, path, params)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				observability.Log().Error("bingx poll failed",
					observability.Field{Key: "exchange", Value: "bingx"},
					observability.Field{Key: "endpoint", Value: kind},
					observability.Field{Key: "symbol", Value: symbol},
					observability.Field{Key: "error", Value: err.Error()})
				continue
			}
			var page restPage
			if err := json.Unmarshal(payload, &page); err != nil || page.Code != 0 || len(page.Data) == 0 {
				observability.Log().Debug("bingx poll returned no usable page",
					observability.Field{Key: "endpoint", Value: kind},
					observability.Field{Key: "symbol", Value: symbol})
				continue
			}
			frame, err := json.Marshal(wsEnvelope{Code: 0, DataType: dataType, Data: page.Data})
			if err != nil {
				continue
			}
			if err := publish(ctx, origin, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
