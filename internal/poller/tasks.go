package poller

import (
	"context"
	"errors"
	"fmt"

	"cryptofeed/config"
	"cryptofeed/models"
)

// ErrUnsupportedStream is returned when an exchange has no REST source for a
// polling stream.
var ErrUnsupportedStream = errors.New("stream not supported for polling")

// SymbolFetch fetches one record for one market.
type SymbolFetch func(ctx context.Context, m models.Market, pc config.PollConfig) (interface{}, error)

// BatchFetch fetches records for many markets in one request and returns
// them keyed by canonical symbol.
type BatchFetch func(ctx context.Context, ms []models.Market, pc config.PollConfig) (map[string]interface{}, error)

// PerSymbol builds one task per configured symbol.
func PerSymbol(exchange, action string, pc config.PollConfig, fetch SymbolFetch) ([]Task, error) {
	markets, err := models.ParseMarkets(pc.Symbols)
	if err != nil {
		return nil, fmt.Errorf("%s %s polling: %w", exchange, pc.Stream, err)
	}
	tasks := make([]Task, 0, len(markets))
	for _, m := range markets {
		m := m
		tasks = append(tasks, Task{
			Exchange: exchange,
			Stream:   pc.Stream,
			Action:   action,
			Interval: pc.Interval,
			Fetch: func(ctx context.Context) ([]Result, error) {
				rec, err := fetch(ctx, m, pc)
				if err != nil {
					return nil, err
				}
				return []Result{{Symbol: m.String(), Record: rec}}, nil
			},
		})
	}
	return tasks, nil
}

// Batched builds a single task whose fetch covers every configured symbol.
// Records are emitted in the configured symbol order.
func Batched(exchange, action string, pc config.PollConfig, fetch BatchFetch) ([]Task, error) {
	markets, err := models.ParseMarkets(pc.Symbols)
	if err != nil {
		return nil, fmt.Errorf("%s %s polling: %w", exchange, pc.Stream, err)
	}
	if len(markets) == 0 {
		return nil, nil
	}
	return []Task{{
		Exchange: exchange,
		Stream:   pc.Stream,
		Action:   action,
		Interval: pc.Interval,
		Fetch: func(ctx context.Context) ([]Result, error) {
			recs, err := fetch(ctx, markets, pc)
			if err != nil {
				return nil, err
			}
			out := make([]Result, 0, len(recs))
			for _, m := range markets {
				if rec, ok := recs[m.String()]; ok && rec != nil {
					out = append(out, Result{Symbol: m.String(), Record: rec})
				}
			}
			return out, nil
		},
	}}, nil
}

// ActionFor is the QMessage action for records on stream.
func ActionFor(stream string) string {
	if stream == models.ChannelOrderbook {
		return models.ActionSnapshot
	}
	return ""
}
