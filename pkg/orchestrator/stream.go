package orchestrator

import (
	"context"

	"atlas/pkg/record"
)

// Stream event types emitted by StreamSearch, in protocol order:
// one start, zero or more results/no_results/error as services settle,
// exactly one done.
const (
	EventStart     = "start"
	EventResults   = "results"
	EventNoResults = "no_results"
	EventError     = "error"
	EventDone      = "done"
)

// StreamEvent is one SSE payload from a streaming search.
type StreamEvent struct {
	Type         string          `json:"type"`
	Services     []string        `json:"services,omitempty"`
	Source       string          `json:"source,omitempty"`
	Count        int             `json:"count,omitempty"`
	TimeMs       float64         `json:"time_ms,omitempty"`
	Results      []record.Record `json:"results,omitempty"`
	Message      string          `json:"message,omitempty"`
	TotalResults int             `json:"total_results,omitempty"`
	TopResults   []record.Record `json:"top_results,omitempty"`
}

// streamPreviewCount limits per-service previews in results events.
const streamPreviewCount = 3

// StreamSearch runs the fan-out and delivers events through emit as each
// service settles. emit returning an error (client gone) cancels the
// remaining work.
func (o *Orchestrator) StreamSearch(ctx context.Context, q Query, emit func(StreamEvent) error) error {
	if q.Limit <= 0 {
		q.Limit = record.DefaultLimit
	}

	selected := o.SelectServices(q.Query, q.Services)
	if err := emit(StreamEvent{Type: EventStart, Services: selected}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan outcome, len(selected))
	sem := make(chan struct{}, o.maxParallel)

	for _, name := range selected {
		go func(name string) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes <- outcome{name: name, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			outcomes <- o.queryService(ctx, name, q)
		}(name)
	}

	var all []record.Record
	for range selected {
		oc := <-outcomes

		var ev StreamEvent
		switch {
		case oc.err != nil:
			o.logger.Warn("streaming fan-out: service %s failed: %v", oc.name, oc.err)
			ev = StreamEvent{Type: EventError, Source: oc.name, Message: oc.err.Error(), TimeMs: oc.elapsedMs}
		case len(oc.records) == 0:
			ev = StreamEvent{Type: EventNoResults, Source: oc.name, TimeMs: oc.elapsedMs}
		default:
			all = append(all, oc.records...)
			preview := oc.records
			if len(preview) > streamPreviewCount {
				preview = preview[:streamPreviewCount]
			}
			ev = StreamEvent{
				Type:    EventResults,
				Source:  oc.name,
				Count:   len(oc.records),
				TimeMs:  oc.elapsedMs,
				Results: preview,
			}
		}
		if err := emit(ev); err != nil {
			return err
		}
	}

	ranked := o.Rank(all, q.Query)
	top := ranked
	if len(top) > q.Limit {
		top = top[:q.Limit]
	}
	return emit(StreamEvent{Type: EventDone, TotalResults: len(ranked), TopResults: top})
}
