// Package relay forwards audit events to external sinks. Each sink keeps
// its own cursor in relay_cursors, so a restart continues where delivery
// stopped and a failing sink never holds back the others.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"docmigrate/internal/domain"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultBatch    = 100
)

// Sink delivers one event. An error stops the sink's pass; the event is
// retried on the next tick.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.AuditEvent) error
	Close() error
}

// Source is the audit log and cursor table. repo.Repo satisfies it.
type Source interface {
	AuditAfter(ctx context.Context, cursor int64, jobID string, limit int) ([]domain.AuditEvent, error)
	LatestAuditID(ctx context.Context, jobID string) (int64, error)
	RelayCursor(ctx context.Context, sink string) (int64, bool, error)
	SetRelayCursor(ctx context.Context, sink string, lastEventID int64, now time.Time) error
}

type route struct {
	sink   Sink
	filter eventFilter
}

type Relay struct {
	Source   Source
	Interval time.Duration
	Batch    int
	// Backfill makes sinks without a stored cursor start from the first
	// event instead of the newest.
	Backfill bool
	Now      func() time.Time
	Log      *zap.Logger

	mu     sync.Mutex
	routes []route
}

func New(src Source, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{Source: src, Interval: DefaultInterval, Batch: DefaultBatch, Now: time.Now, Log: log}
}

// Add registers a sink. An empty events list forwards everything.
func (r *Relay) Add(s Sink, events []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{sink: s, filter: newEventFilter(events)})
}

func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// Run flushes every Interval until ctx is done, then closes the sinks.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer r.Close()
	for {
		if err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.Log.Warn("relay pass incomplete", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush runs one pass over every sink and joins their errors.
func (r *Relay) Flush(ctx context.Context) error {
	r.mu.Lock()
	routes := append([]route(nil), r.routes...)
	r.mu.Unlock()
	var errs []error
	for _, rt := range routes {
		if err := r.flushSink(ctx, rt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) flushSink(ctx context.Context, rt route) error {
	name := rt.sink.Name()
	cursor, ok, err := r.Source.RelayCursor(ctx, name)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if !ok && !r.Backfill {
		cursor, err = r.Source.LatestAuditID(ctx, "")
		if err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		if err := r.Source.SetRelayCursor(ctx, name, cursor, r.now()); err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
		return nil
	}
	batch := r.Batch
	if batch <= 0 {
		batch = DefaultBatch
	}
	for {
		events, err := r.Source.AuditAfter(ctx, cursor, "", batch)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		start := cursor
		var deliverErr error
		for _, evt := range events {
			if rt.filter.match(string(evt.EventType)) {
				if deliverErr = rt.sink.Deliver(ctx, evt); deliverErr != nil {
					break
				}
			}
			cursor = evt.ID
		}
		if cursor != start {
			if err := r.Source.SetRelayCursor(ctx, name, cursor, r.now()); err != nil {
				return fmt.Errorf("store cursor: %w", err)
			}
		}
		if deliverErr != nil {
			return deliverErr
		}
		if len(events) < batch {
			return nil
		}
	}
}

// Close closes every sink.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, rt := range r.routes {
		if err := rt.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
