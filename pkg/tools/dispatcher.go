package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/teslashibe/go-nutrizen/pkg/backend"
	"github.com/teslashibe/go-nutrizen/pkg/live"
)

// DefaultConcurrency bounds handlers running at once.
const DefaultConcurrency = 4

// Replier sends a function response back to the model.
type Replier interface {
	SendToolResult(ctx context.Context, id, name string, response map[string]any) error
}

// Stats reports dispatcher counters.
type Stats struct {
	Calls    int64 `json:"calls"`
	Answered int64 `json:"answered"`
	Failed   int64 `json:"failed"`
	Unknown  int64 `json:"unknown"`
}

// Dispatcher runs tool calls against a backend. Calls with different ids
// run concurrently; each answer carries its call id so completion order
// does not matter.
type Dispatcher struct {
	backend       backend.Backend
	defaultUserID string
	sem           *semaphore.Weighted
	logger        *slog.Logger
	wg            sync.WaitGroup

	calls    atomic.Int64
	answered atomic.Int64
	failed   atomic.Int64
	unknown  atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets the maximum number of handlers running at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithDefaultUserID is used when a call omits user_id.
func WithDefaultUserID(id string) Option {
	return func(d *Dispatcher) { d.defaultUserID = id }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher over b.
func NewDispatcher(b backend.Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend: b,
		sem:     semaphore.NewWeighted(DefaultConcurrency),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one tool synchronously and returns its result.
func (d *Dispatcher) Dispatch(ctx context.Context, name Name, args map[string]any) (any, error) {
	a := argReader{args: args, defaultUserID: d.defaultUserID}

	switch name {
	case GetUserProfile:
		return d.backend.GetUserProfile(ctx, a.userID())

	case GetRecentMeals:
		return d.backend.GetRecentMeals(ctx, a.userID(), a.getInt("limit"))

	case SaveMealLog:
		return d.backend.SaveMealLog(ctx, backend.MealLog{
			UserID:          a.userID(),
			MealText:        a.getString("meal_text"),
			ParsedItems:     a.getObject("parsed_items", "items"),
			EstimatedMacros: a.getObject("estimated_macros", "value"),
		})

	case LogCoachingEvent:
		return d.backend.LogCoachingEvent(ctx, backend.CoachingEvent{
			UserID:  a.userID(),
			Type:    a.getString("type"),
			Payload: a.getObject("payload", "value"),
		})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// Handle runs req in the background and answers through reply with
// {"result": value}. Unknown tools are logged and skipped. A failing
// handler is logged as an *ExecutionError and never answered.
func (d *Dispatcher) Handle(ctx context.Context, req live.ToolCallRequest, reply Replier) {
	d.calls.Add(1)

	name, err := Parse(req.Name)
	if err != nil {
		d.unknown.Add(1)
		d.logger.Warn("skipping tool call", "call_id", req.ID, "error", err)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.failed.Add(1)
			d.logger.Warn("tool call abandoned", "tool", name, "call_id", req.ID, "error", err)
			return
		}
		defer d.sem.Release(1)

		d.logger.Info("tool call", "tool", name, "call_id", req.ID)
		result, err := d.Dispatch(ctx, name, req.Args)
		if err != nil {
			d.failed.Add(1)
			d.logger.Error("tool call failed", "error", &ExecutionError{Tool: name, CallID: req.ID, Err: err})
			return
		}

		resp := map[string]any{"result": result}
		if err := reply.SendToolResult(ctx, req.ID, string(name), resp); err != nil {
			if !errors.Is(err, live.ErrClosed) {
				d.logger.Warn("tool result not sent", "tool", name, "call_id", req.ID, "error", err)
			}
			return
		}
		d.answered.Add(1)
	}()
}

// Wait blocks until every handler started by Handle has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Calls:    d.calls.Load(),
		Answered: d.answered.Load(),
		Failed:   d.failed.Load(),
		Unknown:  d.unknown.Load(),
	}
}

// argReader reads loosely typed model arguments.
type argReader struct {
	args          map[string]any
	defaultUserID string
}

func (a argReader) userID() string {
	if id := a.getString("user_id"); id != "" {
		return id
	}
	return a.defaultUserID
}

func (a argReader) getString(key string) string {
	switch v := a.args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a argReader) getInt(key string) int {
	switch v := a.args[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// getObject returns an object argument. Non-object values are wrapped under
// wrapKey so arrays and scalars are kept.
func (a argReader) getObject(key, wrapKey string) map[string]any {
	switch v := a.args[key].(type) {
	case map[string]any:
		return v
	case nil:
		return nil
	default:
		return map[string]any{wrapKey: v}
	}
}
