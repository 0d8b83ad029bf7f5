// Package registry maps event types to the handlers that process them.
//
// A Registry is built once at start-up from configuration and the set of
// handler implementations, and is read-only afterwards.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ayuuum/amber-eventbus/pkg/config"
	"github.com/ayuuum/amber-eventbus/pkg/retry"
	"github.com/ayuuum/amber-eventbus/schema"
)

// Mode tells whether the processor executes a handler.
type Mode string

const (
	// ModeSync handlers ran before the event was published. They are kept
	// for audit and ordering only and are never executed by the processor.
	ModeSync Mode = "sync"
	// ModeAsync handlers are executed by the processor.
	ModeAsync Mode = "async"
)

// Handler performs one side effect for an event. Execute may be called more
// than once for the same event and must be idempotent.
type Handler interface {
	Name() string
	Execute(ctx context.Context, event *schema.Event) error
}

type funcHandler struct {
	name string
	fn   func(context.Context, *schema.Event) error
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Execute(ctx context.Context, event *schema.Event) error {
	return h.fn(ctx, event)
}

// HandlerFunc adapts a function to a named Handler.
func HandlerFunc(name string, fn func(context.Context, *schema.Event) error) Handler {
	return funcHandler{name: name, fn: fn}
}

// SLA is a monitoring budget for one handler execution.
type SLA struct {
	TargetCompletion time.Duration
	AlertThreshold   time.Duration
}

// Breached reports whether elapsed exceeds the alert threshold.
func (s SLA) Breached(elapsed time.Duration) bool {
	return s.AlertThreshold > 0 && elapsed > s.AlertThreshold
}

// Descriptor is the configured binding of a handler to an event type.
type Descriptor struct {
	Name     string
	Mode     Mode
	Priority int
	SLA      SLA
	Retry    *retry.Override
	Handler  Handler
}

type Registry struct {
	byType            map[string][]Descriptor
	maxRetries        map[string]int
	defaultMaxRetries int
}

// New builds a Registry from the event type configuration. Every async
// descriptor must name one of the given handlers.
func New(settings config.Settings, handlers ...Handler) (*Registry, error) {
	byName := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		if _, dup := byName[h.Name()]; dup {
			return nil, fmt.Errorf("handler %q registered twice", h.Name())
		}
		byName[h.Name()] = h
	}

	r := &Registry{
		byType:            make(map[string][]Descriptor, len(settings.EventTypes)),
		maxRetries:        make(map[string]int, len(settings.EventTypes)),
		defaultMaxRetries: settings.DefaultMaxRetries,
	}
	if r.defaultMaxRetries <= 0 {
		r.defaultMaxRetries = schema.DefaultMaxRetries
	}

	for _, et := range settings.EventTypes {
		descriptors := make([]Descriptor, 0, len(et.Handlers))
		for _, hs := range et.Handlers {
			d := Descriptor{
				Name:     hs.Name,
				Mode:     Mode(hs.Mode),
				Priority: hs.Priority,
				SLA: SLA{
					TargetCompletion: hs.SLA.TargetCompletion,
					AlertThreshold:   hs.SLA.AlertThreshold,
				},
				Handler: byName[hs.Name],
			}
			if d.Mode == "" {
				d.Mode = ModeAsync
			}
			if hs.Retry != nil {
				d.Retry = &retry.Override{
					MaxRetries:        hs.Retry.MaxRetries,
					Backoff:           hs.Retry.Backoff,
					BackoffMultiplier: hs.Retry.BackoffMultiplier,
				}
			}
			if d.Mode == ModeAsync && d.Handler == nil {
				return nil, fmt.Errorf("event type %q: no handler named %q", et.Type, hs.Name)
			}
			descriptors = append(descriptors, d)
		}
		sort.SliceStable(descriptors, func(i, j int) bool {
			return descriptors[i].Priority < descriptors[j].Priority
		})
		r.byType[et.Type] = descriptors
		if et.MaxRetries > 0 {
			r.maxRetries[et.Type] = et.MaxRetries
		}
	}
	return r, nil
}

// Resolve returns every descriptor of an event type in ascending priority.
// Unknown event types resolve to an empty list.
func (r *Registry) Resolve(eventType string) []Descriptor {
	return append([]Descriptor{}, r.byType[eventType]...)
}

// Async returns the descriptors the processor executes, in priority order.
func (r *Registry) Async(eventType string) []Descriptor {
	var out []Descriptor
	for _, d := range r.byType[eventType] {
		if d.Mode == ModeAsync {
			out = append(out, d)
		}
	}
	return out
}

// MaxRetries returns the retry ceiling new events of eventType get.
func (r *Registry) MaxRetries(eventType string) int {
	if n, ok := r.maxRetries[eventType]; ok {
		return n
	}
	return r.defaultMaxRetries
}

// EventTypes lists the configured event types in lexical order.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
