// Package command routes discrete external messages to engine actions.
//
// A message is a JSON object with an "action" field and optional payload:
//
//	{"action":"rescan"}
//	{"action":"updateSettings","settings":{"rescanMs":1200}}
//
// Messages arrive as newline-delimited JSON (ServeLines) or as MCP tool
// calls (RegisterMCP); both go through the same Router.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/commentveil/idgen"
	"github.com/hazyhaar/commentveil/kit"
)

// Action names.
const (
	ActionRescan         = "rescan"
	ActionShimmerScan    = "shimmerScan"
	ActionUpdateSettings = "updateSettings"
	ActionStatus         = "status"
	ActionDrift          = "drift"
)

// ErrUnknownAction is returned for actions with no handler.
var ErrUnknownAction = errors.New("command: unknown action")

// Message is one external command.
type Message struct {
	Action   string          `json:"action"`
	Settings json.RawMessage `json:"settings,omitempty"`
	// Limit bounds list results (drift).
	Limit int `json:"limit,omitempty"`
}

// Handler executes one action.
type Handler func(ctx context.Context, msg Message) (any, error)

// Router maps action names to handlers.
type Router struct {
	logger *slog.Logger
	mws    []kit.Middleware

	mu       sync.RWMutex
	handlers map[string]kit.Endpoint
	aliases  map[string]string
}

// NewRouter returns a router with the shimmerScan alias for rescan. Every
// handler is wrapped in request tagging, call logging and panic recovery,
// then mws.
func NewRouter(logger *slog.Logger, mws ...kit.Middleware) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		mws:      mws,
		handlers: make(map[string]kit.Endpoint),
		aliases:  map[string]string{ActionShimmerScan: ActionRescan},
	}
}

// Register installs h for action, replacing any previous handler.
func (r *Router) Register(action string, h Handler) {
	ep := func(ctx context.Context, req any) (any, error) {
		return h(ctx, req.(Message))
	}
	chain := append([]kit.Middleware{
		kit.RequestIDs(idgen.Command),
		kit.Logging(r.logger, action),
		kit.Recover(),
	}, r.mws...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = kit.Chain(chain...)(ep)
}

// Alias makes alias dispatch to action.
func (r *Router) Alias(alias, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = action
}

// Actions lists registered action names, sorted.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Call runs msg through its handler.
func (r *Router) Call(ctx context.Context, msg Message) (any, error) {
	r.mu.RLock()
	action := msg.Action
	if target, ok := r.aliases[action]; ok {
		action = target
	}
	ep, ok := r.handlers[action]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
	msg.Action = action
	return ep(ctx, msg)
}

// Dispatch decodes raw and runs it.
func (r *Router) Dispatch(ctx context.Context, raw []byte) (any, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("command: decode: %w", err)
	}
	if msg.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrUnknownAction)
	}
	return r.Call(ctx, msg)
}
