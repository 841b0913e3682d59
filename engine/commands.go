package engine

import (
	"context"
	"fmt"

	"github.com/hazyhaar/commentveil/command"
	"github.com/hazyhaar/commentveil/drift"
	"github.com/hazyhaar/commentveil/settings"
)

// RescanResult acknowledges a rescan request.
type RescanResult struct {
	Scheduled bool `json:"scheduled"`
}

// DriftResult is the drift action's answer.
type DriftResult struct {
	Recent  []*drift.Report     `json:"recent"`
	Summary []*drift.SummaryRow `json:"summary"`
}

// RegisterCommands installs the engine's actions on r. The drift action is
// registered only when a ledger is configured.
func (e *Engine) RegisterCommands(r *command.Router) {
	r.Register(command.ActionRescan, func(context.Context, command.Message) (any, error) {
		e.Rescan()
		return RescanResult{Scheduled: true}, nil
	})

	r.Register(command.ActionUpdateSettings, func(ctx context.Context, msg command.Message) (any, error) {
		p, err := settings.ParsePartial(msg.Settings)
		if err != nil {
			return nil, fmt.Errorf("engine: settings payload: %w", err)
		}
		return e.UpdateSettings(ctx, p)
	})

	r.Register(command.ActionStatus, func(context.Context, command.Message) (any, error) {
		return e.Status(), nil
	})

	if e.cfg.Drift == nil {
		return
	}
	r.Register(command.ActionDrift, func(ctx context.Context, msg command.Message) (any, error) {
		recent, err := e.cfg.Drift.Recent(ctx, msg.Limit)
		if err != nil {
			return nil, err
		}
		summary, err := e.cfg.Drift.Summary(ctx)
		if err != nil {
			return nil, err
		}
		return DriftResult{Recent: recent, Summary: summary}, nil
	})
}
