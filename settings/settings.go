// Package settings holds the engine's user-facing options and the stores
// that persist them.
//
// A Snapshot is an immutable value: scans read one snapshot start to end,
// and updates produce a new snapshot through Merge. Stores push changes as
// Partials so a consumer can merge them into its live snapshot without
// restarting work in flight.
package settings

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultTag is the automation marker looked for in comment text.
	DefaultTag = "#auto"
	// DefaultRescanMs is the periodic rescan interval.
	DefaultRescanMs = 900
	// MinRescanMs is the lowest accepted interval.
	MinRescanMs = 300
	// DefaultPack is the active pack selector.
	DefaultPack = "core"
)

// Snapshot is one complete set of engine options.
type Snapshot struct {
	AutomationBadgeEnabled bool   `json:"enableAutomationBadge" yaml:"enableAutomationBadge"`
	AutomationTag          string `json:"autoTag" yaml:"autoTag"`
	RescanMs               int    `json:"rescanMs" yaml:"rescanMs"`
	// ActivePacks is a comma-joined pack selector, e.g. "core,motivational".
	ActivePacks string `json:"activePack" yaml:"activePack"`
}

// Defaults returns the built-in snapshot.
func Defaults() Snapshot {
	return Snapshot{
		AutomationBadgeEnabled: true,
		AutomationTag:          DefaultTag,
		RescanMs:               DefaultRescanMs,
		ActivePacks:            DefaultPack,
	}
}

// RescanInterval returns RescanMs as a duration.
func (s Snapshot) RescanInterval() time.Duration {
	return time.Duration(s.RescanMs) * time.Millisecond
}

// Tag returns the automation tag, falling back to DefaultTag when unset.
func (s Snapshot) Tag() string {
	if s.AutomationTag == "" {
		return DefaultTag
	}
	return s.AutomationTag
}

// Packs returns the pack selector, falling back to DefaultPack when unset.
func (s Snapshot) Packs() string {
	if s.ActivePacks == "" {
		return DefaultPack
	}
	return s.ActivePacks
}

// Partial is a sparse update. Nil fields are left unchanged by Merge.
type Partial struct {
	EnableAutomationBadge *bool   `json:"enableAutomationBadge,omitempty" yaml:"enableAutomationBadge,omitempty"`
	AutoTag               *string `json:"autoTag,omitempty" yaml:"autoTag,omitempty"`
	RescanMs              *int    `json:"rescanMs,omitempty" yaml:"rescanMs,omitempty"`
	ActivePack            *string `json:"activePack,omitempty" yaml:"activePack,omitempty"`
}

// IsZero reports whether p changes nothing.
func (p Partial) IsZero() bool {
	return p.EnableAutomationBadge == nil && p.AutoTag == nil && p.RescanMs == nil && p.ActivePack == nil
}

// Keys lists the option names p sets, in a fixed order.
func (p Partial) Keys() []string {
	var keys []string
	if p.EnableAutomationBadge != nil {
		keys = append(keys, "enableAutomationBadge")
	}
	if p.AutoTag != nil {
		keys = append(keys, "autoTag")
	}
	if p.RescanMs != nil {
		keys = append(keys, "rescanMs")
	}
	if p.ActivePack != nil {
		keys = append(keys, "activePack")
	}
	return keys
}

// ParsePartial decodes a JSON settings object. Unknown keys are ignored.
func ParsePartial(raw []byte) (Partial, error) {
	var p Partial
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Partial{}, fmt.Errorf("settings: parse: %w", err)
	}
	return p, nil
}

// Merge applies p on top of s. The rescan interval is clamped to
// MinRescanMs; a non-positive value restores DefaultRescanMs.
func Merge(s Snapshot, p Partial) Snapshot {
	if p.EnableAutomationBadge != nil {
		s.AutomationBadgeEnabled = *p.EnableAutomationBadge
	}
	if p.AutoTag != nil {
		s.AutomationTag = *p.AutoTag
	}
	if p.RescanMs != nil {
		s.RescanMs = *p.RescanMs
	}
	if p.ActivePack != nil {
		s.ActivePacks = *p.ActivePack
	}
	s.RescanMs = clampRescan(s.RescanMs)
	return s
}

func clampRescan(ms int) int {
	switch {
	case ms <= 0:
		return DefaultRescanMs
	case ms < MinRescanMs:
		return MinRescanMs
	}
	return ms
}

// Diff returns the Partial that turns from into to.
func Diff(from, to Snapshot) Partial {
	var p Partial
	if from.AutomationBadgeEnabled != to.AutomationBadgeEnabled {
		p.EnableAutomationBadge = Bool(to.AutomationBadgeEnabled)
	}
	if from.AutomationTag != to.AutomationTag {
		p.AutoTag = String(to.AutomationTag)
	}
	if from.RescanMs != to.RescanMs {
		p.RescanMs = Int(to.RescanMs)
	}
	if from.ActivePacks != to.ActivePacks {
		p.ActivePack = String(to.ActivePacks)
	}
	return p
}

// Bool returns a pointer to v for building Partials inline.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
