package schedule

import (
	"fmt"

	"github.com/tathienbao/execbot/internal/types"
	"gopkg.in/yaml.v3"
)

// Params is a partial strategy description. Nil fields are unset so that a
// later layer can tell "not given" from "given as zero".
type Params struct {
	Type           string `yaml:"type"`
	MaxTrades      *int   `yaml:"max_trades"`
	TotalLots      *int   `yaml:"total_lots"`
	TPLots         *int   `yaml:"tp_lots"`
	TPTicks        *int   `yaml:"tp_ticks"`
	CarryRemaining *bool  `yaml:"carry_remaining"`
	FlattenAtEnd   *bool  `yaml:"flatten_at_end"`
}

// Ref points a schedule at its strategy: either a template name or an inline
// parameter block.
type Ref struct {
	Name   string
	Inline *Params
}

// UnmarshalYAML accepts a scalar template name or a mapping.
func (r *Ref) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
		r.Name = node.Value
		return nil
	case yaml.MappingNode:
		var p Params
		if err := node.Decode(&p); err != nil {
			return err
		}
		r.Inline = &p
		return nil
	default:
		return fmt.Errorf("%w: strategy must be a template name or a mapping (line %d)", types.ErrInvalidSchedule, node.Line)
	}
}

// MarshalYAML writes the name or the inline block back out.
func (r Ref) MarshalYAML() (any, error) {
	if r.Inline != nil {
		return r.Inline, nil
	}
	if r.Name == "" {
		return nil, nil
	}
	return r.Name, nil
}

// Definition is a schedule as written in configuration. Strategy fields set
// here override the referenced template.
type Definition struct {
	ID             string `yaml:"id"`
	StartUTC       string `yaml:"start_utc"`
	EndUTC         string `yaml:"end_utc"`
	MaxTrades      *int   `yaml:"max_trades"`
	Strategy       Ref    `yaml:"strategy"`
	TotalLots      *int   `yaml:"total_lots,omitempty"`
	TPLots         *int   `yaml:"tp_lots,omitempty"`
	TPTicks        *int   `yaml:"tp_ticks,omitempty"`
	CarryRemaining *bool  `yaml:"carry_remaining,omitempty"`
	FlattenAtEnd   *bool  `yaml:"flatten_at_end,omitempty"`
}

func (d Definition) overrides() Params {
	return Params{
		TotalLots:      d.TotalLots,
		TPLots:         d.TPLots,
		TPTicks:        d.TPTicks,
		CarryRemaining: d.CarryRemaining,
		FlattenAtEnd:   d.FlattenAtEnd,
	}
}

// Strategy is the resolved, read-only strategy of a schedule.
type Strategy struct {
	Template       string
	TotalLots      *int
	TPLots         *int
	TPTicks        *int
	CarryRemaining bool
	FlattenAtEnd   bool
}

// Lots returns total and take-profit lots, defaulting total to defaultQty and
// tp to total.
func (s Strategy) Lots(defaultQty int) (total, tp int) {
	total = defaultQty
	if s.TotalLots != nil {
		total = *s.TotalLots
	}
	tp = total
	if s.TPLots != nil {
		tp = *s.TPLots
	}
	return total, tp
}

// Schedule is a resolved schedule.
type Schedule struct {
	ID        string
	Window    Window
	MaxTrades int
	Strategy  Strategy
}

// IndexTemplates keys templates by their type. Templates without a type are skipped.
func IndexTemplates(templates []Params) map[string]Params {
	idx := make(map[string]Params, len(templates))
	for _, t := range templates {
		if t.Type == "" {
			continue
		}
		idx[t.Type] = t
	}
	return idx
}

// ResolveTemplate produces the base parameters for a schedule: the named
// template, or the inline block.
func ResolveTemplate(ref Ref, templates map[string]Params) (Params, error) {
	if ref.Inline != nil {
		return *ref.Inline, nil
	}
	if ref.Name == "" {
		return Params{}, nil
	}
	t, ok := templates[ref.Name]
	if !ok {
		return Params{}, fmt.Errorf("%w: %q", types.ErrUnknownTemplate, ref.Name)
	}
	return t, nil
}

// ApplyOverrides returns base with every field set in over replacing base's.
func ApplyOverrides(base, over Params) Params {
	out := base
	if over.Type != "" {
		out.Type = over.Type
	}
	if over.MaxTrades != nil {
		out.MaxTrades = over.MaxTrades
	}
	if over.TotalLots != nil {
		out.TotalLots = over.TotalLots
	}
	if over.TPLots != nil {
		out.TPLots = over.TPLots
	}
	if over.TPTicks != nil {
		out.TPTicks = over.TPTicks
	}
	if over.CarryRemaining != nil {
		out.CarryRemaining = over.CarryRemaining
	}
	if over.FlattenAtEnd != nil {
		out.FlattenAtEnd = over.FlattenAtEnd
	}
	return out
}

// Resolve turns configured definitions into schedules, in declaration order.
// max_trades comes from the schedule, then the strategy, then defaults to 1.
func Resolve(defs []Definition, templates []Params) ([]Schedule, error) {
	idx := IndexTemplates(templates)
	out := make([]Schedule, 0, len(defs))
	seen := make(map[string]bool, len(defs))

	for i, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("%w: schedules[%d]: id is required", types.ErrInvalidSchedule, i)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("%w: duplicate schedule id %q", types.ErrInvalidSchedule, def.ID)
		}
		seen[def.ID] = true

		win, err := ParseWindow(def.StartUTC, def.EndUTC)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", def.ID, err)
		}

		base, err := ResolveTemplate(def.Strategy, idx)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", def.ID, err)
		}
		merged := ApplyOverrides(base, def.overrides())

		maxTrades := 1
		switch {
		case def.MaxTrades != nil:
			maxTrades = *def.MaxTrades
		case merged.MaxTrades != nil:
			maxTrades = *merged.MaxTrades
		}
		if maxTrades < 0 {
			return nil, fmt.Errorf("%w: schedule %q: max_trades must be >= 0", types.ErrInvalidSchedule, def.ID)
		}

		strat := Strategy{
			Template:  base.Type,
			TotalLots: merged.TotalLots,
			TPLots:    merged.TPLots,
			TPTicks:   merged.TPTicks,
		}
		if merged.CarryRemaining != nil {
			strat.CarryRemaining = *merged.CarryRemaining
		}
		if merged.FlattenAtEnd != nil {
			strat.FlattenAtEnd = *merged.FlattenAtEnd
		}

		out = append(out, Schedule{
			ID:        def.ID,
			Window:    win,
			MaxTrades: maxTrades,
			Strategy:  strat,
		})
	}

	return out, nil
}
