// Package triggers decides when a campaign's display conditions are met.
//
// A campaign enables any subset of the trigger types below. Each enabled
// trigger is started as an independent predicate against the visitor's page
// Environment and resolves to a boolean at most once, possibly only after a
// future page event. The Manager combines the predicates with the campaign's
// Operator:
//   - OR is met as soon as any predicate resolves true and is not met only
//     when every predicate resolved false.
//   - AND is not met as soon as any predicate resolves false and is met only
//     when every predicate resolved true.
//
// When an evaluation reaches its result every outstanding predicate is
// cancelled, which stops its timers and releases its page subscriptions.
package triggers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when a trigger configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid trigger config")

// Kind names a trigger type. The values match the configuration keys.
type Kind string

const (
	KindPageLoad       Kind = "page_load"
	KindScrollDepth    Kind = "scroll_depth"
	KindExitIntent     Kind = "exit_intent"
	KindTimeOnPage     Kind = "time_on_page"
	KindCartValue      Kind = "cart_value"
	KindElementVisible Kind = "element_visible"
)

// Operator joins the results of several triggers.
type Operator string

const (
	OperatorOR  Operator = "OR"
	OperatorAND Operator = "AND"
)

// Trigger is one enabled trigger with its parameters. The set of
// implementations is closed: PageLoad, ScrollDepth, ExitIntent, TimeOnPage,
// CartValue and ElementVisible.
type Trigger interface {
	Kind() Kind
	validate() error
	start(env Environment, h *Handle)
}

// PageLoad is met once Delay has elapsed since the page loaded.
type PageLoad struct {
	Delay time.Duration
}

// ScrollDepth is met when the visitor scrolls to DepthPercentage of the page.
type ScrollDepth struct {
	DepthPercentage int
}

// ExitIntent is met when the pointer leaves the viewport through its top edge.
type ExitIntent struct{}

// TimeOnPage is met once the visitor has spent Duration on the page.
type TimeOnPage struct {
	Duration time.Duration
}

// CartValue is met when the cart total is at least Min and, when Max is
// positive, at most Max.
type CartValue struct {
	Min float64
	Max float64
}

// ElementVisible is met when the element matching Selector is visible.
type ElementVisible struct {
	Selector string
}

func (PageLoad) Kind() Kind       { return KindPageLoad }
func (ScrollDepth) Kind() Kind    { return KindScrollDepth }
func (ExitIntent) Kind() Kind     { return KindExitIntent }
func (TimeOnPage) Kind() Kind     { return KindTimeOnPage }
func (CartValue) Kind() Kind      { return KindCartValue }
func (ElementVisible) Kind() Kind { return KindElementVisible }

func (t PageLoad) validate() error {
	if t.Delay < 0 {
		return fmt.Errorf("%w: page_load delay %s is negative", ErrInvalidConfig, t.Delay)
	}
	return nil
}

func (t ScrollDepth) validate() error {
	if t.DepthPercentage < 1 || t.DepthPercentage > 100 {
		return fmt.Errorf("%w: scroll_depth %d outside 1..100", ErrInvalidConfig, t.DepthPercentage)
	}
	return nil
}

func (ExitIntent) validate() error { return nil }

func (t TimeOnPage) validate() error {
	if t.Duration < 0 {
		return fmt.Errorf("%w: time_on_page %s is negative", ErrInvalidConfig, t.Duration)
	}
	return nil
}

func (t CartValue) validate() error {
	if t.Min < 0 || t.Max < 0 {
		return fmt.Errorf("%w: cart_value bounds must not be negative", ErrInvalidConfig)
	}
	if t.Max > 0 && t.Max < t.Min {
		return fmt.Errorf("%w: cart_value max %.2f below min %.2f", ErrInvalidConfig, t.Max, t.Min)
	}
	return nil
}

func (t ElementVisible) validate() error {
	if strings.TrimSpace(t.Selector) == "" {
		return fmt.Errorf("%w: element_visible selector is empty", ErrInvalidConfig)
	}
	return nil
}

// Set is the validated trigger configuration of one campaign.
type Set struct {
	Operator Operator
	Triggers []Trigger
}

// NewSet validates the triggers and returns a Set. Each kind may appear once.
func NewSet(op Operator, triggers ...Trigger) (Set, error) {
	switch op {
	case OperatorOR, OperatorAND:
	default:
		return Set{}, fmt.Errorf("%w: unknown combination operator %q", ErrInvalidConfig, op)
	}
	seen := make(map[Kind]bool, len(triggers))
	for _, t := range triggers {
		if t == nil {
			return Set{}, fmt.Errorf("%w: nil trigger", ErrInvalidConfig)
		}
		if seen[t.Kind()] {
			return Set{}, fmt.Errorf("%w: duplicate trigger %s", ErrInvalidConfig, t.Kind())
		}
		seen[t.Kind()] = true
		if err := t.validate(); err != nil {
			return Set{}, err
		}
	}
	return Set{Operator: op, Triggers: triggers}, nil
}

// Kinds lists the kinds of the enabled triggers in configuration order.
func (s Set) Kinds() []Kind {
	out := make([]Kind, len(s.Triggers))
	for i, t := range s.Triggers {
		out[i] = t.Kind()
	}
	return out
}

// rawConfig is the storefront JSON shape. Trigger keys not listed here are
// ignored.
type rawConfig struct {
	PageLoad *struct {
		Enabled bool    `json:"enabled"`
		Delay   float64 `json:"delay"`
	} `json:"page_load"`
	ScrollDepth *struct {
		Enabled         bool `json:"enabled"`
		Depth           *int `json:"depth"`
		DepthPercentage *int `json:"depthPercentage"`
	} `json:"scroll_depth"`
	ExitIntent *struct {
		Enabled bool `json:"enabled"`
	} `json:"exit_intent"`
	TimeOnPage *struct {
		Enabled bool    `json:"enabled"`
		Seconds float64 `json:"seconds"`
	} `json:"time_on_page"`
	CartValue *struct {
		Enabled   bool     `json:"enabled"`
		Min       *float64 `json:"min"`
		Threshold *float64 `json:"threshold"`
		Max       float64  `json:"max"`
	} `json:"cart_value"`
	ElementVisible *struct {
		Enabled  bool   `json:"enabled"`
		Selector string `json:"selector"`
	} `json:"element_visible"`
	CombinationOperator string `json:"combinationOperator"`
}

// ParseConfig converts a storefront trigger configuration into a Set.
// Disabled triggers are dropped. Delays and durations are in seconds. An
// empty operator defaults to OR.
func ParseConfig(data []byte) (Set, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Set{Operator: OperatorOR}, nil
	}
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	op := Operator(strings.ToUpper(strings.TrimSpace(raw.CombinationOperator)))
	if op == "" {
		op = OperatorOR
	}

	var list []Trigger
	if p := raw.PageLoad; p != nil && p.Enabled {
		list = append(list, PageLoad{Delay: seconds(p.Delay)})
	}
	if p := raw.ScrollDepth; p != nil && p.Enabled {
		var depth int
		switch {
		case p.DepthPercentage != nil:
			depth = *p.DepthPercentage
		case p.Depth != nil:
			depth = *p.Depth
		default:
			return Set{}, fmt.Errorf("%w: scroll_depth requires depth", ErrInvalidConfig)
		}
		list = append(list, ScrollDepth{DepthPercentage: depth})
	}
	if p := raw.ExitIntent; p != nil && p.Enabled {
		list = append(list, ExitIntent{})
	}
	if p := raw.TimeOnPage; p != nil && p.Enabled {
		list = append(list, TimeOnPage{Duration: seconds(p.Seconds)})
	}
	if p := raw.CartValue; p != nil && p.Enabled {
		var min float64
		switch {
		case p.Min != nil:
			min = *p.Min
		case p.Threshold != nil:
			min = *p.Threshold
		default:
			return Set{}, fmt.Errorf("%w: cart_value requires min", ErrInvalidConfig)
		}
		list = append(list, CartValue{Min: min, Max: p.Max})
	}
	if p := raw.ElementVisible; p != nil && p.Enabled {
		list = append(list, ElementVisible{Selector: p.Selector})
	}

	return NewSet(op, list...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
