package models

import (
	"time"

	"github.com/patrickwarner/popgate/internal/triggers"
)

// FrequencyCap holds the per-campaign display limits. A zero value in any
// field means that dimension is unlimited.
type FrequencyCap struct {
	MaxPerSession int           `json:"max_per_session"`
	MaxPerDay     int           `json:"max_per_day"`
	Cooldown      time.Duration `json:"cooldown"`
}

// Campaign is a configured storefront overlay. Campaigns are owned by the
// catalog and are read-only while a decision is made.
type Campaign struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	// StartDate and EndDate bound the schedule when non-zero.
	StartDate time.Time `json:"start_date,omitempty"`
	EndDate   time.Time `json:"end_date,omitempty"`

	Triggers triggers.Set `json:"-"`
	// ConfigErr is set when the stored trigger configuration could not be
	// parsed. Such campaigns are never displayed.
	ConfigErr error `json:"-"`

	FrequencyCap     FrequencyCap `json:"frequency_cap"`
	RespectGlobalCap bool         `json:"respect_global_cap"`

	// ExperimentID is set when the campaign is a variant in an experiment.
	ExperimentID string `json:"experiment_id,omitempty"`
	Variant      string `json:"variant,omitempty"`
}

// ScheduleActive reports whether c may be shown at now based on its active
// flag and date window.
func ScheduleActive(c Campaign, now time.Time) bool {
	if !c.Active {
		return false
	}
	if !c.StartDate.IsZero() && now.Before(c.StartDate) {
		return false
	}
	if !c.EndDate.IsZero() && now.After(c.EndDate) {
		return false
	}
	return true
}

// Visitor identifies the browser asking for a decision. Both IDs are
// assigned by the storefront and are opaque here.
type Visitor struct {
	VisitorID string `json:"visitor_id"`
	SessionID string `json:"session_id"`
}

// GlobalCapSettings is the store-wide limit applied across all campaigns
// for one visitor.
type GlobalCapSettings struct {
	Enabled       bool `json:"enabled"`
	MaxPerSession int  `json:"max_per_session"`
	MaxPerDay     int  `json:"max_per_day"`
}
