package models

import "time"

// DisplayRecord is the event that a campaign was shown to a visitor.
type DisplayRecord struct {
	DecisionID string    `json:"decision_id"`
	CampaignID string    `json:"campaign_id"`
	VisitorID  string    `json:"visitor_id"`
	SessionID  string    `json:"session_id"`
	Variant    string    `json:"variant,omitempty"`
	Trigger    string    `json:"trigger,omitempty"` // trigger kind that resolved the evaluation
	DeviceType string    `json:"device_type,omitempty"`
	Country    string    `json:"country,omitempty"`
	Source     string    `json:"source"` // "decision", "token" or "direct"
	Timestamp  time.Time `json:"timestamp"`
}
