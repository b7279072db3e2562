package logic

// Reason explains why a campaign was not displayed. The zero value means
// the campaign was admitted.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalidConfig    Reason = "invalid-config"
	ReasonSchedule         Reason = "schedule"
	ReasonGlobalCap        Reason = "global-cap"
	ReasonCooldown         Reason = "cooldown"
	ReasonSessionCap       Reason = "session-cap"
	ReasonDayCap           Reason = "day-cap"
	ReasonTriggersNotMet   Reason = "triggers-not-met"
	ReasonStoreUnavailable Reason = "store-unavailable"
	ReasonInternal         Reason = "internal-error"
)

// Label returns the reason as a metric label. Admissions are labelled "none".
func (r Reason) Label() string {
	if r == ReasonNone {
		return "none"
	}
	return string(r)
}
