package logic

// TraceStep records one stage of a decision and what it concluded.
type TraceStep struct {
	Stage   string            `json:"stage"`
	Passed  bool              `json:"passed"`
	Details map[string]string `json:"details,omitempty"`
}

// DecisionTrace captures the ordered stages a decision went through. A nil
// trace ignores every call so callers need not check for debug mode.
type DecisionTrace struct {
	Steps []TraceStep `json:"steps"`
}

// AddStep appends a trace entry for stage.
func (t *DecisionTrace) AddStep(stage string, passed bool) {
	if t == nil {
		return
	}
	t.Steps = append(t.Steps, TraceStep{Stage: stage, Passed: passed})
}

// AddStepWithDetails appends a trace entry with additional details.
func (t *DecisionTrace) AddStepWithDetails(stage string, passed bool, details map[string]string) {
	if t == nil {
		return
	}
	t.Steps = append(t.Steps, TraceStep{Stage: stage, Passed: passed, Details: details})
}
