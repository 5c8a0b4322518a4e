package result

import "fmt"

// Status is the lifecycle state of a single probe result.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusPass
	StatusFail
	StatusWarning
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPass:
		return "pass"
	case StatusFail:
		return "fail"
	case StatusWarning:
		return "warning"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether the status is a final probe outcome.
func (s Status) Terminal() bool {
	switch s {
	case StatusPass, StatusFail, StatusWarning:
		return true
	}
	return false
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TestResult is one probe's entry in the run log. After a run completes
// exactly one TestResult exists per probe and its status is terminal.
type TestResult struct {
	Test       string         `json:"test"`
	Status     Status         `json:"status"`
	Message    string         `json:"message"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (r TestResult) copy() TestResult {
	if r.Details == nil {
		return r
	}
	details := make(map[string]any, len(r.Details))
	for k, v := range r.Details {
		details[k] = v
	}
	r.Details = details
	return r
}
