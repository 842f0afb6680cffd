package tool

import "time"

// Result is the outcome of a single tool invocation. Tool failures are
// carried in the result rather than as Go errors so callers can persist
// and inspect them uniformly.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	// Permanent marks failures that retrying cannot fix: an unknown
	// tool type or config rejected by the tool's schema. Callers must
	// not retry these.
	Permanent bool           `json:"permanent,omitempty"`
	Metadata  ResultMetadata `json:"metadata"`
}

// ResultMetadata carries execution details useful for debugging and audit.
type ResultMetadata struct {
	Duration   time.Duration `json:"duration"`
	StatusCode int           `json:"statusCode,omitempty"`
	URL        string        `json:"url,omitempty"`
	Method     string        `json:"method,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Mocked     bool          `json:"mocked,omitempty"`
}

// Failure builds a failed result with the given message.
func Failure(msg string) Result {
	return Result{Success: false, Error: msg}
}

// PermanentFailure builds a failed result that must not be retried.
func PermanentFailure(msg string) Result {
	return Result{Success: false, Error: msg, Permanent: true}
}

// Success builds a successful result with the given data payload.
func Succeed(data map[string]any) Result {
	return Result{Success: true, Data: data}
}
