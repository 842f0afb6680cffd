package workflow

import "time"

// Result is the outcome of one DAG walk. The run succeeded iff no step in
// any executed layer failed. Data holds the terminal run context and is
// persisted regardless of outcome.
type Result struct {
	Succeeded bool              `json:"succeeded"`
	Data      map[string]any    `json:"data"`
	Completed []string          `json:"completed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Duration  time.Duration     `json:"duration"`

	// Err is the error that terminated the walk, nil on success. When
	// several steps of the same layer fail, Err carries the first failure
	// in completion order; Failed has all of them.
	Err error `json:"-"`
}
