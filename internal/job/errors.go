package job

import "fmt"

// PrematureJobEndError rejects ending (or replacing) a job below the
// completion threshold without an operator-supplied reason code. Silent
// replacement is never permitted below the threshold.
type PrematureJobEndError struct {
	JobID         int64
	CompletionPct float64
	ThresholdPct  float64
}

func (e *PrematureJobEndError) Error() string {
	return fmt.Sprintf("job %d is only %.1f%% complete (threshold %.1f%%); a reason code is required to end it",
		e.JobID, e.CompletionPct, e.ThresholdPct)
}

// InvariantViolationError rejects a mutation that would corrupt the job
// model, such as overlapping intervals or a second active job. The violation
// is surfaced synchronously and never silently coerced.
type InvariantViolationError struct {
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return "job invariant violation: " + e.Reason
}
