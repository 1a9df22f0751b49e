package scheduler

import "fmt"

// AdmissionError reports a workflow level wider than the batch service
// under strict parallelism limiting. The workload is inadmissible under the
// chosen strategy; scheduling aborts.
type AdmissionError struct {
	Level int
	Tasks int
	Hosts int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("workflow level %d has %d tasks but the batch service only has %d hosts", e.Level, e.Tasks, e.Hosts)
}

// EstimationError reports a candidate shape the batch service could not
// price. Scheduling cannot proceed without wait-time estimates.
type EstimationError struct {
	Key string
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("batch service returned no usable wait-time estimate for candidate '%s'", e.Key)
}

// ConsistencyError reports an event referencing a reservation or task the
// scheduler cannot locate in its own bookkeeping. It indicates a broken
// invariant between scheduler state and the event stream and is always
// fatal.
type ConsistencyError struct {
	Message string
}

func (e *ConsistencyError) Error() string { return e.Message }

func consistencyErrorf(format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Message: fmt.Sprintf(format, args...)}
}
