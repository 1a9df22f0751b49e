package scheduler

import (
	"github.com/tern-hpc/tern/batch"
	"github.com/tern-hpc/tern/workflow"
)

// Handler reacts to the four event kinds a batch service delivers. Both
// scheduling strategies implement it.
type Handler interface {
	OnReservationStarted(r *batch.Reservation) error
	OnReservationExpired(r *batch.Reservation) error
	OnTaskCompleted(t *workflow.Task) error
	OnTaskFailed(t *workflow.Task) error
}

// Dispatch routes one event to the matching handler method.
func Dispatch(h Handler, event batch.Event) error {
	switch e := event.(type) {
	case batch.EventReservationStarted:
		return h.OnReservationStarted(e.Reservation)
	case batch.EventReservationExpired:
		return h.OnReservationExpired(e.Reservation)
	case batch.EventTaskCompleted:
		return h.OnTaskCompleted(e.Task)
	case batch.EventTaskFailed:
		return h.OnTaskFailed(e.Task)
	}
	return consistencyErrorf("unknown event type %T", event)
}
