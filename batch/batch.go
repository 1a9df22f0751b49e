// Package batch defines the contract between the schedulers and a
// batch-reservation service: time-boxed node reservations ("pilot jobs"),
// wait-time estimation for hypothetical reservation shapes, and the events
// the service pushes back to the scheduler.
package batch

import (
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/tern-hpc/tern/workflow"
)

type ReservationID string

func NewReservationID() ReservationID {
	return ReservationID(uuid.NewString())
}

// Reservation is the handle for one pilot job: N nodes for a requested
// duration. The scheduler never owns a reservation; it only references it
// and reacts to the events it produces.
type Reservation struct {
	ID           ReservationID
	Nodes        int
	CoresPerNode int
	// Duration is the requested wall time, in seconds.
	Duration float64
}

// Submission argument keys recognized by batch services.
const (
	ArgNodes           = "-N"
	ArgCoresPerNode    = "-c"
	ArgWallTimeMinutes = "-t"
)

// Args builds the service-specific argument map for a reservation request.
// Wall time is expressed in minutes, always rounded up past the requested
// duration.
func Args(nodes, coresPerNode int, durationSeconds float64) map[string]string {
	return map[string]string{
		ArgNodes:           strconv.Itoa(nodes),
		ArgCoresPerNode:    strconv.Itoa(coresPerNode),
		ArgWallTimeMinutes: strconv.FormatUint(1+uint64(durationSeconds)/60, 10),
	}
}

// Candidate is one hypothetical reservation shape priced by
// EstimateWaitTimes. Keys must be unique per call; the estimator is
// stateful and queue-based.
type Candidate struct {
	Key             string
	Nodes           int
	CoresPerNode    int
	DurationSeconds float64
}

// ErrReservationGone reports a termination request for a reservation the
// service no longer tracks. Callers treat it as an ignorable race with an
// in-flight expiration, never as a fatal error.
var ErrReservationGone = errors.New("reservation not found")

type Service interface {
	// NumHosts returns the number of compute nodes behind the service.
	NumHosts() int
	// CoreFlopRate returns the per-core processing rate in flops per second.
	CoreFlopRate() float64
	// Now returns the service clock, in seconds.
	Now() float64

	// SubmitReservation queues a reservation request. The reservation
	// starts and expires asynchronously, announced by events.
	SubmitReservation(nodes, coresPerNode int, minDurationHint, requestedDuration float64, args map[string]string) (*Reservation, error)
	// TerminateReservation cancels a queued or running reservation,
	// returning ErrReservationGone if the service no longer tracks it.
	TerminateReservation(r *Reservation) error
	// EstimateWaitTimes prices a set of candidate shapes, returning the
	// estimated queueing delay in seconds per candidate key.
	EstimateWaitTimes(candidates []Candidate) (map[string]float64, error)

	// DispatchTask submits one task for execution inside a started
	// reservation.
	DispatchTask(r *Reservation, t *workflow.Task) error

	// WaitForNextEvent blocks until the service has another event to
	// deliver. Events are delivered one at a time, in order.
	WaitForNextEvent() (Event, error)
}
