package batch

import "github.com/tern-hpc/tern/workflow"

type Event interface{}

// Reservations

type EventReservationStarted struct {
	Reservation *Reservation
}

type EventReservationExpired struct {
	Reservation *Reservation
}

// Tasks

type EventTaskCompleted struct {
	Task *workflow.Task
}

type EventTaskFailed struct {
	Task *workflow.Task
}
