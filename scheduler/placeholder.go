package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/tern-hpc/tern/batch"
	"github.com/tern-hpc/tern/clustering"
	"github.com/tern-hpc/tern/workflow"
)

type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobCompleted
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// PlaceholderJob binds one task group to one reservation and tracks
// per-task completion progress across the reservation's lifetime. A job
// whose reservation expires with unfinished tasks is removed and its
// leftovers re-grouped into a brand-new job, never resurrected in place.
type PlaceholderJob struct {
	id          uint64
	Reservation *batch.Reservation
	Group       *clustering.Group
	StartLevel  int
	EndLevel    int

	CompletedTasks int
	Status         JobStatus

	// startedAt is the service clock when the reservation started.
	startedAt float64
}

func (ph *PlaceholderJob) ID() uint64 { return ph.id }

// Done reports whether every task of the group has completed.
func (ph *PlaceholderJob) Done() bool {
	return ph.CompletedTasks == ph.Group.NumTasks()
}

// jobArena is the indexed table of live placeholder jobs, keyed by a
// monotonic id, with reservation and task back-references stored as
// indexes rather than ownership. A task is indexed while it belongs to a
// live group, enforcing the one-live-group-per-task invariant.
type jobArena struct {
	nextID        uint64
	jobs          map[uint64]*PlaceholderJob
	byReservation map[batch.ReservationID]uint64
	liveTasks     map[string]uint64
}

func newJobArena() *jobArena {
	return &jobArena{
		jobs:          make(map[uint64]*PlaceholderJob),
		byReservation: make(map[batch.ReservationID]uint64),
		liveTasks:     make(map[string]uint64),
	}
}

func (a *jobArena) create(res *batch.Reservation, group *clustering.Group, startLevel, endLevel int) (*PlaceholderJob, error) {
	for _, t := range group.Tasks() {
		if owner, ok := a.liveTasks[t.ID]; ok {
			return nil, consistencyErrorf("task '%s' already belongs to live placeholder job %d", t.ID, owner)
		}
	}

	ph := &PlaceholderJob{
		id:          a.nextID,
		Reservation: res,
		Group:       group,
		StartLevel:  startLevel,
		EndLevel:    endLevel,
		Status:      JobPending,
	}
	a.nextID++

	a.jobs[ph.id] = ph
	a.byReservation[res.ID] = ph.id
	for _, t := range group.Tasks() {
		a.liveTasks[t.ID] = ph.id
	}
	return ph, nil
}

func (a *jobArena) byRes(id batch.ReservationID) *PlaceholderJob {
	jobID, ok := a.byReservation[id]
	if !ok {
		return nil
	}
	return a.jobs[jobID]
}

// owner returns the live placeholder job a task belongs to, or nil.
func (a *jobArena) owner(taskID string) *PlaceholderJob {
	jobID, ok := a.liveTasks[taskID]
	if !ok {
		return nil
	}
	return a.jobs[jobID]
}

// remove drops a job and all its indexes. The job is either completed or
// superseded by a resubmission; either way it is no longer live.
func (a *jobArena) remove(ph *PlaceholderJob) {
	delete(a.jobs, ph.id)
	delete(a.byReservation, ph.Reservation.ID)
	for _, t := range ph.Group.Tasks() {
		if a.liveTasks[t.ID] == ph.id {
			delete(a.liveTasks, t.ID)
		}
	}
}

// dispatchReadyTasks submits every currently ready task of a placeholder
// job's group for execution inside its reservation.
func dispatchReadyTasks(service batch.Service, log *slog.Logger, ph *PlaceholderJob) error {
	for _, task := range ph.Group.Tasks() {
		if task.State() == workflow.Ready {
			log.Debug("Dispatching task", "task", task.ID, "levels", fmt.Sprintf("%d-%d", ph.StartLevel, ph.EndLevel))
			if err := service.DispatchTask(ph.Reservation, task); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchReadyChildren submits the tasks of a running placeholder job that
// became ready when the given task completed.
func dispatchReadyChildren(service batch.Service, log *slog.Logger, ph *PlaceholderJob, completed *workflow.Task) error {
	for _, task := range ph.Group.Tasks() {
		if task.State() == workflow.Ready && lo.Contains(completed.Children(), task) {
			log.Debug("Dispatching newly ready task", "task", task.ID, "levels", fmt.Sprintf("%d-%d", ph.StartLevel, ph.EndLevel))
			if err := service.DispatchTask(ph.Reservation, task); err != nil {
				return err
			}
		}
	}
	return nil
}

// submitGroupReservation requests a pilot job sized for a task group and
// records the binding as a new pending placeholder job.
func submitGroupReservation(a *jobArena, service batch.Service, group *clustering.Group, startLevel, endLevel int, requestedDuration float64) (*PlaceholderJob, error) {
	res, err := service.SubmitReservation(
		group.Nodes(), 1, 0, requestedDuration,
		batch.Args(group.Nodes(), 1, requestedDuration),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to submit reservation for levels %d-%d: %w", startLevel, endLevel, err)
	}
	return a.create(res, group, startLevel, endLevel)
}
