package scheduler

import (
	"errors"
	"log/slog"

	"github.com/tern-hpc/tern/batch"
	"github.com/tern-hpc/tern/clustering"
	"github.com/tern-hpc/tern/workflow"
)

// levelBucket tracks the placeholder jobs of one in-flight workflow level.
// A bucket is removed once its pending and running sets are both empty.
type levelBucket struct {
	level     int
	pending   map[uint64]*PlaceholderJob
	running   map[uint64]*PlaceholderJob
	completed map[uint64]*PlaceholderJob
}

func newLevelBucket(level int) *levelBucket {
	return &levelBucket{
		level:     level,
		pending:   make(map[uint64]*PlaceholderJob),
		running:   make(map[uint64]*PlaceholderJob),
		completed: make(map[uint64]*PlaceholderJob),
	}
}

// LevelByLevel groups tasks strictly by workflow level, keeps at most two
// levels in flight (one when overlap is disabled), and only opens level L+1
// once every reservation of level L has started.
type LevelByLevel struct {
	wf      *workflow.Workflow
	service batch.Service
	policy  clustering.Policy
	overlap bool
	log     *slog.Logger

	coreFlopRate  float64
	buckets       map[int]*levelBucket
	lastSubmitted int
	arena         *jobArena
}

func NewLevelByLevel(cfg Config, overlap bool, policy clustering.Policy) *LevelByLevel {
	return &LevelByLevel{
		wf:      cfg.Workflow,
		service: cfg.Service,
		policy:  policy,
		overlap: overlap,
		log:     cfg.logger().With("strategy", "levelbylevel"),

		coreFlopRate:  cfg.Service.CoreFlopRate(),
		buckets:       make(map[int]*levelBucket),
		lastSubmitted: -1,
		arena:         newJobArena(),
	}
}

// Submit opens the next workflow level if the concurrency cap and level
// ordering allow it, submitting one reservation per clustered group.
func (s *LevelByLevel) Submit() error {
	if len(s.buckets) >= 2 {
		return nil
	}
	if !s.overlap && len(s.buckets) > 0 {
		return nil
	}

	candidate := s.lastSubmitted + 1
	if candidate >= s.wf.NumLevels() {
		return nil
	}

	// Reservations must start in level order: the previous level must have
	// no placeholder job still waiting for its reservation.
	if previous, ok := s.buckets[candidate-1]; ok && len(previous.pending) > 0 {
		s.log.Debug("Previous level still has pending reservations", "level", candidate)
		return nil
	}

	tasks := clustering.NotCompleted(s.wf.TasksInLevelRange(candidate, candidate))
	bucket := newLevelBucket(candidate)

	for _, group := range s.policy.Apply(tasks) {
		makespan := group.EstimateMakespan(s.coreFlopRate)
		ph, err := submitGroupReservation(s.arena, s.service, group, candidate, candidate, makespan*ExecutionTimeFudgeFactor)
		if err != nil {
			return err
		}
		bucket.pending[ph.id] = ph
		s.log.Info("Submitted reservation for level",
			"level", candidate, "tasks", group.NumTasks(), "nodes", group.Nodes(),
			"reservation", ph.Reservation.ID)
	}

	s.buckets[candidate] = bucket
	s.lastSubmitted = candidate
	return nil
}

func (s *LevelByLevel) OnReservationStarted(r *batch.Reservation) error {
	ph := s.arena.byRes(r.ID)
	if ph == nil || ph.Status != JobPending {
		return consistencyErrorf("reservation '%s' started but no pending placeholder job matches it", r.ID)
	}
	bucket, ok := s.buckets[ph.StartLevel]
	if !ok {
		return consistencyErrorf("placeholder job %d has no level bucket for level %d", ph.id, ph.StartLevel)
	}

	delete(bucket.pending, ph.id)
	bucket.running[ph.id] = ph
	ph.Status = JobRunning
	ph.startedAt = s.service.Now()

	s.log.Info("Reservation started", "level", ph.StartLevel, "reservation", r.ID)
	return dispatchReadyTasks(s.service, s.log, ph)
}

func (s *LevelByLevel) OnReservationExpired(r *batch.Reservation) error {
	ph := s.arena.byRes(r.ID)
	if ph == nil {
		// Lost the race against our own termination request.
		s.log.Debug("Expiration for an untracked reservation", "reservation", r.ID)
		return nil
	}
	if ph.Done() {
		return nil
	}

	bucket, ok := s.buckets[ph.StartLevel]
	if !ok {
		return consistencyErrorf("placeholder job %d has no level bucket for level %d", ph.id, ph.StartLevel)
	}

	s.log.Info("Reservation expired with unfinished tasks, resubmitting",
		"level", ph.StartLevel, "reservation", r.ID,
		"completed", ph.CompletedTasks, "total", ph.Group.NumTasks())

	delete(bucket.running, ph.id)
	s.arena.remove(ph)

	replacement, err := resubmitLeftovers(s.arena, s.service, ph, s.coreFlopRate)
	if err != nil {
		return err
	}
	bucket.pending[replacement.id] = replacement
	return nil
}

func (s *LevelByLevel) OnTaskCompleted(t *workflow.Task) error {
	ph := s.arena.owner(t.ID)
	if ph == nil || ph.Status != JobRunning {
		return consistencyErrorf("task '%s' completed but belongs to no running placeholder job", t.ID)
	}
	bucket, ok := s.buckets[ph.StartLevel]
	if !ok {
		return consistencyErrorf("placeholder job %d has no level bucket for level %d", ph.id, ph.StartLevel)
	}

	ph.CompletedTasks++
	if ph.Done() {
		s.log.Info("All tasks of placeholder job completed, terminating its reservation",
			"level", ph.StartLevel, "reservation", ph.Reservation.ID)
		terminateReservation(s.service, ph.Reservation, s.log)
		ph.Status = JobCompleted
		delete(bucket.running, ph.id)
		bucket.completed[ph.id] = ph
		s.arena.remove(ph)
	}

	// Newly ready dependents may live in any running placeholder job, not
	// just the one that owned the completed task.
	for _, other := range s.buckets {
		for _, running := range other.running {
			if err := dispatchReadyChildren(s.service, s.log, running, t); err != nil {
				return err
			}
		}
	}

	if len(bucket.pending) == 0 && len(bucket.running) == 0 {
		s.log.Info("Level finished", "level", bucket.level)
		delete(s.buckets, bucket.level)
	}
	return nil
}

func (s *LevelByLevel) OnTaskFailed(t *workflow.Task) error {
	// Recovery flows through the reservation expiration that follows.
	s.log.Info("Ignoring task failure", "task", t.ID)
	return nil
}

// resubmitLeftovers re-clusters the not-completed tasks of an expired job
// into a new group sized to min(previous nodes, remaining tasks) and
// requests a fresh reservation for it.
func resubmitLeftovers(a *jobArena, service batch.Service, expired *PlaceholderJob, coreFlopRate float64) (*PlaceholderJob, error) {
	remaining := clustering.NotCompleted(expired.Group.Tasks())
	nodes := expired.Reservation.Nodes
	if len(remaining) < nodes {
		nodes = len(remaining)
	}

	group := clustering.NewGroup(remaining, nodes)
	makespan := group.EstimateMakespan(coreFlopRate)
	return submitGroupReservation(a, service, group, expired.StartLevel, expired.EndLevel, makespan*ExecutionTimeFudgeFactor)
}

// terminateReservation is best-effort: a termination racing an expiration
// is not an error.
func terminateReservation(service batch.Service, r *batch.Reservation, log *slog.Logger) {
	if err := service.TerminateReservation(r); err != nil {
		if !errors.Is(err, batch.ErrReservationGone) {
			log.Warn("Failed to terminate reservation", "reservation", r.ID, "error", err)
		}
	}
}
