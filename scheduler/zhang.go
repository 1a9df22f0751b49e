package scheduler

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/samber/lo"

	"github.com/tern-hpc/tern/batch"
	"github.com/tern-hpc/tern/clustering"
	"github.com/tern-hpc/tern/workflow"
)

// Zhang implements the dynamic grouping heuristic by Zhang, Koelbel and
// Cooper: it greedily decides how many consecutive workflow levels to pack
// into one reservation by comparing estimated queueing wait against
// estimated runtime, and falls back to one reservation per task once
// grouping stops paying off.
type Zhang struct {
	wf      *workflow.Workflow
	service batch.Service
	overlap bool
	plimit  bool
	log     *slog.Logger

	coreFlopRate float64
	numHosts     int

	arena   *jobArena
	pending *PlaceholderJob
	running map[uint64]*PlaceholderJob

	// individualMode is permanent: once grouping stops paying off, every
	// further eligible task is submitted as its own singleton reservation.
	individualMode bool

	// seq uniquely keys wait-time queries; the estimator is stateful.
	seq uint64
}

func NewZhang(cfg Config, overlap, plimit bool) *Zhang {
	return &Zhang{
		wf:      cfg.Workflow,
		service: cfg.Service,
		overlap: overlap,
		plimit:  plimit,
		log:     cfg.logger().With("strategy", "zhang"),

		coreFlopRate: cfg.Service.CoreFlopRate(),
		numHosts:     cfg.Service.NumHosts(),

		arena:   newJobArena(),
		running: make(map[uint64]*PlaceholderJob),
	}
}

// Submit runs one decision pass: the level-peeling search over the
// remaining workflow, or singleton submissions in individual mode.
func (s *Zhang) Submit() error {
	if s.individualMode {
		return s.submitIndividualTasks()
	}
	if s.pending != nil {
		return nil
	}
	if !s.overlap && len(s.running) > 0 {
		return nil
	}

	// Start from the first level not fully completed, past the end level
	// of every running reservation.
	startLevel := 0
	for _, ph := range s.running {
		if ph.EndLevel+1 > startLevel {
			startLevel = ph.EndLevel + 1
		}
	}
	for startLevel < s.wf.NumLevels() && s.levelCompleted(startLevel) {
		startLevel++
	}
	lastLevel := s.wf.NumLevels() - 1
	if startLevel > lastLevel {
		return nil
	}

	parentRuntime := s.parentRuntimeFloor()

	// Peel-all baseline: the whole remainder as a single reservation.
	wholeParallelism, err := s.rangeParallelism(startLevel, lastLevel)
	if err != nil {
		return err
	}
	wholeRuntime := s.rangeRuntime(startLevel, lastLevel)
	wholeWait, err := s.estimateWait(wholeParallelism, wholeRuntime*ExecutionTimeFudgeFactor)
	if err != nil {
		return err
	}
	wholeRatio := wholeWait / wholeRuntime

	// Level-peeling search: grow the candidate end level until the
	// wait/runtime ratio stops improving.
	type candidate struct {
		endLevel    int
		parallelism int
		runtime     float64
	}
	var best *candidate
	bestRatio := math.Inf(1)
	giant := false

	for end := startLevel; ; {
		parallelism, err := s.rangeParallelism(startLevel, end)
		if err != nil {
			return err
		}
		runtime := s.rangeRuntime(startLevel, end)
		wait, err := s.estimateWait(parallelism, runtime*ExecutionTimeFudgeFactor)
		if err != nil {
			return err
		}

		if parentRuntime > 0 && wait < parentRuntime {
			// Extend the requested duration so this reservation's wait
			// overlaps the parent reservation's remaining runtime.
			leeway := parentRuntime - wait
			s.log.Debug("Applying leeway against parent runtime",
				"levels", fmt.Sprintf("%d-%d", startLevel, end), "leeway", leeway)
			runtime += leeway
			wait, err = s.estimateWait(parallelism, runtime*ExecutionTimeFudgeFactor)
			if err != nil {
				return err
			}
		}

		if wait > runtime {
			// A reservation that waits longer than it runs is not yet
			// cost-effective; keep peeling levels into it.
			if end == lastLevel {
				giant = true
				break
			}
			end++
			continue
		}

		ratio := wait / runtime
		if best != nil && (ratio > bestRatio || ratio > wholeRatio) {
			break
		}
		best = &candidate{endLevel: end, parallelism: parallelism, runtime: runtime}
		bestRatio = ratio
		if end == lastLevel {
			giant = true
			break
		}
		end++
	}

	if giant {
		if wholeRuntime < wholeWait/2 {
			s.log.Info("Submitting the entire remainder as one reservation",
				"levels", fmt.Sprintf("%d-%d", startLevel, lastLevel),
				"nodes", wholeParallelism, "runtime", wholeRuntime, "wait", wholeWait)
			return s.submitRange(startLevel, lastLevel, wholeParallelism, wholeRuntime)
		}
		s.log.Info("Grouping no longer pays off, switching permanently to individual mode")
		s.individualMode = true
		return s.submitIndividualTasks()
	}

	s.log.Info("Submitting grouped reservation",
		"levels", fmt.Sprintf("%d-%d", startLevel, best.endLevel),
		"nodes", best.parallelism, "runtime", best.runtime)
	return s.submitRange(startLevel, best.endLevel, best.parallelism, best.runtime)
}

func (s *Zhang) submitRange(startLevel, endLevel, parallelism int, runtime float64) error {
	tasks := clustering.NotCompleted(s.wf.TasksInLevelRange(startLevel, endLevel))
	group := clustering.NewGroup(tasks, parallelism)

	ph, err := submitGroupReservation(s.arena, s.service, group, startLevel, endLevel, runtime*ExecutionTimeFudgeFactor)
	if err != nil {
		return err
	}
	s.pending = ph
	return nil
}

// submitIndividualTasks submits every ready task across the whole graph
// that is not already covered by a live placeholder job as its own
// single-node reservation.
func (s *Zhang) submitIndividualTasks() error {
	if s.wf.NumLevels() == 0 {
		return nil
	}
	for _, task := range s.wf.TasksInLevelRange(0, s.wf.NumLevels()-1) {
		if task.State() != workflow.Ready || s.arena.owner(task.ID) != nil {
			continue
		}

		group := clustering.NewGroup([]*workflow.Task{task}, 1)
		duration := (task.Flops / s.coreFlopRate) * ExecutionTimeFudgeFactor
		ph, err := submitGroupReservation(s.arena, s.service, group, task.Level(), task.Level(), duration)
		if err != nil {
			return err
		}
		s.log.Info("Submitted singleton reservation", "task", task.ID, "reservation", ph.Reservation.ID)
	}
	return nil
}

func (s *Zhang) OnReservationStarted(r *batch.Reservation) error {
	ph := s.arena.byRes(r.ID)
	if ph == nil || ph.Status != JobPending {
		return consistencyErrorf("reservation '%s' started but no pending placeholder job matches it", r.ID)
	}
	if ph == s.pending {
		s.pending = nil
	}

	ph.Status = JobRunning
	ph.startedAt = s.service.Now()
	s.running[ph.id] = ph

	s.log.Info("Reservation started",
		"levels", fmt.Sprintf("%d-%d", ph.StartLevel, ph.EndLevel), "reservation", r.ID)
	if err := dispatchReadyTasks(s.service, s.log, ph); err != nil {
		return err
	}

	// Pipelining: queue the next reservation now so its wait overlaps this
	// one's runtime.
	return s.Submit()
}

func (s *Zhang) OnReservationExpired(r *batch.Reservation) error {
	ph := s.arena.byRes(r.ID)
	if ph == nil {
		// Lost the race against our own termination request.
		s.log.Debug("Expiration for an untracked reservation", "reservation", r.ID)
		return nil
	}
	if ph == s.pending {
		return consistencyErrorf("pending reservation '%s' expired before it ever started", r.ID)
	}
	if ph.Done() {
		return nil
	}

	s.log.Info("Reservation expired with unfinished tasks",
		"levels", fmt.Sprintf("%d-%d", ph.StartLevel, ph.EndLevel), "reservation", r.ID,
		"completed", ph.CompletedTasks, "total", ph.Group.NumTasks())

	delete(s.running, ph.id)
	s.arena.remove(ph)

	// A queued reservation priced against pre-expiration state is stale.
	if s.pending != nil {
		s.log.Info("Cancelling pending reservation", "reservation", s.pending.Reservation.ID)
		terminateReservation(s.service, s.pending.Reservation, s.log)
		s.arena.remove(s.pending)
		s.pending = nil
	}

	// Running reservations none of whose tasks have left NotReady are
	// wasted, unstarted allocations.
	for id, other := range s.running {
		started := lo.SomeBy(other.Group.Tasks(), func(t *workflow.Task) bool {
			return t.State() != workflow.NotReady
		})
		if !started {
			s.log.Info("Cancelling running reservation with no started tasks",
				"levels", fmt.Sprintf("%d-%d", other.StartLevel, other.EndLevel),
				"reservation", other.Reservation.ID)
			terminateReservation(s.service, other.Reservation, s.log)
			delete(s.running, id)
			s.arena.remove(other)
		}
	}

	replacement, err := resubmitLeftovers(s.arena, s.service, ph, s.coreFlopRate)
	if err != nil {
		return err
	}
	if !s.individualMode {
		s.pending = replacement
	}
	return s.Submit()
}

func (s *Zhang) OnTaskCompleted(t *workflow.Task) error {
	ph := s.arena.owner(t.ID)
	if ph == nil || ph.Status != JobRunning {
		return consistencyErrorf("task '%s' completed but belongs to no running placeholder job", t.ID)
	}

	ph.CompletedTasks++
	if ph.Done() {
		s.log.Info("All tasks of placeholder job completed, terminating its reservation",
			"levels", fmt.Sprintf("%d-%d", ph.StartLevel, ph.EndLevel), "reservation", ph.Reservation.ID)
		terminateReservation(s.service, ph.Reservation, s.log)
		ph.Status = JobCompleted
		delete(s.running, ph.id)
		s.arena.remove(ph)
	}

	for _, running := range s.running {
		if err := dispatchReadyChildren(s.service, s.log, running, t); err != nil {
			return err
		}
	}
	return s.Submit()
}

func (s *Zhang) OnTaskFailed(t *workflow.Task) error {
	// Recovery flows through the reservation expiration that follows.
	s.log.Info("Ignoring task failure", "task", t.ID)
	return nil
}

// rangeParallelism is the maximum single-level task count over [lo, hi],
// never the sum. Under plimit a level wider than the service is fatal;
// otherwise the width is silently capped at the host count.
func (s *Zhang) rangeParallelism(lo, hi int) (int, error) {
	parallelism := 0
	for l := lo; l <= hi; l++ {
		n := s.wf.NumTasksInLevel(l)
		if n > s.numHosts {
			if s.plimit {
				return 0, &AdmissionError{Level: l, Tasks: n, Hosts: s.numHosts}
			}
			n = s.numHosts
		}
		if n > parallelism {
			parallelism = n
		}
	}
	return parallelism, nil
}

// rangeRuntime estimates the makespan of [lo, hi] as the sum of each
// level's widest task execution time.
func (s *Zhang) rangeRuntime(lo, hi int) float64 {
	runtime := 0.0
	for l := lo; l <= hi; l++ {
		maxFlops := 0.0
		for _, t := range s.wf.TasksInLevelRange(l, l) {
			maxFlops = math.Max(maxFlops, t.Flops)
		}
		runtime += maxFlops / s.coreFlopRate
	}
	return runtime
}

func (s *Zhang) estimateWait(nodes int, durationSeconds float64) (float64, error) {
	key := fmt.Sprintf("zhang_estimate_%d", s.seq)
	s.seq++

	estimates, err := s.service.EstimateWaitTimes([]batch.Candidate{{
		Key:             key,
		Nodes:           nodes,
		CoresPerNode:    1,
		DurationSeconds: durationSeconds,
	}})
	if err != nil {
		return 0, fmt.Errorf("wait-time estimation failed: %w", err)
	}
	wait, ok := estimates[key]
	if !ok || wait < 0 {
		return 0, &EstimationError{Key: key}
	}
	return wait, nil
}

// parentRuntimeFloor is the largest remaining requested runtime among
// running reservations.
func (s *Zhang) parentRuntimeFloor() float64 {
	floor := 0.0
	now := s.service.Now()
	for _, ph := range s.running {
		remaining := ph.startedAt + ph.Reservation.Duration - now
		if remaining > floor {
			floor = remaining
		}
	}
	return floor
}

func (s *Zhang) levelCompleted(level int) bool {
	for _, t := range s.wf.TasksInLevelRange(level, level) {
		if t.State() != workflow.Completed {
			return false
		}
	}
	return true
}
