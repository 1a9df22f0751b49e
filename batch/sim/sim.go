// Package sim is a discrete-event simulation of a batch-reservation
// service: an FCFS queue over a fixed pool of single-core hosts, a virtual
// clock that only advances when events are consumed, and a queue-based
// wait-time estimator. It implements batch.Service and is the substrate
// the schedulers run against in the simulator binary and in tests.
package sim

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/tern-hpc/tern/batch"
	"github.com/tern-hpc/tern/workflow"
)

type Config struct {
	Workflow     *workflow.Workflow
	Hosts        int
	CoreFlopRate float64
	Logger       *slog.Logger

	// Background jobs occupy hosts from time zero without producing
	// events, standing in for the rest of the cluster's workload.
	Background []BackgroundJob
}

// BackgroundJob is a block of hosts unavailable for the first Duration
// seconds of the simulation.
type BackgroundJob struct {
	Nodes    int
	Duration float64
}

type occurrenceKind int

const (
	occReservationStart occurrenceKind = iota
	occReservationExpire
	occTaskComplete
	occBackgroundRelease
)

// occurrence is one entry of the internal timeline.
type occurrence struct {
	at    float64
	seq   uint64
	kind  occurrenceKind
	res   *reservationState
	task  *workflow.Task
	nodes int
}

type reservationState struct {
	res      *batch.Reservation
	started  bool
	startAt  float64
	finished bool

	// In-reservation execution: at most Nodes tasks run concurrently,
	// extra dispatches queue FIFO inside the reservation.
	freeSlots int
	active    map[string]*workflow.Task
	waiting   []*workflow.Task
}

type Service struct {
	wf           *workflow.Workflow
	hosts        int
	coreFlopRate float64
	log          *slog.Logger

	now       float64
	seq       uint64
	timeline  *binaryheap.Heap
	delivery  []batch.Event
	freeHosts int

	queue        []*reservationState
	reservations map[batch.ReservationID]*reservationState
	background   []release
}

func New(cfg Config) (*Service, error) {
	if cfg.Workflow == nil {
		return nil, fmt.Errorf("a workflow is required")
	}
	if cfg.Hosts < 1 {
		return nil, fmt.Errorf("at least one host is required")
	}
	if cfg.CoreFlopRate <= 0 {
		return nil, fmt.Errorf("core flop rate must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backgroundNodes := 0
	for _, job := range cfg.Background {
		if job.Nodes < 1 || job.Duration <= 0 {
			return nil, fmt.Errorf("background jobs must occupy at least one node for a positive duration")
		}
		backgroundNodes += job.Nodes
	}
	if backgroundNodes > cfg.Hosts {
		return nil, fmt.Errorf("background jobs occupy %d nodes but the service only has %d hosts", backgroundNodes, cfg.Hosts)
	}

	s := &Service{
		wf:           cfg.Workflow,
		hosts:        cfg.Hosts,
		coreFlopRate: cfg.CoreFlopRate,
		log:          logger.With("component", "batchsim"),

		timeline: binaryheap.NewWith(func(a, b interface{}) int {
			oa, ob := a.(*occurrence), b.(*occurrence)
			if oa.at != ob.at {
				if oa.at < ob.at {
					return -1
				}
				return 1
			}
			if oa.seq < ob.seq {
				return -1
			}
			if oa.seq > ob.seq {
				return 1
			}
			return 0
		}),
		freeHosts:    cfg.Hosts,
		reservations: make(map[batch.ReservationID]*reservationState),
	}
	for _, job := range cfg.Background {
		s.freeHosts -= job.Nodes
		s.background = append(s.background, release{at: job.Duration, nodes: job.Nodes})
		s.timeline.Push(&occurrence{at: job.Duration, seq: s.seq, kind: occBackgroundRelease, nodes: job.Nodes})
		s.seq++
	}
	return s, nil
}

func (s *Service) NumHosts() int         { return s.hosts }
func (s *Service) CoreFlopRate() float64 { return s.coreFlopRate }
func (s *Service) Now() float64          { return s.now }

func (s *Service) schedule(at float64, kind occurrenceKind, res *reservationState, task *workflow.Task) {
	s.timeline.Push(&occurrence{at: at, seq: s.seq, kind: kind, res: res, task: task})
	s.seq++
}

func (s *Service) SubmitReservation(nodes, coresPerNode int, minDurationHint, requestedDuration float64, args map[string]string) (*batch.Reservation, error) {
	if nodes < 1 {
		return nil, fmt.Errorf("reservation must request at least one node")
	}
	if nodes > s.hosts {
		return nil, fmt.Errorf("reservation requests %d nodes but the service only has %d hosts", nodes, s.hosts)
	}
	if coresPerNode != 1 {
		return nil, fmt.Errorf("only single-core hosts are simulated")
	}
	if requestedDuration <= 0 || requestedDuration < minDurationHint {
		return nil, fmt.Errorf("reservation must request a positive duration")
	}

	res := &batch.Reservation{
		ID:           batch.NewReservationID(),
		Nodes:        nodes,
		CoresPerNode: coresPerNode,
		Duration:     requestedDuration,
	}
	state := &reservationState{
		res:       res,
		freeSlots: nodes,
		active:    make(map[string]*workflow.Task),
	}
	s.reservations[res.ID] = state
	s.queue = append(s.queue, state)
	s.log.Debug("Reservation submitted",
		"reservation", res.ID, "nodes", nodes, "duration", requestedDuration,
		"walltime", args[batch.ArgWallTimeMinutes])

	s.startQueuedReservations()
	return res, nil
}

// startQueuedReservations starts the head of the FCFS queue for as long as
// enough hosts are free. The queue is head-blocking: a wide reservation at
// the front holds back everything behind it.
func (s *Service) startQueuedReservations() {
	for len(s.queue) > 0 && s.queue[0].res.Nodes <= s.freeHosts {
		state := s.queue[0]
		s.queue = s.queue[1:]

		s.freeHosts -= state.res.Nodes
		state.started = true
		state.startAt = s.now
		s.schedule(s.now, occReservationStart, state, nil)
		s.schedule(s.now+state.res.Duration, occReservationExpire, state, nil)
	}
}

func (s *Service) TerminateReservation(r *batch.Reservation) error {
	state, ok := s.reservations[r.ID]
	if !ok {
		return batch.ErrReservationGone
	}
	s.log.Debug("Reservation terminated", "reservation", r.ID)

	if state.started {
		s.releaseReservation(state)
	} else {
		for i, queued := range s.queue {
			if queued == state {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		state.finished = true
		delete(s.reservations, r.ID)
	}
	s.startQueuedReservations()
	return nil
}

// releaseReservation frees a started reservation's hosts and fails every
// task it was still executing.
func (s *Service) releaseReservation(state *reservationState) {
	state.finished = true
	delete(s.reservations, state.res.ID)
	s.freeHosts += state.res.Nodes

	for _, task := range state.active {
		s.failTask(task)
	}
	for _, task := range state.waiting {
		s.failTask(task)
	}
	state.active = map[string]*workflow.Task{}
	state.waiting = nil
}

func (s *Service) failTask(task *workflow.Task) {
	if err := s.wf.MarkFailed(task); err != nil {
		s.log.Warn("Could not fail task", "task", task.ID, "error", err)
		return
	}
	s.delivery = append(s.delivery, batch.EventTaskFailed{Task: task})
}

func (s *Service) DispatchTask(r *batch.Reservation, t *workflow.Task) error {
	state, ok := s.reservations[r.ID]
	if !ok {
		return fmt.Errorf("cannot dispatch task '%s': %w", t.ID, batch.ErrReservationGone)
	}
	if !state.started {
		return fmt.Errorf("cannot dispatch task '%s': reservation '%s' has not started", t.ID, r.ID)
	}
	if err := s.wf.MarkRunning(t); err != nil {
		return fmt.Errorf("cannot dispatch task '%s': %w", t.ID, err)
	}

	if state.freeSlots > 0 {
		s.executeTask(state, t)
	} else {
		state.waiting = append(state.waiting, t)
	}
	return nil
}

func (s *Service) executeTask(state *reservationState, t *workflow.Task) {
	state.freeSlots--
	state.active[t.ID] = t
	s.schedule(s.now+t.Flops/s.coreFlopRate, occTaskComplete, state, t)
}

// WaitForNextEvent advances the virtual clock to the next occurrence and
// returns the resulting event. Events are delivered one at a time, in
// timeline order.
func (s *Service) WaitForNextEvent() (batch.Event, error) {
	for {
		if len(s.delivery) > 0 {
			event := s.delivery[0]
			s.delivery = s.delivery[1:]
			return event, nil
		}

		value, ok := s.timeline.Pop()
		if !ok {
			return nil, fmt.Errorf("no more events: the simulation has stalled")
		}
		occ := value.(*occurrence)
		if occ.res != nil && occ.res.finished {
			continue // stale occurrence of a terminated reservation
		}
		s.now = occ.at

		switch occ.kind {
		case occBackgroundRelease:
			s.freeHosts += occ.nodes
			for i, r := range s.background {
				if r.at == occ.at && r.nodes == occ.nodes {
					s.background = append(s.background[:i], s.background[i+1:]...)
					break
				}
			}
			s.startQueuedReservations()
		case occReservationStart:
			s.delivery = append(s.delivery, batch.EventReservationStarted{Reservation: occ.res.res})

		case occReservationExpire:
			s.log.Debug("Reservation expired", "reservation", occ.res.res.ID)
			s.releaseReservation(occ.res)
			s.delivery = append(s.delivery, batch.EventReservationExpired{Reservation: occ.res.res})
			s.startQueuedReservations()

		case occTaskComplete:
			if _, running := occ.res.active[occ.task.ID]; !running {
				continue
			}
			delete(occ.res.active, occ.task.ID)
			occ.res.freeSlots++
			if err := s.wf.MarkCompleted(occ.task); err != nil {
				return nil, err
			}
			s.delivery = append(s.delivery, batch.EventTaskCompleted{Task: occ.task})

			if len(occ.res.waiting) > 0 {
				next := occ.res.waiting[0]
				occ.res.waiting = occ.res.waiting[1:]
				s.executeTask(occ.res, next)
			}
		}
	}
}

// EstimateWaitTimes prices candidate shapes against the current queue
// state, replaying the FCFS policy over the known release times of running
// and queued reservations. Candidates that can never start are absent from
// the result.
func (s *Service) EstimateWaitTimes(candidates []batch.Candidate) (map[string]float64, error) {
	estimates := make(map[string]float64, len(candidates))

	for _, candidate := range candidates {
		if candidate.Nodes < 1 || candidate.Nodes > s.hosts {
			continue
		}
		estimates[candidate.Key] = s.estimateStart(candidate) - s.now
	}
	return estimates, nil
}

type release struct {
	at    float64
	nodes int
}

func (s *Service) estimateStart(candidate batch.Candidate) float64 {
	free := s.freeHosts
	releases := append([]release(nil), s.background...)
	for _, state := range s.reservations {
		if state.started {
			releases = append(releases, release{at: state.startAt + state.res.Duration, nodes: state.res.Nodes})
		}
	}

	start := s.now
	place := func(nodes int, duration float64) float64 {
		at := start
		for free < nodes {
			// Take the earliest release; the queue is head-blocking so
			// every reservation starts no earlier than its predecessor.
			earliest := -1
			for i, r := range releases {
				if earliest < 0 || r.at < releases[earliest].at {
					earliest = i
				}
			}
			if earliest < 0 {
				return math.Inf(1)
			}
			at = math.Max(at, releases[earliest].at)
			free += releases[earliest].nodes
			releases = append(releases[:earliest], releases[earliest+1:]...)
		}
		free -= nodes
		releases = append(releases, release{at: at + duration, nodes: nodes})
		start = at
		return at
	}

	for _, queued := range s.queue {
		place(queued.res.Nodes, queued.res.Duration)
	}
	return place(candidate.Nodes, candidate.DurationSeconds)
}
