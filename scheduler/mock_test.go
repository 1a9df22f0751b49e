package scheduler

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tern-hpc/tern/batch"
	"github.com/tern-hpc/tern/workflow"
)

// --- Mock batch service ---

// mockService records every submission, termination and dispatch, and
// answers wait-time queries through a pluggable estimate function. Strategy
// tests drive the event handlers directly instead of going through
// WaitForNextEvent.
type mockService struct {
	hosts    int
	flopRate float64
	now      float64
	wf       *workflow.Workflow

	submissions   []*batch.Reservation
	submittedArgs []map[string]string
	terminated    []batch.ReservationID
	dispatched    map[batch.ReservationID][]string

	estimateFunc  func(c batch.Candidate) float64
	estimateCalls []batch.Candidate
}

func newMockService(wf *workflow.Workflow, hosts int) *mockService {
	return &mockService{
		hosts:      hosts,
		flopRate:   1.0,
		wf:         wf,
		dispatched: make(map[batch.ReservationID][]string),
	}
}

func (m *mockService) NumHosts() int         { return m.hosts }
func (m *mockService) CoreFlopRate() float64 { return m.flopRate }
func (m *mockService) Now() float64          { return m.now }

func (m *mockService) SubmitReservation(nodes, coresPerNode int, _, requestedDuration float64, args map[string]string) (*batch.Reservation, error) {
	res := &batch.Reservation{
		ID:           batch.NewReservationID(),
		Nodes:        nodes,
		CoresPerNode: coresPerNode,
		Duration:     requestedDuration,
	}
	m.submissions = append(m.submissions, res)
	m.submittedArgs = append(m.submittedArgs, args)
	return res, nil
}

func (m *mockService) TerminateReservation(r *batch.Reservation) error {
	m.terminated = append(m.terminated, r.ID)
	return nil
}

func (m *mockService) EstimateWaitTimes(candidates []batch.Candidate) (map[string]float64, error) {
	estimates := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		m.estimateCalls = append(m.estimateCalls, c)
		if m.estimateFunc != nil {
			estimates[c.Key] = m.estimateFunc(c)
		} else {
			estimates[c.Key] = 0
		}
	}
	return estimates, nil
}

func (m *mockService) DispatchTask(r *batch.Reservation, t *workflow.Task) error {
	if err := m.wf.MarkRunning(t); err != nil {
		return err
	}
	m.dispatched[r.ID] = append(m.dispatched[r.ID], t.ID)
	return nil
}

func (m *mockService) WaitForNextEvent() (batch.Event, error) {
	return nil, fmt.Errorf("the mock service does not produce events")
}

// scriptWaits makes the estimator answer the given waits, in query order.
func (m *mockService) scriptWaits(t *testing.T, waits ...float64) {
	m.estimateFunc = func(batch.Candidate) float64 {
		require.NotEmpty(t, waits, "unexpected wait-time query")
		wait := waits[0]
		waits = waits[1:]
		return wait
	}
}

// --- Helpers ---

// levelsWorkflow builds a strictly levelled workflow where every task costs
// the given flops and depends on the whole previous level.
func levelsWorkflow(t *testing.T, flops float64, counts ...int) *workflow.Workflow {
	t.Helper()

	w := workflow.New()
	var previous []string
	for level, count := range counts {
		var current []string
		for i := 0; i < count; i++ {
			id := fmt.Sprintf("l%d_%d", level, i)
			_, err := w.AddTask(id, flops)
			require.NoError(t, err)
			for _, parent := range previous {
				require.NoError(t, w.AddDependency(parent, id))
			}
			current = append(current, id)
		}
		previous = current
	}
	require.NoError(t, w.Freeze())
	return w
}

func newTestConfig(wf *workflow.Workflow, service batch.Service) Config {
	return Config{
		Workflow: wf,
		Service:  service,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// completeTask marks a dispatched task completed and notifies the strategy,
// the way a batch service would.
func completeTask(t *testing.T, wf *workflow.Workflow, strategy Strategy, task *workflow.Task) {
	t.Helper()
	require.NoError(t, wf.MarkCompleted(task))
	require.NoError(t, strategy.OnTaskCompleted(task))
}
