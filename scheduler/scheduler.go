// Package scheduler decides how workflow tasks are grouped into batch
// reservations, when reservations are submitted or resubmitted, and how to
// react to reservation and task events.
//
// Two strategies are provided: a bounded-concurrency level-by-level
// scheduler and the dynamic grouping heuristic by Zhang et al. Both run as
// a single cooperative state machine: one decision pass, then one blocking
// wait for the next event, so no two passes ever interleave.
package scheduler

import (
	"log/slog"
	"strings"

	"github.com/tern-hpc/tern/batch"
	"github.com/tern-hpc/tern/clustering"
	"github.com/tern-hpc/tern/workflow"
)

// ExecutionTimeFudgeFactor inflates every requested reservation duration by
// 10% to absorb makespan estimation error.
const ExecutionTimeFudgeFactor = 1.1

type Config struct {
	Workflow *workflow.Workflow
	Service  batch.Service
	Logger   *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Strategy is a scheduling strategy: an event handler plus a decision pass
// run between events.
type Strategy interface {
	Handler

	// Submit runs one decision pass, submitting zero or more reservations.
	Submit() error
}

// Run drives a strategy until the workflow is done, alternating one
// decision pass with one blocking wait on the batch service. Events are
// processed strictly in delivery order.
func Run(cfg Config, strategy Strategy) error {
	for !cfg.Workflow.IsDone() {
		if err := strategy.Submit(); err != nil {
			return err
		}

		event, err := cfg.Service.WaitForNextEvent()
		if err != nil {
			return err
		}
		if err := Dispatch(strategy, event); err != nil {
			return err
		}
	}
	return nil
}

// New builds a strategy from a colon-delimited specification string:
//
//	levelbylevel:[overlap|nooverlap]:<clustering spec>
//	zhang:[overlap|nooverlap]:[plimit|pnolimit]
func New(spec string, cfg Config) (Strategy, error) {
	tokens := strings.Split(spec, ":")

	switch tokens[0] {
	case "levelbylevel":
		if len(tokens) != 3 {
			return nil, &clustering.InvalidSpecError{Spec: spec, Reason: "want levelbylevel:[overlap|nooverlap]:<clustering spec>"}
		}
		overlap, err := parseOverlap(spec, tokens[1])
		if err != nil {
			return nil, err
		}
		policy, err := clustering.ParsePolicy(tokens[2])
		if err != nil {
			return nil, err
		}
		return NewLevelByLevel(cfg, overlap, policy), nil

	case "zhang":
		if len(tokens) != 3 {
			return nil, &clustering.InvalidSpecError{Spec: spec, Reason: "want zhang:[overlap|nooverlap]:[plimit|pnolimit]"}
		}
		overlap, err := parseOverlap(spec, tokens[1])
		if err != nil {
			return nil, err
		}
		var plimit bool
		switch tokens[2] {
		case "plimit":
			plimit = true
		case "pnolimit":
			plimit = false
		default:
			return nil, &clustering.InvalidSpecError{Spec: spec, Reason: "want plimit or pnolimit"}
		}
		return NewZhang(cfg, overlap, plimit), nil
	}
	return nil, &clustering.InvalidSpecError{Spec: spec, Reason: "unknown strategy '" + tokens[0] + "'"}
}

func parseOverlap(spec, token string) (bool, error) {
	switch token {
	case "overlap":
		return true, nil
	case "nooverlap":
		return false, nil
	}
	return false, &clustering.InvalidSpecError{Spec: spec, Reason: "want overlap or nooverlap"}
}
