package workflow

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// FromSpec builds a workflow from a colon-delimited specification string:
//
//	indep:<seed>:<n>:<min>:<max>     n independent tasks, costs sampled
//	                                 uniformly in [min, max] seconds
//	levels:<seed>:<l0>:<t0>:<T0>:... a strictly levelled workflow; each task
//	                                 in level x depends on all tasks in
//	                                 level x-1
//	yaml:<path>                      a workflow loaded from a YAML file
func FromSpec(spec string) (*Workflow, error) {
	tokens := strings.Split(spec, ":")

	switch tokens[0] {
	case "indep":
		if len(tokens) != 5 {
			return nil, fmt.Errorf("invalid workflow spec '%s': want indep:<seed>:<n>:<min>:<max>", spec)
		}
		return indepWorkflow(tokens[1:])
	case "levels":
		if len(tokens) < 5 || (len(tokens)-2)%3 != 0 {
			return nil, fmt.Errorf("invalid workflow spec '%s': want levels:<seed>:<l0>:<t0>:<T0>:...", spec)
		}
		return levelsWorkflow(tokens[1:])
	case "yaml":
		if len(tokens) != 2 {
			return nil, fmt.Errorf("invalid workflow spec '%s': want yaml:<path>", spec)
		}
		return LoadFile(tokens[1])
	}
	return nil, fmt.Errorf("unknown workflow type '%s'", tokens[0])
}

func indepWorkflow(tokens []string) (*Workflow, error) {
	seed, err := parseUint(tokens[0], "seed")
	if err != nil {
		return nil, err
	}
	n, err := parseUint(tokens[1], "task count")
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("task count must be at least 1")
	}
	minTime, err := parseUint(tokens[2], "min task duration")
	if err != nil {
		return nil, err
	}
	maxTime, err := parseUint(tokens[3], "max task duration")
	if err != nil {
		return nil, err
	}
	if minTime < 1 || maxTime < minTime {
		return nil, fmt.Errorf("invalid task duration range [%d, %d]", minTime, maxTime)
	}

	rng := rand.New(rand.NewSource(int64(seed)))
	w := New()
	for i := uint64(0); i < n; i++ {
		if _, err := w.AddTask(fmt.Sprintf("Task_%d", i), sample(rng, minTime, maxTime)); err != nil {
			return nil, err
		}
	}
	return w, w.Freeze()
}

func levelsWorkflow(tokens []string) (*Workflow, error) {
	seed, err := parseUint(tokens[0], "seed")
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(int64(seed)))

	w := New()
	var previous []string
	for level := 0; 1+3*level < len(tokens); level++ {
		count, err := parseUint(tokens[1+3*level], "level task count")
		if err != nil {
			return nil, err
		}
		if count < 1 {
			return nil, fmt.Errorf("level %d must have at least one task", level)
		}
		minTime, err := parseUint(tokens[2+3*level], "min task duration")
		if err != nil {
			return nil, err
		}
		maxTime, err := parseUint(tokens[3+3*level], "max task duration")
		if err != nil {
			return nil, err
		}
		if minTime < 1 || maxTime < minTime {
			return nil, fmt.Errorf("invalid task duration range [%d, %d] in level %d", minTime, maxTime, level)
		}

		var current []string
		for i := uint64(0); i < count; i++ {
			id := fmt.Sprintf("Task_l%d_%d", level, i)
			if _, err := w.AddTask(id, sample(rng, minTime, maxTime)); err != nil {
				return nil, err
			}
			for _, parent := range previous {
				if err := w.AddDependency(parent, id); err != nil {
					return nil, err
				}
			}
			current = append(current, id)
		}
		previous = current
	}
	return w, w.Freeze()
}

func parseUint(token, what string) (uint64, error) {
	v, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s'", what, token)
	}
	return v, nil
}

func sample(rng *rand.Rand, min, max uint64) float64 {
	return float64(min + uint64(rng.Int63n(int64(max-min+1))))
}
