package pipeline

import (
	"fmt"
	"slices"
	"time"
)

// Stage is one node of the import graph.
type Stage struct {
	Name string
	// FanOut stages run once per parameter, each under its own singleton key.
	FanOut  bool
	Handler Handler
	// Next names the stages enqueued when this stage completes successfully.
	Next        []string
	ExpireIn    time.Duration
	Concurrency int
	MaxRetry    int
	// Schedule is a cron expression; only root stages may carry one.
	Schedule string
}

// SingletonKey is the stage name for plain stages and "<stage>.<param>" for
// fan-out instances.
func SingletonKey(stage, param string) string {
	if param == "" {
		return stage
	}
	return stage + "." + param
}

// Graph is the static, hand-wired stage table.
type Graph struct {
	stages   map[string]Stage
	declared []string
	parents  map[string][]string
}

// NewGraph validates the stages and their edges. Stage names must be unique,
// every Next entry must name a declared stage, and the edges must not form a cycle.
func NewGraph(stages ...Stage) (*Graph, error) {
	g := &Graph{
		stages:  make(map[string]Stage, len(stages)),
		parents: make(map[string][]string),
	}
	for _, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline: stage with empty name")
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("pipeline: stage %s has no handler", s.Name)
		}
		if _, dup := g.stages[s.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage %s", s.Name)
		}
		g.stages[s.Name] = s
		g.declared = append(g.declared, s.Name)
	}
	for _, name := range g.declared {
		for _, next := range g.stages[name].Next {
			if _, ok := g.stages[next]; !ok {
				return nil, fmt.Errorf("%w: %s (downstream of %s)", ErrUnknownStage, next, name)
			}
			g.parents[next] = append(g.parents[next], name)
		}
	}
	for _, name := range g.declared {
		if g.stages[name].Schedule != "" && len(g.parents[name]) > 0 {
			return nil, fmt.Errorf("pipeline: stage %s is scheduled but has upstream stages", name)
		}
	}
	if _, err := g.topological(); err != nil {
		return nil, err
	}
	return g, nil
}

// Stage looks a stage up by name.
func (g *Graph) Stage(name string) (Stage, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// Stages returns every stage in declaration order.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, 0, len(g.declared))
	for _, name := range g.declared {
		out = append(out, g.stages[name])
	}
	return out
}

// Roots returns the stages nothing points at, in declaration order.
func (g *Graph) Roots() []Stage {
	var out []Stage
	for _, name := range g.declared {
		if len(g.parents[name]) == 0 {
			out = append(out, g.stages[name])
		}
	}
	return out
}

// Downstream returns the stages enqueued after name completes.
func (g *Graph) Downstream(name string) []Stage {
	s, ok := g.stages[name]
	if !ok {
		return nil
	}
	out := make([]Stage, 0, len(s.Next))
	for _, next := range s.Next {
		out = append(out, g.stages[next])
	}
	return out
}

// Order returns stage names in topological order, ties broken by declaration order.
func (g *Graph) Order() []string {
	order, _ := g.topological()
	return order
}

func (g *Graph) topological() ([]string, error) {
	indegree := make(map[string]int, len(g.declared))
	for _, name := range g.declared {
		indegree[name] = len(g.parents[name])
	}

	var ready, order []string
	for _, name := range g.declared {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range g.stages[name].Next {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(g.declared) {
		var cyclic []string
		for _, name := range g.declared {
			if !slices.Contains(order, name) {
				cyclic = append(cyclic, name)
			}
		}
		return nil, fmt.Errorf("pipeline: stages form a cycle: %v", cyclic)
	}
	return order, nil
}
