package guardrails

import (
	"context"
	"fmt"

	"github.com/nugget/turnloop/internal/state"
)

// Chain combines multiple evaluators. Incidents are concatenated in
// evaluator order. The first evaluator error aborts the chain.
type Chain struct {
	evaluators []Evaluator
}

// NewChain creates a chain from multiple evaluators. Nil entries are
// skipped.
func NewChain(evaluators ...Evaluator) *Chain {
	c := &Chain{}
	for _, e := range evaluators {
		c.Add(e)
	}
	return c
}

// Add appends an evaluator to the chain.
func (c *Chain) Add(e Evaluator) {
	if e != nil {
		c.evaluators = append(c.evaluators, e)
	}
}

// Len returns the number of evaluators in the chain.
func (c *Chain) Len() int { return len(c.evaluators) }

// Evaluate runs every evaluator and merges their results.
func (c *Chain) Evaluate(ctx context.Context, phase Phase, st *state.AgentState) (*Result, error) {
	out := &Result{OK: true}
	for i, e := range c.evaluators {
		res, err := e.Evaluate(ctx, phase, st)
		if err != nil {
			return nil, fmt.Errorf("evaluator %d: %w", i, err)
		}
		if res == nil {
			continue
		}
		out.Incidents = append(out.Incidents, res.Incidents...)
		if !res.OK {
			out.OK = false
		}
	}
	return out, nil
}
