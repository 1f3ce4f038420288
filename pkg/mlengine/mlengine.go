// Package mlengine defines the decision-model collaborator used to flag
// urgent switch opportunities, plus a deterministic local heuristic used
// when no external model is configured.
package mlengine

import (
	"context"
)

// Decision is the model's recommendation for one agent.
type Decision struct {
	Recommend bool
	Urgent    bool
	Reason    string
}

// Input is the data an engine needs to produce a Decision.
type Input struct {
	CurrentPrice  float64
	CheapestPrice float64
	OndemandPrice float64
	MarginPercent float64
}

// Engine is invoked as a pure function; training and model management are
// handled by the operator-uploaded-artifact workflow, outside this
// package.
type Engine interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// urgentMarginPercent is the price gap above which the heuristic engine
// flags a decision as urgent (ML normal priority escalated to ML urgent).
const urgentMarginPercent = 35.0

// HeuristicEngine is a deterministic fallback used when no external model
// artifact has been uploaded for a client.
type HeuristicEngine struct{}

// NewHeuristicEngine creates a HeuristicEngine.
func NewHeuristicEngine() *HeuristicEngine {
	return &HeuristicEngine{}
}

// Decide recommends switching whenever the cheapest pool beats the
// current price by any margin, and flags urgency once the gap exceeds
// urgentMarginPercent of the current price.
func (HeuristicEngine) Decide(_ context.Context, in Input) (Decision, error) {
	if in.CurrentPrice <= 0 || in.CheapestPrice >= in.CurrentPrice {
		return Decision{Recommend: false, Reason: "no cheaper pool available"}, nil
	}

	gapPercent := (in.CurrentPrice - in.CheapestPrice) / in.CurrentPrice * 100
	d := Decision{Recommend: true, Reason: "cheaper pool available"}
	if gapPercent >= urgentMarginPercent {
		d.Urgent = true
		d.Reason = "cheaper pool available by a wide margin"
	}
	return d, nil
}
