package pipeline

import (
	"context"
	"fmt"
)

// DefaultSupermajority is the approving share of expected weight that ends
// consensus early.
const DefaultSupermajority = 0.8

// Vote is one weighted opinion on an operation.
type Vote struct {
	Voter   string  `json:"voter"`
	Approve bool    `json:"approve"`
	Weight  float64 `json:"weight"`
	Reason  string  `json:"reason,omitempty"`
}

// Outcome summarises a tally.
type Outcome struct {
	Approved      bool    `json:"approved"`
	Approval      float64 `json:"approval"`
	ApproveWeight float64 `json:"approve_weight"`
	RejectWeight  float64 `json:"reject_weight"`
	Expected      float64 `json:"expected_weight"`
	Votes         []Vote  `json:"votes"`
	EarlyExit     bool    `json:"early_exit"`
}

// Tally reads votes until one of these happens: the approving weight reaches
// threshold of expected, approval becomes unreachable, votes closes, or ctx
// ends. Votes with non-positive weight count as weight 1. A tally cut short by
// ctx is decided on the votes received so far.
func Tally(ctx context.Context, votes <-chan Vote, expected, threshold float64) (Outcome, error) {
	if expected <= 0 {
		return Outcome{}, fmt.Errorf("consensus: expected weight must be positive, got %v", expected)
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSupermajority
	}
	out := Outcome{Expected: expected}
	need := threshold * expected

	for {
		select {
		case <-ctx.Done():
			out.Approved = out.ApproveWeight >= need
			out.Approval = out.ApproveWeight / expected
			return out, nil
		case v, ok := <-votes:
			if !ok {
				out.Approved = out.ApproveWeight >= need
				out.Approval = out.ApproveWeight / expected
				return out, nil
			}
			if v.Weight <= 0 {
				v.Weight = 1
			}
			out.Votes = append(out.Votes, v)
			if v.Approve {
				out.ApproveWeight += v.Weight
			} else {
				out.RejectWeight += v.Weight
			}
			out.Approval = out.ApproveWeight / expected
			received := out.ApproveWeight + out.RejectWeight
			switch {
			case out.ApproveWeight >= need:
				out.Approved = true
				out.EarlyExit = received < expected
				return out, nil
			case expected-out.RejectWeight < need:
				out.EarlyExit = received < expected
				return out, nil
			}
		}
	}
}
