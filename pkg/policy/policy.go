package policy

import (
	"context"
	"errors"
	"fmt"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow lets the shard connect to the gateway host.
	ActionAllow Action = "allow"
	// ActionDeny refuses the connection before any address is resolved.
	ActionDeny Action = "deny"
)

// ErrDenied is returned by Check when a filter refuses a gateway host.
var ErrDenied = errors.New("gateway host denied by policy")

// Decision captures the result of a policy evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Allowed reports whether the decision permits the connection.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Input describes one connection attempt of one shard.
type Input struct {
	Host         string
	Scheme       string
	Path         string
	ShardID      string
	Entrypoint   string
	DisableCache bool
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// AllowAll is the filter used when no policy modules are configured.
type AllowAll struct{}

// Evaluate always allows.
func (AllowAll) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}

// Chain composes multiple filters, short-circuiting on the first deny.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain.
func NewChain(filters ...Filter) Chain {
	return Chain{filters: append([]Filter(nil), filters...)}
}

// Evaluate executes the chain until a deny is produced.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	for _, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if decision.Metadata == nil {
			decision.Metadata = map[string]string{}
		}
		switch decision.Action {
		case ActionAllow:
		case ActionDeny:
			return decision, nil
		default:
			return Decision{}, fmt.Errorf("unknown policy action %q", decision.Action)
		}
	}

	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}

// Check evaluates filter and converts a deny into an error wrapping
// ErrDenied. A nil filter allows everything.
func Check(ctx context.Context, filter Filter, input Input) (Decision, error) {
	if filter == nil {
		return AllowAll{}.Evaluate(ctx, input)
	}

	decision, err := filter.Evaluate(ctx, input)
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate host policy: %w", err)
	}
	if !decision.Allowed() {
		if decision.Reason != "" {
			return decision, fmt.Errorf("%w: %s: %s", ErrDenied, input.Host, decision.Reason)
		}
		return decision, fmt.Errorf("%w: %s", ErrDenied, input.Host)
	}
	return decision, nil
}
