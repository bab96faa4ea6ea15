package privacy

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/syssam/persist"
)

// Decisions returned by rules. Rules may wrap them with Allowf, Denyf and
// Skipf; evaluation matches them with errors.Is.
var (
	// Allow ends the evaluation of a Policy and accepts the change.
	Allow = errors.New("privacy: allow")

	// Deny ends the evaluation and rejects the change.
	Deny = errors.New("privacy: deny")

	// Skip passes the change on to the next rule.
	Skip = errors.New("privacy: skip")
)

// Allowf returns a formatted Allow decision.
func Allowf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Allow)...)
}

// Denyf returns a formatted Deny decision.
func Denyf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Deny)...)
}

// Skipf returns a formatted Skip decision.
func Skipf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Skip)...)
}

// Rule decides whether a pending change may be written. A nil decision is
// the same as Skip. Any error other than Allow or Skip rejects the change.
type Rule interface {
	Eval(context.Context, persist.Mutation) error
}

// RuleFunc is an adapter to allow the use of ordinary functions as rules.
type RuleFunc func(context.Context, persist.Mutation) error

// Eval returns f(ctx, m).
func (f RuleFunc) Eval(ctx context.Context, m persist.Mutation) error {
	return f(ctx, m)
}

// Policy evaluates its rules in order until one returns a decision other
// than Skip. Allow ends the evaluation with a nil error. A policy whose
// rules all skip accepts the change; end it with AlwaysDeny to reject by
// default. A decision attached to the context with WithDecision replaces
// the evaluation.
type Policy []Rule

// Eval implements Rule.
func (p Policy) Eval(ctx context.Context, m persist.Mutation) error {
	if decision, ok := decisionFrom(ctx); ok {
		return decision
	}
	for _, r := range p {
		switch decision := r.Eval(ctx, m); {
		case decision == nil || errors.Is(decision, Skip):
		case errors.Is(decision, Allow):
			return nil
		default:
			return decision
		}
	}
	return nil
}

// Check evaluates r for m and returns a *persist.PrivacyError if the change
// is rejected.
func Check(ctx context.Context, r Rule, m persist.Mutation) error {
	decision := r.Eval(ctx, m)
	if decision == nil || errors.Is(decision, Allow) || errors.Is(decision, Skip) {
		return nil
	}
	return persist.NewPrivacyError(m.Entity(), m.Op(), decision.Error())
}

// AlwaysAllow returns a rule accepting every change.
func AlwaysAllow() Rule {
	return fixed{Allow}
}

// AlwaysDeny returns a rule rejecting every change.
func AlwaysDeny() Rule {
	return fixed{Deny}
}

type fixed struct{ decision error }

func (f fixed) Eval(context.Context, persist.Mutation) error { return f.decision }

// FromContext returns a rule deciding on the context alone.
func FromContext(eval func(context.Context) error) Rule {
	return RuleFunc(func(ctx context.Context, _ persist.Mutation) error {
		return eval(ctx)
	})
}

// OnOp applies rule to changes producing one of the operations in op,
// which may combine several with |.
func OnOp(rule Rule, op persist.Op) Rule {
	return RuleFunc(func(ctx context.Context, m persist.Mutation) error {
		if !m.Op().Is(op) {
			return Skip
		}
		return rule.Eval(ctx, m)
	})
}

// OnEntity applies rule to changes of the given entities.
func OnEntity(rule Rule, entities ...string) Rule {
	return RuleFunc(func(ctx context.Context, m persist.Mutation) error {
		if !slices.Contains(entities, m.Entity()) {
			return Skip
		}
		return rule.Eval(ctx, m)
	})
}

// DenyOp rejects changes producing op.
func DenyOp(op persist.Op) Rule {
	return OnOp(RuleFunc(func(_ context.Context, m persist.Mutation) error {
		return Denyf("%s of %s is not allowed", m.Op(), m.Entity())
	}), op)
}

// AllowOp accepts changes producing op.
func AllowOp(op persist.Op) Rule {
	return OnOp(AlwaysAllow(), op)
}

type decisionKey struct{}

// WithDecision returns a context that makes every Policy return decision
// without evaluating its rules, for example for maintenance jobs. Allow
// becomes nil; Skip and nil leave the context unchanged.
func WithDecision(parent context.Context, decision error) context.Context {
	if decision == nil || errors.Is(decision, Skip) {
		return parent
	}
	return context.WithValue(parent, decisionKey{}, decision)
}

func decisionFrom(ctx context.Context) (error, bool) {
	decision, ok := ctx.Value(decisionKey{}).(error)
	if ok && errors.Is(decision, Allow) {
		decision = nil
	}
	return decision, ok
}
