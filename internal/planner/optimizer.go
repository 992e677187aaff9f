package planner

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/opticdb/optic/internal/plan"
	"golang.org/x/sync/errgroup"
)

// A Rule rewrites a plan in place and reports what the driver should do
// with it. Rules are deterministic, pure functions of plan state and
// must tolerate running on an already-optimized plan: the driver never
// guarantees a rule runs only once across the whole pipeline.
type Rule struct {
	Name  string
	Apply func(p *plan.Plan) (Result, error)
}

// Disposition tells the driver whether the input plan variant survives
// a rule invocation.
type Disposition uint8

const (
	// Keep continues with the (possibly mutated) input plan.
	Keep Disposition = iota
	// Replace discards the input plan; only the alternatives the rule
	// emitted continue.
	Replace
)

// Result is the outcome of one rule invocation. Alternatives are
// additional plan variants the rule produced; each must have been
// deep-cloned before mutation so that it shares no state with the
// input plan.
type Result struct {
	Alternatives []*plan.Plan
	Disposition  Disposition
}

// DefaultRules is the optimization pipeline, applied in order. None of
// the rules is iterated to a fixpoint.
var DefaultRules = []Rule{
	{Name: "remove-unnecessary-filters", Apply: RemoveUnnecessaryFiltersRule},
	{Name: "move-calculations-up", Apply: MoveCalculationsUpRule},
	{Name: "remove-unnecessary-calculations", Apply: RemoveUnnecessaryCalculationsRule},
}

const defaultMaxVariants = 64

// An Optimizer applies a fixed sequence of rules to a plan, tracking
// the plan variants rules fork along the way.
type Optimizer struct {
	rules       []Rule
	parallelism int
	maxVariants int
}

type Option func(*Optimizer)

// WithParallelism makes Optimize process independent plan variants on
// up to n goroutines. Variants are deep-cloned copies sharing no
// mutable state, so they can be rewritten concurrently; any single
// plan is still only ever mutated by one rule invocation at a time.
func WithParallelism(n int) Option {
	return func(o *Optimizer) {
		o.parallelism = n
	}
}

// WithMaxVariants caps how many plan variants a single optimization
// may create in total, the input plan included. When a rule forks
// beyond the cap, the extra variants are dropped and the remaining
// ones proceed.
func WithMaxVariants(n int) Option {
	return func(o *Optimizer) {
		o.maxVariants = n
	}
}

func New(rules []Rule, opts ...Option) *Optimizer {
	o := Optimizer{
		rules:       rules,
		parallelism: 1,
		maxVariants: defaultMaxVariants,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &o
}

// Optimize runs p through the rule pipeline and returns the surviving
// plan variants. p is mutated in place; picking a single best plan
// among the survivors is left to a cost model outside this package.
//
// ctx is checked between rule invocations only: a rule's mutation
// sequence is indivisible and always leaves the plan structurally
// valid.
func (o *Optimizer) Optimize(ctx context.Context, p *plan.Plan) ([]*plan.Plan, error) {
	if o.parallelism > 1 {
		return o.optimizeParallel(ctx, p)
	}

	type workItem struct {
		plan *plan.Plan
		rule int
	}

	work := []workItem{{plan: p, rule: 0}}
	var done []*plan.Plan
	variants := 1

	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		it := work[len(work)-1]
		work = work[:len(work)-1]

		if it.rule >= len(o.rules) {
			done = append(done, it.plan)
			continue
		}

		res, err := o.rules[it.rule].Apply(it.plan)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %s", o.rules[it.rule].Name)
		}

		for _, alt := range res.Alternatives {
			// A rule may re-emit its (mutated) input under Replace;
			// that is a continuation, not a new variant, and is never
			// dropped by the cap.
			if alt != it.plan {
				if variants >= o.maxVariants {
					continue
				}
				variants++
			}
			work = append(work, workItem{plan: alt, rule: it.rule + 1})
		}
		if res.Disposition == Keep {
			work = append(work, workItem{plan: it.plan, rule: it.rule + 1})
		}
	}

	return done, nil
}

func (o *Optimizer) optimizeParallel(ctx context.Context, p *plan.Plan) ([]*plan.Plan, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)

	var mu sync.Mutex
	var done []*plan.Plan
	variants := 1

	var run func(p *plan.Plan, rule int) error
	run = func(p *plan.Plan, rule int) error {
		for rule < len(o.rules) {
			if err := ctx.Err(); err != nil {
				return err
			}

			res, err := o.rules[rule].Apply(p)
			if err != nil {
				return errors.Wrapf(err, "rule %s", o.rules[rule].Name)
			}
			rule++

			for _, alt := range res.Alternatives {
				if alt != p {
					mu.Lock()
					if variants >= o.maxVariants {
						mu.Unlock()
						continue
					}
					variants++
					mu.Unlock()
				}

				alt, rule := alt, rule
				// TryGo avoids deadlocking on the group limit when
				// every worker is busy forking: the variant is then
				// optimized inline instead.
				if !g.TryGo(func() error { return run(alt, rule) }) {
					if err := run(alt, rule); err != nil {
						return err
					}
				}
			}
			if res.Disposition == Replace {
				return nil
			}
		}

		mu.Lock()
		done = append(done, p)
		mu.Unlock()
		return nil
	}

	g.Go(func() error { return run(p, 0) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return done, nil
}

// RemoveUnnecessaryFiltersRule removes every filter whose input
// variable is set by a calculation with a compile-time constant true
// expression: such a filter passes every row through and is a no-op.
//
// A constant false filter is left in place. It is what makes the plan
// produce zero rows, and the feeders that became useless above it are
// reclaimed by RemoveUnnecessaryCalculationsRule, which already takes
// care never to drop a calculation that can throw.
func RemoveUnnecessaryFiltersRule(p *plan.Plan) (Result, error) {
	var toRemove []plan.Node

	for _, n := range p.NodesOfKind(plan.KindFilter) {
		f := n.(*plan.FilterNode)
		// only filters sitting in a unary chain can be spliced out.
		if len(f.Dependencies()) != 1 {
			continue
		}

		used := f.UsedHere()
		if len(used) != 1 {
			return Result{}, errors.AssertionFailedf("filter %s reads %d variables, want 1", f, len(used))
		}

		setter, err := p.VarSetBy(used[0])
		if err != nil {
			return Result{}, err
		}
		calc, ok := setter.(*plan.CalculationNode)
		if !ok || !calc.Expr.IsConstant() {
			continue
		}

		v, err := calc.Expr.Boolean()
		if err != nil {
			return Result{}, err
		}
		if v {
			toRemove = append(toRemove, f)
		}
	}

	// Distinct filters never share a removal target, so batch removal
	// is order-independent.
	if err := p.RemoveNodes(toRemove); err != nil {
		return Result{}, err
	}
	return Result{Disposition: Keep}, nil
}

// MoveCalculationsUpRule pushes calculations as close to the data
// source as legal, so that a value feeding multiple downstream branches
// is computed once. A calculation hops over an ancestor when the
// ancestor sits in a simple unary chain and defines none of the
// variables the calculation reads. Calculations that can throw are
// frozen in place: relocating them would change when, or whether, the
// error is observed.
func MoveCalculationsUpRule(p *plan.Plan) (Result, error) {
	for _, n := range p.NodesOfKind(plan.KindCalculation) {
		calc := n.(*plan.CalculationNode)
		if calc.Expr.CanThrow() {
			continue
		}

		deps := calc.Dependencies()
		if len(deps) != 1 {
			continue
		}
		needed := plan.NewVarSet(calc.UsedHere()...)

		for ancestor := p.Node(deps[0]); ; {
			adeps := ancestor.Dependencies()
			// Halt at the singleton and at any fan-in: hopping over
			// those shapes has no single "one hop up" meaning.
			if len(adeps) != 1 {
				break
			}
			if needed.ContainsAny(ancestor.SetHere()...) {
				break
			}
			above := p.Node(adeps[0])

			// Swap calc and ancestor: consumers of calc now read from
			// ancestor, calc slides in between above and ancestor.
			for _, c := range p.Consumers(calc) {
				if err := p.ReplaceDependency(c, calc, ancestor); err != nil {
					return Result{}, err
				}
			}
			if err := p.ReplaceDependency(calc, ancestor, above); err != nil {
				return Result{}, err
			}
			if err := p.ReplaceDependency(ancestor, above, calc); err != nil {
				return Result{}, err
			}

			ancestor = above
		}
	}

	return Result{Disposition: Keep}, nil
}

// RemoveUnnecessaryCalculationsRule removes every calculation whose
// variable is not read anywhere downstream, provided its expression
// cannot throw. It reports Replace when it pruned something: the pruned
// plan strictly dominates the unpruned one, so the input variant need
// not be kept alongside it.
func RemoveUnnecessaryCalculationsRule(p *plan.Plan) (Result, error) {
	var toRemove []plan.Node

	for _, n := range p.NodesOfKind(plan.KindCalculation) {
		calc := n.(*plan.CalculationNode)
		if calc.Expr.CanThrow() {
			continue
		}
		// only calculations sitting in a unary chain can be spliced
		// out; a dead one at a fan-in stays.
		if len(calc.Dependencies()) != 1 {
			continue
		}

		usedLater, err := p.VarsUsedLater(calc)
		if err != nil {
			return Result{}, err
		}
		if !usedLater.Contains(calc.Var) {
			toRemove = append(toRemove, calc)
		}
	}

	if len(toRemove) == 0 {
		return Result{Disposition: Keep}, nil
	}
	if err := p.RemoveNodes(toRemove); err != nil {
		return Result{}, err
	}
	return Result{Disposition: Replace, Alternatives: []*plan.Plan{p}}, nil
}
