package planner_test

import (
	"context"
	"testing"

	"github.com/opticdb/optic/internal/plan"
	"github.com/opticdb/optic/internal/planner"
	"github.com/opticdb/optic/internal/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

func TestRemoveUnnecessaryFiltersRule(t *testing.T) {
	tests := []struct {
		name         string
		in, expected string
	}{
		{
			"constant true filter",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "c1", "kind": "calculation", "set": "x", "expr": "true", "on": ["sg"]},
					{"id": "f1", "kind": "filter", "uses": ["x"], "on": ["c1"]},
					{"id": "ret", "kind": "return", "uses": ["x"], "on": ["f1"]}
				]
			}`,
			"singleton() | calc(x := true) | return(x)",
		},
		{
			"constant false filter is kept",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "c1", "kind": "calculation", "set": "x", "expr": "false", "on": ["sg"]},
					{"id": "f1", "kind": "filter", "uses": ["x"], "on": ["c1"]},
					{"id": "ret", "kind": "return", "uses": ["x"], "on": ["f1"]}
				]
			}`,
			"singleton() | calc(x := false) | filter(x) | return(x)",
		},
		{
			"non-constant filter is kept",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "c1", "kind": "calculation", "set": "x", "expr": "a", "on": ["sg"]},
					{"id": "f1", "kind": "filter", "uses": ["x"], "on": ["c1"]},
					{"id": "ret", "kind": "return", "uses": ["x"], "on": ["f1"]}
				]
			}`,
			"singleton() | calc(x := a) | filter(x) | return(x)",
		},
		{
			"constant true filter at a fan-in is kept",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "c1", "kind": "calculation", "set": "x", "expr": "true", "on": ["sg"]},
					{"id": "c2", "kind": "calculation", "set": "y", "expr": "b", "on": ["sg"]},
					{"id": "f1", "kind": "filter", "uses": ["x"], "on": ["c1", "c2"]},
					{"id": "ret", "kind": "return", "uses": ["x"], "on": ["f1"]}
				]
			}`,
			"(singleton() | calc(x := true), singleton() | calc(y := b)) | filter(x) | return(x)",
		},
		{
			"several true filters",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "c1", "kind": "calculation", "set": "x", "expr": "true", "on": ["sg"]},
					{"id": "f1", "kind": "filter", "uses": ["x"], "on": ["c1"]},
					{"id": "c2", "kind": "calculation", "set": "y", "expr": "true", "on": ["f1"]},
					{"id": "f2", "kind": "filter", "uses": ["y"], "on": ["c2"]},
					{"id": "ret", "kind": "return", "uses": ["x"], "on": ["f2"]}
				]
			}`,
			"singleton() | calc(x := true) | calc(y := true) | return(x)",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := testutil.ParsePlan(t, test.in)

			res, err := planner.RemoveUnnecessaryFiltersRule(p)
			require.NoError(t, err)
			require.Equal(t, planner.Keep, res.Disposition)
			require.Equal(t, test.expected, p.String())

			testutil.RequireAcyclic(t, p)
			testutil.RequireUsageConsistent(t, p)
		})
	}
}

func TestRemoveUnnecessaryFiltersRuleMissingSetter(t *testing.T) {
	p := testutil.ParsePlan(t, `{
		"root": "ret",
		"nodes": [
			{"id": "sg", "kind": "singleton"},
			{"id": "f1", "kind": "filter", "uses": ["ghost"], "on": ["sg"]},
			{"id": "c1", "kind": "calculation", "set": "x", "expr": "true", "on": ["f1"]},
			{"id": "ret", "kind": "return", "uses": ["x"], "on": ["c1"]}
		]
	}`)

	_, err := planner.RemoveUnnecessaryFiltersRule(p)
	require.Error(t, err)
}

func TestMoveCalculationsUpRule(t *testing.T) {
	tests := []struct {
		name         string
		in, expected string
	}{
		{
			"halts at shared variables",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "a", "kind": "calculation", "set": "v1", "expr": "a", "on": ["sg"]},
					{"id": "b", "kind": "calculation", "set": "v2", "expr": "b", "uses": ["v1"], "on": ["a"]},
					{"id": "c", "kind": "calculation", "set": "w", "expr": "c", "uses": ["v1"], "on": ["b"]},
					{"id": "ret", "kind": "return", "uses": ["w"], "on": ["c"]}
				]
			}`,
			"singleton() | calc(v1 := a) | calc(w := c) | calc(v2 := b) | return(w)",
		},
		{
			"throwing calculation is immovable",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "a", "kind": "calculation", "set": "v1", "expr": "a", "on": ["sg"]},
					{"id": "c", "kind": "calculation", "set": "w", "expr": "DIV", "throws": true, "on": ["a"]},
					{"id": "ret", "kind": "return", "uses": ["w"], "on": ["c"]}
				]
			}`,
			"singleton() | calc(v1 := a) | calc(w := DIV()) | return(w)",
		},
		{
			"already at the source",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "c", "kind": "calculation", "set": "w", "expr": "c", "on": ["sg"]},
					{"id": "ret", "kind": "return", "uses": ["w"], "on": ["c"]}
				]
			}`,
			"singleton() | calc(w := c) | return(w)",
		},
		{
			"moves over a filter",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "c1", "kind": "calculation", "set": "x", "expr": "true", "on": ["sg"]},
					{"id": "f", "kind": "filter", "uses": ["x"], "on": ["c1"]},
					{"id": "c2", "kind": "calculation", "set": "y", "expr": "b", "on": ["f"]},
					{"id": "ret", "kind": "return", "uses": ["y"], "on": ["c2"]}
				]
			}`,
			"singleton() | calc(y := b) | calc(x := true) | filter(x) | return(y)",
		},
		{
			"halts at fan-in",
			`{
				"root": "ret",
				"nodes": [
					{"id": "sg", "kind": "singleton"},
					{"id": "c1", "kind": "calculation", "set": "x", "expr": "a", "on": ["sg"]},
					{"id": "c2", "kind": "calculation", "set": "y", "expr": "b", "on": ["sg"]},
					{"id": "m", "kind": "calculation", "set": "z", "expr": "m", "on": ["c1", "c2"]},
					{"id": "c3", "kind": "calculation", "set": "w", "expr": "c", "on": ["m"]},
					{"id": "ret", "kind": "return", "uses": ["w"], "on": ["c3"]}
				]
			}`,
			"(singleton() | calc(x := a), singleton() | calc(y := b)) | calc(z := m) | calc(w := c) | return(w)",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := testutil.ParsePlan(t, test.in)

			res, err := planner.MoveCalculationsUpRule(p)
			require.NoError(t, err)
			require.Equal(t, planner.Keep, res.Disposition)
			require.Equal(t, test.expected, p.String())

			testutil.RequireAcyclic(t, p)
			testutil.RequireUsageConsistent(t, p)
		})
	}
}

func TestRemoveUnnecessaryCalculationsRule(t *testing.T) {
	t.Run("dead calculation", func(t *testing.T) {
		p := testutil.ParsePlan(t, `{
			"root": "ret",
			"nodes": [
				{"id": "sg", "kind": "singleton"},
				{"id": "c1", "kind": "calculation", "set": "x", "expr": "a", "on": ["sg"]},
				{"id": "c2", "kind": "calculation", "set": "y", "expr": "b", "on": ["c1"]},
				{"id": "ret", "kind": "return", "uses": ["x"], "on": ["c2"]}
			]
		}`)

		res, err := planner.RemoveUnnecessaryCalculationsRule(p)
		require.NoError(t, err)
		require.Equal(t, planner.Replace, res.Disposition)
		require.Equal(t, []*plan.Plan{p}, res.Alternatives)
		require.Equal(t, "singleton() | calc(x := a) | return(x)", p.String())

		testutil.RequireAcyclic(t, p)
		testutil.RequireUsageConsistent(t, p)

		// running the rule again is a no-op.
		res, err = planner.RemoveUnnecessaryCalculationsRule(p)
		require.NoError(t, err)
		require.Equal(t, planner.Keep, res.Disposition)
		require.Empty(t, res.Alternatives)
		require.Equal(t, "singleton() | calc(x := a) | return(x)", p.String())
	})

	t.Run("dead calculation at a fan-in is kept", func(t *testing.T) {
		p := testutil.ParsePlan(t, `{
			"root": "ret",
			"nodes": [
				{"id": "sg", "kind": "singleton"},
				{"id": "c1", "kind": "calculation", "set": "x", "expr": "a", "on": ["sg"]},
				{"id": "c2", "kind": "calculation", "set": "y", "expr": "b", "on": ["sg"]},
				{"id": "m", "kind": "calculation", "set": "z", "expr": "m", "uses": ["y"], "on": ["c1", "c2"]},
				{"id": "ret", "kind": "return", "uses": ["x"], "on": ["m"]}
			]
		}`)

		res, err := planner.RemoveUnnecessaryCalculationsRule(p)
		require.NoError(t, err)
		require.Equal(t, planner.Keep, res.Disposition)
		require.Equal(t, "(singleton() | calc(x := a), singleton() | calc(y := b)) | calc(z := m) | return(x)", p.String())

		testutil.RequireAcyclic(t, p)
		testutil.RequireUsageConsistent(t, p)
	})

	t.Run("throwing dead calculation is kept", func(t *testing.T) {
		p := testutil.ParsePlan(t, `{
			"root": "ret",
			"nodes": [
				{"id": "sg", "kind": "singleton"},
				{"id": "c1", "kind": "calculation", "set": "x", "expr": "a", "on": ["sg"]},
				{"id": "c2", "kind": "calculation", "set": "y", "expr": "DIV", "throws": true, "on": ["c1"]},
				{"id": "ret", "kind": "return", "uses": ["x"], "on": ["c2"]}
			]
		}`)

		res, err := planner.RemoveUnnecessaryCalculationsRule(p)
		require.NoError(t, err)
		require.Equal(t, planner.Keep, res.Disposition)
		require.Equal(t, "singleton() | calc(x := a) | calc(y := DIV()) | return(x)", p.String())
	})

	t.Run("live calculation is kept", func(t *testing.T) {
		p := testutil.ParsePlan(t, `{
			"root": "ret",
			"nodes": [
				{"id": "sg", "kind": "singleton"},
				{"id": "c1", "kind": "calculation", "set": "x", "expr": "a", "on": ["sg"]},
				{"id": "ret", "kind": "return", "uses": ["x"], "on": ["c1"]}
			]
		}`)

		res, err := planner.RemoveUnnecessaryCalculationsRule(p)
		require.NoError(t, err)
		require.Equal(t, planner.Keep, res.Disposition)
		require.Equal(t, "singleton() | calc(x := a) | return(x)", p.String())
	})
}

const pipelineFixture = `{
	"root": "ret",
	"nodes": [
		{"id": "sg", "kind": "singleton"},
		{"id": "cx", "kind": "calculation", "set": "x", "expr": "true", "on": ["sg"]},
		{"id": "f", "kind": "filter", "uses": ["x"], "on": ["cx"]},
		{"id": "cd", "kind": "calculation", "set": "d", "expr": "a", "on": ["f"]},
		{"id": "ret", "kind": "return", "uses": ["x"], "on": ["cd"]}
	]
}`

func TestOptimize(t *testing.T) {
	p := testutil.ParsePlan(t, pipelineFixture)

	o := planner.New(planner.DefaultRules)
	plans, err := o.Optimize(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, "singleton() | calc(x := true) | return(x)", plans[0].String())

	testutil.RequireAcyclic(t, plans[0])
	testutil.RequireUsageConsistent(t, plans[0])
}

func TestOptimizeDispositions(t *testing.T) {
	fork := func(p *plan.Plan) (planner.Result, error) {
		return planner.Result{Alternatives: []*plan.Plan{p.Clone()}}, nil
	}
	replace := func(p *plan.Plan) (planner.Result, error) {
		return planner.Result{
			Alternatives: []*plan.Plan{p.Clone()},
			Disposition:  planner.Replace,
		}, nil
	}

	t.Run("keep continues input and alternatives", func(t *testing.T) {
		p := testutil.ParsePlan(t, pipelineFixture)
		o := planner.New([]planner.Rule{{Name: "fork", Apply: fork}})

		plans, err := o.Optimize(context.Background(), p)
		require.NoError(t, err)
		require.Len(t, plans, 2)
	})

	t.Run("replace discards the input", func(t *testing.T) {
		p := testutil.ParsePlan(t, pipelineFixture)
		o := planner.New([]planner.Rule{{Name: "replace", Apply: replace}})

		plans, err := o.Optimize(context.Background(), p)
		require.NoError(t, err)
		require.Len(t, plans, 1)
		require.NotSame(t, p, plans[0])
	})

	t.Run("variant cap drops extra forks", func(t *testing.T) {
		p := testutil.ParsePlan(t, pipelineFixture)
		o := planner.New(
			[]planner.Rule{{Name: "fork", Apply: fork}, {Name: "fork", Apply: fork}, {Name: "fork", Apply: fork}},
			planner.WithMaxVariants(3),
		)

		plans, err := o.Optimize(context.Background(), p)
		require.NoError(t, err)
		require.LessOrEqual(t, len(plans), 3)
	})
}

func TestOptimizeRuleError(t *testing.T) {
	p := testutil.ParsePlan(t, `{
		"root": "ret",
		"nodes": [
			{"id": "sg", "kind": "singleton"},
			{"id": "f1", "kind": "filter", "uses": ["ghost"], "on": ["sg"]},
			{"id": "c1", "kind": "calculation", "set": "x", "expr": "true", "on": ["f1"]},
			{"id": "ret", "kind": "return", "uses": ["x"], "on": ["c1"]}
		]
	}`)

	o := planner.New(planner.DefaultRules)
	_, err := o.Optimize(context.Background(), p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "remove-unnecessary-filters")
}

func TestOptimizeCancelled(t *testing.T) {
	p := testutil.ParsePlan(t, pipelineFixture)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := planner.New(planner.DefaultRules)
	_, err := o.Optimize(ctx, p)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOptimizeParallel(t *testing.T) {
	fork := func(p *plan.Plan) (planner.Result, error) {
		return planner.Result{Alternatives: []*plan.Plan{p.Clone(), p.Clone()}}, nil
	}
	rules := append([]planner.Rule{{Name: "fork", Apply: fork}}, planner.DefaultRules...)

	sequential := planner.New(rules)
	seqPlans, err := sequential.Optimize(context.Background(), testutil.ParsePlan(t, pipelineFixture))
	require.NoError(t, err)

	parallel := planner.New(rules, planner.WithParallelism(4))
	parPlans, err := parallel.Optimize(context.Background(), testutil.ParsePlan(t, pipelineFixture))
	require.NoError(t, err)

	require.Equal(t, renderAll(seqPlans), renderAll(parPlans))
	for _, p := range parPlans {
		testutil.RequireAcyclic(t, p)
		testutil.RequireUsageConsistent(t, p)
	}
}

func renderAll(plans []*plan.Plan) []string {
	out := make([]string, len(plans))
	for i, p := range plans {
		out[i] = p.String()
	}
	slices.Sort(out)
	return out
}
