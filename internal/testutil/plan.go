package testutil

import (
	"testing"

	"github.com/buger/jsonparser"
	"github.com/cockroachdb/errors"
	"github.com/opticdb/optic/internal/expr"
	"github.com/opticdb/optic/internal/plan"
	"github.com/stretchr/testify/require"
)

// ParsePlan builds a plan from a compact JSON description:
//
//	{
//	  "root": "ret",
//	  "nodes": [
//	    {"id": "sg", "kind": "singleton"},
//	    {"id": "c1", "kind": "calculation", "set": "x", "expr": "true", "on": ["sg"]},
//	    {"id": "f1", "kind": "filter", "uses": ["x"], "on": ["c1"]},
//	    {"id": "ret", "kind": "return", "uses": ["x"], "on": ["f1"]}
//	  ]
//	}
//
// Nodes must be declared before the nodes that depend on them.
// Variables are created on first mention, shared by name. The "expr"
// of a calculation is "true" or "false" for a constant, any other
// string for a non-constant expression; add "throws": true to make it
// a throwing one.
func ParsePlan(t testing.TB, src string) *plan.Plan {
	t.Helper()

	type nodeSpec struct {
		id, kind, set, expr string
		throws              bool
		uses, on            []string
	}

	data := []byte(src)
	root := getString(t, data, "root")

	var specs []nodeSpec
	_, err := jsonparser.ArrayEach(data, func(value []byte, _ jsonparser.ValueType, _ int, cbErr error) {
		require.NoError(t, cbErr)
		specs = append(specs, nodeSpec{
			id:     getString(t, value, "id"),
			kind:   getString(t, value, "kind"),
			set:    optString(t, value, "set"),
			expr:   optString(t, value, "expr"),
			throws: optBool(t, value, "throws"),
			uses:   optStrings(t, value, "uses"),
			on:     optStrings(t, value, "on"),
		})
	}, "nodes")
	require.NoError(t, err)

	p := plan.New()
	vars := make(map[string]*plan.Variable)
	nodes := make(map[string]plan.Node)

	varOf := func(name string) *plan.Variable {
		if v, ok := vars[name]; ok {
			return v
		}
		v := p.NewVar(name)
		vars[name] = v
		return v
	}

	for _, ns := range specs {
		var deps []plan.Node
		for _, dep := range ns.on {
			d, ok := nodes[dep]
			require.Truef(t, ok, "node %q depends on %q, which must be declared first", ns.id, dep)
			deps = append(deps, d)
		}
		var uses []*plan.Variable
		for _, u := range ns.uses {
			uses = append(uses, varOf(u))
		}

		var n plan.Node
		switch ns.kind {
		case "singleton":
			n = plan.Singleton()
		case "calculation":
			require.NotEmptyf(t, ns.set, "calculation %q sets no variable", ns.id)
			n = plan.Calculation(varOf(ns.set), parseExpr(ns.expr, ns.throws), uses...)
		case "filter":
			require.Lenf(t, uses, 1, "filter %q must use exactly one variable", ns.id)
			n = plan.Filter(uses[0])
		case "return":
			require.Lenf(t, uses, 1, "return %q must use exactly one variable", ns.id)
			n = plan.Return(uses[0])
		default:
			t.Fatalf("unknown node kind %q", ns.kind)
		}
		p.Add(n, deps...)
		nodes[ns.id] = n
	}

	rootNode, ok := nodes[root]
	require.Truef(t, ok, "root %q not declared", root)
	p.SetRoot(rootNode)
	return p
}

func parseExpr(src string, throws bool) expr.Expr {
	switch {
	case src == "true":
		return expr.Literal(true)
	case src == "false":
		return expr.Literal(false)
	case throws:
		return &expr.Call{Fn: src, Throws: true}
	default:
		return expr.Column(src)
	}
}

func getString(t testing.TB, data []byte, key string) string {
	t.Helper()

	s, err := jsonparser.GetString(data, key)
	require.NoError(t, err)
	return s
}

func optString(t testing.TB, data []byte, key string) string {
	t.Helper()

	s, err := jsonparser.GetString(data, key)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return ""
	}
	require.NoError(t, err)
	return s
}

func optBool(t testing.TB, data []byte, key string) bool {
	t.Helper()

	b, err := jsonparser.GetBoolean(data, key)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return false
	}
	require.NoError(t, err)
	return b
}

func optStrings(t testing.TB, data []byte, key string) []string {
	t.Helper()

	var out []string
	_, err := jsonparser.ArrayEach(data, func(value []byte, _ jsonparser.ValueType, _ int, cbErr error) {
		require.NoError(t, cbErr)
		out = append(out, string(value))
	}, key)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil
	}
	require.NoError(t, err)
	return out
}
