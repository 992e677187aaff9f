package testutil

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opticdb/optic/internal/plan"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

// RequireUsageConsistent checks the plan's derived used-later facts
// against a brute-force recomputation from scratch: for every node N,
// the used-later set must equal the union of the variables read by the
// nodes N is reachable from through dependency edges.
func RequireUsageConsistent(t testing.TB, p *plan.Plan) {
	t.Helper()

	want := make(map[plan.NodeID][]string)
	for _, n := range p.Nodes() {
		want[n.ID()] = []string{}
	}

	for _, consumer := range p.Nodes() {
		reach := make(map[plan.NodeID]bool)
		var walk func(id plan.NodeID)
		walk = func(id plan.NodeID) {
			for _, d := range p.Node(id).Dependencies() {
				if reach[d] {
					continue
				}
				reach[d] = true
				walk(d)
			}
		}
		walk(consumer.ID())

		for id := range reach {
			for _, v := range consumer.UsedHere() {
				want[id] = append(want[id], varKey(v))
			}
		}
	}
	for id := range want {
		slices.Sort(want[id])
		want[id] = slices.Compact(want[id])
	}

	got := make(map[plan.NodeID][]string)
	for _, n := range p.Nodes() {
		usedLater, err := p.VarsUsedLater(n)
		require.NoError(t, err)

		keys := []string{}
		for _, v := range usedLater.Sorted() {
			keys = append(keys, varKey(v))
		}
		got[n.ID()] = keys
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("used-later facts mismatch (-want +got):\n%s", diff)
	}
}

// RequireAcyclic walks the plan from its root and fails on any cycle or
// dangling dependency edge.
func RequireAcyclic(t testing.TB, p *plan.Plan) {
	t.Helper()

	const (
		walking = 1
		done    = 2
	)
	state := make(map[plan.NodeID]int)

	var visit func(id plan.NodeID)
	visit = func(id plan.NodeID) {
		require.NotEqualf(t, walking, state[id], "cycle through node %d", id)
		if state[id] == done {
			return
		}
		state[id] = walking
		for _, d := range p.Node(id).Dependencies() {
			require.NotNilf(t, p.Node(d), "dangling edge from node %d to node %d", id, d)
			visit(d)
		}
		state[id] = done
	}

	root := p.Root()
	require.NotNil(t, root)
	visit(root.ID())
}

func varKey(v *plan.Variable) string {
	return fmt.Sprintf("%d:%s", v.ID, v.Name)
}
