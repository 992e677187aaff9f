package plan

import (
	"github.com/cockroachdb/errors"
)

// varUsage holds the derived variable-usage facts of a plan: for every
// variable the node that sets it, and for every node the set of
// variables still read somewhere downstream of it. The facts are valid
// for exactly one plan generation and recomputed in one pass over the
// whole plan when stale. Full recomputation trades a little performance
// for exactness: after any number of structural edits the facts are
// correct, never incrementally patched.
type varUsage struct {
	generation uint64
	setters    map[uint32]NodeID
	usedLater  map[NodeID]VarSet
}

func (p *Plan) usageFacts() *varUsage {
	if p.usage != nil && p.usage.generation == p.generation {
		return p.usage
	}

	u := &varUsage{
		generation: p.generation,
		setters:    make(map[uint32]NodeID, len(p.nodes)),
		usedLater:  make(map[NodeID]VarSet, len(p.nodes)),
	}

	// Consumer counts drive a reverse topological walk: a node's
	// used-later set is final once every node depending on it has been
	// processed.
	pending := make(map[NodeID]int, len(p.nodes))
	var queue []NodeID
	for id, n := range p.nodes {
		u.usedLater[id] = VarSet{}
		for _, v := range n.SetHere() {
			u.setters[v.ID] = id
		}
		for _, d := range n.Dependencies() {
			pending[d]++
		}
	}
	for id := range p.nodes {
		if pending[id] == 0 {
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		n := p.nodes[id]
		for _, d := range n.Dependencies() {
			ul := u.usedLater[d]
			ul.Add(n.UsedHere()...)
			ul.Merge(u.usedLater[id])

			pending[d]--
			if pending[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	p.usage = u
	return u
}

// VarSetBy returns the unique node that defines v. A used variable
// without a setter indicates a bug in an earlier stage or rule.
func (p *Plan) VarSetBy(v *Variable) (Node, error) {
	u := p.usageFacts()
	id, ok := u.setters[v.ID]
	if !ok {
		return nil, errors.AssertionFailedf("variable %s has no setter", v)
	}
	return p.nodes[id], nil
}

// VarsUsedLater returns the set of variables read by any node strictly
// downstream of n, i.e. any node n's output flows into. A variable
// defined at n that is not in this set is dead at n. The returned set
// is the caller's own copy; mutating it leaves the cached facts intact.
func (p *Plan) VarsUsedLater(n Node) (VarSet, error) {
	u := p.usageFacts()
	s, ok := u.usedLater[n.ID()]
	if !ok {
		return nil, errors.AssertionFailedf("node %s is not part of the plan", n)
	}

	out := make(VarSet, len(s))
	out.Merge(s)
	return out, nil
}
