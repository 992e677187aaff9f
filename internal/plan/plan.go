package plan

import (
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// A Plan owns the DAG of nodes an execution plan is made of. Nodes are
// stored in an arena keyed by identity; the root is the node producing
// the final result.
//
// The plan is built once by the binder, which guarantees acyclicity and
// a single setter per variable, and thereafter mutated only through the
// primitives below. Every structural mutation bumps the plan
// generation; derived facts (variable setters, used-later sets) are
// tagged with the generation they were computed for and recomputed in
// full on first access when stale. There is no invalidation call to
// forget.
type Plan struct {
	nodes map[NodeID]Node
	root  NodeID

	nextNode NodeID
	nextVar  uint32

	generation uint64
	usage      *varUsage
}

func New() *Plan {
	return &Plan{nodes: make(map[NodeID]Node)}
}

// NewVar allocates a fresh variable. Ids are monotonic and unique
// within the plan.
func (p *Plan) NewVar(name string) *Variable {
	p.nextVar++
	return &Variable{ID: p.nextVar, Name: name}
}

// Add registers n, assigns its identity and wires its dependency edges
// to deps, in order. The node becomes the plan root; building a plan
// bottom-up therefore needs no explicit SetRoot call.
func (p *Plan) Add(n Node, deps ...Node) Node {
	p.nextNode++
	b := n.base()
	b.id = p.nextNode
	for _, dep := range deps {
		b.addDependency(dep.ID())
	}
	p.nodes[b.id] = n
	p.root = b.id
	p.touch()
	return n
}

func (p *Plan) SetRoot(n Node) {
	p.root = n.ID()
}

func (p *Plan) Root() Node {
	return p.nodes[p.root]
}

// Node returns the node with the given identity, or nil.
func (p *Plan) Node(id NodeID) Node {
	return p.nodes[id]
}

// Nodes returns every node of the plan in creation order.
func (p *Plan) Nodes() []Node {
	ids := maps.Keys(p.nodes)
	slices.Sort(ids)

	nodes := make([]Node, len(ids))
	for i, id := range ids {
		nodes[i] = p.nodes[id]
	}
	return nodes
}

// NodesOfKind returns every node of the given kind in creation order.
func (p *Plan) NodesOfKind(k Kind) []Node {
	var nodes []Node
	for _, n := range p.Nodes() {
		if n.Kind() == k {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Consumers returns the nodes that directly depend on n, in creation
// order.
func (p *Plan) Consumers(n Node) []Node {
	var consumers []Node
	for _, c := range p.Nodes() {
		if slices.Contains(c.Dependencies(), n.ID()) {
			consumers = append(consumers, c)
		}
	}
	return consumers
}

// RemoveNode detaches n from the graph and deletes it from the arena.
// n must currently sit in a unary chain: it must have exactly one
// dependency, which becomes the new input of every consumer of n. Any
// other shape is a bug in the calling rule, which must establish the
// precondition before calling.
func (p *Plan) RemoveNode(n Node) error {
	if _, ok := p.nodes[n.ID()]; !ok {
		return errors.AssertionFailedf("remove: node %s is not part of the plan", n)
	}
	deps := n.Dependencies()
	if len(deps) != 1 {
		return errors.AssertionFailedf("remove: node %s has %d dependencies, want 1", n, len(deps))
	}

	dep := deps[0]
	for _, c := range p.Consumers(n) {
		c.base().replaceDependency(n.ID(), dep)
	}
	if p.root == n.ID() {
		p.root = dep
	}
	delete(p.nodes, n.ID())
	p.touch()
	return nil
}

// RemoveNodes removes the given nodes one by one. Removal of distinct
// unary-chain nodes is order-independent.
func (p *Plan) RemoveNodes(nodes []Node) error {
	for _, n := range nodes {
		if err := p.RemoveNode(n); err != nil {
			return err
		}
	}
	return nil
}

// AddDependency adds an edge from n to dep. The caller is responsible
// for the structural argument that no cycle is introduced; acyclicity
// is not re-validated here.
func (p *Plan) AddDependency(n, dep Node) {
	n.base().addDependency(dep.ID())
	p.touch()
}

// RemoveDependency removes the edge from n to dep.
func (p *Plan) RemoveDependency(n, dep Node) error {
	if !n.base().removeDependency(dep.ID()) {
		return errors.AssertionFailedf("node %s does not depend on %s", n, dep)
	}
	p.touch()
	return nil
}

// ReplaceDependency rewires the edge from n to old so that it points to
// new instead, keeping its position. As with AddDependency, the caller
// owns the acyclicity argument.
func (p *Plan) ReplaceDependency(n, old, new Node) error {
	if !n.base().replaceDependency(old.ID(), new.ID()) {
		return errors.AssertionFailedf("node %s does not depend on %s", n, old)
	}
	p.touch()
	return nil
}

// Clone returns a deep copy of the plan. Nodes and their edges are
// copied; variables and expressions are immutable and shared. The copy
// shares no mutable state with the original and can be rewritten
// independently.
func (p *Plan) Clone() *Plan {
	c := &Plan{
		nodes:    make(map[NodeID]Node, len(p.nodes)),
		root:     p.root,
		nextNode: p.nextNode,
		nextVar:  p.nextVar,
	}
	for id, n := range p.nodes {
		c.nodes[id] = n.clone()
	}
	return c
}

func (p *Plan) touch() {
	p.generation++
}

func (p *Plan) String() string {
	root := p.Root()
	if root == nil {
		return ""
	}
	return p.render(root)
}

func (p *Plan) render(n Node) string {
	deps := n.Dependencies()
	switch len(deps) {
	case 0:
		return n.String()
	case 1:
		return p.render(p.nodes[deps[0]]) + " | " + n.String()
	default:
		parts := make([]string, len(deps))
		for i, d := range deps {
			parts[i] = p.render(p.nodes[d])
		}
		return "(" + strings.Join(parts, ", ") + ") | " + n.String()
	}
}
