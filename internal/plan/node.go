package plan

import (
	"fmt"

	"github.com/opticdb/optic/internal/expr"
	"golang.org/x/exp/slices"
)

// A NodeID is the stable identity of a node within its plan.
// Dependency edges are stored as identities rather than references so
// that removing or re-parenting a node can never leave a dangling
// pointer behind.
type NodeID uint32

// Kind discriminates the operator variants.
type Kind uint8

const (
	KindSingleton Kind = iota + 1
	KindCalculation
	KindFilter
	KindReturn
)

func (k Kind) String() string {
	switch k {
	case KindSingleton:
		return "singleton"
	case KindCalculation:
		return "calculation"
	case KindFilter:
		return "filter"
	case KindReturn:
		return "return"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// A Node is one operator of an execution plan. The set of variants is
// closed: the interface carries unexported methods so that only this
// package can implement it, and callers access variant-specific fields
// through type switches instead of unchecked downcasts.
//
// Every node declares which variables its own operation reads
// (UsedHere) and defines (SetHere). Facts about the rest of the plan,
// such as which variables are still needed downstream, live on the
// plan, not on the node.
type Node interface {
	ID() NodeID
	Kind() Kind
	// Dependencies returns the identities of the nodes producing this
	// node's input, in order. The returned slice must not be mutated;
	// edges are rewired through the plan primitives.
	Dependencies() []NodeID
	UsedHere() []*Variable
	SetHere() []*Variable
	String() string

	clone() Node
	base() *baseNode
}

type baseNode struct {
	id   NodeID
	deps []NodeID
}

func (n *baseNode) ID() NodeID { return n.id }

func (n *baseNode) Dependencies() []NodeID { return n.deps }

func (n *baseNode) base() *baseNode { return n }

func (n *baseNode) addDependency(id NodeID) {
	n.deps = append(n.deps, id)
}

func (n *baseNode) removeDependency(id NodeID) bool {
	i := slices.Index(n.deps, id)
	if i < 0 {
		return false
	}
	n.deps = slices.Delete(n.deps, i, i+1)
	return true
}

func (n *baseNode) replaceDependency(old, new NodeID) bool {
	i := slices.Index(n.deps, old)
	if i < 0 {
		return false
	}
	n.deps[i] = new
	return true
}

func (n *baseNode) cloneBase() baseNode {
	return baseNode{id: n.id, deps: slices.Clone(n.deps)}
}

// A SingletonNode produces exactly one empty row. It is the start node
// of the plan and the only node allowed to have zero dependencies.
type SingletonNode struct {
	baseNode
}

// Singleton returns a new start node.
func Singleton() *SingletonNode {
	return &SingletonNode{}
}

func (n *SingletonNode) Kind() Kind { return KindSingleton }

func (n *SingletonNode) UsedHere() []*Variable { return nil }

func (n *SingletonNode) SetHere() []*Variable { return nil }

func (n *SingletonNode) String() string { return "singleton()" }

func (n *SingletonNode) clone() Node {
	return &SingletonNode{baseNode: n.cloneBase()}
}

// A CalculationNode evaluates an expression for every row and stores
// the result in its variable.
type CalculationNode struct {
	baseNode

	Var  *Variable
	Expr expr.Expr
	// Uses are the variables the expression reads, declared by the
	// plan builder. The optimizer treats the expression itself as
	// opaque.
	Uses []*Variable
}

// Calculation returns a node that computes e into v. uses lists the
// variables e reads.
func Calculation(v *Variable, e expr.Expr, uses ...*Variable) *CalculationNode {
	return &CalculationNode{Var: v, Expr: e, Uses: uses}
}

func (n *CalculationNode) Kind() Kind { return KindCalculation }

func (n *CalculationNode) UsedHere() []*Variable { return n.Uses }

func (n *CalculationNode) SetHere() []*Variable { return []*Variable{n.Var} }

func (n *CalculationNode) String() string {
	return fmt.Sprintf("calc(%s := %s)", n.Var, n.Expr)
}

func (n *CalculationNode) clone() Node {
	return &CalculationNode{
		baseNode: n.cloneBase(),
		Var:      n.Var,
		Expr:     n.Expr,
		Uses:     slices.Clone(n.Uses),
	}
}

// A FilterNode drops every row for which its input variable is not
// true.
type FilterNode struct {
	baseNode

	Input *Variable
}

// Filter returns a node that filters rows on in.
func Filter(in *Variable) *FilterNode {
	return &FilterNode{Input: in}
}

func (n *FilterNode) Kind() Kind { return KindFilter }

func (n *FilterNode) UsedHere() []*Variable { return []*Variable{n.Input} }

func (n *FilterNode) SetHere() []*Variable { return nil }

func (n *FilterNode) String() string {
	return fmt.Sprintf("filter(%s)", n.Input)
}

func (n *FilterNode) clone() Node {
	return &FilterNode{baseNode: n.cloneBase(), Input: n.Input}
}

// A ReturnNode emits its input variable as the query result.
type ReturnNode struct {
	baseNode

	Input *Variable
}

// Return returns a node that emits in.
func Return(in *Variable) *ReturnNode {
	return &ReturnNode{Input: in}
}

func (n *ReturnNode) Kind() Kind { return KindReturn }

func (n *ReturnNode) UsedHere() []*Variable { return []*Variable{n.Input} }

func (n *ReturnNode) SetHere() []*Variable { return nil }

func (n *ReturnNode) String() string {
	return fmt.Sprintf("return(%s)", n.Input)
}

func (n *ReturnNode) clone() Node {
	return &ReturnNode{baseNode: n.cloneBase(), Input: n.Input}
}
