package plan

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// A Variable identifies a value produced at one point of the plan and
// consumed at others. Variables are created by the plan that owns them
// and referenced, never owned, by nodes. They are immutable.
type Variable struct {
	ID   uint32
	Name string
}

func (v *Variable) String() string {
	return v.Name
}

// A VarSet is a set of variables keyed by identity.
type VarSet map[uint32]*Variable

func NewVarSet(vars ...*Variable) VarSet {
	s := make(VarSet, len(vars))
	s.Add(vars...)
	return s
}

func (s VarSet) Add(vars ...*Variable) {
	for _, v := range vars {
		s[v.ID] = v
	}
}

func (s VarSet) Merge(other VarSet) {
	for id, v := range other {
		s[id] = v
	}
}

func (s VarSet) Contains(v *Variable) bool {
	_, ok := s[v.ID]
	return ok
}

// ContainsAny reports whether the set intersects vars.
func (s VarSet) ContainsAny(vars ...*Variable) bool {
	for _, v := range vars {
		if s.Contains(v) {
			return true
		}
	}
	return false
}

// Sorted returns the variables ordered by id, for deterministic
// iteration.
func (s VarSet) Sorted() []*Variable {
	ids := maps.Keys(s)
	slices.Sort(ids)

	vars := make([]*Variable, len(ids))
	for i, id := range ids {
		vars[i] = s[id]
	}
	return vars
}
