package expr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// An Expr is the computation attached to a calculation or filter node.
// The optimizer never evaluates expressions; it only inspects the
// facts below to decide whether a node can be moved or removed.
type Expr interface {
	// IsConstant reports whether the expression always evaluates to
	// the same value, independently of any row or variable.
	IsConstant() bool
	// Boolean returns the boolean value of a constant expression.
	// Calling it on a non-constant expression is a bug in the caller.
	Boolean() (bool, error)
	// CanThrow reports whether evaluating the expression may raise a
	// runtime error. A throwing expression pins its node in place:
	// moving or dropping it would change when, or whether, the error
	// is observed.
	CanThrow() bool
	String() string
}

// A Literal is a constant boolean expression.
type Literal bool

func (l Literal) IsConstant() bool { return true }

func (l Literal) Boolean() (bool, error) { return bool(l), nil }

func (l Literal) CanThrow() bool { return false }

func (l Literal) String() string {
	if l {
		return "true"
	}
	return "false"
}

// A Column references a column of the incoming row.
type Column string

func (c Column) IsConstant() bool { return false }

func (c Column) Boolean() (bool, error) {
	return false, errors.AssertionFailedf("boolean value of non-constant expression %s", c)
}

func (c Column) CanThrow() bool { return false }

func (c Column) String() string { return string(c) }

// A Call invokes a function on each row. Whether it can throw depends
// on the function: DIV can, CONCAT cannot.
type Call struct {
	Fn     string
	Throws bool
}

func (c *Call) IsConstant() bool { return false }

func (c *Call) Boolean() (bool, error) {
	return false, errors.AssertionFailedf("boolean value of non-constant expression %s", c)
}

func (c *Call) CanThrow() bool { return c.Throws }

func (c *Call) String() string { return fmt.Sprintf("%s()", c.Fn) }
