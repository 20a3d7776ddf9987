package expr

import (
	"fmt"

	"github.com/polyquery/polyquery/pkg/record"
)

// Node is one of *Literal, *FieldRef, *BinaryOp or *UnaryOp. Nodes are never
// mutated after parsing, so a compiled tree is shared freely between
// goroutines.
type Node interface {
	// Pos is the 1-based offset of the node's first token.
	Pos() int
	String() string
	node()
}

type Op string

const (
	OpAdd Op = "+"
	OpSub Op = "-"
	OpMul Op = "*"
	OpDiv Op = "/"
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLe  Op = "<="
	OpGt  Op = ">"
	OpGe  Op = ">="
	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"
	OpNeg Op = "-"
)

type Literal struct {
	Value record.Value
	pos   int
}

type FieldRef struct {
	Name string
	pos  int
}

type BinaryOp struct {
	Op          Op
	Left, Right Node
	// opPos locates the operator token, which is where evaluation errors
	// are reported.
	opPos int
}

type UnaryOp struct {
	Op      Op
	Operand Node
	pos     int
}

func (n *Literal) Pos() int  { return n.pos }
func (n *FieldRef) Pos() int { return n.pos }
func (n *BinaryOp) Pos() int { return n.Left.Pos() }
func (n *UnaryOp) Pos() int  { return n.pos }

func (*Literal) node()  {}
func (*FieldRef) node() {}
func (*BinaryOp) node() {}
func (*UnaryOp) node()  {}

func (n *Literal) String() string  { return n.Value.String() }
func (n *FieldRef) String() string { return n.Name }
func (n *BinaryOp) String() string {
	return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right)
}
func (n *UnaryOp) String() string {
	if n.Op == OpNot {
		return fmt.Sprintf("(not %s)", n.Operand)
	}
	return fmt.Sprintf("(-%s)", n.Operand)
}
