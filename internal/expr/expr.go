// Package expr implements the Expression Evaluator (spec.md §4.2): a pure,
// re-entrant interpreter over a typed AST of boolean/arithmetic/windowed/
// custom-function nodes, evaluated against current Signal History Buffer
// state. The evaluator never blocks and never returns a Go error; every
// failure becomes (Undefined, ErrorCode), per spec.md §7's propagation
// policy.
//
// The AST is a flat []Node with integer indices rather than an
// owning-pointer tree (spec.md §9 "Expression tree as flat array with
// indices"), so the tree can be built once per campaign and evaluated
// every tick without allocation.
package expr

import (
	"github.com/snarg/edge-agent/internal/history"
	"github.com/snarg/edge-agent/internal/signalid"
)

// ErrorCode enumerates why evaluation produced Undefined. The zero value
// means "no error" and is only meaningful alongside a defined result.
type ErrorCode int

const (
	OK ErrorCode = iota
	NumericError
	TypeMismatch
	UndefinedValue
)

func (e ErrorCode) String() string {
	switch e {
	case OK:
		return "ok"
	case NumericError:
		return "numeric_error"
	case TypeMismatch:
		return "type_mismatch"
	case UndefinedValue:
		return "undefined_value"
	default:
		return "unknown"
	}
}

// Kind tags the variant of an ExpressionNode (spec.md §3).
type Kind int

const (
	KindConstant Kind = iota
	KindSignalRef
	KindLastReceptionTime
	KindWindow
	KindBinaryOp
	KindUnaryOp
	KindCustomFunction
	KindIsNull
)

type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpAnd
	OpOr
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpBitAnd
	OpBitOr
	OpBitXor
)

type UnOp int

const (
	OpNot UnOp = iota
	OpNeg
)

// Node is one entry of the flat AST array. Only the fields relevant to Kind
// are meaningful; the zero value of the rest is ignored.
type Node struct {
	Kind Kind

	// KindConstant
	Const signalid.Value

	// KindSignalRef, KindLastReceptionTime, KindIsNull
	SignalID signalid.ID

	// KindWindow
	WindowFn history.ReduceFn
	WindowMs int64

	// KindBinaryOp
	Op          BinOp
	Left, Right int

	// KindUnaryOp
	UOp   UnOp
	Child int

	// KindCustomFunction
	FuncName string
	Args     []int
}

// Tree is a flat expression AST; node 0 is always the root (spec.md §9).
type Tree []Node

// FunctionInvoker is the evaluator's view of the Custom Function Registry
// (package customfn implements this via structural typing — expr does not
// import customfn, avoiding a cycle since customfn depends on expr's
// ErrorCode).
type FunctionInvoker interface {
	Invoke(invocationID uint64, name string, args []Result) Result
}

// InvocationIDs resolves the call-site invocation id for a CustomFunction
// node under the campaign currently being evaluated (package inspection
// implements this per spec.md §4.3: stable per (campaign_id, node_index)).
type InvocationIDs interface {
	InvocationID(nodeIndex int) uint64
}

// Result is the outcome of evaluating one node: either a defined Value, or
// Undefined with an ErrorCode explaining why.
type Result struct {
	Value   signalid.Value
	Defined bool
	Code    ErrorCode
}

func Undefined(code ErrorCode) Result { return Result{Code: code} }
func Defined(v signalid.Value) Result { return Result{Value: v, Defined: true} }

func (r Result) Bool() bool {
	if !r.Defined {
		return false
	}
	b, _ := r.Value.AsBool()
	return b
}

// Evaluate interprets tree against buf as of timestamp now (monotonic ms),
// delegating custom-function calls to fns using invocation ids from ids.
// Pure and re-entrant: performs no I/O and mutates no external state other
// than what fns themselves do.
func Evaluate(tree Tree, now int64, buf *history.History, fns FunctionInvoker, ids InvocationIDs) Result {
	if len(tree) == 0 {
		return Undefined(UndefinedValue)
	}
	return evalNode(tree, 0, now, buf, fns, ids)
}

func evalNode(tree Tree, idx int, now int64, buf *history.History, fns FunctionInvoker, ids InvocationIDs) Result {
	if idx < 0 || idx >= len(tree) {
		return Undefined(UndefinedValue)
	}
	n := tree[idx]

	switch n.Kind {
	case KindConstant:
		return Defined(n.Const)

	case KindSignalRef:
		v, _, ok := buf.Latest(n.SignalID)
		if !ok {
			return Undefined(UndefinedValue)
		}
		return Defined(v)

	case KindLastReceptionTime:
		ts, ok := buf.LastReceptionTime(n.SignalID)
		if !ok {
			return Undefined(UndefinedValue)
		}
		return Defined(signalid.NumValue(signalid.TypeI64, float64(ts)))

	case KindIsNull:
		return Defined(signalid.BoolValue(buf.IsNull(n.SignalID)))

	case KindWindow:
		v, _, ok := buf.Reduce(n.SignalID, n.WindowFn, n.WindowMs, now)
		if !ok {
			return Undefined(UndefinedValue)
		}
		return Defined(v)

	case KindUnaryOp:
		c := evalNode(tree, n.Child, now, buf, fns, ids)
		return evalUnary(n.UOp, c)

	case KindBinaryOp:
		return evalBinary(tree, n, now, buf, fns, ids)

	case KindCustomFunction:
		args := make([]Result, len(n.Args))
		for i, a := range n.Args {
			args[i] = evalNode(tree, a, now, buf, fns, ids)
		}
		if fns == nil || ids == nil {
			return Undefined(UndefinedValue)
		}
		return fns.Invoke(ids.InvocationID(idx), n.FuncName, args)

	default:
		return Undefined(UndefinedValue)
	}
}

func evalUnary(op UnOp, c Result) Result {
	switch op {
	case OpNot:
		if !c.Defined {
			return Undefined(UndefinedValue)
		}
		b, _ := c.Value.AsBool()
		return Defined(signalid.BoolValue(!b))
	case OpNeg:
		if !c.Defined {
			return Undefined(UndefinedValue)
		}
		f, ok := c.Value.AsFloat64()
		if !ok {
			return Undefined(TypeMismatch)
		}
		return Defined(signalid.NumValue(signalid.TypeF64, -f))
	default:
		return Undefined(UndefinedValue)
	}
}

// evalBinary implements short-circuit boolean evaluation (spec.md §4.2):
// && and || must not evaluate the right child once the left child alone
// determines the result.
func evalBinary(tree Tree, n Node, now int64, buf *history.History, fns FunctionInvoker, ids InvocationIDs) Result {
	left := evalNode(tree, n.Left, now, buf, fns, ids)

	if n.Op == OpAnd {
		if left.Defined {
			if b, _ := left.Value.AsBool(); !b {
				return Defined(signalid.BoolValue(false))
			}
		}
		right := evalNode(tree, n.Right, now, buf, fns, ids)
		if !left.Defined || !right.Defined {
			return Undefined(UndefinedValue)
		}
		lb, _ := left.Value.AsBool()
		rb, _ := right.Value.AsBool()
		return Defined(signalid.BoolValue(lb && rb))
	}

	if n.Op == OpOr {
		if left.Defined {
			if b, _ := left.Value.AsBool(); b {
				return Defined(signalid.BoolValue(true))
			}
		}
		right := evalNode(tree, n.Right, now, buf, fns, ids)
		if !left.Defined || !right.Defined {
			return Undefined(UndefinedValue)
		}
		lb, _ := left.Value.AsBool()
		rb, _ := right.Value.AsBool()
		return Defined(signalid.BoolValue(lb || rb))
	}

	right := evalNode(tree, n.Right, now, buf, fns, ids)
	if !left.Defined || !right.Defined {
		return Undefined(UndefinedValue)
	}

	// Equality on strings requires both sides to be strings (spec.md §4.2).
	if n.Op == OpEq || n.Op == OpNeq {
		if left.Value.Type == signalid.TypeString || right.Value.Type == signalid.TypeString {
			if left.Value.Type != signalid.TypeString || right.Value.Type != signalid.TypeString {
				return Undefined(TypeMismatch)
			}
			eq := left.Value.Str == right.Value.Str
			if n.Op == OpNeq {
				eq = !eq
			}
			return Defined(signalid.BoolValue(eq))
		}
	}

	lf, lok := left.Value.AsFloat64()
	rf, rok := right.Value.AsFloat64()
	if !lok || !rok {
		return Undefined(TypeMismatch)
	}

	switch n.Op {
	case OpAdd:
		return Defined(signalid.NumValue(signalid.TypeF64, lf+rf))
	case OpSub:
		return Defined(signalid.NumValue(signalid.TypeF64, lf-rf))
	case OpMul:
		return Defined(signalid.NumValue(signalid.TypeF64, lf*rf))
	case OpDiv:
		if rf == 0 {
			return Undefined(NumericError)
		}
		return Defined(signalid.NumValue(signalid.TypeF64, lf/rf))
	case OpEq:
		return Defined(signalid.BoolValue(lf == rf))
	case OpNeq:
		return Defined(signalid.BoolValue(lf != rf))
	case OpLt:
		return Defined(signalid.BoolValue(lf < rf))
	case OpLte:
		return Defined(signalid.BoolValue(lf <= rf))
	case OpGt:
		return Defined(signalid.BoolValue(lf > rf))
	case OpGte:
		return Defined(signalid.BoolValue(lf >= rf))
	case OpBitAnd:
		return Defined(signalid.NumValue(signalid.TypeI64, float64(int64(lf)&int64(rf))))
	case OpBitOr:
		return Defined(signalid.NumValue(signalid.TypeI64, float64(int64(lf)|int64(rf))))
	case OpBitXor:
		return Defined(signalid.NumValue(signalid.TypeI64, float64(int64(lf)^int64(rf))))
	default:
		return Undefined(UndefinedValue)
	}
}
