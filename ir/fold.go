package ir

import (
	"flowvm/value"
	"flowvm/vm"
)

// tryFold evaluates instr at compile time when every operand is a pool
// constant, returning the new constant (interned into pool) and true, or
// a zero ValueRef and false when instr's VMOp has no compile-time folding
// rule — IP/CIDR/RegExp operands and string pattern matching are left for
// the VM to evaluate at run time, since folding them would duplicate the
// VM's own opcode semantics for cases this toolchain's demo programs never
// actually hit as constants.
func tryFold(instr *Instr, pool *value.Pool) (ValueRef, bool) {
	switch len(instr.Args) {
	case 1:
		return tryFoldUnary(instr, pool)
	case 2:
		return tryFoldBinary(instr, pool)
	default:
		return ValueRef{}, false
	}
}

func constInt(pool *value.Pool, ref ValueRef) (int64, bool) {
	if !ref.Const || ref.Kind != value.Number {
		return 0, false
	}
	return pool.Ints[ref.Pool], true
}

func constBool(pool *value.Pool, ref ValueRef) (bool, bool) {
	if !ref.Const || ref.Kind != value.Boolean {
		return false, false
	}
	return pool.Bools[ref.Pool], true
}

func constStr(pool *value.Pool, ref ValueRef) (string, bool) {
	if !ref.Const || ref.Kind != value.String {
		return "", false
	}
	return pool.Strings[ref.Pool], true
}

func tryFoldUnary(instr *Instr, pool *value.Pool) (ValueRef, bool) {
	switch instr.VMOp {
	case vm.NNEG:
		if n, ok := constInt(pool, instr.Args[0]); ok {
			return ConstRef(value.Number, int(pool.AddInt(-n))), true
		}
	case vm.NNOT:
		if n, ok := constInt(pool, instr.Args[0]); ok {
			return ConstRef(value.Number, int(pool.AddInt(^n))), true
		}
	case vm.BNOT:
		if b, ok := constBool(pool, instr.Args[0]); ok {
			return ConstRef(value.Boolean, int(pool.AddBool(!b))), true
		}
	}
	return ValueRef{}, false
}

func tryFoldBinary(instr *Instr, pool *value.Pool) (ValueRef, bool) {
	lhs, rhs := instr.Args[0], instr.Args[1]

	if a, ok := constInt(pool, lhs); ok {
		if b, ok2 := constInt(pool, rhs); ok2 {
			if v, ok3 := foldIntOp(instr.VMOp, a, b, pool); ok3 {
				return v, true
			}
		}
	}
	if a, ok := constBool(pool, lhs); ok {
		if b, ok2 := constBool(pool, rhs); ok2 {
			if v, ok3 := foldBoolOp(instr.VMOp, a, b, pool); ok3 {
				return v, true
			}
		}
	}
	if a, ok := constStr(pool, lhs); ok {
		if b, ok2 := constStr(pool, rhs); ok2 {
			if v, ok3 := foldStrOp(instr.VMOp, a, b, pool); ok3 {
				return v, true
			}
		}
	}
	return ValueRef{}, false
}

func foldIntOp(op vm.Opcode, a, b int64, pool *value.Pool) (ValueRef, bool) {
	switch op {
	case vm.NADD:
		return ConstRef(value.Number, int(pool.AddInt(a+b))), true
	case vm.NSUB:
		return ConstRef(value.Number, int(pool.AddInt(a-b))), true
	case vm.NMUL:
		return ConstRef(value.Number, int(pool.AddInt(a*b))), true
	case vm.NDIV:
		if b == 0 {
			return ValueRef{}, false
		}
		return ConstRef(value.Number, int(pool.AddInt(a/b))), true
	case vm.NREM:
		if b == 0 {
			return ValueRef{}, false
		}
		return ConstRef(value.Number, int(pool.AddInt(a%b))), true
	case vm.NSHL:
		return ConstRef(value.Number, int(pool.AddInt(a<<uint(b)))), true
	case vm.NSHR:
		return ConstRef(value.Number, int(pool.AddInt(a>>uint(b)))), true
	case vm.NAND:
		return ConstRef(value.Number, int(pool.AddInt(a&b))), true
	case vm.NOR:
		return ConstRef(value.Number, int(pool.AddInt(a|b))), true
	case vm.NXOR:
		return ConstRef(value.Number, int(pool.AddInt(a^b))), true
	case vm.NCMPEQ:
		return ConstRef(value.Boolean, int(pool.AddBool(a == b))), true
	case vm.NCMPNE:
		return ConstRef(value.Boolean, int(pool.AddBool(a != b))), true
	case vm.NCMPLT:
		return ConstRef(value.Boolean, int(pool.AddBool(a < b))), true
	case vm.NCMPLE:
		return ConstRef(value.Boolean, int(pool.AddBool(a <= b))), true
	case vm.NCMPGT:
		return ConstRef(value.Boolean, int(pool.AddBool(a > b))), true
	case vm.NCMPGE:
		return ConstRef(value.Boolean, int(pool.AddBool(a >= b))), true
	default:
		return ValueRef{}, false
	}
}

func foldBoolOp(op vm.Opcode, a, b bool, pool *value.Pool) (ValueRef, bool) {
	switch op {
	case vm.BXOR:
		return ConstRef(value.Boolean, int(pool.AddBool(a != b))), true
	case vm.BAND:
		return ConstRef(value.Boolean, int(pool.AddBool(a && b))), true
	case vm.BOR:
		return ConstRef(value.Boolean, int(pool.AddBool(a || b))), true
	default:
		return ValueRef{}, false
	}
}

func foldStrOp(op vm.Opcode, a, b string, pool *value.Pool) (ValueRef, bool) {
	switch op {
	case vm.SADD:
		return ConstRef(value.String, int(pool.AddString(a+b))), true
	case vm.SCMPEQ:
		return ConstRef(value.Boolean, int(pool.AddBool(a == b))), true
	case vm.SCMPNE:
		return ConstRef(value.Boolean, int(pool.AddBool(a != b))), true
	case vm.SCMPLT:
		return ConstRef(value.Boolean, int(pool.AddBool(a < b))), true
	case vm.SCMPLE:
		return ConstRef(value.Boolean, int(pool.AddBool(a <= b))), true
	case vm.SCMPGT:
		return ConstRef(value.Boolean, int(pool.AddBool(a > b))), true
	case vm.SCMPGE:
		return ConstRef(value.Boolean, int(pool.AddBool(a >= b))), true
	default:
		return ValueRef{}, false
	}
}
