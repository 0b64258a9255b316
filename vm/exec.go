package vm

import (
	"net"
	"strconv"
	"strings"

	"flowvm/value"
)

// Run executes the handler from its current PC until it returns, suspends,
// or faults. true means a handler opcode signalled "handled" (spec.md
// §4.9.1); false means the handler completed without handling, or is now
// suspended.
func (r *Runner) Run() (handled bool, err error) {
	if r.state == Suspended {
		return false, nil
	}
	r.state = Running
	defer r.recoverFault(&err)

	for {
		if r.pc >= len(r.handler.Code) {
			r.state = Inactive
			return false, nil
		}
		done, h, suspend := r.step()
		if suspend {
			r.state = Suspended
			return false, nil
		}
		if done {
			r.state = Inactive
			return h, nil
		}
	}
}

// Resume continues a Suspended Runner from its saved PC.
func (r *Runner) Resume() (handled bool, err error) {
	if r.state != Suspended {
		return false, nil
	}
	r.suspendRequested = false
	r.state = Running
	return r.Run()
}

func (r *Runner) recoverFault(err *error) {
	if rec := recover(); rec != nil {
		r.state = Inactive
		if f, ok := rec.(*Fault); ok {
			if r.faultSink != nil {
				r.faultSink(f)
			}
			*err = f
			return
		}
		if asErr, ok := rec.(error); ok {
			// A native callback's own error, not a VM fault: surfaced
			// as-is so the host can tell the two apart.
			*err = asErr
			return
		}
		f := newFault(FaultPCOutOfBounds, r.handler.Name, r.pc)
		if r.faultSink != nil {
			r.faultSink(f)
		}
		*err = f
	}
}

// step executes exactly one instruction, returning (terminated, handled,
// suspended). terminated is true for EXIT/return or a handler/native call
// that signalled "handled". suspended is true if a native callback called
// Suspend during this step.
func (r *Runner) step() (terminated, handled, suspended bool) {
	w := r.handler.Code[r.pc]
	r.pc++
	op := w.Opcode()
	if !op.Valid() {
		panic(newFault(FaultUnknownOpcode, r.handler.Name, r.pc-1))
	}

	switch op {
	case NOP:
		// no-op

	case EXIT:
		return true, w.A() != 0, false

	case JMP:
		r.pc = int(w.A())

	case JN:
		if r.pop().Num != 0 {
			r.pc = int(w.A())
		}

	case JZ:
		if r.pop().Num == 0 {
			r.pc = int(w.A())
		}

	case ALLOCA:
		r.alloca(w.A())

	case DISCARD:
		r.discard(int(w.A()))

	case LOAD:
		r.push(r.slot(w.A()))

	case STORE:
		r.setSlot(w.A(), r.pop())

	case MOV:
		r.setSlot(w.A(), r.slot(w.B()))

	case ILOAD:
		r.push(value.Num(int64(w.SignedA())))

	case NLOAD:
		idx := value.PoolIndex(w.A())
		r.checkPool(idx, len(r.program.Pool.Ints))
		r.push(value.Num(r.program.Pool.Ints[idx]))

	case SLOAD:
		idx := value.PoolIndex(w.A())
		r.checkPool(idx, len(r.program.Pool.Strings))
		r.push(value.Str(r.program.Pool.Strings[idx]))

	case PLOAD:
		idx := value.PoolIndex(w.A())
		r.checkPool(idx, len(r.program.Pool.IPs))
		r.push(r.program.Pool.IPs[idx])

	case CLOAD:
		idx := value.PoolIndex(w.A())
		r.checkPool(idx, len(r.program.Pool.Cidrs))
		r.push(r.program.Pool.Cidrs[idx])

	case ITLOAD:
		idx := value.PoolIndex(w.A())
		r.checkPool(idx, len(r.program.Pool.IntArrays))
		r.push(value.IntArr(r.program.Pool.IntArrays[idx]))

	case STLOAD:
		idx := value.PoolIndex(w.A())
		r.checkPool(idx, len(r.program.Pool.StringArrays))
		r.push(value.StrArr(r.program.Pool.StringArrays[idx]))

	case PTLOAD:
		idx := value.PoolIndex(w.A())
		r.checkPool(idx, len(r.program.Pool.IPArrays))
		arr := r.program.Pool.IPArrays[idx]
		ips := make([]net.IP, len(arr))
		for i, v := range arr {
			ips[i] = v.IP
		}
		r.push(value.IPArr(ips))

	case CTLOAD:
		idx := value.PoolIndex(w.A())
		r.checkPool(idx, len(r.program.Pool.CidrArrays))
		arr := r.program.Pool.CidrArrays[idx]
		cidrs := make([]value.Cidr, len(arr))
		for i, v := range arr {
			cidrs[i] = v.CIDR
		}
		r.push(value.CidrArr(cidrs))

	case NNEG:
		r.push(value.Num(-r.pop().Num))
	case NNOT:
		r.push(value.Num(^r.pop().Num))
	case NADD:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Num(a + b))
	case NSUB:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Num(a - b))
	case NMUL:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Num(a * b))
	case NDIV:
		b, a := r.pop().Num, r.pop().Num
		if b == 0 {
			panic(newFault(FaultDivideByZero, r.handler.Name, r.pc-1))
		}
		r.push(value.Num(a / b))
	case NREM:
		b, a := r.pop().Num, r.pop().Num
		if b == 0 {
			panic(newFault(FaultDivideByZero, r.handler.Name, r.pc-1))
		}
		r.push(value.Num(a % b))
	case NSHL:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Num(a << uint(b)))
	case NSHR:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Num(a >> uint(b)))
	case NPOW:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Num(intPow(a, b)))
	case NAND:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Num(a & b))
	case NOR:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Num(a | b))
	case NXOR:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Num(a ^ b))
	case NCMPZ:
		r.push(value.Bool(r.pop().Num == 0))
	case NCMPEQ:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Bool(a == b))
	case NCMPNE:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Bool(a != b))
	case NCMPLE:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Bool(a <= b))
	case NCMPGE:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Bool(a >= b))
	case NCMPLT:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Bool(a < b))
	case NCMPGT:
		b, a := r.pop().Num, r.pop().Num
		r.push(value.Bool(a > b))

	case BNOT:
		r.push(value.Bool(!r.pop().Bool()))
	case BAND:
		b, a := r.pop().Bool(), r.pop().Bool()
		r.push(value.Bool(a && b))
	case BOR:
		b, a := r.pop().Bool(), r.pop().Bool()
		r.push(value.Bool(a || b))
	case BXOR:
		b, a := r.pop().Bool(), r.pop().Bool()
		r.push(value.Bool(a != b))

	case SADD:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Str(r.allocString(a + b)))
	case SSUBSTR:
		length := int(r.pop().Num)
		offset := int(r.pop().Num)
		s := r.pop().Str
		r.push(value.Str(r.allocString(substr(s, offset, length))))
	case SCMPEQ:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Bool(a == b))
	case SCMPNE:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Bool(a != b))
	case SCMPLE:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Bool(a <= b))
	case SCMPGE:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Bool(a >= b))
	case SCMPLT:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Bool(a < b))
	case SCMPGT:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Bool(a > b))
	case SCMPBEG:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Bool(strings.HasPrefix(a, b)))
	case SCMPEND:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Bool(strings.HasSuffix(a, b)))
	case SCONTAINS:
		b, a := r.pop().Str, r.pop().Str
		r.push(value.Bool(strings.Contains(a, b)))
	case SLEN:
		r.push(value.Num(int64(len(r.pop().Str))))
	case SISEMPTY:
		r.push(value.Bool(len(r.pop().Str) == 0))

	case SMATCHEQ, SMATCHBEG, SMATCHEND, SMATCHR:
		r.execMatch(w)

	case PCMPEQ:
		b, a := r.pop(), r.pop()
		r.push(value.Bool(a.IP.Equal(b.IP)))
	case PCMPNE:
		b, a := r.pop(), r.pop()
		r.push(value.Bool(!a.IP.Equal(b.IP)))
	case PINCIDR:
		cidr, ip := r.pop(), r.pop()
		r.push(value.Bool(cidr.CIDR.Contains(ip.IP)))

	case SREGMATCH:
		idx := value.PoolIndex(w.A())
		r.checkPool(idx, len(r.program.Pool.Regexps))
		re := r.program.Pool.Regexps[idx].Re
		subject := r.pop().Str
		groups := re.FindStringSubmatch(subject)
		r.regex = RegexContext{Subject: subject, Groups: groups}
		r.push(value.Bool(groups != nil))

	case SREGGROUP:
		group := int(r.pop().Num)
		if group < 0 || group >= len(r.regex.Groups) {
			panic(newFault(FaultRegexGroupOutOfRange, r.handler.Name, r.pc-1))
		}
		r.push(value.Str(r.allocString(r.regex.Groups[group])))

	case I2S:
		r.push(value.Str(r.allocString(strconv.FormatInt(r.pop().Num, 10))))
	case N2S:
		r.push(value.Str(r.allocString(strconv.FormatInt(r.pop().Num, 10))))
	case P2S:
		r.push(value.Str(r.allocString(r.pop().IP.String())))
	case C2S:
		v := r.pop()
		r.push(value.Str(r.allocString(v.CIDR.String())))
	case R2S:
		v := r.pop()
		r.push(value.Str(r.allocString(v.Re.String())))
	case S2I, S2N:
		s := r.pop().Str
		n, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			n = 0
		}
		r.push(value.Num(n))

	case CALL:
		return r.execCall(w)

	case HANDLER:
		return r.execHandler(w)

	default:
		panic(newFault(FaultUnknownOpcode, r.handler.Name, r.pc-1))
	}

	return false, false, false
}

func intPow(base, exp int64) int64 {
	if exp < 0 {
		return 0
	}
	result := int64(1)
	for i := int64(0); i < exp; i++ {
		result *= base
	}
	return result
}

func substr(s string, offset, length int) string {
	if offset < 0 {
		offset = 0
	}
	if offset > len(s) {
		offset = len(s)
	}
	end := offset + length
	if end > len(s) {
		end = len(s)
	}
	if end < offset {
		end = offset
	}
	return s[offset:end]
}

func (r *Runner) execMatch(w Word) {
	idx := int(w.A())
	if idx < 0 || idx >= len(r.program.Matches) {
		panic(newFault(FaultPoolIndexOutOfRange, r.handler.Name, r.pc-1))
	}
	def := r.program.Matches[idx]
	subject := r.pop().Str
	for _, c := range def.Cases {
		if r.matchCase(def.Op, subject, c) {
			r.pc = int(c.TargetPC)
			return
		}
	}
	r.pc = int(def.ElsePC)
}

func (r *Runner) matchCase(op MatchOpClass, subject string, c MatchCaseDef) bool {
	switch op {
	case MatchSame:
		r.checkPool(c.ConstIndex, len(r.program.Pool.Strings))
		return subject == r.program.Pool.Strings[c.ConstIndex]
	case MatchHead:
		r.checkPool(c.ConstIndex, len(r.program.Pool.Strings))
		return strings.HasPrefix(subject, r.program.Pool.Strings[c.ConstIndex])
	case MatchTail:
		r.checkPool(c.ConstIndex, len(r.program.Pool.Strings))
		return strings.HasSuffix(subject, r.program.Pool.Strings[c.ConstIndex])
	case MatchRegex:
		r.checkPool(c.ConstIndex, len(r.program.Pool.Regexps))
		re := r.program.Pool.Regexps[c.ConstIndex].Re
		groups := re.FindStringSubmatch(subject)
		if groups == nil {
			return false
		}
		r.regex = RegexContext{Subject: subject, Groups: groups}
		return true
	}
	return false
}

func (r *Runner) execCall(w Word) (terminated, handled, suspended bool) {
	idx := int(w.A())
	argc := int(w.B())
	if idx < 0 || idx >= len(r.program.Natives) {
		panic(newFault(FaultPoolIndexOutOfRange, r.handler.Name, r.pc-1))
	}
	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = r.pop()
	}
	params := newParams(r, args)
	if r.invoker == nil {
		panic(newFault(FaultUnknownOpcode, r.handler.Name, r.pc-1))
	}
	if err := r.invoker.CallFunction(idx, params); err != nil {
		panic(err)
	}
	if r.suspendRequested {
		r.pc--
		return false, false, true
	}
	native := r.program.Natives[idx]
	if native.Signature.Return != value.Void {
		r.push(params.Result())
	}
	return false, false, false
}

func (r *Runner) execHandler(w Word) (terminated, handled, suspended bool) {
	idx := int(w.A())
	argc := int(w.B())
	if idx < 0 || idx >= len(r.program.Natives) {
		panic(newFault(FaultPoolIndexOutOfRange, r.handler.Name, r.pc-1))
	}
	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = r.pop()
	}
	params := newParams(r, args)
	if r.invoker == nil {
		panic(newFault(FaultUnknownOpcode, r.handler.Name, r.pc-1))
	}
	didHandle, err := r.invoker.CallHandler(idx, params)
	if err != nil {
		panic(err)
	}
	if r.suspendRequested {
		r.pc--
		return false, false, true
	}
	if didHandle {
		return true, true, false
	}
	return false, false, false
}
