// Package codegen lowers an optimized ir.Program into the flat vm.Program
// bytecode shape, per spec.md §4.7: block linearization, jump/branch
// fallthrough elision, and MatchDef PC fixups.
//
// Generate assumes the single-use invariant ir/gen.go documents: every
// non-const ValueRef.Def is consumed by at most one other instruction's
// Args, and every instruction that threads a value does so within the same
// ir.Block. That's what makes a plain "push operands left to right, then
// emit the opcode" translation valid without any register allocation or
// cross-block value tracking.
package codegen

import (
	"fmt"
	"math"

	"flowvm/ir"
	"flowvm/value"
	"flowvm/vm"
)

// Generate lowers prog into a vm.Program ready for a Runner. prog should
// already have had ir.RunPasses applied, though Generate itself doesn't
// require it.
func Generate(prog *ir.Program) *vm.Program {
	out := vm.NewProgram()
	out.Pool = prog.Pool

	used := refCounts(prog)
	vmMatches := make([]vm.MatchDef, len(prog.Matches))

	for hIdx, h := range prog.Handlers {
		lz := &linearizer{
			handlerIndex: hIdx,
			pool:         prog.Pool,
			irMatches:    prog.Matches,
			vmMatches:    vmMatches,
			used:         used,
		}
		out.AddHandler(vm.Handler{
			Name:      h.Name,
			StackSize: h.StackSize,
			Code:      lz.run(h),
		})
	}
	out.Matches = vmMatches
	for _, n := range prog.Natives {
		out.AddNative(n.Signature, n.IsHandler)
	}
	return out
}

// refCounts counts, across every handler, how many times each instruction's
// value is consumed as a non-const Arg elsewhere. An instruction that pushes
// a value (Load/Unary/Binary/Cast/a non-void CallNative) with a zero count
// here was generated as a statement-level expression whose result nothing
// uses — ast.ExprStmt is the one place the generator computes a value and
// then drops the ValueRef — and needs an explicit DISCARD so the operand
// stack doesn't grow unboundedly across repeated statement executions.
func refCounts(prog *ir.Program) map[*ir.Instr]int {
	counts := make(map[*ir.Instr]int)
	for _, h := range prog.Handlers {
		for _, b := range h.Blocks {
			for _, instr := range b.Instrs {
				for _, a := range instr.Args {
					if !a.Const && a.Def != nil {
						counts[a.Def]++
					}
				}
			}
		}
	}
	return counts
}

func pushesValue(instr *ir.Instr) bool {
	switch instr.Op {
	case ir.OpLoad, ir.OpUnary, ir.OpBinary, ir.OpCast:
		return true
	case ir.OpCallNative:
		return instr.Kind != value.Void
	default:
		return false
	}
}

type linearizer struct {
	handlerIndex int
	pool         *value.Pool
	irMatches    []ir.MatchDef
	vmMatches    []vm.MatchDef
	used         map[*ir.Instr]int
}

func (lz *linearizer) run(h *ir.Handler) []vm.Word {
	order := blockOrder(h, lz.irMatches)
	next := make(map[*ir.Block]*ir.Block, len(order))
	for i, b := range order {
		if i+1 < len(order) {
			next[b] = order[i+1]
		}
	}

	blockPC := make(map[*ir.Block]uint32, len(order))
	pc := uint32(0)
	if h.NumSlots > 0 {
		pc++ // ALLOCA
	}
	for _, b := range order {
		blockPC[b] = pc
		for _, instr := range b.Instrs {
			pc += lz.instrWords(instr, next[b])
		}
	}

	code := make([]vm.Word, 0, pc)
	if h.NumSlots > 0 {
		code = append(code, vm.MakeWord1(vm.ALLOCA, uint32(h.NumSlots)))
	}
	for _, b := range order {
		for _, instr := range b.Instrs {
			code = lz.emitInstr(code, instr, blockPC, next[b])
		}
	}
	return code
}

// blockOrder lists h's blocks in DFS order from its entry, visiting a
// terminator's successors in source order (Then before Else, case bodies
// before the default) so the common case of straight-line and if/else code
// falls through without an extra jump. Any block DFS never reaches (dead
// code RunPasses would have already dropped) is appended at the end so
// nothing is silently lost.
func blockOrder(h *ir.Handler, matches []ir.MatchDef) []*ir.Block {
	var order []*ir.Block
	visited := make(map[*ir.Block]bool, len(h.Blocks))
	var visit func(b *ir.Block)
	visit = func(b *ir.Block) {
		if b == nil || visited[b] {
			return
		}
		visited[b] = true
		order = append(order, b)
		if len(b.Instrs) == 0 {
			return
		}
		for _, s := range blockSuccessors(b.Instrs[len(b.Instrs)-1], matches) {
			visit(s)
		}
	}
	visit(h.Entry)
	for _, b := range h.Blocks {
		visit(b)
	}
	return order
}

func blockSuccessors(term *ir.Instr, matches []ir.MatchDef) []*ir.Block {
	switch term.Op {
	case ir.OpJump:
		return []*ir.Block{term.Target}
	case ir.OpBranch:
		return []*ir.Block{term.Then, term.Else}
	case ir.OpMatch:
		var out []*ir.Block
		for _, c := range matches[term.MatchDef].Cases {
			out = append(out, c.Body)
		}
		return append(out, term.Default)
	default:
		return nil
	}
}

// pushableArgs is instr.Args restricted to the operands that actually get
// pushed onto the VM stack ahead of the opcode word. SREGMATCH is the one
// binary op that takes its second operand (the regex) as a pool index
// embedded directly in the instruction word instead, per vm/exec.go.
func pushableArgs(instr *ir.Instr) []ir.ValueRef {
	if instr.Op == ir.OpBinary && instr.VMOp == vm.SREGMATCH {
		return instr.Args[:1]
	}
	return instr.Args
}

func (lz *linearizer) instrWords(instr *ir.Instr, next *ir.Block) uint32 {
	n := uint32(0)
	for _, a := range pushableArgs(instr) {
		if a.Const {
			n++
		}
	}
	switch instr.Op {
	case ir.OpJump:
		if instr.Target == next {
			return n
		}
		return n + 1
	case ir.OpBranch:
		if instr.Then == next || instr.Else == next {
			return n + 1
		}
		return n + 2
	default:
		n++
		if pushesValue(instr) && lz.used[instr] == 0 {
			n++ // DISCARD
		}
		return n
	}
}

func (lz *linearizer) emitInstr(code []vm.Word, instr *ir.Instr, blockPC map[*ir.Block]uint32, next *ir.Block) []vm.Word {
	for _, a := range pushableArgs(instr) {
		if a.Const {
			code = append(code, lz.loadConst(a))
		}
	}

	switch instr.Op {
	case ir.OpLoad:
		code = append(code, vm.MakeWord1(vm.LOAD, uint32(instr.Slot)))
	case ir.OpStore:
		code = append(code, vm.MakeWord1(vm.STORE, uint32(instr.Slot)))
	case ir.OpMove:
		code = append(code, vm.MakeWord2(vm.MOV, uint32(instr.Slot), uint32(instr.Src)))
	case ir.OpUnary, ir.OpCast:
		code = append(code, vm.MakeWord0(instr.VMOp))
	case ir.OpBinary:
		if instr.VMOp == vm.SREGMATCH {
			code = append(code, vm.MakeWord1(vm.SREGMATCH, uint32(instr.Args[1].Pool)))
		} else {
			code = append(code, vm.MakeWord0(instr.VMOp))
		}
	case ir.OpCallNative:
		code = append(code, vm.MakeWord2(vm.CALL, uint32(instr.NativeIndex), uint32(len(instr.Args))))
	case ir.OpCallHandler:
		code = append(code, vm.MakeWord2(vm.HANDLER, uint32(instr.NativeIndex), uint32(len(instr.Args))))
	case ir.OpJump:
		if instr.Target != next {
			code = append(code, vm.MakeWord1(vm.JMP, blockPC[instr.Target]))
		}
		return code
	case ir.OpBranch:
		return lz.emitBranch(code, instr, blockPC, next)
	case ir.OpMatch:
		return lz.emitMatch(code, instr, blockPC)
	case ir.OpReturn:
		code = append(code, vm.MakeWord1(vm.EXIT, 0))
	default:
		panic(fmt.Sprintf("codegen: unexpected ir op %v reached linearization", instr.Op))
	}

	if pushesValue(instr) && lz.used[instr] == 0 {
		code = append(code, vm.MakeWord1(vm.DISCARD, 1))
	}
	return code
}

func (lz *linearizer) emitBranch(code []vm.Word, instr *ir.Instr, blockPC map[*ir.Block]uint32, next *ir.Block) []vm.Word {
	switch {
	case instr.Then == next:
		code = append(code, vm.MakeWord1(vm.JZ, blockPC[instr.Else]))
	case instr.Else == next:
		code = append(code, vm.MakeWord1(vm.JN, blockPC[instr.Then]))
	default:
		code = append(code, vm.MakeWord1(vm.JZ, blockPC[instr.Else]))
		code = append(code, vm.MakeWord1(vm.JMP, blockPC[instr.Then]))
	}
	return code
}

func matchOpcode(op ir.MatchOp) vm.Opcode {
	switch op {
	case ir.MatchSame:
		return vm.SMATCHEQ
	case ir.MatchHead:
		return vm.SMATCHBEG
	case ir.MatchTail:
		return vm.SMATCHEND
	case ir.MatchRegex:
		return vm.SMATCHR
	default:
		panic(fmt.Sprintf("codegen: unknown match op %v", op))
	}
}

func matchOpClass(op ir.MatchOp) vm.MatchOpClass {
	switch op {
	case ir.MatchSame:
		return vm.MatchSame
	case ir.MatchHead:
		return vm.MatchHead
	case ir.MatchTail:
		return vm.MatchTail
	case ir.MatchRegex:
		return vm.MatchRegex
	default:
		panic(fmt.Sprintf("codegen: unknown match op %v", op))
	}
}

// emitMatch resolves instr's MatchDef into vm form and writes it into
// lz.vmMatches at the same index ir's Program.Matches used, so the word's A
// operand (the match table index) stays valid without renumbering.
func (lz *linearizer) emitMatch(code []vm.Word, instr *ir.Instr, blockPC map[*ir.Block]uint32) []vm.Word {
	def := lz.irMatches[instr.MatchDef]
	vmDef := vm.MatchDef{
		Op:      matchOpClass(def.Op),
		ElsePC:  blockPC[instr.Default],
		Handler: lz.handlerIndex,
	}
	for _, c := range def.Cases {
		for _, poolIdx := range c.PoolIndices {
			vmDef.Cases = append(vmDef.Cases, vm.MatchCaseDef{
				ConstIndex: value.PoolIndex(poolIdx),
				TargetPC:   blockPC[c.Body],
			})
		}
	}
	lz.vmMatches[instr.MatchDef] = vmDef
	return append(code, vm.MakeWord1(matchOpcode(def.Op), uint32(instr.MatchDef)))
}

// loadConst emits the opcode that pushes a's pool constant, per spec.md
// §3.4's load-opcode table. Small integer constants bypass the pool
// entirely via ILOAD's signed 16-bit immediate; Boolean constants do too,
// since the VM has no dedicated boolean load opcode (value.Value.Bool()
// only ever checks Num != 0, regardless of Kind — see value/value.go).
func (lz *linearizer) loadConst(a ir.ValueRef) vm.Word {
	switch a.Kind {
	case value.Boolean:
		n := int64(0)
		if lz.pool.Bools[a.Pool] {
			n = 1
		}
		return vm.MakeWord1(vm.ILOAD, uint32(uint16(n)))
	case value.Number:
		n := lz.pool.Ints[a.Pool]
		if n >= math.MinInt16 && n <= math.MaxInt16 {
			return vm.MakeWord1(vm.ILOAD, uint32(uint16(int16(n))))
		}
		return vm.MakeWord1(vm.NLOAD, uint32(a.Pool))
	case value.String, value.Handler:
		return vm.MakeWord1(vm.SLOAD, uint32(a.Pool))
	case value.IPAddress:
		return vm.MakeWord1(vm.PLOAD, uint32(a.Pool))
	case value.Cidr:
		return vm.MakeWord1(vm.CLOAD, uint32(a.Pool))
	case value.IntArray:
		return vm.MakeWord1(vm.ITLOAD, uint32(a.Pool))
	case value.StringArray:
		return vm.MakeWord1(vm.STLOAD, uint32(a.Pool))
	case value.IPAddrArray:
		return vm.MakeWord1(vm.PTLOAD, uint32(a.Pool))
	case value.CidrArray:
		return vm.MakeWord1(vm.CTLOAD, uint32(a.Pool))
	default:
		panic(fmt.Sprintf("codegen: constant of kind %s cannot be pushed", a.Kind))
	}
}
