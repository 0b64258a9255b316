package ir

import (
	"fmt"

	"flowvm/ast"
	"flowvm/value"
	"flowvm/vm"
)

// Generate lowers a parsed, type-checked ast.Unit into an ir.Program, per
// spec.md §4.5. Caller must have already checked unit was parsed without
// errors (ast.Parse returns a non-nil error in that case).
func Generate(unit *ast.Unit) (*Program, error) {
	g := &generator{
		unit:        unit,
		pool:        value.NewPool(),
		nativeIndex: make(map[string]int),
	}
	prog := &Program{Pool: g.pool}
	for _, sid := range unit.Handlers {
		h, err := g.genHandler(sid)
		if err != nil {
			return nil, err
		}
		prog.Handlers = append(prog.Handlers, h)
	}
	prog.Natives = g.natives
	prog.Matches = g.matches
	return prog, nil
}

type generator struct {
	unit *ast.Unit

	pool        *value.Pool
	natives     []NativeSig
	nativeIndex map[string]int
	matches     []MatchDef

	slot     map[ast.SymbolID]int
	nextSlot int

	blocks   []*Block
	cur      *Block
	instrSeq int

	inlining map[ast.SymbolID]bool // guards against accidental re-entrant inlining
}

func (g *generator) genHandler(sid ast.SymbolID) (*Handler, error) {
	sym := g.unit.Arena.Symbol(sid)
	g.slot = make(map[ast.SymbolID]int)
	g.nextSlot = 0
	g.blocks = nil
	g.instrSeq = 0
	g.inlining = make(map[ast.SymbolID]bool)

	entry := g.newBlock()
	g.cur = entry
	g.genStmt(sym.Body)
	if !g.cur.IsTerminated() {
		g.emitTerm(&Instr{Op: OpReturn})
	}
	return &Handler{
		Name:      sym.Name,
		Entry:     entry,
		Blocks:    g.blocks,
		NumSlots:  g.nextSlot,
		StackSize: 256, // generous fixed bound; spec leaves exact sizing to codegen
	}, nil
}

func (g *generator) newBlock() *Block {
	b := &Block{ID: len(g.blocks)}
	g.blocks = append(g.blocks, b)
	return b
}

func (g *generator) emit(instr *Instr) ValueRef {
	instr.ID = g.instrSeq
	g.instrSeq++
	g.cur.Instrs = append(g.cur.Instrs, instr)
	return InstrRef(instr)
}

// emitTerm emits instr as the current block's terminator.
func (g *generator) emitTerm(instr *Instr) {
	instr.ID = g.instrSeq
	g.instrSeq++
	g.cur.Instrs = append(g.cur.Instrs, instr)
}

func (g *generator) slotFor(sid ast.SymbolID) int {
	if s, ok := g.slot[sid]; ok {
		return s
	}
	s := g.nextSlot
	g.nextSlot++
	g.slot[sid] = s
	return s
}

// --- statements ---

func (g *generator) genStmt(s ast.Stmt) {
	switch n := s.(type) {
	case *ast.Compound:
		for _, st := range n.Stmts {
			g.genStmt(st)
			if g.cur.IsTerminated() {
				return
			}
		}
	case *ast.Assign:
		v := g.genExpr(n.Value)
		slot := g.slotFor(n.Symbol)
		g.emit(&Instr{Op: OpStore, Slot: slot, Args: []ValueRef{v}})
	case *ast.ExprStmt:
		g.genExpr(n.X)
	case *ast.HandlerCallStmt:
		g.genCall(n.Call)
	case *ast.If:
		g.genIf(n)
	case *ast.Match:
		g.genMatch(n)
	case *ast.Loop:
		g.genLoop(n)
	default:
		panic(fmt.Sprintf("ir: unhandled statement node %T", s))
	}
}

func (g *generator) genIf(n *ast.If) {
	cond := g.genExpr(n.Cond)
	thenBlock := g.newBlock()
	var elseBlock, joinBlock *Block

	branch := &Instr{Op: OpBranch, Args: []ValueRef{cond}, Then: thenBlock}
	if n.Else != nil {
		elseBlock = g.newBlock()
		branch.Else = elseBlock
	}
	g.emitTerm(branch)

	g.cur = thenBlock
	g.genStmt(n.Then)
	thenFallsThrough := !g.cur.IsTerminated()
	thenEnd := g.cur

	var elseFallsThrough bool
	var elseEnd *Block
	if n.Else != nil {
		g.cur = elseBlock
		g.genStmt(n.Else)
		elseFallsThrough = !g.cur.IsTerminated()
		elseEnd = g.cur
	} else {
		branch.Else = nil // no else arm: set to the join block below
	}

	if thenFallsThrough || elseFallsThrough || n.Else == nil {
		joinBlock = g.newBlock()
		if thenFallsThrough {
			g.cur = thenEnd
			g.emitTerm(&Instr{Op: OpJump, Target: joinBlock})
		}
		if n.Else == nil {
			branch.Else = joinBlock
		} else if elseFallsThrough {
			g.cur = elseEnd
			g.emitTerm(&Instr{Op: OpJump, Target: joinBlock})
		}
		g.cur = joinBlock
	} else {
		// both branches terminate (e.g. both end the handler); no join block
		// is reachable, so leave g.cur pointing at a dead block for any
		// statement that might (incorrectly) follow — genStmt(Compound)
		// already stops at the first terminated block so this is inert.
		g.cur = thenEnd
	}
}

func (g *generator) genMatch(n *ast.Match) {
	subject := g.genExpr(n.Subject)
	dispatchBlock := g.cur // the block genExpr left current, holding subject
	joinBlock := g.newBlock()

	var cases []MatchCaseIR
	for _, c := range n.Cases {
		body := g.newBlock()
		g.cur = body
		g.genStmt(c.Body)
		if !g.cur.IsTerminated() {
			g.emitTerm(&Instr{Op: OpJump, Target: joinBlock})
		}
		var indices []int
		labels := c.Labels
		if n.Op == ast.MatchRegex {
			labels = c.Regexes
		}
		for _, lv := range labels {
			indices = append(indices, g.internMatchLabel(n.Op, lv))
		}
		cases = append(cases, MatchCaseIR{PoolIndices: indices, Body: body})
	}

	var defaultBlock *Block
	if n.Else != nil {
		defaultBlock = g.newBlock()
		g.cur = defaultBlock
		g.genStmt(n.Else)
		if !g.cur.IsTerminated() {
			g.emitTerm(&Instr{Op: OpJump, Target: joinBlock})
		}
	} else {
		defaultBlock = joinBlock
	}

	matchIdx := len(g.matches)
	g.matches = append(g.matches, MatchDef{Op: matchOpOf(n.Op), Cases: cases})

	term := &Instr{Op: OpMatch, Args: []ValueRef{subject}, MatchDef: matchIdx, Default: defaultBlock}
	term.ID = g.instrSeq
	g.instrSeq++
	dispatchBlock.Instrs = append(dispatchBlock.Instrs, term)

	g.cur = joinBlock
}

func matchOpOf(op ast.MatchOp) MatchOp {
	switch op {
	case ast.MatchHead:
		return MatchHead
	case ast.MatchTail:
		return MatchTail
	case ast.MatchRegex:
		return MatchRegex
	default:
		return MatchSame
	}
}

func (g *generator) internMatchLabel(op ast.MatchOp, v value.Value) int {
	if op == ast.MatchRegex {
		return int(g.pool.AddRegexp(v))
	}
	return int(g.pool.AddString(v.Str))
}

// genLoop lowers the desugared `for` sugar (ast.Loop) to a condition block,
// a body block, and a back edge, the same diamond shape `if` uses but
// looping rather than joining.
func (g *generator) genLoop(n *ast.Loop) {
	condBlock := g.newBlock()
	g.emitTerm(&Instr{Op: OpJump, Target: condBlock})

	g.cur = condBlock
	cond := g.genExpr(n.Cond)
	bodyBlock := g.newBlock()
	exitBlock := g.newBlock()
	g.emitTerm(&Instr{Op: OpBranch, Args: []ValueRef{cond}, Then: bodyBlock, Else: exitBlock})

	g.cur = bodyBlock
	g.genStmt(n.Body)
	if !g.cur.IsTerminated() {
		g.genStmt(n.Step)
		g.emitTerm(&Instr{Op: OpJump, Target: condBlock})
	}

	g.cur = exitBlock
}

// --- expressions ---

func (g *generator) genExpr(e ast.Expr) ValueRef {
	switch n := e.(type) {
	case *ast.Literal:
		return g.genLiteral(n.Value)
	case *ast.VarRef:
		slot := g.slotFor(n.Symbol)
		return g.emit(&Instr{Op: OpLoad, Slot: slot, Kind: n.Type})
	case *ast.HandlerRef:
		// First-class handler value: the bytecode has no dedicated handler
		// constant kind (no CALL/HANDLER instruction takes a runtime-computed
		// target — both always name a static Natives index), so a handler
		// used as a value degrades to its name, interned as a string constant
		// under value.Handler's IR-level type tag. A native function that
		// accepts a "handler" parameter receives that name and is expected to
		// resolve it back through the runtime registry itself.
		sym := g.unit.Arena.Symbol(n.Symbol)
		return ConstRef(value.Handler, int(g.pool.AddString(sym.Name)))
	case *ast.Unary:
		return g.genUnary(n)
	case *ast.Binary:
		return g.genBinary(n)
	case *ast.Cast:
		return g.genCast(n)
	case *ast.Call:
		return g.genCall(n)
	default:
		panic(fmt.Sprintf("ir: unhandled expression node %T", e))
	}
}

func (g *generator) genLiteral(v value.Value) ValueRef {
	switch v.Kind {
	case value.Void:
		return ValueRef{Const: true, Kind: value.Void}
	case value.Boolean:
		return ConstRef(value.Boolean, int(g.pool.AddBool(v.Bool())))
	case value.Number:
		return ConstRef(value.Number, int(g.pool.AddInt(v.Num)))
	case value.String:
		return ConstRef(value.String, int(g.pool.AddString(v.Str)))
	case value.IPAddress:
		return ConstRef(value.IPAddress, int(g.pool.AddIP(v)))
	case value.Cidr:
		return ConstRef(value.Cidr, int(g.pool.AddCidr(v)))
	case value.RegExp:
		return ConstRef(value.RegExp, int(g.pool.AddRegexp(v)))
	case value.IntArray:
		return ConstRef(value.IntArray, int(g.pool.AddIntArray(v.Ints)))
	case value.StringArray:
		return ConstRef(value.StringArray, int(g.pool.AddStringArray(v.Strs)))
	case value.IPAddrArray:
		return ConstRef(value.IPAddrArray, int(g.pool.AddIPArray(toValueSlice(v.IPs, value.IP))))
	case value.CidrArray:
		return ConstRef(value.CidrArray, int(g.pool.AddCidrArray(toValueSliceCidr(v.CIDRs))))
	default:
		panic(fmt.Sprintf("ir: unhandled literal kind %s", v.Kind))
	}
}

func toValueSlice[T any](in []T, conv func(T) value.Value) []value.Value {
	out := make([]value.Value, len(in))
	for i, x := range in {
		out[i] = conv(x)
	}
	return out
}

func toValueSliceCidr(in []value.Cidr) []value.Value {
	out := make([]value.Value, len(in))
	for i, c := range in {
		out[i] = value.CidrVal(c)
	}
	return out
}

func (g *generator) genUnary(n *ast.Unary) ValueRef {
	operand := g.genExpr(n.Operand)
	var op vm.Opcode
	switch n.Op {
	case ast.OpNeg:
		op = vm.NNEG
	case ast.OpNot:
		op = vm.BNOT
	case ast.OpBitNot:
		op = vm.NNOT
	case ast.OpRegexGroup:
		op = vm.SREGGROUP
	default:
		panic(fmt.Sprintf("ir: unhandled unary op %v", n.Op))
	}
	return g.emit(&Instr{Op: OpUnary, VMOp: op, Kind: n.Type, Args: []ValueRef{operand}})
}

// genBinary lowers a Binary node. `or`/`and` get short-circuit diamonds
// (spec.md §4.5); every other operator evaluates both operands eagerly and
// dispatches to the fixed (op, operand-type) vm opcode.
func (g *generator) genBinary(n *ast.Binary) ValueRef {
	if n.Op == ast.OpOr || n.Op == ast.OpAnd {
		return g.genShortCircuit(n)
	}
	left := g.genExpr(n.Left)
	right := g.genExpr(n.Right)
	op := binOpcode(n.Op, n.Left.ResultType())
	return g.emit(&Instr{Op: OpBinary, VMOp: op, Kind: n.Type, Args: []ValueRef{left, right}})
}

// genShortCircuit lowers `and`/`or` to a three-block diamond: evaluate the
// left operand in the current block, branch on it, evaluate the right
// operand only on the side that can still change the result, and join on a
// value stored to a synthetic slot by both arms (the IR has no phi node, so
// a dedicated slot plays that role).
func (g *generator) genShortCircuit(n *ast.Binary) ValueRef {
	left := g.genExpr(n.Left)
	resultSlot := g.nextSlot
	g.nextSlot++

	// left is stored once here rather than branched on directly: the VM's
	// conditional jumps pop their operand, so a value that's both the
	// branch condition and (on the short-circuit side) the final result
	// needs to survive the pop by living in a slot, not on the stack.
	g.emit(&Instr{Op: OpStore, Slot: resultSlot, Args: []ValueRef{left}})
	cond := g.emit(&Instr{Op: OpLoad, Slot: resultSlot, Kind: value.Boolean})

	shortBlock := g.newBlock()
	rightBlock := g.newBlock()
	joinBlock := g.newBlock()

	if n.Op == ast.OpOr {
		g.emitTerm(&Instr{Op: OpBranch, Args: []ValueRef{cond}, Then: shortBlock, Else: rightBlock})
	} else {
		g.emitTerm(&Instr{Op: OpBranch, Args: []ValueRef{cond}, Then: rightBlock, Else: shortBlock})
	}

	g.cur = shortBlock
	g.emitTerm(&Instr{Op: OpJump, Target: joinBlock})

	g.cur = rightBlock
	right := g.genExpr(n.Right)
	g.emit(&Instr{Op: OpStore, Slot: resultSlot, Args: []ValueRef{right}})
	g.emitTerm(&Instr{Op: OpJump, Target: joinBlock})

	g.cur = joinBlock
	return g.emit(&Instr{Op: OpLoad, Slot: resultSlot, Kind: value.Boolean})
}

func (g *generator) genCast(n *ast.Cast) ValueRef {
	operand := g.genExpr(n.Operand)
	op := castOpcode(n.From, n.Type)
	return g.emit(&Instr{Op: OpCast, VMOp: op, Kind: n.Type, Args: []ValueRef{operand}})
}

func (g *generator) genCall(n *ast.Call) ValueRef {
	sym := g.unit.Arena.Symbol(n.Callee)
	switch sym.Kind {
	case ast.SymHandler:
		return g.genInline(n)
	case ast.SymBuiltinFunction:
		return g.genNativeCall(n, sym, false)
	case ast.SymBuiltinHandler:
		return g.genNativeCall(n, sym, true)
	default:
		panic(fmt.Sprintf("ir: call to non-callable symbol kind %v", sym.Kind))
	}
}

func (g *generator) genNativeCall(n *ast.Call, sym *ast.Symbol, isHandler bool) ValueRef {
	key := fmt.Sprintf("%v:%s", isHandler, sym.Name)
	idx, ok := g.nativeIndex[key]
	if !ok {
		idx = len(g.natives)
		g.natives = append(g.natives, NativeSig{Signature: sym.Signature, IsHandler: isHandler})
		g.nativeIndex[key] = idx
	}
	var args []ValueRef
	for _, a := range n.Args {
		args = append(args, g.genExpr(a))
	}
	op := OpCallNative
	kind := sym.Signature.Return
	if isHandler {
		op = OpCallHandler
		kind = value.Boolean
	}
	return g.emit(&Instr{Op: op, NativeIndex: idx, Kind: kind, Args: args})
}

// genInline substitutes a user-handler call with the callee's own body,
// generated directly into the caller's current block (spec.md §4.5:
// "inlining ... never a call instruction — recursion is already rejected so
// inlining always terminates").
func (g *generator) genInline(n *ast.Call) ValueRef {
	sym := g.unit.Arena.Symbol(n.Callee)
	if g.inlining[n.Callee] {
		panic(fmt.Sprintf("ir: unexpected recursive inlining of handler %q (parser should have rejected this)", sym.Name))
	}
	g.inlining[n.Callee] = true
	g.genStmt(sym.Body)
	delete(g.inlining, n.Callee)
	return ValueRef{Const: true, Kind: value.Void}
}

// binOpcode picks the concrete vm opcode for a binary ast op given its left
// operand's static type, per spec.md §4.5's fixed (op, operand-type) table.
func binOpcode(op ast.BinOp, operandKind value.Kind) vm.Opcode {
	switch op {
	case ast.OpXor:
		return vm.BXOR
	case ast.OpAdd:
		if operandKind == value.String {
			return vm.SADD
		}
		return vm.NADD
	case ast.OpSub:
		return vm.NSUB
	case ast.OpMul:
		return vm.NMUL
	case ast.OpDiv:
		return vm.NDIV
	case ast.OpRem:
		return vm.NREM
	case ast.OpShl:
		return vm.NSHL
	case ast.OpShr:
		return vm.NSHR
	case ast.OpPow:
		return vm.NPOW
	case ast.OpEq:
		return cmpOpcode(operandKind, vm.NCMPEQ, vm.SCMPEQ, vm.PCMPEQ)
	case ast.OpNe:
		return cmpOpcode(operandKind, vm.NCMPNE, vm.SCMPNE, vm.PCMPNE)
	case ast.OpLt:
		return cmpOpcode(operandKind, vm.NCMPLT, vm.SCMPLT, noIPOrder)
	case ast.OpLe:
		return cmpOpcode(operandKind, vm.NCMPLE, vm.SCMPLE, noIPOrder)
	case ast.OpGt:
		return cmpOpcode(operandKind, vm.NCMPGT, vm.SCMPGT, noIPOrder)
	case ast.OpGe:
		return cmpOpcode(operandKind, vm.NCMPGE, vm.SCMPGE, noIPOrder)
	case ast.OpMatchRe:
		return vm.SREGMATCH
	case ast.OpMatchBeg:
		return vm.SCMPBEG
	case ast.OpMatchEnd:
		return vm.SCMPEND
	case ast.OpIn:
		return vm.PINCIDR
	default:
		panic(fmt.Sprintf("ir: unhandled binary op %v", op))
	}
}

// noIPOrder is a sentinel passed to cmpOpcode for <,<=,>,>=: the opcode set
// has no ordering comparison for IP/CIDR operands, so the type checker must
// reject those before this ever fires.
const noIPOrder = vm.Opcode(255)

func cmpOpcode(kind value.Kind, numOp, strOp, ipOp vm.Opcode) vm.Opcode {
	switch kind {
	case value.String:
		return strOp
	case value.IPAddress, value.Cidr:
		if ipOp == noIPOrder {
			panic("ir: ordering comparison on IP/CIDR operand (type checker should have rejected this)")
		}
		return ipOp
	default:
		return numOp
	}
}

// castOpcode picks the implicit-conversion opcode spec.md §4.5 inserts at a
// Cast boundary (N2S/S2N/P2S/C2S/R2S).
func castOpcode(from, to value.Kind) vm.Opcode {
	switch {
	case from == value.Number && to == value.String:
		return vm.N2S
	case from == value.String && to == value.Number:
		return vm.S2N
	case from == value.IPAddress && to == value.String:
		return vm.P2S
	case from == value.Cidr && to == value.String:
		return vm.C2S
	case from == value.RegExp && to == value.String:
		return vm.R2S
	default:
		panic(fmt.Sprintf("ir: illegal cast %s -> %s (type checker should have rejected this)", from, to))
	}
}
