package ast

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"flowvm/diag"
	"flowvm/lexer"
	"flowvm/runtime"
	"flowvm/value"
)

// Parser drives the recursive-descent Flow parser and its inlined semantic
// analysis, per spec.md §4.3. Scope lookup, signature matching, and
// diagnostics all happen in the same pass that builds the typed AST; there
// is no separate "semantic analysis" walk over an untyped tree, matching
// the teacher's preference for a single straightforward pass over a
// multi-stage visitor pipeline (see SPEC_FULL.md §9 on replacing the
// visitor pattern with direct construction).
type Parser struct {
	lx       *lexer.Lexer
	sink     diag.Sink
	filename string

	cur  lexer.Token
	peek lexer.Token

	arena *Arena
	scope []TableID // stack of scopes, innermost last

	rt         *runtime.Runtime
	importHook runtime.ImportHook

	currentHandler SymbolID
	callGraph      map[SymbolID]map[SymbolID]bool
}

// Parse parses one Flow source unit. rt supplies builtin function/handler
// signatures; hook is invoked once per import statement and may register
// further builtins into rt, visible for the remainder of the parse.
func Parse(filename string, src []byte, rt *runtime.Runtime, hook runtime.ImportHook, sink diag.Sink) (*Unit, error) {
	arena := NewArena()
	root := arena.NewTable(NoTable)
	unitSym := arena.NewSymbol(Symbol{Name: "<unit>", Kind: SymUnit, Owner: root, ChildTbl: root})

	p := &Parser{
		lx:         lexer.New(filename, src, sink),
		sink:       sink,
		filename:   filename,
		arena:      arena,
		scope:      []TableID{root},
		rt:         rt,
		importHook: hook,
		callGraph:  make(map[SymbolID]map[SymbolID]bool),
	}
	p.registerBuiltins(root)
	p.advance()
	p.advance()

	u := &Unit{Arena: arena, Root: root, Symbol: unitSym}

	// Pass 1: pre-register every top-level handler name (forward
	// declarations are thus always resolvable) without parsing bodies.
	p.preScanHandlers(src)

	// Pass 2: parse imports/vars/handlers in order, filling in bodies.
	for p.cur.Kind != lexer.EOF {
		switch p.cur.Kind {
		case lexer.KwImport:
			imp := p.parseImport()
			u.Imports = append(u.Imports, imp)
		case lexer.KwHandler:
			p.parseHandlerBody(u)
		case lexer.KwVar:
			p.parseTopLevelVar(root)
		default:
			p.errorf(p.cur.Location, "expected import, var, or handler declaration")
			p.advance()
		}
	}

	p.checkRecursion(sink)

	if bag, ok := sink.(*diag.Bag); ok && bag.HasErrors() {
		return u, bag
	}
	return u, nil
}

// --- token helpers ---

func (p *Parser) advance() {
	p.cur = p.peek
	p.peek = p.lx.Next()
}

func (p *Parser) at(k lexer.Kind) bool { return p.cur.Kind == k }

func (p *Parser) expect(k lexer.Kind, what string) lexer.Token {
	if p.cur.Kind != k {
		p.errorf(p.cur.Location, "expected %s, got %q", what, p.cur.Text)
		return p.cur
	}
	tok := p.cur
	p.advance()
	return tok
}

func (p *Parser) errorf(loc diag.Location, format string, args ...any) {
	p.sink.Report(diag.SyntaxError, loc, format, args...)
}

func (p *Parser) typeErrorf(loc diag.Location, format string, args ...any) {
	p.sink.Report(diag.TypeError, loc, format, args...)
}

// synchronise skips tokens until the next ';' or '}' for local error
// recovery, per spec.md §7.
func (p *Parser) synchronise() {
	for p.cur.Kind != lexer.EOF && p.cur.Kind != lexer.Semicolon && p.cur.Kind != lexer.RBrace {
		p.advance()
	}
	if p.cur.Kind == lexer.Semicolon {
		p.advance()
	}
}

func (p *Parser) curScope() TableID { return p.scope[len(p.scope)-1] }

func (p *Parser) pushScope() TableID {
	t := p.arena.NewTable(p.curScope())
	p.scope = append(p.scope, t)
	return t
}

func (p *Parser) popScope() {
	p.scope = p.scope[:len(p.scope)-1]
}

// registerBuiltins populates root with BuiltinFunction/BuiltinHandler
// symbols sourced from the runtime registry, per spec.md §4.3's "Built-in
// callables are supplied by the runtime."
func (p *Parser) registerBuiltins(root TableID) {
	if p.rt == nil {
		return
	}
	for name, cb := range p.rt.Functions() {
		if _, exists := p.arena.Lookup(root, name, Self); exists {
			continue
		}
		p.arena.NewSymbol(Symbol{
			Name: name, Kind: SymBuiltinFunction, Type: cb.Signature.Return,
			Owner: root, Signature: cb.Signature, ParamNames: cb.ParamNames,
			Defaults: defaultExprs(cb.Defaults),
		})
	}
	for name, cb := range p.rt.Handlers() {
		if _, exists := p.arena.Lookup(root, name, Self); exists {
			continue
		}
		p.arena.NewSymbol(Symbol{
			Name: name, Kind: SymBuiltinHandler, Type: value.Boolean,
			Owner: root, Signature: cb.Signature, ParamNames: cb.ParamNames,
			Defaults: defaultExprs(cb.Defaults),
		})
	}
}

func defaultExprs(defaults []*value.Value) []Expr {
	out := make([]Expr, len(defaults))
	for i, d := range defaults {
		if d == nil {
			continue
		}
		out[i] = &Literal{baseExpr: baseExpr{Type: d.Kind}, Value: *d}
	}
	return out
}

// preScanHandlers walks the raw token stream once, registering a Forward
// handler Symbol for every top-level `handler NAME {` header, so that
// pass 2 can resolve calls that textually precede their callee's body.
func (p *Parser) preScanHandlers(src []byte) {
	bag := diag.NewBag() // pre-scan errors are re-reported properly in pass 2; suppress here
	lx := lexer.New(p.filename, src, bag)
	depth := 0
	var prev lexer.Token
	for {
		tok := lx.Next()
		if tok.Kind == lexer.EOF {
			break
		}
		if tok.Kind == lexer.LBrace {
			depth++
		} else if tok.Kind == lexer.RBrace {
			depth--
		}
		if depth == 0 && prev.Kind == lexer.KwHandler && tok.Kind == lexer.Ident {
			p.arena.NewSymbol(Symbol{
				Name: tok.Text, Kind: SymHandler, Type: value.Void,
				Owner: p.curScope(), Forward: true, Location: tok.Location,
			})
		}
		prev = tok
	}
}

// parseImport parses `import Name ('from' String)? ';'` and invokes the
// host's import hook.
func (p *Parser) parseImport() ImportDecl {
	begin := p.cur.Location
	p.advance() // 'import'
	name := p.expect(lexer.Ident, "module name").Text
	path := ""
	if p.at(lexer.KwFrom) {
		p.advance()
		path = p.expect(lexer.String, "import path").Text
	}
	p.expect(lexer.Semicolon, "';'")
	if p.importHook != nil {
		if !p.importHook(name, path, p.rt) {
			p.typeErrorf(begin, "import %q failed", name)
		} else {
			// newly registered builtins become visible immediately
			p.registerBuiltins(p.scope[0])
		}
	}
	return ImportDecl{Module: name, Path: path}
}

func (p *Parser) parseTopLevelVar(scope TableID) {
	stmt := p.parseVarDecl(scope)
	_ = stmt // top-level vars are owned directly by the root table
}

// parseHandlerBody parses `handler Name '{' Stmt* '}'`, attaching the body
// to the Forward symbol pre-registered in preScanHandlers.
func (p *Parser) parseHandlerBody(u *Unit) {
	begin := p.cur.Location
	p.advance() // 'handler'
	nameTok := p.expect(lexer.Ident, "handler name")

	sid, ok := p.arena.Lookup(p.curScope(), nameTok.Text, Self)
	if !ok {
		// Shouldn't happen: preScanHandlers always registers it. Defensive
		// fallback keeps parsing resilient to a pre-scan/parse mismatch.
		sid = p.arena.NewSymbol(Symbol{Name: nameTok.Text, Kind: SymHandler, Owner: p.curScope(), Forward: true})
	}
	sym := p.arena.Symbol(sid)
	if !sym.Forward {
		p.typeErrorf(begin, "handler %q redeclared", nameTok.Text)
	}

	locals := p.pushScope()
	sym.Locals = locals
	sym.Location = begin.Merge(nameTok.Location)

	prevHandler := p.currentHandler
	p.currentHandler = sid
	p.callGraph[sid] = map[SymbolID]bool{}

	body := p.parseCompound(locals, true)

	sym.Body = body
	sym.Forward = false
	p.currentHandler = prevHandler
	p.popScope()

	u.Handlers = append(u.Handlers, sid)
}

// parseCompound parses `'{' Stmt* '}'`. ownsScope controls whether scope is
// pushed (callers that already pushed, e.g. the handler body, pass the
// scope they pushed and ownsScope=true only to mark the Compound node).
func (p *Parser) parseCompound(scope TableID, ownsScope bool) *Compound {
	begin := p.cur.Location
	p.expect(lexer.LBrace, "'{'")
	var stmts []Stmt
	for !p.at(lexer.RBrace) && !p.at(lexer.EOF) {
		stmts = append(stmts, p.parseStmt())
	}
	end := p.cur.Location
	p.expect(lexer.RBrace, "'}'")
	tbl := NoTable
	if ownsScope {
		tbl = scope
	}
	return &Compound{baseStmt: baseStmt{Location: begin.Merge(end)}, Scope: tbl, Stmts: stmts}
}

func (p *Parser) parseBlock() *Compound {
	if p.at(lexer.LBrace) {
		scope := p.pushScope()
		c := p.parseCompound(scope, true)
		p.popScope()
		return c
	}
	// single statement (if/match's Stmt without braces)
	begin := p.cur.Location
	stmt := p.parseStmt()
	return &Compound{baseStmt: baseStmt{Location: begin}, Scope: NoTable, Stmts: []Stmt{stmt}}
}

func (p *Parser) parseStmt() Stmt {
	switch p.cur.Kind {
	case lexer.KwVar:
		return p.parseVarDecl(p.curScope())
	case lexer.KwIf:
		return p.parseIf()
	case lexer.KwMatch:
		return p.parseMatch()
	case lexer.KwFor:
		return p.parseFor()
	case lexer.LBrace:
		scope := p.pushScope()
		c := p.parseCompound(scope, true)
		p.popScope()
		return c
	case lexer.Ident:
		return p.parseIdentStmt()
	default:
		loc := p.cur.Location
		p.errorf(loc, "unexpected token %q at start of statement", p.cur.Text)
		p.synchronise()
		return &ExprStmt{baseStmt: baseStmt{Location: loc}, X: &Literal{baseExpr: baseExpr{Location: loc, Type: value.Void}, Value: value.VoidValue}}
	}
}

func (p *Parser) parseVarDecl(scope TableID) Stmt {
	begin := p.cur.Location
	p.advance() // 'var'
	nameTok := p.expect(lexer.Ident, "variable name")
	p.expect(lexer.Assign, "'='")
	val := p.parseExpr()
	p.expect(lexer.Semicolon, "';'")

	if _, exists := p.arena.Lookup(scope, nameTok.Text, Self); exists {
		p.typeErrorf(nameTok.Location, "variable %q already declared in this scope", nameTok.Text)
	}
	sid := p.arena.NewSymbol(Symbol{
		Name: nameTok.Text, Kind: SymVariable, Type: val.ResultType(),
		Owner: scope, Location: nameTok.Location, SlotHint: -1,
	})
	return &Assign{baseStmt: baseStmt{Location: begin.Merge(val.Loc())}, Symbol: sid, Value: val}
}

func (p *Parser) parseIf() Stmt {
	begin := p.cur.Location
	p.advance() // 'if'
	cond := p.parseExpr()
	if cond.ResultType() != value.Boolean {
		p.typeErrorf(cond.Loc(), "if condition must be boolean, got %s", cond.ResultType())
	}
	p.expect(lexer.KwThen, "'then'")
	then := p.parseBlock()
	var els Stmt
	if p.at(lexer.KwElse) {
		p.advance()
		els = p.parseBlock()
	}
	return &If{baseStmt: baseStmt{Location: begin}, Cond: cond, Then: then, Else: els}
}

// parseFor implements the optional ForStmt sugar described in SPEC_FULL.md:
// `for var NAME = Expr; Expr; NAME = Expr { Stmt* }` becomes a Compound
// holding the var-decl followed by a Loop node (Cond, Body, Step), which the
// IR generator's genLoop lowers into condition/body/exit blocks.
func (p *Parser) parseFor() Stmt {
	begin := p.cur.Location
	p.advance() // 'for'
	scope := p.pushScope()
	defer p.popScope()

	initStmt := p.parseVarDecl(scope)
	cond := p.parseExpr()
	p.expect(lexer.Semicolon, "';'")
	nameTok := p.expect(lexer.Ident, "loop variable")
	p.expect(lexer.Assign, "'='")
	step := p.parseExpr()

	sid, ok := p.arena.Lookup(scope, nameTok.Text, SelfAndOuter)
	if !ok {
		p.typeErrorf(nameTok.Location, "undeclared variable %q in for-step", nameTok.Text)
	}
	stepStmt := &Assign{baseStmt: baseStmt{Location: nameTok.Location}, Symbol: sid, Value: step}

	body := p.parseBlock()

	// { init; Loop{cond, body, step} }: the Loop node is lowered to blocks
	// with a back edge by genLoop in ir/gen.go.
	return &Compound{
		baseStmt: baseStmt{Location: begin},
		Scope:    scope,
		Stmts: []Stmt{
			initStmt,
			&Loop{baseStmt: baseStmt{Location: begin}, Cond: cond, Body: body, Step: stepStmt},
		},
	}
}

// Loop is the desugared form of the optional `for` sugar: a condition, a
// body, and a per-iteration step statement. It lowers to the same
// conditional-branch IR primitives as `if`, just looped (see ir generator),
// keeping the core IR/bytecode surface exactly as spec.md defines it.
type Loop struct {
	baseStmt
	Cond Expr
	Body Stmt
	Step Stmt
}

func (*Loop) stmtNode() {}

// parseIdentStmt disambiguates AssignStmt (`Name '=' Expr ';'`) from
// CallStmt (`Name (ArgList)? ';'`) by one token of lookahead.
func (p *Parser) parseIdentStmt() Stmt {
	nameTok := p.cur
	if p.peek.Kind == lexer.Assign {
		p.advance() // name
		p.advance() // '='
		val := p.parseExpr()
		p.expect(lexer.Semicolon, "';'")
		sid, ok := p.arena.Lookup(p.curScope(), nameTok.Text, SelfAndOuter)
		if !ok {
			p.typeErrorf(nameTok.Location, "undeclared variable %q", nameTok.Text)
		} else if sym := p.arena.Symbol(sid); sym.Kind != SymVariable {
			p.typeErrorf(nameTok.Location, "%q is not a variable", nameTok.Text)
		}
		return &Assign{baseStmt: baseStmt{Location: nameTok.Location}, Symbol: sid, Value: val}
	}

	p.advance() // consume identifier
	call := p.finishCall(nameTok)
	p.expect(lexer.Semicolon, "';'")
	if call == nil {
		return &ExprStmt{baseStmt: baseStmt{Location: nameTok.Location}, X: voidLiteral(nameTok.Location)}
	}
	return &HandlerCallStmt{baseStmt: baseStmt{Location: nameTok.Location}, Call: call}
}

// finishCall resolves nameTok against the current scope and, if an opening
// '(' follows, parses and signature-matches its argument list. p.cur must
// already be positioned just past the name token. Returns nil (having
// already reported a diagnostic) if the name doesn't resolve to a callable.
func (p *Parser) finishCall(nameTok lexer.Token) *Call {
	sid, ok := p.arena.Lookup(p.curScope(), nameTok.Text, All)
	if !ok {
		p.typeErrorf(nameTok.Location, "undeclared callable %q", nameTok.Text)
		if p.at(lexer.LParen) {
			p.parseArgList()
		}
		return nil
	}
	sym := p.arena.Symbol(sid)
	if sym.Kind == SymVariable || sym.Kind == SymUnit {
		p.typeErrorf(nameTok.Location, "%q is not callable", nameTok.Text)
		if p.at(lexer.LParen) {
			p.parseArgList()
		}
		return nil
	}

	var raw RawParamList
	if p.at(lexer.LParen) {
		raw = p.parseArgList()
	}
	args := p.tryMatch(sym, raw, nameTok.Location)

	if sym.Kind == SymHandler && p.currentHandler != NoSymbol {
		p.callGraph[p.currentHandler][sid] = true
		if sid == p.currentHandler {
			p.typeErrorf(nameTok.Location, "handler %q cannot call itself (recursive user-handler calls are unsupported)", nameTok.Text)
		}
	}
	return &Call{baseExpr: baseExpr{Location: nameTok.Location, Type: sym.Type}, Callee: sid, Args: args}
}

// parseArgList parses `'(' (Arg (',' Arg)*)? ')'`, where Arg is either a bare
// expression (positional) or `Name ':' Expr` (named). Mixing the two forms
// within one call is a TypeError, per spec.md §4.3.
func (p *Parser) parseArgList() RawParamList {
	p.expect(lexer.LParen, "'('")
	var raw RawParamList
	if p.at(lexer.RParen) {
		p.advance()
		return raw
	}
	var sawNamed, sawPositional bool
	for {
		if p.cur.Kind == lexer.Ident && p.peek.Kind == lexer.Colon {
			sawNamed = true
			name := p.cur.Text
			p.advance() // name
			p.advance() // ':'
			val := p.parseExpr()
			raw.Args = append(raw.Args, RawArg{Name: name, Expr: val})
		} else {
			sawPositional = true
			val := p.parseExpr()
			raw.Args = append(raw.Args, RawArg{Expr: val})
		}
		if p.at(lexer.Comma) {
			p.advance()
			continue
		}
		break
	}
	p.expect(lexer.RParen, "')'")
	if sawNamed && sawPositional {
		p.typeErrorf(p.cur.Location, "cannot mix positional and named arguments in one call")
	}
	if sawNamed {
		raw.Form = Named
	}
	return raw
}

// tryMatch rewrites raw into sym's positional parameter order, per spec.md
// §4.3: positional calls fill parameters left to right (extra arguments are
// a "Superfluous arguments" TypeError); named calls may appear in any order
// and may omit any parameter that has a default. A parameter left unfilled
// with no default is a TypeError.
func (p *Parser) tryMatch(sym *Symbol, raw RawParamList, loc Location) []Expr {
	paramTypes := sym.Signature.Params
	n := len(paramTypes)
	args := make([]Expr, n)
	provided := make([]bool, n)

	if raw.Form == Positional {
		if len(raw.Args) > n {
			p.typeErrorf(loc, "superfluous arguments to %q: expected %d, got %d", sym.Name, n, len(raw.Args))
		}
		for i, a := range raw.Args {
			if i >= n {
				break
			}
			args[i] = p.coerceArg(a.Expr, paramTypes[i], sym.Name, i)
			provided[i] = true
		}
	} else {
		for _, a := range raw.Args {
			idx := indexOfName(sym.ParamNames, a.Name)
			if idx < 0 {
				p.typeErrorf(loc, "superfluous argument %q to %q", a.Name, sym.Name)
				continue
			}
			if provided[idx] {
				p.typeErrorf(loc, "argument %q given more than once to %q", a.Name, sym.Name)
				continue
			}
			args[idx] = p.coerceArg(a.Expr, paramTypes[idx], sym.Name, idx)
			provided[idx] = true
		}
	}

	for i := 0; i < n; i++ {
		if provided[i] {
			continue
		}
		if i < len(sym.Defaults) && sym.Defaults[i] != nil {
			args[i] = sym.Defaults[i]
			continue
		}
		p.typeErrorf(loc, "missing required argument %d to %q", i+1, sym.Name)
		args[i] = &Literal{baseExpr: baseExpr{Location: loc, Type: paramTypes[i]}, Value: value.VoidValue}
	}
	return args
}

// coerceArg inserts the same implicit String/Number boundary conversion
// mkBinary does, for arguments passed to a typed parameter of the other
// kind; any other mismatch is a TypeError.
func (p *Parser) coerceArg(e Expr, want value.Kind, callee string, idx int) Expr {
	if e.ResultType() == want {
		return e
	}
	if want == value.String && e.ResultType() == value.Number {
		return &Cast{baseExpr: baseExpr{Location: e.Loc(), Type: value.String}, From: value.Number, Operand: e}
	}
	if want == value.Number && e.ResultType() == value.String {
		return &Cast{baseExpr: baseExpr{Location: e.Loc(), Type: value.Number}, From: value.String, Operand: e}
	}
	p.typeErrorf(e.Loc(), "argument %d to %q: expected %s, got %s", idx+1, callee, want, e.ResultType())
	return e
}

func indexOfName(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func voidLiteral(loc Location) Expr {
	return &Literal{baseExpr: baseExpr{Location: loc, Type: value.Void}, Value: value.VoidValue}
}

// checkRecursion walks the per-handler call graph built during pass 2 and
// reports a TypeError for every handler reachable from itself, covering
// indirect/mutual recursion that the direct self-call check in finishCall
// can't see. User handlers are inlined at every call site (spec.md §4.5), so
// any cycle would inline forever.
func (p *Parser) checkRecursion(sink diag.Sink) {
	const white, gray, black = 0, 1, 2
	color := make(map[SymbolID]int, len(p.callGraph))
	var visit func(id SymbolID)
	visit = func(id SymbolID) {
		switch color[id] {
		case black:
			return
		case gray:
			sym := p.arena.Symbol(id)
			sink.Report(diag.TypeError, sym.Location, "handler %q is part of a recursive call cycle, which inlining cannot resolve", sym.Name)
			return
		}
		color[id] = gray
		for callee := range p.callGraph[id] {
			visit(callee)
		}
		color[id] = black
	}
	for id := range p.callGraph {
		if color[id] == white {
			visit(id)
		}
	}
}

func (p *Parser) parseMatch() Stmt {
	begin := p.cur.Location
	p.advance() // 'match'
	subject := p.parseExpr()

	op := MatchSame
	switch p.cur.Kind {
	case lexer.Eq:
		p.advance()
	case lexer.MatchBeg:
		op = MatchHead
		p.advance()
	case lexer.MatchEnd:
		op = MatchTail
		p.advance()
	case lexer.MatchRe:
		op = MatchRegex
		p.advance()
	}

	p.expect(lexer.LBrace, "'{'")
	var cases []MatchCase
	var elseBody Stmt
	for p.at(lexer.KwOn) {
		p.advance()
		var labels []value.Value
		var regexes []value.Value
		for {
			lit := p.parseExpr()
			cv, isConst := constantOf(lit)
			if !isConst {
				p.typeErrorf(lit.Loc(), "match case label must be a constant expression")
			} else if op == MatchRegex {
				if cv.Kind != value.RegExp {
					p.typeErrorf(lit.Loc(), "match case label must be a regex literal")
				}
				regexes = append(regexes, cv)
			} else {
				if cv.Kind != value.String {
					p.typeErrorf(lit.Loc(), "match case label must be a string literal")
				}
				labels = append(labels, cv)
			}
			if !p.at(lexer.Comma) {
				break
			}
			p.advance()
		}
		body := p.parseStmt()
		cases = append(cases, MatchCase{Labels: labels, Regexes: regexes, Body: body})
	}
	if p.at(lexer.KwElse) {
		p.advance()
		elseBody = p.parseStmt()
	}
	end := p.cur.Location
	p.expect(lexer.RBrace, "'}'")
	return &Match{baseStmt: baseStmt{Location: begin.Merge(end)}, Subject: subject, Op: op, Cases: cases, Else: elseBody}
}

func constantOf(e Expr) (value.Value, bool) {
	if lit, ok := e.(*Literal); ok {
		return lit.Value, true
	}
	return value.Value{}, false
}

// --- Expressions: precedence-climbing per spec.md §4.3 ---

func (p *Parser) parseExpr() Expr { return p.parseOr() }

func (p *Parser) parseOr() Expr {
	left := p.parseAndXor()
	for p.at(lexer.KwOr) {
		loc := p.cur.Location
		p.advance()
		right := p.parseAndXor()
		left = p.mkBinary(OpOr, left, right, loc)
	}
	return left
}

func (p *Parser) parseAndXor() Expr {
	left := p.parseNot()
	for p.at(lexer.KwAnd) || p.at(lexer.KwXor) {
		op := OpAnd
		if p.at(lexer.KwXor) {
			op = OpXor
		}
		loc := p.cur.Location
		p.advance()
		right := p.parseNot()
		left = p.mkBinary(op, left, right, loc)
	}
	return left
}

func (p *Parser) parseNot() Expr {
	if p.at(lexer.KwNot) {
		loc := p.cur.Location
		p.advance()
		operand := p.parseNot()
		return p.mkUnary(OpNot, operand, loc)
	}
	return p.parseCompare()
}

var cmpOps = map[lexer.Kind]BinOp{
	lexer.Eq: OpEq, lexer.Ne: OpNe, lexer.Lt: OpLt, lexer.Le: OpLe,
	lexer.Gt: OpGt, lexer.Ge: OpGe, lexer.MatchRe: OpMatchRe,
	lexer.MatchBeg: OpMatchBeg, lexer.MatchEnd: OpMatchEnd, lexer.KwIn: OpIn,
}

func (p *Parser) parseCompare() Expr {
	left := p.parseAdditive()
	for {
		op, ok := cmpOps[p.cur.Kind]
		if !ok {
			break
		}
		if p.peek.Kind == lexer.LBrace {
			// `match SUBJECT =^ {`: the operator belongs to parseMatch.
			break
		}
		loc := p.cur.Location
		p.advance()
		right := p.parseAdditive()
		left = p.mkBinary(op, left, right, loc)
	}
	return left
}

func (p *Parser) parseAdditive() Expr {
	left := p.parseMultiplicative()
	for p.at(lexer.Plus) || p.at(lexer.Minus) {
		op := OpAdd
		if p.at(lexer.Minus) {
			op = OpSub
		}
		loc := p.cur.Location
		p.advance()
		right := p.parseMultiplicative()
		left = p.mkBinary(op, left, right, loc)
	}
	return left
}

func (p *Parser) parseMultiplicative() Expr {
	left := p.parseShift()
	for p.at(lexer.Star) || p.at(lexer.Slash) || p.at(lexer.Percent) {
		var op BinOp
		switch p.cur.Kind {
		case lexer.Star:
			op = OpMul
		case lexer.Slash:
			op = OpDiv
		default:
			op = OpRem
		}
		loc := p.cur.Location
		p.advance()
		right := p.parseShift()
		left = p.mkBinary(op, left, right, loc)
	}
	return left
}

func (p *Parser) parseShift() Expr {
	left := p.parsePow()
	for p.at(lexer.Shl) || p.at(lexer.Shr) {
		op := OpShl
		if p.at(lexer.Shr) {
			op = OpShr
		}
		loc := p.cur.Location
		p.advance()
		right := p.parsePow()
		left = p.mkBinary(op, left, right, loc)
	}
	return left
}

// parsePow is right-associative, per spec.md §4.3.
func (p *Parser) parsePow() Expr {
	left := p.parseUnary()
	if p.at(lexer.Pow) {
		loc := p.cur.Location
		p.advance()
		right := p.parsePow()
		return p.mkBinary(OpPow, left, right, loc)
	}
	return left
}

func (p *Parser) parseUnary() Expr {
	switch p.cur.Kind {
	case lexer.Minus:
		loc := p.cur.Location
		p.advance()
		return p.mkUnary(OpNeg, p.parseUnary(), loc)
	case lexer.KwNot:
		loc := p.cur.Location
		p.advance()
		return p.mkUnary(OpNot, p.parseUnary(), loc)
	default:
		return p.parsePrimary()
	}
}

func (p *Parser) parsePrimary() Expr {
	tok := p.cur
	switch tok.Kind {
	case lexer.Number:
		p.advance()
		n, _ := strconv.ParseInt(tok.Text, 0, 64)
		return &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.Number}, Value: value.Num(n)}
	case lexer.String:
		p.advance()
		return &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.String}, Value: value.Str(tok.Text)}
	case lexer.RawString:
		p.advance()
		return &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.String}, Value: value.Str(tok.Text)}
	case lexer.KwTrue:
		p.advance()
		return &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.Boolean}, Value: value.Bool(true)}
	case lexer.KwFalse:
		p.advance()
		return &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.Boolean}, Value: value.Bool(false)}
	case lexer.IPLiteral:
		p.advance()
		ip := parseIPLiteral(tok.Text)
		return &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.IPAddress}, Value: value.IP(ip)}
	case lexer.CidrLiteral:
		p.advance()
		c := parseCidrLiteral(tok.Text)
		return &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.Cidr}, Value: value.CidrVal(c)}
	case lexer.RegexLiteral:
		p.advance()
		pattern, _, _ := strings.Cut(tok.Text, "\x00")
		re, err := regexp.Compile(pattern)
		if err != nil {
			p.typeErrorf(tok.Location, "invalid regular expression: %s", err)
			re = regexp.MustCompile("$^") // never matches
		}
		return &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.RegExp}, Value: value.Regexp(re)}
	case lexer.CaptureRef:
		p.advance()
		n, _ := strconv.ParseInt(tok.Text, 10, 64)
		idx := &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.Number}, Value: value.Num(n)}
		return &Unary{baseExpr: baseExpr{Location: tok.Location, Type: value.String}, Op: OpRegexGroup, Operand: idx}
	case lexer.LParen:
		p.advance()
		e := p.parseExpr()
		p.expect(lexer.RParen, "')'")
		return e
	case lexer.LBracket:
		return p.parseArrayLiteral()
	case lexer.Ident:
		p.advance()
		return p.parseIdentExpr(tok)
	default:
		p.errorf(tok.Location, "unexpected token %q in expression", tok.Text)
		p.advance()
		return &Literal{baseExpr: baseExpr{Location: tok.Location, Type: value.Void}, Value: value.VoidValue}
	}
}

func (p *Parser) parseArrayLiteral() Expr {
	begin := p.cur.Location
	p.advance() // '['
	var elems []Expr
	for !p.at(lexer.RBracket) && !p.at(lexer.EOF) {
		elems = append(elems, p.parseExpr())
		if p.at(lexer.Comma) {
			p.advance()
		} else {
			break
		}
	}
	end := p.cur.Location
	p.expect(lexer.RBracket, "']'")

	allConst := true
	kind := value.Void
	for _, e := range elems {
		if _, ok := constantOf(e); !ok {
			allConst = false
			break
		}
		kind = e.ResultType()
	}
	if !allConst {
		p.typeErrorf(begin.Merge(end), "variable array elements not allowed")
		return &Literal{baseExpr: baseExpr{Location: begin.Merge(end), Type: value.IntArray}, Value: value.IntArr(nil)}
	}
	return buildArrayLiteral(begin.Merge(end), kind, elems)
}

func buildArrayLiteral(loc Location, elemKind value.Kind, elems []Expr) Expr {
	switch elemKind {
	case value.Number:
		vals := make([]int64, len(elems))
		for i, e := range elems {
			cv, _ := constantOf(e)
			vals[i] = cv.Num
		}
		return &Literal{baseExpr: baseExpr{Location: loc, Type: value.IntArray}, Value: value.IntArr(vals)}
	case value.String:
		vals := make([]string, len(elems))
		for i, e := range elems {
			cv, _ := constantOf(e)
			vals[i] = cv.Str
		}
		return &Literal{baseExpr: baseExpr{Location: loc, Type: value.StringArray}, Value: value.StrArr(vals)}
	case value.IPAddress:
		vals := make([]net.IP, len(elems))
		for i, e := range elems {
			cv, _ := constantOf(e)
			vals[i] = cv.IP
		}
		return &Literal{baseExpr: baseExpr{Location: loc, Type: value.IPAddrArray}, Value: value.IPArr(vals)}
	case value.Cidr:
		vals := make([]value.Cidr, len(elems))
		for i, e := range elems {
			cv, _ := constantOf(e)
			vals[i] = cv.CIDR
		}
		return &Literal{baseExpr: baseExpr{Location: loc, Type: value.CidrArray}, Value: value.CidrArr(vals)}
	default:
		return &Literal{baseExpr: baseExpr{Location: loc, Type: value.IntArray}, Value: value.IntArr(nil)}
	}
}

func (p *Parser) mkBinary(op BinOp, left, right Expr, loc Location) Expr {
	resultType := binOpResultType(op, left, right)
	lc, rc := coerceForBinOp(op, left, right)
	return &Binary{baseExpr: baseExpr{Location: loc.Merge(left.Loc()).Merge(right.Loc()), Type: resultType}, Op: op, Left: lc, Right: rc}
}

func (p *Parser) mkUnary(op UnOp, operand Expr, loc Location) Expr {
	t := operand.ResultType()
	if op == OpNot {
		t = value.Boolean
	}
	return &Unary{baseExpr: baseExpr{Location: loc.Merge(operand.Loc()), Type: t}, Op: op, Operand: operand}
}

func binOpResultType(op BinOp, left, right Expr) value.Kind {
	switch op {
	case OpOr, OpAnd, OpXor, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpMatchRe, OpMatchBeg, OpMatchEnd, OpIn:
		return value.Boolean
	default:
		if left.ResultType() == value.String || right.ResultType() == value.String {
			if op == OpAdd {
				return value.String
			}
		}
		return value.Number
	}
}

// coerceForBinOp inserts the implicit String/Number Cast conversions spec.md
// §4.3 allows "only between String and Number at explicit boundaries": a
// String `+` Number (or vice versa) concatenation coerces the Number side
// with N2S.
func coerceForBinOp(op BinOp, left, right Expr) (Expr, Expr) {
	if op != OpAdd {
		return left, right
	}
	if left.ResultType() == value.String && right.ResultType() == value.Number {
		right = &Cast{baseExpr: baseExpr{Location: right.Loc(), Type: value.String}, From: value.Number, Operand: right}
	} else if right.ResultType() == value.String && left.ResultType() == value.Number {
		left = &Cast{baseExpr: baseExpr{Location: left.Loc(), Type: value.String}, From: value.Number, Operand: left}
	}
	return left, right
}

// parseIdentExpr handles an identifier already consumed in expression
// position: a following '(' makes it a call-as-expression (a builtin
// function invoked for its return value); otherwise it's a bare variable or
// handler-value reference.
func (p *Parser) parseIdentExpr(tok lexer.Token) Expr {
	if p.at(lexer.LParen) {
		call := p.finishCall(tok)
		if call == nil {
			return voidLiteral(tok.Location)
		}
		return call
	}
	return p.resolveBareIdent(tok)
}

func (p *Parser) resolveBareIdent(tok lexer.Token) Expr {
	sid, ok := p.arena.Lookup(p.curScope(), tok.Text, All)
	if !ok {
		p.typeErrorf(tok.Location, "undeclared identifier %q", tok.Text)
		return voidLiteral(tok.Location)
	}
	sym := p.arena.Symbol(sid)
	switch sym.Kind {
	case SymVariable:
		return &VarRef{baseExpr: baseExpr{Location: tok.Location, Type: sym.Type}, Symbol: sid}
	case SymHandler, SymBuiltinHandler:
		return &HandlerRef{baseExpr: baseExpr{Location: tok.Location, Type: value.Handler}, Symbol: sid}
	default:
		p.typeErrorf(tok.Location, "%q must be called", tok.Text)
		return voidLiteral(tok.Location)
	}
}

func parseIPLiteral(text string) net.IP {
	text = strings.TrimPrefix(text, "[")
	text = strings.TrimSuffix(text, "]")
	return net.ParseIP(text)
}

func parseCidrLiteral(text string) value.Cidr {
	ipPart, prefixPart, _ := strings.Cut(text, "/")
	ip := parseIPLiteral(ipPart)
	prefix, _ := strconv.Atoi(prefixPart)
	return value.Cidr{IP: ip, Prefix: prefix}
}
