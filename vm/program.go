package vm

import (
	"fmt"

	"flowvm/value"
)

// MatchDef describes one compiled `match` statement: the operator class, an
// ordered list of (constant-index, target PC) cases, and an else PC. The
// owning handler is recorded so a fault can be attributed to it.
type MatchDef struct {
	Op      MatchOpClass
	Cases   []MatchCaseDef
	ElsePC  uint32
	Handler int
}

// MatchOpClass mirrors ast.MatchOp without introducing a dependency from vm
// on the ast package (the VM only needs to know how to interpret the
// compiled form).
type MatchOpClass uint8

const (
	MatchSame MatchOpClass = iota
	MatchHead
	MatchTail
	MatchRegex
)

type MatchCaseDef struct {
	ConstIndex value.PoolIndex
	TargetPC   uint32
}

// Handler is one compiled entry point: a name, its declared max stack size
// (in 64-bit slots), and its flat instruction vector.
type Handler struct {
	Name      string
	StackSize int
	Code      []Word
}

// NativeRef is one native function/handler signature the Program references
// by index; the host's runtime.Runtime supplies the matching implementation
// at link time (see runtime.Link).
type NativeRef struct {
	Signature  value.Signature
	IsHandler  bool
}

// Program is the immutable bytecode artifact produced by codegen. Once
// built it is never mutated, so it may be shared by Runners running on
// separate goroutines (spec.md §5).
type Program struct {
	Pool      *value.Pool
	Handlers  []Handler
	Matches   []MatchDef
	Natives   []NativeRef

	byName map[string]int
}

// NewProgram returns an empty Program ready for codegen to populate.
func NewProgram() *Program {
	return &Program{Pool: value.NewPool(), byName: make(map[string]int)}
}

// AddHandler appends h and indexes it by name.
func (p *Program) AddHandler(h Handler) int {
	idx := len(p.Handlers)
	p.Handlers = append(p.Handlers, h)
	p.byName[h.Name] = idx
	return idx
}

// FindHandler resolves a handler by name, per spec.md §6's
// Program.find_handler.
func (p *Program) FindHandler(name string) (*Handler, bool) {
	idx, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return &p.Handlers[idx], true
}

// AddNative interns a native function/handler signature reference, returning
// its index. Signatures are not deduplicated because codegen only ever adds
// one entry per distinct call site resolution; the registry is small.
func (p *Program) AddNative(sig value.Signature, isHandler bool) int {
	idx := len(p.Natives)
	p.Natives = append(p.Natives, NativeRef{Signature: sig, IsHandler: isHandler})
	return idx
}

// AddMatch appends a MatchDef, returning its index for SMATCH* operands.
func (p *Program) AddMatch(m MatchDef) int {
	idx := len(p.Matches)
	p.Matches = append(p.Matches, m)
	return idx
}

// Disassemble renders every handler's instructions as text, for the
// cmd/flowvm `disasm` subcommand and for debugging.
func (p *Program) Disassemble() string {
	out := ""
	for _, h := range p.Handlers {
		out += fmt.Sprintf("handler %s (stack=%d):\n", h.Name, h.StackSize)
		for pc, w := range h.Code {
			out += fmt.Sprintf("  %4d: %-10s A=%d B=%d C=%d\n", pc, w.Opcode(), w.A(), w.B(), w.C())
		}
	}
	return out
}
