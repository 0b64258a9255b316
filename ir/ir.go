// Package ir implements the Flow intermediate representation described in
// spec.md §3.3/§4.5/§4.6: per-handler basic blocks of instructions with
// explicit block terminators, lowered from the typed ast.Unit and later
// linearized into vm bytecode by package codegen.
//
// Unlike the AST arena (which indexes everything to avoid back-reference
// cycles, per spec.md §9), the IR is short-lived — built, optimized, and
// consumed within a single compile — so blocks and instructions are plain Go
// pointers; operand edges (ValueRef) point directly at the defining
// instruction rather than at a (blockID, instrIndex) pair. This is a
// deliberate deviation from the literal wording of spec.md §3.3 (an Open
// Question decision recorded in DESIGN.md): pointer edges survive block
// merges/splits during the §4.6 passes without a renumbering pass, which a
// (blockID, index) pair would need every time a pass reshapes a block.
package ir

import (
	"flowvm/value"
	"flowvm/vm"
)

// Op is an IR instruction's structural kind. Most arithmetic/comparison/cast
// work is delegated to a concrete vm.Opcode carried in Instr.VMOp (the
// "fixed (op, operand-type) opcode table" from spec.md §4.5); Op itself only
// distinguishes the handful of shapes codegen needs to tell apart before
// linearization.
type Op int

const (
	OpConst Op = iota
	OpAlloca
	OpLoad
	OpStore
	OpMove
	OpUnary
	OpBinary
	OpCast
	OpCallNative
	OpCallHandler
	OpJump
	OpBranch
	OpMatch
	OpReturn
)

// ValueRef is an IR operand: either a constant-pool reference or an SSA edge
// to the instruction that produced the value.
type ValueRef struct {
	Const bool
	Kind  value.Kind
	Pool  int // valid when Const
	Def   *Instr
}

func ConstRef(kind value.Kind, poolIndex int) ValueRef {
	return ValueRef{Const: true, Kind: kind, Pool: poolIndex}
}

func InstrRef(def *Instr) ValueRef {
	return ValueRef{Kind: def.Kind, Def: def}
}

// Instr is one IR instruction. Only the fields relevant to Op are
// meaningful; this mirrors spec.md's own per-opcode operand shapes rather
// than splitting into one Go type per opcode, matching the teacher's taste
// for one instruction struct over a large interface hierarchy
// (vm/bytecode.go's Instruction is the same shape: one struct, fields used
// depend on the opcode).
type Instr struct {
	ID   int
	Op   Op
	VMOp vm.Opcode
	Kind value.Kind
	Args []ValueRef

	Slot int // Alloca: slot count: Load/Store/Move dst slot
	Src  int // Move: source slot

	NativeIndex int // CallNative/CallHandler: index into Program.Natives

	Target *Block // Jump
	Then   *Block // Branch: taken
	Else   *Block // Branch: not taken

	MatchDef int    // Match: index into Program.Matches
	Default  *Block // Match: else/no-match branch
}

// Block is a straight-line instruction sequence ending in a terminator
// (Jump/Branch/Match/Return). Per spec.md §4.6, every pass must preserve
// "every block ends in exactly one terminator".
type Block struct {
	ID     int
	Instrs []*Instr
}

func (b *Block) Terminator() *Instr {
	if n := len(b.Instrs); n > 0 {
		if t := b.Instrs[n-1]; t.Op == OpJump || t.Op == OpBranch || t.Op == OpMatch || t.Op == OpReturn {
			return t
		}
	}
	return nil
}

func (b *Block) IsTerminated() bool { return b.Terminator() != nil }

// Handler is one compiled Flow handler: an entry block plus every block
// reachable through generation (not necessarily all still reachable after
// the §4.6 passes run — UnusedBlockPass removes the rest).
type Handler struct {
	Name      string
	Entry     *Block
	Blocks    []*Block
	NumSlots  int
	StackSize int
}

// MatchCaseIR is one `on` clause lowered to constant pool indices.
type MatchCaseIR struct {
	PoolIndices []int // indices into the matching kind's pool slice
	Body        *Block
}

// MatchDef mirrors vm.MatchDef ahead of final PC fixups.
type MatchDef struct {
	Op    MatchOp
	Cases []MatchCaseIR
}

type MatchOp int

const (
	MatchSame MatchOp = iota
	MatchHead
	MatchTail
	MatchRegex
)

// NativeSig names one native function/handler reference a Handler's
// CallNative/CallHandler instructions index into; resolved against a
// runtime.Runtime at link time (package runtime).
type NativeSig struct {
	Signature value.Signature
	IsHandler bool
}

// Program is a whole compiled unit: the constant pool, every handler, the
// match-case tables, and the deduplicated native reference table.
type Program struct {
	Pool     *value.Pool
	Handlers []*Handler
	Matches  []MatchDef
	Natives  []NativeSig
}
