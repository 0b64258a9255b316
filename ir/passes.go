package ir

import "flowvm/value"

// RunPasses runs the optimization pipeline from spec.md §4.6 over every
// handler in prog to a fixed point: EmptyBlockElimination, MergeBlockPass,
// UnusedBlockPass, InstructionElimination, repeated until none of them
// change anything. Each pass preserves "every block ends in exactly one
// terminator" and never reorders an instruction past one it depends on.
func RunPasses(prog *Program) {
	for _, h := range prog.Handlers {
		for {
			changed := false
			changed = emptyBlockElimination(h, prog.Matches) || changed
			changed = mergeBlockPass(h, prog.Matches) || changed
			changed = unusedBlockPass(h, prog.Matches) || changed
			changed = instructionElimination(h, prog.Pool) || changed
			if !changed {
				break
			}
		}
	}
}

// redirect rewrites every block-valued field of instr that points at from to
// point at to instead — the single place every pass goes through to patch a
// Jump/Branch/Match target, so match-case bodies (which live in
// Program.Matches, not in the instruction itself) are never forgotten.
func redirect(instr *Instr, matches []MatchDef, from, to *Block) {
	switch instr.Op {
	case OpJump:
		if instr.Target == from {
			instr.Target = to
		}
	case OpBranch:
		if instr.Then == from {
			instr.Then = to
		}
		if instr.Else == from {
			instr.Else = to
		}
	case OpMatch:
		if instr.Default == from {
			instr.Default = to
		}
		for i := range matches[instr.MatchDef].Cases {
			if matches[instr.MatchDef].Cases[i].Body == from {
				matches[instr.MatchDef].Cases[i].Body = to
			}
		}
	}
}

// successorsOf lists every block a terminator can transfer control to.
func successorsOf(instr *Instr, matches []MatchDef) []*Block {
	switch instr.Op {
	case OpJump:
		return []*Block{instr.Target}
	case OpBranch:
		var out []*Block
		if instr.Then != nil {
			out = append(out, instr.Then)
		}
		if instr.Else != nil {
			out = append(out, instr.Else)
		}
		return out
	case OpMatch:
		var out []*Block
		if instr.Default != nil {
			out = append(out, instr.Default)
		}
		for _, c := range matches[instr.MatchDef].Cases {
			out = append(out, c.Body)
		}
		return out
	default:
		return nil
	}
}

// emptyBlockElimination removes a block that is nothing but a single Jump,
// redirecting anything pointing at it straight to its target. The handler's
// entry block is never removed, even if it qualifies, so Handler.Entry stays
// valid without a separate fixup.
func emptyBlockElimination(h *Handler, matches []MatchDef) bool {
	changed := false
	for _, b := range h.Blocks {
		if b == h.Entry || len(b.Instrs) != 1 {
			continue
		}
		term := b.Instrs[0]
		if term.Op != OpJump || term.Target == b {
			continue
		}
		target := term.Target
		for _, other := range h.Blocks {
			if len(other.Instrs) == 0 || other == b {
				continue
			}
			redirect(other.Instrs[len(other.Instrs)-1], matches, b, target)
		}
		changed = true
	}
	return changed
}

// unusedBlockPass drops every block not reachable from the handler entry.
func unusedBlockPass(h *Handler, matches []MatchDef) bool {
	visited := map[*Block]bool{h.Entry: true}
	queue := []*Block{h.Entry}
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		if len(b.Instrs) == 0 {
			continue
		}
		for _, s := range successorsOf(b.Instrs[len(b.Instrs)-1], matches) {
			if s != nil && !visited[s] {
				visited[s] = true
				queue = append(queue, s)
			}
		}
	}
	if len(visited) == len(h.Blocks) {
		return false
	}
	kept := h.Blocks[:0]
	for _, b := range h.Blocks {
		if visited[b] {
			kept = append(kept, b)
		}
	}
	h.Blocks = kept
	return true
}

// predCounts counts, for every block, how many terminators (including match
// case bodies) name it as a successor.
func predCounts(h *Handler, matches []MatchDef) map[*Block]int {
	counts := make(map[*Block]int, len(h.Blocks))
	for _, b := range h.Blocks {
		if len(b.Instrs) == 0 {
			continue
		}
		for _, s := range successorsOf(b.Instrs[len(b.Instrs)-1], matches) {
			if s != nil {
				counts[s]++
			}
		}
	}
	return counts
}

// mergeBlockPass splices a block into its sole predecessor when that
// predecessor's only successor is an unconditional jump to it, eliminating
// the jump and the extra block in one step.
func mergeBlockPass(h *Handler, matches []MatchDef) bool {
	changed := false
	for {
		preds := predCounts(h, matches)
		mergedThisRound := false
		for _, a := range h.Blocks {
			if len(a.Instrs) == 0 {
				continue
			}
			term := a.Instrs[len(a.Instrs)-1]
			if term.Op != OpJump {
				continue
			}
			b := term.Target
			if b == a || b == h.Entry || preds[b] != 1 {
				continue
			}
			a.Instrs = append(a.Instrs[:len(a.Instrs)-1], b.Instrs...)
			removeBlock(h, b)
			mergedThisRound = true
			changed = true
			break
		}
		if !mergedThisRound {
			break
		}
	}
	return changed
}

func removeBlock(h *Handler, b *Block) {
	kept := h.Blocks[:0]
	for _, x := range h.Blocks {
		if x != b {
			kept = append(kept, x)
		}
	}
	h.Blocks = kept
}

// instructionElimination runs constant folding for numeric/boolean/string
// ops followed by dead-code elimination. Folding and DCE never need to
// cross a block boundary: the generator only ever threads a ValueRef
// between instructions it placed in the same block (control-flow splits
// happen at statement boundaries, never mid-expression).
func instructionElimination(h *Handler, pool *value.Pool) bool {
	changed := false
	for _, b := range h.Blocks {
		if constantFold(b, pool) {
			changed = true
		}
		if deadCodeEliminate(b) {
			changed = true
		}
	}
	return changed
}

func constantFold(b *Block, pool *value.Pool) bool {
	changed := false
	kept := b.Instrs[:0]
	for _, instr := range b.Instrs {
		if (instr.Op == OpBinary || instr.Op == OpUnary) && allConst(instr.Args) {
			if folded, ok := tryFold(instr, pool); ok {
				for _, other := range b.Instrs {
					for j := range other.Args {
						if !other.Args[j].Const && other.Args[j].Def == instr {
							other.Args[j] = folded
						}
					}
				}
				changed = true
				continue // drop instr: every use now points at folded directly
			}
		}
		kept = append(kept, instr)
	}
	b.Instrs = kept
	return changed
}

func allConst(args []ValueRef) bool {
	if len(args) == 0 {
		return false
	}
	for _, a := range args {
		if !a.Const {
			return false
		}
	}
	return true
}

// deadCodeEliminate drops any pure (non-side-effecting) instruction in b
// whose value no other instruction in b consumes. OpStore, OpCallNative,
// OpCallHandler and every terminator are always kept.
func deadCodeEliminate(b *Block) bool {
	used := make(map[*Instr]bool)
	for _, instr := range b.Instrs {
		if isRoot(instr) {
			used[instr] = true
		}
	}
	// propagate liveness backward through operand edges to a fixed point.
	for changed := true; changed; {
		changed = false
		for _, instr := range b.Instrs {
			if !used[instr] {
				continue
			}
			for _, a := range instr.Args {
				if !a.Const && a.Def != nil && !used[a.Def] {
					used[a.Def] = true
					changed = true
				}
			}
		}
	}

	removed := false
	kept := b.Instrs[:0]
	for _, instr := range b.Instrs {
		if used[instr] {
			kept = append(kept, instr)
			continue
		}
		removed = true
	}
	b.Instrs = kept
	return removed
}

func isRoot(instr *Instr) bool {
	switch instr.Op {
	case OpStore, OpCallNative, OpCallHandler,
		OpJump, OpBranch, OpMatch, OpReturn:
		return true
	default:
		return false
	}
}
