package vm

import (
	"github.com/google/uuid"

	"flowvm/value"
)

// State is a Runner's execution state, per spec.md §4.9.
type State int

const (
	Inactive State = iota
	Running
	Suspended
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// RegexContext holds the capture groups from the most recent SREGMATCH, for
// retrieval by SREGGROUP. A native callback may rewind it for subsequent
// SREGGROUPs within the same callback (spec.md §4.9.3).
type RegexContext struct {
	Subject string
	Groups  []string // Groups[0] is the full match
}

// NativeInvoker is how a Runner reaches the host-registered native
// functions/handlers referenced by CALL/HANDLER. runtime.Runtime implements
// this; vm does not import runtime; see SPEC_FULL.md §0 for why the
// dependency points runtime -> vm and not the reverse.
type NativeInvoker interface {
	CallFunction(idx int, p *Params) error
	CallHandler(idx int, p *Params) (handled bool, err error)
}

// Runner is one mutable execution of a Handler. It owns its operand stack
// and string garbage list and may be suspended mid-execution inside a
// native callback.
type Runner struct {
	ID uuid.UUID // correlation id for logs/fault handlers, see SPEC_FULL.md DOMAIN STACK

	program     *Program
	handlerIdx  int
	handler     *Handler
	pc          int
	stack       []value.Value
	state       State
	regex       RegexContext
	garbage     []string // strings allocated during execution; freed on Close
	userdata    any
	invoker     NativeInvoker
	faultSink   FaultHandler

	// suspendRequested is set by Suspend() from inside a native callback;
	// the CALL/HANDLER opcode handler observes it after the callback
	// returns and parks the Runner instead of advancing further.
	suspendRequested bool
}

// NewRunner creates a Runner for handlerName within program, with userdata
// opaque to the VM and passed through to every native callback via Params.
// invoker resolves native CALL/HANDLER targets; it may be nil if the
// program calls no natives.
func NewRunner(program *Program, handlerName string, userdata any, invoker NativeInvoker) (*Runner, error) {
	h, ok := program.FindHandler(handlerName)
	if !ok {
		return nil, &LinkError{Message: "no such handler: " + handlerName}
	}
	idx := -1
	for i := range program.Handlers {
		if &program.Handlers[i] == h {
			idx = i
			break
		}
	}
	return &Runner{
		ID:         uuid.New(),
		program:    program,
		handlerIdx: idx,
		handler:    h,
		pc:         0,
		stack:      make([]value.Value, 0, h.StackSize),
		state:      Inactive,
		userdata:   userdata,
		invoker:    invoker,
	}, nil
}

// LinkError signals that a Program reference (e.g. a handler name) could not
// be resolved. Per spec.md §7, link errors make the Program unusable; here
// we scope that to the specific lookup that failed.
type LinkError struct{ Message string }

func (e *LinkError) Error() string { return "vm: link error: " + e.Message }

// SetFaultHandler installs the sink faults are reported to, in addition to
// being returned from Run/Resume.
func (r *Runner) SetFaultHandler(h FaultHandler) { r.faultSink = h }

// State reports the Runner's current execution state.
func (r *Runner) State() State { return r.state }

// Userdata returns the opaque host-supplied context pointer.
func (r *Runner) Userdata() any { return r.userdata }

// Program returns the immutable Program this Runner executes against.
func (r *Runner) Program() *Program { return r.program }

// allocString records s in the Runner's garbage list and returns it. Every
// string-producing opcode must route its result through here, per spec.md
// §4.9's "VM never shares mutable strings; every string-producing opcode
// yields a fresh string."
func (r *Runner) allocString(s string) string {
	r.garbage = append(r.garbage, s)
	return s
}

// Close releases the Runner's string garbage. Safe to call multiple times.
func (r *Runner) Close() {
	r.garbage = nil
}

// Suspend is called from within a native callback to park the Runner. The
// VM observes this after the callback returns and returns false from
// Run/Resume without advancing the PC further, per spec.md §4.9.1.
func (r *Runner) Suspend() {
	r.suspendRequested = true
}

// SuspendRequested reports whether Suspend has been called since the last
// Run/Resume cycle observed it. Mainly useful to native-callback unit
// tests that invoke a Callback directly, bypassing step().
func (r *Runner) SuspendRequested() bool {
	return r.suspendRequested
}

// Rewind restarts execution at PC 0, preserving the Runner's string garbage
// list (see SPEC_FULL.md's note on Runner.cc's rewind semantics) and
// clearing the operand stack.
func (r *Runner) Rewind() {
	r.pc = 0
	r.stack = r.stack[:0]
	r.state = Inactive
	r.suspendRequested = false
}
