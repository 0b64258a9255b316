// Package builtins is a small demo native-binding set exercising every
// CALL/HANDLER scenario in spec.md §8: a handler that unconditionally
// signals handled, three handlers dispatched from a match statement, a
// string-returning accessor standing in for a request property, a
// capture-group consumer, and a suspend/resume native function.
package builtins

import "sync"

// Context is the userdata a demo Runner carries. Every builtin Fn type-
// asserts p.Runner().Userdata() to *Context, matching the teacher's taste
// for a single opaque host pointer threaded through native calls rather
// than a bag of individually-registered globals.
type Context struct {
	mu sync.Mutex

	// Path stands in for the request property accessed as req.path in
	// spec.md §8 scenarios 3-4. The lexer here has no member-access
	// operator (see DESIGN.md), so the demo Flow source calls the
	// equivalent bare function req_path() instead.
	Path string

	// Shown records the argument show_user last received (scenario 4).
	Shown string

	// Matched records which of a_handler/b_handler/default_handler last
	// ran (scenario 3).
	Matched string

	// LookupResult is the value async_lookup returns once Complete has
	// been called (scenario 5); lookupReady gates whether a pending call
	// should suspend again or return that result.
	LookupResult string
	lookupReady  bool
}

// Complete resolves the Context's one pending async_lookup call. A host
// calls this after its own out-of-band work finishes, then calls
// Runner.Resume to continue the suspended handler.
func (c *Context) Complete(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LookupResult = result
	c.lookupReady = true
}

func (c *Context) takeLookup() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lookupReady {
		return "", false
	}
	result := c.LookupResult
	c.lookupReady = false
	return result, true
}
