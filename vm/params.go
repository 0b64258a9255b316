package vm

import "flowvm/value"

// Params is the view a native callback gets over the arguments pushed by
// CALL/HANDLER, per spec.md §4.8. Slot 0 is reserved for the return value;
// slots 1..N are the positional arguments.
type Params struct {
	runner *Runner
	slots  []value.Value
}

func newParams(r *Runner, argv []value.Value) *Params {
	slots := make([]value.Value, len(argv)+1)
	copy(slots[1:], argv)
	return &Params{runner: r, slots: slots}
}

// NewParamsForTest builds a Params for r as if argv had just been popped
// off the operand stack by CALL/HANDLER, for native-callback unit tests
// that want to invoke a Callback directly without driving it through a
// running Program.
func NewParamsForTest(r *Runner, argv []value.Value) *Params {
	return newParams(r, argv)
}

// Count returns the number of arguments (excluding the return slot).
func (p *Params) Count() int { return len(p.slots) - 1 }

// Runner returns the executing Runner, letting a callback call Suspend or
// allocate garbage-collected strings.
func (p *Params) Runner() *Runner { return p.runner }

func (p *Params) arg(i int) value.Value {
	return p.slots[i+1]
}

func (p *Params) GetBool(i int) bool             { return p.arg(i).Bool() }
func (p *Params) GetInt(i int) int64             { return p.arg(i).Num }
func (p *Params) GetString(i int) string         { return p.arg(i).Str }
func (p *Params) GetIPAddress(i int) value.Value { return p.arg(i) }
func (p *Params) GetCidr(i int) value.Cidr       { return p.arg(i).CIDR }
func (p *Params) GetValue(i int) value.Value     { return p.arg(i) }

func (p *Params) GetIntArray(i int) []int64     { return p.arg(i).Ints }
func (p *Params) GetStringArray(i int) []string { return p.arg(i).Strs }

// SetResult writes v to the return slot (slot 0).
func (p *Params) SetResult(v value.Value) {
	p.slots[0] = v
}

// Result reads back the return slot, used by the VM after a CALL/HANDLER
// returns.
func (p *Params) Result() value.Value {
	return p.slots[0]
}

// NewString allocates s in the Runner's string garbage list, for native
// callbacks that build Flow strings (e.g. string-returning builtins).
func (p *Params) NewString(s string) string {
	return p.runner.allocString(s)
}
