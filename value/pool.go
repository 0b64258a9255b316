package value

// PoolIndex addresses one constant within a single per-kind vector of a
// Pool. Spec.md §3.1 bounds this to 16 bits; we keep that bound explicit in
// the type rather than silently relying on int, since overflowing it is a
// LinkError (too many distinct constants of one kind), not a panic.
type PoolIndex uint16

const MaxPoolIndex = PoolIndex(1<<16 - 1)

// Pool is the constant pool owned by an IRProgram or a bytecode Program: one
// vector per literal kind, addressed by a 16-bit index. Equal constants may
// be deduplicated (the dedup maps below are a pure optimization) but
// spec.md does not require it.
type Pool struct {
	Strings []string
	Ints    []int64
	Bools   []bool
	IPs     []Value // Kind == IPAddress
	Cidrs   []Value // Kind == Cidr
	Regexps []Value // Kind == RegExp
	IntArrays    [][]int64
	StringArrays [][]string
	IPArrays     [][]Value
	CidrArrays   [][]Value

	stringDedup map[string]PoolIndex
	intDedup    map[int64]PoolIndex
}

// NewPool returns an empty constant pool.
func NewPool() *Pool {
	return &Pool{
		stringDedup: make(map[string]PoolIndex),
		intDedup:    make(map[int64]PoolIndex),
	}
}

// AddString interns s, returning its pool index. Equal strings are
// deduplicated.
func (p *Pool) AddString(s string) PoolIndex {
	if idx, ok := p.stringDedup[s]; ok {
		return idx
	}
	idx := PoolIndex(len(p.Strings))
	p.Strings = append(p.Strings, s)
	p.stringDedup[s] = idx
	return idx
}

// AddInt interns n, returning its pool index. Equal ints are deduplicated.
func (p *Pool) AddInt(n int64) PoolIndex {
	if idx, ok := p.intDedup[n]; ok {
		return idx
	}
	idx := PoolIndex(len(p.Ints))
	p.Ints = append(p.Ints, n)
	p.intDedup[n] = idx
	return idx
}

// AddBool appends b, returning its pool index. Booleans are small enough
// that dedup would cost more than it saves, so this never dedups.
func (p *Pool) AddBool(b bool) PoolIndex {
	idx := PoolIndex(len(p.Bools))
	p.Bools = append(p.Bools, b)
	return idx
}

func (p *Pool) AddIP(v Value) PoolIndex {
	idx := PoolIndex(len(p.IPs))
	p.IPs = append(p.IPs, v)
	return idx
}

func (p *Pool) AddCidr(v Value) PoolIndex {
	idx := PoolIndex(len(p.Cidrs))
	p.Cidrs = append(p.Cidrs, v)
	return idx
}

func (p *Pool) AddRegexp(v Value) PoolIndex {
	idx := PoolIndex(len(p.Regexps))
	p.Regexps = append(p.Regexps, v)
	return idx
}

func (p *Pool) AddIntArray(vals []int64) PoolIndex {
	idx := PoolIndex(len(p.IntArrays))
	p.IntArrays = append(p.IntArrays, vals)
	return idx
}

func (p *Pool) AddStringArray(vals []string) PoolIndex {
	idx := PoolIndex(len(p.StringArrays))
	p.StringArrays = append(p.StringArrays, vals)
	return idx
}

func (p *Pool) AddIPArray(vals []Value) PoolIndex {
	idx := PoolIndex(len(p.IPArrays))
	p.IPArrays = append(p.IPArrays, vals)
	return idx
}

func (p *Pool) AddCidrArray(vals []Value) PoolIndex {
	idx := PoolIndex(len(p.CidrArrays))
	p.CidrArrays = append(p.CidrArrays, vals)
	return idx
}
