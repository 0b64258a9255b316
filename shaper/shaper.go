// Package shaper implements the hierarchical token-bucket traffic shaper
// from spec.md §4.10 (C10): a rooted tree of Buckets with rate/ceil
// fractions, fair round-robin dequeuing across siblings, and per-bucket
// queue timeouts.
//
// This is a direct generalization of TokenShaper.h/TokenShaper-inl.h's
// template<typename T> design (the original, in the pack's
// original_source/, predates any Go package in this tree) — T becomes a Go
// type parameter for the queued item, and the single-threaded libev timer
// becomes a time.Timer armed per bucket, since this module has no event
// loop of its own to hook into.
package shaper

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimeoutFunc is invoked once per item a queue-timeout sweep drops.
type TimeoutFunc[T any] func(item T)

// TokenShaper owns the tree's single lock (spec.md §4.10.3: "all shaper
// mutations hold the shaper's single lock") and the name index every
// Bucket must stay unique against.
type TokenShaper[T any] struct {
	mu        sync.Mutex
	root      *Bucket[T]
	byName    map[string]*Bucket[T]
	onTimeout TimeoutFunc[T]
}

// New returns a TokenShaper whose root bucket is seeded with capacity
// tokens, per spec.md §4.10: "root is seeded from an absolute capacity".
func New[T any](capacity int64) *TokenShaper[T] {
	s := &TokenShaper[T]{byName: make(map[string]*Bucket[T])}
	s.root = &Bucket[T]{
		shaper:       s,
		name:         "root",
		rate:         1,
		ceil:         1,
		tokenRate:    capacity,
		tokenCeil:    capacity,
		queueTimeout: 10 * time.Second,
	}
	s.byName["root"] = s.root
	return s
}

func (s *TokenShaper[T]) Root() *Bucket[T] { return s.root }

// Find resolves a bucket by its tree-wide unique name.
func (s *TokenShaper[T]) Find(name string) *Bucket[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName[name]
}

// SetTimeoutHandler installs the callback invoked, tree-wide, once per item
// a queue-timeout sweep drops.
func (s *TokenShaper[T]) SetTimeoutHandler(fn TimeoutFunc[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTimeout = fn
}

// Resize changes the root's absolute capacity, recomputing every
// descendant's token counts against the new root tokenRate/tokenCeil.
func (s *TokenShaper[T]) Resize(capacity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root.tokenRate == capacity {
		return
	}
	s.root.tokenRate = capacity
	s.root.tokenCeil = capacity
	for _, c := range s.root.children {
		c.recomputeLocked()
	}
}

type queueItem[T any] struct {
	value T
	at    time.Time
}

// Bucket is one node of the shaper tree (TokenShaper<T>::Node in the
// original). rate/ceil are fractions of the parent's own tokenRate/
// tokenCeil; tokenRate/tokenCeil are the resulting absolute counts.
type Bucket[T any] struct {
	shaper *TokenShaper[T]

	name       string
	rate, ceil float64
	tokenRate  int64
	tokenCeil  int64

	parent   *Bucket[T]
	children []*Bucket[T]

	// actualRate is this bucket's own outstanding load, read/written
	// lock-free via atomics on the Get() hot path and under shaper.mu
	// everywhere else (spec.md §4.10.3's carve-out for the optimistic
	// increment).
	actualRate int64

	queue         []queueItem[T]
	queueTimeout  time.Duration
	timer         *time.Timer
	dequeueCursor int
	droppedCount  int64
}

func (b *Bucket[T]) Name() string       { return b.name }
func (b *Bucket[T]) Rate() float64      { return b.rate }
func (b *Bucket[T]) Ceil() float64      { return b.ceil }
func (b *Bucket[T]) TokenRate() int64   { return b.tokenRate }
func (b *Bucket[T]) TokenCeil() int64   { return b.tokenCeil }
func (b *Bucket[T]) Parent() *Bucket[T] { return b.parent }
func (b *Bucket[T]) ActualRate() int64  { return atomic.LoadInt64(&b.actualRate) }
func (b *Bucket[T]) Dropped() int64     { return atomic.LoadInt64(&b.droppedCount) }

func (b *Bucket[T]) Children() []*Bucket[T] {
	return append([]*Bucket[T](nil), b.children...)
}

func (b *Bucket[T]) Queued() int {
	b.shaper.mu.Lock()
	defer b.shaper.mu.Unlock()
	return len(b.queue)
}

// SetQueueTimeout changes how long an item may sit in this bucket's FIFO
// before a sweep drops it.
func (b *Bucket[T]) SetQueueTimeout(d time.Duration) {
	b.shaper.mu.Lock()
	defer b.shaper.mu.Unlock()
	b.queueTimeout = d
	b.armLocked()
}

// childRateLocked sums the rate fraction every direct child already holds,
// the bound CreateChild enforces against (spec.md §8: "createChild with
// rate + existingChildRates > 1 returns RateLimitOverflow").
func (b *Bucket[T]) childRateLocked() float64 {
	var sum float64
	for _, c := range b.children {
		sum += c.rate
	}
	return sum
}

// CreateChild adds a new child bucket under b with the given rate/ceil
// fractions (of b's own tokenRate/tokenCeil), per spec.md §4.10.1.
func (b *Bucket[T]) CreateChild(name string, rate, ceil float64) (*Bucket[T], error) {
	s := b.shaper
	s.mu.Lock()
	defer s.mu.Unlock()

	if rate < 0 || rate+b.childRateLocked() > 1 {
		return nil, ErrRateLimitOverflow
	}
	if ceil < rate || ceil > 1 {
		return nil, ErrCeilLimitOverflow
	}
	if _, exists := s.byName[name]; exists {
		return nil, ErrNameConflict
	}

	child := &Bucket[T]{
		shaper:       s,
		name:         name,
		parent:       b,
		rate:         rate,
		ceil:         ceil,
		tokenRate:    int64(float64(b.tokenRate) * rate),
		tokenCeil:    int64(float64(b.tokenCeil) * ceil),
		queueTimeout: b.queueTimeout,
	}
	b.children = append(b.children, child)
	s.byName[name] = child
	return child, nil
}

// SetName renames b, rejecting a collision with any other bucket in the
// tree.
func (b *Bucket[T]) SetName(name string) error {
	s := b.shaper
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return ErrNameConflict
	}
	delete(s.byName, b.name)
	b.name = name
	s.byName[name] = b
	return nil
}

// SetRate reconfigures b's rate fraction, recomputing tokenRate/tokenCeil
// for b and every descendant. Disallowed on the root.
func (b *Bucket[T]) SetRate(newRate float64) error {
	s := b.shaper
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.parent == nil {
		return ErrInvalidChildNode
	}
	if newRate < 0 || newRate > b.ceil {
		return ErrRateLimitOverflow
	}
	b.rate = newRate
	b.recomputeLocked()
	return nil
}

// SetCeil reconfigures b's ceil fraction, recomputing tokenRate/tokenCeil
// for b and every descendant. Disallowed on the root.
func (b *Bucket[T]) SetCeil(newCeil float64) error {
	s := b.shaper
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.parent == nil {
		return ErrInvalidChildNode
	}
	if newCeil < b.rate || newCeil > 1 {
		return ErrCeilLimitOverflow
	}
	b.ceil = newCeil
	b.recomputeLocked()
	return nil
}

// recomputeLocked mirrors Node::update: refresh tokenRate/tokenCeil from
// the parent's current counts, then propagate to every child.
func (b *Bucket[T]) recomputeLocked() {
	if b.parent != nil {
		b.tokenRate = int64(float64(b.parent.tokenRate) * b.rate)
		b.tokenCeil = int64(float64(b.parent.tokenCeil) * b.ceil)
	}
	for _, c := range b.children {
		c.recomputeLocked()
	}
}

// Get attempts to allocate n tokens from b, propagating the increment to
// every ancestor. Returns n on success, 0 on failure — it never partially
// allocates.
func (b *Bucket[T]) Get(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if b.fastGet(n) {
		return n
	}
	b.shaper.mu.Lock()
	defer b.shaper.mu.Unlock()
	if b.getLocked(n) {
		return n
	}
	return 0
}

// childTokenRateSum sums the token-count reservation (not the rate
// fraction) every direct child holds — TokenShaper-inl.h's childRate().
func (b *Bucket[T]) childTokenRateSum() int64 {
	var sum int64
	for _, c := range b.children {
		sum += c.tokenRate
	}
	return sum
}

// childOverRateSum sums how far each direct child's actualRate currently
// exceeds its own tokenRate reservation — TokenShaper-inl.h's
// actualChildOverRate() / Node::overRate().
func (b *Bucket[T]) childOverRateSum() int64 {
	var sum int64
	for _, c := range b.children {
		if over := atomic.LoadInt64(&c.actualRate) - c.tokenRate; over > 0 {
			sum += over
		}
	}
	return sum
}

// reservedFloor is max(actualRate, childTokenRate+childOverRate): a bucket
// may grow its own usage only above whatever its children already hold
// reserved or are actively borrowing, per spec.md §4.10.1's "Success iff
// actualRate + n ≤ tokenRate - childReserved + childOvershoot" and
// TokenShaper-inl.h's `std::max(R, Rc + Oc) + n > AR` admission test.
func (b *Bucket[T]) reservedFloor(actual int64) int64 {
	if floor := b.childTokenRateSum() + b.childOverRateSum(); floor > actual {
		return floor
	}
	return actual
}

// fastGet is the lock-free hot path: a CAS loop against a snapshot,
// covering the common case where b itself has room within its own
// tokenRate once its children's reservations are respected. Only b's own
// floor is checked — like TokenShaper-inl.h's Node::get, a successful
// direct allocation just bumps every ancestor's actualRate unconditionally
// (their own tokenRate headroom is already guaranteed by construction,
// since CreateChild never lets sibling rate fractions sum past 1). Falls
// through to false — never blocks — the moment b itself would need to
// borrow, leaving Get to retry the full algorithm under the lock.
func (b *Bucket[T]) fastGet(n int64) bool {
	for {
		cur := atomic.LoadInt64(&b.actualRate)
		if b.reservedFloor(cur)+n > b.tokenRate {
			return false
		}
		if !atomic.CompareAndSwapInt64(&b.actualRate, cur, cur+n) {
			continue
		}
		for p := b.parent; p != nil; p = p.parent {
			atomic.AddInt64(&p.actualRate, n)
		}
		return true
	}
}

// getLocked is the full allocation algorithm from TokenShaper-inl.h's
// Node::get, including borrowing from the parent up to tokenCeil. Called
// with the shaper's lock held. Mirrors fastGet's floor-gated direct path
// (only b's own reservedFloor is checked; ancestors are bumped
// unconditionally, not re-validated). The ceil-borrowing branch instead
// recurses a real getLocked call on the parent — exactly as the original's
// `parent_->get(n)` — since borrowing means the parent must reserve tokens
// out of its own budget too, possibly borrowing again from its own parent.
func (b *Bucket[T]) getLocked(n int64) bool {
	if b.reservedFloor(b.actualRate)+n <= b.tokenRate {
		b.actualRate += n
		for p := b.parent; p != nil; p = p.parent {
			p.actualRate += n
		}
		return true
	}
	if b.actualRate+n <= b.tokenCeil && b.parent != nil && b.parent.getLocked(n) {
		b.actualRate += n
		return true
	}
	return false
}

// Put returns n tokens to b, decrementing b's and every ancestor's
// actualRate. Invariant: actualRate(child) ≤ actualRate(parent) always
// holds across a Get/Put pair on the same bucket.
func (b *Bucket[T]) Put(n int64) {
	if n <= 0 {
		return
	}
	b.shaper.mu.Lock()
	defer b.shaper.mu.Unlock()
	b.putLocked(n)
}

func (b *Bucket[T]) putLocked(n int64) {
	atomic.AddInt64(&b.actualRate, -n)
	if b.parent != nil {
		b.parent.putLocked(n)
	}
}

// Send tries Get(cost) first; on failure it enqueues item and reports
// "queued" (false) instead.
func (b *Bucket[T]) Send(item T, cost int64) bool {
	if b.Get(cost) == cost {
		return true
	}
	b.enqueue(item)
	return false
}

func (b *Bucket[T]) enqueue(item T) {
	b.shaper.mu.Lock()
	defer b.shaper.mu.Unlock()
	b.queue = append(b.queue, queueItem[T]{value: item, at: time.Now()})
	b.armLocked()
}

// armLocked (re)arms the single queue timer against the current head's
// deadline, per spec.md §4.10.2: "the shaper maintains at most one armed
// timer per bucket". Called with the shaper's lock held.
func (b *Bucket[T]) armLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		return
	}
	ttl := b.queueTimeout - time.Since(b.queue[0].at)
	if ttl < 0 {
		ttl = 0
	}
	b.timer = time.AfterFunc(ttl, b.onTimerFire)
}

// onTimerFire sweeps every head item whose age now exceeds the timeout,
// invokes the shaper's timeout callback once per dropped item outside the
// lock (a callback that re-enters the shaper must not deadlock), then
// re-arms against the new head.
func (b *Bucket[T]) onTimerFire() {
	b.shaper.mu.Lock()
	var expired []T
	now := time.Now()
	for len(b.queue) > 0 && now.Sub(b.queue[0].at) >= b.queueTimeout {
		expired = append(expired, b.queue[0].value)
		b.queue = b.queue[1:]
		atomic.AddInt64(&b.droppedCount, 1)
	}
	b.armLocked()
	cb := b.shaper.onTimeout
	b.shaper.mu.Unlock()

	if cb != nil {
		for _, item := range expired {
			cb(item)
		}
	}
}

// Dequeue fairly picks one item: round-robin through children first
// (rotating dequeueCursor), falling back to this bucket's own FIFO only if
// get(1) succeeds. Reports (zero, false) on an empty tree.
func (b *Bucket[T]) Dequeue() (T, bool) {
	b.shaper.mu.Lock()
	defer b.shaper.mu.Unlock()
	return b.dequeueLocked()
}

func (b *Bucket[T]) dequeueLocked() (T, bool) {
	if n := len(b.children); n > 0 {
		for i := 0; i < n; i++ {
			if b.dequeueCursor == 0 {
				b.dequeueCursor = n - 1
			} else {
				b.dequeueCursor--
			}
			if v, ok := b.children[b.dequeueCursor].dequeueLocked(); ok {
				return v, true
			}
		}
	}
	if len(b.queue) > 0 && b.getLocked(1) {
		item := b.queue[0]
		b.queue = b.queue[1:]
		b.armLocked()
		return item.value, true
	}
	var zero T
	return zero, false
}
