package shaper

import "errors"

// Mutation result sentinels, per spec.md §4.10.1/§7's ShaperError kind.
// Checked with errors.Is, in the same taste as the teacher's vm/vm.go
// error variables rather than a generic error-code type.
var (
	ErrRateLimitOverflow = errors.New("shaper: rate out of range for this bucket")
	ErrCeilLimitOverflow = errors.New("shaper: ceil out of range for this bucket")
	ErrNameConflict      = errors.New("shaper: bucket name already exists in this tree")
	ErrInvalidChildNode  = errors.New("shaper: operation is not valid on the root bucket")
)
