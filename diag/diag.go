// Package diag implements source locations and diagnostic reporting shared
// by the lexer, parser, semantic analyzer, and code generator.
package diag

import (
	"fmt"
	"strings"
)

// Position is a 1-indexed line/column pair plus a 0-indexed byte offset.
type Position struct {
	Line   int
	Column int
	Offset int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

func (p Position) isZero() bool {
	return p.Line == 0 && p.Column == 0 && p.Offset == 0
}

// Location is a source span: a filename plus a begin and end Position.
type Location struct {
	Filename string
	Begin    Position
	End      Position
}

// Merge returns the smallest Location covering both l and other. Either side
// may be the zero value, in which case the other side wins outright.
func (l Location) Merge(other Location) Location {
	if l.isZero() {
		return other
	}
	if other.isZero() {
		return l
	}
	out := l
	if other.Begin.Offset < l.Begin.Offset {
		out.Begin = other.Begin
	}
	if other.End.Offset > l.End.Offset {
		out.End = other.End
	}
	return out
}

func (l Location) isZero() bool {
	return l.Filename == "" && l.Begin.isZero() && l.End.isZero()
}

func (l Location) String() string {
	if l.Filename == "" {
		return l.Begin.String()
	}
	return fmt.Sprintf("%s:%s", l.Filename, l.Begin)
}

// Severity classifies a diagnostic. Warning sorts lowest so that every
// error severity compares >= TokenError: TokenError and SyntaxError abort
// only their own phase's unit,
// TypeError aborts IR lowering, LinkError makes a Program unusable, Warning
// never aborts anything.
type Severity int

const (
	Warning Severity = iota
	TokenError
	SyntaxError
	TypeError
	LinkError
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case TokenError:
		return "token error"
	case SyntaxError:
		return "syntax error"
	case TypeError:
		return "type error"
	case LinkError:
		return "link error"
	default:
		return "error"
	}
}

// Diagnostic is one reported (severity, location, message) tuple.
type Diagnostic struct {
	Severity Severity
	Location Location
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Location, d.Severity, d.Message)
}

// Sink accepts diagnostics as they are produced. The parser, semantic
// analyzer, and code generator all take a Sink rather than returning errors
// eagerly, so that a single pass can report many problems before bailing.
type Sink interface {
	Report(severity Severity, loc Location, format string, args ...any)
}

// Bag is the in-memory Sink implementation used throughout this module. It
// also satisfies the error interface so that a Bag with errors can be
// returned and checked with errors.As, while still supporting iteration over
// individual diagnostics for tooling that wants structured access.
type Bag struct {
	diags []Diagnostic
}

// NewBag returns an empty diagnostic bag.
func NewBag() *Bag {
	return &Bag{}
}

// Report appends a diagnostic. It never panics or aborts; callers decide
// when to stop based on HasErrors.
func (b *Bag) Report(severity Severity, loc Location, format string, args ...any) {
	b.diags = append(b.diags, Diagnostic{
		Severity: severity,
		Location: loc,
		Message:  fmt.Sprintf(format, args...),
	})
}

// All returns every diagnostic reported so far, in report order.
func (b *Bag) All() []Diagnostic {
	return b.diags
}

// HasErrors reports whether any diagnostic at TokenError severity or above
// was recorded. Warnings alone do not count.
func (b *Bag) HasErrors() bool {
	for _, d := range b.diags {
		if d.Severity >= TokenError {
			return true
		}
	}
	return false
}

// Count returns the total number of diagnostics, including warnings.
func (b *Bag) Count() int {
	return len(b.diags)
}

// ErrorCount returns the number of diagnostics at TokenError severity or
// above.
func (b *Bag) ErrorCount() int {
	n := 0
	for _, d := range b.diags {
		if d.Severity >= TokenError {
			n++
		}
	}
	return n
}

// Error implements the error interface, rendering every recorded diagnostic
// on its own line. It returns "" when the bag is empty, which is never a
// useful error string, so callers should check HasErrors first.
func (b *Bag) Error() string {
	return b.Format()
}

// Format renders every diagnostic, one per line.
func (b *Bag) Format() string {
	var sb strings.Builder
	for i, d := range b.diags {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(d.String())
	}
	return sb.String()
}
