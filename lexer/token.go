// Package lexer turns Flow source bytes into a token stream, per spec.md
// §4.2. It is hand-written, byte-at-a-time, in the style of the teacher's
// own preprocessLine scanner (vm/parse.go in KTStephano-GVM) rather than
// built on a lexer-generator, since no example in the retrieval pack
// generates a lexer for a brand-new DSL (see SPEC_FULL.md's DOMAIN STACK
// section for why tree-sitter/ANTLR don't apply here).
package lexer

import "flowvm/diag"

// Kind enumerates token categories.
type Kind int

const (
	EOF Kind = iota
	Ident
	Number
	String
	RawString
	IPLiteral
	CidrLiteral
	RegexLiteral
	CaptureRef // $N, a regex capture-group reference

	// keywords
	KwHandler
	KwVar
	KwIf
	KwThen
	KwElse
	KwMatch
	KwOn
	KwImport
	KwFrom
	KwAnd
	KwOr
	KwXor
	KwNot
	KwIn
	KwTrue
	KwFalse
	KwFor // optional ForStmt sugar, see SPEC_FULL.md

	// punctuators / operators
	Assign   // =
	Eq       // ==
	Ne       // !=
	Lt       // <
	Le       // <=
	Gt       // >
	Ge       // >=
	MatchRe  // =~
	MatchBeg // =^
	MatchEnd // =$
	Plus
	Minus
	Star
	Slash
	Percent
	Pow // **
	Shl // <<
	Shr // >>
	LParen
	RParen
	LBrace
	RBrace
	LBracket
	RBracket
	Comma
	Semicolon
	Colon
	DotDot // ..
)

var keywords = map[string]Kind{
	"handler": KwHandler,
	"var":     KwVar,
	"if":      KwIf,
	"then":    KwThen,
	"else":    KwElse,
	"match":   KwMatch,
	"on":      KwOn,
	"import":  KwImport,
	"from":    KwFrom,
	"and":     KwAnd,
	"or":      KwOr,
	"xor":     KwXor,
	"not":     KwNot,
	"in":      KwIn,
	"true":    KwTrue,
	"false":   KwFalse,
	"for":     KwFor,
}

// Token is one lexed unit.
type Token struct {
	Kind     Kind
	Text     string // raw lexeme, or the unescaped value for String/RawString
	Location diag.Location
}
