package lexer

import (
	"testing"

	"flowvm/diag"
)

func scanAll(t *testing.T, src string) ([]Token, *diag.Bag) {
	bag := diag.NewBag()
	lx := New("test.flow", []byte(src), bag)
	toks := lx.AllTokens()
	return toks, bag
}

func kinds(toks []Token) []Kind {
	out := make([]Kind, 0, len(toks))
	for _, tok := range toks {
		out = append(out, tok.Kind)
	}
	return out
}

func assertKinds(t *testing.T, toks []Token, want ...Kind) {
	t.Helper()
	got := kinds(toks)
	if len(got) != len(want) {
		t.Fatalf("got %d tokens %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: got %v want %v (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestKeywordsAndIdents(t *testing.T) {
	toks, bag := scanAll(t, "handler main { var x = 2; }")
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	assertKinds(t, toks,
		KwHandler, Ident, LBrace, KwVar, Ident, Assign, Number, Semicolon, RBrace, EOF)
}

func TestOperatorsLongestMatchFirst(t *testing.T) {
	toks, bag := scanAll(t, "a =~ b =^ c =$ d == e != f <= g >= h ** i << j >> k")
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	assertKinds(t, toks,
		Ident, MatchRe, Ident, MatchBeg, Ident, MatchEnd, Ident, Eq, Ident, Ne, Ident,
		Le, Ident, Ge, Ident, Pow, Ident, Shl, Ident, Shr, Ident, EOF)
}

func TestStringEscapes(t *testing.T) {
	toks, bag := scanAll(t, `"a\\b\n\tc\x41"`)
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	if toks[0].Kind != String {
		t.Fatalf("expected String token, got %v", toks[0].Kind)
	}
	want := "a\\b\n\tcA"
	if toks[0].Text != want {
		t.Fatalf("got %q want %q", toks[0].Text, want)
	}
}

func TestRawStringNoEscapes(t *testing.T) {
	toks, bag := scanAll(t, `'a\nb'`)
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	if toks[0].Kind != RawString || toks[0].Text != `a\nb` {
		t.Fatalf("got %v %q", toks[0].Kind, toks[0].Text)
	}
}

func TestIPAndCidrLiterals(t *testing.T) {
	toks, bag := scanAll(t, "10.0.0.1 10.0.0.0/8 [::1]")
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	assertKinds(t, toks, IPLiteral, CidrLiteral, IPLiteral, EOF)
}

func TestRegexLiteral(t *testing.T) {
	toks, bag := scanAll(t, `/^\/user\/(\d+)$/`)
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	if toks[0].Kind != RegexLiteral {
		t.Fatalf("expected RegexLiteral, got %v", toks[0].Kind)
	}
}

func TestSlashAfterValueIsDivision(t *testing.T) {
	toks, bag := scanAll(t, "6 / 2")
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	assertKinds(t, toks, Number, Slash, Number, EOF)
}

func TestSlashAfterIdentOrCloserIsDivision(t *testing.T) {
	toks, bag := scanAll(t, "x / 2 f() / 3 a[i] / 4")
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	assertKinds(t, toks,
		Ident, Slash, Number,
		Ident, LParen, RParen, Slash, Number,
		Ident, LBracket, Ident, RBracket, Slash, Number, EOF)
}

func TestSlashAtExpressionStartIsRegex(t *testing.T) {
	toks, bag := scanAll(t, `x =~ /^\/a$/`)
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	assertKinds(t, toks, Ident, MatchRe, RegexLiteral, EOF)
}

func TestCRLFTransparent(t *testing.T) {
	toks, bag := scanAll(t, "var x = 1;\r\nvar y = 2;\r\n")
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	if toks[len(toks)-1].Kind != EOF {
		t.Fatalf("expected trailing EOF")
	}
	// second var's line should be 2, proving the \r\n advanced the line
	// counter exactly once.
	secondVar := toks[5]
	if secondVar.Kind != KwVar || secondVar.Location.Begin.Line != 2 {
		t.Fatalf("expected second var on line 2, got %+v", secondVar)
	}
}

func TestLineComment(t *testing.T) {
	toks, bag := scanAll(t, "var x = 1; // trailing comment\nvar y = 2;")
	if bag.HasErrors() {
		t.Fatalf("unexpected errors: %s", bag.Format())
	}
	assertKinds(t, toks,
		KwVar, Ident, Assign, Number, Semicolon,
		KwVar, Ident, Assign, Number, Semicolon, EOF)
}

func TestUnterminatedStringReportsTokenError(t *testing.T) {
	_, bag := scanAll(t, `"unterminated`)
	if !bag.HasErrors() {
		t.Fatalf("expected a TokenError")
	}
	if bag.All()[0].Severity != diag.TokenError {
		t.Fatalf("expected TokenError severity, got %v", bag.All()[0].Severity)
	}
}

func TestInvalidByteResynchronises(t *testing.T) {
	toks, bag := scanAll(t, "var `x 1;")
	if !bag.HasErrors() {
		t.Fatalf("expected a TokenError for the stray backtick")
	}
	// lexing should continue past the bad byte instead of aborting
	found := false
	for _, tok := range toks {
		if tok.Kind == Number {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected lexer to resynchronise and still find the Number token")
	}
}
