package maskvar

import (
	"debug/dwarf"
	"errors"
	"testing"

	"github.com/maskregs/maskregs/pkg/dwarf/dwarfbuilder"
	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
	"github.com/maskregs/maskregs/pkg/dwarf/reader"
)

type fakeOrigins struct {
	dw    *dwarf.Data
	fail  map[dwarf.Offset]error
	calls int
}

func (o *fakeOrigins) OriginName(off dwarf.Offset) (string, error) {
	o.calls++
	if err := o.fail[off]; err != nil {
		return "", err
	}
	rdr := o.dw.Reader()
	rdr.Seek(off)
	e, err := rdr.Next()
	if err != nil {
		return "", err
	}
	name, _ := e.Val(dwarf.AttrName).(string)
	return name, nil
}

type fixture struct {
	tree    *godwarf.Tree
	origins *fakeOrigins

	main    dwarf.Offset
	inlined dwarf.Offset

	global       dwarf.Offset
	plain        dwarf.Offset
	other        dwarf.Offset
	copied       dwarf.Offset
	brokenCopy   dwarf.Offset
	scenarioF    dwarf.Offset
	inBlock      dwarf.Offset
	abstractVar  dwarf.Offset
	brokenOrigin dwarf.Offset
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{}
	b := dwarfbuilder.New()

	fx.global = b.AddVariable("DATARANDO_DEBUG_HELP_global", 0, nil)

	helper := b.AddAbstractSubprogram("helper", dwarfbuilder.DW_INL_declared_inlined)
	fx.abstractVar = b.AddVariable("DATARANDO_DEBUG_HELP_h", 0, nil)
	fx.brokenOrigin = b.AddVariable("DATARANDO_DEBUG_HELP_broken", 0, nil)
	b.TagClose()

	fx.main = b.AddSubprogram("main", 0x1000, 0x1100)
	fx.plain = b.AddVariable("DATARANDO_DEBUG_HELP_a", 0, nil)
	fx.other = b.AddVariable("counter", 0, nil)
	fx.inlined = b.AddInlinedSubroutine(helper, 0x1020, 0x1060)
	fx.copied = b.AddVariableCopy(fx.abstractVar, nil)
	fx.brokenCopy = b.AddVariableCopy(fx.brokenOrigin, nil)
	b.AddLexicalBlock(0x1030, 0x1050)
	b.AddLexicalBlock(0x1030, 0x1040)
	fx.scenarioF = b.AddVariableCopy(fx.abstractVar, nil)
	b.TagClose()
	b.TagClose()
	b.TagClose() // inlined subroutine
	b.AddLexicalBlock(0x1080, 0x1090)
	fx.inBlock = b.AddVariable("DATARANDO_DEBUG_HELP_b", 0, nil)
	b.TagClose()
	b.TagClose() // main

	dw, _, err := b.Data()
	if err != nil {
		t.Fatal(err)
	}
	fx.tree, err = godwarf.LoadTree(dw, dw.Reader(), 0)
	if err != nil {
		t.Fatal(err)
	}
	fx.origins = &fakeOrigins{dw: dw, fail: map[dwarf.Offset]error{fx.brokenOrigin: errors.New("bad reference")}}
	return fx
}

type result struct {
	match *Match
	err   error
}

func (fx *fixture) evaluate(m *Matcher) map[dwarf.Offset]result {
	r := map[dwarf.Offset]result{}
	for e, chain := range reader.Walk(fx.tree) {
		match, err := m.Evaluate(e, chain)
		if match != nil || err != nil {
			r[e.Offset] = result{match, err}
		}
	}
	return r
}

func TestEvaluate(t *testing.T) {
	fx := buildFixture(t)
	r := fx.evaluate(New(SubstringPredicate(DefaultMarker), fx.origins))

	if _, ok := r[fx.global]; ok {
		t.Errorf("global variable selected: %v", r[fx.global])
	}
	if _, ok := r[fx.other]; ok {
		t.Errorf("variable without the marker selected: %v", r[fx.other])
	}

	plain := r[fx.plain]
	if plain.err != nil || plain.match == nil {
		t.Fatalf("plain variable: %v", plain)
	}
	if plain.match.Name != "DATARANDO_DEBUG_HELP_a" || plain.match.FromOrigin || plain.match.Subprogram.Offset != fx.main || len(plain.match.Inlined) != 0 {
		t.Errorf("plain variable: wrong match %+v", plain.match)
	}

	copied := r[fx.copied]
	if copied.err != nil || copied.match == nil {
		t.Fatalf("inlined copy: %v", copied)
	}
	if copied.match.Name != "DATARANDO_DEBUG_HELP_h" || !copied.match.FromOrigin {
		t.Errorf("inlined copy: wrong name %+v", copied.match)
	}
	if copied.match.Subprogram.Offset != fx.main || len(copied.match.Inlined) != 1 || copied.match.Inlined[0].Offset != fx.inlined {
		t.Errorf("inlined copy: wrong scope %+v", copied.match)
	}

	var scopeErr *ScopeError
	if f := r[fx.scenarioF]; !errors.As(f.err, &scopeErr) || f.match != nil {
		t.Errorf("variable under lexical blocks in an inlined subroutine: expected ScopeError, got %v", f)
	} else if !scopeErr.CrossedInline || scopeErr.Variable != fx.scenarioF {
		t.Errorf("wrong ScopeError %+v", scopeErr)
	}
	if b := r[fx.inBlock]; !errors.As(b.err, &scopeErr) || scopeErr.CrossedInline {
		t.Errorf("variable in a lexical block: expected ScopeError without inline, got %v", b)
	}

	if a := r[fx.abstractVar]; !errors.Is(a.err, ErrInlineSubprogram) {
		t.Errorf("variable of an abstract instance: expected ErrInlineSubprogram, got %v", a)
	}

	var originErr *OriginError
	if b := r[fx.brokenCopy]; !errors.As(b.err, &originErr) || originErr.Origin != fx.brokenOrigin {
		t.Errorf("unreadable origin: expected OriginError, got %v", b)
	}
}

// DW_INL_not_inlined does not make a subprogram an abstract instance.
func TestEvaluateNotInlined(t *testing.T) {
	b := dwarfbuilder.New()
	sub := b.AddSubprogram("concrete", 0x1000, 0x1100)
	b.Attr(dwarf.AttrInline, dwarfbuilder.DW_INL_not_inlined)
	v := b.AddVariable("DATARANDO_DEBUG_HELP_x", 0, nil)
	b.TagClose()
	b.TagClose()

	dw, _, err := b.Data()
	if err != nil {
		t.Fatal(err)
	}
	tree, err := godwarf.LoadTree(dw, dw.Reader(), 0)
	if err != nil {
		t.Fatal(err)
	}
	m := New(SubstringPredicate(DefaultMarker), &fakeOrigins{dw: dw})
	found := false
	for e, chain := range reader.Walk(tree) {
		if e.Offset == sub && e.Inline() {
			t.Errorf("DW_INL_not_inlined subprogram reported as inline")
		}
		if e.Offset != v {
			continue
		}
		found = true
		match, err := m.Evaluate(e, chain)
		if err != nil || match == nil {
			t.Fatalf("expected a match, got %v %v", match, err)
		}
		if match.Subprogram.Offset != sub {
			t.Errorf("wrong subprogram %v", match.Subprogram)
		}
	}
	if !found {
		t.Fatal("variable not visited")
	}
}

func TestEvaluateNonVariables(t *testing.T) {
	fx := buildFixture(t)
	m := New(SubstringPredicate(""), fx.origins)
	for e, chain := range reader.Walk(fx.tree) {
		if e.Tag == godwarf.TagVariable {
			continue
		}
		if match, err := m.Evaluate(e, chain); match != nil || err != nil {
			t.Errorf("%v: expected nil, got %v %v", e, match, err)
		}
	}
	if fx.origins.calls != 0 {
		t.Errorf("origins resolved for non variables")
	}
}

func TestEvaluateRegexp(t *testing.T) {
	fx := buildFixture(t)
	pred, err := NewRegexpPredicate(`_(a|b)$`)
	if err != nil {
		t.Fatal(err)
	}
	r := fx.evaluate(New(pred, fx.origins))
	if r[fx.plain].match == nil {
		t.Errorf("expected %q to match", "DATARANDO_DEBUG_HELP_a")
	}
	if _, ok := r[fx.copied]; ok {
		t.Errorf("unexpected match %v", r[fx.copied])
	}
	if _, err := NewRegexpPredicate("("); err == nil {
		t.Error("expected error for an invalid expression")
	}
}

// An unnamed copy is selected under the name of its origin, whatever the
// predicate.
func TestOriginNameRoundTrip(t *testing.T) {
	fx := buildFixture(t)
	m := New(SubstringPredicate(""), fx.origins)
	for e, chain := range reader.Walk(fx.tree) {
		origin, ok := e.AbstractOrigin()
		if e.Tag != godwarf.TagVariable || !ok || origin == fx.brokenOrigin {
			continue
		}
		want, err := fx.origins.OriginName(origin)
		if err != nil {
			t.Fatal(err)
		}
		match, err := m.Evaluate(e, chain)
		var scopeErr *ScopeError
		switch {
		case errors.As(err, &scopeErr):
			if scopeErr.Name != want {
				t.Errorf("%v: ScopeError for %q, origin is %q", e, scopeErr.Name, want)
			}
		case err != nil:
			t.Errorf("%v: %v", e, err)
		case match.Name != want:
			t.Errorf("%v: effective name %q, origin is %q", e, match.Name, want)
		}
	}
}
