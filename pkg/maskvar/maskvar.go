// Package maskvar selects the variables carrying the instrumentation
// marker and resolves the subprogram they belong to.
package maskvar

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
	"github.com/maskregs/maskregs/pkg/dwarf/reader"
	"github.com/maskregs/maskregs/pkg/logflags"
)

// DefaultMarker is the marker inserted by the instrumentation pass.
const DefaultMarker = "DATARANDO_DEBUG_HELP"

// Predicate decides whether a variable name is selected.
type Predicate interface {
	Match(name string) bool
	String() string
}

// SubstringPredicate selects names containing the string.
type SubstringPredicate string

func (p SubstringPredicate) Match(name string) bool {
	return strings.Contains(name, string(p))
}

func (p SubstringPredicate) String() string {
	return fmt.Sprintf("contains %q", string(p))
}

// RegexpPredicate selects names matching the regular expression.
type RegexpPredicate struct {
	re *regexp.Regexp
}

// NewRegexpPredicate compiles expr.
func NewRegexpPredicate(expr string) (*RegexpPredicate, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid marker expression: %v", err)
	}
	return &RegexpPredicate{re: re}, nil
}

func (p *RegexpPredicate) Match(name string) bool {
	return p.re.MatchString(name)
}

func (p *RegexpPredicate) String() string {
	return fmt.Sprintf("matches /%s/", p.re)
}

// OriginResolver returns the name of the entry at an abstract origin
// reference.
type OriginResolver interface {
	OriginName(off dwarf.Offset) (string, error)
}

// ErrInlineSubprogram is returned when the enclosing subprogram is the
// abstract instance of an inline function: the variable has no code of
// its own to attribute a location to.
var ErrInlineSubprogram = errors.New("enclosing subprogram is an inline abstract instance")

// ScopeError is returned when a lexical block is found between a variable
// and its enclosing subprogram.
type ScopeError struct {
	Variable dwarf.Offset
	Name     string
	Block    dwarf.Offset
	// CrossedInline is set if an inlined subroutine is between the
	// variable and the subprogram.
	CrossedInline bool
}

func (err *ScopeError) Error() string {
	where := ""
	if err.CrossedInline {
		where = " inside an inlined subroutine"
	}
	return fmt.Sprintf("variable %q <%#x>: lexical block <%#x>%s before the enclosing subprogram, scope can not be attributed", err.Name, err.Variable, err.Block, where)
}

// OriginError is returned when the name of a variable copy can not be
// read from its abstract origin.
type OriginError struct {
	Variable dwarf.Offset
	Origin   dwarf.Offset
	Err      error
}

func (err *OriginError) Error() string {
	return fmt.Sprintf("variable <%#x>: abstract origin <%#x>: %v", err.Variable, err.Origin, err.Err)
}

func (err *OriginError) Unwrap() error {
	return err.Err
}

// Match is a selected variable.
type Match struct {
	Entry *godwarf.Entry
	// Name is the name of the variable, read from the abstract origin for
	// inlined copies.
	Name       string
	FromOrigin bool
	// Subprogram is the innermost enclosing subprogram.
	Subprogram *godwarf.Entry
	// Inlined are the inlined subroutines between the variable and
	// Subprogram, innermost first.
	Inlined []*godwarf.Entry
}

// Matcher selects variables.
type Matcher struct {
	pred    Predicate
	origins OriginResolver
	log     logflags.Logger
}

// New returns a Matcher selecting the variables whose name satisfies pred.
func New(pred Predicate, origins OriginResolver) *Matcher {
	return &Matcher{pred: pred, origins: origins, log: logflags.MatcherLogger()}
}

// Evaluate decides whether e, whose ancestors are chain, is a selected
// variable. Returns nil, nil for entries that are not selected.
func (m *Matcher) Evaluate(e *godwarf.Entry, chain *reader.Chain) (*Match, error) {
	if e.Tag != godwarf.TagVariable {
		return nil, nil
	}

	name, fromOrigin, err := m.effectiveName(e)
	if err != nil {
		return nil, err
	}
	if name == "" || !m.pred.Match(name) {
		return nil, nil
	}

	match := &Match{Entry: e, Name: name, FromOrigin: fromOrigin}

	var block *godwarf.Entry
outer:
	for l := range chain.Links() {
		switch l.Entry.Tag {
		case godwarf.TagSubprogram:
			match.Subprogram = l.Entry
			break outer
		case godwarf.TagInlinedSubroutine:
			match.Inlined = append(match.Inlined, l.Entry)
		case godwarf.TagLexicalBlock:
			if block == nil {
				block = l.Entry
			}
		}
	}

	if block != nil {
		return nil, &ScopeError{Variable: e.Offset, Name: name, Block: block.Offset, CrossedInline: len(match.Inlined) > 0}
	}

	if match.Subprogram == nil {
		// globals and variables of other scopes
		m.log.Debugf("%s: no enclosing subprogram", e)
		return nil, nil
	}
	if match.Subprogram.Inline() {
		return nil, fmt.Errorf("variable %q <%#x> in %s: %w", name, e.Offset, match.Subprogram, ErrInlineSubprogram)
	}

	m.log.Debugf("%s %q selected in %s, %d inlined frames", e, name, match.Subprogram, len(match.Inlined))
	return match, nil
}

func (m *Matcher) effectiveName(e *godwarf.Entry) (name string, fromOrigin bool, err error) {
	if name := e.Name(); name != "" {
		return name, false, nil
	}
	origin, ok := e.AbstractOrigin()
	if !ok {
		return "", false, nil
	}
	name, err = m.origins.OriginName(origin)
	if err != nil {
		return "", false, &OriginError{Variable: e.Offset, Origin: origin, Err: err}
	}
	return name, true, nil
}
