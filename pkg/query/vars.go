package query

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"iter"

	"github.com/maskregs/maskregs/pkg/debuginfo"
	"github.com/maskregs/maskregs/pkg/dwarf/frame"
	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
	"github.com/maskregs/maskregs/pkg/dwarf/loclist"
	"github.com/maskregs/maskregs/pkg/dwarf/reader"
	"github.com/maskregs/maskregs/pkg/locexpr"
	"github.com/maskregs/maskregs/pkg/logflags"
	"github.com/maskregs/maskregs/pkg/maskvar"
	"github.com/maskregs/maskregs/pkg/unwind"
)

// Variable is a selected variable live at the query address.
type Variable struct {
	Name     string       `yaml:"name" json:"name"`
	Entry    dwarf.Offset `yaml:"entry" json:"entry"`
	Function string       `yaml:"function" json:"function"`
	// Inlined are the inlined calls the variable belongs to, innermost
	// first.
	Inlined []string `yaml:"inlined,omitempty" json:"inlined,omitempty"`
	// Base is the address the bounds of Location are relative to, the
	// entry point of Function.
	Base       uint64             `yaml:"base" json:"base"`
	Location   *locexpr.Location  `yaml:"location" json:"location"`
	CrossCheck *unwind.CrossCheck `yaml:"cross-check,omitempty" json:"cross_check,omitempty"`
}

// Diagnostic is a variable, or a check, that was skipped.
type Diagnostic struct {
	Entry    dwarf.Offset `yaml:"entry,omitempty" json:"entry,omitempty"`
	Name     string       `yaml:"name,omitempty" json:"name,omitempty"`
	Function string       `yaml:"function,omitempty" json:"function,omitempty"`
	Message  string       `yaml:"message" json:"message"`
	Err      error        `yaml:"-" json:"-"`
}

func (d Diagnostic) String() string {
	switch {
	case d.Name != "" && d.Function != "":
		return fmt.Sprintf("%s in %s: %s", d.Name, d.Function, d.Message)
	case d.Name != "":
		return fmt.Sprintf("%s: %s", d.Name, d.Message)
	case d.Entry != 0:
		return fmt.Sprintf("<%#x>: %s", d.Entry, d.Message)
	}
	return d.Message
}

// VariablesResult lists the selected variables live at PC.
type VariablesResult struct {
	PC        uint64     `yaml:"pc" json:"pc"`
	Variables []Variable `yaml:"variables" json:"variables"`
	// Row is the call frame row at PC, if a variable was found and the
	// binary describes the frame.
	Row         *unwind.Row  `yaml:"row,omitempty" json:"row,omitempty"`
	Diagnostics []Diagnostic `yaml:"diagnostics,omitempty" json:"diagnostics,omitempty"`
}

// varsRun is the state of one variables query.
type varsRun struct {
	*Resolver
	q   Query
	log logflags.Logger

	rowDone bool
	row     *unwind.Row
	diags   []Diagnostic
}

func (r *Resolver) variables(q Query) (*VariablesResult, error) {
	st := &varsRun{Resolver: r, q: q, log: pcLogger(q)}
	res := &VariablesResult{PC: q.PC}

	err := r.eachUnit(func(cu *godwarf.Tree) error {
		for e, chain := range reader.Walk(cu) {
			v, err := st.variable(cu, e, chain)
			if err != nil {
				return err
			}
			if v != nil {
				res.Variables = append(res.Variables, *v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Row = st.row
	res.Diagnostics = st.diags
	st.log.Debugf("%d variables, %d diagnostics", len(res.Variables), len(res.Diagnostics))
	return res, nil
}

func (st *varsRun) diagnose(d Diagnostic) {
	if d.Message == "" && d.Err != nil {
		d.Message = d.Err.Error()
	}
	st.diags = append(st.diags, d)
	log := st.log
	if d.Err != nil && d.Message != d.Err.Error() {
		log = log.WithError(d.Err)
	}
	log.Warn(d.String())
}

// variable returns the variable at e if it is selected and live at the
// query address. Recoverable failures are recorded as diagnostics, the
// returned error is fatal.
func (st *varsRun) variable(cu *godwarf.Tree, e *godwarf.Entry, chain *reader.Chain) (*Variable, error) {
	match, err := st.matcher.Evaluate(e, chain)
	if err != nil {
		if errors.Is(err, debuginfo.ErrOriginCycle) {
			return nil, err
		}
		d := Diagnostic{Entry: e.Offset, Err: err}
		var scopeErr *maskvar.ScopeError
		if errors.As(err, &scopeErr) {
			d.Name = scopeErr.Name
		}
		st.diagnose(d)
		return nil, nil
	}
	if match == nil {
		return nil, nil
	}

	fn, err := st.entryName(cu, match.Subprogram)
	if err != nil {
		return nil, err
	}

	scope := match.Subprogram
	if len(match.Inlined) > 0 {
		scope = match.Inlined[0]
	}
	scopeRanges, err := cu.Ranges(scope)
	if err != nil {
		st.diagnose(Diagnostic{Entry: e.Offset, Name: match.Name, Function: fn, Message: fmt.Sprintf("could not read the ranges of %s: %v", scope, err), Err: err})
		return nil, nil
	}
	if !scopeRanges.ContainsPC(st.q.PC) {
		st.log.Debugf("%s %q: %s does not contain pc", e, match.Name, scope)
		return nil, nil
	}

	v := &Variable{Name: match.Name, Entry: e.Offset, Function: fn}
	for _, inl := range match.Inlined {
		name, err := st.entryName(cu, inl)
		if err != nil {
			return nil, err
		}
		v.Inlined = append(v.Inlined, name)
	}

	base, high, ok := st.bounds(cu, match.Subprogram)
	if !ok {
		st.diagnose(Diagnostic{Entry: e.Offset, Name: v.Name, Function: fn, Message: "base address of the enclosing subprogram not found"})
		return nil, nil
	}
	v.Base = base

	list, err := st.src.LocationList(cu, e)
	if err != nil {
		st.diagnose(Diagnostic{Entry: e.Offset, Name: v.Name, Function: fn, Err: err})
		return nil, nil
	}
	if len(list) == 1 && list[0].Default && high > base {
		// a single expression is valid over the whole subprogram
		list = []loclist.Range{{Low: base, High: high, Ops: list[0].Ops, Instr: list[0].Instr, Err: list[0].Err}}
	}

	loc, err := locexpr.Evaluate(list, base, st.q.PC, locexpr.Options{RegisterWidth: st.cfg.RegisterWidth, PtrSize: st.src.PtrSize()})
	if err != nil {
		st.diagnose(Diagnostic{Entry: e.Offset, Name: v.Name, Function: fn, Err: err})
		return nil, nil
	}
	v.Location = loc
	if loc.Kind == locexpr.KindUnsupported {
		st.log.Warnf("%s in %s: unsupported location: %s", v.Name, fn, loc.Reason)
	}

	row, err := st.frameRow()
	if err != nil {
		return nil, err
	}
	if row != nil {
		c := row.Check(loc)
		v.CrossCheck = &c
		if c.Warning != "" {
			st.log.Warnf("%s in %s: %s", v.Name, fn, c.Warning)
		}
	}
	return v, nil
}

// bounds returns the entry point and the end of sub.
func (st *varsRun) bounds(cu *godwarf.Tree, sub *godwarf.Entry) (low, high uint64, ok bool) {
	low, ok = sub.LowPC()
	high, _ = sub.HighPC()
	if ok {
		return low, high, true
	}
	rngs, err := cu.Ranges(sub)
	if err != nil || len(rngs) == 0 {
		return 0, 0, false
	}
	return rngs[0][0], rngs[len(rngs)-1][1], true
}

// frameRow decodes the call frame row at the query address the first time
// it is called. Missing frame data is fatal, a missing or undecodable
// frame description entry only skips the cross-checks.
func (st *varsRun) frameRow() (*unwind.Row, error) {
	if st.rowDone {
		return st.row, nil
	}
	st.rowDone = true

	fde, err := st.src.FindFDE(st.q.PC)
	if err != nil {
		var nofde *frame.ErrNoFDEForPC
		if errors.As(err, &nofde) {
			st.diagnose(Diagnostic{Message: "no frame description entry covers pc, cross-checks skipped", Err: err})
			return nil, nil
		}
		return nil, err
	}
	row, err := unwind.Decode(st.src, fde, st.q.PC)
	if err != nil {
		st.diagnose(Diagnostic{Message: fmt.Sprintf("could not decode the call frame rules, cross-checks skipped: %v", err), Err: err})
		return nil, nil
	}
	st.row = row
	return row, nil
}

func walkSubprograms(cu *godwarf.Tree) iter.Seq[*godwarf.Entry] {
	return func(yield func(*godwarf.Entry) bool) {
		for e := range reader.Walk(cu) {
			if e.Tag == godwarf.TagSubprogram && !yield(e) {
				return
			}
		}
	}
}
