// Package query answers the two questions asked about a binary at one
// address: where do the marker variables live, and what are the call
// frame rules.
package query

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"io"

	"github.com/maskregs/maskregs/pkg/debuginfo"
	"github.com/maskregs/maskregs/pkg/dwarf/frame"
	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
	"github.com/maskregs/maskregs/pkg/dwarf/loclist"
	"github.com/maskregs/maskregs/pkg/dwarf/reader"
	"github.com/maskregs/maskregs/pkg/logflags"
	"github.com/maskregs/maskregs/pkg/maskvar"
	"github.com/maskregs/maskregs/pkg/unwind"
)

// Mode selects what a query reports.
type Mode uint8

const (
	ModeVars Mode = iota
	ModeFrame
)

func (m Mode) String() string {
	switch m {
	case ModeVars:
		return "vars"
	case ModeFrame:
		return "frame"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode parses the name of a mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "vars", "":
		return ModeVars, nil
	case "frame":
		return ModeFrame, nil
	}
	return 0, fmt.Errorf("unknown mode %q (expected vars or frame)", s)
}

// Query is one question: a target address and what to report about it.
type Query struct {
	PC   uint64 `yaml:"pc" json:"pc"`
	Mode Mode   `yaml:"mode" json:"mode"`
}

// Source is the debug information a Resolver reads. It is implemented by
// *debuginfo.Handle.
type Source interface {
	Rewind()
	NextCompileUnit() (*godwarf.Tree, error)
	PtrSize() int
	OriginName(off dwarf.Offset) (string, error)
	LocationList(cu *godwarf.Tree, e *godwarf.Entry) ([]loclist.Range, error)
	FindFDE(pc uint64) (*frame.FrameDescriptionEntry, error)
	RegisterRuleTable(fde *frame.FrameDescriptionEntry, pc uint64, sentinels frame.Sentinels) (*frame.RuleTable, error)
}

// Config configures a Resolver.
type Config struct {
	// Predicate selects variables, defaults to the names containing
	// maskvar.DefaultMarker.
	Predicate maskvar.Predicate
	// RegisterWidth is the size of a variable occupying a whole register,
	// defaults to the pointer size of the source.
	RegisterWidth uint64
}

// Resolver runs queries against a Source. Queries do not share state, a
// Resolver can run any number of them in sequence.
type Resolver struct {
	src     Source
	cfg     Config
	matcher *maskvar.Matcher
}

// New returns a Resolver reading src.
func New(src Source, cfg Config) *Resolver {
	if cfg.Predicate == nil {
		cfg.Predicate = maskvar.SubstringPredicate(maskvar.DefaultMarker)
	}
	if cfg.RegisterWidth == 0 {
		cfg.RegisterWidth = uint64(src.PtrSize())
	}
	return &Resolver{src: src, cfg: cfg, matcher: maskvar.New(cfg.Predicate, src)}
}

// Result is the answer to a Query. Exactly one of Variables and Frame is
// set, depending on the mode.
type Result struct {
	Query     `yaml:",inline"`
	Variables *VariablesResult `yaml:"vars,omitempty" json:"vars,omitempty"`
	Frame     *FrameResult     `yaml:"frame,omitempty" json:"frame,omitempty"`
}

// Run answers q.
func (r *Resolver) Run(q Query) (*Result, error) {
	res := &Result{Query: q}
	var err error
	switch q.Mode {
	case ModeVars:
		res.Variables, err = r.variables(q)
	case ModeFrame:
		res.Frame, err = r.frame(q)
	default:
		err = fmt.Errorf("unknown mode %v", q.Mode)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Variables returns the location at pc of the selected variables.
func (r *Resolver) Variables(pc uint64) (*VariablesResult, error) {
	return r.variables(Query{PC: pc, Mode: ModeVars})
}

// Frame returns the call frame rules at pc.
func (r *Resolver) Frame(pc uint64) (*FrameResult, error) {
	return r.frame(Query{PC: pc, Mode: ModeFrame})
}

var errStop = errors.New("stop")

// eachUnit calls fn on every compile unit, until fn returns an error.
// errStop ends the iteration without error.
func (r *Resolver) eachUnit(fn func(cu *godwarf.Tree) error) error {
	r.src.Rewind()
	for {
		cu, err := r.src.NextCompileUnit()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(cu); err != nil {
			if err == errStop {
				return nil
			}
			return err
		}
	}
}

// entryName returns the name of e, reading it from the abstract origin or
// the specification of e if it has none. A named origin in cu is read from
// the tree, any other through the source. Only a reference cycle is an
// error, an unreadable reference is reported as the offset of e.
func (r *Resolver) entryName(cu *godwarf.Tree, e *godwarf.Entry) (string, error) {
	if name := e.Name(); name != "" {
		return name, nil
	}
	off, ok := e.AbstractOrigin()
	if !ok {
		off, ok = e.Val(dwarf.AttrSpecification).(dwarf.Offset)
	}
	if !ok {
		return fmt.Sprintf("<%#x>", e.Offset), nil
	}
	if origin := cu.Lookup(off); origin != nil && origin != e {
		if name := origin.Name(); name != "" {
			return name, nil
		}
	}
	name, err := r.src.OriginName(off)
	switch {
	case errors.Is(err, debuginfo.ErrOriginCycle):
		return "", err
	case err != nil || name == "":
		return fmt.Sprintf("<%#x>", e.Offset), nil
	}
	return name, nil
}

func pcLogger(q Query) logflags.Logger {
	return logflags.QueryLogger().WithFields(logflags.Fields{"pc": fmt.Sprintf("%#x", q.PC), "mode": q.Mode.String()})
}

// FrameResult is the call frame row at PC.
type FrameResult struct {
	PC       uint64 `yaml:"pc" json:"pc"`
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
	// Inlined are the calls inlined in Function that contain PC, innermost
	// first.
	Inlined []string    `yaml:"inlined,omitempty" json:"inlined,omitempty"`
	Row     *unwind.Row `yaml:"row" json:"row"`
}

func (r *Resolver) frame(q Query) (*FrameResult, error) {
	log := pcLogger(q)

	fde, err := r.src.FindFDE(q.PC)
	if err != nil {
		return nil, err
	}
	row, err := unwind.Decode(r.src, fde, q.PC)
	if err != nil {
		return nil, err
	}
	res := &FrameResult{PC: q.PC, Row: row}
	if err := r.functionAt(res); err != nil {
		return nil, err
	}

	log.Debugf("frame of %q: cfa %s", res.Function, row.CFA)
	return res, nil
}

// functionAt fills the function and the inlined calls containing res.PC.
// They are left empty if no concrete subprogram contains it.
func (r *Resolver) functionAt(res *FrameResult) error {
	return r.eachUnit(func(cu *godwarf.Tree) error {
		for e := range walkSubprograms(cu) {
			if e.Inline() {
				continue
			}
			rngs, err := cu.Ranges(e)
			if err != nil || !rngs.ContainsPC(res.PC) {
				continue
			}
			if res.Function, err = r.entryName(cu, e); err != nil {
				return err
			}
			stack, err := reader.InlineStack(cu, e, res.PC)
			if err != nil {
				pcLogger(Query{PC: res.PC, Mode: ModeFrame}).Warnf("could not read the inlined calls of %s: %v", res.Function, err)
				return errStop
			}
			for _, inl := range stack {
				name, err := r.entryName(cu, inl)
				if err != nil {
					return err
				}
				res.Inlined = append(res.Inlined, name)
			}
			return errStop
		}
		return nil
	})
}
