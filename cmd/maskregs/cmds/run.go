package cmds

import (
	"fmt"
	"io"

	"github.com/maskregs/maskregs/pkg/debuginfo"
	"github.com/maskregs/maskregs/pkg/disasm"
	"github.com/maskregs/maskregs/pkg/dwarf/regnum"
	"github.com/maskregs/maskregs/pkg/query"
	"github.com/maskregs/maskregs/pkg/unwind"
)

// record is one printed query result.
type record struct {
	query.Result     `yaml:",inline"`
	Instruction      *disasm.Instruction `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	InstructionError string              `yaml:"instruction-error,omitempty" json:"instruction_error,omitempty"`
}

// run opens the binary and prints the result of every query. Results are
// printed as they are computed, a fatal error stops at the query that
// caused it.
func run(rc *runConfig, out io.Writer) error {
	h, err := debuginfo.Open(rc.path, rc.opts...)
	if err != nil {
		return fmt.Errorf("could not open %s: %v", rc.path, err)
	}
	defer h.Close()

	keep, err := parseRegs(h.Arch, rc.regs)
	if err != nil {
		return err
	}

	r := query.New(h, query.Config{Predicate: rc.predicate, RegisterWidth: rc.registerWidth})
	p := newPrinter(out, rc.format, h.Arch)
	for _, q := range rc.queries {
		res, err := r.Run(q)
		if err != nil {
			return fmt.Errorf("query %#x (%s): %w", q.PC, q.Mode, err)
		}
		rec := &record{Result: *res}
		if keep != nil {
			if rec.Frame != nil {
				rec.Frame.Row = filterRow(rec.Frame.Row, keep)
			}
			if rec.Variables != nil {
				rec.Variables.Row = filterRow(rec.Variables.Row, keep)
			}
		}
		if rc.disasm {
			rec.Instruction, err = disassemble(h, q.PC, rc.flavour)
			if err != nil {
				rec.InstructionError = err.Error()
			}
		}
		if err := p.print(rec); err != nil {
			return err
		}
	}
	return nil
}

func disassemble(h *debuginfo.Handle, pc uint64, flavour disasm.Flavour) (*disasm.Instruction, error) {
	mem, err := h.InstructionAt(pc)
	if err != nil {
		return nil, err
	}
	return disasm.Decode(h.Arch, pc, mem, flavour)
}

// parseRegs converts the --regs filter to a set of register numbers, nil
// if there is no filter.
func parseRegs(arch *regnum.Arch, regs []string) (map[uint64]bool, error) {
	if len(regs) == 0 {
		return nil, nil
	}
	keep := make(map[uint64]bool, len(regs))
	for _, s := range regs {
		num, err := arch.Parse(s)
		if err != nil {
			return nil, err
		}
		keep[num] = true
	}
	return keep, nil
}

// filterRow returns a copy of row with only the rules of the registers in keep.
func filterRow(row *unwind.Row, keep map[uint64]bool) *unwind.Row {
	if row == nil {
		return nil
	}
	r := *row
	r.Regs = make(map[uint64]unwind.Rule)
	for reg, rule := range row.Regs {
		if keep[reg] {
			r.Regs[reg] = rule
		}
	}
	return &r
}
