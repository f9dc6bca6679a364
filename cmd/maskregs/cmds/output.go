package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v2"

	"github.com/maskregs/maskregs/pkg/disasm"
	"github.com/maskregs/maskregs/pkg/dwarf/regnum"
	"github.com/maskregs/maskregs/pkg/query"
	"github.com/maskregs/maskregs/pkg/unwind"
)

const (
	colorReset   = "\x1b[0m"
	colorAddress = "\x1b[34m"
	colorName    = "\x1b[1m"
	colorWarning = "\x1b[33m"
)

// printer writes records in one output format.
type printer struct {
	w      io.Writer
	format string
	color  bool
	arch   *regnum.Arch
	n      int
	enc    *json.Encoder
}

// newPrinter returns a printer writing to out. Text output is colored when
// out is a terminal.
func newPrinter(out io.Writer, format string, arch *regnum.Arch) *printer {
	p := &printer{w: out, format: format, arch: arch}
	if f, ok := out.(*os.File); ok && format == "text" && isatty.IsTerminal(f.Fd()) {
		p.w = colorable.NewColorable(f)
		p.color = true
	}
	if format == "json" {
		p.enc = json.NewEncoder(p.w)
	}
	return p
}

func (p *printer) print(rec *record) error {
	defer func() { p.n++ }()
	switch p.format {
	case "yaml":
		buf, err := yaml.Marshal(rec)
		if err != nil {
			return err
		}
		if p.n > 0 {
			if _, err := io.WriteString(p.w, "---\n"); err != nil {
				return err
			}
		}
		_, err = p.w.Write(buf)
		return err
	case "json":
		return p.enc.Encode(rec)
	}
	return p.printText(rec)
}

func (p *printer) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + colorReset
}

func (p *printer) printText(rec *record) error {
	var b strings.Builder
	if p.n > 0 {
		b.WriteString("\n")
	}
	switch {
	case rec.Variables != nil:
		p.textVariables(&b, rec.Variables)
	case rec.Frame != nil:
		p.textFrame(&b, rec.Frame)
	}
	if inst := rec.Instruction; inst != nil {
		fmt.Fprintf(&b, "instruction: %s", inst.Text)
		if inst.Kind != disasm.OtherInstruction {
			fmt.Fprintf(&b, " (%s)", inst.Kind)
		}
		b.WriteString("\n")
	}
	if rec.InstructionError != "" {
		fmt.Fprintf(&b, "%s\n", p.paint(colorWarning, "instruction: "+rec.InstructionError))
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

func (p *printer) textVariables(b *strings.Builder, res *query.VariablesResult) {
	fmt.Fprintf(b, "%s vars\n", p.paint(colorAddress, fmt.Sprintf("%#x", res.PC)))
	if len(res.Variables) == 0 {
		b.WriteString("no selected variable is live\n")
	}

	tw := tabwriter.NewWriter(b, 0, 8, 2, ' ', 0)
	for _, v := range res.Variables {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.paint(colorName, v.Name), functionText(&v), v.Location.Describe(p.arch.RegName), rangeText(&v), p.crossCheckText(v.CrossCheck))
	}
	tw.Flush()

	for _, v := range res.Variables {
		if v.CrossCheck != nil && v.CrossCheck.Warning != "" {
			fmt.Fprintf(b, "%s\n", p.paint(colorWarning, fmt.Sprintf("warning: %s: %s", v.Name, v.CrossCheck.Warning)))
		}
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(b, "%s\n", p.paint(colorWarning, "skipped: "+d.String()))
	}
	if res.Row != nil {
		fmt.Fprintf(b, "cfa: %s\n", res.Row.CFA.Format(p.arch.RegName))
	}
}

// functionText is the function of v, followed by the inlined calls from
// the outermost.
func functionText(v *query.Variable) string {
	s := v.Function
	for i := len(v.Inlined) - 1; i >= 0; i-- {
		s += " > " + v.Inlined[i]
	}
	return s
}

func rangeText(v *query.Variable) string {
	if v.Location.Default {
		return "default"
	}
	return fmt.Sprintf("[%#x, %#x)", v.Base+v.Location.Low, v.Base+v.Location.High)
}

func (p *printer) crossCheckText(c *unwind.CrossCheck) string {
	switch {
	case c == nil || !c.Applicable:
		return "-"
	case c.CFARelative:
		return fmt.Sprintf("slot CFA%+#x", c.CFAOffset)
	}
	return "rule " + c.Rule.Format(p.arch.RegName)
}

func (p *printer) textFrame(b *strings.Builder, res *query.FrameResult) {
	fmt.Fprintf(b, "%s frame", p.paint(colorAddress, fmt.Sprintf("%#x", res.PC)))
	if res.Function != "" {
		fn := res.Function
		for i := len(res.Inlined) - 1; i >= 0; i-- {
			fn += " > " + res.Inlined[i]
		}
		fmt.Fprintf(b, " in %s", p.paint(colorName, fn))
	}
	b.WriteString("\n")

	row := res.Row
	tw := tabwriter.NewWriter(b, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "fde\t[%#x, %#x)\n", row.FDEBegin, row.FDEEnd)
	fmt.Fprintf(tw, "cfa\t%s\n", row.CFA.Format(p.arch.RegName))
	fmt.Fprintf(tw, "return address\t%s\n", p.arch.RegName(row.ReturnAddressRegister))
	for _, reg := range row.Registers() {
		fmt.Fprintf(tw, "%s\t%s\n", p.arch.RegName(reg), row.Regs[reg].Format(p.arch.RegName))
	}
	fmt.Fprintf(tw, "others\t%s\n", row.Default.Format(p.arch.RegName))
	tw.Flush()
}

// regsCmd prints the register table of the architecture named by args[0],
// or the names completing args[1].
func regsCmd(out io.Writer, args []string) error {
	arch := regnum.AMD64
	if len(args) > 0 {
		var err error
		arch, err = regnum.ByName(args[0])
		if err != nil {
			return err
		}
	}

	if len(args) > 1 {
		for _, name := range arch.Complete(args[1]) {
			num, _ := arch.Lookup(name)
			fmt.Fprintf(out, "%s\t%d\n", name, num)
		}
		return nil
	}

	regs := arch.Registers()
	switch format {
	case "yaml":
		buf, err := yaml.Marshal(regs)
		if err != nil {
			return err
		}
		_, err = out.Write(buf)
		return err
	case "json":
		return json.NewEncoder(out).Encode(regs)
	}
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for _, r := range regs {
		fmt.Fprintf(tw, "%d\t%s\n", r.Num, r.Name)
	}
	return tw.Flush()
}
