// Package regnum maps DWARF register numbers to register names for the
// architectures the resolver understands.
package regnum

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/derekparker/trie"
)

// Roles are the DWARF numbers of the registers with a fixed role in the
// calling convention.
type Roles struct {
	PC, SP, BP uint64
	// RA is the register the CIE names as return address column.
	RA uint64
}

// Register is one entry of an architecture's register table.
type Register struct {
	Num  uint64 `yaml:"num" json:"num"`
	Name string `yaml:"name" json:"name"`
}

// Arch is the DWARF register numbering of one architecture.
type Arch struct {
	Name    string
	Machine elf.Machine
	PtrSize int
	Roles   Roles

	names map[uint64]string
	max   uint64
	// lookup is keyed by lower case register names and aliases, the
	// metadata of every key is the register number.
	lookup *trie.Trie
}

func newArch(name string, machine elf.Machine, ptrSize int, names map[uint64]string, aliases map[string]uint64, roles Roles) *Arch {
	a := &Arch{Name: name, Machine: machine, PtrSize: ptrSize, Roles: roles, names: names, lookup: trie.New()}
	for num, regName := range names {
		if num > a.max {
			a.max = num
		}
		a.lookup.Add(strings.ToLower(regName), num)
	}
	for alias, num := range aliases {
		if _, dup := a.lookup.Find(alias); !dup {
			a.lookup.Add(alias, num)
		}
	}
	return a
}

// RegName returns the name of register num, "unknownN" if the
// architecture has no name for it.
func (a *Arch) RegName(num uint64) string {
	if name, ok := a.names[num]; ok {
		return name
	}
	return fmt.Sprintf("unknown%d", num)
}

// MaxRegNum returns the highest register number with a name.
func (a *Arch) MaxRegNum() uint64 {
	return a.max
}

// Lookup returns the DWARF number of the register called name. The match
// is case insensitive and accepts the aliases of the architecture (sp, pc...).
func (a *Arch) Lookup(name string) (uint64, bool) {
	node, ok := a.lookup.Find(strings.ToLower(name))
	if !ok {
		return 0, false
	}
	num, ok := node.Meta().(uint64)
	return num, ok
}

// Complete returns the register names and aliases starting with prefix, sorted.
func (a *Arch) Complete(prefix string) []string {
	r := a.lookup.PrefixSearch(strings.ToLower(prefix))
	sort.Strings(r)
	return r
}

// Suggest returns the names that fuzzy match s, shortest first. Used to
// build "did you mean" messages.
func (a *Arch) Suggest(s string) []string {
	return a.lookup.FuzzySearch(strings.ToLower(s))
}

// Parse converts a register specification, either a name or a decimal
// DWARF number, to a register number.
func (a *Arch) Parse(s string) (uint64, error) {
	if num, ok := a.Lookup(s); ok {
		return num, nil
	}
	var num uint64
	if _, err := fmt.Sscanf(s, "%d", &num); err == nil && fmt.Sprint(num) == s {
		return num, nil
	}
	if sugg := a.Suggest(s); len(sugg) > 0 {
		return 0, fmt.Errorf("unknown %s register %q (did you mean %s?)", a.Name, s, sugg[0])
	}
	return 0, fmt.Errorf("unknown %s register %q", a.Name, s)
}

// Registers returns the named registers sorted by number.
func (a *Arch) Registers() []Register {
	r := make([]Register, 0, len(a.names))
	for num, name := range a.names {
		r = append(r, Register{Num: num, Name: name})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Num < r[j].Num })
	return r
}

func (a *Arch) String() string {
	return a.Name
}

// Archs returns all known architectures.
func Archs() []*Arch {
	return []*Arch{AMD64, I386, ARM64}
}

// ForMachine returns the architecture of an ELF machine type.
func ForMachine(m elf.Machine) (*Arch, error) {
	for _, a := range Archs() {
		if a.Machine == m {
			return a, nil
		}
	}
	return nil, fmt.Errorf("unsupported machine type %v", m)
}

// ByName returns the architecture called name (GOARCH spelling, "x86_64"
// and "i386" are accepted too).
func ByName(name string) (*Arch, error) {
	switch strings.ToLower(name) {
	case "x86_64", "x86-64":
		return AMD64, nil
	case "i386", "x86":
		return I386, nil
	case "aarch64":
		return ARM64, nil
	}
	for _, a := range Archs() {
		if a.Name == strings.ToLower(name) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("unknown architecture %q", name)
}
