package debuginfo

import (
	"debug/dwarf"
	"errors"
	"fmt"
)

// ErrOriginCycle is returned by OriginName when a chain of abstract origin
// references loops.
var ErrOriginCycle = errors.New("abstract origin reference cycle")

// OriginError is returned by OriginName when a reference can not be read.
type OriginError struct {
	Offset dwarf.Offset
	Err    error
}

func (err *OriginError) Error() string {
	return fmt.Sprintf("could not read abstract origin %#x: %v", err.Offset, err.Err)
}

func (err *OriginError) Unwrap() error {
	return err.Err
}

// OriginName returns the name of the entry at off, following
// DW_AT_abstract_origin and DW_AT_specification references until an
// entry with a name is found. Returns "" if the chain ends without a name.
func (h *Handle) OriginName(off dwarf.Offset) (string, error) {
	if name, ok := h.origins.Get(off); ok {
		return name.(string), nil
	}

	seen := map[dwarf.Offset]bool{}
	cur := off
	for {
		if seen[cur] {
			return "", fmt.Errorf("%w at %#x", ErrOriginCycle, cur)
		}
		seen[cur] = true

		e, err := h.readEntry(cur)
		if err != nil {
			return "", &OriginError{Offset: cur, Err: err}
		}
		if name, ok := e.Val(dwarf.AttrName).(string); ok {
			h.origins.Add(off, name)
			return name, nil
		}
		next, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			next, ok = e.Val(dwarf.AttrSpecification).(dwarf.Offset)
		}
		if !ok {
			h.origins.Add(off, "")
			return "", nil
		}
		cur = next
	}
}

func (h *Handle) readEntry(off dwarf.Offset) (*dwarf.Entry, error) {
	rdr := h.dwarf.Reader()
	rdr.Seek(off)
	e, err := rdr.Next()
	if err != nil {
		return nil, err
	}
	if e == nil || e.Offset != off {
		return nil, errors.New("no entry at offset")
	}
	return e, nil
}
