package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/maskregs/maskregs/pkg/dwarf/leb128"
	"github.com/maskregs/maskregs/pkg/dwarf/util"
)

// DWRule wrapper of rule defined for register values.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// FrameContext wrapper of FDE context
type FrameContext struct {
	loc             uint64
	order           binary.ByteOrder
	address         uint64
	CFA             DWRule
	Regs            map[uint64]DWRule
	initialRegs     map[uint64]DWRule
	buf             *bytes.Buffer
	cie             *CommonInformationEntry
	RetAddrReg      uint64
	codeAlignment   uint64
	dataAlignment   int64
	rememberedState *stateStack
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// stateStack is a stack where `DW_CFA_remember_state` pushes
// its CFA and registers state and `DW_CFA_restore_state`
// pops them.
type stateStack struct {
	items []rowState
}

func newStateStack() *stateStack {
	return &stateStack{
		items: make([]rowState, 0),
	}
}

func (stack *stateStack) push(state rowState) {
	stack.items = append(stack.items, state)
}

func (stack *stateStack) pop() rowState {
	if len(stack.items) == 0 {
		panic("DW_CFA_restore_state without DW_CFA_remember_state")
	}
	restored := stack.items[len(stack.items)-1]
	stack.items = stack.items[0 : len(stack.items)-1]
	return restored
}

// Instructions used to recreate the table from the .debug_frame data.
const (
	DW_CFA_nop                = 0x0        // No ops
	DW_CFA_set_loc            = 0x01       // op1: address
	DW_CFA_advance_loc1       = iota       // op1: 1-bytes delta
	DW_CFA_advance_loc2                    // op1: 2-byte delta
	DW_CFA_advance_loc4                    // op1: 4-byte delta
	DW_CFA_offset_extended                 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended                // op1: ULEB128 register
	DW_CFA_undefined                       // op1: ULEB128 register
	DW_CFA_same_value                      // op1: ULEB128 register
	DW_CFA_register                        // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state                  // No ops
	DW_CFA_restore_state                   // No ops
	DW_CFA_def_cfa                         // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register                // op1: ULEB128 register
	DW_CFA_def_cfa_offset                  // op1: ULEB128 offset
	DW_CFA_def_cfa_expression              // op1: BLOCK
	DW_CFA_expression                      // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf              // op1: ULEB128 register, op2: SLEB128 BLOCK
	DW_CFA_def_cfa_sf                      // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf               // op1: SLEB128 offset
	DW_CFA_val_offset                      // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf                   // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression                  // op1: ULEB128, op2: BLOCK

	DW_CFA_lo_user                      = 0x1c       // op1: BLOCK
	DW_CFA_GNU_window_save              = 0x2d       // No ops
	DW_CFA_GNU_args_size                = 0x2e       // op1: ULEB128 size
	DW_CFA_GNU_negative_offset_extended = 0x2f       // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_hi_user                      = 0x3f       // op1: ULEB128 register, op2: BLOCK
	DW_CFA_advance_loc                  = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset                       = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore                      = (0x3 << 6) // High 2 bits: 0x3, low 6: register
)

// Rule rule defined for register values.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	RuleCFA // Value is rule.Reg + rule.Offset
)

const low_6_offset = 0x3f

type instruction func(frame *FrameContext)

// Mapping from DWARF opcode to function.
var fnlookup = map[byte]instruction{
	DW_CFA_advance_loc:                  advanceloc,
	DW_CFA_offset:                       offset,
	DW_CFA_restore:                      restore,
	DW_CFA_set_loc:                      setloc,
	DW_CFA_advance_loc1:                 advanceloc1,
	DW_CFA_advance_loc2:                 advanceloc2,
	DW_CFA_advance_loc4:                 advanceloc4,
	DW_CFA_offset_extended:              offsetextended,
	DW_CFA_restore_extended:             restoreextended,
	DW_CFA_undefined:                    undefined,
	DW_CFA_same_value:                   samevalue,
	DW_CFA_register:                     register,
	DW_CFA_remember_state:               rememberstate,
	DW_CFA_restore_state:                restorestate,
	DW_CFA_def_cfa:                      defcfa,
	DW_CFA_def_cfa_register:             defcfaregister,
	DW_CFA_def_cfa_offset:               defcfaoffset,
	DW_CFA_def_cfa_expression:           defcfaexpression,
	DW_CFA_expression:                   expression,
	DW_CFA_offset_extended_sf:           offsetextendedsf,
	DW_CFA_def_cfa_sf:                   defcfasf,
	DW_CFA_def_cfa_offset_sf:            defcfaoffsetsf,
	DW_CFA_val_offset:                   valoffset,
	DW_CFA_val_offset_sf:                valoffsetsf,
	DW_CFA_val_expression:               valexpression,
	DW_CFA_GNU_window_save:              windowsave,
	DW_CFA_GNU_args_size:                argssize,
	DW_CFA_GNU_negative_offset_extended: negativeoffsetextended,
}

// DecodeError is returned when a CFA program can not be executed.
type DecodeError struct {
	FDEBegin uint64
	Loc      uint64
	Msg      string
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("decoding call frame program of FDE at %#x (location %#x): %s", err.FDEBegin, err.Loc, err.Msg)
}

func executeCIEInstructions(cie *CommonInformationEntry, order binary.ByteOrder) *FrameContext {
	initialInstructions := make([]byte, len(cie.InitialInstructions))
	copy(initialInstructions, cie.InitialInstructions)
	frame := &FrameContext{
		cie:             cie,
		order:           order,
		Regs:            make(map[uint64]DWRule),
		RetAddrReg:      cie.ReturnAddressRegister,
		initialRegs:     make(map[uint64]DWRule),
		codeAlignment:   cie.CodeAlignmentFactor,
		dataAlignment:   cie.DataAlignmentFactor,
		buf:             bytes.NewBuffer(initialInstructions),
		rememberedState: newStateStack(),
	}

	frame.executeDwarfProgram()
	for reg, rule := range frame.Regs {
		frame.initialRegs[reg] = rule
	}
	return frame
}

// executeDwarfProgramUntilPC runs the CIE initial instructions followed
// by the FDE instructions up to pc. Malformed programs are reported as a
// *DecodeError.
func executeDwarfProgramUntilPC(fde *FrameDescriptionEntry, pc uint64) (frame *FrameContext, err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			loc := fde.Begin()
			if frame != nil {
				loc = frame.loc
			}
			frame = nil
			err = &DecodeError{FDEBegin: fde.Begin(), Loc: loc, Msg: fmt.Sprint(ierr)}
		}
	}()

	frame = executeCIEInstructions(fde.CIE, fde.order)
	frame.loc = fde.Begin()
	frame.address = pc
	frame.ExecuteUntilPC(fde.Instructions)

	return frame, nil
}

func (frame *FrameContext) executeDwarfProgram() {
	for frame.buf.Len() > 0 {
		executeDwarfInstruction(frame)
	}
}

// ExecuteUntilPC execute dwarf instructions.
func (frame *FrameContext) ExecuteUntilPC(instructions []byte) {
	frame.buf.Truncate(0)
	frame.buf.Write(instructions)

	// We only need to execute the instructions until
	// ctx.loc > ctx.address (which is the address we
	// are currently at in the traced process).
	for frame.address >= frame.loc && frame.buf.Len() > 0 {
		executeDwarfInstruction(frame)
	}
}

func executeDwarfInstruction(frame *FrameContext) {
	instruction, err := frame.buf.ReadByte()
	if err != nil {
		panic("Could not read from instruction buffer")
	}

	if instruction == DW_CFA_nop {
		return
	}

	fn := lookupFunc(instruction, frame.buf)

	fn(frame)
}

func lookupFunc(instruction byte, buf *bytes.Buffer) instruction {
	const high_2_bits = 0xc0
	var restore bool

	// Special case the 3 opcodes that have their argument encoded in the opcode itself.
	switch instruction & high_2_bits {
	case DW_CFA_advance_loc:
		instruction = DW_CFA_advance_loc
		restore = true

	case DW_CFA_offset:
		instruction = DW_CFA_offset
		restore = true

	case DW_CFA_restore:
		instruction = DW_CFA_restore
		restore = true
	}

	if restore {
		// Restore the last byte as it actually contains the argument for the opcode.
		err := buf.UnreadByte()
		if err != nil {
			panic("Could not unread byte")
		}
	}

	fn, ok := fnlookup[instruction]
	if !ok {
		panic(fmt.Sprintf("Encountered an unexpected DWARF CFA opcode: %#v", instruction))
	}

	return fn
}

func (frame *FrameContext) uleb() uint64 {
	n, _, err := leb128.DecodeUnsigned(frame.buf)
	if err != nil {
		panic(err)
	}
	return n
}

func (frame *FrameContext) sleb() int64 {
	n, _, err := leb128.DecodeSigned(frame.buf)
	if err != nil {
		panic(err)
	}
	return n
}

func (frame *FrameContext) block() []byte {
	l := frame.uleb()
	if l > uint64(frame.buf.Len()) {
		panic("expression block exceeds instruction buffer")
	}
	return frame.buf.Next(int(l))
}

func (frame *FrameContext) fixed(sz int) uint64 {
	n, err := util.ReadUintRaw(frame.buf, frame.order, sz)
	if err != nil {
		panic(err)
	}
	return n
}

func advanceloc(frame *FrameContext) {
	b, err := frame.buf.ReadByte()
	if err != nil {
		panic("Could not read byte")
	}

	delta := b & low_6_offset
	frame.loc += uint64(delta) * frame.codeAlignment
}

func advanceloc1(frame *FrameContext) {
	delta, err := frame.buf.ReadByte()
	if err != nil {
		panic("Could not read byte")
	}

	frame.loc += uint64(delta) * frame.codeAlignment
}

func advanceloc2(frame *FrameContext) {
	frame.loc += frame.fixed(2) * frame.codeAlignment
}

func advanceloc4(frame *FrameContext) {
	frame.loc += frame.fixed(4) * frame.codeAlignment
}

func offset(frame *FrameContext) {
	b, err := frame.buf.ReadByte()
	if err != nil {
		panic(err)
	}

	var (
		reg    = b & low_6_offset
		offset = frame.uleb()
	)

	frame.Regs[uint64(reg)] = DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleOffset}
}

func restore(frame *FrameContext) {
	b, err := frame.buf.ReadByte()
	if err != nil {
		panic(err)
	}
	frame.restoreReg(uint64(b & low_6_offset))
}

func (frame *FrameContext) restoreReg(reg uint64) {
	if oldrule, ok := frame.initialRegs[reg]; ok {
		frame.Regs[reg] = oldrule
	} else {
		delete(frame.Regs, reg)
	}
}

func setloc(frame *FrameContext) {
	frame.loc = frame.fixed(frame.cie.ptrSize)
}

func offsetextended(frame *FrameContext) {
	var (
		reg    = frame.uleb()
		offset = frame.uleb()
	)

	frame.Regs[reg] = DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleOffset}
}

func negativeoffsetextended(frame *FrameContext) {
	var (
		reg    = frame.uleb()
		offset = frame.uleb()
	)

	frame.Regs[reg] = DWRule{Offset: -int64(offset) * frame.dataAlignment, Rule: RuleOffset}
}

func undefined(frame *FrameContext) {
	reg := frame.uleb()
	frame.Regs[reg] = DWRule{Rule: RuleUndefined}
}

func samevalue(frame *FrameContext) {
	reg := frame.uleb()
	frame.Regs[reg] = DWRule{Rule: RuleSameVal}
}

func register(frame *FrameContext) {
	reg1 := frame.uleb()
	reg2 := frame.uleb()
	frame.Regs[reg1] = DWRule{Reg: reg2, Rule: RuleRegister}
}

func rememberstate(frame *FrameContext) {
	clonedRegs := make(map[uint64]DWRule, len(frame.Regs))
	for k, v := range frame.Regs {
		clonedRegs[k] = v
	}
	frame.rememberedState.push(rowState{cfa: frame.CFA, regs: clonedRegs})
}

func restorestate(frame *FrameContext) {
	restored := frame.rememberedState.pop()

	frame.CFA = restored.cfa
	frame.Regs = restored.regs
}

func restoreextended(frame *FrameContext) {
	frame.restoreReg(frame.uleb())
}

func defcfa(frame *FrameContext) {
	reg := frame.uleb()
	offset := frame.uleb()

	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Offset = int64(offset)
}

func defcfaregister(frame *FrameContext) {
	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = frame.uleb()
}

func defcfaoffset(frame *FrameContext) {
	frame.CFA.Rule = RuleCFA
	frame.CFA.Offset = int64(frame.uleb())
}

func defcfasf(frame *FrameContext) {
	reg := frame.uleb()
	offset := frame.sleb()

	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Offset = offset * frame.dataAlignment
}

func defcfaoffsetsf(frame *FrameContext) {
	frame.CFA.Rule = RuleCFA
	frame.CFA.Offset = frame.sleb() * frame.dataAlignment
}

func defcfaexpression(frame *FrameContext) {
	frame.CFA.Expression = frame.block()
	frame.CFA.Rule = RuleExpression
}

func expression(frame *FrameContext) {
	var (
		reg  = frame.uleb()
		expr = frame.block()
	)

	frame.Regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
}

func offsetextendedsf(frame *FrameContext) {
	var (
		reg    = frame.uleb()
		offset = frame.sleb()
	)

	frame.Regs[reg] = DWRule{Offset: offset * frame.dataAlignment, Rule: RuleOffset}
}

func valoffset(frame *FrameContext) {
	var (
		reg    = frame.uleb()
		offset = frame.uleb()
	)

	frame.Regs[reg] = DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleValOffset}
}

func valoffsetsf(frame *FrameContext) {
	var (
		reg    = frame.uleb()
		offset = frame.sleb()
	)

	frame.Regs[reg] = DWRule{Offset: offset * frame.dataAlignment, Rule: RuleValOffset}
}

func valexpression(frame *FrameContext) {
	var (
		reg  = frame.uleb()
		expr = frame.block()
	)

	frame.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: expr}
}

func windowsave(frame *FrameContext) {
}

func argssize(frame *FrameContext) {
	// the size of the outgoing arguments does not change any rule
	frame.uleb()
}
