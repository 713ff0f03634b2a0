package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
	OpRot Opcode = 0x03 // swap the top two entries
)

// Constant loads
const (
	OpLoadConst    Opcode = 0x10 // push constant from pool (16-bit index)
	OpLoadNone     Opcode = 0x11 // push None
	OpLoadTrue     Opcode = 0x12 // push True
	OpLoadFalse    Opcode = 0x13 // push False
	OpLoadSmallInt Opcode = 0x14 // push inline 32-bit signed integer
)

// Variable operations. The compiler resolves every name into one of three
// namespaces: indexed local slots, closure cells, or module globals.
const (
	OpLoadLocal    Opcode = 0x20 // push local slot (16-bit index)
	OpStoreLocal   Opcode = 0x21 // pop into local slot (16-bit index)
	OpDeleteLocal  Opcode = 0x22 // clear local slot (16-bit index)
	OpLoadCell     Opcode = 0x23 // push cell contents (16-bit index)
	OpStoreCell    Opcode = 0x24 // pop into cell (16-bit index)
	OpLoadGlobal   Opcode = 0x25 // push module global (16-bit name index)
	OpStoreGlobal  Opcode = 0x26 // pop into module global (16-bit name index)
	OpDeleteGlobal Opcode = 0x27 // remove module global (16-bit name index)
	OpLoadClosure  Opcode = 0x28 // push the cell object itself (16-bit index)
)

// Attribute and subscript operations
const (
	OpLoadAttr        Opcode = 0x30 // pop obj, push obj.<name> (16-bit name index)
	OpStoreAttr       Opcode = 0x31 // pop obj, pop value, set obj.<name> (16-bit name index)
	OpDeleteAttr      Opcode = 0x32 // pop obj, delete obj.<name> (16-bit name index)
	OpLoadSubscript   Opcode = 0x33 // pop key, pop obj, push obj[key]
	OpStoreSubscript  Opcode = 0x34 // pop key, pop obj, pop value, obj[key] = value
	OpDeleteSubscript Opcode = 0x35 // pop key, pop obj, del obj[key]
)

// Dispatched operators (8-bit sub-operation operand)
const (
	OpBinary  Opcode = 0x40 // pop rhs, pop lhs, push lhs <op> rhs
	OpInplace Opcode = 0x41 // like OpBinary but tries the in-place protocol first
	OpCompare Opcode = 0x42 // pop rhs, pop lhs, push comparison result
	OpUnary   Opcode = 0x43 // pop operand, push result
)

// Control flow. Jump targets are absolute instruction offsets.
const (
	OpJump        Opcode = 0x50 // unconditional jump (16-bit target)
	OpJumpIfTrue  Opcode = 0x51 // pop, jump if truthy (16-bit target)
	OpJumpIfFalse Opcode = 0x52 // pop, jump if falsy (16-bit target)
)

// Calls, returns, functions
const (
	OpCall         Opcode = 0x60 // pop argc args then callee, push result (8-bit argc)
	OpReturn       Opcode = 0x61 // return top of stack
	OpYield        Opcode = 0x62 // suspend generator, yield top of stack
	OpMakeFunction Opcode = 0x63 // make function (16-bit code const, 8-bit ndefaults, 8-bit nfree)
)

// Block management
const (
	OpSetupLoop   Opcode = 0x70 // push loop block (16-bit exit target)
	OpSetupExcept Opcode = 0x71 // push except block (16-bit handler target)
	OpSetupFinally Opcode = 0x72 // push finally block (16-bit handler target)
	OpPopBlock    Opcode = 0x73 // pop innermost block
	OpEndFinally  Opcode = 0x74 // resume action pending before the finally body
	OpBreak       Opcode = 0x75 // unwind to innermost loop's exit
	OpContinue    Opcode = 0x76 // unwind to loop head (16-bit target)
	OpRaise       Opcode = 0x77 // raise (8-bit form: 0 re-raise, 1 exc, 2 exc from cause)
	OpEndExcept   Opcode = 0x78 // leave handled-exception scope
)

// Iteration
const (
	OpGetIter Opcode = 0x80 // pop iterable, push iterator
	OpForIter Opcode = 0x81 // push next element, or pop iterator and jump (16-bit target)
)

// Construction
const (
	OpBuildList  Opcode = 0x90 // pop N elements, push list (16-bit count)
	OpBuildTuple Opcode = 0x91 // pop N elements, push tuple (16-bit count)
	OpBuildDict  Opcode = 0x92 // pop N key/value pairs, push dict (16-bit pair count)
)

// ---------------------------------------------------------------------------
// Sub-operations
// ---------------------------------------------------------------------------

// BinOp selects the operation for OpBinary and OpInplace.
type BinOp byte

const (
	BinAdd BinOp = iota
	BinSub
	BinMul
	BinDiv
	BinFloorDiv
	BinMod
	BinPow
)

var binOpNames = [...]string{"+", "-", "*", "/", "//", "%", "**"}

// Dunder returns the special method name pair for the operation.
func (op BinOp) Dunder() (left, right string) {
	switch op {
	case BinAdd:
		return "__add__", "__radd__"
	case BinSub:
		return "__sub__", "__rsub__"
	case BinMul:
		return "__mul__", "__rmul__"
	case BinDiv:
		return "__truediv__", "__rtruediv__"
	case BinFloorDiv:
		return "__floordiv__", "__rfloordiv__"
	case BinMod:
		return "__mod__", "__rmod__"
	case BinPow:
		return "__pow__", "__rpow__"
	}
	panic("vm: unknown binary op")
}

// InplaceDunder returns the augmented-assignment method name.
func (op BinOp) InplaceDunder() string {
	left, _ := op.Dunder()
	return "__i" + strings.TrimPrefix(left, "__")
}

func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return fmt.Sprintf("binop(%d)", byte(op))
}

// CmpOp selects the operation for OpCompare.
type CmpOp byte

const (
	CmpLt CmpOp = iota
	CmpLe
	CmpEq
	CmpNe
	CmpGt
	CmpGe
	CmpIs
	CmpIsNot
	CmpIn
	CmpNotIn
	CmpExcMatch // handler filter: lhs exception matches rhs type(s)
)

var cmpOpNames = [...]string{"<", "<=", "==", "!=", ">", ">=", "is", "is not", "in", "not in", "exc match"}

func (op CmpOp) String() string {
	if int(op) < len(cmpOpNames) {
		return cmpOpNames[op]
	}
	return fmt.Sprintf("cmpop(%d)", byte(op))
}

// UnaryOp selects the operation for OpUnary.
type UnaryOp byte

const (
	UnaryNeg UnaryOp = iota
	UnaryNot
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string
	OperandBytes int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0},
	OpPop: {"POP", 0},
	OpDup: {"DUP", 0},
	OpRot: {"ROT", 0},

	OpLoadConst:    {"LOAD_CONST", 2},
	OpLoadNone:     {"LOAD_NONE", 0},
	OpLoadTrue:     {"LOAD_TRUE", 0},
	OpLoadFalse:    {"LOAD_FALSE", 0},
	OpLoadSmallInt: {"LOAD_SMALL_INT", 4},

	OpLoadLocal:    {"LOAD_LOCAL", 2},
	OpStoreLocal:   {"STORE_LOCAL", 2},
	OpDeleteLocal:  {"DELETE_LOCAL", 2},
	OpLoadCell:     {"LOAD_CELL", 2},
	OpStoreCell:    {"STORE_CELL", 2},
	OpLoadGlobal:   {"LOAD_GLOBAL", 2},
	OpStoreGlobal:  {"STORE_GLOBAL", 2},
	OpDeleteGlobal: {"DELETE_GLOBAL", 2},
	OpLoadClosure:  {"LOAD_CLOSURE", 2},

	OpLoadAttr:        {"LOAD_ATTR", 2},
	OpStoreAttr:       {"STORE_ATTR", 2},
	OpDeleteAttr:      {"DELETE_ATTR", 2},
	OpLoadSubscript:   {"LOAD_SUBSCRIPT", 0},
	OpStoreSubscript:  {"STORE_SUBSCRIPT", 0},
	OpDeleteSubscript: {"DELETE_SUBSCRIPT", 0},

	OpBinary:  {"BINARY_OP", 1},
	OpInplace: {"INPLACE_OP", 1},
	OpCompare: {"COMPARE_OP", 1},
	OpUnary:   {"UNARY_OP", 1},

	OpJump:        {"JUMP", 2},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 2},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 2},

	OpCall:         {"CALL", 1},
	OpReturn:       {"RETURN", 0},
	OpYield:        {"YIELD", 0},
	OpMakeFunction: {"MAKE_FUNCTION", 4},

	OpSetupLoop:    {"SETUP_LOOP", 2},
	OpSetupExcept:  {"SETUP_EXCEPT", 2},
	OpSetupFinally: {"SETUP_FINALLY", 2},
	OpPopBlock:     {"POP_BLOCK", 0},
	OpEndFinally:   {"END_FINALLY", 0},
	OpBreak:        {"BREAK", 0},
	OpContinue:     {"CONTINUE", 2},
	OpRaise:        {"RAISE", 1},
	OpEndExcept:    {"END_EXCEPT", 0},

	OpGetIter: {"GET_ITER", 0},
	OpForIter: {"FOR_ITER", 2},

	OpBuildList:  {"BUILD_LIST", 2},
	OpBuildTuple: {"BUILD_TUPLE", 2},
	OpBuildDict:  {"BUILD_DICT", 2},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}

// ---------------------------------------------------------------------------
// Builder: helper for constructing bytecode
// ---------------------------------------------------------------------------

// Builder constructs bytecode sequences. It is used by the external
// compiler and by tests; the core itself only reads bytecode.
type Builder struct {
	bytes []byte
}

// NewBuilder creates an empty bytecode builder.
func NewBuilder() *Builder {
	return &Builder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *Builder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *Builder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *Builder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *Builder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *Builder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *Builder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(operand))
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitMakeFunction appends a MAKE_FUNCTION instruction.
func (b *Builder) EmitMakeFunction(codeConst uint16, ndefaults, nfree uint8) {
	b.bytes = append(b.bytes, byte(OpMakeFunction), byte(codeConst), byte(codeConst>>8), ndefaults, nfree)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target, possibly not yet emitted.
type Label struct {
	resolved bool
	target   int
	refs     []int // operand positions to patch once resolved
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches every forward
// reference with the absolute target.
func (b *Builder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.target = len(b.bytes)
	for _, ref := range label.refs {
		binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(label.target))
	}
	label.refs = nil
}

// EmitJump emits an instruction whose 16-bit operand is the label's
// absolute target.
func (b *Builder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		b.bytes = append(b.bytes, byte(label.target), byte(label.target>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble returns a human-readable listing of bytecode.
func Disassemble(bc []byte) string {
	var sb strings.Builder
	ip := 0
	for ip < len(bc) {
		op := Opcode(bc[ip])
		info := op.Info()
		fmt.Fprintf(&sb, "%04d  %s", ip, info.Name)
		ip++
		switch info.OperandBytes {
		case 1:
			operand := bc[ip]
			switch op {
			case OpBinary, OpInplace:
				fmt.Fprintf(&sb, " %s", BinOp(operand))
			case OpCompare:
				fmt.Fprintf(&sb, " %s", CmpOp(operand))
			default:
				fmt.Fprintf(&sb, " %d", operand)
			}
		case 2:
			fmt.Fprintf(&sb, " %d", binary.LittleEndian.Uint16(bc[ip:]))
		case 4:
			if op == OpMakeFunction {
				fmt.Fprintf(&sb, " code=%d defaults=%d free=%d",
					binary.LittleEndian.Uint16(bc[ip:]), bc[ip+2], bc[ip+3])
			} else {
				fmt.Fprintf(&sb, " %d", int32(binary.LittleEndian.Uint32(bc[ip:])))
			}
		}
		ip += info.OperandBytes
		sb.WriteByte('\n')
	}
	return sb.String()
}
