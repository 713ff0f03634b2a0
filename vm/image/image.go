// Package image serializes compiled programs to a canonical CBOR wire
// format. Images are deterministic: encoding the same program twice
// yields identical bytes, so image digests are stable across hosts.
package image

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/adder-lang/adder/vm"
)

// FormatVersion is the current image format version. Decoders reject
// images from a newer format.
const FormatVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	opts := cbor.DecOptions{
		MaxArrayElements: 1 << 22,
		MaxMapPairs:      1 << 22,
	}
	decMode, err = opts.DecMode()
	if err != nil {
		panic(err)
	}
}

// Program is the top-level image payload: a named entry code object.
type Program struct {
	Version int    `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint"`
	Entry   *Code  `cbor:"3,keyasint"`
}

// Code is the wire form of a code object.
type Code struct {
	Name       string  `cbor:"1,keyasint"`
	Filename   string  `cbor:"2,keyasint,omitempty"`
	Bytecode   []byte  `cbor:"3,keyasint"`
	Consts     []Const `cbor:"4,keyasint,omitempty"`
	Names      []string `cbor:"5,keyasint,omitempty"`
	LocalNames []string `cbor:"6,keyasint,omitempty"`
	CellNames  []string `cbor:"7,keyasint,omitempty"`
	FreeNames  []string `cbor:"8,keyasint,omitempty"`
	NumParams  int      `cbor:"9,keyasint,omitempty"`
	Flags      uint8    `cbor:"10,keyasint,omitempty"`
}

// Const is the wire form of a constant-pool entry.
type Const struct {
	Kind  uint8   `cbor:"1,keyasint"`
	Bool  bool    `cbor:"2,keyasint,omitempty"`
	Int   int64   `cbor:"3,keyasint,omitempty"`
	Big   string  `cbor:"4,keyasint,omitempty"`
	Float float64 `cbor:"5,keyasint,omitempty"`
	Str   string  `cbor:"6,keyasint,omitempty"`
	Code  *Code   `cbor:"7,keyasint,omitempty"`
	Elems []Const `cbor:"8,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// FromProgram builds the wire form of a named entry code object.
func FromProgram(name string, entry *vm.CodeObject) *Program {
	return &Program{Version: FormatVersion, Name: name, Entry: fromCode(entry)}
}

// ToProgram validates a decoded image and realizes its entry code object.
func ToProgram(p *Program) (string, *vm.CodeObject, error) {
	if p.Version > FormatVersion {
		return "", nil, fmt.Errorf("image format version %d is newer than supported %d", p.Version, FormatVersion)
	}
	if p.Entry == nil {
		return "", nil, fmt.Errorf("image has no entry code object")
	}
	entry, err := toCode(p.Entry)
	if err != nil {
		return "", nil, err
	}
	return p.Name, entry, nil
}

func fromCode(c *vm.CodeObject) *Code {
	consts := make([]Const, len(c.Consts))
	for i := range c.Consts {
		consts[i] = fromConst(&c.Consts[i])
	}
	return &Code{
		Name:       c.Name,
		Filename:   c.Filename,
		Bytecode:   c.Code,
		Consts:     consts,
		Names:      c.Names,
		LocalNames: c.LocalNames,
		CellNames:  c.CellNames,
		FreeNames:  c.FreeNames,
		NumParams:  c.NumParams,
		Flags:      uint8(c.Flags),
	}
}

func fromConst(c *vm.Constant) Const {
	out := Const{
		Kind:  uint8(c.Kind),
		Bool:  c.Bool,
		Int:   c.Int,
		Big:   c.Big,
		Float: c.Float,
		Str:   c.Str,
	}
	if c.Code != nil {
		out.Code = fromCode(c.Code)
	}
	if len(c.Elems) > 0 {
		out.Elems = make([]Const, len(c.Elems))
		for i := range c.Elems {
			out.Elems[i] = fromConst(&c.Elems[i])
		}
	}
	return out
}

func toCode(c *Code) (*vm.CodeObject, error) {
	if len(c.Bytecode) == 0 {
		return nil, fmt.Errorf("code object %q has empty bytecode", c.Name)
	}
	consts := make([]vm.Constant, len(c.Consts))
	for i := range c.Consts {
		cv, err := toConst(&c.Consts[i])
		if err != nil {
			return nil, fmt.Errorf("code object %q: %w", c.Name, err)
		}
		consts[i] = cv
	}
	if c.NumParams < 0 || c.NumParams > len(c.LocalNames) {
		return nil, fmt.Errorf("code object %q: %d parameters but %d local slots", c.Name, c.NumParams, len(c.LocalNames))
	}
	return &vm.CodeObject{
		Name:       c.Name,
		Filename:   c.Filename,
		Code:       c.Bytecode,
		Consts:     consts,
		Names:      c.Names,
		LocalNames: c.LocalNames,
		CellNames:  c.CellNames,
		FreeNames:  c.FreeNames,
		NumParams:  c.NumParams,
		Flags:      vm.CodeFlags(c.Flags),
	}, nil
}

func toConst(c *Const) (vm.Constant, error) {
	out := vm.Constant{
		Kind:  vm.ConstKind(c.Kind),
		Bool:  c.Bool,
		Int:   c.Int,
		Big:   c.Big,
		Float: c.Float,
		Str:   c.Str,
	}
	if vm.ConstKind(c.Kind) > vm.ConstTuple {
		return out, fmt.Errorf("unknown constant kind %d", c.Kind)
	}
	if c.Code != nil {
		sub, err := toCode(c.Code)
		if err != nil {
			return out, err
		}
		out.Code = sub
	}
	if len(c.Elems) > 0 {
		out.Elems = make([]vm.Constant, len(c.Elems))
		for i := range c.Elems {
			ev, err := toConst(&c.Elems[i])
			if err != nil {
				return out, err
			}
			out.Elems[i] = ev
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Marshal encodes a program to canonical CBOR.
func Marshal(name string, entry *vm.CodeObject) ([]byte, error) {
	return encMode.Marshal(FromProgram(name, entry))
}

// Unmarshal decodes and validates a program image.
func Unmarshal(data []byte) (string, *vm.CodeObject, error) {
	var p Program
	if err := decMode.Unmarshal(data, &p); err != nil {
		return "", nil, fmt.Errorf("malformed image: %w", err)
	}
	return ToProgram(&p)
}

// Write encodes a program image to w.
func Write(w io.Writer, name string, entry *vm.CodeObject) error {
	data, err := Marshal(name, entry)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Read decodes a program image from r.
func Read(r io.Reader) (string, *vm.CodeObject, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", nil, err
	}
	return Unmarshal(data)
}
