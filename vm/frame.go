package vm

// ---------------------------------------------------------------------------
// Blocks and pending actions
// ---------------------------------------------------------------------------

type blockKind uint8

const (
	blockLoop blockKind = iota
	blockExcept
	blockFinally
)

// block is one entry of a frame's block stack. target is where control
// goes when the block triggers (loop exit, handler, finally body); depth is
// the operand-stack depth to restore on unwind.
type block struct {
	kind   blockKind
	target int
	depth  int
}

type pendingKind uint8

const (
	pendingRaise pendingKind = iota
	pendingReturn
	pendingBreak
	pendingContinue
)

// pendingAction is a control transfer parked while a finally body runs.
// END_FINALLY resumes it; a new transfer raised inside the finally body
// replaces it.
type pendingAction struct {
	kind   pendingKind
	err    error // pendingRaise: the in-flight *Raised (owns its exception)
	value  Value // pendingReturn: the return value, owned
	target int   // pendingContinue: the loop head
}

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Frame is one activation of a code object. Each frame owns its operand
// stack, so generator frames park and resume without copying state. Every
// Value slot in a frame (stack, locals, cells, handling, pending) is an
// owned reference released on teardown.
type Frame struct {
	fn   Value // the function object, retained for the frame's lifetime
	code *CodeObject
	ip   int

	stack  []Value
	locals []Value // Invalid marks an unbound slot
	cells  []Value // own cells first, then captured, aligned with code

	blocks []block

	// handling is the stack of exceptions currently being handled by this
	// frame, innermost last. Bare raise re-raises its top; a new exception
	// raised while it is non-empty chains the top as context.
	handling []Value

	pending *pendingAction

	// resumed marks a raise re-thrown by END_FINALLY: the exception already
	// carries a traceback entry for this frame, so unwinding skips adding
	// another.
	resumed error
}

// newFrame binds args into a fresh frame for fn. Arguments are borrowed
// from the caller and retained into local slots. Arity mismatches raise
// TypeError; defaults fill missing trailing parameters; a variadic
// function packs surplus positionals into a tuple in the last slot.
func (m *Machine) newFrame(fn Value, args []Value) (*Frame, error) {
	p := m.functionOf(fn)
	if p == nil {
		panic("vm: newFrame on non-function")
	}
	code := p.Code

	nparams := code.NumParams
	variadic := code.Flags&FlagVariadic != 0
	fixed := nparams
	if variadic {
		fixed--
	}

	if len(args) < fixed-len(p.Defaults) {
		return nil, m.RaiseError(m.TypeErrorType,
			"%s() missing %d required positional argument(s)", p.Name, fixed-len(p.Defaults)-len(args))
	}
	if !variadic && len(args) > nparams {
		return nil, m.RaiseError(m.TypeErrorType,
			"%s() takes %d positional argument(s) but %d were given", p.Name, nparams, len(args))
	}

	f := &Frame{
		fn:     m.Retain(fn),
		code:   code,
		stack:  make([]Value, 0, 8),
		locals: make([]Value, code.NumLocals()),
		cells:  make([]Value, code.NumCells()),
	}
	for i := range f.locals {
		f.locals[i] = Invalid
	}

	for i := 0; i < fixed; i++ {
		if i < len(args) {
			f.locals[i] = m.Retain(args[i])
		} else {
			d := p.Defaults[i-(fixed-len(p.Defaults))]
			f.locals[i] = m.Retain(d)
		}
	}
	if variadic {
		var rest []Value
		for i := fixed; i < len(args); i++ {
			rest = append(rest, m.Retain(args[i]))
		}
		f.locals[nparams-1] = m.NewTuple(rest)
	}

	for i := 0; i < len(code.CellNames); i++ {
		f.cells[i] = m.NewCell(Invalid)
	}
	for i, cell := range p.Free {
		f.cells[len(code.CellNames)+i] = m.Retain(cell)
	}
	return f, nil
}

// push takes ownership of v onto the operand stack.
func (f *Frame) push(v Value) {
	f.stack = append(f.stack, v)
}

// pop transfers ownership of the top of stack to the caller.
func (f *Frame) pop() Value {
	n := len(f.stack) - 1
	v := f.stack[n]
	f.stack = f.stack[:n]
	return v
}

// peek borrows the value n slots below the top (0 = top).
func (f *Frame) peek(n int) Value {
	return f.stack[len(f.stack)-1-n]
}

// truncateStack releases operand references above depth.
func (f *Frame) truncateStack(m *Machine, depth int) {
	for len(f.stack) > depth {
		m.Release(f.pop())
	}
}

// pushHandling enters handled-exception scope for exc (ownership moves to
// the frame).
func (f *Frame) pushHandling(exc Value) {
	f.handling = append(f.handling, exc)
}

// popHandling leaves the innermost handled-exception scope.
func (f *Frame) popHandling(m *Machine) {
	n := len(f.handling) - 1
	if n < 0 {
		panic("vm: END_EXCEPT with no handled exception")
	}
	m.Release(f.handling[n])
	f.handling = f.handling[:n]
}

// currentHandled borrows the innermost handled exception, or Invalid.
func (f *Frame) currentHandled() Value {
	if n := len(f.handling); n > 0 {
		return f.handling[n-1]
	}
	return Invalid
}

// dropPending releases whatever the parked action owns.
func (f *Frame) dropPending(m *Machine) {
	if f.pending == nil {
		return
	}
	switch f.pending.kind {
	case pendingRaise:
		m.releaseRaised(f.pending.err)
	case pendingReturn:
		m.Release(f.pending.value)
	}
	f.pending = nil
}

// release tears the frame down, dropping every owned reference. Safe to
// call more than once.
func (f *Frame) release(m *Machine) {
	f.truncateStack(m, 0)
	for i, v := range f.locals {
		if v.IsValid() {
			m.Release(v)
			f.locals[i] = Invalid
		}
	}
	for i, c := range f.cells {
		if c.IsValid() {
			m.Release(c)
			f.cells[i] = Invalid
		}
	}
	for _, exc := range f.handling {
		m.Release(exc)
	}
	f.handling = nil
	f.dropPending(m)
	if f.fn.IsValid() {
		m.Release(f.fn)
		f.fn = Invalid
	}
}

// eachRef enumerates the frame's owned references for the cycle collector.
func (f *Frame) eachRef(fn func(Value)) {
	fn(f.fn)
	for _, v := range f.stack {
		fn(v)
	}
	for _, v := range f.locals {
		if v.IsValid() {
			fn(v)
		}
	}
	for _, v := range f.cells {
		if v.IsValid() {
			fn(v)
		}
	}
	for _, v := range f.handling {
		fn(v)
	}
	if f.pending != nil {
		if f.pending.kind == pendingReturn {
			fn(f.pending.value)
		}
		if f.pending.kind == pendingRaise {
			if r := AsRaised(f.pending.err); r != nil {
				fn(r.Exc)
			}
		}
	}
}
