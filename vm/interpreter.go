package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame execution
// ---------------------------------------------------------------------------

// transferResult classifies the outcome of a non-local control transfer.
type transferResult uint8

const (
	transferIntercepted transferResult = iota // a finally body runs first
	transferDone                              // transfer completed inside the frame
	transferReturn                            // the frame itself returns
)

// runFrame executes a frame from its current position.
func (m *Machine) runFrame(f *Frame) (Value, bool, error) {
	return m.resumeFrame(f, nil)
}

// resumeFrame drives the dispatch loop. It returns (value, false, nil)
// when the frame returns, (value, true, nil) when it yields, and a non-nil
// error when an exception escapes the frame. inject, when non-nil, is an
// in-flight exception delivered at the resume point (generator throw).
func (m *Machine) resumeFrame(f *Frame, inject error) (Value, bool, error) {
	code := f.code.Code
	fn := m.functionOf(f.fn)
	pendingErr := inject

	for {
		if pendingErr != nil {
			handled, err := m.unwindException(f, pendingErr)
			if !handled {
				return Invalid, false, err
			}
			pendingErr = nil
			continue
		}
		if f.ip >= len(code) {
			return None, false, nil
		}

		op := Opcode(code[f.ip])
		f.ip++

		switch op {
		case OpNop:

		case OpPop:
			m.Release(f.pop())

		case OpDup:
			f.push(m.Retain(f.peek(0)))

		case OpRot:
			n := len(f.stack)
			f.stack[n-1], f.stack[n-2] = f.stack[n-2], f.stack[n-1]

		case OpLoadConst:
			idx := f.readUint16(code)
			f.push(m.Retain(fn.Consts[idx]))

		case OpLoadNone:
			f.push(None)

		case OpLoadTrue:
			f.push(True)

		case OpLoadFalse:
			f.push(False)

		case OpLoadSmallInt:
			n := int32(binary.LittleEndian.Uint32(code[f.ip:]))
			f.ip += 4
			f.push(FromSmallInt(int64(n)))

		case OpLoadLocal:
			idx := f.readUint16(code)
			v := f.locals[idx]
			if !v.IsValid() {
				pendingErr = m.RaiseError(m.NameErrorType,
					"local variable '%s' referenced before assignment", f.code.LocalNames[idx])
				continue
			}
			f.push(m.Retain(v))

		case OpStoreLocal:
			idx := f.readUint16(code)
			if old := f.locals[idx]; old.IsValid() {
				m.Release(old)
			}
			f.locals[idx] = f.pop()

		case OpDeleteLocal:
			idx := f.readUint16(code)
			if !f.locals[idx].IsValid() {
				pendingErr = m.RaiseError(m.NameErrorType,
					"local variable '%s' referenced before assignment", f.code.LocalNames[idx])
				continue
			}
			m.Release(f.locals[idx])
			f.locals[idx] = Invalid

		case OpLoadCell:
			idx := f.readUint16(code)
			cell := m.cellOf(f.cells[idx])
			if !cell.V.IsValid() {
				pendingErr = m.RaiseError(m.NameErrorType,
					"free variable referenced before assignment")
				continue
			}
			f.push(m.Retain(cell.V))

		case OpStoreCell:
			idx := f.readUint16(code)
			cell := m.cellOf(f.cells[idx])
			if cell.V.IsValid() {
				m.Release(cell.V)
			}
			cell.V = f.pop()

		case OpLoadClosure:
			idx := f.readUint16(code)
			f.push(m.Retain(f.cells[idx]))

		case OpLoadGlobal:
			name := f.code.Names[f.readUint16(code)]
			v, ok := m.obj(fn.Module).attrs.Get(name)
			if !ok {
				v, ok = m.obj(m.builtinsModule).attrs.Get(name)
			}
			if !ok {
				pendingErr = m.RaiseError(m.NameErrorType, "name '%s' is not defined", name)
				continue
			}
			f.push(m.Retain(v))

		case OpStoreGlobal:
			name := f.code.Names[f.readUint16(code)]
			if old := m.obj(fn.Module).attrs.Set(name, f.pop()); old.IsValid() {
				m.Release(old)
			}

		case OpDeleteGlobal:
			name := f.code.Names[f.readUint16(code)]
			if old := m.obj(fn.Module).attrs.Delete(name); old.IsValid() {
				m.Release(old)
			} else {
				pendingErr = m.RaiseError(m.NameErrorType, "name '%s' is not defined", name)
			}

		case OpLoadAttr:
			name := f.code.Names[f.readUint16(code)]
			obj := f.pop()
			res, err := m.GetAttr(obj, name)
			m.Release(obj)
			if err != nil {
				pendingErr = err
				continue
			}
			f.push(res)

		case OpStoreAttr:
			name := f.code.Names[f.readUint16(code)]
			obj := f.pop()
			val := f.pop()
			err := m.SetAttr(obj, name, val)
			m.Release(obj)
			if err != nil {
				pendingErr = err
			}

		case OpDeleteAttr:
			name := f.code.Names[f.readUint16(code)]
			obj := f.pop()
			err := m.DelAttr(obj, name)
			m.Release(obj)
			if err != nil {
				pendingErr = err
			}

		case OpLoadSubscript:
			key := f.pop()
			obj := f.pop()
			res, err := m.GetItem(obj, key)
			m.Release(key)
			m.Release(obj)
			if err != nil {
				pendingErr = err
				continue
			}
			f.push(res)

		case OpStoreSubscript:
			key := f.pop()
			obj := f.pop()
			val := f.pop()
			err := m.SetItem(obj, key, val)
			m.Release(key)
			m.Release(obj)
			if err != nil {
				pendingErr = err
			}

		case OpDeleteSubscript:
			key := f.pop()
			obj := f.pop()
			err := m.DelItem(obj, key)
			m.Release(key)
			m.Release(obj)
			if err != nil {
				pendingErr = err
			}

		case OpBinary, OpInplace:
			sub := BinOp(code[f.ip])
			f.ip++
			rhs := f.pop()
			lhs := f.pop()
			var res Value
			var err error
			if op == OpInplace {
				res, err = m.InplaceOp(sub, lhs, rhs)
			} else {
				res, err = m.BinaryOp(sub, lhs, rhs)
			}
			m.Release(lhs)
			m.Release(rhs)
			if err != nil {
				pendingErr = err
				continue
			}
			f.push(res)

		case OpCompare:
			sub := CmpOp(code[f.ip])
			f.ip++
			rhs := f.pop()
			lhs := f.pop()
			res, err := m.CompareOp(sub, lhs, rhs)
			m.Release(lhs)
			m.Release(rhs)
			if err != nil {
				pendingErr = err
				continue
			}
			f.push(res)

		case OpUnary:
			sub := UnaryOp(code[f.ip])
			f.ip++
			v := f.pop()
			res, err := m.UnaryOpEval(sub, v)
			m.Release(v)
			if err != nil {
				pendingErr = err
				continue
			}
			f.push(res)

		case OpJump:
			f.ip = int(binary.LittleEndian.Uint16(code[f.ip:]))

		case OpJumpIfTrue, OpJumpIfFalse:
			target := f.readUint16(code)
			v := f.pop()
			truthy, err := m.Truthy(v)
			m.Release(v)
			if err != nil {
				pendingErr = err
				continue
			}
			if truthy == (op == OpJumpIfTrue) {
				f.ip = int(target)
			}

		case OpCall:
			argc := int(code[f.ip])
			f.ip++
			base := len(f.stack) - argc
			args := f.stack[base:]
			callee := f.stack[base-1]
			res, err := m.Call(callee, args)
			f.truncateStack(m, base-1)
			if err != nil {
				pendingErr = err
				continue
			}
			f.push(res)

		case OpReturn:
			act := &pendingAction{kind: pendingReturn, value: f.pop()}
			switch f.startTransfer(m, act) {
			case transferReturn:
				return act.value, false, nil
			}

		case OpYield:
			return f.pop(), true, nil

		case OpMakeFunction:
			codeConst := f.readUint16(code)
			ndefaults := int(code[f.ip])
			nfree := int(code[f.ip+1])
			f.ip += 2
			sub := fn.Code.Consts[codeConst].Code
			if sub == nil {
				panic("vm: MAKE_FUNCTION on non-code constant")
			}
			free := make([]Value, nfree)
			for i := nfree - 1; i >= 0; i-- {
				free[i] = f.pop()
			}
			defaults := make([]Value, ndefaults)
			for i := ndefaults - 1; i >= 0; i-- {
				defaults[i] = f.pop()
			}
			f.push(m.NewFunction(sub, fn.Module, defaults, free))

		case OpSetupLoop:
			f.blocks = append(f.blocks, block{kind: blockLoop, target: int(f.readUint16(code)), depth: len(f.stack)})

		case OpSetupExcept:
			f.blocks = append(f.blocks, block{kind: blockExcept, target: int(f.readUint16(code)), depth: len(f.stack)})

		case OpSetupFinally:
			f.blocks = append(f.blocks, block{kind: blockFinally, target: int(f.readUint16(code)), depth: len(f.stack)})

		case OpPopBlock:
			f.blocks = f.blocks[:len(f.blocks)-1]

		case OpEndFinally:
			act := f.pending
			f.pending = nil
			if act == nil {
				continue
			}
			switch act.kind {
			case pendingRaise:
				pendingErr = act.err
				f.resumed = act.err
			case pendingReturn, pendingBreak, pendingContinue:
				if f.startTransfer(m, act) == transferReturn {
					return act.value, false, nil
				}
			}

		case OpBreak:
			f.startTransfer(m, &pendingAction{kind: pendingBreak})

		case OpContinue:
			target := int(f.readUint16(code))
			f.startTransfer(m, &pendingAction{kind: pendingContinue, target: target})

		case OpRaise:
			form := code[f.ip]
			f.ip++
			switch form {
			case 0:
				h := f.currentHandled()
				if !h.IsValid() {
					pendingErr = m.RaiseError(m.RuntimeErrorType, "no active exception to re-raise")
					continue
				}
				pendingErr = m.RaiseObject(m.Retain(h))
			case 1:
				exc, err := m.normalizeExc(f.pop())
				if err != nil {
					pendingErr = err
					continue
				}
				pendingErr = m.RaiseObject(exc)
			case 2:
				cause := f.pop()
				exc, err := m.normalizeExc(f.pop())
				if err != nil {
					m.Release(cause)
					pendingErr = err
					continue
				}
				ncause, err := m.normalizeExc(cause)
				if err != nil {
					m.Release(exc)
					pendingErr = err
					continue
				}
				m.setCause(exc, ncause)
				m.Release(ncause)
				pendingErr = m.RaiseObject(exc)
			default:
				panic(fmt.Sprintf("vm: bad RAISE form %d", form))
			}

		case OpEndExcept:
			f.popHandling(m)

		case OpGetIter:
			v := f.pop()
			it, err := m.GetIter(v)
			m.Release(v)
			if err != nil {
				pendingErr = err
				continue
			}
			f.push(it)

		case OpForIter:
			target := f.readUint16(code)
			v, ok, err := m.IterNext(f.peek(0))
			if err != nil {
				pendingErr = err
				continue
			}
			if !ok {
				m.Release(f.pop())
				f.ip = int(target)
				continue
			}
			f.push(v)

		case OpBuildList:
			n := int(f.readUint16(code))
			f.push(m.NewList(f.popN(n)))

		case OpBuildTuple:
			n := int(f.readUint16(code))
			f.push(m.NewTuple(f.popN(n)))

		case OpBuildDict:
			n := int(f.readUint16(code))
			base := len(f.stack) - 2*n
			pairs := make([]Value, 2*n)
			copy(pairs, f.stack[base:])
			f.stack = f.stack[:base]
			d := m.NewDict()
			var err error
			for i := 0; i < n; i++ {
				if err != nil {
					m.Release(pairs[2*i])
					m.Release(pairs[2*i+1])
					continue
				}
				err = m.DictSet(d, pairs[2*i], pairs[2*i+1])
			}
			if err != nil {
				m.Release(d)
				pendingErr = err
				continue
			}
			f.push(d)

		default:
			panic(fmt.Sprintf("vm: unknown opcode 0x%02x at %d in %s", byte(op), f.ip-1, f.code.Name))
		}
	}
}

// readUint16 consumes a 16-bit little-endian operand.
func (f *Frame) readUint16(code []byte) uint16 {
	v := binary.LittleEndian.Uint16(code[f.ip:])
	f.ip += 2
	return v
}

// popN transfers the top n stack entries out in push order.
func (f *Frame) popN(n int) []Value {
	if n == 0 {
		return nil
	}
	base := len(f.stack) - n
	out := make([]Value, n)
	copy(out, f.stack[base:])
	f.stack = f.stack[:base]
	return out
}

// ---------------------------------------------------------------------------
// Unwinding
// ---------------------------------------------------------------------------

// unwindException walks the block stack looking for a handler or a finally
// body for an in-flight exception. Returns true when control transferred
// within the frame; false when the exception escapes it.
func (m *Machine) unwindException(f *Frame, err error) (bool, error) {
	r := AsRaised(err)
	if r == nil {
		// Host fault, not a language exception. Tear through.
		return false, err
	}

	// A raise inside a finally body supersedes the action the body was
	// going to resume; an interrupted re-raise becomes context.
	if f.pending != nil {
		if f.pending.kind == pendingRaise {
			if pr := AsRaised(f.pending.err); pr != nil {
				m.setContext(r.Exc, pr.Exc)
			}
		}
		f.dropPending(m)
	}
	if h := f.currentHandled(); h.IsValid() {
		m.setContext(r.Exc, h)
	}
	if err != f.resumed {
		m.addTrace(r.Exc, f.code.Name, f.ip)
	}
	f.resumed = nil

	for len(f.blocks) > 0 {
		b := f.blocks[len(f.blocks)-1]
		f.blocks = f.blocks[:len(f.blocks)-1]
		switch b.kind {
		case blockLoop:
			// Loops do not catch.
		case blockExcept:
			f.truncateStack(m, b.depth)
			f.pushHandling(m.Retain(r.Exc))
			f.push(r.Exc) // ownership moves from the Raised to the stack
			f.ip = b.target
			return true, nil
		case blockFinally:
			f.truncateStack(m, b.depth)
			f.pending = &pendingAction{kind: pendingRaise, err: err}
			f.ip = b.target
			return true, nil
		}
	}
	return false, err
}

// startTransfer begins a return, break, or continue, running intervening
// finally bodies before the transfer completes.
func (f *Frame) startTransfer(m *Machine, act *pendingAction) transferResult {
	if f.pending != nil && f.pending != act {
		f.dropPending(m)
	}
	for len(f.blocks) > 0 {
		b := f.blocks[len(f.blocks)-1]
		switch b.kind {
		case blockFinally:
			f.blocks = f.blocks[:len(f.blocks)-1]
			f.truncateStack(m, b.depth)
			f.pending = act
			f.ip = b.target
			return transferIntercepted
		case blockLoop:
			switch act.kind {
			case pendingBreak:
				f.blocks = f.blocks[:len(f.blocks)-1]
				f.truncateStack(m, b.depth)
				f.ip = b.target
				return transferDone
			case pendingContinue:
				// The iterator sits above the loop block's depth; the body
				// keeps the stack balanced, so nothing is truncated here.
				f.ip = act.target
				return transferDone
			default:
				f.blocks = f.blocks[:len(f.blocks)-1]
			}
		case blockExcept:
			f.blocks = f.blocks[:len(f.blocks)-1]
		}
	}
	if act.kind != pendingReturn {
		panic("vm: break or continue outside loop")
	}
	return transferReturn
}

// normalizeExc turns a raise operand into an exception instance: a class
// object of an exception type is instantiated with no arguments, an
// exception instance passes through. Ownership of v transfers in; the
// result is owned.
func (m *Machine) normalizeExc(v Value) (Value, error) {
	if t := m.TypeFromValue(v); t != nil {
		defer m.Release(v)
		if !t.IsException() {
			return Invalid, m.RaiseError(m.TypeErrorType,
				"exceptions must derive from BaseException")
		}
		return m.instantiate(t, nil)
	}
	if m.TypeOf(v).IsException() {
		return v, nil
	}
	m.Release(v)
	return Invalid, m.RaiseError(m.TypeErrorType,
		"exceptions must derive from BaseException")
}
