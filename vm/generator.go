package vm

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

type genState uint8

const (
	genCreated genState = iota
	genSuspended
	genRunning
	genExhausted
)

// GeneratorPayload parks a frame between yields. Calling a generator
// function builds one of these without running any code; each resume runs
// the frame until the next yield, a return, or an escaping exception.
type GeneratorPayload struct {
	name  string
	frame *Frame
	state genState
}

// Kind implements Payload.
func (p *GeneratorPayload) Kind() PayloadKind { return PayloadGenerator }

func (p *GeneratorPayload) eachRef(fn func(Value)) {
	if p.frame != nil {
		p.frame.eachRef(fn)
	}
}

// newGenerator builds a suspended generator for fn without executing it.
// Arguments are bound into the parked frame immediately, so arity errors
// surface at call time.
func (m *Machine) newGenerator(fn Value, args []Value) (Value, error) {
	f, err := m.newFrame(fn, args)
	if err != nil {
		return Invalid, err
	}
	p := &GeneratorPayload{name: m.functionOf(fn).Name, frame: f}
	return m.newObject(m.GeneratorType, p), nil
}

// generatorOf returns the generator payload behind v, or nil.
func (m *Machine) generatorOf(v Value) *GeneratorPayload {
	if obj := m.objOrNil(v); obj != nil {
		if p, ok := obj.payload.(*GeneratorPayload); ok {
			return p
		}
	}
	return nil
}

// finish tears down the parked frame and marks the generator exhausted.
func (p *GeneratorPayload) finish(m *Machine) {
	p.state = genExhausted
	if p.frame != nil {
		p.frame.release(m)
		p.frame = nil
	}
}

// GeneratorResume resumes a generator, delivering sent as the value of the
// suspended yield expression. Returns (value, true) when the body yields
// and (returnValue, false) when it returns; both results are owned by the
// caller. Resuming an exhausted generator raises StopIteration; resuming a
// running one raises ValueError.
func (m *Machine) GeneratorResume(gen, sent Value) (Value, bool, error) {
	p := m.generatorOf(gen)
	if p == nil {
		return Invalid, false, m.RaiseError(m.TypeErrorType,
			"'%s' object is not a generator", m.TypeOf(gen).Name)
	}
	switch p.state {
	case genExhausted:
		return Invalid, false, m.RaiseError(m.StopIterationType, "")
	case genRunning:
		return Invalid, false, m.RaiseError(m.ValueErrorType, "generator already executing")
	case genCreated:
		if sent != None {
			return Invalid, false, m.RaiseError(m.TypeErrorType,
				"can't send non-None value to a just-started generator")
		}
	case genSuspended:
		p.frame.push(m.Retain(sent))
	}
	return m.runGenerator(gen, p, nil)
}

// GeneratorThrow raises exc (ownership transfers) inside the generator at
// its suspension point. A not-yet-started or exhausted generator re-raises
// at the call site.
func (m *Machine) GeneratorThrow(gen, exc Value) (Value, bool, error) {
	p := m.generatorOf(gen)
	if p == nil {
		m.Release(exc)
		return Invalid, false, m.RaiseError(m.TypeErrorType,
			"'%s' object is not a generator", m.TypeOf(gen).Name)
	}
	raised := m.RaiseObject(exc)
	switch p.state {
	case genRunning:
		m.releaseRaised(raised)
		return Invalid, false, m.RaiseError(m.ValueErrorType, "generator already executing")
	case genCreated, genExhausted:
		p.finish(m)
		return Invalid, false, raised
	}
	return m.runGenerator(gen, p, raised)
}

// GeneratorClose shuts a generator down by throwing GeneratorExit into it.
// A generator that absorbs the exit and yields again is an error; catching
// it and returning, or letting it propagate, is a clean close.
func (m *Machine) GeneratorClose(gen Value) error {
	p := m.generatorOf(gen)
	if p == nil || p.state == genExhausted {
		return nil
	}
	if p.state == genCreated {
		p.finish(m)
		return nil
	}
	exit := m.NewException(m.GeneratorExitType, "")
	val, yielded, err := m.GeneratorThrow(gen, exit)
	if err != nil {
		if r := AsRaised(err); r != nil {
			if m.IsInstance(r.Exc, m.GeneratorExitType) || m.IsInstance(r.Exc, m.StopIterationType) {
				m.releaseRaised(err)
				return nil
			}
		}
		return err
	}
	if yielded {
		m.Release(val)
		p.finish(m)
		return m.RaiseError(m.RuntimeErrorType, "generator ignored GeneratorExit")
	}
	m.Release(val)
	return nil
}

// runGenerator drives the parked frame until it parks again or finishes.
func (m *Machine) runGenerator(gen Value, p *GeneratorPayload, inject error) (Value, bool, error) {
	if m.depth >= m.recursionLimit {
		if inject != nil {
			m.releaseRaised(inject)
		}
		return Invalid, false, m.RaiseError(m.RuntimeErrorType, "maximum recursion depth exceeded")
	}
	m.depth++
	p.state = genRunning
	val, yielded, err := m.resumeFrame(p.frame, inject)
	m.depth--
	if err != nil {
		p.finish(m)
		return Invalid, false, err
	}
	if yielded {
		p.state = genSuspended
		return val, true, nil
	}
	p.finish(m)
	return val, false, nil
}

// generatorNext is the iterator-protocol view: a yield produces an
// element, a return (its value discarded) means exhaustion.
func (m *Machine) generatorNext(gen Value, p *GeneratorPayload) (Value, bool, error) {
	if p.state == genExhausted {
		return Invalid, false, nil
	}
	val, yielded, err := m.GeneratorResume(gen, None)
	if err != nil {
		if r := AsRaised(err); r != nil && m.IsInstance(r.Exc, m.StopIterationType) {
			m.releaseRaised(err)
			return Invalid, false, nil
		}
		return Invalid, false, err
	}
	if !yielded {
		m.Release(val)
		return Invalid, false, nil
	}
	return val, true, nil
}
