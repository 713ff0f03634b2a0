package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Exception objects
// ---------------------------------------------------------------------------

// TraceEntry records one frame the exception passed through: the code
// object's name and the instruction offset of the faulting or calling
// instruction.
type TraceEntry struct {
	Code string
	IP   int
}

// ExceptionPayload backs every instance of a type inheriting from
// BaseException. The traceback grows as the exception unwinds. Context and
// Cause are owning references, but link creation refuses to close a chain
// cycle, so chains stay acyclic by construction.
type ExceptionPayload struct {
	Traceback []TraceEntry
	Context   Value // exception being handled when this one was raised
	Cause     Value // explicit `raise ... from cause`
}

// Kind implements Payload.
func (p *ExceptionPayload) Kind() PayloadKind { return PayloadException }

func (p *ExceptionPayload) eachRef(fn func(Value)) {
	if p.Context.IsValid() {
		fn(p.Context)
	}
	if p.Cause.IsValid() {
		fn(p.Cause)
	}
}

// NewException creates an exception instance of type t with the given
// message bound as its args tuple. The returned value is owned by the
// caller.
func (m *Machine) NewException(t *Type, message string) Value {
	exc := m.newObject(t, &ExceptionPayload{Context: Invalid, Cause: Invalid})
	obj := m.obj(exc)
	obj.attrs = NewAttrTable()
	var args Value
	if message == "" {
		args = m.NewTuple(nil)
	} else {
		args = m.NewTuple([]Value{m.NewStr(message)})
	}
	obj.attrs.Set("args", args)
	return exc
}

// excPayload returns the exception payload behind v, or nil.
func (m *Machine) excPayload(v Value) *ExceptionPayload {
	if obj := m.objOrNil(v); obj != nil {
		if p, ok := obj.payload.(*ExceptionPayload); ok {
			return p
		}
	}
	return nil
}

// ExcMessage returns the rendered message of an exception object.
func (m *Machine) ExcMessage(exc Value) string {
	obj := m.objOrNil(exc)
	if obj == nil {
		return ""
	}
	args, ok := obj.attrs.Get("args")
	if !ok {
		return ""
	}
	tp := m.TupleOf(args)
	if tp == nil || len(tp.Elems) == 0 {
		return ""
	}
	if s, ok := m.StrValue(tp.Elems[0]); ok {
		return s
	}
	s, err := m.Repr(tp.Elems[0])
	if err != nil {
		return ""
	}
	return s
}

// Traceback returns a copy of the exception's accumulated traceback.
func (m *Machine) Traceback(exc Value) []TraceEntry {
	if p := m.excPayload(exc); p != nil {
		out := make([]TraceEntry, len(p.Traceback))
		copy(out, p.Traceback)
		return out
	}
	return nil
}

// addTrace appends a traceback entry during unwinding.
func (m *Machine) addTrace(exc Value, code string, ip int) {
	if p := m.excPayload(exc); p != nil {
		p.Traceback = append(p.Traceback, TraceEntry{Code: code, IP: ip})
	}
}

// setContext chains prev as the context of exc, retaining prev. The link
// is skipped whenever it would close a cycle through the existing chain.
func (m *Machine) setContext(exc, prev Value) {
	p := m.excPayload(exc)
	if p == nil || exc == prev || p.Context.IsValid() {
		return
	}
	for o := prev; o.IsValid(); {
		if o == exc {
			return
		}
		op := m.excPayload(o)
		if op == nil {
			break
		}
		o = op.Context
	}
	p.Context = m.Retain(prev)
}

// setCause records an explicit cause (raise ... from ...), retaining it.
func (m *Machine) setCause(exc, cause Value) {
	p := m.excPayload(exc)
	if p == nil {
		return
	}
	if p.Cause.IsValid() {
		m.Release(p.Cause)
	}
	p.Cause = m.Retain(cause)
}

// Context returns the chained context of an exception, or Invalid.
func (m *Machine) Context(exc Value) Value {
	if p := m.excPayload(exc); p != nil {
		return p.Context
	}
	return Invalid
}

// ---------------------------------------------------------------------------
// Raised: in-flight exception
// ---------------------------------------------------------------------------

// Raised is the Go error carrying a propagating exception object. Every
// recoverable runtime failure in the engine is a *Raised; anything else
// escaping a core operation is a host-level fault.
type Raised struct {
	Exc     Value
	summary string
}

// Error implements the error interface.
func (r *Raised) Error() string {
	return r.summary
}

// RaiseError creates an exception of type t with a formatted message and
// returns it as an in-flight *Raised. The Raised owns the exception.
func (m *Machine) RaiseError(t *Type, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	exc := m.NewException(t, msg)
	return &Raised{Exc: exc, summary: t.Name + ": " + msg}
}

// RaiseObject wraps an existing exception object (ownership transfers to
// the Raised) for propagation.
func (m *Machine) RaiseObject(exc Value) error {
	t := m.TypeOf(exc)
	summary := t.Name
	if msg := m.ExcMessage(exc); msg != "" {
		summary += ": " + msg
	}
	return &Raised{Exc: exc, summary: summary}
}

// AsRaised extracts the *Raised from an error, or nil if the error is a
// host-level fault rather than a language exception.
func AsRaised(err error) *Raised {
	if r, ok := err.(*Raised); ok {
		return r
	}
	return nil
}

// releaseRaised drops the exception owned by an in-flight error.
func (m *Machine) releaseRaised(err error) {
	if r := AsRaised(err); r != nil {
		m.Release(r.Exc)
	}
}

// ---------------------------------------------------------------------------
// Handler matching
// ---------------------------------------------------------------------------

// excMatches reports whether exc matches a handler filter: a class object
// of an exception type, or a tuple of such. A malformed filter is itself a
// TypeError.
func (m *Machine) excMatches(exc, filter Value) (bool, error) {
	if tp := m.TupleOf(filter); tp != nil {
		for _, f := range tp.Elems {
			ok, err := m.excMatches(exc, f)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	t := m.TypeFromValue(filter)
	if t == nil || !t.IsException() {
		return false, m.RaiseError(m.TypeErrorType, "catching classes that do not inherit from BaseException is not allowed")
	}
	return m.IsInstance(exc, t), nil
}

// ---------------------------------------------------------------------------
// Uncaught: host-facing failure
// ---------------------------------------------------------------------------

// Uncaught surfaces an exception that unwound past the bottom frame. The
// embedder owns Exc and must release it (or tear the machine down).
type Uncaught struct {
	Exc       Value
	Summary   string
	Traceback []TraceEntry
}

// Error implements the error interface.
func (u *Uncaught) Error() string {
	return "uncaught exception: " + u.Summary
}

// Render returns a multi-line, traceback-first rendering in the style of
// dynamic-language runtimes.
func (u *Uncaught) Render() string {
	var sb strings.Builder
	sb.WriteString("Traceback (most recent call last):\n")
	for i := len(u.Traceback) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "  at %s (+%d)\n", u.Traceback[i].Code, u.Traceback[i].IP)
	}
	sb.WriteString(u.Summary)
	return sb.String()
}

// uncaughtFromRaised converts an in-flight exception into the host form.
// Ownership of the exception object moves to the Uncaught.
func (m *Machine) uncaughtFromRaised(r *Raised) *Uncaught {
	return &Uncaught{
		Exc:       r.Exc,
		Summary:   r.summary,
		Traceback: m.Traceback(r.Exc),
	}
}
