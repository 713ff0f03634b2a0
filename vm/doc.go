// Package vm implements the Adder execution engine: a bytecode
// interpreter for a dynamic, object-oriented, exception-driven language.
//
// Values are NaN-boxed 64-bit words; heap objects live behind a handle
// table with explicit reference counting, backed by a mark-and-sweep
// collector for reference cycles. Classes support multiple inheritance
// with C3 linearization, operator and attribute behavior dispatches
// through special methods resolved on types, exceptions unwind through
// per-frame block stacks with full finally and chaining semantics, and
// generator frames park between yields.
//
// A Machine is single-threaded; create one per goroutine.
package vm
