package vm

import "fmt"

// ---------------------------------------------------------------------------
// C3 method resolution order
// ---------------------------------------------------------------------------

// linearizeMRO computes the C3 linearization for a type with the given
// direct bases. Each base must already carry its own linearized MRO. The
// result starts with the type itself and is consistent with every base's
// MRO while preserving local precedence order.
//
// It is a pure function of its inputs; an inconsistent hierarchy yields an
// error, which type creation reports as a TypeError.
func linearizeMRO(t *Type, bases []*Type) ([]*Type, error) {
	if len(bases) == 0 {
		return []*Type{t}, nil
	}

	// Sequences to merge: each base's MRO, then the bases themselves.
	seqs := make([][]*Type, 0, len(bases)+1)
	for _, b := range bases {
		mro := make([]*Type, len(b.MRO))
		copy(mro, b.MRO)
		seqs = append(seqs, mro)
	}
	local := make([]*Type, len(bases))
	copy(local, bases)
	seqs = append(seqs, local)

	merged, err := mergeMRO(seqs)
	if err != nil {
		return nil, fmt.Errorf("cannot create a consistent method resolution order for bases of %s: %w", t.Name, err)
	}
	return append([]*Type{t}, merged...), nil
}

// mergeMRO performs the C3 merge: repeatedly take the head of some sequence
// that appears in no other sequence's tail, until all sequences are empty.
func mergeMRO(seqs [][]*Type) ([]*Type, error) {
	var out []*Type
	for {
		seqs = pruneEmpty(seqs)
		if len(seqs) == 0 {
			return out, nil
		}

		candidate := pickHead(seqs)
		if candidate == nil {
			return nil, fmt.Errorf("inconsistent hierarchy")
		}

		out = append(out, candidate)
		for i, seq := range seqs {
			if len(seq) > 0 && seq[0] == candidate {
				seqs[i] = seq[1:]
			}
		}
	}
}

// pickHead returns the first sequence head that is in no sequence's tail,
// or nil if no such head exists (inconsistent hierarchy).
func pickHead(seqs [][]*Type) *Type {
	for _, seq := range seqs {
		if len(seq) == 0 {
			continue
		}
		head := seq[0]
		if !inAnyTail(head, seqs) {
			return head
		}
	}
	return nil
}

func inAnyTail(t *Type, seqs [][]*Type) bool {
	for _, seq := range seqs {
		for i := 1; i < len(seq); i++ {
			if seq[i] == t {
				return true
			}
		}
	}
	return false
}

func pruneEmpty(seqs [][]*Type) [][]*Type {
	out := seqs[:0]
	for _, seq := range seqs {
		if len(seq) > 0 {
			out = append(out, seq)
		}
	}
	return out
}
