package ot

import (
	"fmt"
	"unicode/utf8"
)

// Apply runs a sequential batch against content. Inserts must land inside
// [0, len(content)] and deletes must stay inside the current text; retains
// change nothing.
func Apply(content string, ops []TextOperation) (string, error) {
	if err := ValidateAll(ops); err != nil {
		return "", err
	}
	text := []rune(content)
	for index, op := range ops {
		switch op.Kind {
		case KindInsert:
			if op.Position > len(text) {
				return "", fmt.Errorf("%w: operation %d inserts at %d, length %d", ErrInvalidPosition, index, op.Position, len(text))
			}
			inserted := []rune(op.Text)
			next := make([]rune, 0, len(text)+len(inserted))
			next = append(next, text[:op.Position]...)
			next = append(next, inserted...)
			next = append(next, text[op.Position:]...)
			text = next
		case KindDelete:
			end := op.Position + op.Length
			if op.Position > len(text) || end > len(text) {
				return "", fmt.Errorf("%w: operation %d deletes [%d,%d), length %d", ErrInvalidRange, index, op.Position, end, len(text))
			}
			next := make([]rune, 0, len(text)-op.Length)
			next = append(next, text[:op.Position]...)
			next = append(next, text[end:]...)
			text = next
		case KindRetain:
		}
	}
	return string(text), nil
}

// Compose merges two consecutive batches into one with the same effect:
// Apply(Apply(d, first), second) == Apply(d, Compose(first, second)).
func Compose(first, second []TextOperation) ([]TextOperation, error) {
	a, err := toSequence(first)
	if err != nil {
		return nil, err
	}
	b, err := toSequence(second)
	if err != nil {
		return nil, err
	}
	return toOperations(composeSequences(a, b)), nil
}

// composeSequences never fails: both sides end in an implicit retain, so a
// side that runs out keeps passing the other one through.
func composeSequences(a, b sequence) sequence {
	out := sequence{}
	left := newCursor(a)
	right := newCursor(b)
	for {
		ac := left.peek()
		bc := right.peek()
		if ac == nil && bc == nil {
			break
		}
		if bc != nil && bc.kind == KindInsert {
			out.insert(bc.text)
			right.take()
			continue
		}
		if ac != nil && ac.kind == KindDelete {
			out.delete(ac.size)
			left.take()
			continue
		}
		if ac == nil {
			out.push(*bc)
			right.take()
			continue
		}
		if bc == nil {
			out.push(*ac)
			left.take()
			continue
		}

		n := min(ac.length(), bc.length())
		switch {
		case ac.kind == KindRetain && bc.kind == KindRetain:
			out.retain(n)
		case ac.kind == KindRetain && bc.kind == KindDelete:
			out.delete(n)
		case ac.kind == KindInsert && bc.kind == KindRetain:
			prefix, _ := splitRunes(ac.text, n)
			out.insert(prefix)
		case ac.kind == KindInsert && bc.kind == KindDelete:
		}
		left.consume(n)
		right.consume(n)
	}
	return out.finish()
}

// Transform rewrites two batches made against the same text so that each
// can follow the other: Apply(Apply(d, a), bPrime) == Apply(Apply(d, b), aPrime).
//
// An insert always lands before a concurrent retain or delete at the same
// offset. Two inserts at the same offset are ordered by their text, smaller
// first, whatever the argument order. Overlapping deletes remove the shared
// range once. Retains are ignored.
func Transform(a, b []TextOperation) (aPrime, bPrime []TextOperation, err error) {
	left, err := toSequence(a)
	if err != nil {
		return nil, nil, err
	}
	right, err := toSequence(b)
	if err != nil {
		return nil, nil, err
	}
	leftPrime, rightPrime := transformSequences(left, right)
	return toOperations(leftPrime), toOperations(rightPrime), nil
}

func transformSequences(a, b sequence) (sequence, sequence) {
	aPrime := sequence{}
	bPrime := sequence{}
	left := newCursor(a)
	right := newCursor(b)
	for {
		ac := left.peek()
		bc := right.peek()
		if ac == nil && bc == nil {
			break
		}

		aInserts := ac != nil && ac.kind == KindInsert
		bInserts := bc != nil && bc.kind == KindInsert
		if aInserts && (!bInserts || ac.text <= bc.text) {
			aPrime.insert(ac.text)
			bPrime.retain(ac.length())
			left.take()
			continue
		}
		if bInserts {
			aPrime.retain(bc.length())
			bPrime.insert(bc.text)
			right.take()
			continue
		}

		if ac == nil {
			if bc.kind == KindRetain {
				aPrime.retain(bc.size)
				bPrime.retain(bc.size)
			} else {
				bPrime.delete(bc.size)
			}
			right.take()
			continue
		}
		if bc == nil {
			if ac.kind == KindRetain {
				aPrime.retain(ac.size)
				bPrime.retain(ac.size)
			} else {
				aPrime.delete(ac.size)
			}
			left.take()
			continue
		}

		n := min(ac.size, bc.size)
		switch {
		case ac.kind == KindRetain && bc.kind == KindRetain:
			aPrime.retain(n)
			bPrime.retain(n)
		case ac.kind == KindDelete && bc.kind == KindRetain:
			aPrime.delete(n)
		case ac.kind == KindRetain && bc.kind == KindDelete:
			bPrime.delete(n)
		case ac.kind == KindDelete && bc.kind == KindDelete:
		}
		left.consume(n)
		right.consume(n)
	}
	return aPrime.finish(), bPrime.finish()
}

// Optimize merges adjacent primitives of the same kind that touch, and drops
// empty inserts and deletes. The result applies exactly like the input.
func Optimize(ops []TextOperation) []TextOperation {
	out := make([]TextOperation, 0, len(ops))
	for _, op := range ops {
		if (op.Kind == KindInsert && op.Text == "") || (op.Kind == KindDelete && op.Length == 0) {
			continue
		}
		if len(out) == 0 {
			out = append(out, op)
			continue
		}
		last := &out[len(out)-1]
		if merged, ok := mergeAdjacent(*last, op); ok {
			*last = merged
			continue
		}
		out = append(out, op)
	}
	return out
}

func mergeAdjacent(prev, next TextOperation) (TextOperation, bool) {
	if prev.Kind != next.Kind {
		return TextOperation{}, false
	}
	switch prev.Kind {
	case KindInsert:
		// next lands inside or at either edge of the text prev just inserted
		offset := next.Position - prev.Position
		if offset < 0 || offset > utf8.RuneCountInString(prev.Text) {
			return TextOperation{}, false
		}
		head, tail := splitRunes(prev.Text, offset)
		return Insert(prev.Position, head+next.Text+tail), true
	case KindDelete:
		if next.Position == prev.Position {
			return Delete(prev.Position, prev.Length+next.Length), true
		}
		if next.Position+next.Length == prev.Position {
			return Delete(next.Position, prev.Length+next.Length), true
		}
	}
	return TextOperation{}, false
}

// Invert returns the batch undoing ops, given the content ops was applied to:
// Apply(Apply(d, ops), Invert(ops, d)) == d.
func Invert(ops []TextOperation, content string) ([]TextOperation, error) {
	if err := ValidateAll(ops); err != nil {
		return nil, err
	}
	text := content
	inverse := make([]TextOperation, len(ops))
	for index, op := range ops {
		var undo TextOperation
		switch op.Kind {
		case KindInsert:
			undo = Delete(op.Position, utf8.RuneCountInString(op.Text))
		case KindDelete:
			runes := []rune(text)
			end := op.Position + op.Length
			if op.Position > len(runes) || end > len(runes) {
				return nil, fmt.Errorf("%w: operation %d deletes [%d,%d), length %d", ErrInvalidRange, index, op.Position, end, len(runes))
			}
			removed := string(runes[op.Position:end])
			if removed == "" {
				undo = Delete(op.Position, 0)
			} else {
				undo = Insert(op.Position, removed)
			}
		case KindRetain:
			undo = op
		}
		next, err := Apply(text, []TextOperation{op})
		if err != nil {
			return nil, err
		}
		text = next
		inverse[len(ops)-1-index] = undo
	}
	return inverse, nil
}
