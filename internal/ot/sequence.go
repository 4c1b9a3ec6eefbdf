package ot

import "unicode/utf8"

// component is one span of the canonical form: retain n, delete n or insert text.
type component struct {
	kind Kind
	size int
	text string
}

func (c component) length() int {
	if c.kind == KindInsert {
		return utf8.RuneCountInString(c.text)
	}
	return c.size
}

// drop returns the component without its first n characters.
func (c component) drop(n int) component {
	if c.kind == KindInsert {
		_, rest := splitRunes(c.text, n)
		return component{kind: KindInsert, text: rest}
	}
	return component{kind: c.kind, size: c.size - n}
}

// sequence is the canonical form of a batch: spans walking the base document
// from the start, ending in an implicit retain of the rest of the document.
type sequence struct {
	components []component
}

func (s *sequence) retain(n int) {
	if n <= 0 {
		return
	}
	if last := len(s.components) - 1; last >= 0 && s.components[last].kind == KindRetain {
		s.components[last].size += n
		return
	}
	s.components = append(s.components, component{kind: KindRetain, size: n})
}

func (s *sequence) delete(n int) {
	if n <= 0 {
		return
	}
	if last := len(s.components) - 1; last >= 0 && s.components[last].kind == KindDelete {
		s.components[last].size += n
		return
	}
	s.components = append(s.components, component{kind: KindDelete, size: n})
}

// insert keeps inserts ahead of an adjacent delete so that equivalent batches
// share one canonical form.
func (s *sequence) insert(text string) {
	if text == "" {
		return
	}
	last := len(s.components) - 1
	if last >= 0 && s.components[last].kind == KindInsert {
		s.components[last].text += text
		return
	}
	if last >= 0 && s.components[last].kind == KindDelete {
		if last > 0 && s.components[last-1].kind == KindInsert {
			s.components[last-1].text += text
			return
		}
		deleted := s.components[last]
		s.components[last] = component{kind: KindInsert, text: text}
		s.components = append(s.components, deleted)
		return
	}
	s.components = append(s.components, component{kind: KindInsert, text: text})
}

func (s *sequence) push(c component) {
	switch c.kind {
	case KindRetain:
		s.retain(c.size)
	case KindDelete:
		s.delete(c.size)
	case KindInsert:
		s.insert(c.text)
	}
}

// finish trims the trailing retain, which carries no information.
func (s *sequence) finish() sequence {
	if last := len(s.components) - 1; last >= 0 && s.components[last].kind == KindRetain {
		s.components = s.components[:last]
	}
	return *s
}

// cursor walks the components of a sequence, handing out partial spans.
type cursor struct {
	seq     sequence
	index   int
	current *component
}

func newCursor(seq sequence) *cursor {
	return &cursor{seq: seq}
}

func (c *cursor) peek() *component {
	if c.current == nil && c.index < len(c.seq.components) {
		next := c.seq.components[c.index]
		c.index++
		c.current = &next
	}
	return c.current
}

func (c *cursor) consume(n int) {
	if c.current == nil {
		return
	}
	if n >= c.current.length() {
		c.current = nil
		return
	}
	rest := c.current.drop(n)
	c.current = &rest
}

func (c *cursor) take() {
	c.current = nil
}

// toSequence folds a sequential batch into canonical form. Retains leave the
// text alone, exactly as Apply treats them, so they drop out here.
func toSequence(ops []TextOperation) (sequence, error) {
	if err := ValidateAll(ops); err != nil {
		return sequence{}, err
	}
	result := sequence{}
	for _, op := range ops {
		if op.Kind == KindRetain {
			continue
		}
		step := sequence{}
		step.retain(op.Position)
		if op.Kind == KindInsert {
			step.insert(op.Text)
		} else {
			step.delete(op.Length)
		}
		result = composeSequences(result, step)
	}
	return result, nil
}

// toOperations renders a canonical sequence back as a sequential batch.
func toOperations(seq sequence) []TextOperation {
	ops := make([]TextOperation, 0, len(seq.components))
	position := 0
	for _, c := range seq.components {
		switch c.kind {
		case KindRetain:
			position += c.size
		case KindInsert:
			ops = append(ops, Insert(position, c.text))
			position += c.length()
		case KindDelete:
			ops = append(ops, Delete(position, c.size))
		}
	}
	return ops
}

func splitRunes(text string, n int) (string, string) {
	if n <= 0 {
		return "", text
	}
	offset := 0
	for count := 0; count < n && offset < len(text); count++ {
		_, size := utf8.DecodeRuneInString(text[offset:])
		offset += size
	}
	return text[:offset], text[offset:]
}
