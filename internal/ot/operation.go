package ot

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind enumerates the edit primitives understood by the engine.
type Kind string

const (
	// KindInsert splices text in at a position.
	KindInsert Kind = "INSERT"
	// KindDelete removes a range of characters starting at a position.
	KindDelete Kind = "DELETE"
	// KindRetain leaves text untouched.
	KindRetain Kind = "RETAIN"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOperation indicates a malformed text operation or batch.
	ErrInvalidOperation = errors.New("ot: invalid operation")
	// ErrInvalidPosition indicates an insert outside the document bounds.
	ErrInvalidPosition = errors.New("ot: invalid position")
	// ErrInvalidRange indicates a delete range outside the document bounds.
	ErrInvalidRange = errors.New("ot: invalid range")
)

// TextOperation is one atomic edit primitive. Text is meaningful only for
// inserts, Length only for deletes and retains.
type TextOperation struct {
	Kind     Kind   `json:"kind" validate:"required,oneof=INSERT DELETE RETAIN"`
	Position int    `json:"position" validate:"gte=0"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty" validate:"gte=0"`
}

// Insert builds an insert primitive.
func Insert(position int, text string) TextOperation {
	return TextOperation{Kind: KindInsert, Position: position, Text: text}
}

// Delete builds a delete primitive.
func Delete(position, length int) TextOperation {
	return TextOperation{Kind: KindDelete, Position: position, Length: length}
}

// Retain builds a retain primitive.
func Retain(position, length int) TextOperation {
	return TextOperation{Kind: KindRetain, Position: position, Length: length}
}

// Validate checks the per-kind field invariants.
func (op TextOperation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	switch op.Kind {
	case KindInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: insert without text", ErrInvalidOperation)
		}
		if op.Length != 0 {
			return fmt.Errorf("%w: insert with length", ErrInvalidOperation)
		}
		if !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert text is not valid utf-8", ErrInvalidOperation)
		}
	case KindDelete, KindRetain:
		if op.Text != "" {
			return fmt.Errorf("%w: %s with text", ErrInvalidOperation, op.Kind)
		}
		if op.Length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// String renders the primitive for logs and test failures.
func (op TextOperation) String() string {
	switch op.Kind {
	case KindInsert:
		return fmt.Sprintf("%s@%d(%q)", op.Kind, op.Position, op.Text)
	default:
		return fmt.Sprintf("%s@%d(%d)", op.Kind, op.Position, op.Length)
	}
}

// ValidateAll validates every primitive of a batch.
func ValidateAll(ops []TextOperation) error {
	for index, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", index, err)
		}
	}
	return nil
}

// DocumentOperation is one client-submitted batch. Operations apply in order;
// each position is relative to the text produced by the primitives before it.
type DocumentOperation struct {
	ID         string          `json:"id" validate:"required,max=190"`
	DocumentID string          `json:"documentId" validate:"required,max=190"`
	UserID     string          `json:"userId" validate:"required,max=190"`
	Version    int64           `json:"version" validate:"gte=0"`
	Operations []TextOperation `json:"operations" validate:"dive"`
	Timestamp  int64           `json:"timestamp"`
}

// Validate checks identifiers, the version and every primitive.
func (op DocumentOperation) Validate() error {
	if err := validateIdentifier("id", op.ID); err != nil {
		return err
	}
	if err := validateIdentifier("document id", op.DocumentID); err != nil {
		return err
	}
	if err := validateIdentifier("user id", op.UserID); err != nil {
		return err
	}
	if op.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalidOperation, op.Version)
	}
	return ValidateAll(op.Operations)
}

// WithOperations returns a copy carrying a different body.
func (op DocumentOperation) WithOperations(ops []TextOperation) DocumentOperation {
	op.Operations = cloneOperations(ops)
	return op
}

// Clone returns a deep copy of the batch.
func (op DocumentOperation) Clone() DocumentOperation {
	op.Operations = cloneOperations(op.Operations)
	return op
}

// Time returns the batch timestamp as a time value (milliseconds since epoch).
func (op DocumentOperation) Time() time.Time {
	return time.UnixMilli(op.Timestamp)
}

func validateIdentifier(name, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidOperation, name)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidOperation, name, maxIdentifierLength)
	}
	return nil
}

func cloneOperations(ops []TextOperation) []TextOperation {
	if ops == nil {
		return nil
	}
	cloned := make([]TextOperation, len(ops))
	copy(cloned, ops)
	return cloned
}
