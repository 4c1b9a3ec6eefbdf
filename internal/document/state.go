package document

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
)

// DefaultHistoryLimit bounds the number of applied operations kept for rebasing.
const DefaultHistoryLimit = 1000

var (
	// ErrOperationFailed is the single failure outcome of ApplyOperation.
	ErrOperationFailed = errors.New("document: operation failed")
	// ErrFutureVersion indicates an operation composed against a version the document has not reached.
	ErrFutureVersion = errors.New("document: version is ahead of the document")
	// ErrHistoryUnavailable indicates the history needed to rebase an operation was evicted.
	ErrHistoryUnavailable = errors.New("document: history unavailable for version")
	// ErrDocumentMismatch indicates an operation addressed to another document.
	ErrDocumentMismatch = errors.New("document: document mismatch")
)

const (
	reasonInvalidOperation   = "invalid_operation"
	reasonDocumentMismatch   = "document_mismatch"
	reasonFutureVersion      = "future_version"
	reasonHistoryUnavailable = "history_unavailable"
	reasonRebaseFailed       = "rebase_failed"
	reasonApplyFailed        = "apply_failed"
)

// OperationFailedError carries the reason an operation was rejected. The
// document is unchanged whenever it is returned.
type OperationFailedError struct {
	reason string
	err    error
}

func (e *OperationFailedError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%v: %s", ErrOperationFailed, e.reason)
	}
	return fmt.Sprintf("%v: %s: %v", ErrOperationFailed, e.reason, e.err)
}

func (e *OperationFailedError) Unwrap() error {
	return e.err
}

// Is lets errors.Is match ErrOperationFailed.
func (e *OperationFailedError) Is(target error) bool {
	return target == ErrOperationFailed
}

// Reason returns the machine-readable failure reason.
func (e *OperationFailedError) Reason() string {
	return e.reason
}

func operationFailed(reason string, cause error) error {
	return &OperationFailedError{reason: reason, err: cause}
}

// Snapshot is a consistent view of a document.
type Snapshot struct {
	DocumentID string
	Content    string
	Version    int64
}

// State is the authoritative state of one document. It is not safe for
// concurrent use; Worker confines it to a single goroutine.
type State struct {
	documentID   string
	content      string
	version      int64
	history      []ot.DocumentOperation
	historyLimit int
}

// NewState creates a document at the given content and version.
func NewState(documentID, content string, version int64, historyLimit int) *State {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if version < 0 {
		version = 0
	}
	return &State{
		documentID:   documentID,
		content:      content,
		version:      version,
		historyLimit: historyLimit,
	}
}

// DocumentID returns the document identifier.
func (s *State) DocumentID() string {
	return s.documentID
}

// Content returns the current text.
func (s *State) Content() string {
	return s.content
}

// Version returns the number of operations applied since the document was seeded.
func (s *State) Version() int64 {
	return s.version
}

// Snapshot returns the current content and version.
func (s *State) Snapshot() Snapshot {
	return Snapshot{DocumentID: s.documentID, Content: s.content, Version: s.version}
}

// ApplyOperation rebases op through the history recorded since op.Version,
// applies it, and records it under the new version. Any failure leaves the
// state untouched.
func (s *State) ApplyOperation(op ot.DocumentOperation) (ot.DocumentOperation, error) {
	if err := op.Validate(); err != nil {
		return ot.DocumentOperation{}, operationFailed(reasonInvalidOperation, err)
	}
	if op.DocumentID != s.documentID {
		return ot.DocumentOperation{}, operationFailed(reasonDocumentMismatch,
			fmt.Errorf("%w: %s != %s", ErrDocumentMismatch, op.DocumentID, s.documentID))
	}
	if op.Version > s.version {
		return ot.DocumentOperation{}, operationFailed(reasonFutureVersion,
			fmt.Errorf("%w: %d > %d", ErrFutureVersion, op.Version, s.version))
	}

	missed, err := s.OperationsSince(op.Version)
	if err != nil {
		return ot.DocumentOperation{}, operationFailed(reasonHistoryUnavailable, err)
	}
	rebased := op.Operations
	for _, applied := range missed {
		rebased, _, err = ot.Transform(rebased, applied.Operations)
		if err != nil {
			return ot.DocumentOperation{}, operationFailed(reasonRebaseFailed, err)
		}
	}
	return s.commit(op, rebased)
}

// applyAfter applies op, which was made on top of the text produced by the
// operations in bridge; bridge must already cover everything recorded since
// that point. It returns the applied operation and bridge transformed past op.
func (s *State) applyAfter(op ot.DocumentOperation, bridge [][]ot.TextOperation) (ot.DocumentOperation, [][]ot.TextOperation, error) {
	if err := op.Validate(); err != nil {
		return ot.DocumentOperation{}, nil, operationFailed(reasonInvalidOperation, err)
	}
	if op.DocumentID != s.documentID {
		return ot.DocumentOperation{}, nil, operationFailed(reasonDocumentMismatch,
			fmt.Errorf("%w: %s != %s", ErrDocumentMismatch, op.DocumentID, s.documentID))
	}
	rebased := op.Operations
	nextBridge := make([][]ot.TextOperation, 0, len(bridge))
	for _, concurrent := range bridge {
		var concurrentPrime []ot.TextOperation
		var err error
		rebased, concurrentPrime, err = ot.Transform(rebased, concurrent)
		if err != nil {
			return ot.DocumentOperation{}, nil, operationFailed(reasonRebaseFailed, err)
		}
		nextBridge = append(nextBridge, concurrentPrime)
	}
	applied, err := s.commit(op, rebased)
	if err != nil {
		return ot.DocumentOperation{}, nil, err
	}
	return applied, nextBridge, nil
}

func (s *State) commit(op ot.DocumentOperation, rebased []ot.TextOperation) (ot.DocumentOperation, error) {
	content, err := ot.Apply(s.content, rebased)
	if err != nil {
		return ot.DocumentOperation{}, operationFailed(reasonApplyFailed, err)
	}

	applied := op.WithOperations(rebased)
	applied.Version = s.version + 1

	s.content = content
	s.version = applied.Version
	s.history = append(s.history, applied)
	if overflow := len(s.history) - s.historyLimit; overflow > 0 {
		trimmed := make([]ot.DocumentOperation, s.historyLimit)
		copy(trimmed, s.history[overflow:])
		s.history = trimmed
	}
	return applied.Clone(), nil
}

// OperationsSince returns every recorded operation with a version greater
// than version, oldest first.
func (s *State) OperationsSince(version int64) ([]ot.DocumentOperation, error) {
	if version > s.version {
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureVersion, version, s.version)
	}
	if version == s.version {
		return nil, nil
	}
	oldest := s.version - int64(len(s.history)) + 1
	if len(s.history) == 0 || version+1 < oldest {
		return nil, fmt.Errorf("%w: %d (oldest retained %d)", ErrHistoryUnavailable, version, oldest)
	}
	start := int(version + 1 - oldest)
	result := make([]ot.DocumentOperation, 0, len(s.history)-start)
	for _, op := range s.history[start:] {
		result = append(result, op.Clone())
	}
	return result, nil
}

// Reset replaces the state wholesale and clears the history.
func (s *State) Reset(content string, version int64) {
	if version < 0 {
		version = 0
	}
	s.content = content
	s.version = version
	s.history = nil
}
