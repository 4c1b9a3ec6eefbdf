package document

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
)

const testDocumentID = "doc-1"

func newOperation(id, userID string, version int64, ops ...ot.TextOperation) ot.DocumentOperation {
	return ot.DocumentOperation{
		ID:         id,
		DocumentID: testDocumentID,
		UserID:     userID,
		Version:    version,
		Operations: ops,
		Timestamp:  1700000000000,
	}
}

func mustApplyOperation(t *testing.T, state *State, op ot.DocumentOperation) ot.DocumentOperation {
	t.Helper()
	applied, err := state.ApplyOperation(op)
	if err != nil {
		t.Fatalf("apply %s failed: %v", op.ID, err)
	}
	return applied
}

func TestApplyOperationIncrementsVersionMonotonically(t *testing.T) {
	state := NewState(testDocumentID, "", 0, 0)
	const total = 25
	for index := 0; index < total; index++ {
		applied := mustApplyOperation(t, state, newOperation(fmt.Sprintf("op-%d", index), "user-a", int64(index), ot.Insert(index, "x")))
		if applied.Version != int64(index+1) {
			t.Fatalf("expected applied version %d, got %d", index+1, applied.Version)
		}
	}
	if state.Version() != total {
		t.Fatalf("expected version %d, got %d", total, state.Version())
	}
	if len(state.Content()) != total {
		t.Fatalf("expected %d characters, got %q", total, state.Content())
	}
}

func TestApplyOperationRebasesConcurrentInserts(t *testing.T) {
	for _, order := range [][]string{{"a", "b"}, {"b", "a"}} {
		state := NewState(testDocumentID, "Hello", 0, 0)
		ops := map[string]ot.DocumentOperation{
			"a": newOperation("op-a", "user-a", 0, ot.Insert(0, "A")),
			"b": newOperation("op-b", "user-b", 0, ot.Insert(5, "B")),
		}
		for _, key := range order {
			mustApplyOperation(t, state, ops[key])
		}
		if state.Content() != "AHelloB" {
			t.Fatalf("order %v produced %q", order, state.Content())
		}
		if state.Version() != 2 {
			t.Fatalf("expected version 2, got %d", state.Version())
		}
	}
}

func TestApplyOperationRebasesPastRetain(t *testing.T) {
	state := NewState(testDocumentID, "Hello", 0, 0)
	mustApplyOperation(t, state, newOperation("op-a", "user-a", 0, ot.Retain(0, 3)))
	applied := mustApplyOperation(t, state, newOperation("op-b", "user-b", 0, ot.Insert(5, "!")))
	if state.Content() != "Hello!" || state.Version() != 2 {
		t.Fatalf("unexpected state %q v%d", state.Content(), state.Version())
	}
	if applied.Version != 2 {
		t.Fatalf("expected applied version 2, got %d", applied.Version)
	}

	mustApplyOperation(t, state, newOperation("op-c", "user-a", 0, ot.Retain(0, 5), ot.Insert(5, "?")))
	if state.Content() != "Hello!?" {
		t.Fatalf("unexpected content %q", state.Content())
	}
}

func TestApplyOperationRecordsRebasedOperation(t *testing.T) {
	state := NewState(testDocumentID, "Hello", 0, 0)
	mustApplyOperation(t, state, newOperation("op-a", "user-a", 0, ot.Insert(0, ">> ")))
	applied := mustApplyOperation(t, state, newOperation("op-b", "user-b", 0, ot.Delete(0, 1)))

	if applied.Version != 2 {
		t.Fatalf("expected final version 2, got %d", applied.Version)
	}
	if len(applied.Operations) != 1 || applied.Operations[0] != ot.Delete(3, 1) {
		t.Fatalf("expected rebased delete at 3, got %v", applied.Operations)
	}
	since, err := state.OperationsSince(1)
	if err != nil {
		t.Fatalf("operations since failed: %v", err)
	}
	if len(since) != 1 || since[0].ID != "op-b" || since[0].Version != 2 {
		t.Fatalf("unexpected history %v", since)
	}
	if state.Content() != ">> ello" {
		t.Fatalf("unexpected content %q", state.Content())
	}
}

func TestApplyOperationFailureLeavesStateUnchanged(t *testing.T) {
	state := NewState(testDocumentID, "abc", 0, 0)
	mustApplyOperation(t, state, newOperation("op-1", "user-a", 0, ot.Insert(3, "d")))

	_, err := state.ApplyOperation(newOperation("op-2", "user-a", 1, ot.Insert(1, "x"), ot.Delete(3, 10)))
	if !errors.Is(err, ErrOperationFailed) {
		t.Fatalf("expected operation failed, got %v", err)
	}
	if !errors.Is(err, ot.ErrInvalidRange) {
		t.Fatalf("expected engine cause to be preserved, got %v", err)
	}
	var failure *OperationFailedError
	if !errors.As(err, &failure) || failure.Reason() != reasonApplyFailed {
		t.Fatalf("expected apply_failed reason, got %v", err)
	}
	if state.Content() != "abcd" || state.Version() != 1 {
		t.Fatalf("state changed after failure: %q v%d", state.Content(), state.Version())
	}
	if since, _ := state.OperationsSince(0); len(since) != 1 {
		t.Fatalf("history changed after failure: %v", since)
	}
}

func TestApplyOperationRejectsFutureAndForeignOperations(t *testing.T) {
	state := NewState(testDocumentID, "abc", 0, 0)
	if _, err := state.ApplyOperation(newOperation("op-1", "user-a", 3, ot.Insert(0, "x"))); !errors.Is(err, ErrFutureVersion) {
		t.Fatalf("expected future version, got %v", err)
	}
	foreign := newOperation("op-2", "user-a", 0, ot.Insert(0, "x"))
	foreign.DocumentID = "doc-2"
	if _, err := state.ApplyOperation(foreign); !errors.Is(err, ErrDocumentMismatch) {
		t.Fatalf("expected document mismatch, got %v", err)
	}
	if _, err := state.ApplyOperation(newOperation("", "user-a", 0, ot.Insert(0, "x"))); !errors.Is(err, ot.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	state := NewState(testDocumentID, "", 0, 3)
	for index := 0; index < 5; index++ {
		mustApplyOperation(t, state, newOperation(fmt.Sprintf("op-%d", index), "user-a", int64(index), ot.Insert(0, "x")))
	}
	since, err := state.OperationsSince(2)
	if err != nil {
		t.Fatalf("operations since failed: %v", err)
	}
	if len(since) != 3 || since[0].Version != 3 || since[2].Version != 5 {
		t.Fatalf("unexpected retained history %v", since)
	}
	if _, err := state.OperationsSince(1); !errors.Is(err, ErrHistoryUnavailable) {
		t.Fatalf("expected history unavailable, got %v", err)
	}
	if _, err := state.ApplyOperation(newOperation("late", "user-b", 1, ot.Insert(0, "y"))); !errors.Is(err, ErrHistoryUnavailable) {
		t.Fatalf("expected rebase to fail on evicted history, got %v", err)
	}
}

func TestResetReplacesStateAndClearsHistory(t *testing.T) {
	state := NewState(testDocumentID, "", 0, 0)
	mustApplyOperation(t, state, newOperation("op-1", "user-a", 0, ot.Insert(0, "draft")))
	state.Reset("from storage", 42)

	if state.Content() != "from storage" || state.Version() != 42 {
		t.Fatalf("unexpected state after reset: %q v%d", state.Content(), state.Version())
	}
	since, err := state.OperationsSince(42)
	if err != nil || len(since) != 0 {
		t.Fatalf("expected empty history, got %v (%v)", since, err)
	}
	if _, err := state.OperationsSince(41); !errors.Is(err, ErrHistoryUnavailable) {
		t.Fatalf("expected history unavailable before reset version, got %v", err)
	}
	applied := mustApplyOperation(t, state, newOperation("op-2", "user-a", 42, ot.Insert(0, ">")))
	if applied.Version != 43 {
		t.Fatalf("expected version 43, got %d", applied.Version)
	}
}

func TestApplyChainBridgesInterleavedHistory(t *testing.T) {
	state := NewState(testDocumentID, "abc", 0, 0)
	// another client edits while the chain author is offline
	mustApplyOperation(t, state, newOperation("remote", "user-b", 0, ot.Insert(0, "XY")))

	chain := []ot.DocumentOperation{
		newOperation("local-1", "user-a", 1, ot.Insert(3, "d")),
		newOperation("local-2", "user-a", 2, ot.Delete(0, 1)),
		newOperation("local-3", "user-a", 3, ot.Insert(3, "!")),
	}
	result := applyChain(state, 0, chain)
	if result.Err != nil {
		t.Fatalf("chain failed: %v", result.Err)
	}
	if len(result.Applied) != 3 {
		t.Fatalf("expected 3 applied operations, got %d", len(result.Applied))
	}
	// locally: abc -> abcd -> bcd -> bcd!; remote prefix survives
	if state.Content() != "XYbcd!" {
		t.Fatalf("unexpected content %q", state.Content())
	}
	for index, applied := range result.Applied {
		if applied.Version != int64(index+2) {
			t.Fatalf("expected version %d, got %d", index+2, applied.Version)
		}
	}
}

func TestApplyChainStopsAtFirstFailure(t *testing.T) {
	state := NewState(testDocumentID, "abc", 0, 0)
	chain := []ot.DocumentOperation{
		newOperation("ok", "user-a", 1, ot.Insert(0, "x")),
		newOperation("bad", "user-a", 2, ot.Delete(2, 40)),
		newOperation("never", "user-a", 3, ot.Insert(0, "y")),
	}
	result := applyChain(state, 0, chain)
	if !errors.Is(result.Err, ErrOperationFailed) {
		t.Fatalf("expected operation failed, got %v", result.Err)
	}
	if len(result.Applied) != 1 || result.Applied[0].ID != "ok" {
		t.Fatalf("unexpected applied operations %v", result.Applied)
	}
	if state.Content() != "xabc" || state.Version() != 1 {
		t.Fatalf("unexpected state %q v%d", state.Content(), state.Version())
	}
}
