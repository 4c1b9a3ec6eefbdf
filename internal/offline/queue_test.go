package offline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
)

const (
	testDocumentID = "doc-1"
	testUserID     = "user-a"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	return c.now
}

func (c *stepClock) Advance(delta time.Duration) {
	c.now = c.now.Add(delta)
}

func newTestQueue(t *testing.T, maxSize int) (*Queue, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	queue, err := NewQueue(Config{
		DocumentID:  testDocumentID,
		UserID:      testUserID,
		BaseVersion: 4,
		MaxSize:     maxSize,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	return queue, clock
}

func localOperation(id string, ops ...ot.TextOperation) ot.DocumentOperation {
	return ot.DocumentOperation{
		ID:         id,
		DocumentID: testDocumentID,
		UserID:     testUserID,
		Version:    4,
		Operations: ops,
		Timestamp:  1,
	}
}

func mustEnqueue(t *testing.T, queue *Queue, op ot.DocumentOperation) {
	t.Helper()
	if err := queue.Enqueue(op); err != nil {
		t.Fatalf("enqueue %s failed: %v", op.ID, err)
	}
}

func applyAll(t *testing.T, content string, ops []ot.DocumentOperation) string {
	t.Helper()
	for _, op := range ops {
		next, err := ot.Apply(content, op.Operations)
		if err != nil {
			t.Fatalf("apply %s failed: %v", op.ID, err)
		}
		content = next
	}
	return content
}

func TestEnqueueRejectsForeignOperations(t *testing.T) {
	queue, _ := newTestQueue(t, 0)

	foreignDocument := localOperation("op-1", ot.Insert(0, "x"))
	foreignDocument.DocumentID = "doc-2"
	if err := queue.Enqueue(foreignDocument); !errors.Is(err, ErrProjectMismatch) {
		t.Fatalf("expected project mismatch, got %v", err)
	}

	foreignUser := localOperation("op-1", ot.Insert(0, "x"))
	foreignUser.UserID = "user-b"
	if err := queue.Enqueue(foreignUser); !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("expected user mismatch, got %v", err)
	}

	mustEnqueue(t, queue, localOperation("op-1", ot.Insert(0, "x")))
	if err := queue.Enqueue(localOperation("op-1", ot.Insert(0, "y"))); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected duplicate operation, got %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected one entry, got %d", queue.Len())
	}
}

func TestEnqueueOverflowLeavesQueueUnchanged(t *testing.T) {
	queue, _ := newTestQueue(t, DefaultMaxSize)
	for index := 0; index < DefaultMaxSize; index++ {
		mustEnqueue(t, queue, localOperation(fmt.Sprintf("op-%d", index), ot.Insert(index, "x")))
	}
	err := queue.Enqueue(localOperation("overflow", ot.Insert(0, "y")))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if queue.Len() != DefaultMaxSize {
		t.Fatalf("expected %d entries, got %d", DefaultMaxSize, queue.Len())
	}
}

func TestPrepareForFlushAssignsConsecutiveVersions(t *testing.T) {
	queue, clock := newTestQueue(t, 0)
	for _, id := range []string{"first", "second", "third"} {
		mustEnqueue(t, queue, localOperation(id, ot.Insert(0, id)))
	}
	clock.Advance(time.Minute)

	const serverVersion = 9
	prepared := queue.PrepareForFlush(serverVersion)
	if len(prepared) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(prepared))
	}
	for index, id := range []string{"first", "second", "third"} {
		if prepared[index].ID != id {
			t.Fatalf("expected %s at %d, got %s", id, index, prepared[index].ID)
		}
		if prepared[index].Version != serverVersion+int64(index)+1 {
			t.Fatalf("expected version %d, got %d", serverVersion+index+1, prepared[index].Version)
		}
		if prepared[index].Timestamp != clock.Now().UnixMilli() {
			t.Fatalf("expected refreshed timestamp, got %d", prepared[index].Timestamp)
		}
	}
	if queue.InFlightCount() != 3 {
		t.Fatalf("expected all entries in flight, got %d", queue.InFlightCount())
	}
}

func TestOptimizeComposesAdjacentEntries(t *testing.T) {
	queue, _ := newTestQueue(t, 0)
	mustEnqueue(t, queue, localOperation("a", ot.Insert(0, "H")))
	mustEnqueue(t, queue, localOperation("b", ot.Insert(1, "i")))
	mustEnqueue(t, queue, localOperation("c", ot.Insert(2, "!")))

	original := applyAll(t, "", operationsOf(queue.Entries()))
	if removed := queue.Optimize(); removed != 2 {
		t.Fatalf("expected 2 entries removed, got %d", removed)
	}
	entries := queue.Entries()
	if len(entries) != 1 || entries[0].Operation.ID != "a" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if got := applyAll(t, "", operationsOf(entries)); got != original {
		t.Fatalf("optimize changed the result: %q != %q", got, original)
	}
}

func TestOptimizeComposesEntriesWithRetain(t *testing.T) {
	queue, _ := newTestQueue(t, 0)
	mustEnqueue(t, queue, localOperation("a", ot.Insert(0, "ab"), ot.Retain(2, 3)))
	mustEnqueue(t, queue, localOperation("b", ot.Retain(0, 9), ot.Insert(7, "!")))
	original := applyAll(t, "Hello", operationsOf(queue.Entries()))
	if removed := queue.Optimize(); removed != 1 {
		t.Fatalf("expected one entry removed, got %d", removed)
	}
	entries := queue.Entries()
	if len(entries) != 1 || entries[0].Operation.ID != "a" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if got := applyAll(t, "Hello", operationsOf(entries)); got != original || got != "abHello!" {
		t.Fatalf("optimize changed the result: %q != %q", got, original)
	}
}

func TestOptimizeDropsCancelledEditsAndSkipsInFlight(t *testing.T) {
	queue, _ := newTestQueue(t, 0)
	mustEnqueue(t, queue, localOperation("sent", ot.Insert(0, "x")))
	if _, ok := queue.MarkInFlight("sent", 4); !ok {
		t.Fatalf("expected entry to be marked")
	}
	mustEnqueue(t, queue, localOperation("typed", ot.Insert(1, "y")))
	mustEnqueue(t, queue, localOperation("erased", ot.Delete(1, 1)))

	if removed := queue.Optimize(); removed != 2 {
		t.Fatalf("expected 2 entries removed, got %d", removed)
	}
	entries := queue.Entries()
	if len(entries) != 1 || entries[0].Operation.ID != "sent" || !entries[0].InFlight() {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestTransformAgainstRebasesQueueAndServerOperations(t *testing.T) {
	queue, _ := newTestQueue(t, 0)
	base := "Hello"
	mustEnqueue(t, queue, localOperation("local-1", ot.Insert(5, " World")))
	mustEnqueue(t, queue, localOperation("local-2", ot.Delete(0, 1)))
	local := applyAll(t, base, operationsOf(queue.Entries()))

	serverOps := []ot.DocumentOperation{
		{ID: "old", DocumentID: testDocumentID, UserID: "user-b", Version: 3, Operations: []ot.TextOperation{ot.Insert(0, "ignored")}},
		{ID: "remote-1", DocumentID: testDocumentID, UserID: "user-b", Version: 5, Operations: []ot.TextOperation{ot.Insert(0, ">")}},
		{ID: "remote-2", DocumentID: testDocumentID, UserID: "user-b", Version: 6, Operations: []ot.TextOperation{ot.Insert(6, "?")}},
	}
	rebased, err := queue.TransformAgainst(serverOps)
	if err != nil {
		t.Fatalf("transform against failed: %v", err)
	}
	if len(rebased) != 2 {
		t.Fatalf("expected 2 rebased server operations, got %d", len(rebased))
	}
	if queue.BaseVersion() != 6 {
		t.Fatalf("expected base version 6, got %d", queue.BaseVersion())
	}

	server := applyAll(t, base, serverOps[1:])
	fromServer := applyAll(t, server, operationsOf(queue.Entries()))
	fromLocal := applyAll(t, local, rebased)
	if fromServer != fromLocal {
		t.Fatalf("replicas diverged: server %q, local %q", fromServer, fromLocal)
	}
	if fromServer != ">ello World?" {
		t.Fatalf("unexpected converged text %q", fromServer)
	}
}

func TestTransformAgainstConfirmsAppliedHead(t *testing.T) {
	queue, _ := newTestQueue(t, 0)
	mustEnqueue(t, queue, localOperation("mine", ot.Insert(0, "a")))
	mustEnqueue(t, queue, localOperation("later", ot.Insert(1, "b")))

	serverOps := []ot.DocumentOperation{
		{ID: "remote", DocumentID: testDocumentID, UserID: "user-b", Version: 5, Operations: []ot.TextOperation{ot.Insert(0, "z")}},
		{ID: "mine", DocumentID: testDocumentID, UserID: testUserID, Version: 6, Operations: []ot.TextOperation{ot.Insert(0, "a")}},
	}
	rebased, err := queue.TransformAgainst(serverOps)
	if err != nil {
		t.Fatalf("transform against failed: %v", err)
	}
	if len(rebased) != 1 || rebased[0].ID != "remote" {
		t.Fatalf("unexpected rebased operations %v", rebased)
	}
	entries := queue.Entries()
	if len(entries) != 1 || entries[0].Operation.ID != "later" {
		t.Fatalf("expected only the later entry, got %+v", entries)
	}
	// local "ab" plus remote "z"; server "az" plus later "b"
	local := applyAll(t, "ab", rebased)
	server := applyAll(t, "az", operationsOf(entries))
	if local != server {
		t.Fatalf("replicas diverged: %q vs %q", local, server)
	}
}

func TestTransformAgainstIsAtomic(t *testing.T) {
	queue, _ := newTestQueue(t, 0)
	mustEnqueue(t, queue, localOperation("local", ot.Insert(0, "a"), ot.Retain(1, 3)))
	before := queue.Entries()

	_, err := queue.TransformAgainst([]ot.DocumentOperation{
		{ID: "remote-1", DocumentID: testDocumentID, UserID: "user-b", Version: 5, Operations: []ot.TextOperation{ot.Insert(0, "z")}},
		{ID: "remote-2", DocumentID: testDocumentID, UserID: "user-b", Version: 6, Operations: []ot.TextOperation{{Kind: ot.KindInsert, Position: 0}}},
	})
	if !errors.Is(err, ot.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	if queue.BaseVersion() != 4 {
		t.Fatalf("base version moved on failure: %d", queue.BaseVersion())
	}
	after := queue.Entries()
	if len(after) != 1 || len(after[0].Operation.Operations) != len(before[0].Operation.Operations) {
		t.Fatalf("queue changed on failure: %+v", after)
	}
}

func TestMarkSyncedAndFailed(t *testing.T) {
	queue, clock := newTestQueue(t, 0)
	mustEnqueue(t, queue, localOperation("ok", ot.Insert(0, "a")))
	mustEnqueue(t, queue, localOperation("flaky", ot.Insert(1, "b")))

	if !queue.MarkSynced("ok") {
		t.Fatalf("expected synced entry to be found")
	}
	if queue.MarkSynced("ok") {
		t.Fatalf("expected second mark synced to miss")
	}

	for attempt := 1; attempt < DefaultMaxRetries; attempt++ {
		clock.Advance(time.Second)
		if !queue.MarkFailed("flaky") {
			t.Fatalf("attempt %d: expected entry to remain retryable", attempt)
		}
	}
	if queue.MarkFailed("flaky") {
		t.Fatalf("expected entry to be dropped at the retry limit")
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Len())
	}
	if queue.MarkFailed("missing") {
		t.Fatalf("unknown entries are never retryable")
	}
}

func TestRetryableOperationsBackOff(t *testing.T) {
	queue, clock := newTestQueue(t, 0)
	mustEnqueue(t, queue, localOperation("fresh", ot.Insert(0, "a")))
	mustEnqueue(t, queue, localOperation("retried", ot.Insert(1, "b")))

	queue.MarkFailed("retried")
	queue.MarkFailed("retried")

	due := queue.RetryableOperations(time.Second)
	if len(due) != 1 || due[0].ID != "fresh" {
		t.Fatalf("expected only the fresh entry, got %v", due)
	}

	clock.Advance(2 * time.Second)
	if due := queue.RetryableOperations(time.Second); len(due) != 1 {
		t.Fatalf("backoff must exceed delay times retries, got %v", due)
	}
	clock.Advance(time.Millisecond)
	if due := queue.RetryableOperations(time.Second); len(due) != 2 {
		t.Fatalf("expected both entries due, got %v", due)
	}
}

func TestResetDropsEntries(t *testing.T) {
	queue, _ := newTestQueue(t, 0)
	mustEnqueue(t, queue, localOperation("a", ot.Insert(0, "a")))
	dropped := queue.Reset(20)
	if len(dropped) != 1 || dropped[0].Operation.ID != "a" {
		t.Fatalf("unexpected dropped entries %+v", dropped)
	}
	if queue.Len() != 0 || queue.BaseVersion() != 20 {
		t.Fatalf("unexpected queue state: len %d base %d", queue.Len(), queue.BaseVersion())
	}
	queue.AdvanceBase(3)
	if queue.BaseVersion() != 20 {
		t.Fatalf("base version must not move backwards")
	}
}

func operationsOf(entries []Entry) []ot.DocumentOperation {
	ops := make([]ot.DocumentOperation, 0, len(entries))
	for _, current := range entries {
		ops = append(ops, current.Operation)
	}
	return ops
}
