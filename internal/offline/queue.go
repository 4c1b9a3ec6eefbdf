package offline

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
	"go.uber.org/zap"
)

const (
	// DefaultMaxSize bounds the number of buffered operations.
	DefaultMaxSize = 1000
	// DefaultMaxRetries is how many failed submissions an entry survives.
	DefaultMaxRetries = 3
)

var (
	// ErrQueueFull indicates the queue reached its capacity; the user must resync.
	ErrQueueFull = errors.New("offline: queue full")
	// ErrProjectMismatch indicates an operation for another document.
	ErrProjectMismatch = errors.New("offline: document mismatch")
	// ErrUserMismatch indicates an operation authored by another user.
	ErrUserMismatch = errors.New("offline: user mismatch")
	// ErrDuplicateOperation indicates an operation id already queued.
	ErrDuplicateOperation = errors.New("offline: duplicate operation")
	errMissingIdentity    = errors.New("offline: document and user identifiers are required")
)

// Entry is one buffered operation and its delivery bookkeeping.
type Entry struct {
	Operation   ot.DocumentOperation
	AddedAt     time.Time
	RetryCount  int
	LastRetryAt time.Time
	inFlight    bool
}

// InFlight reports whether the entry was handed out for submission and has
// not been acknowledged or failed since.
func (e Entry) InFlight() bool {
	return e.inFlight
}

// Config identifies the queue owner and its limits.
type Config struct {
	DocumentID  string
	UserID      string
	BaseVersion int64
	MaxSize     int
	MaxRetries  int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Queue buffers operations that were applied locally but not yet accepted
// by the server, for one (document, user) pair. Entries are kept in the order
// they were made; each one is relative to the text produced by the ones before.
type Queue struct {
	mu          sync.Mutex
	documentID  string
	userID      string
	baseVersion int64
	entries     []*Entry
	maxSize     int
	maxRetries  int
	clock       func() time.Time
	logger      *zap.Logger
}

// NewQueue constructs an empty queue.
func NewQueue(cfg Config) (*Queue, error) {
	documentID := strings.TrimSpace(cfg.DocumentID)
	userID := strings.TrimSpace(cfg.UserID)
	if documentID == "" || userID == "" {
		return nil, errMissingIdentity
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		documentID:  documentID,
		userID:      userID,
		baseVersion: cfg.BaseVersion,
		maxSize:     maxSize,
		maxRetries:  maxRetries,
		clock:       clock,
		logger:      logger.With(zap.String("document_id", documentID), zap.String("user_id", userID)),
	}, nil
}

// Enqueue appends op. The queue is unchanged when an error is returned.
func (q *Queue) Enqueue(op ot.DocumentOperation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.DocumentID != q.documentID {
		return fmt.Errorf("%w: %s", ErrProjectMismatch, op.DocumentID)
	}
	if op.UserID != q.userID {
		return fmt.Errorf("%w: %s", ErrUserMismatch, op.UserID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.maxSize {
		q.logger.Warn("offline queue full", zap.Int("size", len(q.entries)))
		return fmt.Errorf("%w: %d entries", ErrQueueFull, q.maxSize)
	}
	for _, existing := range q.entries {
		if existing.Operation.ID == op.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.ID)
		}
	}
	q.entries = append(q.entries, &Entry{Operation: op.Clone(), AddedAt: q.clock()})
	return nil
}

// Optimize composes adjacent entries into one. Pairs that fail to compose
// stay separate, and so do entries already handed out for submission, since
// the server may have applied them under their own id. Entries whose composed
// body is empty are dropped. It returns how many entries were removed.
func (q *Queue) Optimize() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	before := len(q.entries)
	merged := make([]*Entry, 0, len(q.entries))
	for _, current := range q.entries {
		if len(merged) == 0 {
			merged = append(merged, current)
			continue
		}
		last := merged[len(merged)-1]
		if last.inFlight || current.inFlight || last.RetryCount > 0 || current.RetryCount > 0 {
			merged = append(merged, current)
			continue
		}
		composed, err := ot.Compose(last.Operation.Operations, current.Operation.Operations)
		if err != nil {
			q.logger.Debug("offline entries kept apart",
				zap.String("first_id", last.Operation.ID),
				zap.String("second_id", current.Operation.ID),
				zap.Error(err))
			merged = append(merged, current)
			continue
		}
		combined := last.Operation.WithOperations(ot.Optimize(composed))
		combined.Timestamp = current.Operation.Timestamp
		merged[len(merged)-1] = &Entry{Operation: combined, AddedAt: last.AddedAt}
	}

	kept := merged[:0]
	for _, current := range merged {
		if len(current.Operation.Operations) == 0 && !current.inFlight {
			continue
		}
		kept = append(kept, current)
	}
	q.entries = kept
	return before - len(kept)
}

// TransformAgainst rebases the queue past operations the server applied
// after the queue's base version, oldest first. It returns those operations
// rebased past the queued entries, ready to be applied to the local text.
//
// Server operations at or below the base version are skipped. A server
// operation carrying the id of the oldest entry is that entry, already
// applied: the entry is removed instead of transformed. The base version
// advances to the highest server version. On error nothing changes.
func (q *Queue) TransformAgainst(serverOps []ot.DocumentOperation) ([]ot.DocumentOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	bodies := make([][]ot.TextOperation, len(q.entries))
	for index, current := range q.entries {
		bodies[index] = current.Operation.Operations
	}
	head := 0
	baseVersion := q.baseVersion
	rebased := make([]ot.DocumentOperation, 0, len(serverOps))

	for _, serverOp := range serverOps {
		if serverOp.Version <= baseVersion {
			continue
		}
		baseVersion = serverOp.Version
		if head < len(q.entries) && q.entries[head].Operation.ID == serverOp.ID {
			head++
			continue
		}
		incoming := serverOp.Operations
		for index := head; index < len(bodies); index++ {
			var err error
			bodies[index], incoming, err = ot.Transform(bodies[index], incoming)
			if err != nil {
				return nil, fmt.Errorf("rebase %s past %s: %w", q.entries[index].Operation.ID, serverOp.ID, err)
			}
		}
		rebased = append(rebased, serverOp.WithOperations(incoming))
	}

	for index := head; index < len(q.entries); index++ {
		q.entries[index].Operation = q.entries[index].Operation.WithOperations(bodies[index])
	}
	if head > 0 {
		q.logger.Debug("offline entries confirmed by history", zap.Int("count", head))
		q.entries = append([]*Entry(nil), q.entries[head:]...)
	}
	q.baseVersion = baseVersion
	return rebased, nil
}

// PrepareForFlush stamps every entry with consecutive versions starting at
// currentServerVersion+1 and a fresh timestamp, marks them in flight, and
// returns them in queue order.
func (q *Queue) PrepareForFlush(currentServerVersion int64) []ot.DocumentOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock().UnixMilli()
	prepared := make([]ot.DocumentOperation, 0, len(q.entries))
	for index, current := range q.entries {
		current.Operation.Version = currentServerVersion + int64(index) + 1
		current.Operation.Timestamp = now
		current.inFlight = true
		prepared = append(prepared, current.Operation.Clone())
	}
	return prepared
}

// MarkInFlight flags one entry as submitted and returns it stamped with
// version, the server version it was made against.
func (q *Queue) MarkInFlight(operationID string, version int64) (ot.DocumentOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := q.indexOf(operationID)
	if index < 0 {
		return ot.DocumentOperation{}, false
	}
	current := q.entries[index]
	current.Operation.Version = version
	current.Operation.Timestamp = q.clock().UnixMilli()
	current.inFlight = true
	return current.Operation.Clone(), true
}

// MarkSynced removes the entry the server accepted.
func (q *Queue) MarkSynced(operationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := q.indexOf(operationID)
	if index < 0 {
		return false
	}
	q.entries = append(q.entries[:index], q.entries[index+1:]...)
	return true
}

// MarkFailed records a failed submission and reports whether the entry is
// still retryable. Entries reaching the retry limit are removed.
func (q *Queue) MarkFailed(operationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := q.indexOf(operationID)
	if index < 0 {
		return false
	}
	current := q.entries[index]
	current.RetryCount++
	current.LastRetryAt = q.clock()
	current.inFlight = false
	if current.RetryCount >= q.maxRetries {
		q.entries = append(q.entries[:index], q.entries[index+1:]...)
		q.logger.Warn("offline operation dropped after retries",
			zap.String("operation_id", operationID),
			zap.Int("retries", current.RetryCount))
		return false
	}
	return true
}

// RetryableOperations returns the entries due for submission: never retried,
// or last retried longer ago than minDelay times their retry count.
func (q *Queue) RetryableOperations(minDelay time.Duration) []ot.DocumentOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	due := make([]ot.DocumentOperation, 0, len(q.entries))
	for _, current := range q.entries {
		if current.RetryCount == 0 || now.Sub(current.LastRetryAt) > minDelay*time.Duration(current.RetryCount) {
			due = append(due, current.Operation.Clone())
		}
	}
	return due
}

// ReleaseInFlight clears the in-flight mark of every entry, after the
// connection they were sent on was lost.
func (q *Queue) ReleaseInFlight() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, current := range q.entries {
		current.inFlight = false
	}
}

// Reset drops every entry and moves the base to version. It returns the
// dropped entries.
func (q *Queue) Reset(version int64) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := q.snapshotLocked()
	q.entries = nil
	q.baseVersion = version
	return dropped
}

// AdvanceBase moves the base version forward; lower versions are ignored.
func (q *Queue) AdvanceBase(version int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if version > q.baseVersion {
		q.baseVersion = version
	}
}

// BaseVersion returns the server version the queued entries are relative to.
func (q *Queue) BaseVersion() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.baseVersion
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queued entries in order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// InFlightCount returns how many entries await a server answer.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, current := range q.entries {
		if current.inFlight {
			count++
		}
	}
	return count
}

func (q *Queue) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(q.entries))
	for _, current := range q.entries {
		copied := *current
		copied.Operation = current.Operation.Clone()
		out = append(out, copied)
	}
	return out
}

func (q *Queue) indexOf(operationID string) int {
	for index, current := range q.entries {
		if current.Operation.ID == operationID {
			return index
		}
	}
	return -1
}
