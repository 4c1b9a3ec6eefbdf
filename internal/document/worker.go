package document

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
)

// ErrWorkerStopped indicates a request sent to a document that has been evicted.
var ErrWorkerStopped = errors.New("document: worker stopped")

// SyncResult is a consistent catch-up view: the content and version at one
// instant and the operations recorded after the requested version. Complete is
// false when the history no longer reaches back to the requested version; the
// content alone must then be used.
type SyncResult struct {
	Snapshot
	Operations []ot.DocumentOperation
	Complete   bool
}

// ChainResult reports a chain application. Applied holds the operations that
// went through, in order; Err is the failure that stopped the chain, if any.
type ChainResult struct {
	Applied []ot.DocumentOperation
	Err     error
}

type request struct {
	run  func(*State)
	done chan struct{}
}

// Worker confines a State to one goroutine. Requests are served one at a time
// in the order they are accepted, so every mutation sees a totally ordered
// history and every read sees a consistent snapshot.
type Worker struct {
	state    *State
	requests chan request
	stopped  chan struct{}
	stopOnce sync.Once
}

func newWorker(state *State) *Worker {
	worker := &Worker{
		state:    state,
		requests: make(chan request),
		stopped:  make(chan struct{}),
	}
	go worker.run()
	return worker
}

func (w *Worker) run() {
	for {
		select {
		case req := <-w.requests:
			req.run(w.state)
			close(req.done)
		case <-w.stopped:
			return
		}
	}
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
	})
}

func (w *Worker) do(ctx context.Context, fn func(*State)) error {
	req := request{run: fn, done: make(chan struct{})}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// once accepted the request always completes; it never blocks on I/O
	<-req.done
	return nil
}

// CommitHook observes an operation right after it was committed. Hooks run on
// the worker goroutine, so they see operations in version order; they must
// not block.
type CommitHook func(applied ot.DocumentOperation)

// Apply runs ApplyOperation on the worker goroutine.
func (w *Worker) Apply(ctx context.Context, op ot.DocumentOperation) (ot.DocumentOperation, error) {
	return w.ApplyThen(ctx, op, nil)
}

// ApplyThen is Apply with a hook invoked on success before the next request
// is served.
func (w *Worker) ApplyThen(ctx context.Context, op ot.DocumentOperation, onCommit CommitHook) (ot.DocumentOperation, error) {
	var applied ot.DocumentOperation
	var applyErr error
	if err := w.do(ctx, func(state *State) {
		applied, applyErr = state.ApplyOperation(op)
		if applyErr == nil && onCommit != nil {
			onCommit(applied.Clone())
		}
	}); err != nil {
		return ot.DocumentOperation{}, err
	}
	return applied, applyErr
}

// ApplyChain applies operations that were made one on top of the other,
// starting from baseVersion. The chain runs without interleaving; each
// operation is rebased past everything recorded since baseVersion and past
// the earlier members of the chain. It stops at the first failure.
func (w *Worker) ApplyChain(ctx context.Context, baseVersion int64, ops []ot.DocumentOperation) (ChainResult, error) {
	return w.ApplyChainThen(ctx, baseVersion, ops, nil)
}

// ApplyChainThen is ApplyChain with a hook invoked once per committed operation.
func (w *Worker) ApplyChainThen(ctx context.Context, baseVersion int64, ops []ot.DocumentOperation, onCommit CommitHook) (ChainResult, error) {
	var result ChainResult
	if err := w.do(ctx, func(state *State) {
		result = applyChain(state, baseVersion, ops)
		if onCommit != nil {
			for _, applied := range result.Applied {
				onCommit(applied.Clone())
			}
		}
	}); err != nil {
		return ChainResult{}, err
	}
	return result, nil
}

func applyChain(state *State, baseVersion int64, ops []ot.DocumentOperation) ChainResult {
	result := ChainResult{Applied: make([]ot.DocumentOperation, 0, len(ops))}
	if baseVersion > state.Version() {
		result.Err = operationFailed(reasonFutureVersion,
			fmt.Errorf("%w: %d > %d", ErrFutureVersion, baseVersion, state.Version()))
		return result
	}
	missed, err := state.OperationsSince(baseVersion)
	if err != nil {
		result.Err = operationFailed(reasonHistoryUnavailable, err)
		return result
	}
	bridge := make([][]ot.TextOperation, 0, len(missed))
	for _, op := range missed {
		bridge = append(bridge, op.Operations)
	}
	for _, op := range ops {
		applied, nextBridge, err := state.applyAfter(op, bridge)
		if err != nil {
			result.Err = err
			return result
		}
		result.Applied = append(result.Applied, applied)
		bridge = nextBridge
	}
	return result
}

// Snapshot returns the current content and version.
func (w *Worker) Snapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot
	if err := w.do(ctx, func(state *State) {
		snapshot = state.Snapshot()
	}); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// OperationsSince returns the recorded operations after version.
func (w *Worker) OperationsSince(ctx context.Context, version int64) ([]ot.DocumentOperation, error) {
	var ops []ot.DocumentOperation
	var sinceErr error
	if err := w.do(ctx, func(state *State) {
		ops, sinceErr = state.OperationsSince(version)
	}); err != nil {
		return nil, err
	}
	return ops, sinceErr
}

// Sync returns the content, version and operations after version in one
// consistent read.
func (w *Worker) Sync(ctx context.Context, version int64) (SyncResult, error) {
	return w.SyncThen(ctx, version, nil)
}

// SyncThen is Sync with fn invoked on the worker goroutine with the result.
// Anything fn publishes is ordered before the hooks of later commits.
func (w *Worker) SyncThen(ctx context.Context, version int64, fn func(SyncResult)) (SyncResult, error) {
	var result SyncResult
	if err := w.do(ctx, func(state *State) {
		result = syncState(state, version)
		if fn != nil {
			fn(result)
		}
	}); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

func syncState(state *State, version int64) SyncResult {
	result := SyncResult{Snapshot: state.Snapshot()}
	if version > state.Version() {
		return result
	}
	ops, err := state.OperationsSince(version)
	if err != nil {
		return result
	}
	result.Operations = ops
	result.Complete = true
	return result
}

// Reset replaces content and version and clears the history.
func (w *Worker) Reset(ctx context.Context, content string, version int64) error {
	return w.ResetThen(ctx, content, version, nil)
}

// ResetThen is Reset with a hook that sees the new state before the next
// request is served.
func (w *Worker) ResetThen(ctx context.Context, content string, version int64, onReset func(Snapshot)) error {
	return w.do(ctx, func(state *State) {
		state.Reset(content, version)
		if onReset != nil {
			onReset(state.Snapshot())
		}
	})
}
