package document

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRetention is how long an unused document stays in memory for quick rejoin.
const DefaultRetention = time.Minute

var (
	// ErrInvalidDocumentID indicates an empty document identifier.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	errNegativeVersion   = errors.New("document: loaded version is negative")
)

// Loader seeds a document from durable storage on first access. found is
// false for documents the store has never seen; they start empty at version 0.
type Loader interface {
	LoadDocument(ctx context.Context, documentID string) (content string, version int64, found bool, err error)
}

// RegistryConfig describes how documents are created and retained.
type RegistryConfig struct {
	HistoryLimit int
	Retention    time.Duration
	Loader       Loader
	Logger       *zap.Logger
}

type entry struct {
	worker   *Worker
	refs     int
	evictAt  *time.Timer
	loadOnce sync.Once
	loadErr  error
}

// Registry owns the in-memory documents of one process, keyed by id.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*entry
	historyLimit int
	retention    time.Duration
	loader       Loader
	logger       *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries:      make(map[string]*entry),
		historyLimit: cfg.HistoryLimit,
		retention:    retention,
		loader:       cfg.Loader,
		logger:       logger,
	}
}

// Acquire returns the worker for documentID, loading it on first access, and
// holds a reference until Release is called.
func (r *Registry) Acquire(ctx context.Context, documentID string) (*Worker, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, ErrInvalidDocumentID
	}

	r.mu.Lock()
	current, ok := r.entries[documentID]
	if !ok {
		current = &entry{}
		r.entries[documentID] = current
	}
	current.refs++
	if current.evictAt != nil {
		current.evictAt.Stop()
		current.evictAt = nil
	}
	r.mu.Unlock()

	// storage I/O happens before the worker exists, never inside it
	current.loadOnce.Do(func() {
		content, version, err := r.load(ctx, documentID)
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			current.loadErr = err
			return
		}
		current.worker = newWorker(NewState(documentID, content, version, r.historyLimit))
	})

	r.mu.Lock()
	worker, loadErr := current.worker, current.loadErr
	if loadErr != nil {
		current.refs--
		if r.entries[documentID] == current {
			delete(r.entries, documentID)
		}
	}
	r.mu.Unlock()
	if loadErr != nil {
		r.logger.Error("document load failed", zap.String("document_id", documentID), zap.Error(loadErr))
		return nil, loadErr
	}
	return worker, nil
}

func (r *Registry) load(ctx context.Context, documentID string) (string, int64, error) {
	if r.loader == nil {
		return "", 0, nil
	}
	content, version, found, err := r.loader.LoadDocument(ctx, documentID)
	if err != nil {
		return "", 0, err
	}
	if !found {
		return "", 0, nil
	}
	if version < 0 {
		return "", 0, errNegativeVersion
	}
	return content, version, nil
}

// Release drops a reference. When the last reference goes, the document is
// evicted after the retention period unless it is acquired again.
func (r *Registry) Release(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[documentID]
	if !ok {
		return
	}
	if current.refs > 0 {
		current.refs--
	}
	if current.refs > 0 || current.evictAt != nil {
		return
	}
	current.evictAt = time.AfterFunc(r.retention, func() {
		r.evict(documentID, current)
	})
}

func (r *Registry) evict(documentID string, expected *entry) {
	r.mu.Lock()
	current, ok := r.entries[documentID]
	if !ok || current != expected || current.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, documentID)
	worker := current.worker
	r.mu.Unlock()
	if worker != nil {
		worker.stop()
	}
	r.logger.Debug("document evicted", zap.String("document_id", documentID))
}

// Initialize seeds a document with content at version, replacing any state
// already held in memory and clearing its history.
func (r *Registry) Initialize(ctx context.Context, documentID, content string, version int64) error {
	return r.InitializeThen(ctx, documentID, content, version, nil)
}

// InitializeThen is Initialize with a hook run on the worker right after a
// document already held in memory was reset. A document seeded from scratch
// has no readers yet and skips the hook.
func (r *Registry) InitializeThen(ctx context.Context, documentID, content string, version int64, onReset func(Snapshot)) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return ErrInvalidDocumentID
	}

	r.mu.Lock()
	current, ok := r.entries[documentID]
	if !ok {
		current = &entry{}
		current.loadOnce.Do(func() {})
		current.worker = newWorker(NewState(documentID, content, version, r.historyLimit))
		r.entries[documentID] = current
		current.evictAt = time.AfterFunc(r.retention, func() {
			r.evict(documentID, current)
		})
		r.mu.Unlock()
		return nil
	}
	current.refs++
	r.mu.Unlock()
	defer r.Release(documentID)

	current.loadOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		current.worker = newWorker(NewState(documentID, content, version, r.historyLimit))
	})
	r.mu.Lock()
	worker, loadErr := current.worker, current.loadErr
	r.mu.Unlock()
	if worker == nil {
		return loadErr
	}
	return worker.ResetThen(ctx, content, version, onReset)
}

// Snapshots returns the current state of every document held in memory,
// ordered by document id.
func (r *Registry) Snapshots(ctx context.Context) ([]Snapshot, error) {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.entries))
	for _, current := range r.entries {
		if current.worker != nil {
			workers = append(workers, current.worker)
		}
	}
	r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(workers))
	for _, worker := range workers {
		snapshot, err := worker.Snapshot(ctx)
		if errors.Is(err, ErrWorkerStopped) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].DocumentID < snapshots[j].DocumentID
	})
	return snapshots, nil
}

// Len reports how many documents are held in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every worker and forgets all documents.
func (r *Registry) Close() {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.entries))
	for _, current := range r.entries {
		if current.evictAt != nil {
			current.evictAt.Stop()
		}
		if current.worker != nil {
			workers = append(workers, current.worker)
		}
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for _, worker := range workers {
		worker.stop()
	}
}
