package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/document"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&DocumentSnapshot{}, &AccessGrant{}); err != nil {
		t.Fatalf("failed to migrate store schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "store.service.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestLoadDocumentMissing(t *testing.T) {
	service := newTestService(t)
	content, version, found, err := service.LoadDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if found || content != "" || version != 0 {
		t.Fatalf("expected no document, got found=%v content=%q version=%d", found, content, version)
	}
}

func TestSaveSnapshotsOnlyAdvancesVersions(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	written, err := service.SaveSnapshots(ctx, []document.Snapshot{
		{DocumentID: "doc-1", Content: "hello", Version: 3},
		{DocumentID: "doc-2", Content: "other", Version: 1},
	})
	if err != nil {
		t.Fatalf("initial save failed: %v", err)
	}
	if written != 2 {
		t.Fatalf("expected 2 rows written, got %d", written)
	}

	written, err = service.SaveSnapshots(ctx, []document.Snapshot{
		{DocumentID: "doc-1", Content: "stale", Version: 2},
		{DocumentID: "doc-2", Content: "newer", Version: 4},
	})
	if err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected only the advanced snapshot to be written, got %d", written)
	}

	content, version, found, err := service.LoadDocument(ctx, "doc-1")
	if err != nil || !found {
		t.Fatalf("load doc-1 failed: found=%v err=%v", found, err)
	}
	if content != "hello" || version != 3 {
		t.Fatalf("stale snapshot overwrote doc-1: %q v%d", content, version)
	}
	content, version, _, _ = service.LoadDocument(ctx, "doc-2")
	if content != "newer" || version != 4 {
		t.Fatalf("expected doc-2 to advance, got %q v%d", content, version)
	}
}

func TestSaveSnapshotsRejectsInvalidID(t *testing.T) {
	service := newTestService(t)
	_, err := service.SaveSnapshots(context.Background(), []document.Snapshot{{DocumentID: "  "}})
	if !errors.Is(err, ErrInvalidDocumentID) {
		t.Fatalf("expected invalid document id, got %v", err)
	}
}

func TestCheckAccessOpenUntilGranted(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	allowed, err := service.CheckAccess(ctx, "doc-1", "alice")
	if err != nil || !allowed {
		t.Fatalf("expected ungranted document to be open, allowed=%v err=%v", allowed, err)
	}

	if err := service.GrantAccess(ctx, "doc-1", "alice", RoleOwner); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	allowed, _ = service.CheckAccess(ctx, "doc-1", "alice")
	if !allowed {
		t.Fatalf("expected grantee to be allowed")
	}
	allowed, _ = service.CheckAccess(ctx, "doc-1", "bob")
	if allowed {
		t.Fatalf("expected non-grantee to be denied")
	}
	allowed, _ = service.CheckAccess(ctx, "doc-2", "bob")
	if !allowed {
		t.Fatalf("expected grants to be scoped per document")
	}
	allowed, _ = service.CheckAccess(ctx, "doc-1", "")
	if allowed {
		t.Fatalf("expected empty user to be denied")
	}
}

func TestGrantAccessUpdatesRole(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.GrantAccess(ctx, "doc-1", "bob", RoleEditor); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := service.GrantAccess(ctx, "doc-1", "bob", RoleOwner); err != nil {
		t.Fatalf("regrant failed: %v", err)
	}
	if err := service.GrantAccess(ctx, "doc-1", "alice", RoleEditor); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	grants, err := service.Grants(ctx, "doc-1")
	if err != nil {
		t.Fatalf("list grants failed: %v", err)
	}
	if len(grants) != 2 || grants[0].UserID != "alice" || grants[1].Role != RoleOwner {
		t.Fatalf("unexpected grants %+v", grants)
	}

	err = service.GrantAccess(ctx, "doc-1", "carol", Role("admin"))
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected invalid role, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" Editor ")
	if err != nil || role != RoleEditor {
		t.Fatalf("expected editor, got %q %v", role, err)
	}
	if _, err := ParseRole("viewer"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected invalid role, got %v", err)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]document.Snapshot
}

func (s *recordingSink) SaveSnapshots(_ context.Context, snapshots []document.Snapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, snapshots)
	return int64(len(snapshots)), nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestSnapshotterPersistsRegistry(t *testing.T) {
	service := newTestService(t)
	registry := document.NewRegistry(document.RegistryConfig{Loader: service})
	defer registry.Close()
	ctx := context.Background()

	if err := registry.Initialize(ctx, "doc-1", "seeded", 5); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	snapshotter := NewSnapshotter(SnapshotterConfig{Source: registry, Sink: service})
	written, err := snapshotter.Flush(ctx)
	if err != nil || written != 1 {
		t.Fatalf("flush failed: written=%d err=%v", written, err)
	}

	reloaded := document.NewRegistry(document.RegistryConfig{Loader: service})
	defer reloaded.Close()
	worker, err := reloaded.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer reloaded.Release("doc-1")
	snapshot, err := worker.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapshot.Content != "seeded" || snapshot.Version != 5 {
		t.Fatalf("expected persisted document, got %+v", snapshot)
	}
}

func TestSnapshotterRunFlushesOnShutdown(t *testing.T) {
	registry := document.NewRegistry(document.RegistryConfig{})
	defer registry.Close()
	if err := registry.Initialize(context.Background(), "doc-1", "x", 1); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	sink := &recordingSink{}
	snapshotter := NewSnapshotter(SnapshotterConfig{Source: registry, Sink: sink, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		snapshotter.Run(ctx)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("snapshotter did not stop")
	}
	if sink.count() != 1 {
		t.Fatalf("expected one final flush, got %d", sink.count())
	}
}
