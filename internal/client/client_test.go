package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/internal/offline"
	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
	"github.com/MarcoPoloResearchLab/coedit/internal/session"
	"github.com/gorilla/websocket"
)

const testDocumentID = "doc-1"

type staticAuthenticator map[string]session.Identity

func (a staticAuthenticator) Verify(_ context.Context, token string) (session.Identity, error) {
	identity, ok := a[token]
	if !ok {
		return session.Identity{}, errors.New("unknown token")
	}
	return identity, nil
}

var testIdentities = staticAuthenticator{
	"token-alice": {UserID: "alice", FirstName: "Alice"},
	"token-bob":   {UserID: "bob", FirstName: "Bob"},
}

type testServer struct {
	url       string
	documents *document.Registry
	sessions  *session.Manager
}

func newTestServer(t *testing.T, content string, version int64) testServer {
	t.Helper()
	documents := document.NewRegistry(document.RegistryConfig{Retention: time.Hour})
	t.Cleanup(documents.Close)
	if err := documents.Initialize(context.Background(), testDocumentID, content, version); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	manager, err := session.NewManager(session.Config{
		Documents:     documents,
		Authenticator: testIdentities,
		Access: session.AccessCheckerFunc(func(context.Context, string, string) (bool, error) {
			return true, nil
		}),
	})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	t.Cleanup(manager.Close)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		manager.ServeWebsocket(r.Context(), socket, token, session.TransportConfig{PingTimeout: 2 * time.Second})
	}))
	t.Cleanup(server.Close)
	return testServer{url: "ws" + strings.TrimPrefix(server.URL, "http"), documents: documents, sessions: manager}
}

func (s testServer) content(t *testing.T) (string, int64) {
	t.Helper()
	ctx := context.Background()
	worker, err := s.documents.Acquire(ctx, testDocumentID)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer s.documents.Release(testDocumentID)
	snapshot, err := worker.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return snapshot.Content, snapshot.Version
}

type runningClient struct {
	*Client
	cancel context.CancelFunc
	done   chan error
}

func startClient(t *testing.T, server testServer, token string, configure func(*Config)) runningClient {
	t.Helper()
	cfg := Config{
		URL:        server.url,
		Token:      token,
		DocumentID: testDocumentID,
		RetryDelay: 50 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("client did not stop")
		}
	})
	return runningClient{Client: client, cancel: cancel, done: done}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func (c *Client) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced && c.joined && c.reconciled && c.socket != nil
}

func (c *Client) dropLink() {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket != nil {
		_ = socket.Close()
	}
}

func mustSubmit(t *testing.T, client *Client, ops ...ot.TextOperation) {
	t.Helper()
	if _, err := client.Submit(ops...); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
}

func settled(client *Client, want string) func() bool {
	return func() bool {
		content, _ := client.Content()
		return content == want && client.Pending() == 0
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{DocumentID: testDocumentID}); !errors.Is(err, errMissingURL) {
		t.Fatalf("expected missing url error, got %v", err)
	}
	if _, err := New(Config{URL: "ws://localhost"}); !errors.Is(err, errMissingDocumentID) {
		t.Fatalf("expected missing document error, got %v", err)
	}
}

func TestSubmitBeforeSyncFails(t *testing.T) {
	client, err := New(Config{URL: "ws://localhost", DocumentID: testDocumentID})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	if _, err := client.Submit(ot.Insert(0, "x")); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected ErrNotSynced, got %v", err)
	}
	if err := client.Resync(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if client.State() != session.StateConnecting {
		t.Fatalf("expected connecting, got %s", client.State())
	}
}

func TestClientLoadsDocumentOnJoin(t *testing.T) {
	server := newTestServer(t, "Hello", 3)
	alice := startClient(t, server, "token-alice", nil)
	waitFor(t, "alice ready", alice.ready)

	content, version := alice.Content()
	if content != "Hello" || version != 3 {
		t.Fatalf("unexpected document %q v%d", content, version)
	}
	if alice.State() != session.StateConnected {
		t.Fatalf("expected connected, got %s", alice.State())
	}
}

func TestConcurrentEditsConverge(t *testing.T) {
	server := newTestServer(t, "Hello", 1)
	alice := startClient(t, server, "token-alice", nil)
	bob := startClient(t, server, "token-bob", nil)
	waitFor(t, "alice ready", alice.ready)
	waitFor(t, "bob ready", bob.ready)

	mustSubmit(t, alice.Client, ot.Insert(5, " world"))
	mustSubmit(t, bob.Client, ot.Insert(0, ">"))
	mustSubmit(t, alice.Client, ot.Insert(11, "!"))

	want := ">Hello world!"
	waitFor(t, "alice converged", settled(alice.Client, want))
	waitFor(t, "bob converged", settled(bob.Client, want))
	content, version := server.content(t)
	if content != want || version != 4 {
		t.Fatalf("unexpected server document %q v%d", content, version)
	}
	_, aliceVersion := alice.Content()
	waitFor(t, "bob caught up", func() bool {
		_, bobVersion := bob.Content()
		return bobVersion == 4
	})
	if aliceVersion != 4 {
		t.Fatalf("expected alice at version 4, got %d", aliceVersion)
	}
}

func TestServerResetReplacesLocalDocument(t *testing.T) {
	server := newTestServer(t, "Hello", 3)
	alice := startClient(t, server, "token-alice", nil)
	waitFor(t, "alice ready", alice.ready)
	mustSubmit(t, alice.Client, ot.Insert(5, " there"))
	waitFor(t, "alice settled", settled(alice.Client, "Hello there"))

	if err := server.sessions.ResetDocument(context.Background(), testDocumentID, "Fresh", 0); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	waitFor(t, "alice adopted the reset", func() bool {
		content, version := alice.Content()
		return content == "Fresh" && version == 0
	})

	mustSubmit(t, alice.Client, ot.Insert(5, "!"))
	waitFor(t, "alice settled after reset", settled(alice.Client, "Fresh!"))
	content, version := server.content(t)
	if content != "Fresh!" || version != 1 {
		t.Fatalf("unexpected server document %q v%d", content, version)
	}
}

func TestOfflineEditsFlushOnReconnect(t *testing.T) {
	server := newTestServer(t, "Hello", 1)
	alice := startClient(t, server, "token-alice", nil)
	bob := startClient(t, server, "token-bob", func(cfg *Config) {
		cfg.RetryDelay = 300 * time.Millisecond
	})
	waitFor(t, "alice ready", alice.ready)
	waitFor(t, "bob ready", bob.ready)

	bob.dropLink()
	waitFor(t, "bob offline", func() bool { return bob.State() == session.StateReconnecting })

	mustSubmit(t, bob.Client, ot.Insert(5, "B"))
	mustSubmit(t, bob.Client, ot.Insert(6, "C"))
	if content, _ := bob.Content(); content != "HelloBC" {
		t.Fatalf("offline edits not applied locally: %q", content)
	}
	mustSubmit(t, alice.Client, ot.Insert(0, "A"))

	want := "AHelloBC"
	waitFor(t, "alice converged", settled(alice.Client, want))
	waitFor(t, "bob converged", settled(bob.Client, want))
	if bob.State() != session.StateConnected {
		t.Fatalf("expected bob connected, got %s", bob.State())
	}
	content, _ := server.content(t)
	if content != want {
		t.Fatalf("unexpected server document %q", content)
	}
}

func TestQueueLimitSurfacesWhileOffline(t *testing.T) {
	server := newTestServer(t, "", 0)
	alice := startClient(t, server, "token-alice", func(cfg *Config) {
		cfg.QueueSize = 2
		cfg.RetryDelay = time.Minute
	})
	waitFor(t, "alice ready", alice.ready)

	alice.dropLink()
	waitFor(t, "alice offline", func() bool { return alice.State() == session.StateReconnecting })

	mustSubmit(t, alice.Client, ot.Insert(0, "a"))
	mustSubmit(t, alice.Client, ot.Insert(1, "b"))
	if _, err := alice.Submit(ot.Insert(2, "c")); !errors.Is(err, offline.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if content, _ := alice.Content(); content != "ab" {
		t.Fatalf("rejected edit changed the text: %q", content)
	}
	if err := alice.MoveCursor(1, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	alice.cancel()
	select {
	case err := <-alice.done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		alice.done <- err
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return")
	}
	if alice.State() != session.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", alice.State())
	}
}

func TestRejectedTokenStopsRun(t *testing.T) {
	server := newTestServer(t, "", 0)
	client, err := New(Config{URL: server.url, Token: "forged", DocumentID: testDocumentID})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Run(ctx); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if client.State() != session.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", client.State())
	}
}

func TestDisconnectEndsRun(t *testing.T) {
	server := newTestServer(t, "Hello", 1)
	alice := startClient(t, server, "token-alice", nil)
	waitFor(t, "alice ready", alice.ready)

	if err := alice.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	select {
	case err := <-alice.done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
		alice.done <- err
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return")
	}
	if alice.State() != session.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", alice.State())
	}
}

func TestPresenceEventsReachClients(t *testing.T) {
	server := newTestServer(t, "Hello", 1)
	alice := startClient(t, server, "token-alice", nil)
	waitFor(t, "alice ready", alice.ready)
	bob := startClient(t, server, "token-bob", nil)
	waitFor(t, "bob ready", bob.ready)

	if err := bob.MoveCursor(2, &session.Selection{Start: 1, End: 3}); err != nil {
		t.Fatalf("move cursor failed: %v", err)
	}

	sawJoin, sawCursor := false, false
	deadline := time.After(5 * time.Second)
	for !sawJoin || !sawCursor {
		select {
		case event := <-alice.Events():
			switch event.Kind {
			case EventUserJoined:
				sawJoin = sawJoin || event.UserID == "bob"
			case EventCursor:
				sawCursor = sawCursor || (event.UserID == "bob" && event.Cursor.Position == 2)
			}
		case <-deadline:
			t.Fatalf("missing presence events: join=%v cursor=%v", sawJoin, sawCursor)
		}
	}
}
