package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
	"go.uber.org/zap"
)

const (
	// DefaultPingInterval is the heartbeat period.
	DefaultPingInterval = 30 * time.Second
	// DefaultSyncThreshold is the soft latency target for applying and syncing.
	DefaultSyncThreshold = 200 * time.Millisecond
)

var (
	// ErrAuthenticationFailed indicates the connection token was rejected.
	ErrAuthenticationFailed = errors.New("session: authentication failed")
	// ErrAccessDenied indicates the caller may not open the document.
	ErrAccessDenied = errors.New("session: access denied")

	errMissingDocuments     = errors.New("session: document registry is required")
	errMissingAuthenticator = errors.New("session: authenticator is required")
	errMissingAccessChecker = errors.New("session: access checker is required")
)

// Authenticator verifies the token presented when a connection opens.
type Authenticator interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// AccessChecker decides whether a user may join a document.
type AccessChecker interface {
	CheckAccess(ctx context.Context, documentID, userID string) (bool, error)
}

// AccessCheckerFunc adapts a function to AccessChecker.
type AccessCheckerFunc func(ctx context.Context, documentID, userID string) (bool, error)

// CheckAccess calls f.
func (f AccessCheckerFunc) CheckAccess(ctx context.Context, documentID, userID string) (bool, error) {
	return f(ctx, documentID, userID)
}

// Config wires a Manager to its collaborators.
type Config struct {
	Documents     *document.Registry
	Authenticator Authenticator
	Access        AccessChecker
	PingInterval  time.Duration
	SyncThreshold time.Duration
	SendBuffer    int
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
}

type handlerFunc func(ctx context.Context, conn *Connection, envelope Envelope) []effect

// Manager owns the live connections and rooms of one server.
type Manager struct {
	documents     *document.Registry
	auth          Authenticator
	access        AccessChecker
	pingInterval  time.Duration
	syncThreshold time.Duration
	sendBuffer    int
	clock         func() time.Time
	ids           IDProvider
	logger        *zap.Logger
	handlers      map[MessageType]handlerFunc

	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]*roomSlot
}

// roomSlot counts joins in progress so a room is never dropped between
// lookup and registration of a joining connection.
type roomSlot struct {
	room    *Room
	pending int
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.Access == nil {
		return nil, errMissingAccessChecker
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	syncThreshold := cfg.SyncThreshold
	if syncThreshold <= 0 {
		syncThreshold = DefaultSyncThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &Manager{
		documents:     cfg.Documents,
		auth:          cfg.Authenticator,
		access:        cfg.Access,
		pingInterval:  pingInterval,
		syncThreshold: syncThreshold,
		sendBuffer:    cfg.SendBuffer,
		clock:         clock,
		ids:           ids,
		logger:        logger,
		connections:   make(map[string]*Connection),
		rooms:         make(map[string]*roomSlot),
	}
	manager.handlers = map[MessageType]handlerFunc{
		TypePing:           manager.handlePing,
		TypePong:           manager.handlePong,
		TypeDisconnect:     manager.handleDisconnect,
		TypeJoinProject:    manager.handleJoinProject,
		TypeLeaveProject:   manager.handleLeaveProject,
		TypeCursorMove:     manager.handleCursorMove,
		TypeOperation:      manager.handleOperation,
		TypeQueueOperation: manager.handleOperation,
		TypeSyncRequest:    manager.handleSyncRequest,
		TypeFlushQueue:     manager.handleFlushQueue,
	}
	return manager, nil
}

// Connect authenticates token and admits a new connection. On failure the
// returned error wraps ErrAuthenticationFailed and no connection exists.
func (m *Manager) Connect(ctx context.Context, token string) (*Connection, error) {
	connectionID, err := m.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("connection id: %w", err)
	}
	conn := newConnection(connectionID, m.sendBuffer)

	identity, err := m.auth.Verify(ctx, token)
	if err == nil && identity.UserID == "" {
		err = errors.New("empty user id")
	}
	if err != nil {
		_, _ = conn.state.Transition(StateDisconnected)
		conn.terminate(ClosePolicyViolation, CodeAuthenticationFailed)
		m.logger.Warn("connection rejected", zap.String("connection_id", connectionID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	conn.identity = identity
	if _, err := conn.state.Transition(StateConnected); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.connections[conn.ID()] = conn
	m.mu.Unlock()

	m.logger.Info("connection established",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", identity.UserID))
	m.deliver(conn, reply(TypeConnect, ConnectPayload{
		ConnectionID: conn.ID(),
		UserID:       identity.UserID,
		Email:        identity.Email,
		FirstName:    identity.FirstName,
		LastName:     identity.LastName,
	}))
	return conn, nil
}

// HandleMessage decodes one inbound frame and runs its handler.
func (m *Manager) HandleMessage(ctx context.Context, conn *Connection, raw []byte) {
	if !conn.State().Online() {
		return
	}
	conn.MarkAlive()
	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		m.logger.Debug("undecodable message", zap.String("connection_id", conn.ID()), zap.Error(err))
		m.deliver(conn, replyError(CodeInvalidMessage, err.Error(), ""))
		return
	}
	handler, ok := m.handlers[envelope.Type]
	if !ok {
		m.deliver(conn, replyError(CodeUnknownType, fmt.Sprintf("unsupported message type %q", envelope.Type), ""))
		return
	}
	m.deliver(conn, handler(ctx, conn, envelope)...)
}

// Disconnect runs the cleanup for a connection that went away: it leaves its
// room, announces the departure and forgets the connection. It is idempotent.
func (m *Manager) Disconnect(conn *Connection) {
	if _, err := conn.state.Transition(StateDisconnected); err != nil {
		return
	}
	if documentID := conn.detach(); documentID != "" {
		m.leaveRoom(conn, documentID)
	}
	conn.terminate(CloseNormal, "")

	m.mu.Lock()
	delete(m.connections, conn.ID())
	m.mu.Unlock()
	m.logger.Info("connection closed",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.Identity().UserID))
}

// Run drives the heartbeat until ctx ends. A connection that showed no sign
// of life since the previous cycle is terminated.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Heartbeat()
		}
	}
}

// Heartbeat runs one heartbeat cycle.
func (m *Manager) Heartbeat() {
	for _, conn := range m.Connections() {
		if !conn.heartbeat() {
			m.logger.Warn("heartbeat missed",
				zap.String("connection_id", conn.ID()),
				zap.String("user_id", conn.Identity().UserID))
			m.terminate(conn, CloseGoingAway, "heartbeat timeout")
			continue
		}
		conn.requestPing()
	}
}

// Close terminates every connection.
func (m *Manager) Close() {
	for _, conn := range m.Connections() {
		m.terminate(conn, CloseGoingAway, "server shutting down")
	}
}

// Connections returns the live connections.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		out = append(out, conn)
	}
	return out
}

// Room returns the room of documentID, if one is open.
func (m *Manager) Room(documentID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.rooms[documentID]
	if !ok {
		return nil, false
	}
	return slot.room, true
}

// ResetDocument replaces the content and version of documentID. Members of
// its room receive the new state as an incomplete sync response before any
// later operation, so they drop what they held and continue from it.
func (m *Manager) ResetDocument(ctx context.Context, documentID, content string, version int64) error {
	return m.documents.InitializeThen(ctx, documentID, content, version, func(snapshot document.Snapshot) {
		room, ok := m.Room(snapshot.DocumentID)
		if !ok {
			return
		}
		room.resetVersion(snapshot.Version)
		m.logger.Info("room reset",
			zap.String("document_id", snapshot.DocumentID),
			zap.Int64("version", snapshot.Version),
			zap.Int("members", room.size()))
		m.deliver(nil, broadcast(snapshot.DocumentID, "", TypeSyncResponse, SyncResponsePayload{
			DocumentID: snapshot.DocumentID,
			Content:    snapshot.Content,
			Version:    snapshot.Version,
			Operations: []ot.DocumentOperation{},
		}))
	})
}

func (m *Manager) terminate(conn *Connection, code int, reason string) {
	conn.terminate(code, reason)
	m.Disconnect(conn)
}

// enterRoom returns the room of documentID, creating it if needed, and pins
// it until settleRoom.
func (m *Manager) enterRoom(documentID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.rooms[documentID]
	if !ok {
		slot = &roomSlot{room: newRoom(documentID, m.clock())}
		m.rooms[documentID] = slot
	}
	slot.pending++
	return slot.room
}

func (m *Manager) settleRoom(room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.rooms[room.documentID]
	if !ok || slot.room != room {
		return
	}
	slot.pending--
	m.dropRoomLocked(slot)
}

func (m *Manager) dropRoomLocked(slot *roomSlot) {
	if slot.pending > 0 || slot.room.size() > 0 {
		return
	}
	delete(m.rooms, slot.room.documentID)
	m.logger.Debug("room closed", zap.String("document_id", slot.room.documentID))
}

func (m *Manager) leaveRoom(conn *Connection, documentID string) {
	if !conn.leave(documentID) {
		return
	}
	defer m.documents.Release(documentID)

	room, ok := m.Room(documentID)
	if !ok {
		return
	}
	userLeft, _ := room.remove(conn, m.clock())
	if userLeft {
		m.deliver(conn, broadcast(documentID, "", TypeUserLeft, UserLeftPayload{
			DocumentID: documentID,
			UserID:     conn.Identity().UserID,
		}))
	}
	m.mu.Lock()
	if slot, ok := m.rooms[documentID]; ok && slot.room == room {
		m.dropRoomLocked(slot)
	}
	m.mu.Unlock()
}

func (m *Manager) observeLatency(operation, documentID string, started time.Time) {
	elapsed := m.clock().Sub(started)
	if elapsed <= m.syncThreshold {
		return
	}
	m.logger.Warn("sync threshold exceeded",
		zap.String("operation", operation),
		zap.String("document_id", documentID),
		zap.Duration("elapsed", elapsed),
		zap.Duration("threshold", m.syncThreshold))
}

type effectKind int

const (
	effectReply effectKind = iota
	effectBroadcast
	effectClose
)

// effect is one outcome of a handler: a message to the sender, a message to
// a room, or the termination of the sender.
type effect struct {
	kind        effectKind
	messageType MessageType
	payload     any
	documentID  string
	exclude     string
	closeCode   int
	closeReason string
}

func reply(messageType MessageType, payload any) effect {
	return effect{kind: effectReply, messageType: messageType, payload: payload}
}

func replyError(code, message, operationID string) effect {
	return reply(TypeError, ErrorPayload{Code: code, Message: message, OperationID: operationID})
}

func broadcast(documentID, excludeConnectionID string, messageType MessageType, payload any) effect {
	return effect{kind: effectBroadcast, messageType: messageType, payload: payload, documentID: documentID, exclude: excludeConnectionID}
}

func closeConnection(code int, reason string) effect {
	return effect{kind: effectClose, closeCode: code, closeReason: reason}
}

// deliver carries out effects in order on behalf of conn. Sends never block.
func (m *Manager) deliver(conn *Connection, effects ...effect) {
	for _, current := range effects {
		switch current.kind {
		case effectReply:
			m.send(conn, current.messageType, current.payload)
		case effectBroadcast:
			room, ok := m.Room(current.documentID)
			if !ok {
				continue
			}
			frame, err := m.encode(current.messageType, current.payload)
			if err != nil {
				m.logger.Error("encode broadcast failed", zap.String("type", string(current.messageType)), zap.Error(err))
				continue
			}
			for _, recipient := range room.recipients(current.exclude) {
				m.push(recipient, frame)
			}
		case effectClose:
			m.terminate(conn, current.closeCode, current.closeReason)
		}
	}
}

func (m *Manager) send(conn *Connection, messageType MessageType, payload any) {
	frame, err := m.encode(messageType, payload)
	if err != nil {
		m.logger.Error("encode message failed", zap.String("type", string(messageType)), zap.Error(err))
		return
	}
	m.push(conn, frame)
}

func (m *Manager) push(conn *Connection, frame []byte) {
	if conn.enqueue(frame) {
		return
	}
	select {
	case <-conn.Done():
		return
	default:
	}
	m.logger.Warn("send buffer full, closing connection", zap.String("connection_id", conn.ID()))
	conn.terminate(CloseTryAgainLater, "send buffer full")
	// cleanup takes room and registry locks; keep it off the caller's path
	go m.Disconnect(conn)
}

func (m *Manager) encode(messageType MessageType, payload any) ([]byte, error) {
	envelope, err := NewEnvelope(messageType, payload, m.clock().UnixMilli())
	if err != nil {
		return nil, err
	}
	if messageID, idErr := m.ids.NewID(); idErr == nil {
		envelope.MessageID = messageID
	}
	return json.Marshal(envelope)
}
