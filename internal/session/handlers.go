package session

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/coedit/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
	"go.uber.org/zap"
)

func (m *Manager) handlePing(_ context.Context, _ *Connection, _ Envelope) []effect {
	return []effect{reply(TypePong, nil)}
}

func (m *Manager) handlePong(_ context.Context, conn *Connection, _ Envelope) []effect {
	conn.MarkAlive()
	return nil
}

func (m *Manager) handleDisconnect(_ context.Context, _ *Connection, _ Envelope) []effect {
	return []effect{closeConnection(CloseNormal, "client disconnect")}
}

func (m *Manager) handleJoinProject(ctx context.Context, conn *Connection, envelope Envelope) []effect {
	var payload JoinProjectPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return []effect{replyError(CodeInvalidPayload, err.Error(), "")}
	}
	identity := conn.Identity()
	documentID := payload.DocumentID

	allowed, err := m.access.CheckAccess(ctx, documentID, identity.UserID)
	if err != nil {
		m.logger.Error("access check failed",
			zap.String("document_id", documentID),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		return []effect{replyError(CodeInternal, "access check failed", "")}
	}
	if !allowed {
		m.logger.Warn("access denied",
			zap.String("document_id", documentID),
			zap.String("user_id", identity.UserID))
		return []effect{
			replyError(CodeAccessDenied, ErrAccessDenied.Error(), ""),
			closeConnection(ClosePolicyViolation, CodeAccessDenied),
		}
	}

	current := conn.DocumentID()
	if current != "" && current != documentID {
		m.leaveRoom(conn, current)
	}
	alreadyJoined := current == documentID

	worker, err := m.documents.Acquire(ctx, documentID)
	if err != nil {
		return []effect{replyError(CodeDocumentUnavailable, err.Error(), "")}
	}
	room := m.enterRoom(documentID)
	defer m.settleRoom(room)

	since := int64(0)
	if payload.KnownVersion != nil {
		since = *payload.KnownVersion
	}
	started := m.clock()
	detached := false
	_, err = worker.SyncThen(ctx, since, func(result document.SyncResult) {
		// membership and the catch-up are ordered against commits, so the
		// joiner sees every later operation exactly once
		var user ActiveUserPayload
		var isNew bool
		if !conn.join(documentID, worker, func() { user, isNew = room.add(conn, m.clock()) }) {
			detached = true
			return
		}
		room.setVersion(result.Version)

		effects := make([]effect, 0, 3)
		if isNew {
			effects = append(effects, broadcast(documentID, conn.ID(), TypeUserJoined, UserJoinedPayload{
				DocumentID: documentID,
				User:       user,
			}))
		}
		effects = append(effects, reply(TypeActiveUsers, ActiveUsersPayload{
			DocumentID: documentID,
			Version:    result.Version,
			Users:      room.ActiveUsers(),
		}))
		if payload.KnownVersion == nil || *payload.KnownVersion != result.Version {
			effects = append(effects, reply(TypeSyncResponse, syncResponse(result, payload.KnownVersion != nil)))
		}
		m.deliver(conn, effects...)
	})
	m.observeLatency("join_project", documentID, started)
	if err != nil || alreadyJoined || detached {
		m.documents.Release(documentID)
	}
	if err != nil {
		return []effect{replyError(CodeDocumentUnavailable, err.Error(), "")}
	}
	if detached {
		m.logger.Debug("join abandoned by a closed connection",
			zap.String("document_id", documentID),
			zap.String("connection_id", conn.ID()))
		return nil
	}
	m.logger.Debug("joined room",
		zap.String("document_id", documentID),
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", identity.UserID))
	return nil
}

func (m *Manager) handleLeaveProject(_ context.Context, conn *Connection, envelope Envelope) []effect {
	var payload LeaveProjectPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return []effect{replyError(CodeInvalidPayload, err.Error(), "")}
	}
	if conn.DocumentID() != payload.DocumentID {
		return []effect{replyError(CodeNotJoined, "not in this document", "")}
	}
	m.leaveRoom(conn, payload.DocumentID)
	return nil
}

// handleCursorMove is best effort: invalid or stray updates are dropped.
func (m *Manager) handleCursorMove(_ context.Context, conn *Connection, envelope Envelope) []effect {
	var payload CursorMovePayload
	if err := envelope.DecodePayload(&payload); err != nil {
		m.logger.Debug("cursor update dropped", zap.String("connection_id", conn.ID()), zap.Error(err))
		return nil
	}
	if conn.DocumentID() != payload.DocumentID {
		return nil
	}
	room, ok := m.Room(payload.DocumentID)
	if !ok {
		return nil
	}
	userID := conn.Identity().UserID
	color, ok := room.moveCursor(userID, payload.Position, payload.Selection, m.clock())
	if !ok {
		return nil
	}
	return []effect{broadcast(payload.DocumentID, conn.ID(), TypeCursorUpdate, CursorUpdatePayload{
		DocumentID: payload.DocumentID,
		UserID:     userID,
		Color:      color,
		Position:   payload.Position,
		Selection:  payload.Selection,
	})}
}

func (m *Manager) handleOperation(ctx context.Context, conn *Connection, envelope Envelope) []effect {
	var op ot.DocumentOperation
	if err := envelope.DecodePayload(&op); err != nil {
		return []effect{replyError(CodeInvalidPayload, err.Error(), op.ID)}
	}
	documentID, worker, rejection := m.checkOperation(conn, op)
	if rejection != nil {
		return []effect{*rejection}
	}

	started := m.clock()
	_, err := worker.ApplyThen(ctx, op, m.publishApplied(conn, documentID))
	m.observeLatency("operation", documentID, started)
	if err != nil {
		return []effect{m.operationFailed(conn, op, err)}
	}
	return nil
}

func (m *Manager) handleFlushQueue(ctx context.Context, conn *Connection, envelope Envelope) []effect {
	var payload FlushQueuePayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return []effect{replyError(CodeInvalidPayload, err.Error(), "")}
	}
	switch current := conn.DocumentID(); current {
	case "":
		return []effect{replyError(CodeNotJoined, "join a document first", "")}
	case payload.DocumentID:
	default:
		return []effect{replyError(CodeProjectMismatch, "flush targets another document", "")}
	}

	// every member must be addressable before any of them is applied
	var worker *document.Worker
	for _, op := range payload.Operations {
		var rejection *effect
		_, worker, rejection = m.checkOperation(conn, op)
		if rejection != nil {
			return []effect{*rejection}
		}
	}
	baseVersion := payload.Operations[0].Version - 1
	if payload.BaseVersion != nil {
		baseVersion = *payload.BaseVersion
	}
	if baseVersion < 0 {
		baseVersion = 0
	}

	started := m.clock()
	result, err := worker.ApplyChainThen(ctx, baseVersion, payload.Operations, m.publishApplied(conn, payload.DocumentID))
	m.observeLatency("flush_queue", payload.DocumentID, started)
	if err != nil {
		return []effect{m.operationFailed(conn, payload.Operations[0], err)}
	}
	if result.Err != nil {
		return []effect{m.operationFailed(conn, payload.Operations[len(result.Applied)], result.Err)}
	}
	m.logger.Debug("offline queue flushed",
		zap.String("document_id", payload.DocumentID),
		zap.String("user_id", conn.Identity().UserID),
		zap.Int("operations", len(result.Applied)))
	return nil
}

func (m *Manager) handleSyncRequest(ctx context.Context, conn *Connection, envelope Envelope) []effect {
	var payload SyncRequestPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return []effect{replyError(CodeInvalidPayload, err.Error(), "")}
	}
	documentID, worker := conn.membership()
	if documentID == "" {
		return []effect{replyError(CodeNotJoined, "join a document first", "")}
	}
	if documentID != payload.DocumentID {
		return []effect{replyError(CodeProjectMismatch, "sync requested for another document", "")}
	}
	started := m.clock()
	_, err := worker.SyncThen(ctx, payload.Version, func(result document.SyncResult) {
		m.deliver(conn, reply(TypeSyncResponse, syncResponse(result, true)))
	})
	m.observeLatency("sync_request", documentID, started)
	if err != nil {
		return []effect{replyError(CodeDocumentUnavailable, err.Error(), "")}
	}
	return nil
}

// checkOperation resolves the room an operation targets and rejects it when
// it is addressed to another document or authored by another user.
func (m *Manager) checkOperation(conn *Connection, op ot.DocumentOperation) (string, *document.Worker, *effect) {
	documentID, worker := conn.membership()
	if documentID == "" {
		rejection := replyError(CodeNotJoined, "join a document first", op.ID)
		return "", nil, &rejection
	}
	if op.DocumentID != documentID {
		rejection := replyError(CodeProjectMismatch, "operation targets another document", op.ID)
		return "", nil, &rejection
	}
	if op.UserID != conn.Identity().UserID {
		rejection := replyError(CodeUserMismatch, "operation authored by another user", op.ID)
		return "", nil, &rejection
	}
	return documentID, worker, nil
}

// publishApplied acknowledges the sender and fans the applied operation out
// to the rest of the room. It runs on the document worker.
func (m *Manager) publishApplied(conn *Connection, documentID string) document.CommitHook {
	return func(applied ot.DocumentOperation) {
		if room, ok := m.Room(documentID); ok {
			room.touch(applied.UserID, applied.Version, m.clock())
		}
		m.deliver(conn,
			reply(TypeOperationAck, OperationAckPayload{
				OperationID: applied.ID,
				DocumentID:  documentID,
				Version:     applied.Version,
			}),
			broadcast(documentID, conn.ID(), TypeOperation, applied),
		)
	}
}

func (m *Manager) operationFailed(conn *Connection, op ot.DocumentOperation, err error) effect {
	reason := CodeOperationFailed
	var failure *document.OperationFailedError
	if errors.As(err, &failure) {
		reason = failure.Reason()
	}
	m.logger.Warn("operation rejected",
		zap.String("operation_id", op.ID),
		zap.String("document_id", op.DocumentID),
		zap.String("user_id", conn.Identity().UserID),
		zap.String("reason", reason),
		zap.Error(err))
	if !errors.Is(err, document.ErrOperationFailed) {
		return replyError(CodeDocumentUnavailable, err.Error(), op.ID)
	}
	return replyError(CodeOperationFailed, err.Error(), op.ID)
}

func syncResponse(result document.SyncResult, withHistory bool) SyncResponsePayload {
	response := SyncResponsePayload{
		DocumentID: result.DocumentID,
		Content:    result.Content,
		Version:    result.Version,
		Operations: []ot.DocumentOperation{},
	}
	if withHistory && result.Complete {
		response.Operations = result.Operations
		response.Complete = true
	}
	return response
}
