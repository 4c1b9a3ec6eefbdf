package client

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/coedit/internal/offline"
	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
	"github.com/MarcoPoloResearchLab/coedit/internal/session"
	"go.uber.org/zap"
)

func (c *Client) handle(envelope session.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch envelope.Type {
	case session.TypeConnect:
		err = c.handleConnect(envelope)
	case session.TypeActiveUsers:
		err = c.handleActiveUsers(envelope)
	case session.TypeSyncResponse:
		err = c.handleSyncResponse(envelope)
	case session.TypeOperation:
		err = c.handleOperation(envelope)
	case session.TypeOperationAck:
		err = c.handleAck(envelope)
	case session.TypeError:
		err = c.handleError(envelope)
	case session.TypeUserJoined:
		var payload session.UserJoinedPayload
		if err = envelope.DecodePayload(&payload); err == nil {
			c.emit(Event{Kind: EventUserJoined, UserID: payload.User.UserID, Users: []session.ActiveUserPayload{payload.User}})
		}
	case session.TypeUserLeft:
		var payload session.UserLeftPayload
		if err = envelope.DecodePayload(&payload); err == nil {
			c.emit(Event{Kind: EventUserLeft, UserID: payload.UserID})
		}
	case session.TypeCursorUpdate:
		var payload session.CursorUpdatePayload
		if err = envelope.DecodePayload(&payload); err == nil {
			c.emit(Event{Kind: EventCursor, UserID: payload.UserID, Cursor: &payload})
		}
	case session.TypePing:
		err = c.sendLocked(session.TypePong, nil)
	case session.TypePong:
	default:
		c.logger.Debug("ignoring server message", zap.String("type", string(envelope.Type)))
	}
	if err != nil {
		c.logger.Warn("server message not handled", zap.String("type", string(envelope.Type)), zap.Error(err))
	}
}

func (c *Client) handleConnect(envelope session.Envelope) error {
	var payload session.ConnectPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return err
	}
	if c.queue == nil || c.userID != payload.UserID {
		queue, err := offline.NewQueue(offline.Config{
			DocumentID: c.documentID,
			UserID:     payload.UserID,
			MaxSize:    c.queueSize,
			MaxRetries: c.maxRetries,
			Clock:      c.clock,
			Logger:     c.logger,
		})
		if err != nil {
			return err
		}
		c.queue = queue
		c.userID = payload.UserID
		c.synced = false
		c.content = ""
	}
	c.moveTo(session.StateConnected)

	join := session.JoinProjectPayload{DocumentID: c.documentID}
	if c.synced {
		known := c.queue.BaseVersion()
		join.KnownVersion = &known
	}
	return c.sendLocked(session.TypeJoinProject, join)
}

func (c *Client) handleActiveUsers(envelope session.Envelope) error {
	var payload session.ActiveUsersPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return err
	}
	c.emit(Event{Kind: EventUsers, Users: payload.Users, Version: payload.Version})
	if c.joined {
		return nil
	}
	c.joined = true
	if !c.synced || payload.Version != c.queue.BaseVersion() {
		// a sync response follows
		return nil
	}
	if c.hardResync {
		return c.requestSyncLocked()
	}
	return c.reconcileLocked()
}

// handleSyncResponse rebases queued edits past the missed history, or adopts
// the server content when the history is gone.
func (c *Client) handleSyncResponse(envelope session.Envelope) error {
	var payload session.SyncResponsePayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return err
	}

	switch {
	case !c.synced:
		c.adoptLocked(payload)
	case c.hardResync || !payload.Complete:
		c.adoptLocked(payload)
	default:
		rebased, err := c.queue.TransformAgainst(payload.Operations)
		if err == nil {
			err = c.applyRemoteLocked(rebased)
		}
		if err != nil {
			c.logger.Warn("rebase after sync failed", zap.Error(err))
			c.adoptLocked(payload)
		} else {
			c.queue.AdvanceBase(payload.Version)
		}
	}
	c.synced = true
	c.hardResync = false

	content, version := c.content, c.queue.BaseVersion()
	c.emit(Event{Kind: EventSynced, Content: content, Version: version})
	if !c.reconciled {
		return c.reconcileLocked()
	}
	return nil
}

// adoptLocked replaces the local text with the server's and discards queued
// edits, reporting them as lost.
func (c *Client) adoptLocked(payload session.SyncResponsePayload) {
	dropped := c.queue.Reset(payload.Version)
	c.content = payload.Content
	if len(dropped) == 0 {
		return
	}
	lost := make([]ot.DocumentOperation, 0, len(dropped))
	for _, entry := range dropped {
		lost = append(lost, entry.Operation)
	}
	c.logger.Warn("local changes dropped", zap.Int("operations", len(lost)), zap.Int64("version", payload.Version))
	c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %d operations", ErrLocalChangesDropped, len(lost)), Dropped: lost})
}

func (c *Client) handleOperation(envelope session.Envelope) error {
	var op ot.DocumentOperation
	if err := envelope.DecodePayload(&op); err != nil {
		return err
	}
	if !c.synced || op.DocumentID != c.documentID {
		return nil
	}
	rebased, err := c.queue.TransformAgainst([]ot.DocumentOperation{op})
	if err == nil {
		err = c.applyRemoteLocked(rebased)
	}
	if err != nil {
		c.logger.Warn("remote operation could not be applied", zap.String("operation_id", op.ID), zap.Error(err))
		return c.forceResyncLocked()
	}
	return nil
}

func (c *Client) applyRemoteLocked(ops []ot.DocumentOperation) error {
	content := c.content
	for _, op := range ops {
		next, err := ot.Apply(content, op.Operations)
		if err != nil {
			return fmt.Errorf("apply %s: %w", op.ID, err)
		}
		content = next
	}
	c.content = content
	for index := range ops {
		op := ops[index]
		c.emit(Event{Kind: EventRemoteOperation, Operation: &op, Version: op.Version, Content: content})
	}
	return nil
}

func (c *Client) handleAck(envelope session.Envelope) error {
	var payload session.OperationAckPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return err
	}
	if c.queue == nil {
		return nil
	}
	c.queue.MarkSynced(payload.OperationID)
	c.queue.AdvanceBase(payload.Version)
	c.emit(Event{
		Kind:      EventAcknowledged,
		Operation: &ot.DocumentOperation{ID: payload.OperationID, DocumentID: payload.DocumentID, Version: payload.Version},
		Version:   payload.Version,
	})
	c.pumpLocked()
	return nil
}

func (c *Client) handleError(envelope session.Envelope) error {
	var payload session.ErrorPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		return err
	}
	c.emit(Event{Kind: EventError, Err: errors.New(payload.Message), Failure: &payload})

	switch payload.Code {
	case session.CodeAuthenticationFailed, session.CodeAccessDenied:
		c.rejection = &payload
		return nil
	}
	if payload.OperationID == "" || c.queue == nil {
		return nil
	}
	if !c.queuedLocked(payload.OperationID) {
		// answer for an edit a reset already discarded
		return nil
	}
	retryable := c.queue.MarkFailed(payload.OperationID)
	c.queue.ReleaseInFlight()
	if !retryable {
		c.logger.Warn("operation abandoned", zap.String("operation_id", payload.OperationID), zap.String("code", payload.Code))
		return c.forceResyncLocked()
	}
	return nil
}

// reconcileLocked sends everything queued while offline in one flush, after
// the queue was rebased onto the server version.
func (c *Client) reconcileLocked() error {
	c.reconciled = true
	if c.queue.Len() == 0 {
		return nil
	}
	if merged := c.queue.Optimize(); merged > 0 {
		c.logger.Debug("offline queue compacted", zap.Int("merged", merged))
	}
	base := c.queue.BaseVersion()
	ops := c.queue.PrepareForFlush(base)
	c.logger.Info("flushing offline queue", zap.Int("operations", len(ops)), zap.Int64("base_version", base))
	return c.sendLocked(session.TypeFlushQueue, session.FlushQueuePayload{
		DocumentID:  c.documentID,
		BaseVersion: &base,
		Operations:  ops,
	})
}

// pumpLocked submits the oldest queued entry when nothing is awaiting an
// answer and the entry is due.
func (c *Client) pumpLocked() {
	if c.queue == nil || c.socket == nil || !c.joined || !c.reconciled {
		return
	}
	if c.queue.InFlightCount() > 0 {
		return
	}
	entries := c.queue.Entries()
	if len(entries) == 0 {
		return
	}
	head := entries[0].Operation.ID
	due := c.queue.RetryableOperations(c.retryDelay)
	if len(due) == 0 || due[0].ID != head {
		return
	}
	op, ok := c.queue.MarkInFlight(head, c.queue.BaseVersion())
	if !ok {
		return
	}
	if err := c.sendLocked(session.TypeOperation, op); err != nil {
		c.queue.ReleaseInFlight()
	}
}

func (c *Client) requestSyncLocked() error {
	return c.sendLocked(session.TypeSyncRequest, session.SyncRequestPayload{
		DocumentID: c.documentID,
		Version:    c.queue.BaseVersion(),
	})
}

// forceResyncLocked gives up on the local state: the next sync response
// replaces it.
func (c *Client) forceResyncLocked() error {
	c.hardResync = true
	c.reconciled = false
	if c.socket == nil || !c.joined {
		return nil
	}
	return c.requestSyncLocked()
}

func (c *Client) queuedLocked(operationID string) bool {
	for _, entry := range c.queue.Entries() {
		if entry.Operation.ID == operationID {
			return true
		}
	}
	return false
}
