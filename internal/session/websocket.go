package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultPingTimeout is how long a ping may stay unanswered.
	DefaultPingTimeout = 10 * time.Second
	// DefaultMaxPayloadBytes caps one inbound frame.
	DefaultMaxPayloadBytes = 1 << 20
	defaultWriteWait       = 10 * time.Second
)

// TransportConfig tunes the websocket side of a connection.
type TransportConfig struct {
	PingTimeout     time.Duration
	MaxPayloadBytes int64
	WriteWait       time.Duration
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	return c
}

// ServeWebsocket runs one upgraded socket until either side closes it. The
// token is verified first; a rejected socket gets an ERROR message and a
// policy-violation close frame and never reaches the connected state.
func (m *Manager) ServeWebsocket(ctx context.Context, socket *websocket.Conn, token string, cfg TransportConfig) {
	cfg = cfg.withDefaults()
	defer socket.Close()
	socket.SetReadLimit(cfg.MaxPayloadBytes)

	verifyCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	conn, err := m.Connect(verifyCtx, token)
	cancel()
	if err != nil {
		m.rejectSocket(socket, cfg)
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.writePump(socket, conn, cfg)
	}()
	m.readPump(ctx, socket, conn, cfg)
	m.Disconnect(conn)
	<-writerDone
}

func (m *Manager) rejectSocket(socket *websocket.Conn, cfg TransportConfig) {
	deadline := time.Now().Add(cfg.WriteWait)
	if frame, err := m.encode(TypeError, ErrorPayload{Code: CodeAuthenticationFailed, Message: ErrAuthenticationFailed.Error()}); err == nil {
		_ = socket.SetWriteDeadline(deadline)
		_ = socket.WriteMessage(websocket.TextMessage, frame)
	}
	closeFrame := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, CodeAuthenticationFailed)
	_ = socket.WriteControl(websocket.CloseMessage, closeFrame, deadline)
}

func (m *Manager) readPump(ctx context.Context, socket *websocket.Conn, conn *Connection, cfg TransportConfig) {
	readWait := m.pingInterval + cfg.PingTimeout
	_ = socket.SetReadDeadline(time.Now().Add(readWait))
	socket.SetPongHandler(func(string) error {
		conn.MarkAlive()
		return socket.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, frame, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				m.logger.Warn("websocket read failed", zap.String("connection_id", conn.ID()), zap.Error(err))
			}
			return
		}
		_ = socket.SetReadDeadline(time.Now().Add(readWait))
		m.HandleMessage(ctx, conn, frame)
	}
}

func (m *Manager) writePump(socket *websocket.Conn, conn *Connection, cfg TransportConfig) {
	for {
		select {
		case frame := <-conn.Outbound():
			_ = socket.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				m.logger.Debug("websocket write failed", zap.String("connection_id", conn.ID()), zap.Error(err))
				_ = socket.Close()
				return
			}
		case <-conn.Pings():
			if err := socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				_ = socket.Close()
				return
			}
		case <-conn.Done():
			m.drain(socket, conn, cfg)
			signal := conn.CloseSignal()
			closeFrame := websocket.FormatCloseMessage(signal.Code, signal.Reason)
			_ = socket.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(cfg.WriteWait))
			_ = socket.Close()
			return
		}
	}
}

// drain writes frames queued before the connection was terminated, such as
// the error explaining the termination.
func (m *Manager) drain(socket *websocket.Conn, conn *Connection, cfg TransportConfig) {
	for {
		select {
		case frame := <-conn.Outbound():
			_ = socket.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send encodes payload and writes it as one text frame. It is meant for
// clients; server connections write through their pumps.
func Send(socket *websocket.Conn, messageType MessageType, payload any, timestampMillis int64, messageID string) error {
	envelope, err := NewEnvelope(messageType, payload, timestampMillis)
	if err != nil {
		return err
	}
	envelope.MessageID = messageID
	frame, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return socket.WriteMessage(websocket.TextMessage, frame)
}
