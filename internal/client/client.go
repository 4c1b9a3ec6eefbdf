// Package client is a reconnecting editor session for one document. Local
// edits apply immediately and travel through an offline queue, so editing
// continues while the link is down and resumes transparently after it is back.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/offline"
	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
	"github.com/MarcoPoloResearchLab/coedit/internal/session"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultRetryDelay        = 500 * time.Millisecond
	DefaultMaxReconnectDelay = 30 * time.Second
	defaultReadTimeout       = session.DefaultPingInterval + session.DefaultPingTimeout
	defaultWriteWait         = 10 * time.Second
	defaultEventBuffer       = 256
)

var (
	// ErrNotSynced indicates the document has not been received from the server yet.
	ErrNotSynced = errors.New("client: document not synced")
	// ErrNotConnected indicates a message that only makes sense online.
	ErrNotConnected = errors.New("client: not connected")
	// ErrRejected indicates the server refused the session; it is not retried.
	ErrRejected = errors.New("client: session rejected")
	// ErrLocalChangesDropped indicates queued edits that could not be rebased
	// and were discarded in favour of the server content.
	ErrLocalChangesDropped = errors.New("client: local changes dropped")

	errMissingURL        = errors.New("client: url is required")
	errMissingDocumentID = errors.New("client: document id is required")
)

// Config describes the server and document a Client edits.
type Config struct {
	URL               string
	Token             string
	DocumentID        string
	Dialer            *websocket.Dialer
	QueueSize         int
	MaxRetries        int
	RetryDelay        time.Duration
	MaxReconnectDelay time.Duration
	ReadTimeout       time.Duration
	Clock             func() time.Time
	IDProvider        session.IDProvider
	Logger            *zap.Logger
}

// Client edits one document over a websocket session.
type Client struct {
	url               string
	token             string
	documentID        string
	dialer            *websocket.Dialer
	queueSize         int
	maxRetries        int
	retryDelay        time.Duration
	maxReconnectDelay time.Duration
	readTimeout       time.Duration
	clock             func() time.Time
	ids               session.IDProvider
	logger            *zap.Logger
	state             *session.StateMachine
	events            chan Event

	mu         sync.Mutex
	socket     *websocket.Conn
	userID     string
	queue      *offline.Queue
	content    string
	synced     bool
	joined     bool
	reconciled bool
	hardResync bool
	closing    bool
	rejection  *session.ErrorPayload
}

// New validates cfg and builds a Client. It does not dial; see Run.
func New(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingURL
	}
	documentID := strings.TrimSpace(cfg.DocumentID)
	if documentID == "" {
		return nil, errMissingDocumentID
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	maxReconnectDelay := cfg.MaxReconnectDelay
	if maxReconnectDelay <= 0 {
		maxReconnectDelay = DefaultMaxReconnectDelay
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = session.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{
		url:               url,
		token:             cfg.Token,
		documentID:        documentID,
		dialer:            dialer,
		queueSize:         cfg.QueueSize,
		maxRetries:        cfg.MaxRetries,
		retryDelay:        retryDelay,
		maxReconnectDelay: maxReconnectDelay,
		readTimeout:       readTimeout,
		clock:             clock,
		ids:               ids,
		logger:            logger.With(zap.String("document_id", documentID)),
		state:             session.NewStateMachine(),
		events:            make(chan Event, defaultEventBuffer),
	}
	client.state.Observe(func(from, to session.ConnectionState) {
		client.logger.Debug("connection state changed", zap.String("from", string(from)), zap.String("to", string(to)))
		client.emit(Event{Kind: EventStateChanged, State: to})
	})
	return client, nil
}

// Events delivers what happened to the session. Slow readers miss events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the connection state.
func (c *Client) State() session.ConnectionState {
	return c.state.Current()
}

// Content returns the local text and the last server version it incorporates.
func (c *Client) Content() (string, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return c.content, 0
	}
	return c.content, c.queue.BaseVersion()
}

// Pending returns how many local operations the server has not accepted yet.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return 0
	}
	return c.queue.Len()
}

// Run keeps the session alive until ctx ends, Disconnect is called or the
// server rejects the session. Lost links are redialled with jittered
// exponential backoff. Run must not be called concurrently.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.state.Current() == session.StateDisconnected {
		c.moveTo(session.StateConnecting)
	}
	c.mu.Lock()
	c.closing = false
	c.mu.Unlock()

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = c.retryDelay
	reconnect.MaxInterval = c.maxReconnectDelay
	reconnect.Multiplier = 2
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	retries := time.NewTicker(c.retryDelay)
	defer retries.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-retries.C:
				c.mu.Lock()
				c.pumpLocked()
				c.mu.Unlock()
			}
		}
	}()

	for {
		connected, err := c.runLink(ctx)
		if connected {
			reconnect.Reset()
		}
		if ctx.Err() != nil {
			c.moveTo(session.StateDisconnected)
			return ctx.Err()
		}
		c.mu.Lock()
		closing, rejection := c.closing, c.rejection
		c.mu.Unlock()
		if closing {
			c.moveTo(session.StateDisconnected)
			return nil
		}
		if rejection != nil || websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			c.moveTo(session.StateDisconnected)
			if rejection != nil {
				return fmt.Errorf("%w: %s: %s", ErrRejected, rejection.Code, rejection.Message)
			}
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}

		delay := reconnect.NextBackOff()
		c.logger.Info("link lost", zap.Error(err), zap.Duration("retry_in", delay))
		c.moveTo(session.StateReconnecting)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.moveTo(session.StateDisconnected)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runLink dials once and reads until the link ends. connected reports
// whether the handshake completed.
func (c *Client) runLink(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	socket, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { _ = socket.Close() })
	defer stop()

	c.mu.Lock()
	c.socket = socket
	c.joined = false
	c.reconciled = false
	c.rejection = nil
	c.mu.Unlock()

	connected, err := c.readLoop(socket)

	c.mu.Lock()
	c.socket = nil
	if c.queue != nil {
		c.queue.ReleaseInFlight()
	}
	c.mu.Unlock()
	_ = socket.Close()
	return connected, err
}

func (c *Client) readLoop(socket *websocket.Conn) (bool, error) {
	connected := false
	_ = socket.SetReadDeadline(time.Now().Add(c.readTimeout))
	socket.SetPingHandler(func(data string) error {
		_ = socket.SetReadDeadline(time.Now().Add(c.readTimeout))
		return socket.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteWait))
	})
	for {
		_, frame, err := socket.ReadMessage()
		if err != nil {
			return connected, err
		}
		_ = socket.SetReadDeadline(time.Now().Add(c.readTimeout))
		envelope, err := session.DecodeEnvelope(frame)
		if err != nil {
			c.logger.Warn("undecodable server message", zap.Error(err))
			continue
		}
		if envelope.Type == session.TypeConnect {
			connected = true
		}
		c.handle(envelope)
	}
}

// Submit applies ops to the local text and queues them for the server. It
// works offline; the queue is flushed once the link is back.
func (c *Client) Submit(ops ...ot.TextOperation) (ot.DocumentOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.synced {
		return ot.DocumentOperation{}, ErrNotSynced
	}
	id, err := c.ids.NewID()
	if err != nil {
		return ot.DocumentOperation{}, fmt.Errorf("operation id: %w", err)
	}
	op := ot.DocumentOperation{
		ID:         id,
		DocumentID: c.documentID,
		UserID:     c.userID,
		Version:    c.queue.BaseVersion(),
		Operations: ops,
		Timestamp:  c.clock().UnixMilli(),
	}
	if err := op.Validate(); err != nil {
		return ot.DocumentOperation{}, err
	}
	next, err := ot.Apply(c.content, ops)
	if err != nil {
		return ot.DocumentOperation{}, err
	}
	if err := c.queue.Enqueue(op); err != nil {
		return ot.DocumentOperation{}, err
	}
	c.content = next
	c.pumpLocked()
	return op.Clone(), nil
}

// MoveCursor shares the caret position with the room. Updates made offline
// are dropped.
func (c *Client) MoveCursor(position int, selection *session.Selection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.onlineLocked() {
		return ErrNotConnected
	}
	return c.sendLocked(session.TypeCursorMove, session.CursorMovePayload{
		DocumentID: c.documentID,
		Position:   position,
		Selection:  selection,
	})
}

// Resync asks the server for everything after the local base version.
func (c *Client) Resync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.onlineLocked() {
		return ErrNotConnected
	}
	return c.requestSyncLocked()
}

// Disconnect leaves the session cleanly; Run returns once the server closed
// the link.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
	if c.socket == nil {
		return nil
	}
	return c.sendLocked(session.TypeDisconnect, nil)
}

func (c *Client) onlineLocked() bool {
	return c.socket != nil && c.joined && c.state.Current().Online()
}

func (c *Client) moveTo(next session.ConnectionState) {
	current := c.state.Current()
	if current == next {
		return
	}
	if !session.CanTransition(current, next) && next != session.StateDisconnected {
		if _, err := c.state.Transition(session.StateDisconnected); err != nil {
			return
		}
	}
	if _, err := c.state.Transition(next); err != nil {
		c.logger.Debug("state change skipped", zap.String("to", string(next)), zap.Error(err))
	}
}

func (c *Client) sendLocked(messageType session.MessageType, payload any) error {
	if c.socket == nil {
		return ErrNotConnected
	}
	messageID, err := c.ids.NewID()
	if err != nil {
		return err
	}
	_ = c.socket.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if err := session.Send(c.socket, messageType, payload, c.clock().UnixMilli(), messageID); err != nil {
		c.logger.Warn("send failed", zap.String("type", string(messageType)), zap.Error(err))
		_ = c.socket.Close()
		return err
	}
	return nil
}

func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Debug("event dropped", zap.String("kind", string(event.Kind)))
	}
}
