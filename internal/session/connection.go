package session

import (
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/coedit/internal/document"
)

const defaultSendBuffer = 256

// Close codes mirror the websocket close codes the transport sends.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// Identity is the verified caller behind a connection.
type Identity struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
}

// CloseSignal is the reason a connection was terminated by the server.
type CloseSignal struct {
	Code   int
	Reason string
}

// Connection is the server side of one client link. The transport drains
// Outbound and Pings, and watches Done.
type Connection struct {
	id       string
	identity Identity
	state    *StateMachine

	outbound chan []byte
	pings    chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeMu   sync.Mutex
	signal    CloseSignal

	alive atomic.Bool

	roomMu     sync.Mutex
	documentID string
	worker     *document.Worker
	detached   bool
}

func newConnection(id string, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	conn := &Connection{
		id:       id,
		state:    NewStateMachine(),
		outbound: make(chan []byte, sendBuffer),
		pings:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	conn.alive.Store(true)
	return conn
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Identity returns the authenticated caller.
func (c *Connection) Identity() Identity {
	return c.identity
}

// State returns the lifecycle stage.
func (c *Connection) State() ConnectionState {
	return c.state.Current()
}

// Outbound yields encoded frames to write, in order.
func (c *Connection) Outbound() <-chan []byte {
	return c.outbound
}

// Pings yields a value whenever the heartbeat wants a transport ping sent.
func (c *Connection) Pings() <-chan struct{} {
	return c.pings
}

// Done is closed once the server terminated the connection.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseSignal returns why the server terminated the connection.
func (c *Connection) CloseSignal() CloseSignal {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.signal
}

// MarkAlive records a sign of life from the client.
func (c *Connection) MarkAlive() {
	c.alive.Store(true)
}

// DocumentID returns the room the connection is in, or "".
func (c *Connection) DocumentID() string {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	return c.documentID
}

func (c *Connection) membership() (string, *document.Worker) {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	return c.documentID, c.worker
}

// join runs register and records the room, unless the connection was
// already detached; then nothing happens and it reports false. A concurrent
// detach sees either no membership or all of it.
func (c *Connection) join(documentID string, worker *document.Worker, register func()) bool {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	if c.detached {
		return false
	}
	register()
	c.documentID = documentID
	c.worker = worker
	return true
}

// detach refuses later joins and returns the room the connection is in.
func (c *Connection) detach() string {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	c.detached = true
	return c.documentID
}

// leave clears the room only if it is still documentID.
func (c *Connection) leave(documentID string) bool {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	if c.documentID == "" || c.documentID != documentID {
		return false
	}
	c.documentID = ""
	c.worker = nil
	return true
}

// enqueue queues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) requestPing() {
	select {
	case c.pings <- struct{}{}:
	default:
	}
}

// heartbeat clears the alive flag and reports whether it was set.
func (c *Connection) heartbeat() bool {
	return c.alive.Swap(false)
}

func (c *Connection) terminate(code int, reason string) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.signal = CloseSignal{Code: code, Reason: reason}
		c.closeMu.Unlock()
		close(c.done)
		closed = true
	})
	return closed
}
