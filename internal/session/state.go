package session

import (
	"errors"
	"fmt"
	"sync"
)

// ConnectionState is the lifecycle stage of one client connection.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ErrInvalidTransition indicates a state change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("session: invalid state transition")

var allowedTransitions = map[ConnectionState]map[ConnectionState]bool{
	StateConnecting:   {StateConnected: true, StateDisconnected: true},
	StateConnected:    {StateDisconnected: true, StateReconnecting: true},
	StateReconnecting: {StateConnected: true, StateDisconnected: true},
	StateDisconnected: {StateConnecting: true, StateReconnecting: true},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to ConnectionState) bool {
	return allowedTransitions[from][to]
}

// Online reports whether messages can be exchanged in this state.
func (s ConnectionState) Online() bool {
	return s == StateConnected
}

// StateMachine guards a ConnectionState. Observers run after every successful
// transition with the previous and the new state, outside the lock.
type StateMachine struct {
	mu        sync.Mutex
	current   ConnectionState
	observers []func(from, to ConnectionState)
}

// NewStateMachine starts in StateConnecting.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateConnecting}
}

// Current returns the current state.
func (m *StateMachine) Current() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Observe registers fn for future transitions.
func (m *StateMachine) Observe(fn func(from, to ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Transition moves to next and returns the state it left.
func (m *StateMachine) Transition(next ConnectionState) (ConnectionState, error) {
	m.mu.Lock()
	previous := m.current
	if !CanTransition(previous, next) {
		m.mu.Unlock()
		return previous, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, previous, next)
	}
	m.current = next
	observers := append([]func(from, to ConnectionState){}, m.observers...)
	m.mu.Unlock()

	for _, observer := range observers {
		observer(previous, next)
	}
	return previous, nil
}
