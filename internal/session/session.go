// Package session holds the conversation state and the pure transition
// function that is the only legal way to mutate it. State is a value; Apply
// returns a new value and never panics on malformed input.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// ConnectionState is the single authoritative connection status of a session.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateConnecting   ConnectionState = "connecting"
	StateDisconnected ConnectionState = "disconnected"
	StateRecovering   ConnectionState = "recovering"
	StateError        ConnectionState = "error"
)

// Message is one entry in the conversation log. Identity is immutable; the
// body mutates only while Streaming is true. After the terminal transition
// (Complete set or ErrorText set) no further mutation is applied.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Streaming bool
	Complete  bool
	CreatedAt time.Time
	SessionID string
	ErrorText string
}

func (m Message) terminal() bool {
	return m.Complete || m.ErrorText != ""
}

// State is the full observable session state.
type State struct {
	Messages       []Message
	ActiveStreamID string
	SessionID      string
	ConnState      ConnectionState
	FallbackActive bool
	LastError      string
}

// NewState returns the state of a freshly started conversation.
func NewState() State {
	return State{ConnState: StateDisconnected}
}

// ActiveMessage returns the in-flight streaming message, if any.
func (s State) ActiveMessage() (Message, bool) {
	return s.Find(s.ActiveStreamID)
}

// Find returns the message with the given id.
func (s State) Find(id string) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id && id != "" {
			return m, true
		}
	}
	return Message{}, false
}

// Action is a state transition request. The set of implementations in this
// package is closed.
type Action interface{ isAction() }

// AddMessage appends a completed (non-streaming) message to the log.
type AddMessage struct {
	ID        string // generated when empty
	Role      Role
	Content   string
	SessionID string
}

// StartStreaming appends a new streaming placeholder message. Precondition:
// no stream is active; the caller must complete or error the current one
// first. Violations leave the log untouched and set LastError.
type StartStreaming struct {
	ID   string // generated when empty
	Role Role
}

// AppendContent concatenates a delta onto the identified streaming message.
// Unknown or already-terminal ids are a no-op: completion frames may race
// deltas still sitting in a lagging network buffer.
type AppendContent struct {
	ID    string
	Delta string
}

// CompleteMessage terminates a stream. When FinalContent is non-nil it
// replaces the accumulated deltas outright: the server's final text is
// authoritative.
type CompleteMessage struct {
	ID           string
	FinalContent *string
}

// SetError attaches an error to a specific message (terminal for that message
// only) or, with an empty ID, to the session.
type SetError struct {
	ID   string
	Text string
}

// ClearError clears the session-level error.
type ClearError struct{}

// SetSessionID records the session correlation id. It is assigned once; later
// attempts to change it are ignored.
type SetSessionID struct{ SessionID string }

// SetConnectionState records the externally observable connection status.
type SetConnectionState struct{ ConnState ConnectionState }

// SetFallbackMode toggles the degraded non-streaming mode flag.
type SetFallbackMode struct{ Active bool }

// Reset discards the whole conversation.
type Reset struct{}

func (AddMessage) isAction()         {}
func (StartStreaming) isAction()     {}
func (AppendContent) isAction()      {}
func (CompleteMessage) isAction()    {}
func (SetError) isAction()           {}
func (ClearError) isAction()         {}
func (SetSessionID) isAction()       {}
func (SetConnectionState) isAction() {}
func (SetFallbackMode) isAction()    {}
func (Reset) isAction()              {}

// Apply is the transition function. It is total: every (state, action) pair
// yields a next state, with malformed input degrading to a no-op plus an
// observable error field.
func Apply(s State, a Action) State {
	switch act := a.(type) {
	case AddMessage:
		id := act.ID
		if id == "" {
			id = uuid.NewString()
		}
		s.Messages = appendMessage(s.Messages, Message{
			ID:        id,
			Role:      act.Role,
			Content:   act.Content,
			Complete:  true,
			CreatedAt: time.Now(),
			SessionID: act.SessionID,
		})
		return s

	case StartStreaming:
		if s.ActiveStreamID != "" {
			s.LastError = "stream already active: " + s.ActiveStreamID
			return s
		}
		id := act.ID
		if id == "" {
			id = uuid.NewString()
		}
		s.Messages = appendMessage(s.Messages, Message{
			ID:        id,
			Role:      act.Role,
			Streaming: true,
			CreatedAt: time.Now(),
			SessionID: s.SessionID,
		})
		s.ActiveStreamID = id
		return s

	case AppendContent:
		return mutateMessage(s, act.ID, func(m Message) Message {
			m.Content += act.Delta
			return m
		})

	case CompleteMessage:
		s = mutateMessage(s, act.ID, func(m Message) Message {
			if act.FinalContent != nil {
				m.Content = *act.FinalContent
			}
			m.Streaming = false
			m.Complete = true
			return m
		})
		if s.ActiveStreamID == act.ID {
			s.ActiveStreamID = ""
		}
		return s

	case SetError:
		if act.ID == "" {
			s.LastError = act.Text
			return s
		}
		s = mutateMessage(s, act.ID, func(m Message) Message {
			m.Streaming = false
			m.ErrorText = act.Text
			return m
		})
		if s.ActiveStreamID == act.ID {
			s.ActiveStreamID = ""
		}
		return s

	case ClearError:
		s.LastError = ""
		return s

	case SetSessionID:
		if s.SessionID == "" {
			s.SessionID = act.SessionID
		}
		return s

	case SetConnectionState:
		s.ConnState = act.ConnState
		return s

	case SetFallbackMode:
		s.FallbackActive = act.Active
		return s

	case Reset:
		return NewState()
	}
	return s
}

// mutateMessage applies fn to the non-terminal message with the given id,
// copying the log so prior State values stay unchanged. Unknown and terminal
// ids are a no-op.
func mutateMessage(s State, id string, fn func(Message) Message) State {
	for i, m := range s.Messages {
		if m.ID != id {
			continue
		}
		if m.terminal() {
			return s
		}
		next := make([]Message, len(s.Messages))
		copy(next, s.Messages)
		next[i] = fn(m)
		s.Messages = next
		return s
	}
	return s
}

func appendMessage(log []Message, m Message) []Message {
	next := make([]Message, len(log), len(log)+1)
	copy(next, log)
	return append(next, m)
}
