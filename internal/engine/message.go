package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sylkrtc/sylkrtc-go/internal/core"
)

// DeliveryState is the sender-side lifecycle of a message.
type DeliveryState string

const (
	MessagePending   DeliveryState = "pending"
	MessageAccepted  DeliveryState = "accepted"
	MessageDelivered DeliveryState = "delivered"
	MessageDisplayed DeliveryState = "displayed"
	MessageFailed    DeliveryState = "failed"
	// MessageReceived marks inbound messages; they do not walk the
	// outbound lifecycle.
	MessageReceived DeliveryState = "received"
)

var deliveryRank = map[DeliveryState]int{
	MessagePending:   0,
	MessageAccepted:  1,
	MessageDelivered: 2,
	MessageDisplayed: 3,
}

// Receiver-side disposition states, a separate axis from delivery state.
const (
	DispositionNone      = ""
	DispositionDisplayed = "displayed"
	DispositionError     = "error"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

type Message struct {
	id          string
	direction   string
	sender      core.Identity
	receiver    string
	contentType string
	timestamp   time.Time
	disposition []string // notifications requested by the sender

	mu               sync.Mutex
	content          string
	state            DeliveryState
	dispositionState string
	secure           bool

	onStateChange       func(old, new DeliveryState)
	onDispositionChange func(old, new string)
}

func (m *Message) ID() string             { return m.id }
func (m *Message) Direction() string      { return m.direction }
func (m *Message) Sender() core.Identity  { return m.sender }
func (m *Message) Receiver() string       { return m.receiver }
func (m *Message) ContentType() string    { return m.contentType }
func (m *Message) Timestamp() time.Time   { return m.timestamp }
func (m *Message) Disposition() []string  { return m.disposition }

func (m *Message) Content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content
}

func (m *Message) State() DeliveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Message) DispositionState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispositionState
}

// IsSecure reports whether the content was carried end-to-end encrypted.
func (m *Message) IsSecure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secure
}

// OnStateChange observes delivery-state transitions.
func (m *Message) OnStateChange(fn func(old, new DeliveryState)) { m.onStateChange = fn }

// OnDispositionChange observes the receiver-side disposition axis.
func (m *Message) OnDispositionChange(fn func(old, new string)) { m.onDispositionChange = fn }

// setState applies a delivery-state transition, enforcing the forward-only
// rule: states only advance, failed is reachable from pending alone, and a
// displayed message is never downgraded. Returns whether it applied.
func (m *Message) setState(newState DeliveryState) bool {
	m.mu.Lock()
	oldState := m.state
	if !deliveryTransitionAllowed(oldState, newState) {
		m.mu.Unlock()
		log.Debug().Str("module", "message").Str("id", m.id).
			Str("old", string(oldState)).Str("new", string(newState)).Msg("ignoring state transition")
		return false
	}
	m.state = newState
	fn := m.onStateChange
	m.mu.Unlock()

	log.Debug().Str("module", "message").Str("id", m.id).
		Str("old", string(oldState)).Str("new", string(newState)).Msg("state change")
	if fn != nil {
		fn(oldState, newState)
	}
	return true
}

func deliveryTransitionAllowed(old, new DeliveryState) bool {
	if old == new || old == MessageFailed || old == MessageReceived {
		return false
	}
	if new == MessageFailed {
		return old == MessagePending
	}
	oldRank, ok := deliveryRank[old]
	if !ok {
		return false
	}
	newRank, ok := deliveryRank[new]
	if !ok {
		return false
	}
	return newRank > oldRank
}

func (m *Message) setDispositionState(newState string) {
	m.mu.Lock()
	oldState := m.dispositionState
	if oldState == newState {
		m.mu.Unlock()
		return
	}
	m.dispositionState = newState
	fn := m.onDispositionChange
	m.mu.Unlock()

	if fn != nil {
		fn(oldState, newState)
	}
}

// applyDisposition maps a receiver's disposition notification onto the
// sender-side delivery state.
func applyDisposition(m *Message, state string) {
	switch state {
	case "accepted":
		m.setState(MessageAccepted)
	case "delivered":
		m.setState(MessageDelivered)
	case "displayed":
		m.setState(MessageDisplayed)
	case "error":
		m.setState(MessageFailed)
	default:
		log.Warn().Str("module", "message").Str("id", m.id).Str("state", state).Msg("unknown disposition state")
	}
}
