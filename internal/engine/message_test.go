package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sylkrtc/sylkrtc-go/internal/core"
)

func pendingMessage() *Message {
	return &Message{
		id:        "m1",
		direction: DirectionOutgoing,
		sender:    core.Identity{URI: "alice@example.com"},
		receiver:  "bob@example.com",
		state:     MessagePending,
	}
}

func TestDeliveryStatesOnlyAdvance(t *testing.T) {
	r := require.New(t)
	m := pendingMessage()

	r.True(m.setState(MessageAccepted))
	r.True(m.setState(MessageDelivered))
	r.False(m.setState(MessageAccepted), "no going back")
	r.Equal(MessageDelivered, m.State())
	r.True(m.setState(MessageDisplayed))
	r.False(m.setState(MessageDelivered))
	r.Equal(MessageDisplayed, m.State())
}

func TestDeliveryStatesMaySkip(t *testing.T) {
	r := require.New(t)
	m := pendingMessage()

	// a slow receiver can report displayed before delivered ever arrives
	r.True(m.setState(MessageDisplayed))
	r.Equal(MessageDisplayed, m.State())
	r.False(m.setState(MessageDelivered))
}

func TestFailedOnlyFromPending(t *testing.T) {
	r := require.New(t)
	m := pendingMessage()
	r.True(m.setState(MessageFailed))
	r.False(m.setState(MessageAccepted), "failed is terminal")

	m = pendingMessage()
	r.True(m.setState(MessageAccepted))
	r.False(m.setState(MessageFailed), "accepted messages cannot fail anymore")
	r.Equal(MessageAccepted, m.State())
}

func TestReceivedIsTerminal(t *testing.T) {
	r := require.New(t)
	m := pendingMessage()
	m.state = MessageReceived
	r.False(m.setState(MessageAccepted))
	r.False(m.setState(MessageFailed))
	r.Equal(MessageReceived, m.State())
}

func TestStateChangeCallbackFiresOnceApplied(t *testing.T) {
	r := require.New(t)
	m := pendingMessage()

	var transitions []DeliveryState
	m.OnStateChange(func(old, new DeliveryState) { transitions = append(transitions, new) })

	m.setState(MessageAccepted)
	m.setState(MessageAccepted) // rejected, no callback
	m.setState(MessageDisplayed)
	r.Equal([]DeliveryState{MessageAccepted, MessageDisplayed}, transitions)
}

func TestDispositionStateIsSeparateAxis(t *testing.T) {
	r := require.New(t)
	m := &Message{id: "m2", direction: DirectionIncoming, state: MessageReceived}

	var changes []string
	m.OnDispositionChange(func(old, new string) { changes = append(changes, new) })

	m.setDispositionState(DispositionDisplayed)
	m.setDispositionState(DispositionDisplayed) // no-op
	r.Equal([]string{DispositionDisplayed}, changes)
	r.Equal(DispositionDisplayed, m.DispositionState())
	r.Equal(MessageReceived, m.State(), "delivery state untouched")
}

func TestApplyDispositionMapping(t *testing.T) {
	r := require.New(t)
	m := pendingMessage()
	applyDisposition(m, "delivered")
	r.Equal(MessageDelivered, m.State())
	applyDisposition(m, "displayed")
	r.Equal(MessageDisplayed, m.State())

	m = pendingMessage()
	applyDisposition(m, "error")
	r.Equal(MessageFailed, m.State())
}
