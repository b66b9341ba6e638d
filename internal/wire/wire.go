// Package wire defines the JSON messages exchanged with the signaling
// server. Every client-originated message carries a "sylkrtc" discriminator
// naming the operation and a client-generated "transaction" id; server
// responses are transaction-correlated "ack"/"error" messages or
// uncorrelated "*-event" pushes.
package wire

import "encoding/json"

// Subprotocol is the WebSocket subprotocol spoken on the control channel.
const Subprotocol = "sylkRTC-1"

// Client-originated operations.
const (
	OpAccountAdd         = "account-add"
	OpAccountRemove      = "account-remove"
	OpAccountRegister    = "account-register"
	OpAccountUnregister  = "account-unregister"
	OpAccountMessage     = "account-message"
	OpAccountDisposition = "account-disposition-notification"
	OpAccountSync        = "account-sync-conversations"

	OpAccountMarkConversationRead = "account-mark-conversation-read"

	OpSessionCreate      = "session-create"
	OpSessionAnswer      = "session-answer"
	OpSessionTrickle     = "session-trickle"
	OpSessionTerminate   = "session-terminate"
	OpSessionMessage     = "session-message"
	OpVideoroomJoin      = "videoroom-join"
	OpVideoroomCtl       = "videoroom-ctl"
	OpVideoroomTerminate = "videoroom-terminate"
	OpLookupPublicKey    = "lookup-public-key"
)

// Server message kinds.
const (
	KindAck             = "ack"
	KindError           = "error"
	KindReadyEvent      = "ready-event"
	KindAccountEvent    = "account-event"
	KindSessionEvent    = "session-event"
	KindVideoroomEvent  = "videoroom-event"
	KindPublicKeyEvent  = "lookup-public-key-event"
)

// Event names carried inside account/session/videoroom events.
const (
	EventRegistrationState = "registration-state"
	EventIncomingSession   = "incoming-session"
	EventMessage           = "message"
	EventDisposition       = "disposition-notification"
	EventSyncConversations = "sync-conversations"
	EventSync              = "sync"
	EventState             = "state"
	EventInitialPublishers = "initial-publishers"
	EventPublishersJoined  = "publishers-joined"
	EventPublishersLeft    = "publishers-left"
	EventFeedAttached      = "feed-attached"
	EventFeedEstablished   = "feed-established"
	EventConfigure         = "configure"
	EventRaisedHands       = "raised-hands"
	EventSharedFiles       = "shared-files"
)

// Envelope is the inbound server message before payload-specific decoding.
type Envelope struct {
	Sylkrtc     string          `json:"sylkrtc"`
	Transaction string          `json:"transaction,omitempty"`
	Event       string          `json:"event,omitempty"`
	Account     string          `json:"account,omitempty"`
	Session     string          `json:"session,omitempty"`
	Error       string          `json:"error,omitempty"`
	URI         string          `json:"uri,omitempty"`
	PublicKey   string          `json:"public_key,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Identity is a SIP-style identity on the wire.
type Identity struct {
	URI         string `json:"uri"`
	DisplayName string `json:"display_name,omitempty"`
}
