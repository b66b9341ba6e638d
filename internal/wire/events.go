package wire

// Payloads carried in the Data field of server events.

type RegistrationStateData struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type IncomingSessionData struct {
	Originator Identity `json:"originator"`
	SDP        string   `json:"sdp"`
}

type SessionStateData struct {
	State  string `json:"state"`
	SDP    string `json:"sdp,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type MessageData struct {
	MessageID   string   `json:"message_id"`
	Sender      Identity `json:"sender"`
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	Timestamp   string   `json:"timestamp"`
	Disposition []string `json:"disposition_notification,omitempty"`
}

type DispositionData struct {
	MessageID string `json:"message_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// SyncMessage is one replayed history entry. Direction decides how the
// contact field maps to sender and receiver locally.
type SyncMessage struct {
	MessageID   string   `json:"message_id"`
	Contact     string   `json:"contact"`
	Direction   string   `json:"direction"` // "incoming" or "outgoing"
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	Timestamp   string   `json:"timestamp"`
	State       string   `json:"state,omitempty"`
	Disposition []string `json:"disposition_notification,omitempty"`
}

type SyncConversationsData struct {
	Messages []SyncMessage `json:"messages"`
}

// Sync actions fanned out live when another client acts on the same account.
const (
	SyncAddMessage         = "add-message"
	SyncRemoveMessage      = "remove-message"
	SyncReadConversation   = "read-conversation"
	SyncRemoveConversation = "remove-conversation"
)

type SyncData struct {
	Action  string      `json:"action"`
	Message SyncMessage `json:"message,omitempty"`
	Contact string      `json:"contact,omitempty"`
}

type Publisher struct {
	ID          string `json:"id"`
	URI         string `json:"uri"`
	DisplayName string `json:"display_name,omitempty"`
}

type PublishersData struct {
	Publishers []Publisher `json:"publishers"`
}

type PublishersLeftData struct {
	Publishers []string `json:"publishers"`
}

type FeedAttachedData struct {
	Subscription string `json:"subscription"`
	SDP          string `json:"sdp"`
}

type FeedEstablishedData struct {
	Subscription string `json:"subscription"`
}

type ConfigureData struct {
	Originator         string   `json:"originator"`
	ActiveParticipants []string `json:"active_participants"`
}

type RaisedHandsData struct {
	RaisedHands []string `json:"raised_hands"`
}

type SharedFile struct {
	Filename string   `json:"filename"`
	Filesize int64    `json:"filesize"`
	Uploader Identity `json:"uploader"`
}

type SharedFilesData struct {
	Files []SharedFile `json:"files"`
}
