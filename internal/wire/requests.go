package wire

// ClientRequest is implemented by every outbound request. The channel
// assigns the transaction id just before serialization.
type ClientRequest interface {
	Op() string
	SetTransaction(id string)
}

// Request is the common header embedded in every outbound message.
type Request struct {
	Sylkrtc     string `json:"sylkrtc"`
	Transaction string `json:"transaction"`
}

func (r *Request) Op() string            { return r.Sylkrtc }
func (r *Request) SetTransaction(id string) { r.Transaction = id }

// NewRequest returns a header for the given operation.
func NewRequest(op string) Request { return Request{Sylkrtc: op} }

type AccountAdd struct {
	Request
	Account     string `json:"account"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

type AccountRemove struct {
	Request
	Account string `json:"account"`
}

type AccountRegister struct {
	Request
	Account string `json:"account"`
}

type AccountUnregister struct {
	Request
	Account string `json:"account"`
}

type AccountMessage struct {
	Request
	Account     string   `json:"account"`
	URI         string   `json:"uri"`
	MessageID   string   `json:"message_id"`
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	Timestamp   string   `json:"timestamp"`
	Disposition []string `json:"disposition_notification,omitempty"`
}

type AccountDisposition struct {
	Request
	Account   string `json:"account"`
	URI       string `json:"uri"`
	MessageID string `json:"message_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// AccountMarkConversationRead tells the server a whole conversation was
// read on this device so it can fan a read-conversation sync out to the
// account's other devices.
type AccountMarkConversationRead struct {
	Request
	Account string `json:"account"`
	Contact string `json:"contact"`
}

type AccountSync struct {
	Request
	Account string `json:"account"`
	// Id of the last locally known message; empty requests full history.
	MessageID string `json:"message_id,omitempty"`
}

type SessionCreate struct {
	Request
	Account string `json:"account"`
	Session string `json:"session"`
	URI     string `json:"uri"`
	SDP     string `json:"sdp"`
}

type SessionAnswer struct {
	Request
	Session string `json:"session"`
	SDP     string `json:"sdp"`
}

type SessionTrickle struct {
	Request
	Session    string         `json:"session"`
	Candidates []ICECandidate `json:"candidates"`
}

type SessionTerminate struct {
	Request
	Session string `json:"session"`
}

type SessionMessage struct {
	Request
	Session     string `json:"session"`
	MessageID   string `json:"message_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	Timestamp   string `json:"timestamp"`
}

type VideoroomJoin struct {
	Request
	Account string `json:"account"`
	Session string `json:"session"`
	URI     string `json:"uri"`
	SDP     string `json:"sdp"`
}

type VideoroomTerminate struct {
	Request
	Session string `json:"session"`
}

// VideoroomCtl multiplexes room-level control operations; Option selects
// which of the optional sub-structs is meaningful.
type VideoroomCtl struct {
	Request
	Session string `json:"session"`
	Option  string `json:"option"`

	ConfigureRoom      *CtlConfigureRoom      `json:"configure_room,omitempty"`
	InviteParticipants *CtlInviteParticipants `json:"invite_participants,omitempty"`
	FeedAttach         *CtlFeedAttach         `json:"feed_attach,omitempty"`
	FeedAnswer         *CtlFeedAnswer         `json:"feed_answer,omitempty"`
	FeedDetach         *CtlFeedDetach         `json:"feed_detach,omitempty"`
	Update             *CtlUpdate             `json:"update,omitempty"`
	Trickle            *CtlTrickle            `json:"trickle,omitempty"`
	RaiseHand          *CtlRaiseHand          `json:"raise_hand,omitempty"`
	MuteAudio          *CtlMuteAudio          `json:"mute_audio_participants,omitempty"`
}

type CtlConfigureRoom struct {
	ActiveParticipants []string `json:"active_participants"`
}

type CtlInviteParticipants struct {
	Participants []string `json:"participants"`
}

type CtlFeedAttach struct {
	Session   string `json:"session"`
	Publisher string `json:"publisher"`
}

type CtlFeedAnswer struct {
	Session string `json:"session"`
	SDP     string `json:"sdp"`
}

type CtlFeedDetach struct {
	Session string `json:"session"`
}

type CtlUpdate struct {
	Session string `json:"session"`
	Audio   *bool  `json:"audio,omitempty"`
	Video   *bool  `json:"video,omitempty"`
}

type CtlTrickle struct {
	Session    string         `json:"session,omitempty"`
	Candidates []ICECandidate `json:"candidates"`
}

type CtlRaiseHand struct {
	Session string `json:"session"`
	Raised  bool   `json:"raised"`
}

type CtlMuteAudio struct{}

type LookupPublicKey struct {
	Request
	URI string `json:"uri"`
}

// ICECandidate is a trickled ICE candidate on the wire.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}
