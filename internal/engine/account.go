package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sylkrtc/sylkrtc-go/internal/core"
	"github.com/sylkrtc/sylkrtc-go/internal/pgp"
	"github.com/sylkrtc/sylkrtc-go/internal/wire"
)

// Registration states. The in-progress phase is implicit: the state keeps
// its previous value while a register round-trip is outstanding.
const (
	RegistrationNone       = ""
	RegistrationRegistered = "registered"
	RegistrationFailed     = "failed"
)

// Content types intercepted as protocol bootstrapping; they never surface
// as user messages nor occupy the ledger.
const contentTypeContactUpdate = "application/sylk-contact-update"

var controlContentTypes = map[string]bool{
	pgp.ContentTypePrivateKey: true,
	pgp.ContentTypePublicKey:  true,
	contentTypeContactUpdate:  true,
}

// defaultDisposition is requested for outbound user messages.
var defaultDisposition = []string{"positive-delivery", "display"}

// Account is the per-identity façade: it owns registration state, the
// keyed Call/ConferenceCall/Message collections and routes inbound events
// to the right sub-entity.
type Account struct {
	conn        *Connection
	id          string
	digest      string
	displayName string
	pipeline    *pgp.Pipeline

	mu                 sync.Mutex
	registrationState  string
	calls              map[string]*Call
	confCalls          map[string]*ConferenceCall
	messages           map[string]*Message
	decrypting         map[string]bool
	queuedDispositions map[string][]wire.DispositionData

	onRegistrationState   func(old, new string, reason string)
	onIncomingCall        func(*Call, core.MediaDirections)
	onOutgoingCall        func(*Call)
	onConferenceCall      func(*ConferenceCall)
	onMessage             func(*Message)
	onSyncConversations   func([]*Message)
	onMessageRemoved      func(id string)
	onConversationRead    func(contact string)
	onConversationRemoved func(contact string)
	onPrivateKeyMessage   func(content string)
}

func newAccount(conn *Connection, id, digest, displayName string, pipeline *pgp.Pipeline) *Account {
	return &Account{
		conn:               conn,
		id:                 id,
		digest:             digest,
		displayName:        displayName,
		pipeline:           pipeline,
		calls:              make(map[string]*Call),
		confCalls:          make(map[string]*ConferenceCall),
		messages:           make(map[string]*Message),
		decrypting:         make(map[string]bool),
		queuedDispositions: make(map[string][]wire.DispositionData),
	}
}

func (a *Account) ID() string          { return a.id }
func (a *Account) DisplayName() string { return a.displayName }

func (a *Account) Identity() core.Identity {
	return core.Identity{URI: a.id, DisplayName: a.displayName}
}

// Pipeline exposes the account's encryption pipeline for key management.
func (a *Account) Pipeline() *pgp.Pipeline { return a.pipeline }

func (a *Account) RegistrationState() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registrationState
}

func (a *Account) OnRegistrationState(fn func(old, new string, reason string)) {
	a.onRegistrationState = fn
}
func (a *Account) OnIncomingCall(fn func(*Call, core.MediaDirections)) { a.onIncomingCall = fn }
func (a *Account) OnOutgoingCall(fn func(*Call))                       { a.onOutgoingCall = fn }
func (a *Account) OnConferenceCall(fn func(*ConferenceCall))           { a.onConferenceCall = fn }
func (a *Account) OnMessage(fn func(*Message))                         { a.onMessage = fn }
func (a *Account) OnSyncConversations(fn func([]*Message))             { a.onSyncConversations = fn }
func (a *Account) OnMessageRemoved(fn func(id string))                 { a.onMessageRemoved = fn }
func (a *Account) OnConversationRead(fn func(contact string))          { a.onConversationRead = fn }
func (a *Account) OnConversationRemoved(fn func(contact string))       { a.onConversationRemoved = fn }
// OnPrivateKeyMessage observes key-export messages addressed to this
// account; the application supplies the password and calls
// Pipeline().ImportPrivateKey.
func (a *Account) OnPrivateKeyMessage(fn func(content string)) { a.onPrivateKeyMessage = fn }

// Register asks the server to bind this identity. Success is reported via
// the registration-state push; a request failure transitions to failed.
func (a *Account) Register() {
	req := &wire.AccountRegister{Request: wire.NewRequest(wire.OpAccountRegister), Account: a.id}
	a.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "account").Str("account", a.id).Msg("register error")
			a.setRegistrationState(RegistrationFailed, err.Error())
		}
	})
}

// Unregister clears registration locally regardless of the server outcome.
func (a *Account) Unregister() {
	req := &wire.AccountUnregister{Request: wire.NewRequest(wire.OpAccountUnregister), Account: a.id}
	a.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "account").Str("account", a.id).Msg("unregister error")
		}
		a.setRegistrationState(RegistrationNone, "")
	})
}

// Call starts an outgoing one-to-one session to uri.
func (a *Account) Call(uri string) (*Call, error) {
	if _, _, err := core.SplitURI(uri); err != nil {
		return nil, err
	}
	call := newCall(a, uuid.NewString(), DirectionOutgoing, core.Identity{URI: uri})

	a.mu.Lock()
	a.calls[call.id] = call
	fn := a.onOutgoingCall
	a.mu.Unlock()

	if fn != nil {
		fn(call)
	}
	go call.startOutgoing()
	return call, nil
}

// JoinConference joins (or creates) the room at uri. initialInvites are
// invited once the publisher connection is accepted.
func (a *Account) JoinConference(uri string, initialInvites []string) (*ConferenceCall, error) {
	if _, _, err := core.SplitURI(uri); err != nil {
		return nil, err
	}
	conf := newConferenceCall(a, uuid.NewString(), core.Identity{URI: uri}, initialInvites)

	a.mu.Lock()
	a.confCalls[conf.id] = conf
	fn := a.onConferenceCall
	a.mu.Unlock()

	if fn != nil {
		fn(conf)
	}
	go conf.start()
	return conf, nil
}

// SendMessage sends a message to uri, encrypting it when the pipeline has
// keys and the recipient's key can be obtained; otherwise the plaintext is
// sent unchanged and the message is not secure. Key-exchange control types
// bypass the ledger entirely.
func (a *Account) SendMessage(uri, content, contentType string) (*Message, error) {
	if _, _, err := core.SplitURI(uri); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "text/plain"
	}
	msg := &Message{
		id:          uuid.NewString(),
		direction:   DirectionOutgoing,
		sender:      a.Identity(),
		receiver:    uri,
		content:     content,
		contentType: contentType,
		timestamp:   time.Now(),
		disposition: defaultDisposition,
		state:       MessagePending,
	}

	control := controlContentTypes[contentType]
	if !control {
		a.mu.Lock()
		a.messages[msg.id] = msg
		a.mu.Unlock()
	}

	go a.sendMessageRequest(msg, uri, control)
	return msg, nil
}

// SendConversationRead marks all of contact's messages as displayed. The
// sender of each message that asked for a display report gets a displayed
// disposition, and a mark-conversation-read request fans the action out to
// this account's other devices.
func (a *Account) SendConversationRead(contact string) {
	a.mu.Lock()
	var notify []string
	for _, m := range a.messages {
		if m.direction != DirectionIncoming || m.sender.URI != contact {
			continue
		}
		if m.DispositionState() != DispositionDisplayed && hasDisposition(m.disposition, "display") {
			notify = append(notify, m.id)
		}
		m.setDispositionState(DispositionDisplayed)
	}
	a.mu.Unlock()

	for _, id := range notify {
		a.sendDisposition(contact, id, DispositionDisplayed, "")
	}
	req := &wire.AccountMarkConversationRead{
		Request: wire.NewRequest(wire.OpAccountMarkConversationRead),
		Account: a.id,
		Contact: contact,
	}
	a.send(req, nil)
}

// SyncConversations asks the server to replay conversation history since
// the given message id (empty for everything).
func (a *Account) SyncConversations(sinceID string) {
	req := &wire.AccountSync{Request: wire.NewRequest(wire.OpAccountSync), Account: a.id, MessageID: sinceID}
	a.send(req, nil)
}

// Messages snapshots the ledger.
func (a *Account) Messages() []*Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Message, 0, len(a.messages))
	for _, m := range a.messages {
		out = append(out, m)
	}
	return out
}

func (a *Account) sendMessageRequest(msg *Message, uri string, control bool) {
	content := msg.Content()
	if !control && a.pipeline != nil && a.pipeline.Enabled() {
		result := a.pipeline.EncryptMessage(uri, content)
		if result.DidEncrypt {
			content = result.Content
			msg.mu.Lock()
			msg.secure = true
			msg.mu.Unlock()
		}
	}

	disposition := msg.disposition
	if control {
		disposition = nil
	}
	req := &wire.AccountMessage{
		Request:     wire.NewRequest(wire.OpAccountMessage),
		Account:     a.id,
		URI:         uri,
		MessageID:   msg.id,
		Content:     content,
		ContentType: msg.contentType,
		Timestamp:   msg.timestamp.Format(time.RFC3339),
		Disposition: disposition,
	}
	a.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "account").Str("message_id", msg.id).Msg("message error")
			msg.setState(MessageFailed)
			return
		}
		msg.setState(MessageAccepted)
	})
}

// handleEvent is the single inbound dispatch point for account events.
func (a *Account) handleEvent(env *wire.Envelope) {
	log.Debug().Str("module", "account").Str("account", a.id).Str("event", env.Event).Msg("account event")
	switch env.Event {
	case wire.EventRegistrationState:
		var data wire.RegistrationStateData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		a.setRegistrationState(data.State, data.Reason)
	case wire.EventIncomingSession:
		var data wire.IncomingSessionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		a.handleIncomingSession(env.Session, data)
	case wire.EventMessage:
		var data wire.MessageData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		a.handleInboundMessage(data, false)
	case wire.EventDisposition:
		var data wire.DispositionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		a.handleDisposition(data)
	case wire.EventSyncConversations:
		var data wire.SyncConversationsData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		a.handleSyncConversations(data)
	case wire.EventSync:
		var data wire.SyncData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		a.handleSync(data)
	default:
		log.Debug().Str("module", "account").Str("event", env.Event).Msg("unhandled event")
	}
}

// handleIncomingSession constructs the incoming call and reports its media
// capabilities to the application before any user action.
func (a *Account) handleIncomingSession(sessionID string, data wire.IncomingSessionData) {
	a.mu.Lock()
	if _, ok := a.calls[sessionID]; ok {
		// an Account never holds two calls with the same session id
		a.mu.Unlock()
		return
	}
	call := newCall(a, sessionID, DirectionIncoming,
		core.Identity{URI: data.Originator.URI, DisplayName: data.Originator.DisplayName})
	call.initIncoming(sessionID, data.SDP, a.conn.parseDirections(data.SDP))
	a.calls[sessionID] = call
	fn := a.onIncomingCall
	a.mu.Unlock()

	if fn != nil {
		fn(call, call.MediaDirections())
	}
}

// handleInboundMessage materializes an inbound message, decrypting armored
// content off the event path first. replay suppresses the automatic
// delivered disposition for server-replayed history.
func (a *Account) handleInboundMessage(data wire.MessageData, replay bool) {
	if controlContentTypes[data.ContentType] {
		a.handleControlMessage(data)
		return
	}

	a.mu.Lock()
	if _, ok := a.messages[data.MessageID]; ok || a.decrypting[data.MessageID] {
		a.mu.Unlock()
		return
	}
	encrypted := pgp.IsEncrypted(data.Content) && a.pipeline != nil && a.pipeline.Enabled()
	if encrypted {
		a.decrypting[data.MessageID] = true
	}
	a.mu.Unlock()

	if !encrypted {
		a.materializeInbound(data, data.Content, false, replay)
		return
	}

	go func() {
		content, err := a.pipeline.DecryptMessage(data.Content)
		if err != nil {
			log.Debug().Err(err).Str("module", "account").Str("message_id", data.MessageID).Msg("cannot decrypt message")
			a.mu.Lock()
			delete(a.decrypting, data.MessageID)
			delete(a.queuedDispositions, data.MessageID)
			a.mu.Unlock()
			// suppressed from the ledger; report the failure instead of delivery
			if !replay && hasDisposition(data.Disposition, "positive-delivery") {
				a.sendDisposition(data.Sender.URI, data.MessageID, DispositionError, "decryption failed")
			}
			return
		}
		a.materializeInbound(data, content, true, replay)
	}()
}

// materializeInbound adds the message to the ledger, notifies, then drains
// any dispositions queued while the message was decrypting, in order.
func (a *Account) materializeInbound(data wire.MessageData, content string, secure, replay bool) {
	msg := &Message{
		id:          data.MessageID,
		direction:   DirectionIncoming,
		sender:      core.Identity{URI: data.Sender.URI, DisplayName: data.Sender.DisplayName},
		receiver:    a.id,
		content:     content,
		contentType: data.ContentType,
		timestamp:   parseTimestamp(data.Timestamp),
		disposition: data.Disposition,
		state:       MessageReceived,
		secure:      secure,
	}

	a.mu.Lock()
	if _, ok := a.messages[msg.id]; ok {
		delete(a.decrypting, msg.id)
		delete(a.queuedDispositions, msg.id)
		a.mu.Unlock()
		return
	}
	a.messages[msg.id] = msg
	delete(a.decrypting, msg.id)
	queued := a.queuedDispositions[msg.id]
	delete(a.queuedDispositions, msg.id)
	fn := a.onMessage
	a.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
	for _, d := range queued {
		a.applyDispositionEvent(d)
	}
	if !replay && hasDisposition(data.Disposition, "positive-delivery") {
		a.sendDisposition(data.Sender.URI, msg.id, "delivered", "")
	}
}

func (a *Account) handleControlMessage(data wire.MessageData) {
	switch data.ContentType {
	case pgp.ContentTypePublicKey:
		if a.pipeline != nil {
			a.pipeline.AddPublicKeys(map[string]string{data.Sender.URI: data.Content})
		}
	case pgp.ContentTypePrivateKey:
		if fn := a.onPrivateKeyMessage; fn != nil {
			fn(data.Content)
		}
	default:
		log.Debug().Str("module", "account").Str("content_type", data.ContentType).Msg("control message ignored")
	}
}

// handleDisposition applies a disposition notification to the matching
// message, or queues it while that message id is still decrypting so the
// update never races ahead of the message it describes.
func (a *Account) handleDisposition(data wire.DispositionData) {
	a.mu.Lock()
	if a.decrypting[data.MessageID] {
		a.queuedDispositions[data.MessageID] = append(a.queuedDispositions[data.MessageID], data)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.applyDispositionEvent(data)
}

func (a *Account) applyDispositionEvent(data wire.DispositionData) {
	a.mu.Lock()
	msg := a.messages[data.MessageID]
	a.mu.Unlock()
	if msg == nil {
		log.Debug().Str("module", "account").Str("message_id", data.MessageID).Msg("disposition for unknown message")
		return
	}
	applyDisposition(msg, data.State)
}

// handleSyncConversations reconciles server-replayed history into the
// ledger, attributing direction from each entry.
func (a *Account) handleSyncConversations(data wire.SyncConversationsData) {
	materialized := make([]*Message, 0, len(data.Messages))
	for _, entry := range data.Messages {
		if msg := a.materializeSyncMessage(entry); msg != nil {
			materialized = append(materialized, msg)
		}
	}
	if fn := a.onSyncConversations; fn != nil {
		fn(materialized)
	}
}

func (a *Account) materializeSyncMessage(entry wire.SyncMessage) *Message {
	a.mu.Lock()
	if _, ok := a.messages[entry.MessageID]; ok || a.decrypting[entry.MessageID] {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if entry.Direction == DirectionIncoming {
		a.handleInboundMessage(wire.MessageData{
			MessageID:   entry.MessageID,
			Sender:      wire.Identity{URI: entry.Contact},
			Content:     entry.Content,
			ContentType: entry.ContentType,
			Timestamp:   entry.Timestamp,
			Disposition: entry.Disposition,
		}, true)
		a.mu.Lock()
		msg := a.messages[entry.MessageID]
		a.mu.Unlock()
		return msg
	}

	// outbound replay: this account sent it from another device
	state := DeliveryState(entry.State)
	if state == "" {
		state = MessageAccepted
	}
	msg := &Message{
		id:          entry.MessageID,
		direction:   DirectionOutgoing,
		sender:      a.Identity(),
		receiver:    entry.Contact,
		content:     entry.Content,
		contentType: entry.ContentType,
		timestamp:   parseTimestamp(entry.Timestamp),
		disposition: entry.Disposition,
		state:       state,
	}
	if pgp.IsEncrypted(entry.Content) && a.pipeline != nil && a.pipeline.Enabled() {
		a.mu.Lock()
		a.decrypting[msg.id] = true
		a.mu.Unlock()
		go func() {
			content, err := a.pipeline.DecryptMessage(entry.Content)
			a.mu.Lock()
			delete(a.decrypting, msg.id)
			queued := a.queuedDispositions[msg.id]
			delete(a.queuedDispositions, msg.id)
			if err != nil {
				a.mu.Unlock()
				log.Debug().Err(err).Str("module", "account").Str("message_id", msg.id).Msg("cannot decrypt replayed message")
				return
			}
			msg.mu.Lock()
			msg.content = content
			msg.secure = true
			msg.mu.Unlock()
			a.messages[msg.id] = msg
			fn := a.onMessage
			a.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
			for _, d := range queued {
				a.applyDispositionEvent(d)
			}
		}()
		return nil
	}

	a.mu.Lock()
	a.messages[msg.id] = msg
	a.mu.Unlock()
	return msg
}

// handleSync applies another device's action on this account.
func (a *Account) handleSync(data wire.SyncData) {
	switch data.Action {
	case wire.SyncAddMessage:
		a.materializeSyncMessage(data.Message)
	case wire.SyncRemoveMessage:
		a.mu.Lock()
		_, known := a.messages[data.Message.MessageID]
		delete(a.messages, data.Message.MessageID)
		fn := a.onMessageRemoved
		a.mu.Unlock()
		if !known {
			// never locally materialized; still surface the removal
			log.Debug().Str("module", "account").Str("message_id", data.Message.MessageID).Msg("removal for unseen message")
		}
		if fn != nil {
			fn(data.Message.MessageID)
		}
	case wire.SyncReadConversation:
		a.mu.Lock()
		for _, m := range a.messages {
			if m.direction == DirectionIncoming && m.sender.URI == data.Contact {
				m.setDispositionState(DispositionDisplayed)
			}
		}
		fn := a.onConversationRead
		a.mu.Unlock()
		if fn != nil {
			fn(data.Contact)
		}
	case wire.SyncRemoveConversation:
		a.mu.Lock()
		for id, m := range a.messages {
			if m.sender.URI == data.Contact || m.receiver == data.Contact {
				delete(a.messages, id)
			}
		}
		fn := a.onConversationRemoved
		a.mu.Unlock()
		if fn != nil {
			fn(data.Contact)
		}
	default:
		log.Debug().Str("module", "account").Str("action", data.Action).Msg("unknown sync action")
	}
}

func (a *Account) sendDisposition(uri, messageID, state, reason string) {
	req := &wire.AccountDisposition{
		Request:   wire.NewRequest(wire.OpAccountDisposition),
		Account:   a.id,
		URI:       uri,
		MessageID: messageID,
		State:     state,
		Reason:    reason,
	}
	a.send(req, nil)
}

func (a *Account) setRegistrationState(newState, reason string) {
	a.mu.Lock()
	oldState := a.registrationState
	a.registrationState = newState
	fn := a.onRegistrationState
	a.mu.Unlock()

	log.Debug().Str("module", "account").Str("account", a.id).
		Str("old", oldState).Str("new", newState).Msg("registration state change")
	if fn != nil {
		fn(oldState, newState, reason)
	}
}

func (a *Account) findCall(sessionID string) *Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[sessionID]
}

func (a *Account) findConference(sessionID string) *ConferenceCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.confCalls[sessionID]
}

// removeCall is idempotent: a second removal for an already-removed id is
// a no-op.
func (a *Account) removeCall(id string) {
	a.mu.Lock()
	delete(a.calls, id)
	a.mu.Unlock()
}

func (a *Account) removeConference(id string) {
	a.mu.Lock()
	delete(a.confCalls, id)
	a.mu.Unlock()
}

// teardown runs when the channel drops: server-side state is gone, so
// every in-flight call ends locally and registration resets.
func (a *Account) teardown() {
	a.mu.Lock()
	calls := a.calls
	confs := a.confCalls
	a.calls = make(map[string]*Call)
	a.confCalls = make(map[string]*ConferenceCall)
	a.mu.Unlock()

	for _, call := range calls {
		call.finishTerminate("connection lost")
	}
	for _, conf := range confs {
		conf.finishTerminate("connection lost")
	}
	a.setRegistrationState(RegistrationNone, "connection lost")
}

func (a *Account) send(req wire.ClientRequest, cb func(error)) {
	a.conn.send(req, cb)
}

func hasDisposition(list []string, kind string) bool {
	for _, d := range list {
		if d == kind {
			return true
		}
	}
	return false
}
