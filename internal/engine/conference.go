package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/sylkrtc/sylkrtc-go/internal/core"
	"github.com/sylkrtc/sylkrtc-go/internal/wire"
)

// RoomConfig describes a configure push: who changed the room and which
// participants are active. The local publisher appears as a synthetic
// participant whose id equals the conference session id.
type RoomConfig struct {
	Originator         core.Identity
	ActiveParticipants []*Participant
}

// ConferenceCall is a multiparty session: one publishing connection plus
// one Participant (subscriber connection) per remote publisher. It shares
// the call state machine, including the deferred-established device.
type ConferenceCall struct {
	account *Account
	id      string

	mu               sync.Mutex
	state            SessionState
	terminated       bool
	setupInProgress  bool
	delayEstablished bool
	pt               core.PeerTransport
	participants     map[string]*Participant // canonical store, by internal id
	publisherIndex   map[string]string       // publisher id -> internal id
	activeList       []*Participant
	raisedHands      []*Participant
	sharedFiles      []wire.SharedFile
	initialInvites   []string
	terminateTimer   *time.Timer

	localIdentity  core.Identity
	remoteIdentity core.Identity

	onStateChange      func(old, new SessionState, reason string)
	onParticipantJoin  func(*Participant)
	onParticipantLeave func(*Participant)
	onRoomConfigured   func(RoomConfig)
	onRaisedHands      func([]*Participant)
	onSharedFiles      func([]wire.SharedFile)
}

func newConferenceCall(account *Account, id string, room core.Identity, initialInvites []string) *ConferenceCall {
	return &ConferenceCall{
		account:        account,
		id:             id,
		localIdentity:  account.Identity(),
		remoteIdentity: room,
		participants:   make(map[string]*Participant),
		publisherIndex: make(map[string]string),
		initialInvites: initialInvites,
	}
}

func (c *ConferenceCall) ID() string                    { return c.id }
func (c *ConferenceCall) Account() *Account             { return c.account }
func (c *ConferenceCall) LocalIdentity() core.Identity  { return c.localIdentity }
func (c *ConferenceCall) RemoteIdentity() core.Identity { return c.remoteIdentity }

// Direction keeps the conference API compatible with Call.
func (c *ConferenceCall) Direction() string { return DirectionOutgoing }

func (c *ConferenceCall) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Participants snapshots the canonical participant set.
func (c *ConferenceCall) Participants() []*Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Values(c.participants)
}

func (c *ConferenceCall) ActiveParticipants() []*Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Participant(nil), c.activeList...)
}

func (c *ConferenceCall) RaisedHands() []*Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Participant(nil), c.raisedHands...)
}

func (c *ConferenceCall) SharedFiles() []wire.SharedFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.SharedFile(nil), c.sharedFiles...)
}

func (c *ConferenceCall) OnStateChange(fn func(old, new SessionState, reason string)) {
	c.onStateChange = fn
}
func (c *ConferenceCall) OnParticipantJoined(fn func(*Participant)) { c.onParticipantJoin = fn }
func (c *ConferenceCall) OnParticipantLeft(fn func(*Participant))   { c.onParticipantLeave = fn }
func (c *ConferenceCall) OnRoomConfigured(fn func(RoomConfig))      { c.onRoomConfigured = fn }
func (c *ConferenceCall) OnRaisedHands(fn func([]*Participant))     { c.onRaisedHands = fn }
func (c *ConferenceCall) OnSharedFiles(fn func([]wire.SharedFile))  { c.onSharedFiles = fn }

// ConfigureRoom requests a new active-participant layout. Local state only
// changes when the corresponding configure push arrives, never here.
func (c *ConferenceCall) ConfigureRoom(publisherIDs []string, cb func(error)) {
	req := c.ctlRequest("configure-room")
	req.ConfigureRoom = &wire.CtlConfigureRoom{ActiveParticipants: publisherIDs}
	c.account.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "conference").Str("session", c.id).Msg("configure-room error")
		}
		if cb != nil {
			cb(err)
		}
	})
}

// InviteParticipants asks the room to invite the given URIs.
func (c *ConferenceCall) InviteParticipants(uris []string) {
	c.mu.Lock()
	terminated := c.terminated
	c.mu.Unlock()
	if terminated || len(uris) == 0 {
		return
	}
	req := c.ctlRequest("invite-participants")
	req.InviteParticipants = &wire.CtlInviteParticipants{Participants: uris}
	c.account.send(req, nil)
}

// MuteAudioParticipants asks the room to mute everyone's publisher audio.
func (c *ConferenceCall) MuteAudioParticipants() {
	req := c.ctlRequest("mute-audio-participants")
	req.MuteAudio = &wire.CtlMuteAudio{}
	c.account.send(req, nil)
}

// RaiseHand toggles the local raised-hand flag; the raised-hands list is
// updated only by the server push.
func (c *ConferenceCall) RaiseHand(raised bool) {
	req := c.ctlRequest("raise-hand")
	req.RaiseHand = &wire.CtlRaiseHand{Session: c.id, Raised: raised}
	c.account.send(req, nil)
}

// StartScreenSharing substitutes track for the published video without
// renegotiating; the previous track is parked for StopScreenSharing.
func (c *ConferenceCall) StartScreenSharing(track webrtc.TrackLocal) error {
	c.mu.Lock()
	pt := c.pt
	c.mu.Unlock()
	if pt == nil {
		return fmt.Errorf("conference has no publisher connection")
	}
	return pt.SubstituteVideoTrack(track)
}

func (c *ConferenceCall) StopScreenSharing() error {
	c.mu.Lock()
	pt := c.pt
	c.mu.Unlock()
	if pt == nil {
		return fmt.Errorf("conference has no publisher connection")
	}
	return pt.RestoreVideoTrack()
}

// Terminate leaves the room, with the same local fallback as Call.
func (c *ConferenceCall) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	if c.terminateTimer == nil {
		c.terminateTimer = time.AfterFunc(terminateFallback, func() {
			log.Debug().Str("module", "conference").Str("session", c.id).Msg("terminate timeout, terminating locally")
			c.finishTerminate("timeout")
		})
	}
	c.mu.Unlock()

	req := &wire.VideoroomTerminate{Request: wire.NewRequest(wire.OpVideoroomTerminate), Session: c.id}
	c.account.send(req, func(err error) {
		if err != nil {
			c.finishTerminate(err.Error())
		}
	})
}

// start negotiates the publisher connection and joins the room.
func (c *ConferenceCall) start() {
	pt, err := c.account.conn.newTransport()
	if err != nil {
		c.finishTerminate(err.Error())
		return
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		pt.Close()
		return
	}
	c.pt = pt
	c.mu.Unlock()

	pt.OnICECandidate(func(ci *webrtc.ICECandidateInit) {
		c.sendTrickle("", ci)
	})

	offer, err := pt.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "conference").Str("session", c.id).Msg("error creating local SDP")
		c.finishTerminate(err.Error())
		return
	}

	req := &wire.VideoroomJoin{
		Request: wire.NewRequest(wire.OpVideoroomJoin),
		Account: c.account.id,
		Session: c.id,
		URI:     c.remoteIdentity.URI,
		SDP:     offer.SDP,
	}
	c.account.send(req, func(err error) {
		if err != nil {
			c.finishTerminate(err.Error())
		}
	})
}

func (c *ConferenceCall) handleEvent(env *wire.Envelope) {
	switch env.Event {
	case wire.EventState:
		var data wire.SessionStateData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			log.Error().Err(err).Str("module", "conference").Msg("bad state event")
			return
		}
		c.handleState(data)
	case wire.EventInitialPublishers:
		var data wire.PublishersData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		// arrives between accepted and established; no join notifications
		for _, p := range data.Publishers {
			c.addParticipant(p)
		}
	case wire.EventPublishersJoined:
		var data wire.PublishersData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		for _, p := range data.Publishers {
			participant := c.addParticipant(p)
			if participant != nil && c.onParticipantJoin != nil {
				c.onParticipantJoin(participant)
			}
		}
	case wire.EventPublishersLeft:
		var data wire.PublishersLeftData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		for _, publisherID := range data.Publishers {
			c.removePublisher(publisherID)
		}
	case wire.EventFeedAttached:
		var data wire.FeedAttachedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		if p := c.lookupParticipant(data.Subscription); p != nil {
			p.handleOffer(data.SDP)
		}
	case wire.EventFeedEstablished:
		var data wire.FeedEstablishedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		if p := c.lookupParticipant(data.Subscription); p != nil {
			p.setState(ParticipantEstablished)
		}
	case wire.EventConfigure:
		var data wire.ConfigureData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.handleConfigure(data)
	case wire.EventRaisedHands:
		var data wire.RaisedHandsData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.handleRaisedHands(data)
	case wire.EventSharedFiles:
		var data wire.SharedFilesData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.mu.Lock()
		c.sharedFiles = append(c.sharedFiles, data.Files...)
		files := append([]wire.SharedFile(nil), c.sharedFiles...)
		fn := c.onSharedFiles
		c.mu.Unlock()
		if fn != nil {
			fn(files)
		}
	default:
		log.Debug().Str("module", "conference").Str("event", env.Event).Msg("unhandled event")
	}
}

func (c *ConferenceCall) handleState(data wire.SessionStateData) {
	newState := SessionState(data.State)
	switch newState {
	case SessionAccepted:
		c.applyAnswer(data.SDP)
	case SessionEstablished:
		c.mu.Lock()
		if c.setupInProgress {
			c.delayEstablished = true
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.setState(SessionEstablished, "")
	case SessionTerminated:
		c.finishTerminate(data.Reason)
	default:
		c.setState(newState, data.Reason)
	}
}

func (c *ConferenceCall) applyAnswer(sdp string) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	pt := c.pt
	if pt == nil {
		// an answer push racing ahead of the publisher negotiation;
		// nothing to apply it to
		c.mu.Unlock()
		log.Warn().Str("module", "conference").Str("session", c.id).Msg("dropping answer push, no transport")
		return
	}
	c.setupInProgress = true
	invites := c.initialInvites
	c.mu.Unlock()

	go func() {
		err := pt.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})

		c.mu.Lock()
		c.setupInProgress = false
		delayed := c.delayEstablished
		c.delayEstablished = false
		terminated := c.terminated
		c.mu.Unlock()

		if terminated {
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "conference").Str("session", c.id).Msg("error applying remote description")
			c.Terminate()
			return
		}
		c.setState(SessionAccepted, "")
		if delayed {
			c.setState(SessionEstablished, "")
		}
		if len(invites) > 0 {
			// give the room a moment to settle before inviting
			time.AfterFunc(50*time.Millisecond, func() {
				c.InviteParticipants(invites)
			})
		}
	}()
}

// addParticipant creates and indexes a Participant for an announced
// publisher. One publisher maps to exactly one object: the canonical store
// is keyed by internal id, the publisher index only references it.
func (c *ConferenceCall) addParticipant(p wire.Publisher) *Participant {
	c.mu.Lock()
	if _, ok := c.publisherIndex[p.ID]; ok {
		c.mu.Unlock()
		return nil
	}
	participant := &Participant{
		conference:  c,
		id:          uuid.NewString(),
		publisherID: p.ID,
		identity:    core.Identity{URI: p.URI, DisplayName: p.DisplayName},
	}
	c.participants[participant.id] = participant
	c.publisherIndex[p.ID] = participant.id
	c.mu.Unlock()

	log.Debug().Str("module", "conference").Str("session", c.id).
		Str("publisher", p.ID).Str("uri", p.URI).Msg("participant added")
	return participant
}

func (c *ConferenceCall) removePublisher(publisherID string) {
	c.mu.Lock()
	internalID, ok := c.publisherIndex[publisherID]
	if !ok {
		c.mu.Unlock()
		return
	}
	participant := c.participants[internalID]
	delete(c.participants, internalID)
	delete(c.publisherIndex, publisherID)
	fn := c.onParticipantLeave
	c.mu.Unlock()

	participant.close()
	if fn != nil {
		fn(participant)
	}
}

// lookupParticipant resolves either an internal id or a publisher id.
func (c *ConferenceCall) lookupParticipant(id string) *Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.participants[id]; ok {
		return p
	}
	if internalID, ok := c.publisherIndex[id]; ok {
		return c.participants[internalID]
	}
	return nil
}

func (c *ConferenceCall) handleConfigure(data wire.ConfigureData) {
	var originator core.Identity
	if p := c.lookupParticipant(data.Originator); p != nil {
		originator = p.identity
	} else if data.Originator == c.id {
		originator = c.localIdentity
	} else {
		originator = core.Identity{URI: data.Originator}
	}

	active := make([]*Participant, 0, len(data.ActiveParticipants))
	for _, id := range data.ActiveParticipants {
		if p := c.lookupParticipant(id); p != nil {
			active = append(active, p)
		} else if id == c.id {
			active = append(active, c.selfParticipant())
		}
	}

	c.mu.Lock()
	c.activeList = active
	fn := c.onRoomConfigured
	c.mu.Unlock()

	if fn != nil {
		fn(RoomConfig{Originator: originator, ActiveParticipants: active})
	}
}

func (c *ConferenceCall) handleRaisedHands(data wire.RaisedHandsData) {
	raised := lo.FilterMap(data.RaisedHands, func(id string, _ int) (*Participant, bool) {
		if p := c.lookupParticipant(id); p != nil {
			return p, true
		}
		if id == c.id {
			return c.selfParticipant(), true
		}
		return nil, false
	})

	c.mu.Lock()
	c.raisedHands = raised
	fn := c.onRaisedHands
	c.mu.Unlock()

	if fn != nil {
		fn(raised)
	}
}

// selfParticipant is a synthetic entry standing for the local publisher in
// active-participant and raised-hand lists.
func (c *ConferenceCall) selfParticipant() *Participant {
	return &Participant{
		conference:  c,
		id:          c.id,
		publisherID: c.id,
		identity:    c.localIdentity,
		state:       ParticipantEstablished,
	}
}

func (c *ConferenceCall) ctlRequest(option string) *wire.VideoroomCtl {
	return &wire.VideoroomCtl{
		Request: wire.NewRequest(wire.OpVideoroomCtl),
		Session: c.id,
		Option:  option,
	}
}

// sendTrickle trickles a candidate; session is empty for the publisher
// connection and the participant's internal id for a subscriber.
func (c *ConferenceCall) sendTrickle(session string, ci *webrtc.ICECandidateInit) {
	candidates := []wire.ICECandidate{}
	if ci != nil {
		candidates = append(candidates, candidateToWire(*ci))
	}
	req := c.ctlRequest("trickle")
	req.Trickle = &wire.CtlTrickle{Session: session, Candidates: candidates}
	c.account.send(req, nil)
}

func (c *ConferenceCall) finishTerminate(reason string) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	if c.terminateTimer != nil {
		c.terminateTimer.Stop()
		c.terminateTimer = nil
	}
	pt := c.pt
	participants := lo.Values(c.participants)
	c.participants = make(map[string]*Participant)
	c.publisherIndex = make(map[string]string)
	c.mu.Unlock()

	c.account.removeConference(c.id)
	c.setState(SessionTerminated, reason)
	if pt != nil {
		pt.Close()
	}
	for _, p := range participants {
		p.close()
	}
}

func (c *ConferenceCall) setState(newState SessionState, reason string) {
	c.mu.Lock()
	oldState := c.state
	c.state = newState
	fn := c.onStateChange
	c.mu.Unlock()

	log.Debug().Str("module", "conference").Str("session", c.id).
		Str("old", string(oldState)).Str("new", string(newState)).Msg("state change")
	if fn != nil {
		fn(oldState, newState, reason)
	}
}
