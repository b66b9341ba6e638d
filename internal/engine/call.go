package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sylkrtc/sylkrtc-go/internal/core"
	"github.com/sylkrtc/sylkrtc-go/internal/wire"
)

// SessionState is the call/conference state machine value.
type SessionState string

const (
	SessionNone        SessionState = "" // outgoing, before the first server push
	SessionIncoming    SessionState = "incoming"
	SessionProceeding  SessionState = "proceeding"
	SessionEarlyMedia  SessionState = "early-media"
	SessionAccepted    SessionState = "accepted"
	SessionEstablished SessionState = "established"
	SessionTerminated  SessionState = "terminated"
)

// terminateFallback bounds how long termination waits for the server;
// past it the session terminates locally regardless.
const terminateFallback = 150 * time.Millisecond

// Call is a one-to-one session. State changes are driven by server pushes
// and local negotiation completions; the terminated flag is monotonic and
// checked before every state-changing operation.
type Call struct {
	account   *Account
	id        string
	direction string

	mu               sync.Mutex
	state            SessionState
	terminated       bool
	setupInProgress  bool
	delayEstablished bool
	remoteApplied    bool
	pt               core.PeerTransport
	incomingSDP      string
	directions       core.MediaDirections
	terminateTimer   *time.Timer
	messages         map[string]*Message

	localIdentity  core.Identity
	remoteIdentity core.Identity

	onStateChange func(old, new SessionState, reason string)
	onMessage     func(*Message)
}

func newCall(account *Account, id, direction string, remote core.Identity) *Call {
	return &Call{
		account:        account,
		id:             id,
		direction:      direction,
		localIdentity:  account.Identity(),
		remoteIdentity: remote,
		messages:       make(map[string]*Message),
	}
}

func (c *Call) ID() string                     { return c.id }
func (c *Call) Direction() string              { return c.direction }
func (c *Call) Account() *Account              { return c.account }
func (c *Call) LocalIdentity() core.Identity   { return c.localIdentity }
func (c *Call) RemoteIdentity() core.Identity  { return c.remoteIdentity }

func (c *Call) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MediaDirections reports the remote offer's audio/video summary, known for
// incoming calls before any user action.
func (c *Call) MediaDirections() core.MediaDirections {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.directions
}

func (c *Call) LocalTracks() []core.TrackInfo {
	c.mu.Lock()
	pt := c.pt
	c.mu.Unlock()
	if pt == nil {
		return nil
	}
	return pt.LocalTracks()
}

func (c *Call) RemoteTracks() []core.TrackInfo {
	c.mu.Lock()
	pt := c.pt
	c.mu.Unlock()
	if pt == nil {
		return nil
	}
	return pt.RemoteTracks()
}

// OnStateChange sets the state observer.
func (c *Call) OnStateChange(fn func(old, new SessionState, reason string)) { c.onStateChange = fn }

// OnMessage observes in-dialog messages.
func (c *Call) OnMessage(fn func(*Message)) { c.onMessage = fn }

// Answer accepts an incoming call. Valid only in the incoming state; the
// violation is reported synchronously, negotiation failures terminate the
// call asynchronously.
func (c *Call) Answer() error {
	c.mu.Lock()
	if c.state != SessionIncoming {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("call is not in the incoming state: %s", state)
	}
	offer := c.incomingSDP
	c.mu.Unlock()

	go c.answer(offer)
	return nil
}

// Terminate requests session teardown. A fallback timer guarantees the call
// reaches terminated locally even if the server never answers.
func (c *Call) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	if c.terminateTimer == nil {
		c.terminateTimer = time.AfterFunc(terminateFallback, func() {
			log.Debug().Str("module", "call").Str("session", c.id).Msg("terminate timeout, terminating locally")
			c.finishTerminate("timeout")
		})
	}
	c.mu.Unlock()

	req := &wire.SessionTerminate{Request: wire.NewRequest(wire.OpSessionTerminate), Session: c.id}
	c.account.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "call").Str("session", c.id).Msg("terminate error")
			c.finishTerminate(err.Error())
		}
	})
}

// SendMessage sends an in-dialog message, tracked in the call's own map.
func (c *Call) SendMessage(content, contentType string) (*Message, error) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil, fmt.Errorf("call is terminated")
	}
	msg := &Message{
		id:          uuid.NewString(),
		direction:   DirectionOutgoing,
		sender:      c.localIdentity,
		receiver:    c.remoteIdentity.URI,
		content:     content,
		contentType: contentType,
		timestamp:   time.Now(),
		state:       MessagePending,
	}
	c.messages[msg.id] = msg
	c.mu.Unlock()

	req := &wire.SessionMessage{
		Request:     wire.NewRequest(wire.OpSessionMessage),
		Session:     c.id,
		MessageID:   msg.id,
		Content:     content,
		ContentType: contentType,
		Timestamp:   msg.timestamp.Format(time.RFC3339),
	}
	c.account.send(req, func(err error) {
		if err != nil {
			msg.setState(MessageFailed)
			return
		}
		msg.setState(MessageAccepted)
	})
	return msg, nil
}

// Messages returns the in-dialog message map snapshot.
func (c *Call) Messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m)
	}
	return out
}

// startOutgoing runs the outgoing negotiation: local offer, then
// session-create. Any failure terminates locally.
func (c *Call) startOutgoing() {
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
		c.sendTrickle(ci)
	})

	offer, err := pt.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("session", c.id).Msg("error creating local SDP")
		c.finishTerminate(err.Error())
		return
	}

	req := &wire.SessionCreate{
		Request: wire.NewRequest(wire.OpSessionCreate),
		Account: c.account.id,
		Session: c.id,
		URI:     c.remoteIdentity.URI,
		SDP:     offer.SDP,
	}
	c.account.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "call").Str("session", c.id).Msg("session-create error")
			c.finishTerminate(err.Error())
		}
	})
}

// answer applies the stored remote offer, creates the local answer and
// sends session-answer. Any failure self-terminates.
func (c *Call) answer(offer string) {
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
		c.sendTrickle(ci)
	})

	if err := pt.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		log.Error().Err(err).Str("module", "call").Str("session", c.id).Msg("error setting remote description")
		c.Terminate()
		return
	}
	answer, err := pt.CreateAnswer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("session", c.id).Msg("error creating local SDP")
		c.Terminate()
		return
	}

	c.mu.Lock()
	c.remoteApplied = true
	c.mu.Unlock()

	req := &wire.SessionAnswer{Request: wire.NewRequest(wire.OpSessionAnswer), Session: c.id, SDP: answer.SDP}
	c.account.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "call").Str("session", c.id).Msg("answer error")
			c.Terminate()
		}
	})
}

func (c *Call) initIncoming(id, sdp string, directions core.MediaDirections) {
	c.incomingSDP = sdp
	c.directions = directions
	c.state = SessionIncoming
}

func (c *Call) handleEvent(env *wire.Envelope) {
	switch env.Event {
	case wire.EventState:
		var data wire.SessionStateData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("bad state event")
			return
		}
		c.handleState(data)
	case wire.EventMessage:
		var data wire.MessageData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.handleMessage(data)
	case wire.EventDisposition:
		var data wire.DispositionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.mu.Lock()
		msg := c.messages[data.MessageID]
		c.mu.Unlock()
		if msg == nil {
			log.Debug().Str("module", "call").Str("message_id", data.MessageID).Msg("disposition for unknown message")
			return
		}
		applyDisposition(msg, data.State)
	default:
		log.Debug().Str("module", "call").Str("event", env.Event).Msg("unhandled event")
	}
}

func (c *Call) handleState(data wire.SessionStateData) {
	newState := SessionState(data.State)
	switch newState {
	case SessionProceeding:
		c.setState(newState, "")
	case SessionEarlyMedia, SessionAccepted:
		c.mu.Lock()
		applied := c.remoteApplied
		c.mu.Unlock()
		if data.SDP != "" && !applied {
			c.applyAnswer(newState, data.SDP)
		} else {
			c.setState(newState, "")
		}
	case SessionEstablished:
		// The server may confirm establishment before the local transport
		// has finished applying the answer. Defer the transition until the
		// application completes; never report established while the media
		// path is not ready.
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

// applyAnswer installs the server-supplied answer asynchronously. While the
// application runs, setupInProgress gates any established transition.
func (c *Call) applyAnswer(newState SessionState, sdp string) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	pt := c.pt
	if pt == nil {
		// an answer push for a call whose negotiation never started;
		// nothing to apply it to
		c.mu.Unlock()
		log.Warn().Str("module", "call").Str("session", c.id).
			Str("state", string(newState)).Msg("dropping answer push, no transport")
		return
	}
	c.setupInProgress = true
	c.mu.Unlock()

	go func() {
		err := pt.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})

		c.mu.Lock()
		c.setupInProgress = false
		delayed := c.delayEstablished
		c.delayEstablished = false
		terminated := c.terminated
		if err == nil {
			c.remoteApplied = true
		}
		c.mu.Unlock()

		if terminated {
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "call").Str("session", c.id).Msg("error applying remote description")
			c.Terminate()
			return
		}
		c.setState(newState, "")
		if delayed {
			c.setState(SessionEstablished, "")
		}
	}()
}

func (c *Call) handleMessage(data wire.MessageData) {
	c.mu.Lock()
	if _, ok := c.messages[data.MessageID]; ok {
		c.mu.Unlock()
		return
	}
	msg := &Message{
		id:          data.MessageID,
		direction:   DirectionIncoming,
		sender:      core.Identity{URI: data.Sender.URI, DisplayName: data.Sender.DisplayName},
		receiver:    c.localIdentity.URI,
		content:     data.Content,
		contentType: data.ContentType,
		timestamp:   parseTimestamp(data.Timestamp),
		disposition: data.Disposition,
		state:       MessageReceived,
	}
	c.messages[msg.id] = msg
	fn := c.onMessage
	c.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

func (c *Call) sendTrickle(ci *webrtc.ICECandidateInit) {
	candidates := []wire.ICECandidate{}
	if ci != nil {
		candidates = append(candidates, candidateToWire(*ci))
	}
	req := &wire.SessionTrickle{
		Request:    wire.NewRequest(wire.OpSessionTrickle),
		Session:    c.id,
		Candidates: candidates,
	}
	c.account.send(req, nil)
}

// finishTerminate is the single exit: it is idempotent, removes the call
// from its account exactly once and releases the transport.
func (c *Call) finishTerminate(reason string) {
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
	c.mu.Unlock()

	c.account.removeCall(c.id)
	c.setState(SessionTerminated, reason)
	if pt != nil {
		pt.Close()
	}
}

func (c *Call) setState(newState SessionState, reason string) {
	c.mu.Lock()
	oldState := c.state
	c.state = newState
	fn := c.onStateChange
	c.mu.Unlock()

	log.Debug().Str("module", "call").Str("session", c.id).
		Str("old", string(oldState)).Str("new", string(newState)).Msg("state change")
	if fn != nil {
		fn(oldState, newState, reason)
	}
}

func candidateToWire(ci webrtc.ICECandidateInit) wire.ICECandidate {
	out := wire.ICECandidate{Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		out.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		out.SDPMLineIndex = *ci.SDPMLineIndex
	}
	return out
}

func parseTimestamp(value string) time.Time {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Now()
	}
	return ts
}
