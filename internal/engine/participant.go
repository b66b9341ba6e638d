package engine

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sylkrtc/sylkrtc-go/internal/core"
	"github.com/sylkrtc/sylkrtc-go/internal/wire"
)

// Participant states.
const (
	ParticipantDetached    = ""
	ParticipantProgress    = "progress"
	ParticipantEstablished = "established"
)

// Participant wraps one subscriber connection to one remote publisher in a
// conference. It is indexed canonically by its internal id; the room keeps
// a separate publisher-id index pointing at the same object.
type Participant struct {
	conference  *ConferenceCall
	id          string // internal, locally generated
	publisherID string // server-assigned
	identity    core.Identity

	mu          sync.Mutex
	state       string
	pt          core.PeerTransport
	audioPaused bool
	videoPaused bool

	onStateChange func(old, new string)
}

func (p *Participant) ID() string                  { return p.id }
func (p *Participant) PublisherID() string         { return p.publisherID }
func (p *Participant) Identity() core.Identity     { return p.identity }
func (p *Participant) Conference() *ConferenceCall { return p.conference }

func (p *Participant) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Participant) AudioPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioPaused
}

func (p *Participant) VideoPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoPaused
}

func (p *Participant) RemoteTracks() []core.TrackInfo {
	p.mu.Lock()
	pt := p.pt
	p.mu.Unlock()
	if pt == nil {
		return nil
	}
	return pt.RemoteTracks()
}

// OnStateChange sets the subscription state observer.
func (p *Participant) OnStateChange(fn func(old, new string)) { p.onStateChange = fn }

// Attach requests a subscription offer for this publisher's feed. The offer
// arrives later as a feed-attached event.
func (p *Participant) Attach() {
	p.mu.Lock()
	if p.state != ParticipantDetached {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.setState(ParticipantProgress)

	req := p.conference.ctlRequest("feed-attach")
	req.FeedAttach = &wire.CtlFeedAttach{Session: p.id, Publisher: p.publisherID}
	p.conference.account.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "conference").Str("publisher", p.publisherID).Msg("feed-attach error")
		}
	})
}

// Detach tears the subscription down.
func (p *Participant) Detach() {
	p.mu.Lock()
	if p.state == ParticipantDetached {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	req := p.conference.ctlRequest("feed-detach")
	req.FeedDetach = &wire.CtlFeedDetach{Session: p.id}
	p.conference.account.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "conference").Str("publisher", p.publisherID).Msg("feed-detach error")
		}
		p.close()
	})
}

func (p *Participant) PauseAudio() {
	p.sendUpdate(boolPtr(false), nil)
	p.mu.Lock()
	p.audioPaused = true
	p.mu.Unlock()
}

func (p *Participant) ResumeAudio() {
	p.sendUpdate(boolPtr(true), nil)
	p.mu.Lock()
	p.audioPaused = false
	p.mu.Unlock()
}

func (p *Participant) PauseVideo() {
	p.sendUpdate(nil, boolPtr(false))
	p.mu.Lock()
	p.videoPaused = true
	p.mu.Unlock()
}

func (p *Participant) ResumeVideo() {
	p.sendUpdate(nil, boolPtr(true))
	p.mu.Lock()
	p.videoPaused = false
	p.mu.Unlock()
}

func (p *Participant) sendUpdate(audio, video *bool) {
	req := p.conference.ctlRequest("update")
	req.Update = &wire.CtlUpdate{Session: p.id, Audio: audio, Video: video}
	p.conference.account.send(req, nil)
}

// handleOffer negotiates the subscriber connection for the attached feed.
func (p *Participant) handleOffer(sdp string) {
	go func() {
		pt, err := p.conference.account.conn.newTransport()
		if err != nil {
			log.Error().Err(err).Str("module", "conference").Msg("subscriber transport")
			p.close()
			return
		}

		p.mu.Lock()
		if p.state == ParticipantDetached {
			p.mu.Unlock()
			pt.Close()
			return
		}
		p.pt = pt
		p.mu.Unlock()

		pt.OnICECandidate(func(ci *webrtc.ICECandidateInit) {
			p.conference.sendTrickle(p.id, ci)
		})

		if err := pt.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
			log.Error().Err(err).Str("module", "conference").Str("publisher", p.publisherID).Msg("error setting remote description")
			p.close()
			return
		}
		answer, err := pt.CreateAnswer()
		if err != nil {
			log.Error().Err(err).Str("module", "conference").Str("publisher", p.publisherID).Msg("error creating local SDP")
			p.close()
			return
		}

		req := p.conference.ctlRequest("feed-answer")
		req.FeedAnswer = &wire.CtlFeedAnswer{Session: p.id, SDP: answer.SDP}
		p.conference.account.send(req, func(err error) {
			if err != nil {
				log.Debug().Err(err).Str("module", "conference").Str("publisher", p.publisherID).Msg("feed-answer error")
				p.close()
			}
		})
	}()
}

func (p *Participant) close() {
	p.mu.Lock()
	pt := p.pt
	p.pt = nil
	p.mu.Unlock()
	if pt != nil {
		pt.Close()
	}
	p.setState(ParticipantDetached)
}

func (p *Participant) setState(newState string) {
	p.mu.Lock()
	oldState := p.state
	if oldState == newState {
		p.mu.Unlock()
		return
	}
	p.state = newState
	fn := p.onStateChange
	p.mu.Unlock()

	log.Debug().Str("module", "conference").Str("participant", p.id).
		Str("old", oldState).Str("new", newState).Msg("participant state change")
	if fn != nil {
		fn(oldState, newState)
	}
}

func boolPtr(v bool) *bool { return &v }
