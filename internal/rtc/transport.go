// Package rtc adapts pion/webrtc to the core.PeerTransport boundary.
package rtc

import (
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/sylkrtc/sylkrtc-go/internal/core"
)

type Transport struct {
	pc    *webrtc.PeerConnection
	onICE func(*webrtc.ICECandidateInit)

	parked webrtc.TrackLocal // video track displaced by screen sharing
}

func Config(iceServers []string) webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Factory returns a core.TransportFactory creating pion-backed transports.
func Factory(cfg webrtc.Configuration) core.TransportFactory {
	return func() (core.PeerTransport, error) {
		return New(cfg)
	}
}

func New(cfg webrtc.Configuration) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	t := &Transport{pc: pc}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if t.onICE == nil {
			return
		}
		if cand == nil {
			t.onICE(nil)
			return
		}
		ci := cand.ToJSON()
		t.onICE(&ci)
	})
	return t, nil
}

// AddTrack attaches a local track before negotiation.
func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	_, err := t.pc.AddTrack(track)
	return err
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *t.pc.LocalDescription(), nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *t.pc.LocalDescription(), nil
}

func (t *Transport) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	t.onICE = fn
}

func (t *Transport) LocalTracks() []core.TrackInfo {
	return lo.FilterMap(t.pc.GetSenders(), func(s *webrtc.RTPSender, _ int) (core.TrackInfo, bool) {
		track := s.Track()
		if track == nil {
			return core.TrackInfo{}, false
		}
		return core.TrackInfo{ID: track.ID(), Kind: track.Kind().String()}, true
	})
}

func (t *Transport) RemoteTracks() []core.TrackInfo {
	return lo.FilterMap(t.pc.GetReceivers(), func(r *webrtc.RTPReceiver, _ int) (core.TrackInfo, bool) {
		track := r.Track()
		if track == nil {
			return core.TrackInfo{}, false
		}
		return core.TrackInfo{ID: track.ID(), Kind: track.Kind().String()}, true
	})
}

// SubstituteVideoTrack swaps the published video track for t without
// renegotiating. The previous track is parked, not stopped, so
// RestoreVideoTrack can put it back verbatim.
func (t *Transport) SubstituteVideoTrack(track webrtc.TrackLocal) error {
	sender := t.videoSender()
	if sender == nil {
		return errors.New("no video sender")
	}
	previous := sender.Track()
	if err := sender.ReplaceTrack(track); err != nil {
		return err
	}
	t.parked = previous
	return nil
}

func (t *Transport) RestoreVideoTrack() error {
	if t.parked == nil {
		return errors.New("no parked track")
	}
	sender := t.videoSender()
	if sender == nil {
		return errors.New("no video sender")
	}
	if err := sender.ReplaceTrack(t.parked); err != nil {
		return err
	}
	t.parked = nil
	return nil
}

func (t *Transport) videoSender() *webrtc.RTPSender {
	for _, sender := range t.pc.GetSenders() {
		if track := sender.Track(); track != nil && track.Kind() == webrtc.RTPCodecTypeVideo {
			return sender
		}
	}
	return nil
}

func (t *Transport) Close() {
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	}
}
