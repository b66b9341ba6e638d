package core

import (
	"github.com/pion/webrtc/v4"
)

// PeerTransport abstracts the media-plane peer connection used by calls,
// the conference publisher and each participant subscriber. Implementations
// own the underlying resources and must release them on Close().
type PeerTransport interface {
	// CreateOffer generates an offer and installs it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer generates an answer for the current remote description
	// and installs it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	// ApplyRemoteDescription installs the remote offer or answer. May block
	// until the description is fully applied.
	ApplyRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for locally gathered candidates;
	// the callback receives nil when gathering has finished.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	// LocalTracks and RemoteTracks enumerate the negotiated media.
	LocalTracks() []TrackInfo
	RemoteTracks() []TrackInfo
	// SubstituteVideoTrack parks the current video track and sends t in its
	// place without renegotiating; RestoreVideoTrack puts the parked track
	// back. Used for screen sharing.
	SubstituteVideoTrack(t webrtc.TrackLocal) error
	RestoreVideoTrack() error
	Close()
}

// TransportFactory creates a PeerTransport for one negotiation.
type TransportFactory func() (PeerTransport, error)

// TrackInfo is a read-only view of a negotiated track.
type TrackInfo struct {
	ID   string
	Kind string // "audio" or "video"
}

// MediaDirections summarizes what an SDP body offers, so an application can
// present an incoming call's capabilities before any user action.
type MediaDirections struct {
	Audio string // "", "sendrecv", "sendonly", "recvonly", "inactive"
	Video string
}

// HasAudio reports whether the offer proposes an audio section at all.
func (d MediaDirections) HasAudio() bool { return d.Audio != "" && d.Audio != "inactive" }

// HasVideo reports whether the offer proposes a video section at all.
func (d MediaDirections) HasVideo() bool { return d.Video != "" && d.Video != "inactive" }

// DirectionParser extracts a MediaDirections summary from an SDP body.
type DirectionParser func(sdp string) MediaDirections
