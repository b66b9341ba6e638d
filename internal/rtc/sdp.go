package rtc

import (
	"github.com/pion/sdp/v3"

	"github.com/sylkrtc/sylkrtc-go/internal/core"
)

// DirectionSummary parses an SDP body and reports the offered direction of
// the first audio and video sections. Used to describe an incoming call's
// media before the call is answered. Unparseable bodies yield an empty
// summary rather than an error; the negotiation itself will fail later with
// a proper diagnostic.
func DirectionSummary(raw string) core.MediaDirections {
	var out core.MediaDirections
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return out
	}
	for _, media := range desc.MediaDescriptions {
		direction := mediaDirection(media)
		switch media.MediaName.Media {
		case "audio":
			if out.Audio == "" {
				out.Audio = direction
			}
		case "video":
			if out.Video == "" {
				out.Video = direction
			}
		}
	}
	return out
}

func mediaDirection(media *sdp.MediaDescription) string {
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return attr.Key
		}
	}
	// absent direction attribute means sendrecv
	return "sendrecv"
}
