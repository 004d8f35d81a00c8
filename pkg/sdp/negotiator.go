package sdp

import (
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
)

// The downstream trunk accepts exactly this audio codec set:
// PCMU (0), PCMA (8) and telephone-event (101) for DTMF.
var allowedPayloads = []string{"0", "8", "101"}

const (
	dtmfPayload = "101"
	dtmfRtpmap  = "101 telephone-event/8000"
	dtmfFmtp    = "101 0-16"
)

// Negotiator rewrites audio media descriptions to the fixed codec set
// supported by the downstream trunk provider.
type Negotiator struct {
	logger *logrus.Logger
}

// NewNegotiator creates a new SDP codec negotiator
func NewNegotiator(logger *logrus.Logger) *Negotiator {
	return &Negotiator{logger: logger}
}

// Negotiate rewrites every audio media description of the given SDP body to
// offer exactly the allowed payload set. Non-audio media descriptions and
// session-level attributes pass through untouched. A body that cannot be
// parsed or re-marshalled is returned unchanged: a call must not fail solely
// because of an SDP anomaly. The operation is idempotent.
func (n *Negotiator) Negotiate(body []byte) []byte {
	if len(body) == 0 {
		return body
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		n.logger.WithError(err).Warn("Failed to parse SDP, passing body through unchanged")
		return body
	}

	rewritten := false
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		rewriteAudioMedia(md)
		rewritten = true
	}

	// Re-marshalling normalizes the body even when nothing was touched, so
	// an offer without audio goes back exactly as it came in.
	if !rewritten {
		return body
	}

	out, err := desc.Marshal()
	if err != nil {
		n.logger.WithError(err).Warn("Failed to marshal rewritten SDP, passing body through unchanged")
		return body
	}

	return out
}

// rewriteAudioMedia forces the payload list of an audio media description to
// the allowed set, prunes codec attributes for foreign payloads and makes
// sure the telephone-event entries exist.
func rewriteAudioMedia(md *sdp.MediaDescription) {
	md.MediaName.Formats = append([]string(nil), allowedPayloads...)

	var (
		kept        []sdp.Attribute
		hasDTMFMap  bool
		hasDTMFFmtp bool
	)

	for _, attr := range md.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp":
			payload := firstToken(attr.Value)
			if !payloadAllowed(payload) {
				continue
			}
			if payload == dtmfPayload {
				if attr.Key == "rtpmap" {
					hasDTMFMap = true
				} else {
					hasDTMFFmtp = true
				}
			}
			kept = append(kept, attr)
		case "rtcp", "rtcp-mux", "rtcp-fb", "rtcp-rsize", "rtcp-xr":
			// The downstream provider does not process RTCP attributes and a
			// stale reference could misdescribe the renegotiated stream.
			continue
		default:
			kept = append(kept, attr)
		}
	}

	if !hasDTMFMap {
		kept = append(kept, sdp.Attribute{Key: "rtpmap", Value: dtmfRtpmap})
	}
	if !hasDTMFFmtp {
		kept = append(kept, sdp.Attribute{Key: "fmtp", Value: dtmfFmtp})
	}

	md.Attributes = kept
}

func payloadAllowed(payload string) bool {
	for _, allowed := range allowedPayloads {
		if payload == allowed {
			return true
		}
	}
	return false
}

func firstToken(value string) string {
	if idx := strings.IndexByte(value, ' '); idx >= 0 {
		return value[:idx]
	}
	return value
}
