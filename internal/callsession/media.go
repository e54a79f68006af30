package callsession

import (
	"github.com/flowpbx/sbc-outbound/internal/rtpengine"
)

// Media security modes.
const (
	SecurityStrictSource = "strict-source"
	SecurityHandover     = "handover"
)

const (
	flagMediaHandover = "media-handover"
	flagStrictSource  = "strict-source"
	flagPortLatching  = "port-latching"
	flagAsymmetric    = "asymmetric"
	flagSDESPad       = "SDES-pad"
)

var (
	directionPublic  = []string{"private", "public"}
	directionPrivate = []string{"private", "private"}
)

// rtpCharacteristics is plain RTP, used toward the application server and
// toward non-SRTP callees.
func rtpCharacteristics() rtpengine.Opts {
	return rtpengine.Opts{
		"transport-protocol": "RTP/AVP",
		"DTLS":               "off",
		"ICE":                "remove",
		"rtcp-mux":           []string{"demux"},
	}
}

func srtpCharacteristics() rtpengine.Opts {
	return rtpengine.Opts{
		"transport-protocol": "RTP/SAVP",
		"DTLS":               "off",
		"ICE":                "remove",
		"rtcp-mux":           []string{"demux"},
		"flags":              []string{flagSDESPad},
	}
}

// MediaSession holds the relay options for one call: the options common to
// every command and the media characteristics of each side. Side A faces
// the caller, side B the callee.
type MediaSession struct {
	common rtpengine.Opts
	sideA  rtpengine.Opts
	sideB  rtpengine.Opts
	srtp   bool
}

func newMediaSession(callID string, security string, record bool, srtp bool) *MediaSession {
	common := rtpengine.Opts{
		"call-id": callID,
		"replace": []string{"origin", "session-connection"},
	}
	if security == SecurityStrictSource {
		common.AddFlags(flagStrictSource)
	} else {
		common.AddFlags(flagMediaHandover)
	}
	if record {
		common["record call"] = "yes"
	}
	m := &MediaSession{common: common, sideA: rtpCharacteristics(), sideB: rtpCharacteristics()}
	if srtp {
		m.UpgradeSRTP()
	}
	return m
}

// UpgradeSRTP switches side B to encrypted media for the rest of the call.
func (m *MediaSession) UpgradeSRTP() {
	m.sideB = srtpCharacteristics()
	m.srtp = true
}

// SRTP reports whether the callee side uses encrypted media.
func (m *MediaSession) SRTP() bool {
	return m.srtp
}

// Offer builds offer options for the initial INVITE toward the callee.
func (m *MediaSession) Offer(fromTag, sdp string, direction []string) rtpengine.Opts {
	return mergeOpts(m.common, m.sideB, rtpengine.Opts{
		"from-tag":  fromTag,
		"sdp":       sdp,
		"direction": direction,
	})
}

// Answer builds answer options for the callee's SDP.
func (m *MediaSession) Answer(fromTag, toTag, sdp string) rtpengine.Opts {
	return mergeOpts(m.common, m.sideA, rtpengine.Opts{
		"from-tag": fromTag,
		"to-tag":   toTag,
		"sdp":      sdp,
	})
}

// ReofferFromCaller builds offer options for a re-INVITE received from the
// caller side. The offer goes toward side B.
func (m *MediaSession) ReofferFromCaller(fromTag, toTag, sdp string, direction []string) rtpengine.Opts {
	return mergeOpts(m.common, m.sideB, rtpengine.Opts{
		"from-tag":  fromTag,
		"to-tag":    toTag,
		"sdp":       sdp,
		"direction": direction,
	})
}

// ReanswerFromCaller builds the matching answer options, toward side A.
func (m *MediaSession) ReanswerFromCaller(fromTag, toTag, sdp string) rtpengine.Opts {
	return mergeOpts(m.common, m.sideA, rtpengine.Opts{
		"from-tag": fromTag,
		"to-tag":   toTag,
		"sdp":      sdp,
	})
}

// ReofferFromCallee builds offer options for a re-INVITE received from the
// callee side. The offer goes toward side A.
func (m *MediaSession) ReofferFromCallee(fromTag, toTag, sdp string, direction []string) rtpengine.Opts {
	return mergeOpts(m.common, m.sideA, rtpengine.Opts{
		"from-tag":  fromTag,
		"to-tag":    toTag,
		"sdp":       sdp,
		"direction": direction,
	})
}

// ReanswerFromCallee builds the matching answer options, toward side B.
func (m *MediaSession) ReanswerFromCallee(fromTag, toTag, sdp string) rtpengine.Opts {
	return mergeOpts(m.common, m.sideB, rtpengine.Opts{
		"from-tag": fromTag,
		"to-tag":   toTag,
		"sdp":      sdp,
	})
}

// Delete builds options releasing the call on the relay.
func (m *MediaSession) Delete(fromTag string) rtpengine.Opts {
	return rtpengine.Opts{"call-id": m.common.String("call-id"), "from-tag": fromTag}
}

// Tagged builds minimal options addressing one party, for block/unblock and
// DTMF injection.
func (m *MediaSession) Tagged(fromTag string) rtpengine.Opts {
	return rtpengine.Opts{"call-id": m.common.String("call-id"), "from-tag": fromTag}
}

// anchorFlags rewrites opts for a release-media or anchor-media exchange:
// latch onto whatever address media arrives from.
func anchorFlags(opts rtpengine.Opts) rtpengine.Opts {
	out := opts.With(nil)
	out.RemoveFlag(flagMediaHandover)
	out.AddFlags(flagPortLatching, flagAsymmetric)
	return out
}

// mergeOpts layers option sets left to right. Flag lists are concatenated
// rather than replaced.
func mergeOpts(layers ...rtpengine.Opts) rtpengine.Opts {
	out := rtpengine.Opts{}
	var flags []string
	for _, l := range layers {
		for k, v := range l {
			if k == "flags" {
				fl, _ := v.([]string)
				flags = append(flags, fl...)
				continue
			}
			out[k] = v
		}
	}
	if len(flags) > 0 {
		out["flags"] = flags
	}
	return out
}
