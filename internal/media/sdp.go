// Package media inspects and rewrites SDP bodies and handles DTMF carried in
// SIP INFO requests. Media itself flows through the external relay.
package media

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Media direction attributes (RFC 4566 §6).
const (
	DirSendRecv = "sendrecv"
	DirSendOnly = "sendonly"
	DirRecvOnly = "recvonly"
	DirInactive = "inactive"
)

var directions = []string{DirSendRecv, DirSendOnly, DirRecvOnly, DirInactive}

// static payload types that may appear without an rtpmap line (RFC 3551).
var staticPayloadNames = map[string]string{
	"0":  "PCMU",
	"3":  "GSM",
	"8":  "PCMA",
	"9":  "G722",
	"18": "G729",
}

// Parse decodes an SDP body.
func Parse(body string) (*sdp.SessionDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}
	return &sd, nil
}

func marshal(sd *sdp.SessionDescription) (string, error) {
	out, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshaling sdp: %w", err)
	}
	return string(out), nil
}

// IsSRTP reports whether any media section offers secure RTP, either through
// a SAVP profile or an a=crypto line. Unparseable bodies are treated as
// plain RTP.
func IsSRTP(body string) bool {
	if body == "" {
		return false
	}
	sd, err := Parse(body)
	if err != nil {
		return strings.Contains(body, "RTP/SAVP") || strings.Contains(body, "a=crypto:")
	}
	for _, md := range sd.MediaDescriptions {
		for _, proto := range md.MediaName.Protos {
			if strings.HasPrefix(proto, "SAVP") {
				return true
			}
		}
		if _, ok := md.Attribute("crypto"); ok {
			return true
		}
	}
	return false
}

// ConnectionAddress returns the connection address of the first audio
// stream, falling back to the session-level c= line.
func ConnectionAddress(body string) string {
	sd, err := Parse(body)
	if err != nil {
		return ""
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			return md.ConnectionInformation.Address.Address
		}
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address
	}
	return ""
}

// ReorderCodecs moves the preferred codecs to the front of every audio m=
// line, in the given order. Codecs not named keep their relative order after
// the preferred ones. An empty preference list returns body unchanged.
func ReorderCodecs(body string, preferred []string) (string, error) {
	if len(preferred) == 0 || body == "" {
		return body, nil
	}
	sd, err := Parse(body)
	if err != nil {
		return "", err
	}

	rank := make(map[string]int, len(preferred))
	for i, name := range preferred {
		rank[strings.ToUpper(name)] = i
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		names := payloadNames(md)
		slices.SortStableFunc(md.MediaName.Formats, func(a, b string) int {
			ra, okA := rank[names[a]]
			rb, okB := rank[names[b]]
			switch {
			case okA && okB:
				return ra - rb
			case okA:
				return -1
			case okB:
				return 1
			}
			return 0
		})
	}
	return marshal(sd)
}

// payloadNames maps each payload type of md to its upper-cased encoding name.
func payloadNames(md *sdp.MediaDescription) map[string]string {
	names := make(map[string]string, len(md.MediaName.Formats))
	for _, pt := range md.MediaName.Formats {
		if n, ok := staticPayloadNames[pt]; ok {
			names[pt] = n
		}
	}
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, enc, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(pt); err != nil {
			continue
		}
		name, _, _ := strings.Cut(enc, "/")
		names[pt] = strings.ToUpper(name)
	}
	return names
}

// Codecs lists the encoding names of the first audio stream in m= line order.
func Codecs(body string) []string {
	sd, err := Parse(body)
	if err != nil {
		return nil
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		names := payloadNames(md)
		out := make([]string, 0, len(md.MediaName.Formats))
		for _, pt := range md.MediaName.Formats {
			if n, ok := names[pt]; ok {
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

// SetDirection replaces the direction attribute of every media section.
// Used to pause (inactive) and resume (sendonly) a recording stream.
func SetDirection(body, dir string) (string, error) {
	if !slices.Contains(directions, dir) {
		return "", fmt.Errorf("invalid media direction %q", dir)
	}
	sd, err := Parse(body)
	if err != nil {
		return "", err
	}
	for _, md := range sd.MediaDescriptions {
		attrs := md.Attributes[:0]
		for _, a := range md.Attributes {
			if !slices.Contains(directions, a.Key) {
				attrs = append(attrs, a)
			}
		}
		md.Attributes = append(attrs, sdp.NewPropertyAttribute(dir))
	}
	return marshal(sd)
}

// Direction returns the direction of the first media section, defaulting to
// sendrecv when none is present.
func Direction(body string) string {
	sd, err := Parse(body)
	if err != nil || len(sd.MediaDescriptions) == 0 {
		return DirSendRecv
	}
	for _, a := range sd.MediaDescriptions[0].Attributes {
		if slices.Contains(directions, a.Key) {
			return a.Key
		}
	}
	for _, a := range sd.Attributes {
		if slices.Contains(directions, a.Key) {
			return a.Key
		}
	}
	return DirSendRecv
}
