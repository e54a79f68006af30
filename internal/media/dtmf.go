package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultDTMFDuration is the tone length in milliseconds used when an INFO
// request or relay event carries none.
const DefaultDTMFDuration = 250

const (
	contentTypeDTMFRelay = "application/dtmf-relay"
	contentTypeDTMF      = "application/dtmf"
)

// ErrInvalidDTMFInfo is returned when an INFO body is not a DTMF digit.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// DTMFInfo is one digit from an INFO request. Duration is 0 when absent.
type DTMFInfo struct {
	Signal   string
	Duration int
}

// IsValidDTMFSignal reports whether s is one of 0-9 * # A-D.
func IsValidDTMFSignal(s string) bool {
	return len(s) == 1 && strings.ContainsAny(strings.ToUpper(s), "0123456789*#ABCD")
}

// IsDTMFContentType reports whether an INFO content type carries DTMF.
func IsDTMFContentType(contentType string) bool {
	ct := baseContentType(contentType)
	return ct == contentTypeDTMFRelay || ct == contentTypeDTMF
}

// ParseSIPInfoDTMF reads the digit from an INFO body. application/dtmf-relay
// bodies are "Signal=5\r\nDuration=160"; application/dtmf bodies are the
// bare digit.
func ParseSIPInfoDTMF(contentType string, body []byte) (*DTMFInfo, error) {
	switch baseContentType(contentType) {
	case contentTypeDTMFRelay:
		return ParseDTMFInfoRelay(body)
	case contentTypeDTMF:
		return signalInfo(strings.TrimSpace(string(body)), 0)
	}
	return nil, ErrInvalidDTMFInfo
}

// ParseDTMFInfoRelay parses an application/dtmf-relay body. An unparseable
// Duration is ignored; a missing or invalid Signal is an error.
func ParseDTMFInfoRelay(body []byte) (*DTMFInfo, error) {
	var signal string
	duration := 0
	for line := range strings.Lines(string(body)) {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			signal = value
		case "duration":
			if d, err := strconv.Atoi(value); err == nil && d > 0 {
				duration = d
			}
		}
	}
	return signalInfo(signal, duration)
}

func signalInfo(signal string, duration int) (*DTMFInfo, error) {
	if !IsValidDTMFSignal(signal) {
		return nil, ErrInvalidDTMFInfo
	}
	return &DTMFInfo{Signal: strings.ToUpper(signal), Duration: duration}, nil
}

// FormatDTMFRelay renders an application/dtmf-relay body.
func FormatDTMFRelay(signal string, durationMs int) []byte {
	if durationMs <= 0 {
		durationMs = DefaultDTMFDuration
	}
	return fmt.Appendf(nil, "Signal=%s\r\nDuration=%d\r\n", signal, durationMs)
}

func baseContentType(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}
