// Package rtpengine is a client for the rtpengine NG control protocol: bencoded
// dictionaries exchanged over UDP, each prefixed with a cookie that the relay
// echoes back in its reply.
package rtpengine

import (
	"fmt"
	"maps"
)

// Command names understood by the relay.
const (
	CmdPing             = "ping"
	CmdOffer            = "offer"
	CmdAnswer           = "answer"
	CmdDelete           = "delete"
	CmdBlockMedia       = "block media"
	CmdUnblockMedia     = "unblock media"
	CmdBlockDTMF        = "block DTMF"
	CmdUnblockDTMF      = "unblock DTMF"
	CmdPlayDTMF         = "play DTMF"
	CmdSubscribeRequest = "subscribe request"
	CmdSubscribeAnswer  = "subscribe answer"
	CmdUnsubscribe      = "unsubscribe"
)

// Opts is the dictionary sent with a command. Values must be strings,
// integers, string slices or nested Opts; the protocol has no boolean type,
// so flags go in the "flags" list.
type Opts map[string]any

// With returns a copy of o with the entries of other layered on top.
func (o Opts) With(other Opts) Opts {
	out := make(Opts, len(o)+len(other))
	maps.Copy(out, o)
	maps.Copy(out, other)
	return out
}

// AddFlags appends to the "flags" list, creating it if needed.
func (o Opts) AddFlags(flags ...string) {
	existing, _ := o["flags"].([]string)
	o["flags"] = append(append([]string(nil), existing...), flags...)
}

// RemoveFlag drops a single entry from the "flags" list.
func (o Opts) RemoveFlag(flag string) {
	existing, _ := o["flags"].([]string)
	kept := make([]string, 0, len(existing))
	for _, f := range existing {
		if f != flag {
			kept = append(kept, f)
		}
	}
	o["flags"] = kept
}

// HasFlag reports whether flag is in the "flags" list.
func (o Opts) HasFlag(flag string) bool {
	existing, _ := o["flags"].([]string)
	for _, f := range existing {
		if f == flag {
			return true
		}
	}
	return false
}

// String returns the value of a string entry, or "".
func (o Opts) String(key string) string {
	s, _ := o[key].(string)
	return s
}

// Response is a decoded relay reply.
type Response struct {
	Result      string
	SDP         string
	ErrorReason string
	Warning     string
	// Raw holds the full reply dictionary.
	Raw map[string]any
}

// OK reports whether the relay accepted the command.
func (r *Response) OK() bool {
	return r != nil && r.Result == "ok"
}

func (r *Response) String() string {
	if r.ErrorReason != "" {
		return fmt.Sprintf("%s: %s", r.Result, r.ErrorReason)
	}
	return r.Result
}

func responseFromDict(dict map[string]any) *Response {
	str := func(k string) string {
		s, _ := dict[k].(string)
		return s
	}
	return &Response{
		Result:      str("result"),
		SDP:         str("sdp"),
		ErrorReason: str("error-reason"),
		Warning:     str("warning"),
		Raw:         dict,
	}
}
