// Package telephony terminates Twilio media-stream websockets.
package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Events received from Twilio
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Events sent to Twilio
const (
	EventClear = "clear"
)

// Media tracks.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// ErrUnknownEvent is returned by ParseFrame for events the bridge ignores.
var ErrUnknownEvent = errors.New("unknown media stream event")

// Frame is one inbound media-stream message. Exactly one of the payload
// pointers is set, matching Event.
type Frame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload describes the stream that is about to begin.
type StartPayload struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

// MediaFormat is the negotiated stream encoding.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries base64 µ-law audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload is sent when the stream ends.
type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// MarkPayload names a playback marker.
type MarkPayload struct {
	Name string `json:"name"`
}

// OutboundMedia is audio sent back to the caller.
type OutboundMedia struct {
	Event     string             `json:"event"`
	StreamSid string             `json:"streamSid"`
	Media     OutboundMediaChunk `json:"media"`
}

// OutboundMediaChunk holds the base64 µ-law payload.
type OutboundMediaChunk struct {
	Payload string `json:"payload"`
}

// ClearMessage flushes audio Twilio has buffered for playback.
type ClearMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// ParseFrame decodes and validates an inbound frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	switch f.Event {
	case EventConnected, EventStop:
		return &f, nil
	case EventStart:
		if f.Start == nil {
			return nil, errors.New("start frame without start payload")
		}
		if f.Start.StreamSid == "" {
			f.Start.StreamSid = f.StreamSid
		}
		return &f, nil
	case EventMedia:
		if f.Media == nil {
			return nil, errors.New("media frame without media payload")
		}
		return &f, nil
	case EventMark:
		if f.Mark == nil {
			f.Mark = &MarkPayload{}
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

// CallID returns the call id carried by a start frame, falling back to the
// call_sid custom parameter.
func (p *StartPayload) CallID() string {
	if p.CallSid != "" {
		return p.CallSid
	}
	return p.CustomParameters["call_sid"]
}

// Relayed reports whether a media frame carries caller audio.
func (p *MediaPayload) Relayed() bool {
	return p.Track == "" || p.Track == TrackInbound
}
