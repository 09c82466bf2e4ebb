// Package wire defines the JSON messages exchanged on the call and presence
// endpoints.
//
// Every message is a JSON object carrying a "type" tag. Signaling payloads
// (offer, answer, ice_candidate) and audio frames are relayed as the exact
// bytes the sender wrote, so only the outbound messages the server itself
// originates have Go types here.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags.
const (
	TypeOffer              = "offer"
	TypeAnswer             = "answer"
	TypeICECandidate       = "ice_candidate"
	TypeAudio              = "audio"
	TypeStartTranscription = "start_transcription"
	TypeStopTranscription  = "stop_transcription"
	TypeTranscript         = "transcript"
	TypeStatus             = "status"

	TypePresenceUpdate    = "presence_update"
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeDisconnect        = "disconnect"
)

// ErrMalformed is returned by [Peek] and [DecodeAudio] for payloads that are
// not a JSON object or that carry an invalid field.
var ErrMalformed = errors.New("wire: malformed message")

// envelope is the common header of every inbound message.
type envelope struct {
	Type string `json:"type"`
}

// Peek returns the type tag of a raw message. A JSON object without a "type"
// field yields the empty string, which callers treat as an unknown type.
func Peek(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.Type, nil
}

// Audio is an inbound audio frame. Data holds base64-encoded audio bytes.
type Audio struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// DecodeAudio parses an audio message and returns its decoded payload.
func DecodeAudio(data []byte) ([]byte, error) {
	var frame Audio
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: audio frame: %v", ErrMalformed, err)
	}
	pcm, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: audio data: %v", ErrMalformed, err)
	}
	return pcm, nil
}

// Transcript carries one partial or final recognition result to every
// participant of a call.
type Transcript struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// NewTranscript returns a transcript message.
func NewTranscript(text string, isFinal bool) Transcript {
	return Transcript{Type: TypeTranscript, Text: text, IsFinal: isFinal}
}

// Status acknowledges a control request on the call endpoint.
type Status struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewStatus returns a status message.
func NewStatus(message string) Status {
	return Status{Type: TypeStatus, Message: message}
}

// PresenceUpdate tells a user that one of their related users went online or
// offline.
type PresenceUpdate struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

// NewPresenceUpdate returns a presence_update message.
func NewPresenceUpdate(userID int64, isOnline bool) PresenceUpdate {
	return PresenceUpdate{Type: TypePresenceUpdate, UserID: userID, IsOnline: isOnline}
}

// Heartbeat is the server-initiated liveness probe on the presence endpoint.
type Heartbeat struct {
	Type string `json:"type"`
}

// NewHeartbeat returns a heartbeat message.
func NewHeartbeat() Heartbeat {
	return Heartbeat{Type: TypeHeartbeat}
}

// Marshal encodes one of the outbound message types. The types in this package
// always marshal successfully; the error is returned for completeness.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return data, nil
}
