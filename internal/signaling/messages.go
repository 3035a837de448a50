// Package signaling implements the websocket signaling protocol that
// coordinates WebRTC session establishment between room members.
//
// Every frame on the wire is a single JSON envelope with a required
// "type" tag. Client-originated envelopes are validated strictly and a
// connection that sends anything malformed is closed. Server-originated
// signal envelopes carry the sender's connection id and display name so
// the receiving peer can key its peer connections without trusting
// client-supplied identity fields.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type messageType string

const (
	// Client to server.
	messageTypeJoinRoom  messageType = "join-room"
	messageTypeLeaveRoom messageType = "leave-room"
	messageTypeChat      messageType = "chat-message"

	// Bidirectional signal payloads. The server re-tags these with the
	// sender's identity before relaying.
	messageTypeOffer     messageType = "offer"
	messageTypeAnswer    messageType = "answer"
	messageTypeCandidate messageType = "ice-candidate"

	// Server to client.
	messageTypeRoomJoined       messageType = "room-joined"
	messageTypeUserConnected    messageType = "user-connected"
	messageTypeUserDisconnected messageType = "user-disconnected"
	messageTypeError            messageType = "error"
)

const (
	errCodeBadMessage = "bad_message"
	errCodeRateLimit  = "rate_limited"
)

var errUnknownMessageType = errors.New("unknown message type")

// sessionDescription is the JSON shape of an SDP payload. The relay
// validates its tag but never parses the SDP body; that stays between
// the peers.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// iceCandidate is the JSON shape of a trickled ICE candidate, relayed
// opaquely.
type iceCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// memberInfo describes one room member in a room-joined envelope.
type memberInfo struct {
	SocketID string `json:"socketId"`
	UserName string `json:"userName"`
}

// envelope is the single wire frame. Which fields are meaningful
// depends on Type; validate enforces the per-type contract for
// client-originated envelopes.
type envelope struct {
	Type messageType `json:"type"`

	// join-room.
	RoomID string `json:"roomId,omitempty"`
	Name   string `json:"name,omitempty"`

	// Directed delivery. When set on a signal envelope the server
	// relays to this connection id only instead of every other member.
	Target string `json:"target,omitempty"`

	// Signal payloads.
	SDP       *sessionDescription `json:"sdp,omitempty"`
	Candidate *iceCandidate       `json:"candidate,omitempty"`

	// Sender identity, set by the server on relayed signals.
	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"senderName,omitempty"`

	// room-joined.
	SocketID string       `json:"socketId,omitempty"`
	Members  []memberInfo `json:"members,omitempty"`

	// chat-message. Message carries the text both directions; the
	// server fills in ID, UserName and Timestamp on rebroadcast.
	// Message doubles as the human-readable description on error
	// envelopes.
	ID        int64  `json:"id,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// error.
	Code string `json:"code,omitempty"`
}

// parseEnvelope decodes and validates a client-originated frame.
// Unknown fields and trailing data are rejected.
func parseEnvelope(raw []byte) (envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if dec.More() {
		return envelope{}, errors.New("trailing data after envelope")
	}
	if _, err := dec.Token(); err != io.EOF {
		return envelope{}, errors.New("trailing data after envelope")
	}
	if err := env.validate(); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func (e *envelope) validate() error {
	switch e.Type {
	case messageTypeJoinRoom:
		if e.RoomID == "" {
			return errors.New("join-room requires roomId")
		}
		if e.Name == "" {
			return errors.New("join-room requires name")
		}
	case messageTypeLeaveRoom:
		// No payload.
	case messageTypeOffer:
		if err := validateSDP(e.SDP, "offer"); err != nil {
			return err
		}
	case messageTypeAnswer:
		if err := validateSDP(e.SDP, "answer"); err != nil {
			return err
		}
	case messageTypeCandidate:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return errors.New("ice-candidate requires candidate")
		}
	case messageTypeChat:
		if e.Message == "" {
			return errors.New("chat-message requires message")
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownMessageType, e.Type)
	}
	return nil
}

func validateSDP(s *sessionDescription, want string) error {
	if s == nil {
		return fmt.Errorf("%s requires sdp", want)
	}
	if s.Type != want {
		return fmt.Errorf("%s envelope has sdp type %q", want, s.Type)
	}
	if s.SDP == "" {
		return fmt.Errorf("%s has empty sdp body", want)
	}
	return nil
}

func mustMarshalEnvelope(env envelope) []byte {
	raw, err := json.Marshal(env)
	if err != nil {
		// Envelope fields are all plain JSON-encodable values.
		panic(fmt.Sprintf("marshal envelope: %v", err))
	}
	return raw
}
