// Package signalclient is the client side of the signaling protocol:
// it dials the relay's websocket endpoint, keeps the connection alive
// and translates between wire envelopes and typed events.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peercall/peercall/internal/call"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxMessageBytes = 64 * 1024
	sendBuffer      = 32
)

var ErrClosed = errors.New("signaling client closed")

// Member is one room member as reported by the relay.
type Member struct {
	SocketID string
	UserName string
}

// RoomJoined acknowledges a join: the relay-assigned connection id and
// the membership at join time, self included.
type RoomJoined struct {
	RoomID  string
	SelfID  string
	Members []Member
}

type PeerJoined struct {
	SocketID string
	UserName string
}

type PeerLeft struct {
	SocketID string
	UserName string
}

type Chat struct {
	ID        int64
	UserName  string
	Message   string
	Timestamp time.Time
}

// PeerSignal is a relayed offer, answer or ICE candidate from another
// room member.
type PeerSignal struct {
	Kind       string
	Sender     string
	SenderName string

	Description *call.Description
	Candidate   *call.Candidate
}

type ServerError struct {
	Code    string
	Message string
}

// Handlers receives decoded events. All callbacks run on the client's
// read goroutine; block and the connection stalls.
type Handlers struct {
	OnRoomJoined func(RoomJoined)
	OnPeerJoined func(PeerJoined)
	OnPeerLeft   func(PeerLeft)
	OnChat       func(Chat)
	OnSignal     func(PeerSignal)
	OnError      func(ServerError)

	// OnDisconnect fires once when the connection dies, with the read
	// error, or nil after a clean Close.
	OnDisconnect func(error)
}

// envelope mirrors the relay's wire frame. Only the fields the client
// produces or consumes are present.
type envelope struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	Name   string `json:"name,omitempty"`
	Target string `json:"target,omitempty"`

	SDP       *wireSDP       `json:"sdp,omitempty"`
	Candidate *wireCandidate `json:"candidate,omitempty"`

	Sender     string       `json:"sender,omitempty"`
	SenderName string       `json:"senderName,omitempty"`
	SocketID   string       `json:"socketId,omitempty"`
	Members    []wireMember `json:"members,omitempty"`

	ID        int64  `json:"id,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Code      string `json:"code,omitempty"`
}

type wireSDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type wireCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type wireMember struct {
	SocketID string `json:"socketId"`
	UserName string `json:"userName"`
}

// Client is one live signaling connection.
type Client struct {
	ws       *websocket.Conn
	logger   *slog.Logger
	handlers Handlers

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	discOnce  sync.Once
}

// Dial connects to the relay's websocket URL (ws:// or wss://,
// ending in /ws) and starts the read and write pumps.
func Dial(ctx context.Context, url string, handlers Handlers, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		ws:       ws,
		logger:   logger.With(slog.String("component", "signalclient")),
		handlers: handlers,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// JoinRoom asks the relay to place this connection in roomID under the
// given display name. The acknowledgement arrives via OnRoomJoined.
func (c *Client) JoinRoom(roomID, name string) error {
	return c.enqueue(envelope{Type: "join-room", RoomID: roomID, Name: name})
}

func (c *Client) LeaveRoom() error {
	return c.enqueue(envelope{Type: "leave-room"})
}

func (c *Client) SendChat(text string) error {
	return c.enqueue(envelope{Type: "chat-message", Message: text})
}

// SendSignal forwards a session's outbound signal, addressed to the
// signal's target peer.
func (c *Client) SendSignal(sig call.Signal) error {
	env := envelope{Type: sig.Type, Target: sig.To}
	switch {
	case sig.Description != nil:
		env.SDP = &wireSDP{Type: sig.Description.Type, SDP: sig.Description.SDP}
	case sig.Candidate != nil:
		env.Candidate = &wireCandidate{
			Candidate:        sig.Candidate.Candidate,
			SDPMid:           sig.Candidate.SDPMid,
			SDPMLineIndex:    sig.Candidate.SDPMLineIndex,
			UsernameFragment: sig.Candidate.UsernameFragment,
		}
	default:
		return fmt.Errorf("signal %q has no payload", sig.Type)
	}
	return c.enqueue(env)
}

// Close tears the connection down after attempting a clean close
// handshake.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.ws.Close()
		c.disconnect(nil)
	})
	return nil
}

func (c *Client) enqueue(env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- raw:
		return nil
	}
}

func (c *Client) readPump() {
	c.ws.SetReadLimit(maxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Local close already reported.
			default:
				c.disconnect(err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("undecodable frame from relay", slog.Any("error", err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.logger.Debug("write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(env envelope) {
	switch env.Type {
	case "room-joined":
		if c.handlers.OnRoomJoined == nil {
			return
		}
		members := make([]Member, 0, len(env.Members))
		for _, m := range env.Members {
			members = append(members, Member{SocketID: m.SocketID, UserName: m.UserName})
		}
		c.handlers.OnRoomJoined(RoomJoined{RoomID: env.RoomID, SelfID: env.SocketID, Members: members})

	case "user-connected":
		if c.handlers.OnPeerJoined != nil {
			c.handlers.OnPeerJoined(PeerJoined{SocketID: env.SocketID, UserName: env.UserName})
		}

	case "user-disconnected":
		if c.handlers.OnPeerLeft != nil {
			c.handlers.OnPeerLeft(PeerLeft{SocketID: env.SocketID, UserName: env.UserName})
		}

	case "chat-message":
		if c.handlers.OnChat == nil {
			return
		}
		ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			c.logger.Warn("bad chat timestamp", slog.String("timestamp", env.Timestamp))
		}
		c.handlers.OnChat(Chat{ID: env.ID, UserName: env.UserName, Message: env.Message, Timestamp: ts})

	case "offer", "answer", "ice-candidate":
		if c.handlers.OnSignal == nil {
			return
		}
		sig := PeerSignal{Kind: env.Type, Sender: env.Sender, SenderName: env.SenderName}
		if env.SDP != nil {
			sig.Description = &call.Description{Type: env.SDP.Type, SDP: env.SDP.SDP}
		}
		if env.Candidate != nil {
			sig.Candidate = &call.Candidate{
				Candidate:        env.Candidate.Candidate,
				SDPMid:           env.Candidate.SDPMid,
				SDPMLineIndex:    env.Candidate.SDPMLineIndex,
				UsernameFragment: env.Candidate.UsernameFragment,
			}
		}
		c.handlers.OnSignal(sig)

	case "error":
		c.logger.Warn("relay error", slog.String("code", env.Code), slog.String("message", env.Message))
		if c.handlers.OnError != nil {
			c.handlers.OnError(ServerError{Code: env.Code, Message: env.Message})
		}

	default:
		c.logger.Debug("unhandled frame type", slog.String("type", env.Type))
	}
}

func (c *Client) disconnect(err error) {
	c.discOnce.Do(func() {
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}
	})
}
