package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsCommand is sent to the streaming service.
type wsCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// wsNotice is received from the streaming service.
type wsNotice struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// WSDialer opens avatar streaming sessions over WebSocket, authenticating
// with the short-lived token from the token endpoint.
type WSDialer struct {
	url    string
	logger zerolog.Logger
}

// NewWSDialer creates a dialer for the streaming service at rawURL.
// http/https schemes are converted to ws/wss.
func NewWSDialer(rawURL string, logger zerolog.Logger) *WSDialer {
	return &WSDialer{
		url:    rawURL,
		logger: logger.With().Str("component", "avatar-stream").Logger(),
	}
}

// Dial connects and starts the read loop translating wire notices into
// session callbacks.
func (d *WSDialer) Dial(ctx context.Context, token string, cb Callbacks) (StreamSession, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	d.logger.Info().Str("url", u.String()).Msg("Connecting to avatar stream")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	s := &wsSession{
		conn:   conn,
		cb:     cb,
		logger: d.logger,
	}
	go s.readLoop()
	return s, nil
}

// wsSession is a StreamSession over a single WebSocket connection.
type wsSession struct {
	conn   *websocket.Conn
	cb     Callbacks
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Speak sends a speak command over the wire.
func (s *wsSession) Speak(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	if err := s.conn.WriteJSON(wsCommand{Type: "speak", Text: text}); err != nil {
		return fmt.Errorf("write speak: %w", err)
	}
	return nil
}

// Close shuts the connection down. A deliberate close never triggers the
// disconnect callback.
func (s *wsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

// readLoop translates wire notices into session callbacks until the
// connection drops.
func (s *wsSession) readLoop() {
	for {
		var raw json.RawMessage
		if err := s.conn.ReadJSON(&raw); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && s.cb.OnDisconnect != nil {
				s.cb.OnDisconnect(err)
			}
			return
		}

		var msg wsNotice
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to parse stream message")
			continue
		}

		switch msg.Type {
		case "ready":
			if s.cb.OnReady != nil {
				s.cb.OnReady()
			}
		case "talking_start":
			if s.cb.OnTalkingStart != nil {
				s.cb.OnTalkingStart()
			}
		case "talking_stop":
			if s.cb.OnTalkingStop != nil {
				s.cb.OnTalkingStop()
			}
		case "error":
			// A server-reported error is fatal for the session.
			s.logger.Warn().Str("message", msg.Message).Msg("Stream server error")
			s.mu.Lock()
			closed := s.closed
			s.closed = true
			s.mu.Unlock()
			s.conn.Close()
			if !closed && s.cb.OnDisconnect != nil {
				s.cb.OnDisconnect(fmt.Errorf("server: %s", msg.Message))
			}
			return
		default:
			s.logger.Debug().Str("type", msg.Type).Msg("Unknown stream message type")
		}
	}
}
