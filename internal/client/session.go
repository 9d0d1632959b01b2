// Package client is a Go session proxy for the blockfall websocket protocol.
// It owns the connection, dispatches server events to one handler per kind,
// keeps the reconnect token and retries dropped connections with backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrClosed           = errors.New("client: session closed")
	// ErrTransport wraps dial, read and write failures.
	ErrTransport = errors.New("client: transport error")
)

// State is the client-side connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateInRoom
	StateInMatch
	StatePostMatch
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in_room"
	case StateInMatch:
		return "in_match"
	case StatePostMatch:
		return "post_match"
	}
	return "unknown"
}

const (
	readLimit    = 64 << 10
	writeTimeout = 5 * time.Second
)

// Options configures a Session. Zero values fall back to defaults.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	Tokens TokenStore

	BaseDelay   time.Duration
	MaxAttempts int
	DialTimeout time.Duration

	HTTPClient *http.Client
	Logger     *logrus.Logger
	Now        func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Tokens == nil {
		o.Tokens = &MemoryTokens{}
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Session is one player's connection to the server.
type Session struct {
	opts Options
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	closed bool

	hmu      sync.RWMutex
	handlers [numEventKinds]Handler
}

func New(opts Options) *Session {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:   opts,
		log:    opts.Logger.WithField("url", opts.URL),
		ctx:    ctx,
		cancel: cancel,
	}
}

// On installs the handler for kind, replacing any previous one. A nil h
// removes it.
func (s *Session) On(kind EventKind, h Handler) {
	if kind < 0 || kind >= numEventKinds {
		return
	}
	s.hmu.Lock()
	s.handlers[kind] = h
	s.hmu.Unlock()
}

func (s *Session) emit(ev Event) {
	s.hmu.RLock()
	h := s.handlers[ev.Kind]
	s.hmu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.closed {
		s.state = st
	}
	s.mu.Unlock()
}

// Connect dials the server. It does not resume a room; call Resume for that.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.attach(conn)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, s.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
		HTTPClient:   s.opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if conn.Subprotocol() != protocol.Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol not negotiated")
		return nil, fmt.Errorf("%w: server did not accept the %s subprotocol", ErrTransport, protocol.Subprotocol)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.CloseNow()
		return
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	s.emit(Event{Kind: EventConnected})
	go s.readLoop(conn)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(s.ctx)
		if err != nil {
			s.dropped(conn, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			s.log.Warnf("Dropping server frame: %v", err)
			continue
		}
		s.apply(ev)
		s.emit(Event{Kind: kindByType[ev.EventType()], Payload: ev})
	}
}

// apply tracks state and token from server events before handlers see them.
func (s *Session) apply(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.RoomCreated:
		s.saveToken(e.ReconnectToken, e.RoomCode, e.PlayerID)
		s.setState(StateInRoom)
	case *protocol.RoomJoined:
		s.saveToken(e.ReconnectToken, e.RoomCode, e.PlayerID)
		s.setState(StateInRoom)
	case *protocol.Reconnected:
		s.saveToken(e.ReconnectToken, e.RoomCode, e.PlayerID)
		switch e.Status {
		case "in_progress":
			s.setState(StateInMatch)
		case "completed":
			s.setState(StatePostMatch)
		default:
			s.setState(StateInRoom)
		}
	case *protocol.GameStart, *protocol.RematchStarting:
		s.setState(StateInMatch)
	case *protocol.PlayerGameOver:
		if e.AllDone {
			s.setState(StatePostMatch)
		}
	case *protocol.RoyaleResults:
		s.setState(StatePostMatch)
	case *protocol.RoomExpired:
		s.clearToken()
		s.setState(StateConnected)
	case *protocol.Error:
		if e.Code == "invalid_token" {
			s.clearToken()
		}
	}
}

func (s *Session) saveToken(token, roomCode, playerID string) {
	if token == "" {
		return
	}
	err := s.opts.Tokens.Save(StoredToken{
		Token:    token,
		RoomCode: roomCode,
		PlayerID: playerID,
		IssuedAt: s.opts.Now(),
	})
	if err != nil {
		s.log.Warnf("Failed to persist reconnect token: %v", err)
	}
}

func (s *Session) clearToken() {
	if err := s.opts.Tokens.Clear(); err != nil {
		s.log.Warnf("Failed to clear reconnect token: %v", err)
	}
}

// freshToken returns the stored token if it is still inside its local
// lifetime. A stale token is discarded.
func (s *Session) freshToken() (StoredToken, bool) {
	tok, ok, err := s.opts.Tokens.Load()
	if err != nil {
		s.log.Warnf("Failed to load reconnect token: %v", err)
		return StoredToken{}, false
	}
	if !ok {
		return StoredToken{}, false
	}
	if !tok.Fresh(s.opts.Now()) {
		s.clearToken()
		return StoredToken{}, false
	}
	return tok, true
}

func (s *Session) dropped(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn || s.closed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	s.log.Debugf("Connection dropped: %v", err)
	s.emit(Event{Kind: EventTransportError, Err: fmt.Errorf("%w: %v", ErrTransport, err)})
	s.reconnect()
}

// reconnect retries with a linearly growing delay (base × attempt). It only
// runs while a fresh token is held.
func (s *Session) reconnect() {
	if _, ok := s.freshToken(); !ok {
		s.setState(StateDisconnected)
		s.emit(Event{Kind: EventDisconnected})
		return
	}

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		tok, ok := s.freshToken()
		if !ok {
			break
		}
		s.setState(StateConnecting)
		s.emit(Event{Kind: EventReconnecting, Attempt: attempt, MaxAttempts: s.opts.MaxAttempts})

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.opts.BaseDelay * time.Duration(attempt)):
		}

		conn, err := s.dial(s.ctx)
		if err != nil {
			s.log.Debugf("Reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		if err := writeFrame(s.ctx, conn, protocol.Inbound{Type: protocol.TypeReconnect, Token: tok.Token}); err != nil {
			conn.CloseNow()
			continue
		}
		s.attach(conn)
		return
	}

	s.setState(StateDisconnected)
	if s.ctx.Err() == nil {
		s.emit(Event{Kind: EventReconnectFailed})
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, in protocol.Inbound) error {
	data, err := protocol.Encode(in)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Send writes one frame.
func (s *Session) Send(ctx context.Context, in protocol.Inbound) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeFrame(ctx, conn, in)
}

// Resume sends the stored token if it is still fresh and reports whether it did.
func (s *Session) Resume(ctx context.Context) (bool, error) {
	tok, ok := s.freshToken()
	if !ok {
		return false, nil
	}
	if err := s.Send(ctx, protocol.Inbound{Type: protocol.TypeReconnect, Token: tok.Token}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) CreateRoom(ctx context.Context, name, roomType string, capacity int) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypeCreateRoom, Name: name, RoomType: roomType, Capacity: capacity})
}

func (s *Session) JoinRoom(ctx context.Context, roomCode, name string) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypeJoinRoom, RoomCode: roomCode, Name: name})
}

func (s *Session) Ready(ctx context.Context) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypeReady})
}

// Leave leaves the room and forgets the token. The connection stays open.
func (s *Session) Leave(ctx context.Context) error {
	if err := s.Send(ctx, protocol.Inbound{Type: protocol.TypeLeaveRoom}); err != nil {
		return err
	}
	s.clearToken()
	s.setState(StateConnected)
	return nil
}

func (s *Session) GameUpdate(ctx context.Context, score, level, lines int, board json.RawMessage) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypeGameUpdate, Score: score, Level: level, Lines: lines, Board: board})
}

func (s *Session) GameOver(ctx context.Context, score, level, lines int) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypeGameOver, Score: score, Level: level, Lines: lines})
}

// SendGarbage reports how many lines were cleared; the server decides the attack.
func (s *Session) SendGarbage(ctx context.Context, cleared int) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypeSendGarbage, Lines: cleared})
}

func (s *Session) SendEmoji(ctx context.Context, emoji string) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypeSendEmoji, Emoji: emoji})
}

func (s *Session) RequestRematch(ctx context.Context) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypeRequestRematch})
}

func (s *Session) DeclineRematch(ctx context.Context) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypeDeclineRematch})
}

func (s *Session) Ping(ctx context.Context) error {
	return s.Send(ctx, protocol.Inbound{Type: protocol.TypePing})
}

// Close ends the session for good. The stored token is kept so a later
// session can resume.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	s.cancel()
	s.emit(Event{Kind: EventDisconnected})
	return err
}
