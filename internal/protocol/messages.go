// internal/protocol/messages.go
package protocol

import "encoding/json"

// Subprotocol is the websocket subprotocol both ends negotiate.
const Subprotocol = "blockfall"

// MessageType is the "type" discriminator carried by every frame.
type MessageType string

// Client -> server frame types.
const (
	TypeCreateRoom     MessageType = "create_room"
	TypeJoinRoom       MessageType = "join_room"
	TypeReconnect      MessageType = "reconnect"
	TypeReady          MessageType = "ready"
	TypeLeaveRoom      MessageType = "leave_room"
	TypeGameUpdate     MessageType = "game_update"
	TypeGameOver       MessageType = "game_over"
	TypeSendGarbage    MessageType = "send_garbage"
	TypeSendEmoji      MessageType = "send_emoji"
	TypeRequestRematch MessageType = "request_rematch"
	TypeDeclineRematch MessageType = "decline_rematch"
	TypePing           MessageType = "ping"
)

// Server -> client frame types.
const (
	TypeRoomCreated        MessageType = "room_created"
	TypeRoomJoined         MessageType = "room_joined"
	TypeReconnected        MessageType = "reconnected"
	TypePlayerJoined       MessageType = "player_joined"
	TypePlayerReady        MessageType = "player_ready"
	TypeGameStart          MessageType = "game_start"
	TypeOpponentUpdate     MessageType = "opponent_update"
	TypeIncomingGarbage    MessageType = "incoming_garbage"
	TypeGarbageSent        MessageType = "garbage_sent"
	TypePlayerGameOver     MessageType = "player_game_over"
	TypePlayerEliminated   MessageType = "player_eliminated"
	TypeRoyaleResults      MessageType = "royale_results"
	TypeRematchRequested   MessageType = "rematch_requested"
	TypeRematchDeclined    MessageType = "rematch_declined"
	TypeRematchStarting    MessageType = "rematch_starting"
	TypeEmojiReceived      MessageType = "emoji_received"
	TypePlayerLeft         MessageType = "player_left"
	TypePlayerDisconnected MessageType = "player_disconnected"
	TypePlayerReconnected  MessageType = "player_reconnected"
	TypeError              MessageType = "error"
	TypeRoomExpired        MessageType = "room_expired"
	TypeServerShutdown     MessageType = "server_shutdown"
	TypePong               MessageType = "pong"
)

// Inbound is the flattened shape of every client -> server frame. Only the
// fields relevant to Type are populated.
type Inbound struct {
	Type MessageType `json:"type"`

	Name     string `json:"name,omitempty"`
	RoomType string `json:"roomType,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
	RoomCode string `json:"roomCode,omitempty"`
	Token    string `json:"token,omitempty"`

	Score int `json:"score,omitempty"`
	Level int `json:"level,omitempty"`
	Lines int `json:"lines,omitempty"`

	// Board is relayed verbatim; the server never looks inside it.
	Board json.RawMessage `json:"board,omitempty"`

	Emoji string `json:"emoji,omitempty"`
}

// Event is implemented by every server -> client payload.
type Event interface {
	EventType() MessageType
}

// Header carries the discriminator for outbound events.
type Header struct {
	Type MessageType `json:"type"`
}

func (h Header) EventType() MessageType { return h.Type }

// PlayerInfo is the public view of one room participant.
type PlayerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsHost    bool   `json:"isHost"`
	Ready     bool   `json:"ready"`
	Connected bool   `json:"connected"`
	Alive     bool   `json:"alive"`
	Score     int    `json:"score"`
	Level     int    `json:"level"`
	Lines     int    `json:"lines"`
	Placement int    `json:"placement,omitempty"`
	Forfeited bool   `json:"forfeited,omitempty"`
}

// Result is one row of a finished match.
type Result struct {
	PlayerID  string `json:"playerId"`
	Name      string `json:"name"`
	Score     int    `json:"score"`
	Level     int    `json:"level"`
	Lines     int    `json:"lines"`
	Forfeited bool   `json:"forfeited"`
	Placement int    `json:"placement,omitempty"`
}

// RoomCreated answers create_room.
type RoomCreated struct {
	Header
	RoomCode       string `json:"roomCode"`
	PlayerID       string `json:"playerId"`
	Seed           int64  `json:"seed"`
	ReconnectToken string `json:"reconnectToken"`
	RoomType       string `json:"roomType"`
	Capacity       int    `json:"capacity"`
}

// RoomJoined answers join_room with the lobby as it stands.
type RoomJoined struct {
	Header
	RoomCode       string       `json:"roomCode"`
	PlayerID       string       `json:"playerId"`
	Seed           int64        `json:"seed"`
	ReconnectToken string       `json:"reconnectToken"`
	RoomType       string       `json:"roomType"`
	Capacity       int          `json:"capacity"`
	Opponent       *PlayerInfo  `json:"opponent,omitempty"`
	Players        []PlayerInfo `json:"players"`
}

// Reconnected answers a successful reconnect; GameStarted lets the client resume mid-match.
type Reconnected struct {
	Header
	RoomCode       string       `json:"roomCode"`
	PlayerID       string       `json:"playerId"`
	Seed           int64        `json:"seed"`
	GameStarted    bool         `json:"gameStarted"`
	Status         string       `json:"status"`
	ReconnectToken string       `json:"reconnectToken"`
	Opponent       *PlayerInfo  `json:"opponent,omitempty"`
	Players        []PlayerInfo `json:"players"`
}

// PlayerJoined tells the room about a new participant.
type PlayerJoined struct {
	Header
	Player PlayerInfo `json:"player"`
}

// PlayerReady announces that a player readied up.
type PlayerReady struct {
	Header
	PlayerID string `json:"playerId"`
}

// GameStart carries the shared seed; Countdown is cosmetic.
type GameStart struct {
	Header
	Seed      int64 `json:"seed"`
	Countdown int   `json:"countdown"`
}

// OpponentUpdate relays another player's counters and board preview.
type OpponentUpdate struct {
	Header
	PlayerID string          `json:"playerId"`
	Score    int             `json:"score"`
	Level    int             `json:"level"`
	Lines    int             `json:"lines"`
	Board    json.RawMessage `json:"board,omitempty"`
}

// IncomingGarbage is sent to the attacked player.
type IncomingGarbage struct {
	Header
	Lines      int    `json:"lines"`
	FromPlayer string `json:"fromPlayer"`
}

// GarbageSent confirms an attack to its sender.
type GarbageSent struct {
	Header
	Lines    int    `json:"lines"`
	ToPlayer string `json:"toPlayer"`
}

// PlayerGameOver reports a finished player; Results is set once AllDone.
type PlayerGameOver struct {
	Header
	PlayerID string   `json:"playerId"`
	Score    int      `json:"score"`
	AllDone  bool     `json:"allDone"`
	Winner   string   `json:"winner,omitempty"`
	Tie      bool     `json:"tie,omitempty"`
	Results  []Result `json:"results,omitempty"`
}

// PlayerEliminated reports a royale elimination and its placement.
type PlayerEliminated struct {
	Header
	PlayerID   string `json:"playerId"`
	Name       string `json:"name"`
	Placement  int    `json:"placement"`
	AliveCount int    `json:"aliveCount"`
	Forfeited  bool   `json:"forfeited,omitempty"`
}

// RoyaleResults closes a royale match with the final standings.
type RoyaleResults struct {
	Header
	Winner    string   `json:"winner"`
	Standings []Result `json:"standings"`
}

// RematchRequested reports a rematch vote and the tally.
type RematchRequested struct {
	Header
	PlayerID string `json:"playerId"`
	Votes    int    `json:"votes"`
	Needed   int    `json:"needed"`
}

// RematchDeclined cancels the pending rematch.
type RematchDeclined struct {
	Header
	PlayerID string `json:"playerId"`
}

// RematchStarting carries the new seed for the next match.
type RematchStarting struct {
	Header
	Seed      int64 `json:"seed"`
	Countdown int   `json:"countdown"`
}

// EmojiReceived relays an allowed emoji.
type EmojiReceived struct {
	Header
	PlayerID string `json:"playerId"`
	Emoji    string `json:"emoji"`
}

// PlayerPresence covers player_left, player_disconnected and player_reconnected.
type PlayerPresence struct {
	Header
	PlayerID string `json:"playerId"`
}

// Error reports a failed request to the originating connection only.
type Error struct {
	Header
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RoomExpired is sent before an idle room is deleted.
type RoomExpired struct {
	Header
	RoomCode string `json:"roomCode,omitempty"`
}

// ServerShutdown is broadcast before the server drains connections.
type ServerShutdown struct {
	Header
	Message string `json:"message"`
}

// Pong answers ping.
type Pong struct {
	Header
}
