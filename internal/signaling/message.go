// Package signaling owns the WebSocket connection to the relay: typed JSON
// control messages, connect-with-retry, the receive loop, and the heartbeat.
// The relay only forwards these messages; media never touches it.
package signaling

import "encoding/json"

// MessageType identifies the kind of relay message.
type MessageType string

const (
	MsgTypeRegister         MessageType = "register"
	MsgTypeRegistered       MessageType = "registered"
	MsgTypeJoinRoom         MessageType = "join_room"
	MsgTypeRoomJoined       MessageType = "room_joined"
	MsgTypePeerJoined       MessageType = "peer_joined"
	MsgTypePeerDisconnected MessageType = "peer_disconnected"
	MsgTypeOffer            MessageType = "offer"
	MsgTypeAnswer           MessageType = "answer"
	MsgTypeICECandidate     MessageType = "ice_candidate"
	MsgTypeHeartbeat        MessageType = "heartbeat"
	MsgTypeError            MessageType = "error"
)

// Message is the JSON structure exchanged with the relay. Payload fields are
// populated per kind; a message is immutable once received and constructed
// fresh for each send.
type Message struct {
	Type       MessageType `json:"type"`
	ClientType string      `json:"clientType,omitempty"` // register: always "robot"
	RobotID    string      `json:"robotId,omitempty"`
	ClientID   string      `json:"clientId,omitempty"`
	RoomID     string      `json:"roomId,omitempty"`

	SDP       string          `json:"sdp,omitempty"`       // offer / answer
	Candidate json.RawMessage `json:"candidate,omitempty"` // ice_candidate, either wire shape

	Message   string `json:"message,omitempty"`   // error detail
	Timestamp int64  `json:"timestamp,omitempty"` // heartbeat, epoch seconds
}
