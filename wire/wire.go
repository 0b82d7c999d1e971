// Package wire defines the JSON frames exchanged between the hushbox
// server and its clients. Every frame carries a "type" discriminator;
// clients send a single ClientMessage shape with optional fields, the
// server replies with one typed struct per frame kind.
package wire

// Client -> server frame types.
const (
	TypeGetRooms       = "get_rooms"
	TypeCreateRoom     = "create_room"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeMessage        = "message"
	TypeTyping         = "typing"
	TypeKickUser       = "kick_user"
	TypePromoteMod     = "promote_mod"
	TypeDemoteMod      = "demote_mod"
	TypeChangePassword = "change_password"
	TypeGetUsers       = "get_users"
)

// Server -> client frame types.
const (
	TypeRoomList        = "room_list"
	TypeRoomCreated     = "room_created"
	TypeRoomJoined      = "room_joined"
	TypeRoomError       = "room_error"
	TypeError           = "error"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeUserList        = "user_list"
	TypeSystemMessage   = "system_message"
	TypeRoleUpdated     = "role_updated"
	TypeKicked          = "kicked"
	TypePasswordChanged = "password_changed"
)

// Role is a member's authorization level within a room.
// Exactly one member per room holds RoleOwner.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMod    Role = "mod"
	RoleMember Role = "member"
)

// Rank orders roles for sorting and privilege checks: owner < mod < member.
func (r Role) Rank() int {
	switch r {
	case RoleOwner:
		return 0
	case RoleMod:
		return 1
	default:
		return 2
	}
}

// ClientMessage is the single frame shape clients send. Which fields are
// meaningful depends on Type.
type ClientMessage struct {
	Type           string    `json:"type"`
	Name           string    `json:"name,omitempty"`            // create_room
	RoomID         string    `json:"roomId,omitempty"`          // join_room
	Password       string    `json:"password,omitempty"`        // create_room / join_room (SHA-256 hex, never plaintext)
	Username       string    `json:"username,omitempty"`        // create_room / join_room
	Text           string    `json:"text,omitempty"`            // message
	ReplyTo        *ReplyRef `json:"replyTo,omitempty"`         // message
	File           *File     `json:"file,omitempty"`            // message
	IsTyping       bool      `json:"isTyping,omitempty"`        // typing
	TargetUsername string    `json:"targetUsername,omitempty"`  // kick_user / promote_mod / demote_mod
	NewPassword    string    `json:"newPassword,omitempty"`     // change_password; empty clears the password
}

// ReplyRef is a client-side back-reference to an earlier message.
// Text travels encrypted like any other payload field.
type ReplyRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// File is an attachment. Data is a base64 payload (encrypted, or a raw
// data: URI from clients that predate encryption).
type File struct {
	Name     string `json:"name"`
	MimeType string `json:"type"`
	Data     string `json:"data"`
}

// RoomInfo summarizes a room for the lobby. UserCount counts online
// members only.
type RoomInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	UserCount   int    `json:"userCount"`
	HasPassword bool   `json:"hasPassword"`
}

type RoomListMessage struct {
	Type  string     `json:"type"` // "room_list"
	Rooms []RoomInfo `json:"rooms"`
}

// RoomJoinedMessage acknowledges room_created and room_joined.
type RoomJoinedMessage struct {
	Type string   `json:"type"` // "room_created" or "room_joined"
	Room RoomInfo `json:"room"`
	Role Role     `json:"role"`
}

// ErrorMessage reports a rejected operation to the requesting client.
type ErrorMessage struct {
	Type    string `json:"type"` // "room_error" or "error"
	Message string `json:"message"`
}

// ChatMessage is a fanned-out chat message. ID is a client-side reply
// anchor, not an ordering sequence number.
type ChatMessage struct {
	Type     string    `json:"type"` // "message"
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
	Text     string    `json:"text"`
	ReplyTo  *ReplyRef `json:"replyTo,omitempty"`
	File     *File     `json:"file,omitempty"`
}

type TypingMessage struct {
	Type     string `json:"type"` // "typing"
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// UserEventMessage announces a join or leave.
type UserEventMessage struct {
	Type     string `json:"type"` // "user_joined" or "user_left"
	Username string `json:"username"`
	Role     Role   `json:"role,omitempty"` // user_joined only
}

// UserInfo is one entry in a user_list, sorted by role rank then username.
type UserInfo struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Online   bool   `json:"online"`
}

type UserListMessage struct {
	Type  string     `json:"type"` // "user_list"
	Users []UserInfo `json:"users"`
}

type SystemMessage struct {
	Type string `json:"type"` // "system_message"
	Text string `json:"text"`
}

type RoleUpdatedMessage struct {
	Type string `json:"type"` // "role_updated"
	Role Role   `json:"role"`
}

type KickedMessage struct {
	Type    string `json:"type"` // "kicked"
	Message string `json:"message"`
}

type PasswordChangedMessage struct {
	Type        string `json:"type"` // "password_changed"
	HasPassword bool   `json:"hasPassword"`
	Message     string `json:"message"`
}
