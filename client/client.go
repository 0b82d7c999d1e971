// Package client implements a hushbox chat client: it speaks the JSON
// frame protocol over a websocket, holds one crypto session per joined
// room, and encrypts message text, reply previews, and file payloads
// independently before they leave the process.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Seednode/hushbox/crypto"
	"github.com/Seednode/hushbox/wire"
	"github.com/gorilla/websocket"
)

const (
	// Connection attempts that outlive this are treated as failed.
	handshakeTimeout = 5 * time.Second

	// Idle time after the last keystroke before typing stops.
	typingIdle = 2 * time.Second

	flashInterval = time.Second

	maxFileSize = 5 << 20
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrNotInRoom    = errors.New("client: not in a room")

	// ErrPasswordRequired rejects creating or joining a room without a
	// password: the shared secret is what the room key derives from, so
	// password-less rooms cannot be encrypted.
	ErrPasswordRequired = errors.New("client: a room password is required for end-to-end encryption")

	ErrFileTooLarge = errors.New("client: file exceeds the 5 MiB limit")
)

// Handlers receive decrypted server frames. Nil handlers are skipped.
// All handlers are invoked from the client's read goroutine.
type Handlers struct {
	OnRoomList        func(rooms []wire.RoomInfo)
	OnRoomJoined      func(room wire.RoomInfo, role wire.Role)
	OnMessage         func(msg wire.ChatMessage)
	OnSystemMessage   func(text string)
	OnUserJoined      func(username string)
	OnUserLeft        func(username string)
	OnUserList        func(users []wire.UserInfo)
	OnTyping          func(usernames []string)
	OnRoleUpdated     func(role wire.Role)
	OnKicked          func(message string)
	OnPasswordChanged func(message string)
	OnError           func(message string)
	OnTitle           func(title string)
	OnDisconnect      func(err error)
}

// Client is a connected chat session. Methods are safe for concurrent use.
type Client struct {
	username string
	handlers Handlers

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	session      *crypto.Session // key for the current room
	pending      *crypto.Session // key derived before create/join is acknowledged
	room         *wire.RoomInfo
	role         wire.Role
	users        []wire.UserInfo
	typingUsers  map[string]struct{}
	typingTimer  *time.Timer
	typingActive bool
	replyingTo   *wire.ReplyRef

	baseTitle string
	focused   bool
	unread    int
	flashStop chan struct{}

	closed bool
}

// Dial connects to a hushbox server. The handshake is abandoned after
// five seconds.
func Dial(ctx context.Context, url, username string, handlers Handlers) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: connecting to %s: %w", url, err)
	}

	c := &Client{
		username:    username,
		handlers:    handlers,
		conn:        conn,
		role:        wire.RoleMember,
		typingUsers: make(map[string]struct{}),
		baseTitle:   "hushbox",
		focused:     true,
	}

	go c.readLoop()

	return c, nil
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.stopFlashLocked()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	return c.conn.Close()
}

// Rooms requests the lobby listing; the reply arrives via OnRoomList.
func (c *Client) Rooms() error {
	return c.write(wire.ClientMessage{Type: wire.TypeGetRooms})
}

// Users requests the member list of the current room.
func (c *Client) Users() error {
	return c.write(wire.ClientMessage{Type: wire.TypeGetUsers})
}

// CreateRoom derives the room key, then asks the server to open the room
// with this client as owner. The password never leaves the process; the
// server sees only its digest.
func (c *Client) CreateRoom(name, password string) error {
	if name == "" {
		return errors.New("client: a room name is required")
	}
	if password == "" {
		return ErrPasswordRequired
	}

	session, err := crypto.NewSession(password, name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pending = session
	c.mu.Unlock()

	return c.write(wire.ClientMessage{
		Type:     wire.TypeCreateRoom,
		Name:     name,
		Password: crypto.HashPassword(password),
		Username: c.username,
	})
}

// JoinRoom derives the room key and requests entry. Rooms advertised
// without a password are refused outright: without a shared secret there
// is nothing to derive a key from.
func (c *Client) JoinRoom(room wire.RoomInfo, password string) error {
	if !room.HasPassword || password == "" {
		return ErrPasswordRequired
	}

	session, err := crypto.NewSession(password, room.Name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pending = session
	c.mu.Unlock()

	return c.write(wire.ClientMessage{
		Type:     wire.TypeJoinRoom,
		RoomID:   room.ID,
		Password: crypto.HashPassword(password),
		Username: c.username,
	})
}

// Leave exits the current room and discards its key material.
func (c *Client) Leave() error {
	c.mu.Lock()
	c.session = nil
	c.pending = nil
	c.room = nil
	c.role = wire.RoleMember
	c.users = nil
	c.replyingTo = nil
	c.typingUsers = make(map[string]struct{})
	c.stopFlashLocked()
	c.unread = 0
	c.mu.Unlock()

	return c.write(wire.ClientMessage{Type: wire.TypeLeaveRoom})
}

// Send encrypts and sends a text message, attaching and encrypting the
// pending reply reference if one is set. Sending stops the typing
// indicator immediately.
func (c *Client) Send(text string) error {
	if text == "" {
		return nil
	}

	c.mu.Lock()
	session := c.session
	reply := c.replyingTo
	c.replyingTo = nil
	c.mu.Unlock()

	if session == nil {
		return ErrNotInRoom
	}

	encrypted, err := session.Encrypt([]byte(text))
	if err != nil {
		return err
	}

	msg := wire.ClientMessage{
		Type: wire.TypeMessage,
		Text: encrypted,
	}

	if reply != nil {
		// The preview text is re-encrypted independently of the body.
		encryptedReply, err := session.Encrypt([]byte(reply.Text))
		if err != nil {
			return err
		}
		msg.ReplyTo = &wire.ReplyRef{
			ID:       reply.ID,
			Username: reply.Username,
			Text:     encryptedReply,
		}
	}

	if err := c.write(msg); err != nil {
		return err
	}

	c.stopTyping()

	return nil
}

// SendFile encrypts and sends a file attachment.
func (c *Client) SendFile(name, mimeType string, data []byte) error {
	if len(data) > maxFileSize {
		return ErrFileTooLarge
	}

	c.mu.Lock()
	session := c.session
	reply := c.replyingTo
	c.replyingTo = nil
	c.mu.Unlock()

	if session == nil {
		return ErrNotInRoom
	}

	encrypted, err := session.Encrypt(data)
	if err != nil {
		return err
	}

	msg := wire.ClientMessage{
		Type: wire.TypeMessage,
		File: &wire.File{
			Name:     name,
			MimeType: mimeType,
			Data:     encrypted,
		},
	}

	if reply != nil {
		encryptedReply, err := session.Encrypt([]byte(reply.Text))
		if err != nil {
			return err
		}
		msg.ReplyTo = &wire.ReplyRef{
			ID:       reply.ID,
			Username: reply.Username,
			Text:     encryptedReply,
		}
	}

	return c.write(msg)
}

// Typing records a keystroke: the first one announces typing immediately,
// and a restartable timer announces the stop two seconds after the last.
func (c *Client) Typing() {
	c.mu.Lock()
	start := !c.typingActive
	c.typingActive = true

	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(typingIdle, c.stopTyping)
	c.mu.Unlock()

	// Written synchronously so a Send on the same goroutine cannot get
	// its typing-stop frame out ahead of this one.
	if start {
		_ = c.write(wire.ClientMessage{Type: wire.TypeTyping, IsTyping: true})
	}
}

func (c *Client) stopTyping() {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	active := c.typingActive
	c.typingActive = false
	c.mu.Unlock()

	if active {
		_ = c.write(wire.ClientMessage{Type: wire.TypeTyping, IsTyping: false})
	}
}

// ReplyTo marks msg as the target of the next Send or SendFile. The
// stored preview text is the decrypted text, truncated for display.
func (c *Client) ReplyTo(msg wire.ChatMessage) {
	text := msg.Text
	if len(text) > 50 {
		text = text[:50]
	}

	c.mu.Lock()
	c.replyingTo = &wire.ReplyRef{
		ID:       msg.ID,
		Username: msg.Username,
		Text:     text,
	}
	c.mu.Unlock()
}

func (c *Client) CancelReply() {
	c.mu.Lock()
	c.replyingTo = nil
	c.mu.Unlock()
}

// ChangePassword asks the server to set or clear the room password.
// Only the owner's request will succeed.
func (c *Client) ChangePassword(newPassword string) error {
	hash := ""
	if newPassword != "" {
		hash = crypto.HashPassword(newPassword)
	}
	return c.write(wire.ClientMessage{Type: wire.TypeChangePassword, NewPassword: hash})
}

func (c *Client) Kick(username string) error {
	return c.write(wire.ClientMessage{Type: wire.TypeKickUser, TargetUsername: username})
}

func (c *Client) Promote(username string) error {
	return c.write(wire.ClientMessage{Type: wire.TypePromoteMod, TargetUsername: username})
}

func (c *Client) Demote(username string) error {
	return c.write(wire.ClientMessage{Type: wire.TypeDemoteMod, TargetUsername: username})
}

// Role reports this client's role in the current room.
func (c *Client) Role() wire.Role {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.role
}

// Roster reports the most recent member list the server pushed.
func (c *Client) Roster() []wire.UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.users
}

// Room reports the currently joined room, or nil.
func (c *Client) Room() *wire.RoomInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.room
}

// Unread reports the number of messages received while unfocused.
func (c *Client) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.unread
}

// SetFocused toggles the unread counter: while unfocused, incoming
// foreign messages accumulate and the title flashes once a second;
// refocusing clears both.
func (c *Client) SetFocused(focused bool) {
	c.mu.Lock()
	c.focused = focused
	title := c.baseTitle
	if focused {
		c.unread = 0
		c.stopFlashLocked()
	}
	c.mu.Unlock()

	if focused {
		c.emitTitle(title)
	}
}

// SetBaseTitle sets the title restored between flashes.
func (c *Client) SetBaseTitle(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.baseTitle = title
}

func (c *Client) write(msg wire.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("client: sending %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.stopFlashLocked()
			c.mu.Unlock()

			if !closed && c.handlers.OnDisconnect != nil {
				c.handlers.OnDisconnect(err)
			}
			return
		}

		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case wire.TypeRoomList:
		var msg wire.RoomListMessage
		if json.Unmarshal(raw, &msg) == nil && c.handlers.OnRoomList != nil {
			c.handlers.OnRoomList(msg.Rooms)
		}

	case wire.TypeRoomCreated, wire.TypeRoomJoined:
		var msg wire.RoomJoinedMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}

		c.mu.Lock()
		room := msg.Room
		c.room = &room
		c.role = msg.Role
		c.session = c.pending
		c.pending = nil
		c.typingUsers = make(map[string]struct{})
		c.mu.Unlock()

		if c.handlers.OnRoomJoined != nil {
			c.handlers.OnRoomJoined(msg.Room, msg.Role)
		}

	case wire.TypeMessage:
		var msg wire.ChatMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}

		c.mu.Lock()
		session := c.session
		c.mu.Unlock()

		if session != nil {
			msg.Text = session.Decrypt(msg.Text)
			if msg.ReplyTo != nil {
				msg.ReplyTo.Text = session.Decrypt(msg.ReplyTo.Text)
			}
			if msg.File != nil {
				msg.File.Data = session.Decrypt(msg.File.Data)
			}
		}

		c.noteUnread(msg.Username)

		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}

	case wire.TypeTyping:
		var msg wire.TypingMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}

		c.mu.Lock()
		if msg.IsTyping {
			c.typingUsers[msg.Username] = struct{}{}
		} else {
			delete(c.typingUsers, msg.Username)
		}
		names := c.typingNamesLocked()
		c.mu.Unlock()

		if c.handlers.OnTyping != nil {
			c.handlers.OnTyping(names)
		}

	case wire.TypeUserJoined:
		var msg wire.UserEventMessage
		if json.Unmarshal(raw, &msg) == nil && c.handlers.OnUserJoined != nil {
			c.handlers.OnUserJoined(msg.Username)
		}

	case wire.TypeUserLeft:
		var msg wire.UserEventMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}

		c.mu.Lock()
		delete(c.typingUsers, msg.Username)
		names := c.typingNamesLocked()
		c.mu.Unlock()

		if c.handlers.OnTyping != nil {
			c.handlers.OnTyping(names)
		}
		if c.handlers.OnUserLeft != nil {
			c.handlers.OnUserLeft(msg.Username)
		}

	case wire.TypeUserList:
		var msg wire.UserListMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}

		c.mu.Lock()
		c.users = msg.Users
		c.mu.Unlock()

		if c.handlers.OnUserList != nil {
			c.handlers.OnUserList(msg.Users)
		}

	case wire.TypeSystemMessage:
		var msg wire.SystemMessage
		if json.Unmarshal(raw, &msg) == nil && c.handlers.OnSystemMessage != nil {
			c.handlers.OnSystemMessage(msg.Text)
		}

	case wire.TypeRoleUpdated:
		var msg wire.RoleUpdatedMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}

		c.mu.Lock()
		c.role = msg.Role
		c.mu.Unlock()

		if c.handlers.OnRoleUpdated != nil {
			c.handlers.OnRoleUpdated(msg.Role)
		}

	case wire.TypeKicked:
		var msg wire.KickedMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}

		c.mu.Lock()
		c.session = nil
		c.room = nil
		c.role = wire.RoleMember
		c.mu.Unlock()

		if c.handlers.OnKicked != nil {
			c.handlers.OnKicked(msg.Message)
		}

	case wire.TypePasswordChanged:
		var msg wire.PasswordChangedMessage
		if json.Unmarshal(raw, &msg) == nil && c.handlers.OnPasswordChanged != nil {
			c.handlers.OnPasswordChanged(msg.Message)
		}

	case wire.TypeRoomError, wire.TypeError:
		var msg wire.ErrorMessage
		if json.Unmarshal(raw, &msg) == nil && c.handlers.OnError != nil {
			c.handlers.OnError(msg.Message)
		}
	}
}

// noteUnread counts a foreign message received while unfocused and keeps
// the title flasher running.
func (c *Client) noteUnread(from string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.focused || from == c.username {
		return
	}

	c.unread++
	if c.flashStop == nil {
		c.flashStop = make(chan struct{})
		go c.flashTitle(c.flashStop)
	}
}

// flashTitle alternates the title once a second until stopped.
func (c *Client) flashTitle(stop chan struct{}) {
	ticker := time.NewTicker(flashInterval)
	defer ticker.Stop()

	flashed := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			title := c.baseTitle
			if !flashed {
				title = fmt.Sprintf("(%d) New messages!", c.unread)
			}
			c.mu.Unlock()

			c.emitTitle(title)
			flashed = !flashed
		}
	}
}

func (c *Client) stopFlashLocked() {
	if c.flashStop != nil {
		close(c.flashStop)
		c.flashStop = nil
	}
}

func (c *Client) emitTitle(title string) {
	if c.handlers.OnTitle != nil {
		c.handlers.OnTitle(title)
	}
}

func (c *Client) typingNamesLocked() []string {
	names := make([]string, 0, len(c.typingUsers))
	for name := range c.typingUsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
