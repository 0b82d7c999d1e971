// Hushbox chat rooms
//
// Rooms are anonymous, ephemeral, and memory-resident: they exist from the
// moment a creator opens one until the last member record is removed.
// Members are keyed by username, not by connection, and hold one of three
// roles (owner > mod > member). A dropped connection marks its member
// offline but never removes it; only an explicit leave or a kick deletes a
// member record. When the owner's record is deleted while others remain,
// ownership passes deterministically: mods before members, online before
// offline, then lowest username.

package main

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Seednode/hushbox/wire"
	"github.com/google/uuid"
)

const (
	maxRoomNameLength = 30
	maxMessageLength  = 500
)

// Member is a per-room, per-username record. It outlives individual
// connections: client is nil whenever online is false.
type Member struct {
	client *Client
	role   wire.Role
	online bool
}

// Room owns its membership map and authorization state. All access runs
// under mu, so operations on the same room never interleave. destroyed is
// set when the room is removed from the store, closing the window where a
// join has already looked the room up.
type Room struct {
	mu         sync.Mutex
	id         string
	name       string
	password   string // SHA-256 hex credential, empty for open rooms
	members    map[string]*Member
	mods       map[string]struct{}
	createdAt  time.Time
	lastActive time.Time
	destroyed  bool
}

// Session is the per-connection record: who is asking, and which room (if
// any) they are in. The mutable fields are guarded by Server.mu; role and
// username mirror the authoritative member record of the current room.
type Session struct {
	id       string
	username string
	room     *Room
	role     wire.Role
	client   *Client
}

// Server owns all live rooms and connection sessions. Server.mu guards the
// two maps and all Session fields; each room serializes its own state
// behind Room.mu. Server.mu may be taken while holding a Room.mu, never
// the other way around.
type Server struct {
	cfg      *Config
	mu       sync.Mutex
	rooms    map[string]*Room
	sessions map[string]*Session
}

func newServer(cfg *Config) *Server {
	s := &Server{
		cfg:      cfg,
		rooms:    make(map[string]*Room),
		sessions: make(map[string]*Session),
	}

	if cfg.roomTimeout > 0 {
		go s.reaperLoop()
	}

	return s
}

// connect registers a new transport connection and returns its session.
func (s *Server) connect(c *Client) *Session {
	sess := &Session{
		id:     uuid.NewString(),
		role:   wire.RoleMember,
		client: c,
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	return sess
}

// disconnect handles a transport-level close. The member record stays: it
// is only marked offline, keeping its role and its place in the ownership
// succession order.
func (s *Server) disconnect(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	room := sess.room
	s.mu.Unlock()

	if room != nil {
		s.setOffline(sess, room)
	}
}

// setOffline detaches sess from room without deleting its member record.
func (s *Server) setOffline(sess *Session, room *Room) {
	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActive = time.Now()

	s.mu.Lock()
	username := sess.username
	sess.room = nil
	s.mu.Unlock()

	member := room.members[username]
	if member != nil && member.client == sess.client {
		member.online = false
		member.client = nil

		room.broadcastLocked(wire.SystemMessage{
			Type: wire.TypeSystemMessage,
			Text: fmt.Sprintf("%s went offline.", username),
		}, nil)
		room.broadcastUserListLocked()
	}
}

// roomList snapshots the lobby view. User counts include online members
// only, so a room kept alive purely by offline members advertises zero.
func (s *Server) roomList() []wire.RoomInfo {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	list := make([]wire.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		if !room.destroyed {
			list = append(list, wire.RoomInfo{
				ID:          room.id,
				Name:        room.name,
				UserCount:   room.onlineCountLocked(),
				HasPassword: room.password != "",
			})
		}
		room.mu.Unlock()
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})

	return list
}

// createRoom opens a new room with the creator as sole member and owner.
// Empty names and usernames are silently ignored.
func (s *Server) createRoom(sess *Session, name, passwordHash, username string) {
	if name == "" || username == "" {
		return
	}

	name = truncate(name, maxRoomNameLength)

	if prev := s.currentRoom(sess); prev != nil {
		s.setOffline(sess, prev)
	}

	now := time.Now()
	room := &Room{
		id:         s.newRoomID(),
		name:       name,
		password:   passwordHash,
		members:    make(map[string]*Member),
		mods:       make(map[string]struct{}),
		createdAt:  now,
		lastActive: now,
	}
	room.members[username] = &Member{
		client: sess.client,
		role:   wire.RoleOwner,
		online: true,
	}

	room.mu.Lock()

	s.mu.Lock()
	s.rooms[room.id] = room
	sess.username = username
	sess.role = wire.RoleOwner
	sess.room = room
	s.mu.Unlock()

	sess.client.trySend(wire.RoomJoinedMessage{
		Type: wire.TypeRoomCreated,
		Room: wire.RoomInfo{
			ID:          room.id,
			Name:        room.name,
			UserCount:   1,
			HasPassword: room.password != "",
		},
		Role: wire.RoleOwner,
	})
	room.broadcastUserListLocked()
	room.mu.Unlock()

	logf(s.cfg, "ROOMS: %q created room %s (%q)", username, room.id, name)
}

// joinRoom admits a connection into a room, either reattaching an existing
// member record (preserving its role) or creating a fresh one. A fresh
// record for a username still present in the mod set comes back as a mod.
// The previous room is only detached once the target room has accepted
// the join; a rejected join leaves the session exactly as it was.
func (s *Server) joinRoom(sess *Session, roomID, passwordHash, username string) {
	if username == "" {
		return
	}

	room := s.lookupRoom(roomID)

	for {
		if room != nil {
			room.mu.Lock()
			if room.destroyed {
				room.mu.Unlock()
				room = nil
			}
		}
		if room == nil {
			sess.client.trySend(wire.ErrorMessage{
				Type:    wire.TypeRoomError,
				Message: "Room not found.",
			})
			return
		}

		if room.password != "" && room.password != passwordHash {
			room.mu.Unlock()
			sess.client.trySend(wire.ErrorMessage{
				Type:    wire.TypeRoomError,
				Message: "Wrong password.",
			})
			return
		}

		prev := s.currentRoom(sess)
		if prev == nil || prev == room {
			break
		}

		// Detaching locks the previous room, so drop this room's lock
		// first and revalidate once the detach is done.
		room.mu.Unlock()
		s.setOffline(sess, prev)
	}
	defer room.mu.Unlock()

	room.lastActive = time.Now()

	var role wire.Role
	if member, ok := room.members[username]; ok {
		// Rejoin: same member record, same role, back online.
		role = member.role
		member.client = sess.client
		member.online = true

		room.broadcastLocked(wire.SystemMessage{
			Type: wire.TypeSystemMessage,
			Text: fmt.Sprintf("%s rejoined.", username),
		}, sess.client)
	} else {
		role = wire.RoleMember
		if _, wasMod := room.mods[username]; wasMod {
			role = wire.RoleMod
		}
		room.members[username] = &Member{
			client: sess.client,
			role:   role,
			online: true,
		}

		room.broadcastLocked(wire.UserEventMessage{
			Type:     wire.TypeUserJoined,
			Username: username,
			Role:     role,
		}, sess.client)
	}

	s.mu.Lock()
	sess.username = username
	sess.role = role
	sess.room = room
	s.mu.Unlock()

	sess.client.trySend(wire.RoomJoinedMessage{
		Type: wire.TypeRoomJoined,
		Room: wire.RoomInfo{
			ID:          room.id,
			Name:        room.name,
			UserCount:   room.onlineCountLocked(),
			HasPassword: room.password != "",
		},
		Role: role,
	})
	room.broadcastUserListLocked()

	logf(s.cfg, "ROOMS: %q joined room %s as %s", username, room.id, role)
}

// leaveRoom is the only client-initiated path that deletes a member
// record. An emptied room is destroyed immediately; a departing owner
// triggers ownership transfer before anything is broadcast.
func (s *Server) leaveRoom(sess *Session) {
	room := s.currentRoom(sess)
	if room == nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActive = time.Now()

	s.mu.Lock()
	username := sess.username
	sess.room = nil
	sess.role = wire.RoleMember
	s.mu.Unlock()

	member := room.members[username]
	wasOwner := member != nil && member.role == wire.RoleOwner

	delete(room.members, username)
	delete(room.mods, username)

	if len(room.members) == 0 {
		room.destroyed = true

		s.mu.Lock()
		delete(s.rooms, room.id)
		s.mu.Unlock()

		logf(s.cfg, "ROOMS: Room %s destroyed", room.id)
		return
	}

	if wasOwner {
		s.transferOwnershipLocked(room)
	}

	room.broadcastLocked(wire.UserEventMessage{
		Type:     wire.TypeUserLeft,
		Username: username,
	}, nil)
	room.broadcastLocked(wire.SystemMessage{
		Type: wire.TypeSystemMessage,
		Text: fmt.Sprintf("%s left the room.", username),
	}, nil)
	room.broadcastUserListLocked()

	logf(s.cfg, "ROOMS: %q left room %s", username, room.id)
}

// transferOwnershipLocked appoints a new owner after the previous owner's
// record was deleted. Candidate order: mods before members, online before
// offline, then lowest username. The caller holds room.mu.
func (s *Server) transferOwnershipLocked(room *Room) {
	if len(room.members) == 0 {
		return
	}

	names := make([]string, 0, len(room.members))
	for name := range room.members {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool {
		a, b := room.members[names[i]], room.members[names[j]]
		if a.role.Rank() != b.role.Rank() {
			return a.role.Rank() < b.role.Rank()
		}
		if a.online != b.online {
			return a.online
		}
		return names[i] < names[j]
	})

	username := names[0]
	member := room.members[username]
	member.role = wire.RoleOwner
	delete(room.mods, username)

	s.notifyRoleLocked(member, wire.RoleOwner)

	room.broadcastLocked(wire.SystemMessage{
		Type: wire.TypeSystemMessage,
		Text: fmt.Sprintf("%s is the new room owner.", username),
	}, nil)
	room.broadcastUserListLocked()

	logf(s.cfg, "ROOMS: Ownership of %s passed to %q", room.id, username)
}

// kickUser removes a member on behalf of an owner or mod. Owners cannot be
// kicked, and mods cannot kick other mods. No ownership transfer can be
// needed here: the target is never the owner.
func (s *Server) kickUser(sess *Session, target string) {
	room := s.currentRoom(sess)
	if room == nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActive = time.Now()

	actor := s.sessionRole(sess)
	if actor != wire.RoleOwner && actor != wire.RoleMod {
		sess.client.trySend(wire.ErrorMessage{
			Type:    wire.TypeError,
			Message: "You are not allowed to do that.",
		})
		return
	}

	member := room.members[target]
	if member == nil {
		return
	}

	if member.role == wire.RoleOwner {
		sess.client.trySend(wire.ErrorMessage{
			Type:    wire.TypeError,
			Message: "The room owner cannot be kicked.",
		})
		return
	}

	if actor == wire.RoleMod && member.role == wire.RoleMod {
		sess.client.trySend(wire.ErrorMessage{
			Type:    wire.TypeError,
			Message: "Mods cannot kick other mods.",
		})
		return
	}

	delete(room.members, target)
	delete(room.mods, target)

	if member.online && member.client != nil {
		s.mu.Lock()
		if targetSess := member.client.session; targetSess != nil {
			targetSess.room = nil
			targetSess.role = wire.RoleMember
		}
		s.mu.Unlock()

		member.client.trySend(wire.KickedMessage{
			Type:    wire.TypeKicked,
			Message: "You were kicked from the room.",
		})
	}

	room.broadcastLocked(wire.SystemMessage{
		Type: wire.TypeSystemMessage,
		Text: fmt.Sprintf("%s was kicked from the room.", target),
	}, nil)
	room.broadcastUserListLocked()

	logf(s.cfg, "ROOMS: %q kicked from %s by %q", target, room.id, sess.username)
}

// promoteMod raises a member to mod. Owner only; promoting the owner is a
// no-op.
func (s *Server) promoteMod(sess *Session, target string) {
	room := s.currentRoom(sess)
	if room == nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActive = time.Now()

	if s.sessionRole(sess) != wire.RoleOwner {
		sess.client.trySend(wire.ErrorMessage{
			Type:    wire.TypeError,
			Message: "Only the room owner can promote mods.",
		})
		return
	}

	member := room.members[target]
	if member == nil || member.role == wire.RoleOwner {
		return
	}

	member.role = wire.RoleMod
	room.mods[target] = struct{}{}

	s.notifyRoleLocked(member, wire.RoleMod)

	room.broadcastLocked(wire.SystemMessage{
		Type: wire.TypeSystemMessage,
		Text: fmt.Sprintf("%s is now a mod.", target),
	}, nil)
	room.broadcastUserListLocked()
}

// demoteMod drops a mod back to plain membership. Owner only.
func (s *Server) demoteMod(sess *Session, target string) {
	room := s.currentRoom(sess)
	if room == nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActive = time.Now()

	if s.sessionRole(sess) != wire.RoleOwner {
		sess.client.trySend(wire.ErrorMessage{
			Type:    wire.TypeError,
			Message: "Only the room owner can demote mods.",
		})
		return
	}

	member := room.members[target]
	if member == nil || member.role == wire.RoleOwner {
		return
	}

	member.role = wire.RoleMember
	delete(room.mods, target)

	s.notifyRoleLocked(member, wire.RoleMember)

	room.broadcastLocked(wire.SystemMessage{
		Type: wire.TypeSystemMessage,
		Text: fmt.Sprintf("%s is now a regular member.", target),
	}, nil)
	room.broadcastUserListLocked()
}

// notifyRoleLocked syncs a role change to the member's live connection, if
// any. The caller holds room.mu.
func (s *Server) notifyRoleLocked(member *Member, role wire.Role) {
	if !member.online || member.client == nil {
		return
	}

	s.mu.Lock()
	if sess := member.client.session; sess != nil {
		sess.role = role
	}
	s.mu.Unlock()

	member.client.trySend(wire.RoleUpdatedMessage{
		Type: wire.TypeRoleUpdated,
		Role: role,
	})
}

// changePassword sets or clears the room's access credential. The change
// is confirmed to the actor; the room at large sees a generic notice that
// never includes the hash.
func (s *Server) changePassword(sess *Session, newPassword string) {
	room := s.currentRoom(sess)
	if room == nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActive = time.Now()

	if s.sessionRole(sess) != wire.RoleOwner {
		sess.client.trySend(wire.ErrorMessage{
			Type:    wire.TypeError,
			Message: "Only the room owner can change the password.",
		})
		return
	}

	room.password = newPassword

	confirmation := "Password removed."
	notice := "The room password was removed."
	if newPassword != "" {
		confirmation = "Password updated."
		notice = "The room password was changed."
	}

	sess.client.trySend(wire.PasswordChangedMessage{
		Type:        wire.TypePasswordChanged,
		HasPassword: newPassword != "",
		Message:     confirmation,
	})
	room.broadcastLocked(wire.SystemMessage{
		Type: wire.TypeSystemMessage,
		Text: notice,
	}, nil)
}

// broadcastMessage fans a chat message out to all online members,
// including the sender. Oversize text is truncated, not rejected.
func (s *Server) broadcastMessage(sess *Session, text string, replyTo *wire.ReplyRef, file *wire.File) {
	room := s.currentRoom(sess)
	if room == nil || (text == "" && file == nil) {
		return
	}

	text = truncate(text, maxMessageLength)

	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActive = time.Now()

	room.broadcastLocked(wire.ChatMessage{
		Type:     wire.TypeMessage,
		ID:       newMessageID(),
		Username: sess.username,
		Role:     s.sessionRole(sess),
		Text:     text,
		ReplyTo:  replyTo,
		File:     file,
	}, nil)

	size := int64(len(text))
	if file != nil {
		size += int64(len(file.Data))
	}
	logf(s.cfg, "CHAT: %q sent %s to room %s", sess.username, humanReadableSize(size), room.id)
}

// broadcastTyping fans a typing notification out to everyone except the
// sender.
func (s *Server) broadcastTyping(sess *Session, isTyping bool) {
	room := s.currentRoom(sess)
	if room == nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.broadcastLocked(wire.TypingMessage{
		Type:     wire.TypeTyping,
		Username: sess.username,
		IsTyping: isTyping,
	}, sess.client)
}

// sendUserList replies to a get_users request.
func (s *Server) sendUserList(sess *Session) {
	room := s.currentRoom(sess)
	if room == nil {
		return
	}

	room.mu.Lock()
	msg := wire.UserListMessage{
		Type:  wire.TypeUserList,
		Users: room.userInfosLocked(),
	}
	room.mu.Unlock()

	sess.client.trySend(msg)
}

func (s *Server) lookupRoom(id string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rooms[id]
}

func (s *Server) currentRoom(sess *Session) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sess.room
}

func (s *Server) sessionRole(sess *Session) wire.Role {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sess.role
}

// newRoomID generates a crypto-random room ID, retrying on the (unlikely)
// collision with a live room.
func (s *Server) newRoomID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		s.mu.Lock()
		_, exists := s.rooms[id]
		s.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// newMessageID builds a reply anchor: millisecond timestamp plus a short
// random suffix. Not an ordering sequence number.
func newMessageID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	for i := range buf {
		buf[i] = letters[int(buf[i])%len(letters)]
	}

	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), buf)
}

// truncate shortens s to at most max runes, never splitting one.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	runes := []rune(s)
	if len(runes) <= max {
		return s
	}

	return string(runes[:max])
}

// ---- Room helpers; callers hold room.mu ----

func (r *Room) onlineCountLocked() int {
	count := 0
	for _, member := range r.members {
		if member.online {
			count++
		}
	}
	return count
}

// broadcastLocked delivers msg to every online member except exclude.
// Delivery is best-effort: a member whose send buffer is full simply
// misses the frame.
func (r *Room) broadcastLocked(msg any, exclude *Client) {
	for _, member := range r.members {
		if !member.online || member.client == nil || member.client == exclude {
			continue
		}
		member.client.trySend(msg)
	}
}

// userInfosLocked snapshots the member list sorted by role rank, then
// username.
func (r *Room) userInfosLocked() []wire.UserInfo {
	users := make([]wire.UserInfo, 0, len(r.members))
	for username, member := range r.members {
		users = append(users, wire.UserInfo{
			Username: username,
			Role:     member.role,
			Online:   member.online,
		})
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].Role.Rank() != users[j].Role.Rank() {
			return users[i].Role.Rank() < users[j].Role.Rank()
		}
		return users[i].Username < users[j].Username
	})

	return users
}

func (r *Room) broadcastUserListLocked() {
	r.broadcastLocked(wire.UserListMessage{
		Type:  wire.TypeUserList,
		Users: r.userInfosLocked(),
	}, nil)
}

// reaperLoop periodically destroys rooms whose members are all offline and
// that have been idle longer than the configured timeout. Disabled unless
// --room-timeout is set; by default offline members keep a room alive
// indefinitely.
func (s *Server) reaperLoop() {
	ticker := time.NewTicker(s.cfg.roomTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-s.cfg.roomTimeout)

		s.mu.Lock()
		rooms := make([]*Room, 0, len(s.rooms))
		for _, room := range s.rooms {
			rooms = append(rooms, room)
		}
		s.mu.Unlock()

		for _, room := range rooms {
			room.mu.Lock()
			stale := !room.destroyed && room.lastActive.Before(cutoff) && room.onlineCountLocked() == 0
			if stale {
				room.destroyed = true

				s.mu.Lock()
				delete(s.rooms, room.id)
				s.mu.Unlock()

				logf(s.cfg, "ROOMS: Reaped idle room %s", room.id)
			}
			room.mu.Unlock()
		}
	}
}
