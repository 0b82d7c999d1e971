package main

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Seednode/hushbox/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer() *Server {
	return newServer(&Config{})
}

// newTestClient builds a transport-less client whose outbound frames land
// in its send buffer.
func newTestClient(s *Server) (*Client, *Session) {
	c := &Client{
		send: make(chan any, sendBufferSize),
	}
	c.session = s.connect(c)

	return c, c.session
}

// frames drains everything currently queued for c.
func frames(c *Client) []any {
	var out []any
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// lastFrame returns the last queued frame of type T, draining the buffer.
func lastFrame[T any](c *Client) (T, bool) {
	var (
		found T
		ok    bool
	)
	for _, msg := range frames(c) {
		if typed, matches := msg.(T); matches {
			found = typed
			ok = true
		}
	}

	return found, ok
}

// createTestRoom opens a room and drains the creator's acknowledgement.
func createTestRoom(t *testing.T, s *Server, c *Client, sess *Session, name, password, username string) string {
	t.Helper()

	s.createRoom(sess, name, password, username)

	ack, ok := lastFrame[wire.RoomJoinedMessage](c)
	require.True(t, ok, "expected a room_created frame")
	require.Equal(t, wire.TypeRoomCreated, ack.Type)
	require.Equal(t, wire.RoleOwner, ack.Role)

	return ack.Room.ID
}

// joinTestRoom joins a room and drains the joiner's acknowledgement.
func joinTestRoom(t *testing.T, s *Server, c *Client, sess *Session, roomID, password, username string) wire.Role {
	t.Helper()

	s.joinRoom(sess, roomID, password, username)

	ack, ok := lastFrame[wire.RoomJoinedMessage](c)
	require.True(t, ok, "expected a room_joined frame")
	require.Equal(t, wire.TypeRoomJoined, ack.Type)

	return ack.Role
}

func TestCreateRoom(t *testing.T) {
	s := newTestServer()
	c, sess := newTestClient(s)

	roomID := createTestRoom(t, s, c, sess, "lounge", "hash", "alice")

	assert.Len(t, roomID, 8)
	assert.Equal(t, wire.RoleOwner, s.sessionRole(sess))

	list := s.roomList()
	require.Len(t, list, 1)
	assert.Equal(t, "lounge", list[0].Name)
	assert.Equal(t, 1, list[0].UserCount)
	assert.True(t, list[0].HasPassword)
}

func TestCreateRoomTruncatesLongName(t *testing.T) {
	s := newTestServer()
	c, sess := newTestClient(s)

	createTestRoom(t, s, c, sess, strings.Repeat("x", 50), "", "alice")

	list := s.roomList()
	require.Len(t, list, 1)
	assert.Len(t, list[0].Name, maxRoomNameLength)
}

func TestTruncationKeepsRuneBoundaries(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	createTestRoom(t, s, owner, ownerSess, strings.Repeat("é", 40), "", "alice")

	list := s.roomList()
	require.Len(t, list, 1)
	assert.True(t, utf8.ValidString(list[0].Name))
	assert.Equal(t, maxRoomNameLength, utf8.RuneCountInString(list[0].Name))

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, list[0].ID, "", "bob")

	s.broadcastMessage(ownerSess, strings.Repeat("€", 600), nil, nil)

	msg, ok := lastFrame[wire.ChatMessage](bob)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(msg.Text))
	assert.Equal(t, maxMessageLength, utf8.RuneCountInString(msg.Text))
}

func TestHumanReadableSize(t *testing.T) {
	assert.Equal(t, "512 B", humanReadableSize(512))
	assert.Equal(t, "2.0 kB", humanReadableSize(2000))
	assert.Equal(t, "5.2 MB", humanReadableSize(5200000))
}

func TestCreateRoomIgnoresEmptyName(t *testing.T) {
	s := newTestServer()
	_, sess := newTestClient(s)

	s.createRoom(sess, "", "", "alice")
	s.createRoom(sess, "lounge", "", "")

	assert.Empty(t, s.roomList())
}

func TestJoinRoomUnknownID(t *testing.T) {
	s := newTestServer()
	c, sess := newTestClient(s)

	s.joinRoom(sess, "nosuchid", "", "bob")

	errMsg, ok := lastFrame[wire.ErrorMessage](c)
	require.True(t, ok)
	assert.Equal(t, wire.TypeRoomError, errMsg.Type)
	assert.Equal(t, "Room not found.", errMsg.Message)
}

func TestRejectedJoinLeavesPreviousRoomIntact(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	firstID := createTestRoom(t, s, owner, ownerSess, "first", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, firstID, "", "bob")

	locked, lockedSess := newTestClient(s)
	lockedID := createTestRoom(t, s, locked, lockedSess, "second", "righthash", "carol")
	frames(owner)

	// A join rejected for a wrong password changes nothing: bob stays
	// attached and online in the first room, which sees no traffic.
	s.joinRoom(bobSess, lockedID, "wronghash", "bob")

	errMsg, ok := lastFrame[wire.ErrorMessage](bob)
	require.True(t, ok)
	assert.Equal(t, "Wrong password.", errMsg.Message)
	assert.Equal(t, s.lookupRoom(firstID), s.currentRoom(bobSess))
	assert.Empty(t, frames(owner))

	// Same for an unknown room ID.
	s.joinRoom(bobSess, "nosuchid", "", "bob")

	errMsg, ok = lastFrame[wire.ErrorMessage](bob)
	require.True(t, ok)
	assert.Equal(t, "Room not found.", errMsg.Message)
	assert.Equal(t, s.lookupRoom(firstID), s.currentRoom(bobSess))
	assert.Empty(t, frames(owner))

	s.sendUserList(bobSess)
	users, ok := lastFrame[wire.UserListMessage](bob)
	require.True(t, ok)
	for _, user := range users.Users {
		if user.Username == "bob" {
			assert.True(t, user.Online)
		}
	}
}

func TestJoinRoomWrongPassword(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "righthash", "alice")

	c, sess := newTestClient(s)
	s.joinRoom(sess, roomID, "wronghash", "bob")

	errMsg, ok := lastFrame[wire.ErrorMessage](c)
	require.True(t, ok)
	assert.Equal(t, wire.TypeRoomError, errMsg.Type)
	assert.Equal(t, "Wrong password.", errMsg.Message)
	assert.Nil(t, s.currentRoom(sess))
}

func TestDisconnectKeepsMember(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")
	frames(owner)

	s.disconnect(bobSess)

	// Bob is offline but still listed, and the lobby counts online only.
	users, ok := lastFrame[wire.UserListMessage](owner)
	require.True(t, ok)
	require.Len(t, users.Users, 2)
	for _, user := range users.Users {
		if user.Username == "bob" {
			assert.False(t, user.Online)
		}
	}

	list := s.roomList()
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UserCount)
}

func TestRejoinPreservesRole(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")

	s.promoteMod(ownerSess, "bob")
	s.disconnect(bobSess)

	bob2, bob2Sess := newTestClient(s)
	role := joinTestRoom(t, s, bob2, bob2Sess, roomID, "", "bob")

	assert.Equal(t, wire.RoleMod, role)
}

func TestModStatusLostOnExplicitLeave(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")

	s.promoteMod(ownerSess, "bob")
	s.leaveRoom(bobSess)

	role := joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")

	assert.Equal(t, wire.RoleMember, role)
}

func TestLeaveDestroysEmptyRoom(t *testing.T) {
	s := newTestServer()
	c, sess := newTestClient(s)
	roomID := createTestRoom(t, s, c, sess, "lounge", "", "alice")

	s.leaveRoom(sess)

	assert.Empty(t, s.roomList())
	assert.Nil(t, s.lookupRoom(roomID))
}

func TestOwnershipSuccessionPrefersOfflineModOverOnlineMember(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")
	s.promoteMod(ownerSess, "bob")
	s.disconnect(bobSess)

	carol, carolSess := newTestClient(s)
	joinTestRoom(t, s, carol, carolSess, roomID, "", "carol")
	frames(carol)

	s.leaveRoom(ownerSess)

	// The offline mod outranks the online plain member.
	users, ok := lastFrame[wire.UserListMessage](carol)
	require.True(t, ok)
	for _, user := range users.Users {
		switch user.Username {
		case "bob":
			assert.Equal(t, wire.RoleOwner, user.Role)
		case "carol":
			assert.Equal(t, wire.RoleMember, user.Role)
		}
	}
}

func TestOwnershipSuccessionLexicographicTieBreak(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "zz-owner")

	zoe, zoeSess := newTestClient(s)
	joinTestRoom(t, s, zoe, zoeSess, roomID, "", "zoe")

	aaron, aaronSess := newTestClient(s)
	joinTestRoom(t, s, aaron, aaronSess, roomID, "", "aaron")

	s.leaveRoom(ownerSess)

	role, ok := lastFrame[wire.RoleUpdatedMessage](aaron)
	require.True(t, ok, "aaron should have been appointed")
	assert.Equal(t, wire.RoleOwner, role.Role)

	_, ok = lastFrame[wire.RoleUpdatedMessage](zoe)
	assert.False(t, ok, "zoe should not have been appointed")
}

func TestSuccessorLeavesModSet(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")
	s.promoteMod(ownerSess, "bob")

	s.leaveRoom(ownerSess)

	// Bob is now the owner; leaving and rejoining must not resurrect the
	// stale mod entry.
	require.Equal(t, wire.RoleOwner, s.sessionRole(bobSess))

	carol, carolSess := newTestClient(s)
	joinTestRoom(t, s, carol, carolSess, roomID, "", "carol")
	s.leaveRoom(bobSess)

	require.Equal(t, wire.RoleOwner, s.sessionRole(carolSess))

	role := joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")
	assert.Equal(t, wire.RoleMember, role)
}

func TestKickPrivileges(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")

	carol, carolSess := newTestClient(s)
	joinTestRoom(t, s, carol, carolSess, roomID, "", "carol")

	dave, daveSess := newTestClient(s)
	joinTestRoom(t, s, dave, daveSess, roomID, "", "dave")

	s.promoteMod(ownerSess, "bob")
	s.promoteMod(ownerSess, "carol")
	frames(bob)
	frames(carol)
	frames(dave)

	// A plain member cannot kick at all.
	s.kickUser(daveSess, "bob")
	errMsg, ok := lastFrame[wire.ErrorMessage](dave)
	require.True(t, ok)
	assert.Equal(t, "You are not allowed to do that.", errMsg.Message)

	// A mod cannot kick another mod.
	s.kickUser(bobSess, "carol")
	errMsg, ok = lastFrame[wire.ErrorMessage](bob)
	require.True(t, ok)
	assert.Equal(t, "Mods cannot kick other mods.", errMsg.Message)

	// Nobody can kick the owner.
	s.kickUser(bobSess, "alice")
	errMsg, ok = lastFrame[wire.ErrorMessage](bob)
	require.True(t, ok)
	assert.Equal(t, "The room owner cannot be kicked.", errMsg.Message)

	// A mod kicks a plain member.
	s.kickUser(bobSess, "dave")
	kicked, ok := lastFrame[wire.KickedMessage](dave)
	require.True(t, ok)
	assert.Equal(t, "You were kicked from the room.", kicked.Message)
	assert.Nil(t, s.currentRoom(daveSess))

	// Kicked means gone: rejoining starts over as a plain member.
	role := joinTestRoom(t, s, dave, daveSess, roomID, "", "dave")
	assert.Equal(t, wire.RoleMember, role)
}

func TestPromoteAndDemoteOwnerOnly(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")

	carol, carolSess := newTestClient(s)
	joinTestRoom(t, s, carol, carolSess, roomID, "", "carol")

	s.promoteMod(bobSess, "carol")
	errMsg, ok := lastFrame[wire.ErrorMessage](bob)
	require.True(t, ok)
	assert.Equal(t, "Only the room owner can promote mods.", errMsg.Message)
	assert.Equal(t, wire.RoleMember, s.sessionRole(carolSess))

	s.promoteMod(ownerSess, "carol")
	role, ok := lastFrame[wire.RoleUpdatedMessage](carol)
	require.True(t, ok)
	assert.Equal(t, wire.RoleMod, role.Role)

	// Promoting the owner is a no-op, preserving the single-owner rule.
	s.promoteMod(ownerSess, "alice")
	assert.Equal(t, wire.RoleOwner, s.sessionRole(ownerSess))

	s.demoteMod(ownerSess, "carol")
	role, ok = lastFrame[wire.RoleUpdatedMessage](carol)
	require.True(t, ok)
	assert.Equal(t, wire.RoleMember, role.Role)
}

func TestChangePassword(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")

	s.changePassword(bobSess, "newhash")
	errMsg, ok := lastFrame[wire.ErrorMessage](bob)
	require.True(t, ok)
	assert.Equal(t, "Only the room owner can change the password.", errMsg.Message)

	s.changePassword(ownerSess, "newhash")
	changed, ok := lastFrame[wire.PasswordChangedMessage](owner)
	require.True(t, ok)
	assert.True(t, changed.HasPassword)
	assert.Equal(t, "Password updated.", changed.Message)

	// The other members see a generic notice, never the hash.
	notice, ok := lastFrame[wire.SystemMessage](bob)
	require.True(t, ok)
	assert.Equal(t, "The room password was changed.", notice.Text)

	list := s.roomList()
	require.Len(t, list, 1)
	assert.True(t, list[0].HasPassword)

	s.changePassword(ownerSess, "")
	changed, ok = lastFrame[wire.PasswordChangedMessage](owner)
	require.True(t, ok)
	assert.False(t, changed.HasPassword)

	list = s.roomList()
	require.Len(t, list, 1)
	assert.False(t, list[0].HasPassword)
}

func TestBroadcastMessageTruncates(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")
	frames(owner)

	s.broadcastMessage(ownerSess, strings.Repeat("a", 600), nil, nil)

	msg, ok := lastFrame[wire.ChatMessage](bob)
	require.True(t, ok)
	assert.Len(t, msg.Text, maxMessageLength)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, wire.RoleOwner, msg.Role)
	assert.NotEmpty(t, msg.ID)

	// Messages echo back to the sender too.
	_, ok = lastFrame[wire.ChatMessage](owner)
	assert.True(t, ok)
}

func TestBroadcastTypingExcludesSender(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")
	frames(owner)
	frames(bob)

	s.broadcastTyping(ownerSess, true)

	typing, ok := lastFrame[wire.TypingMessage](bob)
	require.True(t, ok)
	assert.Equal(t, "alice", typing.Username)
	assert.True(t, typing.IsTyping)

	_, ok = lastFrame[wire.TypingMessage](owner)
	assert.False(t, ok, "the sender should not see their own typing frame")
}

func TestUserListSortedByRoleThenUsername(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "lounge", "", "mallory")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")

	alice, aliceSess := newTestClient(s)
	joinTestRoom(t, s, alice, aliceSess, roomID, "", "alice")

	s.promoteMod(ownerSess, "bob")
	frames(alice)

	s.sendUserList(aliceSess)

	users, ok := lastFrame[wire.UserListMessage](alice)
	require.True(t, ok)
	require.Len(t, users.Users, 3)
	assert.Equal(t, "mallory", users.Users[0].Username)
	assert.Equal(t, "bob", users.Users[1].Username)
	assert.Equal(t, "alice", users.Users[2].Username)
}

func TestSwitchingRoomsGoesOfflineInPrevious(t *testing.T) {
	s := newTestServer()
	owner, ownerSess := newTestClient(s)
	roomID := createTestRoom(t, s, owner, ownerSess, "first", "", "alice")

	bob, bobSess := newTestClient(s)
	joinTestRoom(t, s, bob, bobSess, roomID, "", "bob")
	frames(owner)

	other, otherSess := newTestClient(s)
	otherID := createTestRoom(t, s, other, otherSess, "second", "", "carol")

	joinTestRoom(t, s, bob, bobSess, otherID, "", "bob")

	// Bob's membership in the first room survives, offline.
	users, ok := lastFrame[wire.UserListMessage](owner)
	require.True(t, ok)
	require.Len(t, users.Users, 2)
	for _, user := range users.Users {
		if user.Username == "bob" {
			assert.False(t, user.Online)
		}
	}
}

func TestRoomIDsAreUnique(t *testing.T) {
	s := newTestServer()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := s.newRoomID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
