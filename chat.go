package main

import (
	"net/http"
	"time"

	"github.com/Seednode/hushbox/wire"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	writeWait = 10 * time.Second

	// Encrypted file payloads run to a few MiB of base64; leave headroom.
	maxFrameSize = 8 << 20

	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client wraps one websocket connection. Outbound frames go through a
// buffered channel so fan-out never blocks on a slow peer.
type Client struct {
	conn    *websocket.Conn
	send    chan any
	session *Session
}

// trySend queues a frame for delivery, dropping it if the client's buffer
// is full. Fan-out is best-effort by contract.
func (c *Client) trySend(msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) readPump(s *Server) {
	defer func() {
		s.disconnect(c.session)
		close(c.send)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)

	for {
		var msg wire.ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		sess := c.session

		switch msg.Type {
		case wire.TypeGetRooms:
			c.trySend(wire.RoomListMessage{
				Type:  wire.TypeRoomList,
				Rooms: s.roomList(),
			})
		case wire.TypeCreateRoom:
			s.createRoom(sess, msg.Name, msg.Password, msg.Username)
		case wire.TypeJoinRoom:
			s.joinRoom(sess, msg.RoomID, msg.Password, msg.Username)
		case wire.TypeLeaveRoom:
			s.leaveRoom(sess)
		case wire.TypeMessage:
			s.broadcastMessage(sess, msg.Text, msg.ReplyTo, msg.File)
		case wire.TypeTyping:
			s.broadcastTyping(sess, msg.IsTyping)
		case wire.TypeKickUser:
			s.kickUser(sess, msg.TargetUsername)
		case wire.TypePromoteMod:
			s.promoteMod(sess, msg.TargetUsername)
		case wire.TypeDemoteMod:
			s.demoteMod(sess, msg.TargetUsername)
		case wire.TypeChangePassword:
			s.changePassword(sess, msg.NewPassword)
		case wire.TypeGetUsers:
			s.sendUserList(sess)
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// serveChat upgrades the connection and registers it with the server.
func serveChat(cfg *Config, s *Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "CHAT: Upgrade failed for %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, sendBufferSize),
		}
		client.session = s.connect(client)

		logf(cfg, "CHAT: Connection %s from %s", client.session.id, realIP(r))

		go client.writePump()
		client.readPump(s)
	}
}
