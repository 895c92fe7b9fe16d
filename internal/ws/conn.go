package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"coolvibeclub/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	EventJoin  = "join"
	EventLeave = "leave"
	EventChat  = "chat"
	EventError = "error"

	// NamespacePrefix 是房间命名空间的前缀，完整形式为 chats-<room_id>。
	NamespacePrefix = "chats-"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Membership 判断用户是否属于房间。
type Membership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

type Client struct {
	room   *RoomHub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	userID string
	nick   string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 处理 /ws/:namespace 握手：校验令牌与房间成员身份后升级连接。
func Serve(h *Hub, secret string, users auth.UserLookup, members Membership) gin.HandlerFunc {
	return func(c *gin.Context) {
		ns := c.Param("namespace")
		roomID := strings.TrimPrefix(ns, NamespacePrefix)
		if !strings.HasPrefix(ns, NamespacePrefix) || roomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid namespace"})
			return
		}
		user, status, err := auth.Authenticate(c.Request, secret, users)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		ok, err := members.IsMember(c.Request.Context(), roomID, user.ID)
		if err != nil || !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this room"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		rh := h.GetRoom(roomID)
		client := &Client{room: rh, conn: conn, send: make(chan []byte, 256), done: make(chan struct{}), userID: user.ID, nick: user.Nick}
		rh.register <- client

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.room.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in Envelope
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			c.reply(EventError, gin.H{"message": "malformed frame"})
			continue
		}
		switch in.Event {
		case EventJoin, EventLeave:
			if b, err := encode(in.Event, c.room.presence(c)); err == nil {
				c.room.broadcast <- b
			}
		case EventChat:
			// 消息已经通过 REST 持久化并广播，这里的帧只是提示
			log.Debug().Str("room_id", c.room.roomID).Str("user_id", c.userID).Msg("ws chat hint ignored")
		default:
			c.reply(EventError, gin.H{"message": "unknown event " + in.Event})
		}
	}
}

// reply 只发给当前连接；缓冲区满时丢弃。
func (c *Client) reply(event string, payload any) {
	b, err := encode(event, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
