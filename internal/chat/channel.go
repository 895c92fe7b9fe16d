package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"coolvibeclub/internal/metrics"
	"coolvibeclub/internal/models"
	"coolvibeclub/internal/session"

	"github.com/rs/zerolog/log"
)

// ConnState 是实时连接状态。
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNoRoom 表示通道尚未绑定房间。
var ErrNoRoom = errors.New("chat: no room selected")

// TokenSource 提供握手时使用的访问令牌。
type TokenSource interface {
	AccessToken() string
}

// Sender 是权威的 REST 发送路径。
type Sender interface {
	SendChat(ctx context.Context, roomID, content string, files []string) (models.Chat, error)
}

type ChannelConfig struct {
	SocketURL string
	Transport Transport
	Tokens    TokenSource
	API       Sender
	// Buffer 是 Messages/States 通道的容量，默认 64。
	Buffer int
}

// Channel 维护到单个房间命名空间的实时连接。同一时刻至多一条连接。
type Channel struct {
	socketURL string
	transport Transport
	tokens    TokenSource
	api       Sender

	mu     sync.Mutex
	conn   Conn
	done   chan struct{}
	gen    uint64
	roomID string
	state  ConnState

	messages chan models.Chat
	states   chan ConnState

	sub       *session.Subscription
	closeOnce sync.Once
}

func NewChannel(cfg ChannelConfig) *Channel {
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 64
	}
	transport := cfg.Transport
	if transport == nil {
		transport = WSDialer{}
	}
	return &Channel{
		socketURL: strings.TrimRight(cfg.SocketURL, "/"),
		transport: transport,
		tokens:    cfg.Tokens,
		api:       cfg.API,
		messages:  make(chan models.Chat, buf),
		states:    make(chan ConnState, buf),
	}
}

// BindSession 订阅会话事件，登出时断开连接。
func (c *Channel) BindSession(m interface{ Subscribe() *session.Subscription }) {
	sub := m.Subscribe()
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	go func() {
		for ev := range sub.C {
			if ev.Type == session.LoggedOut {
				log.Info().Str("reason", ev.Reason).Msg("chat: session ended, disconnecting")
				c.Disconnect()
			}
		}
	}()
}

func (c *Channel) Messages() <-chan models.Chat { return c.messages }

func (c *Channel) States() <-chan ConnState { return c.states }

func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomID 返回当前绑定的房间；显式 Disconnect 后为空。
func (c *Channel) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Channel) namespaceURL(roomID string) string {
	return c.socketURL + "/ws/chats-" + url.PathEscape(roomID)
}

// Connect 连接到房间命名空间。同一房间重复调用不会重新拨号；换房间会先断开旧连接。
// 拨号失败时状态回到 Disconnected，但房间仍然绑定，REST 发送不受影响。
func (c *Channel) Connect(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrNoRoom
	}
	c.mu.Lock()
	if c.roomID == roomID && (c.state == Connected || c.state == Connecting) {
		c.mu.Unlock()
		log.Debug().Str("room_id", roomID).Msg("chat: already connected")
		return nil
	}
	if c.conn != nil {
		c.teardownLocked()
	}
	c.roomID = roomID
	c.gen++
	gen := c.gen
	c.setStateLocked(Connecting)
	var token string
	if c.tokens != nil {
		token = c.tokens.AccessToken()
	}
	c.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, err := c.transport.Dial(ctx, c.namespaceURL(roomID), header)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		// 拨号期间被 Disconnect 或换房间取代
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		c.setStateLocked(Disconnected)
		log.Warn().Err(err).Str("room_id", roomID).Msg("chat: connect failed")
		return fmt.Errorf("chat: connect %s: %w", roomID, err)
	}
	c.conn = conn
	c.done = make(chan struct{})
	c.setStateLocked(Connected)
	metrics.ChatSocketConnected.Set(1)
	log.Info().Str("room_id", roomID).Msg("chat: connected")
	go c.readLoop(conn, c.done, gen, roomID)
	return nil
}

func (c *Channel) JoinRoom() { c.emitRoomEvent(EventJoin) }

func (c *Channel) LeaveRoom() { c.emitRoomEvent(EventLeave) }

func (c *Channel) emitRoomEvent(event string) {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if err := c.emit(event, map[string]string{"room_id": roomID}); err != nil {
		log.Debug().Err(err).Str("event", event).Str("room_id", roomID).Msg("chat: emit skipped")
	}
}

// Send 先走 REST 持久化，成功后再尽力通过实时连接广播。实时连接的错误不影响结果。
func (c *Channel) Send(ctx context.Context, content string, files []string) (models.Chat, error) {
	roomID := c.RoomID()
	if roomID == "" {
		return models.Chat{}, ErrNoRoom
	}
	if c.api == nil {
		return models.Chat{}, errors.New("chat: no sender configured")
	}
	chat, err := c.api.SendChat(ctx, roomID, content, files)
	if err != nil {
		return models.Chat{}, err
	}
	if err := c.emit(EventChat, chat); err != nil {
		log.Debug().Err(err).Str("chat_id", chat.ChatID).Msg("chat: realtime hint skipped")
	}
	return chat, nil
}

func (c *Channel) emit(event string, payload any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != Connected {
		return ErrConnClosed
	}
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return conn.Send(env)
}

// Disconnect 断开当前连接并解绑房间。
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.conn != nil {
		c.teardownLocked()
	}
	c.roomID = ""
	c.setStateLocked(Disconnected)
}

// Close 断开连接并取消会话订阅。
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.Disconnect()
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
	})
}

func (c *Channel) teardownLocked() {
	close(c.done)
	_ = c.conn.Close()
	c.conn = nil
	c.done = nil
	metrics.ChatSocketConnected.Set(0)
}

func (c *Channel) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.state = s
	select {
	case c.states <- s:
	default:
		log.Warn().Str("state", s.String()).Msg("chat: state listener full, change dropped")
	}
}

func (c *Channel) readLoop(conn Conn, done chan struct{}, gen uint64, roomID string) {
	for {
		env, err := conn.Receive()
		if err != nil {
			c.lost(gen, err)
			return
		}
		switch env.Event {
		case EventChat:
			var chat models.Chat
			if err := json.Unmarshal(env.Data, &chat); err != nil || chat.ChatID == "" {
				log.Warn().Err(err).Msg("chat: malformed chat event")
				continue
			}
			if chat.RoomID != "" && chat.RoomID != roomID {
				continue
			}
			metrics.ChatMessagesReceived.Inc()
			select {
			case c.messages <- chat:
			case <-done:
				return
			}
		case EventError:
			log.Warn().RawJSON("data", nonEmptyJSON(env.Data)).Str("room_id", roomID).Msg("chat: server error event")
		default:
			log.Debug().Str("event", env.Event).Str("room_id", roomID).Msg("chat: event")
		}
	}
}

// lost 处理读循环异常退出；过期连接的错误被忽略。
func (c *Channel) lost(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.conn == nil {
		return
	}
	log.Warn().Err(err).Str("room_id", c.roomID).Msg("chat: connection lost")
	c.teardownLocked()
	c.setStateLocked(Disconnected)
}

func nonEmptyJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
