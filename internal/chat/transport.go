package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	EventJoin  = "join"
	EventLeave = "leave"
	EventChat  = "chat"
	EventError = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1 << 20
	sendBufferSize = 64
)

var (
	ErrConnClosed     = errors.New("chat: connection closed")
	ErrSendBufferFull = errors.New("chat: send buffer full")
)

// Envelope 是实时通道上的帧格式。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// Conn 是一条已建立的实时连接。Receive 只允许单个 goroutine 调用。
type Conn interface {
	Send(Envelope) error
	Receive() (Envelope, error)
	Close() error
}

// Transport 建立到房间命名空间的连接。
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WSDialer 基于 gorilla/websocket 的 Transport。
type WSDialer struct {
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("chat: dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("chat: dial %s: %w", url, err)
	}
	c := &wsConn{ws: ws, send: make(chan []byte, sendBufferSize), done: make(chan struct{})}
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c, nil
}

type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsConn) Send(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Receive() (Envelope, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			continue
		}
		return env, nil
	}
}

// Close 通知写协程发送关闭帧并释放底层连接，可重复调用。
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
