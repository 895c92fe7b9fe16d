package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"coolvibeclub/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Envelope 是房间命名空间上的帧格式：{"event": ..., "data": ...}。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*RoomHub
}

func NewHub() *Hub { return &Hub{rooms: make(map[string]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	h.rooms[roomID] = room
	go room.run()
	return room
}

func (h *Hub) lookup(roomID string) *RoomHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

func (h *Hub) Online(roomID string) int {
	room := h.lookup(roomID)
	if room == nil {
		return 0
	}
	return room.Online()
}

// Broadcast 向房间内所有连接推送事件；房间无人在线时直接返回。
func (h *Hub) Broadcast(roomID, event string, payload any) error {
	room := h.lookup(roomID)
	if room == nil {
		return nil
	}
	b, err := encode(event, payload)
	if err != nil {
		return err
	}
	room.broadcast <- b
	return nil
}

type RoomHub struct {
	roomID     string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	online     int32
}

func NewRoomHub(roomID string) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

// Presence 是 join/leave 事件的负载。
type Presence struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Nick   string `json:"nick"`
	Online int    `json:"online"`
}

func (rh *RoomHub) presence(c *Client) Presence {
	return Presence{RoomID: rh.roomID, UserID: c.userID, Nick: c.nick, Online: rh.Online()}
}

func (rh *RoomHub) run() {
	for {
		select {
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			metrics.WsConnections.Inc()
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				rh.drop(c)
				// 未显式 leave 就断开的连接同样通知其他成员
				if b, err := encode(EventLeave, rh.presence(c)); err == nil {
					rh.fanout(b)
				}
			}
		case msg := <-rh.broadcast:
			rh.fanout(msg)
		}
	}
}

func (rh *RoomHub) drop(c *Client) {
	delete(rh.clients, c)
	close(c.done)
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
	metrics.WsConnections.Dec()
}

// fanout 在房间协程内执行；发送缓冲满的连接被视为失效并移除。
func (rh *RoomHub) fanout(msg []byte) {
	for c := range rh.clients {
		select {
		case c.send <- msg:
		default:
			log.Warn().Str("room_id", rh.roomID).Str("user_id", c.userID).Msg("ws client too slow, dropping")
			rh.drop(c)
		}
	}
}

// Online 返回房间在线客户端数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
