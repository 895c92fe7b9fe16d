package session

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultSubscriberBuffer = 16

// Subscription 是会话事件的订阅句柄。C 在 Close 后被关闭。
type Subscription struct {
	C <-chan Event

	ch     chan Event
	hub    *hub
	closed sync.Once
}

func (s *Subscription) Close() {
	s.closed.Do(func() { s.hub.remove(s) })
}

type hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &hub{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

func (h *hub) add() *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// publish 不阻塞：订阅者缓冲区满时丢弃事件，订阅者可随时通过 Manager.State 重新读取。
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			log.Warn().Str("event", ev.Type.String()).Str("state", ev.State.Kind.String()).Msg("session subscriber full, event dropped")
		}
	}
}
