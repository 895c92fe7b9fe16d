package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"coolvibeclub/internal/models"
	"coolvibeclub/internal/restapi"
)

type fakeConn struct {
	in     chan Envelope
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan Envelope, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Send(env Envelope) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Receive() (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return Envelope{}, ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, e := range c.sent {
		out[i] = e.Event
	}
	return out
}

// drop 模拟服务端断开。
func (c *fakeConn) drop() { c.Close() }

type fakeTransport struct {
	mu      sync.Mutex
	err     error
	conns   []*fakeConn
	urls    []string
	headers []http.Header
	dials   atomic.Int32
	// onDial 在握手完成前执行，用来模拟慢速建连期间服务端发生的事情。
	onDial func()
}

func (f *fakeTransport) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	f.dials.Add(1)
	if f.onDial != nil {
		f.onDial()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.headers = append(f.headers, header)
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeConn()
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

// fakeAPI 同时实现 Sender 和 HistoryAPI。
type fakeAPI struct {
	mu      sync.Mutex
	history []models.Chat
	histErr error
	sendErr error
	queries []restapi.HistoryQuery
	sent    []string
	seq     int
}

func (f *fakeAPI) History(ctx context.Context, roomID string, q restapi.HistoryQuery) ([]models.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.histErr != nil {
		return nil, f.histErr
	}
	all := append([]models.Chat(nil), f.history...)
	models.SortChats(all)
	after := models.Chat{CreatedAt: q.After, ChatID: q.AfterID}
	before := models.Chat{CreatedAt: q.Before, ChatID: q.BeforeID}
	var out []models.Chat
	for _, c := range all {
		if !q.After.IsZero() && !models.ChatLess(after, c) {
			continue
		}
		if !q.Before.IsZero() && !models.ChatLess(c, before) {
			continue
		}
		out = append(out, c)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		if !q.After.IsZero() {
			out = out[:q.Limit]
		} else {
			out = out[len(out)-q.Limit:]
		}
	}
	return out, nil
}

func (f *fakeAPI) SendChat(ctx context.Context, roomID, content string, files []string) (models.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return models.Chat{}, f.sendErr
	}
	f.seq++
	f.sent = append(f.sent, content)
	c := models.Chat{
		ChatID:    "sent-" + string(rune('0'+f.seq)),
		RoomID:    roomID,
		Content:   content,
		CreatedAt: t0.Add(time.Hour + time.Duration(f.seq)*time.Second),
		Files:     files,
	}
	f.history = append(f.history, c)
	return c, nil
}

func (f *fakeAPI) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeAPI) add(c models.Chat) {
	f.mu.Lock()
	f.history = append(f.history, c)
	f.mu.Unlock()
}

var errDial = errors.New("dial refused")

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
