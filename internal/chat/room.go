package chat

import (
	"context"
	"errors"
	"sync"

	"coolvibeclub/internal/metrics"
	"coolvibeclub/internal/models"
	"coolvibeclub/internal/restapi"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPageLimit = 30
	maxBackfillPages = 50
)

var ErrRoomClosed = errors.New("chat: room closed")

// HistoryAPI 是房间使用的 REST 历史接口。
type HistoryAPI interface {
	History(ctx context.Context, roomID string, q restapi.HistoryQuery) ([]models.Chat, error)
}

type RoomDeps struct {
	API       HistoryAPI
	Channel   *Channel
	PageLimit int
}

// Room 是一个打开的聊天界面。状态只由内部循环修改，外部通过 Updates/Snapshot 观察。
type Room struct {
	id      string
	api     HistoryAPI
	channel *Channel
	limit   int

	actions chan Action
	updates chan RoomState
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu       sync.RWMutex
	snapshot RoomState
}

// OpenRoom 并发拉取历史并建立实时连接。实时连接失败不影响打开房间，历史失败则返回错误。
func OpenRoom(ctx context.Context, deps RoomDeps, roomID string) (*Room, error) {
	if roomID == "" {
		return nil, ErrNoRoom
	}
	limit := deps.PageLimit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	r := &Room{
		id:      roomID,
		api:     deps.API,
		channel: deps.Channel,
		limit:   limit,
		actions: make(chan Action, 16),
		updates: make(chan RoomState, 1),
		done:    make(chan struct{}),
	}

	var history []models.Chat
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := r.api.History(gctx, roomID, restapi.HistoryQuery{Limit: limit})
		history = h
		return err
	})
	g.Go(func() error {
		if err := r.channel.Connect(gctx, roomID); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("chat: realtime unavailable, continuing with REST")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		r.channel.Disconnect()
		return nil, err
	}

	// 打开期间的连接状态变化已体现在 State() 中
	for drained := false; !drained; {
		select {
		case <-r.channel.States():
		default:
			drained = true
		}
	}
	state := RoomState{RoomID: roomID, Timeline: &Timeline{}, Conn: r.channel.State()}
	state = Reduce(state, HistoryLoaded{Chats: history, HasMore: len(history) >= limit})
	// 历史查询与实时订阅并发进行，二者之间持久化的消息只能靠订阅建立后再补一次。
	if state.Conn == Connected {
		if latest, ok := state.Timeline.Latest(); ok {
			gap, err := r.fetchAfter(ctx, latest)
			if err != nil {
				log.Warn().Err(err).Str("room_id", roomID).Msg("chat: open backfill failed")
			}
			state = Reduce(state, Backfilled{Chats: gap})
		}
	}
	r.publish(state)

	r.channel.JoinRoom()
	r.wg.Add(1)
	go r.loop(state)
	return r, nil
}

func (r *Room) ID() string { return r.id }

// Updates 只保留最新一次快照；消费慢时中间状态会被合并。
func (r *Room) Updates() <-chan RoomState { return r.updates }

func (r *Room) Snapshot() RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Send 通过通道发送消息，成功后立即写入本地时间线。
func (r *Room) Send(ctx context.Context, content string, files []string) (models.Chat, error) {
	chat, err := r.channel.Send(ctx, content, files)
	if err != nil {
		r.dispatch(Failed{Err: err})
		return models.Chat{}, err
	}
	if err := r.dispatchWait(MessageSent{Chat: chat}); err != nil {
		return chat, err
	}
	return chat, nil
}

// LoadOlder 拉取最早一条消息之前的一页，返回新增条数。
func (r *Room) LoadOlder(ctx context.Context) (int, error) {
	snap := r.Snapshot()
	oldest, ok := snap.Timeline.Oldest()
	if !ok || !snap.HasMore {
		return 0, nil
	}
	chats, err := r.api.History(ctx, r.id, restapi.HistoryQuery{Before: oldest.CreatedAt, BeforeID: oldest.ChatID, Limit: r.limit})
	if err != nil {
		r.dispatch(Failed{Err: err})
		return 0, err
	}
	before := snap.Timeline.Len()
	if err := r.dispatchWait(OlderLoaded{Chats: chats, HasMore: len(chats) >= r.limit}); err != nil {
		return 0, err
	}
	return r.Snapshot().Timeline.Len() - before, nil
}

// Reconnect 重新建立实时连接并补齐断线期间的消息。
func (r *Room) Reconnect(ctx context.Context) error {
	if err := r.channel.Connect(ctx, r.id); err != nil {
		return err
	}
	r.channel.JoinRoom()
	return r.backfill(ctx)
}

// backfill 补齐最新一条消息之后的全部消息；时间线为空时等同于重新加载最新一页。
func (r *Room) backfill(ctx context.Context) error {
	latest, ok := r.Snapshot().Timeline.Latest()
	if !ok {
		chats, err := r.api.History(ctx, r.id, restapi.HistoryQuery{Limit: r.limit})
		if err != nil {
			log.Warn().Err(err).Str("room_id", r.id).Msg("chat: backfill failed")
			return err
		}
		return r.dispatchWait(HistoryLoaded{Chats: chats, HasMore: len(chats) >= r.limit})
	}
	chats, err := r.fetchAfter(ctx, latest)
	if err != nil {
		log.Warn().Err(err).Str("room_id", r.id).Int("fetched", len(chats)).Msg("chat: backfill failed")
	}
	if derr := r.dispatchWait(Backfilled{Chats: chats}); derr != nil {
		return derr
	}
	return err
}

// fetchAfter 以 (createdAt, chat_id) 为游标向后逐页拉取，直到某一页不满。
// 出错时返回已拉到的部分。
func (r *Room) fetchAfter(ctx context.Context, from models.Chat) ([]models.Chat, error) {
	var out []models.Chat
	q := restapi.HistoryQuery{After: from.CreatedAt, AfterID: from.ChatID, Limit: r.limit}
	for page := 0; page < maxBackfillPages; page++ {
		chats, err := r.api.History(ctx, r.id, q)
		if err != nil {
			return out, err
		}
		out = append(out, chats...)
		if len(chats) < r.limit {
			return out, nil
		}
		last := chats[len(chats)-1]
		if !models.ChatLess(models.Chat{CreatedAt: q.After, ChatID: q.AfterID}, last) {
			// 服务端没有推进游标
			return out, nil
		}
		q.After, q.AfterID = last.CreatedAt, last.ChatID
	}
	log.Warn().Str("room_id", r.id).Int("pages", maxBackfillPages).Msg("chat: backfill stopped at page cap")
	return out, nil
}

// Close 离开房间并断开实时连接，可重复调用。
func (r *Room) Close() {
	r.once.Do(func() {
		r.channel.LeaveRoom()
		r.channel.Disconnect()
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Room) dispatch(a Action) {
	select {
	case r.actions <- a:
	case <-r.done:
	}
}

// dispatchWait 等待动作被循环应用，使调用方之后读到的 Snapshot 已包含该动作。
func (r *Room) dispatchWait(a Action) error {
	ack := make(chan struct{})
	select {
	case r.actions <- acked{Action: a, ack: ack}:
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case <-ack:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

type acked struct {
	Action
	ack chan struct{}
}

func (r *Room) loop(state RoomState) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case a := <-r.actions:
			if w, ok := a.(acked); ok {
				state = r.apply(state, w.Action)
				close(w.ack)
				continue
			}
			state = r.apply(state, a)
		case chat := <-r.channel.Messages():
			state = r.apply(state, MessageReceived{Chat: chat})
		case cs := <-r.channel.States():
			state = r.apply(state, ConnectionChanged{State: cs})
		}
	}
}

func (r *Room) apply(state RoomState, a Action) RoomState {
	next := Reduce(state, a)
	if m, ok := a.(MessageReceived); ok && next.Timeline == state.Timeline && m.Chat.ChatID != "" &&
		(m.Chat.RoomID == "" || m.Chat.RoomID == state.RoomID) {
		metrics.ChatMessagesDeduplicated.Inc()
	}
	r.publish(next)
	return next
}

func (r *Room) publish(s RoomState) {
	r.mu.Lock()
	r.snapshot = s
	r.mu.Unlock()
	select {
	case <-r.updates:
	default:
	}
	select {
	case r.updates <- s:
	default:
	}
}
