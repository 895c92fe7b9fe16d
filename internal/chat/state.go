package chat

import "coolvibeclub/internal/models"

// RoomState 是聊天界面的不可变状态快照。Timeline 在发布后不会再被修改。
type RoomState struct {
	RoomID   string
	Timeline *Timeline
	Conn     ConnState
	HasMore  bool
	Err      error
}

func (s RoomState) Messages() []models.Chat { return s.Timeline.Messages() }

// Action 是驱动 RoomState 的事件集合。
type Action interface{ isAction() }

// HistoryLoaded 首次拉取的 REST 历史。
type HistoryLoaded struct {
	Chats   []models.Chat
	HasMore bool
}

// Backfilled 重连后补齐的增量历史，不影响分页标记。
type Backfilled struct{ Chats []models.Chat }

// OlderLoaded 向前翻页的结果。
type OlderLoaded struct {
	Chats   []models.Chat
	HasMore bool
}

type MessageReceived struct{ Chat models.Chat }

type MessageSent struct{ Chat models.Chat }

type ConnectionChanged struct{ State ConnState }

type Failed struct{ Err error }

func (HistoryLoaded) isAction()     {}
func (Backfilled) isAction()        {}
func (OlderLoaded) isAction()       {}
func (MessageReceived) isAction()   {}
func (MessageSent) isAction()       {}
func (ConnectionChanged) isAction() {}
func (Failed) isAction()            {}

// Reduce 是纯函数：不修改输入状态，返回新状态。
func Reduce(s RoomState, a Action) RoomState {
	switch a := a.(type) {
	case HistoryLoaded:
		s.Timeline = merged(s.Timeline, s.RoomID, a.Chats...)
		s.HasMore = a.HasMore
		s.Err = nil
	case Backfilled:
		s.Timeline = merged(s.Timeline, s.RoomID, a.Chats...)
	case OlderLoaded:
		s.Timeline = merged(s.Timeline, s.RoomID, a.Chats...)
		s.HasMore = a.HasMore
	case MessageReceived:
		s.Timeline = merged(s.Timeline, s.RoomID, a.Chat)
	case MessageSent:
		s.Timeline = merged(s.Timeline, s.RoomID, a.Chat)
		s.Err = nil
	case ConnectionChanged:
		s.Conn = a.State
	case Failed:
		s.Err = a.Err
	}
	return s
}

// merged 只在确有新消息时复制时间线；不属于本房间的消息被丢弃。
func merged(t *Timeline, roomID string, chats ...models.Chat) *Timeline {
	fresh := make([]models.Chat, 0, len(chats))
	for _, c := range chats {
		if c.RoomID != "" && roomID != "" && c.RoomID != roomID {
			continue
		}
		if t.Contains(c.ChatID) || c.ChatID == "" {
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		if t == nil {
			return &Timeline{}
		}
		return t
	}
	next := t.Clone()
	next.Merge(fresh...)
	return next
}
