package chat

import (
	"sort"

	"coolvibeclub/internal/models"
)

// Timeline 是单个房间按 (createdAt, chat_id) 全序排列、按 chat_id 去重的消息序列。零值可用。
type Timeline struct {
	chats []models.Chat
	ids   map[string]struct{}
}

// Merge 插入尚未出现过的消息并保持顺序，返回实际新增的条数。无 chat_id 的消息被忽略。
func (t *Timeline) Merge(chats ...models.Chat) int {
	if t.ids == nil {
		t.ids = make(map[string]struct{}, len(chats))
	}
	added := 0
	for _, c := range chats {
		if c.ChatID == "" {
			continue
		}
		if _, ok := t.ids[c.ChatID]; ok {
			continue
		}
		i := sort.Search(len(t.chats), func(i int) bool { return models.ChatLess(c, t.chats[i]) })
		t.chats = append(t.chats, models.Chat{})
		copy(t.chats[i+1:], t.chats[i:])
		t.chats[i] = c
		t.ids[c.ChatID] = struct{}{}
		added++
	}
	return added
}

func (t *Timeline) Len() int {
	if t == nil {
		return 0
	}
	return len(t.chats)
}

func (t *Timeline) Contains(chatID string) bool {
	if t == nil {
		return false
	}
	_, ok := t.ids[chatID]
	return ok
}

// Messages 返回有序副本。
func (t *Timeline) Messages() []models.Chat {
	if t == nil {
		return nil
	}
	out := make([]models.Chat, len(t.chats))
	copy(out, t.chats)
	return out
}

func (t *Timeline) Latest() (models.Chat, bool) {
	if t.Len() == 0 {
		return models.Chat{}, false
	}
	return t.chats[len(t.chats)-1], true
}

func (t *Timeline) Oldest() (models.Chat, bool) {
	if t.Len() == 0 {
		return models.Chat{}, false
	}
	return t.chats[0], true
}

// Clone 返回独立副本，供 reducer 写时复制。
func (t *Timeline) Clone() *Timeline {
	c := &Timeline{}
	if t == nil {
		return c
	}
	c.chats = make([]models.Chat, len(t.chats))
	copy(c.chats, t.chats)
	c.ids = make(map[string]struct{}, len(t.ids))
	for id := range t.ids {
		c.ids[id] = struct{}{}
	}
	return c
}
