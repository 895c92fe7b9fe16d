package service

import (
	"context"
	"strings"
	"time"

	"coolvibeclub/internal/metrics"
	"coolvibeclub/internal/models"
	"coolvibeclub/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 30
	maxHistoryLimit     = 200
)

// Broadcaster 把已持久化的消息推送给房间内的实时连接。
type Broadcaster interface {
	Broadcast(roomID, event string, payload any) error
}

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	store store.Store
	rooms *RoomService
	hub   Broadcaster
	now   func() time.Time
}

func NewMessageService(st store.Store, rooms *RoomService, hub Broadcaster) *MessageService {
	return &MessageService{store: st, rooms: rooms, hub: hub, now: time.Now}
}

// History 分页查询房间消息，按 (createdAt, chat_id) 升序返回。
func (s *MessageService) History(ctx context.Context, userID, roomID string, q store.ChatQuery) ([]models.Chat, error) {
	if err := s.rooms.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > maxHistoryLimit {
		q.Limit = defaultHistoryLimit
	}
	records, err := s.store.ListChats(ctx, roomID, q)
	if err != nil {
		return nil, err
	}
	users, err := s.resolveUsers(ctx, records)
	if err != nil {
		return nil, err
	}
	out := make([]models.Chat, 0, len(records))
	for _, r := range records {
		out = append(out, chatOf(r, users))
	}
	return out, nil
}

// Send 持久化消息后广播 chat 事件。广播失败只记录日志。
func (s *MessageService) Send(ctx context.Context, userID, roomID string, req models.SendChatRequest) (models.Chat, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Files) == 0 {
		return models.Chat{}, ErrEmptyMessage
	}
	if err := s.rooms.requireMember(ctx, roomID, userID); err != nil {
		return models.Chat{}, err
	}
	rec := models.ChatRecord{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  userID,
		Content:   req.Content,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	for _, f := range req.Files {
		rec.Files = append(rec.Files, models.ChatFile{Path: f})
	}
	if err := s.store.CreateChat(ctx, &rec); err != nil {
		return models.Chat{}, err
	}
	metrics.ChatMessagesTotal.Inc()

	users, err := s.store.UsersByIDs(ctx, []string{userID})
	if err != nil {
		return models.Chat{}, err
	}
	chat := chatOf(rec, users)
	if err := s.hub.Broadcast(roomID, "chat", chat); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Str("chat_id", chat.ChatID).Msg("broadcast chat")
	}
	return chat, nil
}

// resolveUsers 批量获取消息涉及的发送者。
func (s *MessageService) resolveUsers(ctx context.Context, records []models.ChatRecord) (map[string]models.User, error) {
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.SenderID]; ok {
			continue
		}
		seen[r.SenderID] = struct{}{}
		ids = append(ids, r.SenderID)
	}
	return s.store.UsersByIDs(ctx, ids)
}

func chatOf(r models.ChatRecord, users map[string]models.User) models.Chat {
	files := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		files = append(files, f.Path)
	}
	sender := models.Participant{UserID: r.SenderID}
	if u, ok := users[r.SenderID]; ok {
		sender = participantOf(u)
	}
	return models.Chat{
		ChatID:    r.ID,
		RoomID:    r.RoomID,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Sender:    sender,
		Files:     files,
	}
}
