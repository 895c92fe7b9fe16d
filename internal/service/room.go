package service

import (
	"context"
	"errors"

	"coolvibeclub/internal/models"
	"coolvibeclub/internal/store"

	"github.com/google/uuid"
)

// RoomService 封装一对一房间相关的业务逻辑。
type RoomService struct {
	store store.Store
}

func NewRoomService(st store.Store) *RoomService {
	return &RoomService{store: st}
}

// CreateOrFind 返回两人之间唯一的房间，不存在时创建。
func (s *RoomService) CreateOrFind(ctx context.Context, userID, opponentID string) (models.ChatRoom, error) {
	if opponentID == userID {
		return models.ChatRoom{}, ErrSelfChat
	}
	if _, err := s.store.UserByID(ctx, opponentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ChatRoom{}, ErrUserNotFound
		}
		return models.ChatRoom{}, err
	}
	room := models.Room{ID: uuid.NewString(), PairKey: store.PairKey(userID, opponentID)}
	room, _, err := s.store.FindOrCreateRoom(ctx, room, []string{userID, opponentID})
	if err != nil {
		return models.ChatRoom{}, err
	}
	return s.describe(ctx, room)
}

// List 返回用户参与的房间，最近活跃的在前。
func (s *RoomService) List(ctx context.Context, userID string) ([]models.ChatRoom, error) {
	rooms, err := s.store.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChatRoom, 0, len(rooms))
	for _, r := range rooms {
		cr, err := s.describe(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, nil
}

// IsMember 检查用户是否属于房间；房间不存在时返回 false。
func (s *RoomService) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	ids, err := s.store.RoomMembers(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// requireMember 区分房间不存在与无权访问。
func (s *RoomService) requireMember(ctx context.Context, roomID, userID string) error {
	if _, err := s.store.RoomByID(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		return err
	}
	ok, err := s.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

func (s *RoomService) describe(ctx context.Context, room models.Room) (models.ChatRoom, error) {
	ids, err := s.store.RoomMembers(ctx, room.ID)
	if err != nil {
		return models.ChatRoom{}, err
	}
	users, err := s.store.UsersByIDs(ctx, ids)
	if err != nil {
		return models.ChatRoom{}, err
	}
	out := models.ChatRoom{RoomID: room.ID, CreatedAt: room.CreatedAt, UpdatedAt: room.UpdatedAt, Participants: make([]models.Participant, 0, len(ids))}
	for _, id := range ids {
		if u, ok := users[id]; ok {
			out.Participants = append(out.Participants, participantOf(u))
		}
	}
	last, err := s.store.LastChat(ctx, room.ID)
	if err != nil {
		return models.ChatRoom{}, err
	}
	if last != nil {
		chat := chatOf(*last, users)
		out.LastChat = &chat
	}
	return out, nil
}
