package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"coolvibeclub/internal/models"
)

// Memory 是进程内 Store，用于开发和测试。
type Memory struct {
	mu      sync.RWMutex
	users   map[string]models.User
	byEmail map[string]string
	tokens  map[string]models.RefreshToken
	rooms   map[string]models.Room
	byPair  map[string]string
	members map[string][]string
	chats   map[string][]models.ChatRecord
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]models.User),
		byEmail: make(map[string]string),
		tokens:  make(map[string]models.RefreshToken),
		rooms:   make(map[string]models.Room),
		byPair:  make(map[string]string),
		members: make(map[string][]string),
		chats:   make(map[string][]models.ChatRecord),
		now:     time.Now,
	}
}

func (m *Memory) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(u.Email)
	if _, ok := m.byEmail[email]; ok {
		return ErrConflict
	}
	if _, ok := m.users[u.ID]; ok {
		return ErrConflict
	}
	now := m.now()
	u.Email = email
	u.CreatedAt, u.UpdatedAt = now, now
	m.users[u.ID] = *u
	m.byEmail[email] = u.ID
	return nil
}

func (m *Memory) UserByID(ctx context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) UserByEmail(ctx context.Context, email string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *Memory) UsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (m *Memory) SaveRefreshToken(ctx context.Context, rt *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[rt.Token]; ok {
		return ErrConflict
	}
	rt.CreatedAt = m.now()
	m.tokens[rt.Token] = *rt
	return nil
}

func (m *Memory) RotateRefreshToken(ctx context.Context, old string, next *models.RefreshToken) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec, ok := m.tokens[old]
	if !ok || rec.RevokedAt != nil || !rec.ExpiresAt.After(now) {
		return "", ErrNotFound
	}
	if _, dup := m.tokens[next.Token]; dup {
		return "", ErrConflict
	}
	rec.RevokedAt = &now
	m.tokens[old] = rec
	next.UserID = rec.UserID
	next.CreatedAt = now
	m.tokens[next.Token] = *next
	return rec.UserID, nil
}

func (m *Memory) FindOrCreateRoom(ctx context.Context, room models.Room, memberIDs []string) (models.Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPair[room.PairKey]; ok {
		return m.rooms[id], false, nil
	}
	now := m.now()
	room.CreatedAt, room.UpdatedAt = now, now
	m.rooms[room.ID] = room
	m.byPair[room.PairKey] = room.ID
	m.members[room.ID] = append([]string(nil), memberIDs...)
	return room, true, nil
}

func (m *Memory) RoomByID(ctx context.Context, id string) (models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.members[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), ids...), nil
}

func (m *Memory) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Room
	for roomID, ids := range m.members {
		for _, id := range ids {
			if id == userID {
				out = append(out, m.rooms[roomID])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) CreateChat(ctx context.Context, c *models.ChatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[c.RoomID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	for i := range c.Files {
		c.Files[i].ChatID = c.ID
		c.Files[i].Position = i
	}
	m.chats[c.RoomID] = append(m.chats[c.RoomID], *c)
	room.UpdatedAt = c.CreatedAt
	m.rooms[c.RoomID] = room
	return nil
}

func (m *Memory) ListChats(ctx context.Context, roomID string, q ChatQuery) ([]models.ChatRecord, error) {
	m.mu.RLock()
	all := append([]models.ChatRecord(nil), m.chats[roomID]...)
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return chatRecordLess(all[i], all[j]) })
	out := all[:0]
	for _, c := range all {
		if q.Contains(c) {
			out = append(out, c)
		}
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

func (m *Memory) LastChat(ctx context.Context, roomID string) (*models.ChatRecord, error) {
	chats, err := m.ListChats(ctx, roomID, ChatQuery{Limit: 1})
	if err != nil || len(chats) == 0 {
		return nil, err
	}
	return &chats[0], nil
}
