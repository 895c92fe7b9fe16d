package store

import (
	"context"
	"errors"
	"time"

	"coolvibeclub/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gorm 是基于 gorm（postgres）的 Store 实现。
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm { return &Gorm{db: db} }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (g *Gorm) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = normalizeEmail(u.Email)
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("email = ?", u.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(u).Error
	})
}

func (g *Gorm) UserByID(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	return u, notFound(err)
}

func (g *Gorm) UserByEmail(ctx context.Context, email string) (models.User, error) {
	var u models.User
	err := g.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&u).Error
	return u, notFound(err)
}

func (g *Gorm) UsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error) {
	out := make(map[string]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := g.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (g *Gorm) SaveRefreshToken(ctx context.Context, rt *models.RefreshToken) error {
	return g.db.WithContext(ctx).Create(rt).Error
}

// RotateRefreshToken 在同一事务内锁定旧令牌行，防止并发刷新重复使用同一令牌。
func (g *Gorm) RotateRefreshToken(ctx context.Context, old string, next *models.RefreshToken) (string, error) {
	var userID string
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.RefreshToken
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ? AND revoked_at IS NULL AND expires_at > ?", old, time.Now()).
			First(&rec).Error
		if err != nil {
			return notFound(err)
		}
		now := time.Now()
		if err := tx.Model(&models.RefreshToken{}).Where("id = ?", rec.ID).Update("revoked_at", &now).Error; err != nil {
			return err
		}
		next.UserID = rec.UserID
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		userID = rec.UserID
		return nil
	})
	return userID, err
}

func (g *Gorm) FindOrCreateRoom(ctx context.Context, room models.Room, memberIDs []string) (models.Room, bool, error) {
	created := false
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "pair_key"}}, DoNothing: true}).Create(&room)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Where("pair_key = ?", room.PairKey).First(&room).Error
		}
		created = true
		members := make([]models.RoomMember, 0, len(memberIDs))
		for _, id := range memberIDs {
			members = append(members, models.RoomMember{RoomID: room.ID, UserID: id})
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return models.Room{}, false, err
	}
	return room, created, nil
}

func (g *Gorm) RoomByID(ctx context.Context, id string) (models.Room, error) {
	var r models.Room
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	return r, notFound(err)
}

func (g *Gorm) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	if err := g.db.WithContext(ctx).Model(&models.RoomMember{}).Where("room_id = ?", roomID).Order("created_at").Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return ids, nil
}

func (g *Gorm) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := g.db.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("rooms.updated_at desc").
		Find(&rooms).Error
	return rooms, err
}

func (g *Gorm) CreateChat(ctx context.Context, c *models.ChatRecord) error {
	for i := range c.Files {
		c.Files[i].ChatID = c.ID
		c.Files[i].Position = i
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		return tx.Model(&models.Room{}).Where("id = ?", c.RoomID).Update("updated_at", c.CreatedAt).Error
	})
}

func (g *Gorm) ListChats(ctx context.Context, roomID string, q ChatQuery) ([]models.ChatRecord, error) {
	tx := g.db.WithContext(ctx).Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("room_id = ?", roomID)
	switch {
	case !q.After.IsZero() && q.AfterID != "":
		tx = tx.Where(`(created_at > ? OR (created_at = ? AND id COLLATE "C" > ?))`, q.After, q.After, q.AfterID)
	case !q.After.IsZero():
		tx = tx.Where("created_at > ?", q.After)
	}
	switch {
	case !q.Before.IsZero() && q.BeforeID != "":
		tx = tx.Where(`(created_at < ? OR (created_at = ? AND id COLLATE "C" < ?))`, q.Before, q.Before, q.BeforeID)
	case !q.Before.IsZero():
		tx = tx.Where("created_at < ?", q.Before)
	}
	ascending := !q.After.IsZero()
	if ascending {
		tx = tx.Order(`created_at asc, id COLLATE "C" asc`)
	} else {
		tx = tx.Order(`created_at desc, id COLLATE "C" desc`)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var chats []models.ChatRecord
	if err := tx.Find(&chats).Error; err != nil {
		return nil, err
	}
	if !ascending {
		for i, j := 0, len(chats)-1; i < j; i, j = i+1, j-1 {
			chats[i], chats[j] = chats[j], chats[i]
		}
	}
	return chats, nil
}

func (g *Gorm) LastChat(ctx context.Context, roomID string) (*models.ChatRecord, error) {
	chats, err := g.ListChats(ctx, roomID, ChatQuery{Limit: 1})
	if err != nil || len(chats) == 0 {
		return nil, err
	}
	return &chats[0], nil
}
