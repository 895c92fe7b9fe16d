package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"coolvibeclub/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// ChatQuery 描述历史查询窗口。After 与 Before 都是开区间。
// 带上 AfterID/BeforeID 时游标是 (createdAt, id) 复合键，同一时间戳下按 id 继续翻页；
// 不带时只比较时间。
// 设置 After 时返回其后最早的 Limit 条，否则返回窗口内最新的 Limit 条；结果总是升序。
type ChatQuery struct {
	After    time.Time
	AfterID  string
	Before   time.Time
	BeforeID string
	Limit    int
}

// Contains 判断消息是否落在查询窗口内（不考虑 Limit）。
func (q ChatQuery) Contains(c models.ChatRecord) bool {
	if !q.After.IsZero() {
		if q.AfterID == "" {
			if !c.CreatedAt.After(q.After) {
				return false
			}
		} else if !chatRecordLess(models.ChatRecord{CreatedAt: q.After, ID: q.AfterID}, c) {
			return false
		}
	}
	if !q.Before.IsZero() {
		if q.BeforeID == "" {
			if !c.CreatedAt.Before(q.Before) {
				return false
			}
		} else if !chatRecordLess(c, models.ChatRecord{CreatedAt: q.Before, ID: q.BeforeID}) {
			return false
		}
	}
	return true
}

// Store 是参考后端的持久化接口。
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	UserByID(ctx context.Context, id string) (models.User, error)
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error)

	SaveRefreshToken(ctx context.Context, rt *models.RefreshToken) error
	// RotateRefreshToken 原子地校验并吊销旧令牌、保存新令牌，返回令牌所属用户。
	RotateRefreshToken(ctx context.Context, old string, next *models.RefreshToken) (string, error)

	// FindOrCreateRoom 按参与者对查找房间，不存在时以 room.ID 创建。created 表示是否新建。
	FindOrCreateRoom(ctx context.Context, room models.Room, memberIDs []string) (models.Room, bool, error)
	RoomByID(ctx context.Context, id string) (models.Room, error)
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	RoomsForUser(ctx context.Context, userID string) ([]models.Room, error)

	CreateChat(ctx context.Context, c *models.ChatRecord) error
	ListChats(ctx context.Context, roomID string, q ChatQuery) ([]models.ChatRecord, error)
	LastChat(ctx context.Context, roomID string) (*models.ChatRecord, error)
}

// PairKey 返回一对用户的规范化房间键，与参数顺序无关。
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

func chatRecordLess(a, b models.ChatRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }
