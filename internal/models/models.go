package models

import "time"

// 以下为参考后端的持久化模型（gorm）。

type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	Nick         string `gorm:"size:64;not null"`
	ProfileImage string `gorm:"size:512"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Room 是一对一私信房间，PairKey 由两位参与者 ID 排序拼接，保证“创建或查找”唯一。
type Room struct {
	ID        string `gorm:"primaryKey;size:36"`
	PairKey   string `gorm:"uniqueIndex;size:80;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RoomMember struct {
	RoomID    string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"primaryKey;size:36;index"`
	CreatedAt time.Time
}

type ChatRecord struct {
	ID        string     `gorm:"primaryKey;size:36"`
	RoomID    string     `gorm:"index:idx_chat_room_created,priority:1;size:36;not null"`
	SenderID  string     `gorm:"size:36;not null"`
	Content   string     `gorm:"type:text"`
	Files     []ChatFile `gorm:"foreignKey:ChatID"`
	CreatedAt time.Time  `gorm:"index:idx_chat_room_created,priority:2"`
	UpdatedAt time.Time
}

type ChatFile struct {
	ID       uint   `gorm:"primaryKey"`
	ChatID   string `gorm:"index;size:36;not null"`
	Position int    `gorm:"not null"`
	Path     string `gorm:"size:512;not null"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    string    `gorm:"index;size:36;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
