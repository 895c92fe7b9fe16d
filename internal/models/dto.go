package models

import (
	"sort"
	"time"
)

// 以下为 REST / 实时通道共用的线上格式。标识符字段使用 snake_case，其余字段使用 camelCase。

// Credential 是登录会话持有的凭证。
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"user_id"`
}

// Valid 当 access token 非空时为 true。
func (c Credential) Valid() bool { return c.AccessToken != "" }

// Tokens 是刷新接口的响应。
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type JoinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Nick     string `json:"nick"`
}

type SocialLoginRequest struct {
	OAuthToken  string `json:"oauthToken"`
	DeviceToken string `json:"deviceToken,omitempty"`
}

type EmailValidationRequest struct {
	Email string `json:"email"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LoginResponse struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	Nick         string `json:"nick"`
	ProfileImage string `json:"profileImage,omitempty"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Credential 从登录响应中提取凭证。
func (r LoginResponse) Credential() Credential {
	return Credential{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken, UserID: r.UserID}
}

type Profile struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	Nick         string `json:"nick"`
	ProfileImage string `json:"profileImage,omitempty"`
}

type Participant struct {
	UserID       string `json:"user_id"`
	Nick         string `json:"nick"`
	ProfileImage string `json:"profileImage,omitempty"`
}

type Chat struct {
	ChatID    string      `json:"chat_id"`
	RoomID    string      `json:"room_id"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Sender    Participant `json:"sender"`
	Files     []string    `json:"files"`
}

type ChatRoom struct {
	RoomID       string        `json:"room_id"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Participants []Participant `json:"participants"`
	LastChat     *Chat         `json:"lastChat"`
}

// Opponent 返回房间中除 userID 以外的第一位参与者。
func (r ChatRoom) Opponent(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

type ChatList struct {
	Data []Chat `json:"data"`
}

type RoomList struct {
	Data []ChatRoom `json:"data"`
}

type CreateRoomRequest struct {
	OpponentID string `json:"opponent_id"`
}

type SendChatRequest struct {
	Content string   `json:"content"`
	Files   []string `json:"files"`
}

// ChatLess 定义房间内消息的全序：先按 createdAt，再按 chat_id。
func ChatLess(a, b Chat) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ChatID < b.ChatID
}

// SortChats 原地按 ChatLess 排序。
func SortChats(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool { return ChatLess(chats[i], chats[j]) })
}
