// Package restapi 在请求管线之上提供带类型的 REST 调用。
package restapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"coolvibeclub/internal/models"
	"coolvibeclub/internal/pipeline"
)

const (
	pathChats = "/v1/chats"

	// CursorLayout 是 cursor_date / before 查询参数使用的时间格式。
	CursorLayout = time.RFC3339Nano
)

// Doer 是 pipeline.Client 的最小接口，便于测试替换。
type Doer interface {
	Do(ctx context.Context, req pipeline.Request, out any) error
}

type API struct {
	doer Doer
}

func New(doer Doer) *API { return &API{doer: doer} }

func (a *API) Login(ctx context.Context, email, password string) (models.LoginResponse, error) {
	var resp models.LoginResponse
	err := a.doer.Do(ctx, pipeline.Request{
		Method: http.MethodPost,
		Path:   pipeline.PathLogin,
		Body:   models.LoginRequest{Email: email, Password: password},
	}, &resp)
	return resp, err
}

func (a *API) KakaoLogin(ctx context.Context, oauthToken, deviceToken string) (models.LoginResponse, error) {
	var resp models.LoginResponse
	err := a.doer.Do(ctx, pipeline.Request{
		Method: http.MethodPost,
		Path:   pipeline.PathKakaoLogin,
		Body:   models.SocialLoginRequest{OAuthToken: oauthToken, DeviceToken: deviceToken},
	}, &resp)
	return resp, err
}

func (a *API) Join(ctx context.Context, req models.JoinRequest) (models.Profile, error) {
	var resp models.Profile
	err := a.doer.Do(ctx, pipeline.Request{Method: http.MethodPost, Path: pipeline.PathJoin, Body: req}, &resp)
	return resp, err
}

func (a *API) ValidateEmail(ctx context.Context, email string) error {
	return a.doer.Do(ctx, pipeline.Request{
		Method: http.MethodPost,
		Path:   pipeline.PathEmailValidation,
		Body:   models.EmailValidationRequest{Email: email},
	}, nil)
}

func (a *API) MyProfile(ctx context.Context) (models.Profile, error) {
	var resp models.Profile
	err := a.doer.Do(ctx, pipeline.Request{Method: http.MethodGet, Path: pipeline.PathMyProfile}, &resp)
	return resp, err
}

// CreateOrFindRoom 返回与 opponentID 的私信房间，不存在时由服务端创建。
func (a *API) CreateOrFindRoom(ctx context.Context, opponentID string) (models.ChatRoom, error) {
	var room models.ChatRoom
	err := a.doer.Do(ctx, pipeline.Request{
		Method: http.MethodPost,
		Path:   pathChats,
		Body:   models.CreateRoomRequest{OpponentID: opponentID},
	}, &room)
	return room, err
}

func (a *API) ListRooms(ctx context.Context) ([]models.ChatRoom, error) {
	var list models.RoomList
	if err := a.doer.Do(ctx, pipeline.Request{Method: http.MethodGet, Path: pathChats}, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// HistoryQuery 控制分页：After 返回严格晚于该游标的消息，Before 返回严格早于该游标的消息。
// AfterID/BeforeID 非空时游标为 (createdAt, chat_id)，不会漏掉与游标同一时间戳的消息。
type HistoryQuery struct {
	After    time.Time
	AfterID  string
	Before   time.Time
	BeforeID string
	Limit    int
}

func (q HistoryQuery) values() url.Values {
	v := url.Values{}
	if !q.After.IsZero() {
		v.Set("cursor_date", q.After.UTC().Format(CursorLayout))
		if q.AfterID != "" {
			v.Set("cursor_id", q.AfterID)
		}
	}
	if !q.Before.IsZero() {
		v.Set("before", q.Before.UTC().Format(CursorLayout))
		if q.BeforeID != "" {
			v.Set("before_id", q.BeforeID)
		}
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// History 拉取房间的消息历史，结果按 createdAt、chat_id 排序。
func (a *API) History(ctx context.Context, roomID string, q HistoryQuery) ([]models.Chat, error) {
	var list models.ChatList
	err := a.doer.Do(ctx, pipeline.Request{
		Method: http.MethodGet,
		Path:   pathChats + "/" + url.PathEscape(roomID),
		Query:  q.values(),
	}, &list)
	if err != nil {
		return nil, err
	}
	models.SortChats(list.Data)
	return list.Data, nil
}

// SendChat 通过 REST 持久化一条消息，这是发送的权威路径。
func (a *API) SendChat(ctx context.Context, roomID, content string, files []string) (models.Chat, error) {
	if files == nil {
		files = []string{}
	}
	var chat models.Chat
	err := a.doer.Do(ctx, pipeline.Request{
		Method: http.MethodPost,
		Path:   pathChats + "/" + url.PathEscape(roomID),
		Body:   models.SendChatRequest{Content: content, Files: files},
	}, &chat)
	return chat, err
}
