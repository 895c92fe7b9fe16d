package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coolvibeclub/internal/auth"
	"coolvibeclub/internal/models"
	"coolvibeclub/internal/service"
	"coolvibeclub/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	roomSvc *service.RoomService
	msgSvc  *service.MessageService
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc}
}

// respondError 把业务错误映射为状态码；未知错误记录日志并返回 500。
func respondError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidEmail), errors.Is(err, service.ErrSelfChat), errors.Is(err, service.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrInvalidRefreshToken):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrNotMember):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrRoomNotFound), errors.Is(err, service.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrEmailTaken):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Msg(op)
		c.JSON(status, gin.H{"error": op + " failed"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badPayload(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// Join 处理用户注册请求。
func (h *Handler) Join(c *gin.Context) {
	var req models.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, "invalid payload")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Nick = strings.TrimSpace(req.Nick)
	if req.Email == "" || req.Password == "" || req.Nick == "" {
		badPayload(c, "invalid payload")
		return
	}
	if len(req.Nick) > 64 {
		badPayload(c, "invalid nick")
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 72 {
		badPayload(c, "invalid password")
		return
	}
	profile, err := h.userSvc.Join(c.Request.Context(), req)
	if err != nil {
		respondError(c, "join", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// ValidateEmail 检查邮箱是否可用于注册。
func (h *Handler) ValidateEmail(c *gin.Context) {
	var req models.EmailValidationRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		badPayload(c, "invalid payload")
		return
	}
	if err := h.userSvc.ValidateEmail(c.Request.Context(), req.Email); err != nil {
		respondError(c, "validate email", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "available"})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, "invalid payload")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		badPayload(c, "invalid payload")
		return
	}
	resp, err := h.userSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RefreshToken 处理令牌刷新请求，旧 refresh token 随即失效。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badPayload(c, "invalid payload")
		return
	}
	tokens, err := h.userSvc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if !errors.Is(err, service.ErrInvalidRefreshToken) {
			log.Warn().Err(err).Msg("refresh token")
		}
		respondError(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (h *Handler) MyProfile(c *gin.Context) {
	profile, err := h.userSvc.Profile(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, "profile", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// CreateRoom 创建或查找与对方的私信房间。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OpponentID) == "" {
		badPayload(c, "invalid payload")
		return
	}
	room, err := h.roomSvc.CreateOrFind(c.Request.Context(), auth.GetUserID(c), strings.TrimSpace(req.OpponentID))
	if err != nil {
		respondError(c, "create room", err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, "list rooms", err)
		return
	}
	c.JSON(http.StatusOK, models.RoomList{Data: rooms})
}

func parseCursor(c *gin.Context, key string) (time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ListMessages 返回房间历史。cursor_date 取严格晚于该时间的消息，before 取严格早于该时间的消息；
// 附带 cursor_id / before_id 时按 (createdAt, chat_id) 复合游标比较。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID := c.Param("room_id")
	after, ok := parseCursor(c, "cursor_date")
	if !ok {
		badPayload(c, "invalid cursor_date")
		return
	}
	before, ok := parseCursor(c, "before")
	if !ok {
		badPayload(c, "invalid before")
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badPayload(c, "invalid limit")
			return
		}
		limit = n
	}
	chats, err := h.msgSvc.History(c.Request.Context(), auth.GetUserID(c), roomID, store.ChatQuery{
		After:    after,
		AfterID:  c.Query("cursor_id"),
		Before:   before,
		BeforeID: c.Query("before_id"),
		Limit:    limit,
	})
	if err != nil {
		respondError(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, models.ChatList{Data: chats})
}

// SendMessage 持久化消息并广播到房间命名空间。
func (h *Handler) SendMessage(c *gin.Context) {
	var req models.SendChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, "invalid payload")
		return
	}
	if len(req.Content) > 4000 || len(req.Files) > 10 {
		badPayload(c, "message too large")
		return
	}
	chat, err := h.msgSvc.Send(c.Request.Context(), auth.GetUserID(c), c.Param("room_id"), req)
	if err != nil {
		respondError(c, "send message", err)
		return
	}
	c.JSON(http.StatusOK, chat)
}
