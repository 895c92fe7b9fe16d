package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidEmail        = errors.New("invalid email")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUserNotFound        = errors.New("user not found")
	ErrRoomNotFound        = errors.New("room not found")
	ErrNotMember           = errors.New("not a member of this room")
	ErrSelfChat            = errors.New("cannot open a room with yourself")
	ErrEmptyMessage        = errors.New("message has no content or files")
)
