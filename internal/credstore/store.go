// Package credstore 提供凭证的安全存储（钥匙串等价物）以及快速登录标记。
package credstore

import (
	"context"
	"errors"
	"time"
)

// Key 是安全存储中的命名槽位。
type Key string

const (
	KeyAccessToken  Key = "accessToken"
	KeyRefreshToken Key = "refreshToken"
	KeyUserID       Key = "userId"
)

// AllKeys 列出会话使用的全部槽位，登出时逐一删除。
var AllKeys = []Key{KeyAccessToken, KeyRefreshToken, KeyUserID}

var ErrEmptyKey = errors.New("credstore: empty key")

// SecureStore 保存敏感凭证。写入失败必须返回错误；读取不存在的键返回空串而不是错误。
type SecureStore interface {
	Save(key Key, value string) error
	Read(key Key) (string, error)
	Delete(key Key) error
}

// FlagStore 保存“是否已登录”的快速标记，只用于启动时的廉价预检。
type FlagStore interface {
	LoggedIn() bool
	SetLoggedIn(bool) error
}

// Locker 由可被多个进程共享的存储实现，用于跨进程串行化令牌刷新。
// Lock 阻塞直到拿到锁或 ctx 结束；锁在 ttl 后自动过期。
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), err error)
}
