// Package session 是“用户是否登录、持有哪组令牌”的唯一可信来源。
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coolvibeclub/internal/apperr"
	"coolvibeclub/internal/credstore"
	"coolvibeclub/internal/metrics"
	"coolvibeclub/internal/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInvalidCredential = errors.New("session: credential requires an access token")
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrNotAuthenticated  = errors.New("session: not authenticated")
)

const defaultRefreshTimeout = 15 * time.Second

// Authenticator 负责与校验、刷新接口通信，由请求管线的 TokenClient 实现。
type Authenticator interface {
	Validate(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (models.Tokens, error)
}

type Option func(*Manager)

// WithRefreshTimeout 设置单次刷新请求的超时。
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// Manager 管理认证生命周期：凭证存储、登录、登出、自动刷新与状态广播。
type Manager struct {
	secure         credstore.SecureStore
	flag           credstore.FlagStore
	auth           Authenticator
	refreshTimeout time.Duration

	// mu 保护 state 以及安全存储中的凭证对，保证读者看不到半更新的令牌。
	mu    sync.RWMutex
	state State

	flight singleflight.Group
	events *hub
}

func NewManager(secure credstore.SecureStore, flag credstore.FlagStore, auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		secure:         secure,
		flag:           flag,
		auth:           auth,
		refreshTimeout: defaultRefreshTimeout,
		state:          State{Kind: NotChecked},
		events:         newHub(defaultSubscriberBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe 订阅状态变化与登出通知。
func (m *Manager) Subscribe() *Subscription { return m.events.add() }

// Credential 从安全存储读取当前凭证。
func (m *Manager) Credential() (models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readCredential()
}

// AccessToken 返回当前 access token；标记为已登录却读不到令牌时自愈标记。
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	token, err := m.secure.Read(credstore.KeyAccessToken)
	m.mu.RUnlock()
	if err != nil {
		log.Warn().Err(err).Msg("read access token")
		return ""
	}
	if token == "" {
		m.healFlag()
	}
	return token
}

// Login 持久化凭证并进入 Authenticated。本身不发起网络请求。
func (m *Manager) Login(cred models.Credential) error {
	if !cred.Valid() {
		return ErrInvalidCredential
	}
	m.mu.Lock()
	from := m.state.Kind
	if !allowed(from, Authenticated) {
		m.mu.Unlock()
		return fmt.Errorf("%w: login from %s", ErrInvalidTransition, from)
	}
	if err := m.writeCredential(cred); err != nil {
		m.clearStorage()
		m.mu.Unlock()
		return err
	}
	// 先写令牌再置标记，保证标记为真时令牌一定存在。
	if err := m.flag.SetLoggedIn(true); err != nil {
		m.clearStorage()
		m.mu.Unlock()
		return fmt.Errorf("session: set login flag: %w", err)
	}
	m.state = State{Kind: Authenticated, Credential: cred}
	m.mu.Unlock()

	m.transitioned(from, State{Kind: Authenticated, Credential: cred}, "login")
	return nil
}

// Logout 用户主动登出。
func (m *Manager) Logout() error { return m.ForceLogout("user logout") }

// ForceLogout 清空凭证与标记，进入 Unauthenticated 并广播登出通知。
func (m *Manager) ForceLogout(reason string) error {
	m.mu.Lock()
	from := m.state.Kind
	err := m.clearStorage()
	m.state = State{Kind: Unauthenticated}
	m.mu.Unlock()

	if from == Unauthenticated {
		return err
	}
	log.Info().Str("reason", reason).Str("from", from.String()).Msg("session logged out")
	m.transitioned(from, State{Kind: Unauthenticated}, reason)
	m.events.publish(Event{Type: LoggedOut, State: State{Kind: Unauthenticated}, Reason: reason})
	return err
}

// UpdateTokens 原子地替换 access/refresh 令牌对。
func (m *Manager) UpdateTokens(tokens models.Tokens) error {
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return ErrInvalidCredential
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind == Unauthenticated {
		return ErrNotAuthenticated
	}
	old, err := m.readCredential()
	if err != nil {
		return err
	}
	next := models.Credential{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken, UserID: old.UserID}
	if err := m.writeCredential(next); err != nil {
		if rbErr := m.writeCredential(old); rbErr != nil {
			log.Error().Err(rbErr).Msg("restore credential after failed token update")
		}
		return err
	}
	if m.state.Kind == Authenticated {
		m.state.Credential = next
	}
	return nil
}

// CheckAutoLogin 冷启动时决定会话状态。并发调用合并为同一次检查。
func (m *Manager) CheckAutoLogin(ctx context.Context) State {
	if s := m.State(); s.Kind != NotChecked && s.Kind != CheckingToken {
		return s
	}
	v, _, _ := m.flight.Do("auto-login", func() (any, error) {
		return m.checkAutoLogin(ctx), nil
	})
	return v.(State)
}

func (m *Manager) checkAutoLogin(ctx context.Context) State {
	m.mu.Lock()
	if m.state.Kind != NotChecked {
		s := m.state
		m.mu.Unlock()
		return s
	}
	m.state = State{Kind: CheckingToken}
	m.mu.Unlock()
	m.transitioned(NotChecked, State{Kind: CheckingToken}, "auto-login")

	// 常见的未登录场景不读安全存储，也不发网络请求。
	if !m.flag.LoggedIn() {
		return m.finishCheck(State{Kind: Unauthenticated}, false, "no saved session")
	}
	cred, err := m.Credential()
	if err != nil || !cred.Valid() {
		if err != nil {
			log.Warn().Err(err).Msg("read saved credential")
		}
		m.healFlag()
		return m.finishCheck(State{Kind: Unauthenticated}, true, "saved credential missing")
	}

	err = m.auth.Validate(ctx, cred.AccessToken)
	switch {
	case err == nil:
		return m.finishCheck(State{Kind: Authenticated, Credential: cred}, false, "token valid")
	case apperr.Is(err, apperr.AuthenticationExpired):
		if _, rerr := m.RefreshAfter(ctx, cred.AccessToken); rerr != nil {
			if apperr.Is(rerr, apperr.AuthenticationInvalid) {
				// RefreshAfter 已经执行了强制登出。
				return m.State()
			}
			log.Warn().Err(rerr).Msg("auto-login refresh failed, keeping saved session")
			return m.finishCheck(State{Kind: Authenticated, Credential: cred}, false, "refresh unavailable")
		}
		fresh, err := m.Credential()
		if err != nil || !fresh.Valid() {
			return m.finishCheck(State{Kind: Unauthenticated}, true, "credential lost after refresh")
		}
		return m.finishCheck(State{Kind: Authenticated, Credential: fresh}, false, "token refreshed")
	default:
		// 网络不可达或服务端故障不是令牌问题，保留已保存的会话。
		log.Warn().Err(err).Str("kind", apperr.KindOf(err).String()).Msg("auto-login validation failed, keeping saved session")
		return m.finishCheck(State{Kind: Authenticated, Credential: cred}, false, "validation unavailable")
	}
}

func (m *Manager) finishCheck(next State, wipe bool, reason string) State {
	m.mu.Lock()
	from := m.state.Kind
	if from != CheckingToken {
		s := m.state
		m.mu.Unlock()
		return s
	}
	if wipe {
		if err := m.clearStorage(); err != nil {
			log.Warn().Err(err).Msg("clear credential")
		}
	}
	m.state = next
	m.mu.Unlock()
	m.transitioned(from, next, reason)
	return next
}

// RefreshAfter 在 staleToken 被服务端拒绝后执行一次协调刷新，返回可用的新 access token。
// 并发调用合并到同一次刷新；若令牌已被其他请求刷新，直接返回当前令牌而不再发请求。
// 刷新被拒绝时强制登出；网络失败时保留令牌并返回错误。
func (m *Manager) RefreshAfter(ctx context.Context, staleToken string) (string, error) {
	v, err, shared := m.flight.Do("refresh", func() (any, error) {
		return m.refresh(ctx, staleToken)
	})
	if shared {
		log.Debug().Msg("joined in-flight token refresh")
	}
	if err != nil {
		if cur := m.currentAccessToken(); cur != "" && cur != staleToken && !apperr.Is(err, apperr.AuthenticationInvalid) {
			return cur, nil
		}
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, staleToken string) (string, error) {
	cred, err := m.Credential()
	if err != nil {
		return "", err
	}
	if !cred.Valid() {
		return "", &apperr.Error{Kind: apperr.AuthenticationInvalid, Message: "no active session"}
	}
	if cred.AccessToken != staleToken {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		m.ForceLogout("refresh token missing")
		return "", &apperr.Error{Kind: apperr.AuthenticationInvalid, Message: "refresh token missing"}
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
	defer cancel()

	// 共享存储上其他进程可能正在轮换同一个 refresh token：先跨进程加锁，再复查存储。
	if l, ok := m.secure.(credstore.Locker); ok {
		unlock, err := l.Lock(rctx, "refresh", m.refreshTimeout)
		if err != nil {
			metrics.SessionRefreshes.WithLabelValues("failed").Inc()
			return "", fmt.Errorf("session: refresh lock: %w", err)
		}
		defer unlock()
		if token, ok := m.rotatedElsewhere(staleToken); ok {
			metrics.SessionRefreshes.WithLabelValues("shared").Inc()
			return token, nil
		}
		if cred, err = m.Credential(); err != nil {
			return "", err
		}
	}

	tokens, err := m.auth.Refresh(rctx, cred.RefreshToken)
	if err != nil {
		if apperr.Is(err, apperr.AuthenticationInvalid) {
			if token, ok := m.rotatedElsewhere(staleToken); ok {
				log.Info().Msg("refresh token already rotated by another client")
				metrics.SessionRefreshes.WithLabelValues("shared").Inc()
				return token, nil
			}
			metrics.SessionRefreshes.WithLabelValues("rejected").Inc()
			m.ForceLogout("refresh rejected")
			return "", err
		}
		metrics.SessionRefreshes.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("kind", apperr.KindOf(err).String()).Msg("token refresh failed")
		return "", err
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		metrics.SessionRefreshes.WithLabelValues("failed").Inc()
		return "", apperr.DecodingError(errors.New("refresh response missing tokens"))
	}
	if err := m.UpdateTokens(tokens); err != nil {
		metrics.SessionRefreshes.WithLabelValues("failed").Inc()
		return "", err
	}
	metrics.SessionRefreshes.WithLabelValues("ok").Inc()
	log.Info().Msg("token refreshed")
	return tokens.AccessToken, nil
}

// rotatedElsewhere 复查存储：access token 已不是 staleToken 时采用存储中的凭证。
func (m *Manager) rotatedElsewhere(staleToken string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, err := m.readCredential()
	if err != nil || !cred.Valid() || cred.AccessToken == staleToken {
		return "", false
	}
	if m.state.Kind == Authenticated {
		m.state.Credential = cred
	}
	return cred.AccessToken, true
}

func (m *Manager) currentAccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, _ := m.secure.Read(credstore.KeyAccessToken)
	return token
}

// readCredential 需在持有 mu 时调用。
func (m *Manager) readCredential() (models.Credential, error) {
	var cred models.Credential
	var err error
	if cred.AccessToken, err = m.secure.Read(credstore.KeyAccessToken); err != nil {
		return cred, err
	}
	if cred.RefreshToken, err = m.secure.Read(credstore.KeyRefreshToken); err != nil {
		return cred, err
	}
	if cred.UserID, err = m.secure.Read(credstore.KeyUserID); err != nil {
		return cred, err
	}
	return cred, nil
}

// writeCredential 需在持有 mu 写锁时调用。
func (m *Manager) writeCredential(cred models.Credential) error {
	if err := m.secure.Save(credstore.KeyAccessToken, cred.AccessToken); err != nil {
		return fmt.Errorf("session: save access token: %w", err)
	}
	if err := m.secure.Save(credstore.KeyRefreshToken, cred.RefreshToken); err != nil {
		return fmt.Errorf("session: save refresh token: %w", err)
	}
	if err := m.secure.Save(credstore.KeyUserID, cred.UserID); err != nil {
		return fmt.Errorf("session: save user id: %w", err)
	}
	return nil
}

// clearStorage 先清标记再删令牌，需在持有 mu 写锁时调用。
func (m *Manager) clearStorage() error {
	var errs []error
	if err := m.flag.SetLoggedIn(false); err != nil {
		errs = append(errs, err)
	}
	for _, key := range credstore.AllKeys {
		if err := m.secure.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) healFlag() {
	if !m.flag.LoggedIn() {
		return
	}
	log.Warn().Msg("login flag set without stored token, resetting flag")
	if err := m.flag.SetLoggedIn(false); err != nil {
		log.Error().Err(err).Msg("reset login flag")
	}
}

func (m *Manager) transitioned(from StateKind, s State, reason string) {
	metrics.SessionTransitions.WithLabelValues(s.Kind.String()).Inc()
	log.Debug().Str("from", from.String()).Str("to", s.Kind.String()).Str("reason", reason).Msg("session state")
	m.events.publish(Event{Type: StateChanged, State: s, Reason: reason})
}
