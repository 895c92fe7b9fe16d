package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"coolvibeclub/internal/auth"
	"coolvibeclub/internal/config"
	"coolvibeclub/internal/models"
	"coolvibeclub/internal/store"

	"github.com/google/uuid"
)

// UserService 封装用户与令牌相关的业务逻辑。
type UserService struct {
	store store.Store
	cfg   config.Config
}

func NewUserService(st store.Store, cfg config.Config) *UserService {
	return &UserService{store: st, cfg: cfg}
}

func (s *UserService) accessTTL() time.Duration {
	return time.Duration(s.cfg.AccessTokenTTLMinutes) * time.Minute
}

func (s *UserService) refreshExpiry() time.Time {
	return time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// ValidateEmail 检查邮箱格式以及是否已被注册。
func (s *UserService) ValidateEmail(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !validEmail(email) {
		return ErrInvalidEmail
	}
	_, err := s.store.UserByEmail(ctx, email)
	switch {
	case err == nil:
		return ErrEmailTaken
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return err
	}
}

// Join 注册新用户。
func (s *UserService) Join(ctx context.Context, req models.JoinRequest) (models.Profile, error) {
	if err := s.ValidateEmail(ctx, req.Email); err != nil {
		return models.Profile{}, err
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return models.Profile{}, err
	}
	user := models.User{ID: uuid.NewString(), Email: req.Email, Nick: strings.TrimSpace(req.Nick), PasswordHash: hash}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.Profile{}, ErrEmailTaken
		}
		return models.Profile{}, err
	}
	return profileOf(user), nil
}

// Login 校验邮箱密码并签发令牌对。
func (s *UserService) Login(ctx context.Context, email, password string) (models.LoginResponse, error) {
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.LoginResponse{}, ErrInvalidCredentials
		}
		return models.LoginResponse{}, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return models.LoginResponse{}, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.accessTTL())
	if err != nil {
		return models.LoginResponse{}, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return models.LoginResponse{}, err
	}
	if err := s.store.SaveRefreshToken(ctx, &models.RefreshToken{UserID: user.ID, Token: rt, ExpiresAt: s.refreshExpiry()}); err != nil {
		return models.LoginResponse{}, err
	}
	return models.LoginResponse{
		UserID:       user.ID,
		Email:        user.Email,
		Nick:         user.Nick,
		ProfileImage: user.ProfileImage,
		AccessToken:  at,
		RefreshToken: rt,
	}, nil
}

// Refresh 验证旧 refresh token 并签发新令牌对（旋转刷新）。
func (s *UserService) Refresh(ctx context.Context, oldRT string) (models.Tokens, error) {
	newRT, err := auth.GenerateRefreshToken()
	if err != nil {
		return models.Tokens{}, err
	}
	userID, err := s.store.RotateRefreshToken(ctx, oldRT, &models.RefreshToken{Token: newRT, ExpiresAt: s.refreshExpiry()})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Tokens{}, ErrInvalidRefreshToken
		}
		return models.Tokens{}, err
	}
	at, err := auth.GenerateAccessToken(userID, s.cfg.JWTSecret, s.accessTTL())
	if err != nil {
		return models.Tokens{}, err
	}
	return models.Tokens{AccessToken: at, RefreshToken: newRT}, nil
}

func (s *UserService) Profile(ctx context.Context, userID string) (models.Profile, error) {
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Profile{}, ErrUserNotFound
		}
		return models.Profile{}, err
	}
	return profileOf(user), nil
}

func profileOf(u models.User) models.Profile {
	return models.Profile{UserID: u.ID, Email: u.Email, Nick: u.Nick, ProfileImage: u.ProfileImage}
}

func participantOf(u models.User) models.Participant {
	return models.Participant{UserID: u.ID, Nick: u.Nick, ProfileImage: u.ProfileImage}
}
