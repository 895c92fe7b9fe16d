package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"coolvibeclub/internal/apperr"
	"coolvibeclub/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid token")
)

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func GenerateAccessToken(userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAccessToken 校验签名与有效期。过期返回 ErrTokenExpired，其余失败返回 ErrTokenInvalid。
func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, ErrTokenInvalid
}

func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// BearerToken 从 Authorization 头读取令牌，websocket 握手也允许 token 查询参数。
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}

// UserLookup 按 ID 读取用户。
type UserLookup interface {
	UserByID(ctx context.Context, id string) (models.User, error)
}

// Authenticate 解析令牌并加载用户，返回应答使用的状态码：缺失或非法 401，过期 419。
func Authenticate(r *http.Request, secret string, users UserLookup) (models.User, int, error) {
	tokenStr := BearerToken(r)
	if tokenStr == "" {
		return models.User{}, http.StatusUnauthorized, errors.New("missing bearer token")
	}
	claims, err := ParseAccessToken(tokenStr, secret)
	if errors.Is(err, ErrTokenExpired) {
		return models.User{}, apperr.StatusAuthTimeout, err
	}
	if err != nil {
		return models.User{}, http.StatusUnauthorized, err
	}
	user, err := users.UserByID(r.Context(), claims.UserID)
	if err != nil {
		return models.User{}, http.StatusUnauthorized, errors.New("user not found")
	}
	return user, http.StatusOK, nil
}

func AuthMiddleware(secret string, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, status, err := Authenticate(c.Request, secret, users)
		if err != nil {
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}
