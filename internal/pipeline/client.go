// Package pipeline 包装所有出站 API 请求：附加 access token，并在令牌过期时透明地刷新后重试一次。
package pipeline

import (
	"context"
	"net/http"
	"time"

	"coolvibeclub/internal/metrics"

	"github.com/rs/zerolog/log"
)

const (
	PathLogin           = "/v1/users/login"
	PathJoin            = "/v1/users/join"
	PathKakaoLogin      = "/v1/users/login/kakao"
	PathAppleLogin      = "/v1/users/login/apple"
	PathEmailValidation = "/v1/users/validation/email"
	PathRefresh         = "/v1/auth/refresh"
	PathMyProfile       = "/v1/users/me/profile"
)

// DefaultPublicPaths 是不得携带 Authorization 的端点。
var DefaultPublicPaths = []string{
	PathLogin, PathJoin, PathKakaoLogin, PathAppleLogin, PathEmailValidation, PathRefresh,
}

type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	PublicPaths []string
	HTTPClient  *http.Client
}

// TokenSource 是管线对会话管理器的全部依赖。
type TokenSource interface {
	AccessToken() string
	RefreshAfter(ctx context.Context, staleToken string) (string, error)
}

type Client struct {
	transport
	tokens TokenSource
	public map[string]struct{}
}

func New(cfg Config, tokens TokenSource) *Client {
	paths := cfg.PublicPaths
	if paths == nil {
		paths = DefaultPublicPaths
	}
	public := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		public[p] = struct{}{}
	}
	return &Client{transport: newTransport(cfg), tokens: tokens, public: public}
}

func (c *Client) isPublic(path string) bool {
	_, ok := c.public[path]
	return ok
}

// Do 发送请求并把成功响应解码到 out。
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// DoRaw 执行 adapt → send → (401/419 时) 协调刷新 → 仅重试一次。
// 匿名请求遇到 401/419 不刷新也不重试；刷新失败的错误原样返回给调用方。
func (c *Client) DoRaw(ctx context.Context, req Request) (Response, error) {
	public := c.isPublic(req.Path)
	var token string
	if !public {
		token = c.tokens.AccessToken()
	}
	resp, err := c.send(ctx, req, token)
	if err != nil {
		return Response{}, err
	}
	if public || token == "" || !isAuthFailure(resp.Status) {
		return resp, nil
	}

	log.Debug().Str("path", req.Path).Int("status", resp.Status).Msg("access token rejected, refreshing")
	fresh, err := c.tokens.RefreshAfter(ctx, token)
	if err != nil {
		return Response{}, err
	}
	metrics.PipelineRetries.Inc()
	return c.send(ctx, req, fresh)
}
