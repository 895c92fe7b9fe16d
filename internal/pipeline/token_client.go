package pipeline

import (
	"context"
	"net/http"

	"coolvibeclub/internal/apperr"
	"coolvibeclub/internal/models"
)

// TokenClient 直接使用底层传输访问校验与刷新端点，从不经过 adapt/retry，
// 供 session.Manager 使用。
type TokenClient struct {
	transport
	validatePath string
	refreshPath  string
}

func NewTokenClient(cfg Config) *TokenClient {
	return &TokenClient{transport: newTransport(cfg), validatePath: PathMyProfile, refreshPath: PathRefresh}
}

// Validate 用 access token 拉取个人资料，成功即视为令牌有效。
func (c *TokenClient) Validate(ctx context.Context, accessToken string) error {
	resp, err := c.send(ctx, Request{Method: http.MethodGet, Path: c.validatePath}, accessToken)
	if err != nil {
		return err
	}
	return resp.Decode(nil)
}

// Refresh 用 refresh token 换取新的令牌对；任何非 2xx 都视为 refresh token 失效。
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (models.Tokens, error) {
	if refreshToken == "" {
		return models.Tokens{}, &apperr.Error{Kind: apperr.AuthenticationInvalid, Err: errNoRefreshToken}
	}
	req := Request{Method: http.MethodPost, Path: c.refreshPath, Body: models.RefreshRequest{RefreshToken: refreshToken}}
	resp, err := c.send(ctx, req, "")
	if err != nil {
		return models.Tokens{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return models.Tokens{}, apperr.FromRefreshStatus(resp.Status, errorMessage(resp.Body))
	}
	var tokens models.Tokens
	if err := resp.Decode(&tokens); err != nil {
		return models.Tokens{}, err
	}
	return tokens, nil
}
