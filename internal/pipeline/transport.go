package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coolvibeclub/internal/apperr"
	"coolvibeclub/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 8 << 20

// Request 描述一次 API 调用，Path 相对于 BaseURL。
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
}

// Response 是未解码的响应。
type Response struct {
	Status int
	Body   []byte
}

// transport 负责把 Request 变成 HTTP 调用，不做任何令牌处理。
type transport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newTransport(cfg Config) transport {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return transport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: hc,
	}
}

// send 发出请求；token 非空时附带 Authorization。网络失败映射为 NetworkUnreachable。
func (t transport) send(ctx context.Context, r Request, token string) (Response, error) {
	var body io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return Response{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	target := t.baseURL + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return Response{}, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.apiKey != "" {
		req.Header.Set("X-Api-Key", t.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-Id", requestID)

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	metrics.PipelineDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineRequests.WithLabelValues(r.Method, "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		log.Debug().Err(err).Str("path", r.Path).Str("request_id", requestID).Msg("request failed")
		return Response{}, apperr.Network(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.PipelineRequests.WithLabelValues(r.Method, "error").Inc()
		return Response{}, apperr.Network(err)
	}
	metrics.PipelineRequests.WithLabelValues(r.Method, strconv.Itoa(resp.StatusCode)).Inc()
	log.Debug().
		Str("method", r.Method).
		Str("path", r.Path).
		Int("status", resp.StatusCode).
		Str("request_id", requestID).
		Dur("elapsed", time.Since(start)).
		Msg("api request")
	return Response{Status: resp.StatusCode, Body: data}, nil
}

// Decode 把成功响应解码到 out，失败响应映射为 apperr.Error。
func (r Response) Decode(out any) error {
	if r.Status >= 400 {
		return apperr.FromStatus(r.Status, errorMessage(r.Body))
	}
	if out == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return apperr.DecodingError(err)
	}
	return nil
}

// errorMessage 提取服务端错误提示，兼容 {"message"} 与 {"error"} 两种形态。
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == apperr.StatusAuthTimeout
}

var errNoRefreshToken = errors.New("refresh token is empty")
