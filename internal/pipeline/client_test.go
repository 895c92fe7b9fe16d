package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coolvibeclub/internal/apperr"
	"coolvibeclub/internal/credstore"
	"coolvibeclub/internal/models"
	"coolvibeclub/internal/session"
)

// fakeAPI 模拟后端：只接受 currentToken，刷新接口按 refreshStatus 响应。
type fakeAPI struct {
	mu            sync.Mutex
	currentToken  string
	refreshStatus int
	refreshDelay  time.Duration
	dropRefresh   bool
	alwaysExpire  bool

	refreshCalls atomic.Int32
	authHeaders  sync.Map // path -> last Authorization header
	seenTokens   sync.Map // request id -> token
	retried      atomic.Int32
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathRefresh, func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		f.authHeaders.Store(r.URL.Path, r.Header.Get("Authorization"))
		if f.refreshDelay > 0 {
			time.Sleep(f.refreshDelay)
		}
		if f.dropRefresh {
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		if f.refreshStatus != 0 && f.refreshStatus != http.StatusOK {
			w.WriteHeader(f.refreshStatus)
			_, _ = w.Write([]byte(`{"message":"refresh rejected"}`))
			return
		}
		var req models.RefreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != "rt-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.currentToken = "at-2"
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(models.Tokens{AccessToken: "at-2", RefreshToken: "rt-2"})
	})
	mux.HandleFunc(PathLogin, func(w http.ResponseWriter, r *http.Request) {
		f.authHeaders.Store(r.URL.Path, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(models.LoginResponse{UserID: "u-1", AccessToken: "at-1", RefreshToken: "rt-1"})
	})
	mux.HandleFunc(PathJoin, func(w http.ResponseWriter, r *http.Request) {
		f.authHeaders.Store(r.URL.Path, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/broken", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [`))
	})
	mux.HandleFunc("/v1/validation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"필수값을 채워주세요"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		current := f.currentToken
		f.mu.Unlock()
		if token == "at-2" {
			f.retried.Add(1)
		}
		if f.alwaysExpire || token == "" || token != current {
			w.WriteHeader(419)
			_, _ = w.Write([]byte(`{"message":"access token expired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	return mux
}

func newStack(t *testing.T, api *fakeAPI, loggedIn bool) (*Client, *session.Manager, *credstore.Memory) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	cfg := Config{BaseURL: srv.URL, Timeout: 2 * time.Second}
	mem := credstore.NewMemory()
	mgr := session.NewManager(mem, mem, NewTokenClient(cfg))
	if loggedIn {
		if err := mgr.Login(models.Credential{AccessToken: "at-1", RefreshToken: "rt-1", UserID: "u-1"}); err != nil {
			t.Fatal(err)
		}
	}
	return New(cfg, mgr), mgr, mem
}

func TestDo_PublicEndpointsNeverCarryToken(t *testing.T) {
	api := &fakeAPI{currentToken: "at-1"}
	c, _, _ := newStack(t, api, true)

	var login models.LoginResponse
	if err := post(c, context.Background(), PathLogin, models.LoginRequest{Email: "a@b.c", Password: "pw"}, &login); err != nil {
		t.Fatalf("login error = %v", err)
	}
	if err := post(c, context.Background(), PathJoin, models.JoinRequest{Email: "a@b.c"}, nil); err != nil {
		t.Fatalf("join error = %v", err)
	}
	for _, p := range []string{PathLogin, PathJoin} {
		v, ok := api.authHeaders.Load(p)
		if !ok {
			t.Fatalf("%s was not called", p)
		}
		if v.(string) != "" {
			t.Errorf("%s Authorization = %q, want none", p, v)
		}
	}
}

func TestDo_AttachesToken(t *testing.T) {
	api := &fakeAPI{currentToken: "at-1"}
	c, _, _ := newStack(t, api, true)

	var out map[string]string
	if err := get(c, context.Background(), "/v1/chats", &out); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if out["token"] != "at-1" {
		t.Errorf("server saw token %q, want at-1", out["token"])
	}
	if api.refreshCalls.Load() != 0 {
		t.Error("refresh called for a valid token")
	}
}

func TestDo_ConcurrentExpiry_SingleRefresh(t *testing.T) {
	api := &fakeAPI{currentToken: "at-expired-on-server", refreshDelay: 30 * time.Millisecond}
	c, mgr, _ := newStack(t, api, true)

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	outs := make([]map[string]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = get(c, context.Background(), "/v1/chats", &outs[i])
		}(i)
	}
	wg.Wait()

	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
			continue
		}
		if outs[i]["token"] != "at-2" {
			t.Errorf("request %d retried with %q, want at-2", i, outs[i]["token"])
		}
	}
	if got := api.retried.Load(); got != n {
		t.Errorf("retried requests = %d, want %d (one retry each)", got, n)
	}
	cred, _ := mgr.Credential()
	if cred.AccessToken != "at-2" || cred.RefreshToken != "rt-2" {
		t.Errorf("stored credential = %+v, want rotated pair", cred)
	}
}

func TestDo_RetryBudgetIsOne(t *testing.T) {
	api := &fakeAPI{currentToken: "at-1", alwaysExpire: true}
	c, _, _ := newStack(t, api, true)

	err := get(c, context.Background(), "/v1/chats", nil)

	if !apperr.Is(err, apperr.AuthenticationExpired) {
		t.Errorf("Get() error = %v, want AuthenticationExpired", err)
	}
	if api.refreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", api.refreshCalls.Load())
	}
	if api.retried.Load() != 1 {
		t.Errorf("retries = %d, want 1", api.retried.Load())
	}
}

func TestDo_RefreshRejected_ForcesLogout(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, apperr.StatusRefreshRejected} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			api := &fakeAPI{currentToken: "server-rotated", refreshStatus: status}
			c, mgr, mem := newStack(t, api, true)
			sub := mgr.Subscribe()
			defer sub.Close()

			err := get(c, context.Background(), "/v1/chats", nil)

			if !apperr.Is(err, apperr.AuthenticationInvalid) {
				t.Errorf("Get() error = %v, want AuthenticationInvalid", err)
			}
			if mgr.State().Kind != session.Unauthenticated {
				t.Errorf("state = %v, want Unauthenticated", mgr.State().Kind)
			}
			if at, _ := mem.Read(credstore.KeyAccessToken); at != "" {
				t.Error("access token not cleared")
			}
			if rt, _ := mem.Read(credstore.KeyRefreshToken); rt != "" {
				t.Error("refresh token not cleared")
			}
		})
	}
}

func TestDo_RefreshNetworkFailure_KeepsSession(t *testing.T) {
	api := &fakeAPI{currentToken: "server-rotated", dropRefresh: true}
	c, mgr, mem := newStack(t, api, true)

	err := get(c, context.Background(), "/v1/chats", nil)

	if !apperr.Is(err, apperr.NetworkUnreachable) {
		t.Errorf("Get() error = %v, want NetworkUnreachable", err)
	}
	if mgr.State().Kind != session.Authenticated {
		t.Errorf("state = %v, want Authenticated", mgr.State().Kind)
	}
	if rt, _ := mem.Read(credstore.KeyRefreshToken); rt != "rt-1" {
		t.Errorf("refresh token = %q, want rt-1", rt)
	}
}

func TestDo_AnonymousExpiry_NoRefresh(t *testing.T) {
	api := &fakeAPI{currentToken: "at-1"}
	c, mgr, _ := newStack(t, api, false)

	err := get(c, context.Background(), "/v1/chats", nil)

	if !apperr.Is(err, apperr.AuthenticationExpired) {
		t.Errorf("Get() error = %v, want AuthenticationExpired", err)
	}
	if api.refreshCalls.Load() != 0 {
		t.Error("anonymous request triggered a refresh")
	}
	if mgr.State().Kind != session.NotChecked {
		t.Errorf("state = %v, want untouched", mgr.State().Kind)
	}
}

func TestDo_NetworkUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	mem := credstore.NewMemory()
	mgr := session.NewManager(mem, mem, NewTokenClient(Config{BaseURL: url}))
	_ = mgr.Login(models.Credential{AccessToken: "at-1", RefreshToken: "rt-1"})
	c := New(Config{BaseURL: url, Timeout: time.Second}, mgr)

	err := get(c, context.Background(), "/v1/chats", nil)

	if !apperr.Is(err, apperr.NetworkUnreachable) {
		t.Errorf("Get() error = %v, want NetworkUnreachable", err)
	}
	if mgr.State().Kind != session.Authenticated {
		t.Error("network failure must not log the user out")
	}
}

func TestDo_DecodingAndValidationErrors(t *testing.T) {
	api := &fakeAPI{currentToken: "at-1"}
	c, _, _ := newStack(t, api, true)

	var out models.ChatList
	if err := get(c, context.Background(), "/v1/broken", &out); !apperr.Is(err, apperr.Decoding) {
		t.Errorf("broken body error = %v, want Decoding", err)
	}
	err := get(c, context.Background(), "/v1/validation", nil)
	if !apperr.Is(err, apperr.ValidationFailed) {
		t.Errorf("validation error = %v, want ValidationFailed", err)
	}
	if err.Error() != "필수값을 채워주세요" {
		t.Errorf("message = %q, want server message", err.Error())
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	api := &fakeAPI{currentToken: "at-1"}
	c, _, _ := newStack(t, api, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := get(c, ctx, "/v1/chats", nil)
	if err != context.Canceled {
		t.Errorf("Get(canceled) error = %v, want context.Canceled", err)
	}
}

func TestTokenClient_Refresh(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	tc := NewTokenClient(Config{BaseURL: srv.URL})

	tokens, err := tc.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tokens.AccessToken != "at-2" || tokens.RefreshToken != "rt-2" {
		t.Errorf("Refresh() = %+v", tokens)
	}
	if _, err := tc.Refresh(context.Background(), "bogus"); !apperr.Is(err, apperr.AuthenticationInvalid) {
		t.Errorf("Refresh(bogus) error = %v, want AuthenticationInvalid", err)
	}
	if _, err := tc.Refresh(context.Background(), ""); !apperr.Is(err, apperr.AuthenticationInvalid) {
		t.Errorf("Refresh(empty) error = %v, want AuthenticationInvalid", err)
	}
	if v, _ := api.authHeaders.Load(PathRefresh); v.(string) != "" {
		t.Errorf("refresh carried Authorization %q", v)
	}
}

func TestTransport_APIKeyAndRequestID(t *testing.T) {
	var gotKey, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotID = r.Header.Get("X-Request-Id")
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL + "/", APIKey: "k-1"}, staticTokens(""))
	if err := post(c, context.Background(), PathLogin, models.LoginRequest{}, nil); err != nil {
		t.Fatal(err)
	}
	if gotKey != "k-1" {
		t.Errorf("X-Api-Key = %q, want k-1", gotKey)
	}
	if gotID == "" {
		t.Error("X-Request-Id missing")
	}
}

type staticTokens string

func (s staticTokens) AccessToken() string { return string(s) }

func (s staticTokens) RefreshAfter(ctx context.Context, stale string) (string, error) {
	return "", &apperr.Error{Kind: apperr.AuthenticationInvalid}
}

func get(c *Client, ctx context.Context, path string, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path}, out)
}

func post(c *Client, ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}
