package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func serve(h gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h)
	r.Any("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		header string
		status int
	}{
		{"disabled", "", "", http.StatusOK},
		{"match", "k", "k", http.StatusOK},
		{"missing", "k", "", http.StatusForbidden},
		{"wrong", "k", "other", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("X-Api-Key", tt.header)
			}
			if w := serve(APIKey(tt.key), req); w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestCORS_ProdSameHostOnly(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://chat.example.com/x", nil)
	req.Header.Set("Origin", "https://evil-chat.example.com.attacker.io")
	w := serve(CORS("prod"), req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}

	req = httptest.NewRequest(http.MethodGet, "http://chat.example.com/x", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	w = serve(CORS("prod"), req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://chat.example.com" {
		t.Errorf("Allow-Origin = %q, want same host", got)
	}
}

func TestCORS_ProdAllowList(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := serve(CORS("prod", " https://APP.example.com/ ", ""), req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q, want listed origin", got)
	}
	if got := w.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := serve(CORS("dev"), req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(rate.Limit(0), 2)
	var codes []int
	r := gin.New()
	r.Use(h)
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func TestLimiter_ByUserSeparatesAccounts(t *testing.T) {
	l := NewLimiter("test", rate.Limit(0), 1, time.Minute)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", c.GetHeader("X-User"))
		c.Next()
	})
	r.POST("/chats/:room_id", l.Middleware(ByUser), func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/chats/r1", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	if got := send("u1"); got != http.StatusCreated {
		t.Fatalf("first u1 = %d", got)
	}
	if got := send("u1"); got != http.StatusTooManyRequests {
		t.Fatalf("second u1 = %d, want 429", got)
	}
	if got := send("u2"); got != http.StatusCreated {
		t.Fatalf("u2 should have its own bucket, got %d", got)
	}
}

func TestLimiter_SweepsIdleBuckets(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter("test", rate.Limit(1), 1, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	now = now.Add(2 * time.Minute)
	l.Allow("c")
	if l.Len() != 1 {
		t.Errorf("Len() after sweep = %d, want 1", l.Len())
	}
}
