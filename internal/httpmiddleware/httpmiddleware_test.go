package httpmiddleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"attendguard/internal/ratelimit"
)

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := ratelimit.New(zerolog.Nop(), ratelimit.NewMemoryStore())
	p := ratelimit.Policy{Name: "test", Limit: 2, Window: time.Minute}

	r := gin.New()
	r.GET("/x", RateLimit(l, Static(p), ByIP), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := []int{}
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		last = w
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" || last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers %v", last.Header())
	}
	if !strings.Contains(last.Body.String(), `"code":"admission_denied"`) {
		t.Fatalf("unexpected body %s", last.Body.String())
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.10:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("other client should be admitted, got %d", w.Code)
	}
}

func TestRateLimit_NoStoreDenies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := ratelimit.New(zerolog.Nop())
	r := gin.New()
	r.GET("/x", RateLimit(l, Static(ratelimit.EventCheckin), ByIP), func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("want 429 without a store, got %d", w.Code)
	}
}

func TestSecurityHeadersAndLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf), "/healthz"), SecurityHeaders())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing security headers")
	}
	if buf.Len() != 0 {
		t.Fatalf("probe path should not be logged: %s", buf.String())
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"status":503`) {
		t.Fatalf("unexpected log %s", buf.String())
	}
}
