package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	key    = "test-key"
	issuer = "school-portal"
)

func TestIssueParseRoundTrip(t *testing.T) {
	tok, exp, err := Issue("u-1", RoleStudent, "s@school.test", issuer, key, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) <= 0 {
		t.Fatal("expiry should be in the future")
	}
	claims, err := Parse(tok, key, issuer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "u-1" || claims.Role != RoleStudent || claims.Email != "s@school.test" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRejects(t *testing.T) {
	good, _, _ := Issue("u-1", RoleStudent, "", issuer, key, time.Minute)
	expired, _, _ := Issue("u-1", RoleStudent, "", issuer, key, -time.Minute)
	cases := map[string]struct{ token, key, issuer string }{
		"wrong key":    {good, "other", issuer},
		"wrong issuer": {good, key, "elsewhere"},
		"expired":      {expired, key, issuer},
		"garbage":      {"not-a-jwt", key, issuer},
	}
	for name, tc := range cases {
		if _, err := Parse(tc.token, tc.key, tc.issuer); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", RequireUser(key, issuer), func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	r.GET("/admin", RequireUser(key, issuer), RequireRole(RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	student, _, _ := Issue("u-1", RoleStudent, "", issuer, key, time.Minute)
	admin, _, _ := Issue("a-1", RoleAdmin, "", issuer, key, time.Minute)

	cases := []struct {
		path, token string
		want        int
	}{
		{"/me", "", http.StatusUnauthorized},
		{"/me", "bogus", http.StatusUnauthorized},
		{"/me", student, http.StatusOK},
		{"/admin", student, http.StatusForbidden},
		{"/admin", admin, http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s with %q: got %d, want %d", tc.path, tc.token, w.Code, tc.want)
		}
	}
}
