package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		confidence float64
		want       Band
		verifying  bool
	}{
		{100, BandHigh, true},
		{90, BandHigh, true},
		{89.9, BandMedium, true},
		{70, BandMedium, true},
		{69, BandLow, false},
		{50, BandLow, false},
		{49.99, BandMismatch, false},
		{0, BandMismatch, false},
	}
	for _, tt := range tests {
		got := Classify(tt.confidence)
		if got != tt.want || got.Verifying() != tt.verifying {
			t.Errorf("Classify(%v) = %s (verifying %v), want %s (%v)", tt.confidence, got, got.Verifying(), tt.want, tt.verifying)
		}
	}
}

func modelServer(t *testing.T, status int, resp any) (*httptest.Server, *verifyRequest) {
	t.Helper()
	var seen verifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&seen)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestVerify(t *testing.T) {
	live := true
	dead := false
	tests := []struct {
		name     string
		status   int
		resp     any
		verified bool
		band     Band
	}{
		{"high", 200, map[string]any{"verified": true, "confidence": 93, "isLivePerson": live}, true, BandHigh},
		{"medium", 200, map[string]any{"verified": true, "confidence": 75, "isLivePerson": live}, true, BandMedium},
		{"low similarity overrides model", 200, map[string]any{"verified": true, "confidence": 60, "isLivePerson": live}, false, BandLow},
		{"model says no", 200, map[string]any{"verified": false, "confidence": 95, "isLivePerson": live}, false, BandHigh},
		{"not live", 200, map[string]any{"verified": true, "confidence": 97, "isLivePerson": dead}, false, BandHigh},
		{"liveness missing", 200, map[string]any{"verified": true, "confidence": 97}, false, BandHigh},
		{"upstream 500", 500, map[string]any{"error": "boom"}, false, BandMismatch},
		{"garbage", 200, "not an object", false, BandMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := modelServer(t, tt.status, tt.resp)
			c := New(srv.URL, "", false)
			m := c.Verify(context.Background(), "https://img/ref.jpg", "BASE64")
			if m.Verified != tt.verified || m.Band != tt.band {
				t.Errorf("got verified=%v band=%s, want %v %s (warnings %v)", m.Verified, m.Band, tt.verified, tt.band, m.Warnings)
			}
			if !m.Verified && len(m.Warnings) == 0 && tt.status != 200 {
				t.Error("failure should carry a warning")
			}
		})
	}
}

func TestVerify_ReferenceEncoding(t *testing.T) {
	srv, seen := modelServer(t, 200, map[string]any{"verified": true, "confidence": 91, "isLivePerson": true})
	c := New(srv.URL, "", false)

	c.Verify(context.Background(), "https://img/ref.jpg", "LIVE")
	if seen.ReferencePhotoURL != "https://img/ref.jpg" || seen.LiveSelfieBase64 != "LIVE" {
		t.Errorf("url reference sent as %+v", *seen)
	}
	c.Verify(context.Background(), "data:image/jpeg;base64,REF", "LIVE")
	if seen.ReferencePhotoBase64 == "" || seen.ReferencePhotoURL != "" {
		t.Errorf("inline reference sent as %+v", *seen)
	}
}

func TestVerify_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", "", false)
	c.HTTP.Timeout = 200 * time.Millisecond
	m := c.Verify(context.Background(), "https://img/ref.jpg", "LIVE")
	if m.Verified {
		t.Fatal("unreachable model must not verify")
	}
	if len(m.Warnings) == 0 {
		t.Error("expected a descriptive warning")
	}
}

func TestVerify_MissingInputs(t *testing.T) {
	c := New("http://unused", "", false)
	if m := c.Verify(context.Background(), "", "LIVE"); m.Verified || len(m.Warnings) == 0 {
		t.Errorf("missing reference: %+v", m)
	}
	if m := c.Verify(context.Background(), "https://img/ref.jpg", ""); m.Verified {
		t.Errorf("missing selfie: %+v", m)
	}
}

func TestSkipMode(t *testing.T) {
	c := New("http://unused", "", true)
	if m := c.Verify(context.Background(), "", ""); !m.Verified {
		t.Error("skip mode should verify")
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health in skip mode: %v", err)
	}
}
