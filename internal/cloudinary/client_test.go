package cloudinary

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSign(t *testing.T) {
	c := New("demo", "key", "secret", "")
	// sha1("folder=f&timestamp=100secret")
	got := c.sign(url.Values{"timestamp": {"100"}, "folder": {"f"}, "api_key": {"key"}})
	if got != "920320c18380938648a5cde1a6eea31f2cc57255" {
		t.Fatalf("unexpected signature %q", got)
	}
	if got != c.sign(url.Values{"folder": {"f"}, "timestamp": {"100"}, "api_key": {"other"}}) {
		t.Error("api_key must not affect the signature")
	}
}

func TestUploadBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1_1/demo/image/upload" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// sha1("folder=ref&timestamp=100secret")
		if r.FormValue("file") == "" || r.FormValue("api_key") != "key" || r.FormValue("folder") != "ref" ||
			r.FormValue("signature") != "54c4a3161f8180424d4b4f117eb8e3b0112b9150" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"public_id":"ref/abc","secure_url":"https://res.cloudinary.com/demo/ref/abc.jpg"}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "ref")
	c.BaseURL = srv.URL
	c.now = func() time.Time { return time.Unix(100, 0) }

	res, err := c.UploadBase64(context.Background(), "data:image/jpeg;base64,AAAA")
	if err != nil {
		t.Fatalf("UploadBase64: %v", err)
	}
	if res.SecureURL != "https://res.cloudinary.com/demo/ref/abc.jpg" {
		t.Errorf("secure url = %q", res.SecureURL)
	}
}

func TestUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid Signature"}}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	_, err := c.UploadBase64(context.Background(), "AAAA")
	var upErr *UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if upErr.Status != http.StatusUnauthorized || upErr.Message != "Invalid Signature" {
		t.Fatalf("unexpected rejection %+v", upErr)
	}
}

func TestUploadEmptyPhoto(t *testing.T) {
	c := New("demo", "key", "secret", "")
	if _, err := c.UploadBase64(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty photo")
	}
}
