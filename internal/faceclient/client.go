package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"attendguard/internal/metrics"
)

// Band is the confidence classification of a comparison.
type Band string

const (
	BandHigh     Band = "high"
	BandMedium   Band = "medium"
	BandLow      Band = "low_similarity"
	BandMismatch Band = "mismatch"
)

// Classify maps a 0–100 confidence to its band.
func Classify(confidence float64) Band {
	switch {
	case confidence >= 90:
		return BandHigh
	case confidence >= 70:
		return BandMedium
	case confidence >= 50:
		return BandLow
	default:
		return BandMismatch
	}
}

// Verifying reports whether the band counts as a match.
func (b Band) Verifying() bool {
	return b == BandHigh || b == BandMedium
}

// Match is the outcome of a face comparison. Verified is never true when
// the model call failed.
type Match struct {
	Verified     bool     `json:"verified"`
	Confidence   float64  `json:"confidence"`
	IsLivePerson bool     `json:"is_live_person"`
	MatchScore   float64  `json:"match_score"`
	Band         Band     `json:"band"`
	Analysis     string   `json:"analysis,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Client calls the vision model endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL, apiKey string, skip bool) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // model inference can take time
		},
	}
}

type verifyRequest struct {
	ReferencePhotoURL    string `json:"referencePhotoUrl,omitempty"`
	ReferencePhotoBase64 string `json:"referencePhotoBase64,omitempty"`
	LiveSelfieBase64     string `json:"liveSelfieBase64"`
}

type verifyResponse struct {
	Verified     bool     `json:"verified"`
	Confidence   float64  `json:"confidence"`
	IsLivePerson *bool    `json:"isLivePerson"`
	MatchScore   *float64 `json:"matchScore"`
	Analysis     string   `json:"analysis"`
	Warnings     []string `json:"warnings"`
}

// Verify compares the live selfie with the enrolled reference, which may be
// a URL or a base64 image. Every failure degrades to an unverified match
// with a warning.
func (c *Client) Verify(ctx context.Context, reference, liveBase64 string) Match {
	start := time.Now()
	m := c.verify(ctx, reference, liveBase64)
	metrics.FaceMatchDuration.WithLabelValues(string(m.Band)).Observe(time.Since(start).Seconds())
	return m
}

func (c *Client) verify(ctx context.Context, reference, liveBase64 string) Match {
	if c.Skip {
		return Match{
			Verified:     true,
			Confidence:   95,
			IsLivePerson: true,
			MatchScore:   95,
			Band:         BandHigh,
			Warnings:     []string{"face verification skipped (dev mode)"},
		}
	}
	if strings.TrimSpace(reference) == "" {
		return failed("no reference photo enrolled")
	}
	if strings.TrimSpace(liveBase64) == "" {
		return failed("live selfie missing")
	}

	payload := verifyRequest{LiveSelfieBase64: liveBase64}
	if strings.HasPrefix(reference, "http://") || strings.HasPrefix(reference, "https://") {
		payload.ReferencePhotoURL = reference
	} else {
		payload.ReferencePhotoBase64 = reference
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return failed("face service request could not be built: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return failed(fmt.Sprintf("face service request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return failed(fmt.Sprintf("face service error %s: %s", resp.Status, strings.TrimSpace(string(bodyBytes))))
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failed(fmt.Sprintf("failed to decode face service response: %v", err))
	}
	return interpret(out)
}

func interpret(out verifyResponse) Match {
	confidence := clamp(out.Confidence)
	m := Match{
		Confidence: confidence,
		MatchScore: confidence,
		Band:       Classify(confidence),
		Analysis:   out.Analysis,
		Warnings:   out.Warnings,
	}
	if out.MatchScore != nil {
		m.MatchScore = clamp(*out.MatchScore)
	}
	if out.IsLivePerson != nil {
		m.IsLivePerson = *out.IsLivePerson
	} else {
		m.Warnings = append(m.Warnings, "liveness not reported")
	}
	if !m.IsLivePerson {
		m.Warnings = append(m.Warnings, "liveness check failed")
	}
	m.Verified = out.Verified && m.Band.Verifying() && m.IsLivePerson
	if out.Verified && !m.Band.Verifying() {
		m.Warnings = append(m.Warnings, fmt.Sprintf("model verdict overridden by confidence %.0f", confidence))
	}
	return m
}

func failed(warning string) Match {
	return Match{Band: BandMismatch, Warnings: []string{warning}}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
