// Package cloudinary stores enrollment reference photos off-database.
package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultEndpoint = "https://api.cloudinary.com"

// Client uploads reference photos through the signed upload endpoint.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
	HTTP      *http.Client
	now       func() time.Time
}

func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		BaseURL:   defaultEndpoint,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

// Configured is false when any credential is missing; callers then keep the
// photo inline.
func (c *Client) Configured() bool {
	return c != nil && c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// UploadResult is the subset of the upload response we persist.
type UploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	Bytes     int    `json:"bytes"`
}

// UploadError carries the status and message of a rejected upload.
type UploadError struct {
	Status  int
	Message string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("cloudinary: upload rejected (%d): %s", e.Status, e.Message)
}

// UploadBase64 sends a data URL or bare base64 image. Cloudinary accepts both
// forms in the file field, so the payload is forwarded untouched.
func (c *Client) UploadBase64(ctx context.Context, data string) (*UploadResult, error) {
	if data == "" {
		return nil, fmt.Errorf("cloudinary: empty photo")
	}
	form := c.signedForm()
	form.Set("file", data)

	body, contentType, err := encodeMultipart(form)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), body)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("cloudinary: read response: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, rejection(resp.StatusCode, raw)
	}
	var out UploadResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("cloudinary: decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.BaseURL, "/") + "/v1_1/" + url.PathEscape(c.CloudName) + "/image/upload"
}

func (c *Client) signedForm() url.Values {
	form := url.Values{}
	form.Set("timestamp", strconv.FormatInt(c.now().Unix(), 10))
	if c.Folder != "" {
		form.Set("folder", c.Folder)
	}
	form.Set("signature", c.sign(form))
	form.Set("api_key", c.APIKey)
	return form
}

// unsigned lists form fields Cloudinary leaves out of the signature.
var unsigned = map[string]bool{"api_key": true, "file": true, "resource_type": true, "signature": true}

// sign is the hex SHA-1 of the sorted "k=v" pairs joined by '&' with the
// secret appended.
func (c *Client) sign(form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if !unsigned[k] && form.Get(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k + "=" + form.Get(k))
	}
	sum := sha1.Sum([]byte(sb.String() + c.APISecret))
	return hex.EncodeToString(sum[:])
}

func encodeMultipart(form url.Values) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k := range form {
		if err := mw.WriteField(k, form.Get(k)); err != nil {
			return nil, "", fmt.Errorf("cloudinary: encode %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("cloudinary: encode form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func rejection(status int, raw []byte) error {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error.Message != "" {
		msg = payload.Error.Message
	}
	return &UploadError{Status: status, Message: msg}
}
