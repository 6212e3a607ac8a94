// Package handler is the HTTP surface of the verification pipeline.
package handler

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"attendguard/internal/activity"
	"attendguard/internal/anomaly"
	"attendguard/internal/apperr"
	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/biometric"
	"attendguard/internal/config"
	"attendguard/internal/enrollment"
	"attendguard/internal/eventcheckin"
	"attendguard/internal/httpmiddleware"
	"attendguard/internal/ratelimit"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const maxBody = 10 << 20

// Settings is the runtime settings source the admin endpoint edits.
type Settings interface {
	Snapshot(ctx context.Context) config.Settings
	Invalidate()
}

// SettingsWriter persists admin overrides.
type SettingsWriter interface {
	SaveSettings(ctx context.Context, kv map[string]string, by string) error
}

// Probe reports dependency health for /healthz.
type Probe func(ctx context.Context) bool

// Deps are the services the handlers call.
type Deps struct {
	Attendance     *attendance.Service
	Biometrics     *biometric.Service
	Enrollment     *enrollment.Workflow
	Events         *eventcheckin.Service
	Activity       activity.Recorder
	ActivityLog    anomaly.History
	Assessments    anomaly.Store
	Limiter        *ratelimit.Limiter
	Settings       Settings
	SettingsWriter SettingsWriter
	Probes         map[string]Probe
	JWTSigningKey  string
	JWTIssuer      string
}

type Handler struct {
	d       Deps
	log     zerolog.Logger
	schemas map[string]*gojsonschema.Schema
}

// New compiles the embedded request schemas.
func New(d Deps, log zerolog.Logger) (*Handler, error) {
	if d.Activity == nil {
		d.Activity = activity.Discard{}
	}
	h := &Handler{d: d, log: log, schemas: map[string]*gojsonschema.Schema{}}
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
		h.schemas[strings.TrimSuffix(e.Name(), ".schema.json")] = schema
	}
	return h, nil
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.Healthz)

	rate := func(pick func(config.RatePresets) ratelimit.Policy, key httpmiddleware.KeyFunc) gin.HandlerFunc {
		return httpmiddleware.RateLimit(h.d.Limiter, func(ctx context.Context) ratelimit.Policy {
			return pick(h.d.Settings.Snapshot(ctx).Rates)
		}, key)
	}
	authRate := rate(func(p config.RatePresets) ratelimit.Policy { return p.Auth }, httpmiddleware.ByUser)
	setupRate := rate(func(p config.RatePresets) ratelimit.Policy { return p.BiometricSetup }, httpmiddleware.ByUser)
	eventRate := rate(func(p config.RatePresets) ratelimit.Policy { return p.EventCheckin }, httpmiddleware.ByIP)

	r.POST("/events/:eventId/checkin", eventRate, h.EventCheckIn)

	user := r.Group("/", auth.RequireUser(h.d.JWTSigningKey, h.d.JWTIssuer))
	{
		user.POST("/attendance/checkin", h.CheckIn)
		user.POST("/attendance/checkout", h.CheckOut)
		user.GET("/attendance/records", h.ListRecords)
		user.POST("/attendance/request-re-enrollment", h.RequestReEnrollment)

		user.POST("/biometric/setup", setupRate, h.BiometricSetup)
		user.POST("/biometric/webauthn/register-challenge", authRate, h.RegisterChallenge)
		user.POST("/biometric/webauthn/register-verify", authRate, h.RegisterVerify)
		user.POST("/biometric/webauthn/auth-challenge", authRate, h.AuthChallenge)
		user.POST("/biometric/webauthn/auth-verify", authRate, h.AuthVerify)
	}

	admin := r.Group("/admin", auth.RequireUser(h.d.JWTSigningKey, h.d.JWTIssuer), auth.RequireRole(auth.RoleAdmin))
	{
		admin.GET("/re-enrollment-requests", h.ListReEnrollment)
		admin.POST("/re-enrollment-requests", h.DecideReEnrollment)
		admin.POST("/re-enrollment-requests/restore", h.RestoreReEnrollment)
		admin.POST("/attendance/:id/review", h.ReviewRecord)
		admin.POST("/events/:eventId/tokens", h.IssueTokens)
		admin.GET("/security/activity", h.SecurityActivity)
		admin.PUT("/settings", h.UpdateSettings)
	}
}

// Healthz reports each probe; any failing probe makes it 503.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, probe := range h.d.Probes {
		ok := probe(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// bind reads the body, validates it against the named schema and decodes
// it into dst.
func (h *Handler) bind(c *gin.Context, schema string, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody+1))
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, "could not read body", err)
	}
	if len(raw) > maxBody {
		return apperr.New(apperr.CodeInvalidRequest, "body too large")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}
	res, err := h.schemas[schema].Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, "body is not valid JSON", err)
	}
	if !res.Valid() {
		details := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			details = append(details, e.String())
		}
		return apperr.New(apperr.CodeInvalidRequest, "invalid body: "+strings.Join(details, "; "))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, "body does not match the expected shape", err)
	}
	return nil
}

// fail writes the error envelope. Internal errors keep their cause out of
// the response.
func (h *Handler) fail(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	body := gin.H{"error": apperr.MessageOf(err), "code": code}
	if apperr.Retryable(code) {
		body["retryable"] = true
	}
	c.JSON(apperr.HTTPStatus(code), body)
}

func claims(c *gin.Context) auth.Claims {
	cl, _ := auth.ClaimsFrom(c)
	return cl
}

func (h *Handler) client(c *gin.Context, rawFingerprint string) activity.Client {
	if rawFingerprint == "" {
		rawFingerprint = c.GetHeader("X-Device-Fingerprint")
	}
	fp := ""
	if h.d.Biometrics != nil {
		fp = h.d.Biometrics.Fingerprint(rawFingerprint)
	}
	return activity.Client{IP: c.ClientIP(), UserAgent: c.Request.UserAgent(), Fingerprint: fp}
}
