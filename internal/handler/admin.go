package handler

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"attendguard/internal/activity"
	"attendguard/internal/anomaly"
	"attendguard/internal/apperr"
	"attendguard/internal/config"
	"attendguard/internal/enrollment"
)

type reEnrollRequestBody struct {
	Reason string `json:"reason"`
}

// RequestReEnrollment lets a user ask for permission to replace their
// enrolled biometrics.
func (h *Handler) RequestReEnrollment(c *gin.Context) {
	var body reEnrollRequestBody
	if err := h.bind(c, "reenroll_request", &body); err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	cl := claims(c)
	enr, err := h.d.Enrollment.Request(ctx, cl.Subject, body.Reason)
	h.recordDecision(c, cl.Subject, activity.ActionReEnrollRequest, map[string]any{"reason": strings.TrimSpace(body.Reason)}, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollment": enr})
}

// ListReEnrollment returns the pending queue, or one user's transition
// history when user_id is given.
func (h *Handler) ListReEnrollment(c *gin.Context) {
	ctx := c.Request.Context()
	if uid := c.Query("user_id"); uid != "" {
		hist, err := h.d.Enrollment.History(ctx, uid)
		if err != nil {
			h.fail(c, apperr.Wrap(apperr.CodeInternal, "history lookup failed", err))
			return
		}
		if hist == nil {
			hist = []enrollment.Transition{}
		}
		c.JSON(http.StatusOK, gin.H{"history": hist})
		return
	}
	pending, err := h.d.Enrollment.ListPending(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	if pending == nil {
		pending = []enrollment.Enrollment{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": pending})
}

type decisionBody struct {
	UserID string              `json:"user_id"`
	Action enrollment.Decision `json:"action"`
}

func (h *Handler) DecideReEnrollment(c *gin.Context) {
	var body decisionBody
	if err := h.bind(c, "reenroll_decision", &body); err != nil {
		h.fail(c, err)
		return
	}
	admin := claims(c).Subject
	enr, err := h.d.Enrollment.Decide(c.Request.Context(), admin, body.UserID, body.Action)
	h.recordDecision(c, admin, activity.ActionReEnrollDecision, map[string]any{"user_id": body.UserID, "action": string(body.Action)}, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollment": enr})
}

type restoreBody struct {
	UserID string `json:"user_id"`
}

func (h *Handler) RestoreReEnrollment(c *gin.Context) {
	var body restoreBody
	if err := h.bind(c, "reenroll_restore", &body); err != nil {
		h.fail(c, err)
		return
	}
	admin := claims(c).Subject
	enr, err := h.d.Enrollment.Restore(c.Request.Context(), admin, body.UserID)
	h.recordDecision(c, admin, activity.ActionReEnrollDecision, map[string]any{"user_id": body.UserID, "action": "restore"}, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollment": enr})
}

func (h *Handler) recordDecision(c *gin.Context, actor, action string, details map[string]any, err error) {
	outcome := activity.OutcomeSuccess
	if err != nil {
		outcome = activity.OutcomeFailure
	}
	e := h.client(c, "").Entry(actor, action, outcome)
	e.ActorEmail = claims(c).Email
	e.Details = details
	if err != nil {
		e.Code = string(apperr.CodeOf(err))
	}
	h.d.Activity.Record(c.Request.Context(), e)
}

// SecurityActivity returns the raw log alongside the flagged assessments.
func (h *Handler) SecurityActivity(c *gin.Context) {
	ctx := c.Request.Context()
	since, err := queryTime(c, "since")
	if err != nil {
		h.fail(c, err)
		return
	}
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}
	limit, err := queryInt(c, "limit", 200)
	if err != nil {
		h.fail(c, err)
		return
	}
	entries, err := h.d.ActivityLog.List(ctx, activity.Filter{
		ActorID: c.Query("actor_id"),
		Action:  c.Query("action"),
		Since:   since,
		Limit:   limit,
	})
	if err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInternal, "activity lookup failed", err))
		return
	}
	assessments, err := h.d.Assessments.List(ctx, since, limit)
	if err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInternal, "assessment lookup failed", err))
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	if assessments == nil {
		assessments = []anomaly.Assessment{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "assessments": assessments})
}

// UpdateSettings validates overrides against the current snapshot, stores
// them and drops the cached snapshot so the next request sees them.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var kv map[string]string
	if err := h.bind(c, "settings", &kv); err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, errs := config.ApplyOverrides(h.d.Settings.Snapshot(ctx), kv); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		h.fail(c, apperr.New(apperr.CodeInvalidRequest, strings.Join(msgs, "; ")))
		return
	}
	if err := h.d.SettingsWriter.SaveSettings(ctx, kv, claims(c).Subject); err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeInternal, "settings could not be saved", err))
		return
	}
	h.d.Settings.Invalidate()

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h.log.Info().Str("admin", claims(c).Subject).Strs("keys", keys).Msg("settings updated")
	c.JSON(http.StatusOK, gin.H{"updated": keys})
}
