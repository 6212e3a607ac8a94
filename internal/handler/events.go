package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"attendguard/internal/apperr"
	"attendguard/internal/eventcheckin"
)

type eventCheckInBody struct {
	Token  string `json:"token"`
	Email  string `json:"email"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// EventCheckIn redeems a QR token. It is public: the token is the
// credential. Responses carry ok so kiosk clients can branch on one field.
func (h *Handler) EventCheckIn(c *gin.Context) {
	var body eventCheckInBody
	if err := h.bind(c, "event_checkin", &body); err != nil {
		h.eventFail(c, err)
		return
	}
	att, err := h.d.Events.CheckIn(c.Request.Context(), c.Param("eventId"), body.Token,
		eventcheckin.Identity{Email: body.Email, UserID: body.UserID, Name: body.Name}, h.client(c, ""))
	if err != nil {
		h.eventFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "attendance": att})
}

func (h *Handler) eventFail(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		h.log.Error().Err(err).Str("event", c.Param("eventId")).Msg("event check-in failed")
	}
	c.JSON(apperr.HTTPStatus(code), gin.H{"ok": false, "error": apperr.MessageOf(err), "code": code})
}

type tokensBody struct {
	Count      int  `json:"count"`
	TTLMinutes int  `json:"ttl_minutes"`
	SingleUse  bool `json:"single_use"`
}

// IssueTokens mints QR tokens for an event.
func (h *Handler) IssueTokens(c *gin.Context) {
	var body tokensBody
	if err := h.bind(c, "tokens", &body); err != nil {
		h.fail(c, err)
		return
	}
	tokens, err := h.d.Events.IssueTokens(c.Request.Context(), c.Param("eventId"), body.Count,
		time.Duration(body.TTLMinutes)*time.Minute, body.SingleUse)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tokens": tokens})
}
