package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"attendguard/internal/apperr"
	"attendguard/internal/attendance"
	"attendguard/internal/auth"
)

type checkInBody struct {
	Latitude          float64         `json:"latitude"`
	Longitude         float64         `json:"longitude"`
	Accuracy          float64         `json:"accuracy"`
	SSID              string          `json:"ssid"`
	EventID           string          `json:"event_id"`
	DeviceFingerprint string          `json:"device_fingerprint"`
	Assertion         json.RawMessage `json:"assertion"`
	Selfie            string          `json:"selfie"`
}

// CheckIn runs the full verification pipeline for the caller.
func (h *Handler) CheckIn(c *gin.Context) {
	var body checkInBody
	if err := h.bind(c, "checkin", &body); err != nil {
		h.fail(c, err)
		return
	}
	cl := claims(c)
	client := h.client(c, body.DeviceFingerprint)
	rec, err := h.d.Attendance.CheckIn(c.Request.Context(), attendance.Request{
		UserID:      cl.Subject,
		Email:       cl.Email,
		EventID:     body.EventID,
		Lat:         body.Latitude,
		Lon:         body.Longitude,
		Accuracy:    body.Accuracy,
		SSID:        body.SSID,
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		Fingerprint: client.Fingerprint,
		Assertion:   body.Assertion,
		Selfie:      body.Selfie,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec})
}

type checkOutBody struct {
	EventID string `json:"event_id"`
}

func (h *Handler) CheckOut(c *gin.Context) {
	var body checkOutBody
	if err := h.bind(c, "checkout", &body); err != nil {
		h.fail(c, err)
		return
	}
	cl := claims(c)
	client := h.client(c, "")
	rec, err := h.d.Attendance.CheckOut(c.Request.Context(), attendance.Request{
		UserID:      cl.Subject,
		Email:       cl.Email,
		EventID:     body.EventID,
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		Fingerprint: client.Fingerprint,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// ListRecords returns the caller's records. Admins and teachers may pass
// user_id to read someone else's.
func (h *Handler) ListRecords(c *gin.Context) {
	cl := claims(c)
	f := attendance.Filter{UserID: cl.Subject, Scope: c.Query("scope")}
	if uid := c.Query("user_id"); uid != "" && uid != cl.Subject {
		if cl.Role != auth.RoleAdmin && cl.Role != auth.RoleTeacher {
			h.fail(c, apperr.New(apperr.CodeForbidden, "cannot read another user's attendance"))
			return
		}
		f.UserID = uid
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		h.fail(c, err)
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		h.fail(c, err)
		return
	}
	if f.Limit, err = queryInt(c, "limit", 50); err != nil {
		h.fail(c, err)
		return
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		h.fail(c, err)
		return
	}
	recs, err := h.d.Attendance.List(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

type reviewBody struct {
	Status attendance.Status `json:"status"`
}

// ReviewRecord is the admin status edit.
func (h *Handler) ReviewRecord(c *gin.Context) {
	var body reviewBody
	if err := h.bind(c, "review", &body); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.d.Attendance.Review(c.Request.Context(), claims(c).Subject, c.Param("id"), body.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.CodeInvalidRequest, key+" must be RFC 3339", err)
	}
	return t, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 1000 {
		return 0, apperr.New(apperr.CodeInvalidRequest, key+" must be an integer between 0 and 1000")
	}
	return n, nil
}
