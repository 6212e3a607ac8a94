package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"attendguard/internal/biometric"
)

func account(c *gin.Context) biometric.Account {
	cl := claims(c)
	name := cl.Email
	if name == "" {
		name = cl.Subject
	}
	return biometric.Account{UserID: cl.Subject, Name: name, DisplayName: name}
}

type setupBody struct {
	ReferencePhoto    string `json:"reference_photo"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// BiometricSetup stores the reference photo and binds the device.
func (h *Handler) BiometricSetup(c *gin.Context) {
	var body setupBody
	if err := h.bind(c, "setup", &body); err != nil {
		h.fail(c, err)
		return
	}
	enr, err := h.d.Biometrics.Setup(c.Request.Context(), biometric.SetupRequest{
		UserID:         claims(c).Subject,
		ReferencePhoto: body.ReferencePhoto,
	}, h.client(c, body.DeviceFingerprint))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollment": enr})
}

func (h *Handler) RegisterChallenge(c *gin.Context) {
	opts, err := h.d.Biometrics.BeginRegistration(c.Request.Context(), account(c), h.client(c, ""))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

type verifyBody struct {
	Credential        json.RawMessage `json:"credential"`
	Device            string          `json:"device"`
	DeviceFingerprint string          `json:"device_fingerprint"`
}

func (h *Handler) RegisterVerify(c *gin.Context) {
	var body verifyBody
	if err := h.bind(c, "webauthn_verify", &body); err != nil {
		h.fail(c, err)
		return
	}
	cred, err := h.d.Biometrics.FinishRegistration(c.Request.Context(), account(c), body.Credential, body.Device,
		h.client(c, body.DeviceFingerprint))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"verified": true, "credential_id": cred.EncodedID()})
}

func (h *Handler) AuthChallenge(c *gin.Context) {
	opts, err := h.d.Biometrics.BeginLogin(c.Request.Context(), account(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

// AuthVerify checks an assertion outside a check-in, e.g. to unlock a
// sensitive screen.
func (h *Handler) AuthVerify(c *gin.Context) {
	var body verifyBody
	if err := h.bind(c, "webauthn_verify", &body); err != nil {
		h.fail(c, err)
		return
	}
	cred, err := h.d.Biometrics.FinishLogin(c.Request.Context(), account(c), body.Credential,
		h.client(c, body.DeviceFingerprint))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "credential_id": cred.EncodedID(), "sign_count": cred.SignCount})
}
