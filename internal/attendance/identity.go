package attendance

import (
	"context"
	"errors"

	"attendguard/internal/activity"
	"attendguard/internal/apperr"
	"attendguard/internal/biometric"
	"attendguard/internal/enrollment"
	"attendguard/internal/faceclient"
)

// ErrNotApplicable lets the chain move to the next verifier. Any other
// error is a rejection and ends the chain.
var ErrNotApplicable = errors.New("identity factor not supplied")

// IdentityVerifier is one factor in the ordered identity chain.
type IdentityVerifier interface {
	Method() string
	Verify(ctx context.Context, req Request, enr *enrollment.Enrollment, client activity.Client) (Identity, error)
}

// WebAuthnVerifier checks a platform-authenticator assertion.
type WebAuthnVerifier struct {
	Biometrics *biometric.Service
}

func (WebAuthnVerifier) Method() string { return "webauthn" }

func (v WebAuthnVerifier) Verify(ctx context.Context, req Request, _ *enrollment.Enrollment, client activity.Client) (Identity, error) {
	if len(req.Assertion) == 0 {
		return Identity{}, ErrNotApplicable
	}
	cred, err := v.Biometrics.FinishLogin(ctx, biometric.Account{UserID: req.UserID, Name: req.Email}, req.Assertion, client)
	if err != nil {
		return Identity{Method: v.Method()}, err
	}
	return Identity{Method: v.Method(), CredentialID: cred.EncodedID(), SignCount: cred.SignCount}, nil
}

// FaceMatcher compares a live capture with a reference photo.
type FaceMatcher interface {
	Verify(ctx context.Context, reference, liveBase64 string) faceclient.Match
}

// FaceVerifier is the fallback used when no platform authenticator is
// available.
type FaceVerifier struct {
	Matcher FaceMatcher
}

func (FaceVerifier) Method() string { return "face" }

func (v FaceVerifier) Verify(ctx context.Context, req Request, enr *enrollment.Enrollment, _ activity.Client) (Identity, error) {
	if req.Selfie == "" || enr == nil || enr.ReferencePhotoURL == "" {
		return Identity{}, ErrNotApplicable
	}
	m := v.Matcher.Verify(ctx, enr.ReferencePhotoURL, req.Selfie)
	id := Identity{Method: v.Method(), Face: &m}
	if !m.Verified {
		return id, apperr.Wrap(apperr.CodeFaceMismatch, "face verification failed", apperr.ErrFaceMismatch)
	}
	return id, nil
}
