package biometric

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/rs/zerolog"

	"attendguard/internal/activity"
	"attendguard/internal/apperr"
	"attendguard/internal/cloudinary"
	"attendguard/internal/enrollment"
	"attendguard/internal/metrics"
)

// PhotoUploader stores reference photos. nil keeps the data URL inline.
type PhotoUploader interface {
	UploadBase64(ctx context.Context, data string) (*cloudinary.UploadResult, error)
}

// Service orchestrates the ceremonies, the counter policy and the link to
// the user's enrollment record.
type Service struct {
	rp         RelyingParty
	challenges ChallengeStore
	creds      CredentialStore
	enroll     *enrollment.Workflow
	recorder   activity.Recorder
	photos     PhotoUploader
	fp         *Fingerprinter
	ttl        time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// Deps groups the collaborators of NewService.
type Deps struct {
	RP           RelyingParty
	Challenges   ChallengeStore
	Credentials  CredentialStore
	Enrollment   *enrollment.Workflow
	Recorder     activity.Recorder
	Photos       PhotoUploader
	Fingerprints *Fingerprinter
	ChallengeTTL time.Duration
}

func NewService(d Deps, log zerolog.Logger) *Service {
	if d.ChallengeTTL <= 0 {
		d.ChallengeTTL = 5 * time.Minute
	}
	if d.Recorder == nil {
		d.Recorder = activity.Discard{}
	}
	return &Service{
		rp:         d.RP,
		challenges: d.Challenges,
		creds:      d.Credentials,
		enroll:     d.Enrollment,
		recorder:   d.Recorder,
		photos:     d.Photos,
		fp:         d.Fingerprints,
		ttl:        d.ChallengeTTL,
		log:        log,
		now:        time.Now,
	}
}

// Fingerprint hashes a raw client fingerprint.
func (s *Service) Fingerprint(raw string) string {
	if s.fp == nil {
		return ""
	}
	return s.fp.Hash(raw)
}

// HasCredentials reports whether the user registered any authenticator.
func (s *Service) HasCredentials(ctx context.Context, userID string) (bool, error) {
	creds, err := s.creds.ListByUser(ctx, userID)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, "credential lookup failed", err)
	}
	return len(creds) > 0, nil
}

// BeginRegistration issues a registration challenge. Users who already
// hold a credential, or whose enrollment is bound to another device, need
// an approved re-enrollment first.
func (s *Service) BeginRegistration(ctx context.Context, acct Account, client activity.Client) (any, error) {
	existing, err := s.creds.ListByUser(ctx, acct.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "credential lookup failed", err)
	}
	reEnroll, err := s.reEnrolling(ctx, acct.UserID, len(existing) > 0, client.Fingerprint)
	if err == nil {
		err = s.requireApproval(ctx, acct.UserID, reEnroll)
	}
	if err != nil {
		s.reject(ctx, acct.UserID, activity.ActionWebAuthnRegister, client, err, nil)
		return nil, err
	}

	opts, session, err := s.rp.BeginRegistration(acct, existing)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "could not start registration", err)
	}
	if err := s.putChallenge(ctx, acct.UserID, PurposeRegistration, session); err != nil {
		return nil, err
	}
	return opts, nil
}

// FinishRegistration verifies the attestation and stores the credential.
func (s *Service) FinishRegistration(ctx context.Context, acct Account, body []byte, device string, client activity.Client) (Credential, error) {
	cred, err := s.finishRegistration(ctx, acct, body, device, client)
	if err != nil {
		metrics.WebAuthnCeremonies.WithLabelValues("registration", string(apperr.CodeOf(err))).Inc()
		s.reject(ctx, acct.UserID, activity.ActionWebAuthnRegister, client, err, nil)
		return Credential{}, err
	}
	metrics.WebAuthnCeremonies.WithLabelValues("registration", "ok").Inc()
	e := client.Entry(acct.UserID, activity.ActionWebAuthnRegister, activity.OutcomeSuccess)
	e.Details = map[string]any{"credential_id": cred.EncodedID(), "device": cred.Device}
	s.recorder.Record(ctx, e)
	return cred, nil
}

func (s *Service) finishRegistration(ctx context.Context, acct Account, body []byte, device string, client activity.Client) (Credential, error) {
	ch, err := s.takeChallenge(ctx, acct.UserID, PurposeRegistration)
	if err != nil {
		return Credential{}, err
	}

	existing, err := s.creds.ListByUser(ctx, acct.UserID)
	if err != nil {
		return Credential{}, apperr.Wrap(apperr.CodeInternal, "credential lookup failed", err)
	}
	reEnroll, err := s.reEnrolling(ctx, acct.UserID, len(existing) > 0, client.Fingerprint)
	if err != nil {
		return Credential{}, err
	}
	if err := s.requireApproval(ctx, acct.UserID, reEnroll); err != nil {
		return Credential{}, err
	}

	att, err := s.rp.FinishRegistration(acct, existing, ch.Session, body)
	if err != nil {
		return Credential{}, ceremonyError(err)
	}

	now := s.now().UTC()
	cred := Credential{
		ID:              att.CredentialID,
		UserID:          acct.UserID,
		PublicKey:       att.PublicKey,
		SignCount:       att.SignCount,
		Transports:      att.Transports,
		AAGUID:          att.AAGUID,
		AttestationType: att.AttestationType,
		BackupEligible:  att.BackupEligible,
		BackupState:     att.BackupState,
		Device:          device,
		CreatedAt:       now,
		LastUsedAt:      now,
	}
	save := func(ctx context.Context) error {
		err := s.creds.Create(ctx, cred)
		if errors.Is(err, ErrCredentialExists) {
			return apperr.Wrap(apperr.CodeCredentialInvalid, "credential already registered", err)
		}
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "credential store failed", err)
		}
		return nil
	}
	profile := enrollment.Profile{
		CredentialID:    cred.EncodedID(),
		FingerprintHash: client.Fingerprint,
	}

	// One approval pays for exactly one re-registration.
	if reEnroll {
		if _, err := s.enroll.Reenroll(ctx, acct.UserID, profile, save); err != nil {
			return Credential{}, err
		}
		return cred, nil
	}

	if err := save(ctx); err != nil {
		return Credential{}, err
	}
	if s.enroll != nil {
		if _, _, err := s.enroll.Ensure(ctx, acct.UserID, profile); err != nil {
			s.log.Error().Err(err).Str("user", acct.UserID).Msg("credential stored but enrollment link failed")
		}
	}
	return cred, nil
}

// BeginLogin issues an authentication challenge.
func (s *Service) BeginLogin(ctx context.Context, acct Account) (any, error) {
	creds, err := s.creds.ListByUser(ctx, acct.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "credential lookup failed", err)
	}
	if len(creds) == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "no registered credential for user")
	}
	opts, session, err := s.rp.BeginLogin(acct, creds)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "could not start authentication", err)
	}
	if err := s.putChallenge(ctx, acct.UserID, PurposeAuthentication, session); err != nil {
		return nil, err
	}
	return opts, nil
}

// FinishLogin verifies an assertion. The reported counter must be strictly
// greater than the stored one even when the signature is valid.
func (s *Service) FinishLogin(ctx context.Context, acct Account, body []byte, client activity.Client) (Credential, error) {
	cred, err := s.finishLogin(ctx, acct, body)
	if err != nil {
		metrics.WebAuthnCeremonies.WithLabelValues("authentication", outcomeLabel(err)).Inc()
		var details map[string]any
		if errors.Is(err, ErrCounterRegression) {
			details = map[string]any{"suspected_clone": true}
		}
		s.reject(ctx, acct.UserID, activity.ActionWebAuthnLogin, client, err, details)
		return Credential{}, err
	}
	metrics.WebAuthnCeremonies.WithLabelValues("authentication", "ok").Inc()
	e := client.Entry(acct.UserID, activity.ActionWebAuthnLogin, activity.OutcomeSuccess)
	e.Details = map[string]any{"credential_id": cred.EncodedID(), "sign_count": cred.SignCount}
	s.recorder.Record(ctx, e)
	return cred, nil
}

func (s *Service) finishLogin(ctx context.Context, acct Account, body []byte) (Credential, error) {
	ch, err := s.takeChallenge(ctx, acct.UserID, PurposeAuthentication)
	if err != nil {
		return Credential{}, err
	}
	creds, err := s.creds.ListByUser(ctx, acct.UserID)
	if err != nil {
		return Credential{}, apperr.Wrap(apperr.CodeInternal, "credential lookup failed", err)
	}

	asserted, err := s.rp.FinishLogin(acct, creds, ch.Session, body)
	if err != nil {
		return Credential{}, ceremonyError(err)
	}

	var cred *Credential
	for i := range creds {
		if bytes.Equal(creds[i].ID, asserted.CredentialID) {
			cred = &creds[i]
			break
		}
	}
	if cred == nil {
		return Credential{}, apperr.Wrap(apperr.CodeCredentialInvalid, "credential not registered to user", ErrVerificationFailed)
	}

	if asserted.SignCount <= cred.SignCount {
		s.log.Warn().Str("user", acct.UserID).Str("credential", cred.EncodedID()).
			Uint32("stored", cred.SignCount).Uint32("reported", asserted.SignCount).
			Msg("signature counter regression, suspected cloned authenticator")
		return Credential{}, apperr.Wrap(apperr.CodeCredentialInvalid, "signature counter did not increase", ErrCounterRegression)
	}

	now := s.now().UTC()
	if err := s.creds.AdvanceCounter(ctx, cred.ID, asserted.SignCount, now); err != nil {
		if errors.Is(err, ErrCounterRegression) {
			return Credential{}, apperr.Wrap(apperr.CodeCredentialInvalid, "signature counter did not increase", err)
		}
		return Credential{}, apperr.Wrap(apperr.CodeInternal, "counter update failed", err)
	}
	cred.SignCount = asserted.SignCount
	cred.LastUsedAt = now
	return *cred, nil
}

// SetupRequest is the explicit enrollment call.
type SetupRequest struct {
	UserID         string
	ReferencePhoto string
}

// Setup stores the reference photo and device fingerprint. Replacing an
// existing reference photo spends an approved re-enrollment.
func (s *Service) Setup(ctx context.Context, req SetupRequest, client activity.Client) (enrollment.Enrollment, error) {
	e, err := s.setup(ctx, req, client)
	if err != nil {
		s.reject(ctx, req.UserID, activity.ActionBiometricSetup, client, err, nil)
		return enrollment.Enrollment{}, err
	}
	s.recorder.Record(ctx, client.Entry(req.UserID, activity.ActionBiometricSetup, activity.OutcomeSuccess))
	return e, nil
}

func (s *Service) setup(ctx context.Context, req SetupRequest, client activity.Client) (enrollment.Enrollment, error) {
	photo := strings.TrimSpace(req.ReferencePhoto)
	if photo == "" {
		return enrollment.Enrollment{}, apperr.New(apperr.CodeInvalidRequest, "reference photo is required")
	}

	current, err := s.enrolled(ctx, req.UserID)
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	reEnroll := current != nil && (current.ReferencePhotoURL != "" || current.BoundElsewhere(client.Fingerprint))
	if err := s.requireApproval(ctx, req.UserID, reEnroll); err != nil {
		return enrollment.Enrollment{}, err
	}

	// Uploading first keeps an approval intact when the CDN is down.
	ref := photo
	if s.photos != nil {
		res, err := s.photos.UploadBase64(ctx, photo)
		if err != nil {
			return enrollment.Enrollment{}, apperr.Wrap(apperr.CodeInternal, "reference photo upload failed", err)
		}
		ref = res.SecureURL
	}

	profile := enrollment.Profile{
		ReferencePhotoURL: ref,
		FingerprintHash:   client.Fingerprint,
	}
	if reEnroll {
		return s.enroll.Reenroll(ctx, req.UserID, profile, nil)
	}
	e, _, err := s.enroll.Ensure(ctx, req.UserID, profile)
	return e, err
}

// reEnrolling reports whether a registration would replace enrolled
// material: a credential already on file, or a binding to another device.
func (s *Service) reEnrolling(ctx context.Context, userID string, hasCredential bool, fingerprint string) (bool, error) {
	if hasCredential {
		return true, nil
	}
	e, err := s.enrolled(ctx, userID)
	if err != nil {
		return false, err
	}
	return e != nil && e.BoundElsewhere(fingerprint), nil
}

// enrolled returns the user's enrollment, or nil when there is none yet.
func (s *Service) enrolled(ctx context.Context, userID string) (*enrollment.Enrollment, error) {
	if s.enroll == nil {
		return nil, nil
	}
	e, err := s.enroll.Get(ctx, userID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (s *Service) requireApproval(ctx context.Context, userID string, needed bool) error {
	if !needed {
		return nil
	}
	if s.enroll == nil {
		return apperr.New(apperr.CodeReEnrollmentRequired, "biometric data already enrolled")
	}
	ok, err := s.enroll.Approved(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.CodeReEnrollmentRequired, "biometric data already enrolled, request re-enrollment first")
	}
	return nil
}

func (s *Service) putChallenge(ctx context.Context, userID string, p Purpose, session *webauthn.SessionData) error {
	c := Challenge{UserID: userID, Purpose: p, Session: *session, ExpiresAt: s.now().Add(s.ttl)}
	if err := s.challenges.Put(ctx, c); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "challenge store failed", err)
	}
	return nil
}

func (s *Service) takeChallenge(ctx context.Context, userID string, p Purpose) (Challenge, error) {
	ch, err := s.challenges.Take(ctx, userID, p)
	if errors.Is(err, ErrChallengeNotFound) {
		return Challenge{}, apperr.Wrap(apperr.CodeCredentialInvalid, "no pending challenge", err)
	}
	if err != nil {
		return Challenge{}, apperr.Wrap(apperr.CodeInternal, "challenge store failed", err)
	}
	if ch.UserID != userID || ch.Purpose != p {
		return Challenge{}, apperr.Wrap(apperr.CodeCredentialInvalid, "challenge does not belong to user", ErrChallengeNotFound)
	}
	if !s.now().Before(ch.ExpiresAt) {
		return Challenge{}, apperr.Wrap(apperr.CodeCredentialInvalid, "challenge expired", ErrChallengeExpired)
	}
	return ch, nil
}

func (s *Service) reject(ctx context.Context, userID, action string, client activity.Client, err error, details map[string]any) {
	e := client.Entry(userID, action, activity.OutcomeFailure)
	e.Code = string(apperr.CodeOf(err))
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = err.Error()
	e.Details = details
	s.recorder.Record(ctx, e)
}

func ceremonyError(err error) error {
	if errors.Is(err, ErrOriginMismatch) {
		return apperr.Wrap(apperr.CodeCredentialInvalid, "origin does not match relying party", err)
	}
	if !errors.Is(err, ErrVerificationFailed) {
		err = errors.Join(ErrVerificationFailed, err)
	}
	return apperr.Wrap(apperr.CodeCredentialInvalid, "credential verification failed", err)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrCounterRegression):
		return "counter_regression"
	case errors.Is(err, ErrChallengeExpired):
		return "challenge_expired"
	case errors.Is(err, ErrChallengeNotFound):
		return "challenge_not_found"
	case errors.Is(err, ErrOriginMismatch):
		return "origin_mismatch"
	}
	return string(apperr.CodeOf(err))
}
