// Package biometric runs the platform-authenticator (WebAuthn) ceremonies
// and keeps the per-user credential set.
package biometric

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// Ceremony failures. All of them are rejected attempts, never faults; the
// service wraps them as credential_invalid.
var (
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrOriginMismatch     = errors.New("origin mismatch")
	ErrCounterRegression  = errors.New("signature counter did not increase")
	ErrVerificationFailed = errors.New("verification failed")

	ErrCredentialExists   = errors.New("credential already registered")
	ErrCredentialNotFound = errors.New("credential not found")
)

// Purpose separates registration and authentication challenges.
type Purpose string

const (
	PurposeRegistration   Purpose = "registration"
	PurposeAuthentication Purpose = "authentication"
)

// Account is the relying-party view of a user.
type Account struct {
	UserID      string
	Name        string
	DisplayName string
}

// Credential is one registered authenticator.
type Credential struct {
	ID              []byte    `json:"id"`
	UserID          string    `json:"user_id"`
	PublicKey       []byte    `json:"-"`
	SignCount       uint32    `json:"sign_count"`
	Transports      []string  `json:"transports,omitempty"`
	AAGUID          []byte    `json:"aaguid,omitempty"`
	AttestationType string    `json:"attestation_type,omitempty"`
	BackupEligible  bool      `json:"backup_eligible"`
	BackupState     bool      `json:"backup_state"`
	Device          string    `json:"device,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastUsedAt      time.Time `json:"last_used_at"`
}

// EncodedID is the URL-safe form clients and logs use.
func (c Credential) EncodedID() string {
	return base64.RawURLEncoding.EncodeToString(c.ID)
}

// Challenge is a pending ceremony. It validates at most one response.
type Challenge struct {
	UserID    string               `json:"user_id"`
	Purpose   Purpose              `json:"purpose"`
	Session   webauthn.SessionData `json:"session"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// ChallengeStore holds pending challenges. Take removes the challenge in
// the same step that reads it.
type ChallengeStore interface {
	Put(ctx context.Context, c Challenge) error
	Take(ctx context.Context, userID string, p Purpose) (Challenge, error)
}

// CredentialStore persists credentials. AdvanceCounter only succeeds when
// the stored counter is lower than count.
type CredentialStore interface {
	Create(ctx context.Context, c Credential) error
	ListByUser(ctx context.Context, userID string) ([]Credential, error)
	AdvanceCounter(ctx context.Context, id []byte, count uint32, at time.Time) error
}

// Attested is the verified outcome of a registration response.
type Attested struct {
	CredentialID    []byte
	PublicKey       []byte
	SignCount       uint32
	Transports      []string
	AAGUID          []byte
	AttestationType string
	BackupEligible  bool
	BackupState     bool
}

// Asserted is the verified outcome of an authentication response.
type Asserted struct {
	CredentialID []byte
	SignCount    uint32
}

// RelyingParty performs the cryptographic half of both ceremonies. Counter
// policy is the service's job, not the relying party's.
type RelyingParty interface {
	BeginRegistration(acct Account, existing []Credential) (any, *webauthn.SessionData, error)
	FinishRegistration(acct Account, existing []Credential, session webauthn.SessionData, body []byte) (Attested, error)
	BeginLogin(acct Account, creds []Credential) (any, *webauthn.SessionData, error)
	FinishLogin(acct Account, creds []Credential, session webauthn.SessionData, body []byte) (Asserted, error)
}
