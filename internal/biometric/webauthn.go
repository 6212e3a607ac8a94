package biometric

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// WebAuthnRP is the production RelyingParty backed by go-webauthn.
type WebAuthnRP struct {
	wa      *webauthn.WebAuthn
	origins []string
}

// NewWebAuthnRP configures the relying party identifier and allowed origins.
func NewWebAuthnRP(rpID, rpName string, origins []string) (*WebAuthnRP, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          rpID,
		RPDisplayName: rpName,
		RPOrigins:     origins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &WebAuthnRP{wa: wa, origins: origins}, nil
}

// waUser adapts an account and its credentials to webauthn.User.
type waUser struct {
	acct  Account
	creds []webauthn.Credential
}

func (u *waUser) WebAuthnID() []byte          { return []byte(u.acct.UserID) }
func (u *waUser) WebAuthnName() string        { return u.acct.Name }
func (u *waUser) WebAuthnDisplayName() string { return u.acct.DisplayName }
func (u *waUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func newUser(acct Account, creds []Credential) *waUser {
	u := &waUser{acct: acct}
	if u.acct.Name == "" {
		u.acct.Name = acct.UserID
	}
	if u.acct.DisplayName == "" {
		u.acct.DisplayName = u.acct.Name
	}
	for _, c := range creds {
		transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
		for _, t := range c.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		u.creds = append(u.creds, webauthn.Credential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		})
	}
	return u
}

func (rp *WebAuthnRP) checkOrigin(origin string) error {
	for _, o := range rp.origins {
		if strings.EqualFold(strings.TrimRight(o, "/"), strings.TrimRight(origin, "/")) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrOriginMismatch, origin)
}

func (rp *WebAuthnRP) BeginRegistration(acct Account, existing []Credential) (any, *webauthn.SessionData, error) {
	user := newUser(acct, existing)
	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.creds))
	for _, c := range user.creds {
		exclusions = append(exclusions, c.Descriptor())
	}
	return rp.wa.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			UserVerification:        protocol.VerificationRequired,
		}),
	)
}

func (rp *WebAuthnRP) FinishRegistration(acct Account, existing []Credential, session webauthn.SessionData, body []byte) (Attested, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return Attested{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := rp.checkOrigin(parsed.Response.CollectedClientData.Origin); err != nil {
		return Attested{}, err
	}
	cred, err := rp.wa.CreateCredential(newUser(acct, existing), session, parsed)
	if err != nil {
		return Attested{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return Attested{
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		SignCount:       cred.Authenticator.SignCount,
		Transports:      transports,
		AAGUID:          cred.Authenticator.AAGUID,
		AttestationType: cred.AttestationType,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}, nil
}

func (rp *WebAuthnRP) BeginLogin(acct Account, creds []Credential) (any, *webauthn.SessionData, error) {
	return rp.wa.BeginLogin(newUser(acct, creds), webauthn.WithUserVerification(protocol.VerificationRequired))
}

func (rp *WebAuthnRP) FinishLogin(acct Account, creds []Credential, session webauthn.SessionData, body []byte) (Asserted, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return Asserted{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := rp.checkOrigin(parsed.Response.CollectedClientData.Origin); err != nil {
		return Asserted{}, err
	}
	cred, err := rp.wa.ValidateLogin(newUser(acct, creds), session, parsed)
	if err != nil {
		return Asserted{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return Asserted{
		CredentialID: cred.ID,
		SignCount:    parsed.Response.AuthenticatorData.Counter,
	}, nil
}
