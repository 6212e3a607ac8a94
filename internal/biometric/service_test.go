package biometric

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"attendguard/internal/activity"
	"attendguard/internal/apperr"
	"attendguard/internal/cloudinary"
	"attendguard/internal/enrollment"
)

// fakeRP accepts bodies of the form {"id":"...","count":N,"fail":"origin|bad"}.
type fakeRP struct{}

type fakeResponse struct {
	ID    string `json:"id"`
	Count uint32 `json:"count"`
	Fail  string `json:"fail"`
}

func (fakeRP) decode(body []byte) (fakeResponse, error) {
	var r fakeResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return r, ErrVerificationFailed
	}
	switch r.Fail {
	case "origin":
		return r, ErrOriginMismatch
	case "bad":
		return r, ErrVerificationFailed
	}
	return r, nil
}

func (fakeRP) BeginRegistration(acct Account, _ []Credential) (any, *webauthn.SessionData, error) {
	return "creation-options", &webauthn.SessionData{Challenge: "reg-" + acct.UserID, UserID: []byte(acct.UserID)}, nil
}

func (rp fakeRP) FinishRegistration(_ Account, _ []Credential, _ webauthn.SessionData, body []byte) (Attested, error) {
	r, err := rp.decode(body)
	if err != nil {
		return Attested{}, err
	}
	return Attested{CredentialID: []byte(r.ID), PublicKey: []byte("pk"), SignCount: r.Count}, nil
}

func (fakeRP) BeginLogin(acct Account, _ []Credential) (any, *webauthn.SessionData, error) {
	return "assertion-options", &webauthn.SessionData{Challenge: "auth-" + acct.UserID, UserID: []byte(acct.UserID)}, nil
}

func (rp fakeRP) FinishLogin(_ Account, _ []Credential, _ webauthn.SessionData, body []byte) (Asserted, error) {
	r, err := rp.decode(body)
	if err != nil {
		return Asserted{}, err
	}
	return Asserted{CredentialID: []byte(r.ID), SignCount: r.Count}, nil
}

type fixture struct {
	svc    *Service
	acts   *activity.MemoryStore
	flow   *enrollment.Workflow
	creds  *MemoryCredentialStore
	clock  time.Time
	client activity.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		acts:   activity.NewMemoryStore(),
		creds:  NewMemoryCredentialStore(),
		clock:  time.Date(2026, 10, 18, 7, 0, 0, 0, time.UTC),
		client: activity.Client{IP: "10.0.0.5", UserAgent: "test"},
	}
	f.flow = enrollment.NewWorkflow(enrollment.NewMemoryStore(), zerolog.Nop())
	fp, _ := NewFingerprinter("k")
	challenges := NewMemoryChallengeStore()
	challenges.now = func() time.Time { return f.clock }
	f.svc = NewService(Deps{
		RP:           fakeRP{},
		Challenges:   challenges,
		Credentials:  f.creds,
		Enrollment:   f.flow,
		Recorder:     activity.NewLog(f.acts, nil, zerolog.Nop()),
		Fingerprints: fp,
		ChallengeTTL: time.Minute,
	}, zerolog.Nop())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func body(id string, count uint32, fail string) []byte {
	b, _ := json.Marshal(fakeResponse{ID: id, Count: count, Fail: fail})
	return b
}

func (f *fixture) register(t *testing.T, user, id string, count uint32) {
	t.Helper()
	ctx := context.Background()
	acct := Account{UserID: user}
	if _, err := f.svc.BeginRegistration(ctx, acct, f.client); err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if _, err := f.svc.FinishRegistration(ctx, acct, body(id, count, ""), "Pixel 8 / Chrome", f.client); err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
}

func (f *fixture) login(t *testing.T, user string, b []byte) (Credential, error) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.BeginLogin(ctx, Account{UserID: user}); err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	return f.svc.FinishLogin(ctx, Account{UserID: user}, b, f.client)
}

func TestFinishLogin_CounterMustIncrease(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1", "cred-1", 42)

	_, err := f.login(t, "u1", body("cred-1", 40, ""))
	if !errors.Is(err, ErrCounterRegression) {
		t.Fatalf("err = %v, want counter regression", err)
	}
	if apperr.CodeOf(err) != apperr.CodeCredentialInvalid {
		t.Errorf("code = %s, want credential_invalid", apperr.CodeOf(err))
	}

	_, err = f.login(t, "u1", body("cred-1", 42, ""))
	if !errors.Is(err, ErrCounterRegression) {
		t.Fatalf("equal counter accepted: %v", err)
	}

	entries, _ := f.acts.List(context.Background(), activity.Filter{ActorID: "u1", Action: activity.ActionWebAuthnLogin})
	if len(entries) != 2 {
		t.Fatalf("logged %d login attempts, want 2", len(entries))
	}
	for _, e := range entries {
		if !e.Failed() || e.Details["suspected_clone"] != true {
			t.Errorf("entry not flagged as suspected clone: %+v", e)
		}
	}

	cred, err := f.login(t, "u1", body("cred-1", 43, ""))
	if err != nil {
		t.Fatalf("valid login rejected: %v", err)
	}
	if cred.SignCount != 43 {
		t.Errorf("sign count = %d, want 43", cred.SignCount)
	}
	stored, _ := f.creds.ListByUser(context.Background(), "u1")
	if stored[0].SignCount != 43 {
		t.Errorf("stored count = %d, want 43", stored[0].SignCount)
	}
}

func TestFinishLogin_ChallengeSingleUse(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1", "cred-1", 1)

	if _, err := f.login(t, "u1", body("cred-1", 2, "")); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.FinishLogin(context.Background(), Account{UserID: "u1"}, body("cred-1", 3, ""), f.client)
	if !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("replayed response: err = %v, want challenge not found", err)
	}
}

func TestFinishLogin_ChallengeExpired(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1", "cred-1", 1)
	ctx := context.Background()

	if _, err := f.svc.BeginLogin(ctx, Account{UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	f.clock = f.clock.Add(2 * time.Minute)
	_, err := f.svc.FinishLogin(ctx, Account{UserID: "u1"}, body("cred-1", 2, ""), f.client)
	if !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("err = %v, want challenge expired", err)
	}
	// expired challenges are gone too
	_, err = f.svc.FinishLogin(ctx, Account{UserID: "u1"}, body("cred-1", 2, ""), f.client)
	if !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("err = %v, want challenge not found", err)
	}
}

func TestFinishLogin_OriginAndVerification(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1", "cred-1", 1)

	tests := []struct {
		fail string
		want error
	}{
		{"origin", ErrOriginMismatch},
		{"bad", ErrVerificationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.fail, func(t *testing.T) {
			_, err := f.login(t, "u1", body("cred-1", 5, tt.fail))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if apperr.CodeOf(err) != apperr.CodeCredentialInvalid {
				t.Errorf("code = %s", apperr.CodeOf(err))
			}
		})
	}

	_, err := f.login(t, "u1", body("someone-else", 5, ""))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("foreign credential: err = %v", err)
	}
}

func TestBeginLogin_NoCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.BeginLogin(context.Background(), Account{UserID: "nobody"})
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestReRegistrationNeedsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "u1", "cred-1", 1)

	_, err := f.svc.BeginRegistration(ctx, Account{UserID: "u1"}, f.client)
	if apperr.CodeOf(err) != apperr.CodeReEnrollmentRequired {
		t.Fatalf("err = %v, want re_enrollment_required", err)
	}

	if _, err := f.flow.Request(ctx, "u1", "bought a new phone"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.flow.Decide(ctx, "admin", "u1", enrollment.Approve); err != nil {
		t.Fatal(err)
	}
	f.register(t, "u1", "cred-2", 0)

	e, _ := f.flow.Get(ctx, "u1")
	if e.Status != enrollment.StatusNone {
		t.Errorf("approval not consumed: status %s", e.Status)
	}
	if e.CredentialID == "" {
		t.Error("enrollment not linked to credential")
	}
	_, err = f.svc.BeginRegistration(ctx, Account{UserID: "u1"}, f.client)
	if apperr.CodeOf(err) != apperr.CodeReEnrollmentRequired {
		t.Fatalf("second re-registration allowed: %v", err)
	}
}

func TestRegistration_DuplicateCredentialID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "u1", "shared", 1)

	_, _ = f.svc.BeginRegistration(ctx, Account{UserID: "u2"}, f.client)
	_, err := f.svc.FinishRegistration(ctx, Account{UserID: "u2"}, body("shared", 1, ""), "", f.client)
	if !errors.Is(err, ErrCredentialExists) {
		t.Fatalf("err = %v, want credential exists", err)
	}
}

func TestSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.client
	client.Fingerprint = f.svc.Fingerprint("device-abc")

	e, err := f.svc.Setup(ctx, SetupRequest{UserID: "u1", ReferencePhoto: "data:image/jpeg;base64,AAAA"}, client)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if e.ReferencePhotoURL == "" || e.FingerprintHash != client.Fingerprint {
		t.Errorf("enrollment = %+v", e)
	}

	_, err = f.svc.Setup(ctx, SetupRequest{UserID: "u1", ReferencePhoto: "data:image/jpeg;base64,BBBB"}, client)
	if apperr.CodeOf(err) != apperr.CodeReEnrollmentRequired {
		t.Fatalf("err = %v, want re_enrollment_required", err)
	}

	_, err = f.svc.Setup(ctx, SetupRequest{UserID: "u2"}, client)
	if apperr.CodeOf(err) != apperr.CodeInvalidRequest {
		t.Fatalf("err = %v, want invalid_request", err)
	}
}

type stubUploader struct{ err error }

func (u stubUploader) UploadBase64(context.Context, string) (*cloudinary.UploadResult, error) {
	if u.err != nil {
		return nil, u.err
	}
	return &cloudinary.UploadResult{SecureURL: "https://res.cloudinary.com/demo/ref/new.jpg"}, nil
}

func (f *fixture) approve(t *testing.T, user string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.flow.Request(ctx, user, "bought a new phone"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.flow.Decide(ctx, "admin", user, enrollment.Approve); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) status(t *testing.T, user string) enrollment.Status {
	t.Helper()
	e, err := f.flow.Get(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return e.Status
}

func TestSetup_FailedUploadKeepsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.client
	client.Fingerprint = f.svc.Fingerprint("device-a")
	if _, err := f.svc.Setup(ctx, SetupRequest{UserID: "u1", ReferencePhoto: "data:image/jpeg;base64,AAAA"}, client); err != nil {
		t.Fatal(err)
	}
	f.approve(t, "u1")

	f.svc.photos = stubUploader{err: errors.New("cloudinary down")}
	if _, err := f.svc.Setup(ctx, SetupRequest{UserID: "u1", ReferencePhoto: "data:image/jpeg;base64,BBBB"}, client); err == nil {
		t.Fatal("setup should fail when the upload fails")
	}
	if got := f.status(t, "u1"); got != enrollment.StatusApproved {
		t.Fatalf("status after failed setup = %s, want approved", got)
	}

	f.svc.photos = stubUploader{}
	e, err := f.svc.Setup(ctx, SetupRequest{UserID: "u1", ReferencePhoto: "data:image/jpeg;base64,BBBB"}, client)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.Status != enrollment.StatusNone || e.ReferencePhotoURL != "https://res.cloudinary.com/demo/ref/new.jpg" {
		t.Fatalf("enrollment after retry = %+v", e)
	}
}

func TestReRegistration_CollidingCredentialKeepsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "u2", "shared", 1)
	f.register(t, "u1", "cred-1", 1)
	f.approve(t, "u1")

	if _, err := f.svc.BeginRegistration(ctx, Account{UserID: "u1"}, f.client); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.FinishRegistration(ctx, Account{UserID: "u1"}, body("shared", 1, ""), "", f.client)
	if !errors.Is(err, ErrCredentialExists) {
		t.Fatalf("err = %v, want credential exists", err)
	}
	if got := f.status(t, "u1"); got != enrollment.StatusApproved {
		t.Fatalf("status after failed registration = %s, want approved", got)
	}

	f.register(t, "u1", "cred-2", 0)
	if got := f.status(t, "u1"); got != enrollment.StatusNone {
		t.Fatalf("status after re-registration = %s, want none", got)
	}
}

func TestRegistration_OtherDeviceNeedsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	devA, devB := f.client, f.client
	devA.Fingerprint = f.svc.Fingerprint("device-a")
	devB.Fingerprint = f.svc.Fingerprint("device-b")
	if _, err := f.svc.Setup(ctx, SetupRequest{UserID: "u1", ReferencePhoto: "data:image/jpeg;base64,AAAA"}, devA); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.BeginRegistration(ctx, Account{UserID: "u1"}, devB)
	if apperr.CodeOf(err) != apperr.CodeReEnrollmentRequired {
		t.Fatalf("err = %v, want re_enrollment_required", err)
	}
	e, _ := f.flow.Get(ctx, "u1")
	if e.FingerprintHash != devA.Fingerprint {
		t.Fatal("binding moved to device B without approval")
	}

	// the bound device registers its first passkey freely
	if _, err := f.svc.BeginRegistration(ctx, Account{UserID: "u1"}, devA); err != nil {
		t.Fatalf("bound device refused: %v", err)
	}

	f.approve(t, "u1")
	if _, err := f.svc.BeginRegistration(ctx, Account{UserID: "u1"}, devB); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.FinishRegistration(ctx, Account{UserID: "u1"}, body("cred-b", 1, ""), "", devB); err != nil {
		t.Fatal(err)
	}
	e, _ = f.flow.Get(ctx, "u1")
	if e.FingerprintHash != devB.Fingerprint || e.Status != enrollment.StatusNone {
		t.Fatalf("after approved re-registration: %+v", e)
	}
}

func TestSetup_OtherDeviceNeedsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	devB := f.client
	devB.Fingerprint = f.svc.Fingerprint("device-b")
	// bound by a first check-in, no photo yet
	if _, _, err := f.flow.Ensure(ctx, "u1", enrollment.Profile{FingerprintHash: f.svc.Fingerprint("device-a")}); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Setup(ctx, SetupRequest{UserID: "u1", ReferencePhoto: "data:image/jpeg;base64,AAAA"}, devB)
	if apperr.CodeOf(err) != apperr.CodeReEnrollmentRequired {
		t.Fatalf("err = %v, want re_enrollment_required", err)
	}
}

func TestRedisChallengeStore_TakeOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisChallengeStore(client)
	ctx := context.Background()

	c := Challenge{UserID: "u1", Purpose: PurposeAuthentication, ExpiresAt: time.Now().Add(time.Minute),
		Session: webauthn.SessionData{Challenge: "abc"}}
	if err := s.Put(ctx, c); err != nil {
		t.Fatal(err)
	}

	var got atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := s.Take(ctx, "u1", PurposeAuthentication)
			if err == nil && ch.Session.Challenge == "abc" {
				got.Add(1)
			}
		}()
	}
	wg.Wait()
	if got.Load() != 1 {
		t.Fatalf("challenge taken %d times, want 1", got.Load())
	}

	if _, err := s.Take(ctx, "u1", PurposeRegistration); !errors.Is(err, ErrChallengeNotFound) {
		t.Errorf("purposes must not share challenges: %v", err)
	}
}

func TestFingerprinter(t *testing.T) {
	a, _ := NewFingerprinter("key-a")
	b, _ := NewFingerprinter("key-b")

	if a.Hash("dev") != a.Hash(" dev ") {
		t.Error("hash should ignore surrounding whitespace")
	}
	if a.Hash("dev") == b.Hash("dev") {
		t.Error("hash must depend on the key")
	}
	if len(a.Hash("dev")) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a.Hash("dev")))
	}
	if a.Hash("") != "" {
		t.Error("empty fingerprint should hash to empty")
	}
	if _, err := NewFingerprinter(string(make([]byte, 65))); err == nil {
		t.Error("oversized key accepted")
	}
}

func TestWebAuthnRP_CheckOrigin(t *testing.T) {
	rp, err := NewWebAuthnRP("school.example", "School", []string{"https://portal.school.example"})
	if err != nil {
		t.Fatal(err)
	}
	if err := rp.checkOrigin("https://portal.school.example/"); err != nil {
		t.Errorf("configured origin rejected: %v", err)
	}
	if err := rp.checkOrigin("https://evil.example"); !errors.Is(err, ErrOriginMismatch) {
		t.Errorf("err = %v, want origin mismatch", err)
	}
}
