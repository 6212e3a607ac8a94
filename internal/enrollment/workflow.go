package enrollment

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"attendguard/internal/apperr"
)

// MinReasonLength is the minimum trimmed length of a re-enrollment reason.
const MinReasonLength = 10

// Decision is an admin verdict on a pending request.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Workflow implements the re-enrollment state machine:
//
//	none|rejected --request--> pending --approve--> approved --reenroll--> none
//	                           pending --reject---> rejected --restore--> pending
//
// A re-enrollment whose save fails moves none back to approved.
type Workflow struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewWorkflow(store Store, log zerolog.Logger) *Workflow {
	return &Workflow{store: store, log: log, now: time.Now}
}

// Get returns the user's enrollment.
func (w *Workflow) Get(ctx context.Context, userID string) (Enrollment, error) {
	e, err := w.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Enrollment{}, apperr.Wrap(apperr.CodeNotFound, "no biometric enrollment on file", err)
	}
	if err != nil {
		return Enrollment{}, apperr.Wrap(apperr.CodeInternal, "enrollment lookup failed", err)
	}
	return e, nil
}

// Ensure creates the enrollment on first setup or registration and records
// the supplied profile either way. It reports whether the record is new.
// A record already bound to a device keeps that binding; moving it takes an
// approved request and goes through Reenroll.
func (w *Workflow) Ensure(ctx context.Context, userID string, p Profile) (Enrollment, bool, error) {
	now := w.now().UTC()
	e, created, err := w.store.Create(ctx, Enrollment{
		UserID:            userID,
		ReferencePhotoURL: p.ReferencePhotoURL,
		FingerprintHash:   p.FingerprintHash,
		CredentialID:      p.CredentialID,
		EnrolledAt:        now,
		Status:            StatusNone,
		UpdatedAt:         now,
	})
	if err != nil {
		return Enrollment{}, false, apperr.Wrap(apperr.CodeInternal, "enrollment create failed", err)
	}
	if created {
		return e, true, nil
	}
	if e.BoundElsewhere(p.FingerprintHash) {
		w.log.Warn().Str("user", userID).Msg("refused to rebind enrollment to another device")
		return Enrollment{}, false, apperr.New(apperr.CodeReEnrollmentRequired, "enrollment is bound to another device, request re-enrollment")
	}
	if err := w.store.UpdateProfile(ctx, userID, p, now); err != nil {
		return Enrollment{}, false, apperr.Wrap(apperr.CodeInternal, "enrollment update failed", err)
	}
	e, err = w.store.Get(ctx, userID)
	if err != nil {
		return Enrollment{}, false, apperr.Wrap(apperr.CodeInternal, "enrollment lookup failed", err)
	}
	return e, false, nil
}

// Request moves the user to pending. A request while pending or approved
// is a conflict and leaves the stored reason untouched.
func (w *Workflow) Request(ctx context.Context, userID, reason string) (Enrollment, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < MinReasonLength {
		return Enrollment{}, apperr.New(apperr.CodeInvalidRequest, "reason must be at least 10 characters")
	}

	e, err := w.Get(ctx, userID)
	if err != nil {
		return Enrollment{}, err
	}
	switch e.Status {
	case StatusPending:
		return Enrollment{}, apperr.Wrap(apperr.CodeConflictingRequest, "a re-enrollment request is already pending", apperr.ErrConflictingRequest)
	case StatusApproved:
		return Enrollment{}, apperr.Wrap(apperr.CodeConflictingRequest, "an approved re-enrollment has not been used yet", apperr.ErrConflictingRequest)
	}

	return w.transition(ctx, userID, userID, e.Status, StatusPending, Change{Reason: &reason}, reason)
}

// Decide approves or rejects a pending request. admin is recorded on the
// record and in the transition log.
func (w *Workflow) Decide(ctx context.Context, admin, userID string, d Decision) (Enrollment, error) {
	if strings.TrimSpace(admin) == "" {
		return Enrollment{}, apperr.New(apperr.CodeForbidden, "an admin identity is required")
	}
	var to Status
	switch d {
	case Approve:
		to = StatusApproved
	case Reject:
		to = StatusRejected
	default:
		return Enrollment{}, apperr.New(apperr.CodeInvalidRequest, "action must be approve or reject")
	}

	e, err := w.Get(ctx, userID)
	if err != nil {
		return Enrollment{}, err
	}
	if e.Status != StatusPending {
		return Enrollment{}, apperr.New(apperr.CodeConflictingRequest, "no pending re-enrollment request for user")
	}

	now := w.now().UTC()
	return w.transition(ctx, admin, userID, StatusPending, to, Change{ApprovedBy: &admin, ApprovedAt: &now}, "")
}

// Restore returns a rejected request to pending.
func (w *Workflow) Restore(ctx context.Context, admin, userID string) (Enrollment, error) {
	if strings.TrimSpace(admin) == "" {
		return Enrollment{}, apperr.New(apperr.CodeForbidden, "an admin identity is required")
	}
	e, err := w.Get(ctx, userID)
	if err != nil {
		return Enrollment{}, err
	}
	if e.Status != StatusRejected {
		return Enrollment{}, apperr.New(apperr.CodeConflictingRequest, "only rejected requests can be restored")
	}
	return w.transition(ctx, admin, userID, StatusRejected, StatusPending, Change{}, "")
}

// Approved reports whether the user may re-register now.
func (w *Workflow) Approved(ctx context.Context, userID string) (bool, error) {
	e, err := w.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, "enrollment lookup failed", err)
	}
	return e.Status == StatusApproved, nil
}

// Reenroll spends the user's approval on new enrollment material. The
// approval is claimed first so it pays for one re-enrollment only; save
// then persists whatever lives outside the enrollment record (nil when
// nothing does) and the profile is written last. When save or the profile
// write fails the approval is handed back.
func (w *Workflow) Reenroll(ctx context.Context, userID string, p Profile, save func(context.Context) error) (Enrollment, error) {
	if _, err := w.transition(ctx, userID, userID, StatusApproved, StatusNone, Change{}, "re-enrollment started"); err != nil {
		return Enrollment{}, err
	}

	var err error
	if save != nil {
		err = save(ctx)
	}
	if err == nil {
		if uerr := w.store.UpdateProfile(ctx, userID, p, w.now().UTC()); uerr != nil {
			err = apperr.Wrap(apperr.CodeInternal, "enrollment update failed", uerr)
		}
	}
	if err != nil {
		if _, rerr := w.transition(ctx, userID, userID, StatusNone, StatusApproved, Change{}, "re-enrollment failed, approval restored"); rerr != nil {
			w.log.Error().Err(rerr).Str("user", userID).Msg("approval lost after failed re-enrollment")
		}
		return Enrollment{}, err
	}
	return w.Get(ctx, userID)
}

// ListPending returns the admin queue.
func (w *Workflow) ListPending(ctx context.Context) ([]Enrollment, error) {
	list, err := w.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list pending failed", err)
	}
	return list, nil
}

// History returns the user's transition log oldest first.
func (w *Workflow) History(ctx context.Context, userID string) ([]Transition, error) {
	return w.store.Transitions(ctx, userID)
}

func (w *Workflow) transition(ctx context.Context, actor, userID string, from, to Status, c Change, reason string) (Enrollment, error) {
	t := Transition{
		ID:     uuid.NewString(),
		UserID: userID,
		Actor:  actor,
		From:   from,
		To:     to,
		Reason: reason,
		At:     w.now().UTC(),
	}
	err := w.store.Transition(ctx, userID, from, to, c, t)
	switch {
	case errors.Is(err, ErrStale):
		return Enrollment{}, apperr.Wrap(apperr.CodeConflictingRequest, "re-enrollment state changed, retry", err)
	case errors.Is(err, ErrNotFound):
		return Enrollment{}, apperr.Wrap(apperr.CodeNotFound, "no biometric enrollment on file", err)
	case err != nil:
		return Enrollment{}, apperr.Wrap(apperr.CodeInternal, "re-enrollment transition failed", err)
	}

	w.log.Info().Str("user", userID).Str("actor", actor).Str("from", string(from)).Str("to", string(to)).Msg("re-enrollment transition")
	return w.Get(ctx, userID)
}
