// Package enrollment owns the per-user biometric enrollment record and the
// re-enrollment approval workflow. Records are never deleted; every state
// change is a compare-and-swap on the current status plus an immutable
// transition row.
package enrollment

import (
	"context"
	"errors"
	"time"
)

// Status is the re-enrollment state.
type Status string

const (
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is one of the four states.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Enrollment is the BiometricEnrollment record, one per user.
type Enrollment struct {
	UserID            string     `json:"user_id"`
	ReferencePhotoURL string     `json:"reference_photo_url,omitempty"`
	FingerprintHash   string     `json:"fingerprint_hash,omitempty"`
	CredentialID      string     `json:"credential_id,omitempty"`
	EnrolledAt        time.Time  `json:"enrolled_at"`
	Status            Status     `json:"re_enroll_status"`
	Reason            string     `json:"re_enroll_reason,omitempty"`
	ApprovedBy        string     `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// BoundElsewhere reports whether fingerprint names a different device than
// the one the enrollment is bound to. An unbound record or an empty
// fingerprint never conflicts.
func (e Enrollment) BoundElsewhere(fingerprint string) bool {
	return e.FingerprintHash != "" && fingerprint != "" && fingerprint != e.FingerprintHash
}

// Transition is an immutable audit row for one state change.
type Transition struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	Actor  string    `json:"actor"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Change carries the optional field updates applied with a transition.
type Change struct {
	Reason     *string
	ApprovedBy *string
	ApprovedAt *time.Time
}

// Profile is the enrollment material captured at setup or registration.
// Empty fields leave the stored value untouched.
type Profile struct {
	ReferencePhotoURL string
	FingerprintHash   string
	CredentialID      string
}

var (
	ErrNotFound = errors.New("enrollment not found")
	// ErrStale means the status changed between read and write.
	ErrStale = errors.New("enrollment status changed concurrently")
)

// Store persists enrollments and their transition log.
type Store interface {
	Get(ctx context.Context, userID string) (Enrollment, error)
	// Create inserts e unless a record exists; it returns the stored record
	// and whether it was created.
	Create(ctx context.Context, e Enrollment) (Enrollment, bool, error)
	UpdateProfile(ctx context.Context, userID string, p Profile, at time.Time) error
	// Transition moves userID from -> to atomically, returning ErrStale when
	// the current status is not from.
	Transition(ctx context.Context, userID string, from, to Status, c Change, t Transition) error
	ListByStatus(ctx context.Context, s Status) ([]Enrollment, error)
	Transitions(ctx context.Context, userID string) ([]Transition, error)
}
