package attendance

import (
	"context"
	"errors"
	"time"

	"attendguard/internal/faceclient"
	"attendguard/internal/geo"
	"attendguard/internal/netorigin"
)

// Status is the attendance verdict stored on a record.
type Status string

const (
	StatusPresent    Status = "present"
	StatusLate       Status = "late"
	StatusAbsent     Status = "absent"
	StatusSick       Status = "sick"
	StatusPermission Status = "permission"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusSick, StatusPermission:
		return true
	}
	return false
}

// Identity records which factor proved the user's identity.
type Identity struct {
	Method       string            `json:"method"`
	CredentialID string            `json:"credential_id,omitempty"`
	SignCount    uint32            `json:"sign_count,omitempty"`
	Face         *faceclient.Match `json:"face,omitempty"`
}

// Verification is the audit metadata embedded in every record.
type Verification struct {
	Network     netorigin.Result `json:"network"`
	Geo         geo.Result       `json:"geo"`
	Identity    *Identity        `json:"identity,omitempty"`
	Fingerprint string           `json:"device_fingerprint,omitempty"`
	DeviceBound bool             `json:"device_bound"`
}

// Record is one AttendanceRecord.
type Record struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Scope        string       `json:"scope"`
	CheckInAt    time.Time    `json:"check_in_at"`
	CheckOutAt   *time.Time   `json:"check_out_at,omitempty"`
	Status       Status       `json:"status"`
	Verification Verification `json:"verification"`
	Verified     bool         `json:"verified"`
	VerifiedBy   string       `json:"verified_by,omitempty"`
	VerifiedAt   *time.Time   `json:"verified_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	UserID string
	Scope  string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

var (
	ErrNotFound        = errors.New("attendance record not found")
	ErrDuplicate       = errors.New("attendance already recorded for scope")
	ErrAlreadyClosed   = errors.New("attendance already checked out")
	ErrAlreadyVerified = errors.New("attendance already verified")
)

// Repository persists attendance records. Insert enforces one record per
// (user, scope); CheckOut and Review are conditional updates.
type Repository interface {
	Insert(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	FindByScope(ctx context.Context, userID, scope string) (Record, error)
	CheckOut(ctx context.Context, id string, at time.Time) error
	Review(ctx context.Context, id string, status Status, admin string, at time.Time) error
	List(ctx context.Context, f Filter) ([]Record, error)
}
