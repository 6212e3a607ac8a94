package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/activity"
	"attendguard/internal/apperr"
	"attendguard/internal/config"
	"attendguard/internal/enrollment"
	"attendguard/internal/geo"
	"attendguard/internal/metrics"
	"attendguard/internal/netorigin"
	"attendguard/internal/ratelimit"
)

// Request is one check-in attempt. Fingerprint is already hashed.
type Request struct {
	UserID      string
	Email       string
	EventID     string
	Lat         float64
	Lon         float64
	Accuracy    float64
	SSID        string
	IP          string
	UserAgent   string
	Fingerprint string
	Assertion   []byte
	Selfie      string
}

// SettingsProvider hands out the current settings snapshot.
type SettingsProvider interface {
	Snapshot(ctx context.Context) config.Settings
}

// EventDirectory answers whether an event exists, so event scopes can only
// be opened for real events.
type EventDirectory interface {
	Known(ctx context.Context, eventID string) (bool, error)
}

// NetworkFactory builds the origin validator for a settings snapshot.
type NetworkFactory func(s config.Settings) *netorigin.Validator

// Service runs the check-in pipeline. It is the only writer of a record's
// status at creation time.
type Service struct {
	settings SettingsProvider
	limiter  *ratelimit.Limiter
	network  NetworkFactory
	identity []IdentityVerifier
	enroll   *enrollment.Workflow
	events   EventDirectory
	repo     Repository
	recorder activity.Recorder
	log      zerolog.Logger
	now      func() time.Time
}

// Deps groups the collaborators of NewService.
type Deps struct {
	Settings   SettingsProvider
	Limiter    *ratelimit.Limiter
	Network    NetworkFactory
	Identity   []IdentityVerifier
	Enrollment *enrollment.Workflow
	// Events validates event_id; without it only day scopes are accepted.
	Events   EventDirectory
	Repo     Repository
	Recorder activity.Recorder
}

// NewService creates the orchestrator.
func NewService(d Deps, log zerolog.Logger) *Service {
	if d.Recorder == nil {
		d.Recorder = activity.Discard{}
	}
	if d.Network == nil {
		d.Network = NetworkFromSettings(log)
	}
	return &Service{
		settings: d.Settings,
		limiter:  d.Limiter,
		network:  d.Network,
		identity: d.Identity,
		enroll:   d.Enrollment,
		events:   d.Events,
		repo:     d.Repo,
		recorder: d.Recorder,
		log:      log,
		now:      time.Now,
	}
}

// NetworkFromSettings builds router-then-whitelist validators.
func NetworkFromSettings(log zerolog.Logger) NetworkFactory {
	return func(s config.Settings) *netorigin.Validator {
		var strategies []netorigin.Strategy
		if s.Router.Enabled && s.Router.URL != "" {
			strategies = append(strategies, netorigin.NewRouter(s.Router.URL, s.Router.User, s.Router.Password, s.Router.Timeout))
		}
		strategies = append(strategies, netorigin.NewWhitelist(s.AuthorizedIPRanges))
		return netorigin.NewValidator(log, strategies...)
	}
}

// CheckIn runs rate limiting, network and location checks, identity
// verification and the duplicate check, then persists the record. Any
// failing step short-circuits; every attempt is logged.
func (s *Service) CheckIn(ctx context.Context, req Request) (Record, error) {
	var v Verification
	rec, err := s.checkIn(ctx, req, &v)
	code := "ok"
	if err != nil {
		code = string(apperr.CodeOf(err))
	}
	metrics.CheckinOutcomes.WithLabelValues(code).Inc()
	s.audit(ctx, activity.ActionAttendanceCheckin, req, v, rec, err)
	return rec, err
}

func (s *Service) checkIn(ctx context.Context, req Request, v *Verification) (Record, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Record{}, apperr.New(apperr.CodeUnauthorized, "user identity required")
	}
	set := s.settings.Snapshot(ctx)

	budget := set.VerifyBudget
	if budget <= 0 {
		budget = 8 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// 1. admission
	if d := s.limiter.Allow(ctx, req.UserID, set.Rates.Attendance); !d.Allowed {
		return Record{}, apperr.Wrap(apperr.CodeAdmissionDenied,
			fmt.Sprintf("too many check-in attempts, retry in %s", d.ResetIn.Round(time.Second)), apperr.ErrAdmissionDenied)
	}

	if err := s.checkEvent(ctx, req.EventID); err != nil {
		return Record{}, err
	}

	// 2+3. network origin and location are independent
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v.Network = s.network(set).Validate(gctx, req.IP)
		v.Network.SSIDMatched = netorigin.MatchSSID(req.SSID, set.AuthorizedSSIDs)
		return nil
	})
	g.Go(func() error {
		v.Geo = geo.Validate(req.Lat, req.Lon, req.Accuracy, set.Perimeter)
		return nil
	})
	_ = g.Wait()

	if !v.Network.Valid {
		return Record{}, apperr.Wrap(apperr.CodeNetworkUnauthorized, "request does not originate from an authorized network", apperr.ErrNetworkUnauthorized)
	}
	if !v.Geo.Valid {
		return Record{}, apperr.Wrap(apperr.CodeLocationImplausible, locationMessage(v.Geo.Reason), apperr.ErrLocationImplausible)
	}

	// 4. identity
	enr, err := s.enrollmentOf(ctx, req.UserID)
	if err != nil {
		return Record{}, err
	}
	v.Fingerprint = req.Fingerprint
	if err := s.checkDevice(set, enr, req.Fingerprint, v); err != nil {
		return Record{}, err
	}
	id, err := s.verifyIdentity(ctx, req, enr)
	if id.Method != "" {
		v.Identity = &id
	}
	if err != nil {
		return Record{}, err
	}

	// 5. one record per scope
	loc := location(set.Timezone)
	now := s.now().In(loc)
	scope := Scope(now, req.EventID)
	if _, err := s.repo.FindByScope(ctx, req.UserID, scope); err == nil {
		return Record{}, apperr.Wrap(apperr.CodeDuplicateAttendance, "attendance already recorded", apperr.ErrDuplicateAttendance)
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, apperr.Wrap(apperr.CodeInternal, "attendance lookup failed, retry", err)
	}

	// 6. persist, unless the caller is gone
	if err := ctx.Err(); err != nil {
		return Record{}, apperr.Wrap(apperr.CodeInternal, "request cancelled before the record was written", err)
	}
	rec := Record{
		UserID:       req.UserID,
		Scope:        scope,
		CheckInAt:    now.UTC(),
		Status:       StatusFor(now, set.LateAfter, req.EventID),
		Verification: *v,
	}
	rec, err = s.repo.Insert(ctx, rec)
	if errors.Is(err, ErrDuplicate) {
		return Record{}, apperr.Wrap(apperr.CodeDuplicateAttendance, "attendance already recorded", apperr.ErrDuplicateAttendance)
	}
	if err != nil {
		return Record{}, apperr.Wrap(apperr.CodeInternal, "attendance could not be saved, retry", err)
	}

	if enr == nil {
		if _, _, err := s.enroll.Ensure(ctx, req.UserID, enrollment.Profile{FingerprintHash: req.Fingerprint}); err != nil {
			s.log.Error().Err(err).Str("user", req.UserID).Msg("enrollment on first check-in failed")
		}
	}
	return rec, nil
}

func (s *Service) checkEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	if s.events == nil {
		return apperr.New(apperr.CodeInvalidRequest, "event check-in is not available")
	}
	ok, err := s.events.Known(ctx, eventID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "event lookup failed, retry", err)
	}
	if !ok {
		return apperr.New(apperr.CodeNotFound, "unknown event")
	}
	return nil
}

func (s *Service) enrollmentOf(ctx context.Context, userID string) (*enrollment.Enrollment, error) {
	e, err := s.enroll.Get(ctx, userID)
	if err == nil {
		return &e, nil
	}
	if apperr.CodeOf(err) == apperr.CodeNotFound {
		return nil, nil
	}
	return nil, err
}

// checkDevice enforces that the attempt comes from the enrolled device.
func (s *Service) checkDevice(set config.Settings, enr *enrollment.Enrollment, fingerprint string, v *Verification) error {
	if enr == nil || enr.FingerprintHash == "" {
		return nil
	}
	v.DeviceBound = fingerprint != "" && fingerprint == enr.FingerprintHash
	if set.EnforceDeviceBinding && !v.DeviceBound {
		return apperr.New(apperr.CodeReEnrollmentRequired, "device does not match the enrolled device, request re-enrollment")
	}
	return nil
}

func (s *Service) verifyIdentity(ctx context.Context, req Request, enr *enrollment.Enrollment) (Identity, error) {
	client := activity.Client{IP: req.IP, UserAgent: req.UserAgent, Fingerprint: req.Fingerprint}
	for _, iv := range s.identity {
		id, err := iv.Verify(ctx, req, enr, client)
		if errors.Is(err, ErrNotApplicable) {
			continue
		}
		return id, err
	}
	return Identity{}, apperr.New(apperr.CodeCredentialInvalid, "no usable identity factor: provide a passkey assertion or a selfie matching an enrolled photo")
}

// CheckOut closes today's (or the event's) open record.
func (s *Service) CheckOut(ctx context.Context, req Request) (Record, error) {
	rec, err := s.checkOut(ctx, req)
	s.audit(ctx, activity.ActionAttendanceCheckout, req, Verification{}, rec, err)
	return rec, err
}

func (s *Service) checkOut(ctx context.Context, req Request) (Record, error) {
	set := s.settings.Snapshot(ctx)
	if d := s.limiter.Allow(ctx, req.UserID, set.Rates.Attendance); !d.Allowed {
		return Record{}, apperr.Wrap(apperr.CodeAdmissionDenied, "too many attempts", apperr.ErrAdmissionDenied)
	}
	now := s.now().In(location(set.Timezone))
	rec, err := s.repo.FindByScope(ctx, req.UserID, Scope(now, req.EventID))
	if errors.Is(err, ErrNotFound) {
		return Record{}, apperr.New(apperr.CodeNotFound, "no check-in to close")
	}
	if err != nil {
		return Record{}, apperr.Wrap(apperr.CodeInternal, "attendance lookup failed, retry", err)
	}
	at := now.UTC()
	switch err := s.repo.CheckOut(ctx, rec.ID, at); {
	case errors.Is(err, ErrAlreadyClosed):
		return Record{}, apperr.New(apperr.CodeConflictingRequest, "already checked out")
	case err != nil:
		return Record{}, apperr.Wrap(apperr.CodeInternal, "check-out could not be saved, retry", err)
	}
	rec.CheckOutAt = &at
	return rec, nil
}

// Review is the admin-only status edit. A record accepts one review.
func (s *Service) Review(ctx context.Context, admin, id string, status Status) (Record, error) {
	if !status.Valid() {
		return Record{}, apperr.New(apperr.CodeInvalidRequest, "unknown attendance status")
	}
	err := s.repo.Review(ctx, id, status, admin, s.now().UTC())
	switch {
	case errors.Is(err, ErrNotFound):
		return Record{}, apperr.Wrap(apperr.CodeNotFound, "attendance record not found", err)
	case errors.Is(err, ErrAlreadyVerified):
		return Record{}, apperr.Wrap(apperr.CodeConflictingRequest, "record already verified", err)
	case err != nil:
		return Record{}, apperr.Wrap(apperr.CodeInternal, "review could not be saved", err)
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, apperr.Wrap(apperr.CodeInternal, "attendance lookup failed", err)
	}
	e := activity.Entry{ActorID: admin, Action: activity.ActionAttendanceReview, Outcome: activity.OutcomeSuccess,
		Details: map[string]any{"record_id": id, "user_id": rec.UserID, "status": string(status)}}
	s.recorder.Record(ctx, e)
	return rec, nil
}

// List returns records for the admin or the user's own history.
func (s *Service) List(ctx context.Context, f Filter) ([]Record, error) {
	recs, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "attendance list failed", err)
	}
	return recs, nil
}

func (s *Service) audit(ctx context.Context, action string, req Request, v Verification, rec Record, err error) {
	e := activity.Entry{
		ActorID:     req.UserID,
		ActorEmail:  req.Email,
		Action:      action,
		Outcome:     activity.OutcomeSuccess,
		IP:          req.IP,
		UserAgent:   req.UserAgent,
		Fingerprint: req.Fingerprint,
		Details:     map[string]any{},
	}
	if req.Lat != 0 || req.Lon != 0 {
		lat, lon := req.Lat, req.Lon
		e.Lat, e.Lon = &lat, &lon
	}
	if v.Network.Source != "" {
		e.Details["network_source"] = string(v.Network.Source)
		e.Details["network_valid"] = v.Network.Valid
	}
	if v.Geo.Reason != "" {
		e.Details["geo_reason"] = string(v.Geo.Reason)
		e.Details["geo_distance_m"] = v.Geo.DistanceMeters
		e.Details["geo_accuracy_m"] = v.Geo.AccuracyMeters
	}
	if v.Identity != nil {
		e.Details["identity_method"] = v.Identity.Method
		if v.Identity.Face != nil {
			e.Details["face_confidence"] = v.Identity.Face.Confidence
			e.Details["face_warnings"] = v.Identity.Face.Warnings
		}
	}
	if req.EventID != "" {
		e.Details["event_id"] = req.EventID
	}
	if err != nil {
		e.Outcome = activity.OutcomeFailure
		e.Code = string(apperr.CodeOf(err))
		e.Details["reason"] = apperr.MessageOf(err)
	} else {
		e.Details["record_id"] = rec.ID
		e.Details["status"] = string(rec.Status)
	}
	s.recorder.Record(ctx, e)
}

// Scope names the uniqueness bucket of a record.
func Scope(localNow time.Time, eventID string) string {
	if eventID != "" {
		return "event:" + eventID
	}
	return "day:" + localNow.Format("2006-01-02")
}

// StatusFor marks day check-ins after the HH:MM cutoff as late. Event
// check-ins are always present.
func StatusFor(localNow time.Time, lateAfter, eventID string) Status {
	if eventID != "" || lateAfter == "" {
		return StatusPresent
	}
	cutoff, err := time.Parse("15:04", lateAfter)
	if err != nil {
		return StatusPresent
	}
	limit := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), cutoff.Hour(), cutoff.Minute(), 0, 0, localNow.Location())
	if localNow.After(limit) {
		return StatusLate
	}
	return StatusPresent
}

func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func locationMessage(r geo.Reason) string {
	switch r {
	case geo.ReasonSpoofedAccuracy:
		return "reported location accuracy is implausible"
	case geo.ReasonAccuracyTooLow:
		return "location accuracy is too low, move to an open area and retry"
	case geo.ReasonOutsidePerimeter:
		return "you are outside the school perimeter"
	case geo.ReasonInvalidCoordinates:
		return "reported coordinates are invalid"
	}
	return "reported location is not plausible"
}
