package config

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"attendguard/internal/ratelimit"
)

// Setting keys accepted from the admin settings table.
const (
	KeyCenterLat            = "geo.center_lat"
	KeyCenterLon            = "geo.center_lon"
	KeyRadius               = "geo.radius_m"
	KeyAccuracy             = "geo.accuracy_m"
	KeyIPRanges             = "network.ip_ranges"
	KeySSIDs                = "network.ssids"
	KeyRouterEnabled        = "router.enabled"
	KeyRouterURL            = "router.url"
	KeyRouterUser           = "router.user"
	KeyRouterPassword       = "router.password"
	KeyRateAuth             = "rate.auth"
	KeyRateBiometricSetup   = "rate.biometric_setup"
	KeyRateAttendance       = "rate.attendance"
	KeyRateEventCheckin     = "rate.event_checkin"
	KeyLateAfter            = "attendance.late_after"
	KeyTimezone             = "attendance.timezone"
	KeyEnforceDeviceBinding = "attendance.enforce_device_binding"
)

// SettingsSource loads admin overrides as raw key/value pairs.
type SettingsSource interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
}

// Provider caches a Settings snapshot built from env defaults plus admin
// overrides. Invalidate drops the cache so the next Snapshot reloads.
type Provider struct {
	base Settings
	src  SettingsSource
	ttl  time.Duration
	log  zerolog.Logger
	now  func() time.Time

	// loads collapses concurrent reloads into one source call, made
	// without holding mu.
	loads singleflight.Group

	mu       sync.Mutex
	cached   *Settings
	loadedAt time.Time
	gen      uint64
}

// NewProvider builds a provider. src may be nil, in which case the env
// defaults are served as-is.
func NewProvider(base Settings, src SettingsSource, ttl time.Duration, log zerolog.Logger) *Provider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Provider{base: base, src: src, ttl: ttl, log: log, now: time.Now}
}

// Snapshot returns the current settings. A failing source keeps the last good
// snapshot (or the env defaults) rather than failing the request.
func (p *Provider) Snapshot(ctx context.Context) Settings {
	s, gen, ok := p.fresh()
	if ok {
		return s
	}
	if p.src == nil {
		p.store(p.base, gen)
		return p.base
	}
	v, _, _ := p.loads.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return p.reload(context.WithoutCancel(ctx), gen), nil
	})
	return v.(Settings)
}

// fresh returns the cached snapshot when it is within the TTL, and the
// current generation either way.
func (p *Provider) fresh() (Settings, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && p.now().Sub(p.loadedAt) < p.ttl {
		return *p.cached, p.gen, true
	}
	return Settings{}, p.gen, false
}

func (p *Provider) reload(ctx context.Context, gen uint64) Settings {
	// a caller that lost the race to an earlier flight finds it done
	if s, _, ok := p.fresh(); ok {
		return s
	}
	kv, err := p.src.LoadSettings(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("settings source unavailable, serving previous snapshot")
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.cached != nil {
			return *p.cached
		}
		return p.base
	}

	s, errs := ApplyOverrides(p.base, kv)
	for _, e := range errs {
		p.log.Warn().Err(e).Msg("ignoring invalid setting override")
	}
	p.store(s, gen)
	return s
}

// store caches s. A load that started before an Invalidate still becomes the
// fallback but is not marked fresh.
func (p *Provider) store(s Settings, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = &s
	if p.gen == gen {
		p.loadedAt = p.now()
	}
}

// Invalidate forces the next Snapshot to reload from the source. The
// current snapshot stays as the fallback if that reload fails.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.gen++
	p.loadedAt = time.Time{}
	p.mu.Unlock()
}

// ApplyOverrides returns base with every valid override applied. Invalid
// values are skipped and reported.
func ApplyOverrides(base Settings, kv map[string]string) (Settings, []error) {
	s := base
	s.AuthorizedIPRanges = slices.Clone(base.AuthorizedIPRanges)
	s.AuthorizedSSIDs = slices.Clone(base.AuthorizedSSIDs)

	var errs []error
	bad := func(k, v string, err error) {
		errs = append(errs, fmt.Errorf("%s=%q: %w", k, v, err))
	}

	for k, v := range kv {
		switch k {
		case KeyCenterLat, KeyCenterLon, KeyRadius, KeyAccuracy:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				bad(k, v, err)
				continue
			}
			switch k {
			case KeyCenterLat:
				s.Perimeter.CenterLat = f
			case KeyCenterLon:
				s.Perimeter.CenterLon = f
			case KeyRadius:
				s.Perimeter.RadiusMeters = f
			case KeyAccuracy:
				s.Perimeter.MaxAccuracyMeters = ClampAccuracy(f)
			}
		case KeyIPRanges:
			s.AuthorizedIPRanges = splitCSV(v)
		case KeySSIDs:
			s.AuthorizedSSIDs = splitCSV(v)
		case KeyRouterEnabled, KeyEnforceDeviceBinding:
			b, err := strconv.ParseBool(v)
			if err != nil {
				bad(k, v, err)
				continue
			}
			if k == KeyRouterEnabled {
				s.Router.Enabled = b
			} else {
				s.EnforceDeviceBinding = b
			}
		case KeyRouterURL:
			s.Router.URL = v
		case KeyRouterUser:
			s.Router.User = v
		case KeyRouterPassword:
			s.Router.Password = v
		case KeyRateAuth, KeyRateBiometricSetup, KeyRateAttendance, KeyRateEventCheckin:
			dst := rateField(&s.Rates, k)
			p, err := ParsePolicy(dst.Name, v)
			if err != nil {
				bad(k, v, err)
				continue
			}
			*dst = p
		case KeyLateAfter:
			if _, err := time.Parse("15:04", v); err != nil {
				bad(k, v, err)
				continue
			}
			s.LateAfter = v
		case KeyTimezone:
			if _, err := time.LoadLocation(v); err != nil {
				bad(k, v, err)
				continue
			}
			s.Timezone = v
		default:
			errs = append(errs, fmt.Errorf("unknown setting %q", k))
		}
	}
	return s, errs
}

func rateField(r *RatePresets, key string) *ratelimit.Policy {
	switch key {
	case KeyRateAuth:
		return &r.Auth
	case KeyRateBiometricSetup:
		return &r.BiometricSetup
	case KeyRateAttendance:
		return &r.Attendance
	default:
		return &r.EventCheckin
	}
}
