// Package netorigin decides whether a request comes from an authorized
// network, asking the router's DHCP lease table first and a static
// whitelist second.
package netorigin

import (
	"context"
	"net/netip"
	"strings"

	"github.com/rs/zerolog"

	"attendguard/internal/metrics"
)

// Source names the strategy that produced a verdict.
type Source string

const (
	SourceRouter    Source = "router"
	SourceWhitelist Source = "whitelist"
	SourceError     Source = "error"
)

// Result is the audit-friendly verdict.
type Result struct {
	Valid   bool   `json:"valid"`
	Source  Source `json:"source"`
	Details string `json:"details,omitempty"`
	// SSIDMatched is nil when the client reported no SSID or none are configured.
	SSIDMatched *bool `json:"ssid_matched,omitempty"`
}

// Strategy is one way of recognising an authorized address. An error means
// the strategy could not decide.
type Strategy interface {
	Source() Source
	Contains(ctx context.Context, ip netip.Addr) (bool, string, error)
}

// Validator runs strategies in order until one recognises the address.
type Validator struct {
	strategies []Strategy
	log        zerolog.Logger
}

// NewValidator builds a validator over the ordered strategies.
func NewValidator(log zerolog.Logger, strategies ...Strategy) *Validator {
	return &Validator{strategies: strategies, log: log}
}

// Validate never fails: strategy errors degrade to the next strategy and an
// address that no strategy recognises is invalid.
func (v *Validator) Validate(ctx context.Context, sourceIP string) Result {
	res := v.validate(ctx, sourceIP)
	metrics.NetworkVerdicts.WithLabelValues(string(res.Source), metrics.Bool(res.Valid)).Inc()
	return res
}

func (v *Validator) validate(ctx context.Context, sourceIP string) Result {
	ip, err := netip.ParseAddr(strings.TrimSpace(sourceIP))
	if err != nil {
		return Result{Source: SourceError, Details: "unparseable source address"}
	}
	ip = ip.Unmap()

	if len(v.strategies) == 0 {
		return Result{Source: SourceError, Details: "no network strategy configured"}
	}

	var notes []string
	decided := false
	last := SourceError
	for _, s := range v.strategies {
		ok, detail, err := s.Contains(ctx, ip)
		if err != nil {
			v.log.Warn().Err(err).Str("strategy", string(s.Source())).Msg("network strategy failed, degrading")
			notes = append(notes, string(s.Source())+": "+err.Error())
			continue
		}
		decided = true
		last = s.Source()
		if ok {
			return Result{Valid: true, Source: s.Source(), Details: detail}
		}
		notes = append(notes, string(s.Source())+": "+detail)
	}

	if !decided {
		return Result{Source: SourceError, Details: strings.Join(notes, "; ")}
	}
	return Result{Source: last, Details: strings.Join(notes, "; ")}
}

// MatchSSID reports whether reported is one of the authorized SSIDs. It
// returns nil when there is nothing to compare.
func MatchSSID(reported string, authorized []string) *bool {
	reported = strings.TrimSpace(reported)
	if reported == "" || len(authorized) == 0 {
		return nil
	}
	match := false
	for _, s := range authorized {
		if strings.EqualFold(strings.TrimSpace(s), reported) {
			match = true
			break
		}
	}
	return &match
}
