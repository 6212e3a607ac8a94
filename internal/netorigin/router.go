package netorigin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// Lease is one active DHCP lease reported by the router.
type Lease struct {
	MACAddress string `json:"macAddress"`
	IPAddress  string `json:"ipAddress"`
	HostName   string `json:"hostName"`
	LastSeen   string `json:"lastSeen"`
}

// Router queries the router's lease table over its REST API.
type Router struct {
	BaseURL  string
	User     string
	Password string
	HTTP     *http.Client
	Timeout  time.Duration
}

// NewRouter creates a client with the given per-query timeout.
func NewRouter(baseURL, user, password string, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Router{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		User:     user,
		Password: password,
		Timeout:  timeout,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// Leases fetches the active lease table.
func (r *Router) Leases(ctx context.Context) ([]Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/leases", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(r.User, r.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("router request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("router error %s: %s", resp.Status, string(body))
	}

	var leases []Lease
	if err := json.NewDecoder(resp.Body).Decode(&leases); err != nil {
		return nil, fmt.Errorf("failed to decode leases: %w", err)
	}
	return leases, nil
}

func (r *Router) Source() Source { return SourceRouter }

// Contains reports an exact match against an active lease.
func (r *Router) Contains(ctx context.Context, ip netip.Addr) (bool, string, error) {
	leases, err := r.Leases(ctx)
	if err != nil {
		return false, "", err
	}
	for _, l := range leases {
		a, err := netip.ParseAddr(strings.TrimSpace(l.IPAddress))
		if err != nil {
			continue
		}
		if a.Unmap() == ip {
			detail := "active lease"
			if l.HostName != "" {
				detail += " " + l.HostName
			}
			if l.MACAddress != "" {
				detail += " (" + l.MACAddress + ")"
			}
			return true, detail, nil
		}
	}
	return false, "no active lease for address", nil
}
