package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/migadu/smtpd/logger"
)

// DomainSource loads the trusted domain table.
type DomainSource interface {
	TrustedDomains(ctx context.Context) ([]string, error)
}

// Registry holds process-wide state shared by all sessions: the trusted
// relay networks and domains, and the session counter.
type Registry struct {
	mu       sync.RWMutex
	nets     []*net.IPNet
	domains  map[string]struct{}
	static   []string
	seqMu    sync.Mutex
	seq      uint64
	bootTime int64
}

// NewRegistry parses the configured trusted networks. Configured domains
// stay trusted across refreshes.
func NewRegistry(networks, domains []string) (*Registry, error) {
	nets, err := ParseTrustedNetworks(networks)
	if err != nil {
		return nil, err
	}
	r := &Registry{nets: nets, static: domains, bootTime: time.Now().Unix()}
	r.SetTrustedDomains(nil)
	return r, nil
}

// IsTrustedNetwork reports whether ip is inside a trusted relay network.
func (r *Registry) IsTrustedNetwork(ip net.IP) bool {
	if ip == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// TrustedNetworks returns the configured relay networks.
func (r *Registry) TrustedNetworks() []*net.IPNet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nets
}

// IsTrustedDomain reports whether domain is one the service answers for
// administratively.
func (r *Registry) IsTrustedDomain(domain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.domains[strings.ToLower(domain)]
	return ok
}

// SetTrustedDomains replaces the loaded part of the domain table.
func (r *Registry) SetTrustedDomains(loaded []string) {
	domains := make(map[string]struct{}, len(loaded)+len(r.static))
	for _, d := range r.static {
		domains[strings.ToLower(d)] = struct{}{}
	}
	for _, d := range loaded {
		domains[strings.ToLower(d)] = struct{}{}
	}
	r.mu.Lock()
	r.domains = domains
	r.mu.Unlock()
}

// NextSessionID returns a strictly increasing session identifier. The
// boot time prefix keeps ids unique across restarts.
func (r *Registry) NextSessionID() string {
	r.seqMu.Lock()
	r.seq++
	n := r.seq
	r.seqMu.Unlock()
	return fmt.Sprintf("%x-%06d", r.bootTime, n)
}

// Refresh reloads the domain table once.
func (r *Registry) Refresh(ctx context.Context, src DomainSource) error {
	domains, err := src.TrustedDomains(ctx)
	if err != nil {
		return fmt.Errorf("failed to load trusted domains: %w", err)
	}
	r.SetTrustedDomains(domains)
	return nil
}

// StartRefresh reloads the domain table every interval until ctx ends. A
// failed reload keeps the previous table.
func (r *Registry) StartRefresh(ctx context.Context, src DomainSource, interval time.Duration) {
	if err := r.Refresh(ctx, src); err != nil {
		logger.Warn("Registry: initial trusted domain load failed", "error", err)
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx, src); err != nil {
					logger.Warn("Registry: trusted domain refresh failed", "error", err)
				}
			}
		}
	}()
}
