package service

import (
	"context"
	"errors"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accessgate/internal/cache"
	"accessgate/internal/model"
)

var ErrNoEligibleServer = errors.New("no eligible server in farm")

// BalancerService spreads sessions across a farm's gateway servers in
// proportion to their core counts, using the session count of each
// server's latest status report.
type BalancerService struct {
	cache           *cache.Cache
	logger          *zap.Logger
	redirectEnabled bool
}

func NewBalancerService(c *cache.Cache, redirectEnabled bool, logger *zap.Logger) *BalancerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalancerService{
		cache:           c,
		logger:          logger,
		redirectEnabled: redirectEnabled,
	}
}

// SelectServer picks the farm server with the lowest sessions-per-core
// load among servers that are reachable (not configuring, not installed
// or lost), serve the requested location, and listen on the client's
// address family. IPv6 clients fall back to IPv4-only servers when the
// farm has no IPv6 listener.
func (b *BalancerService) SelectServer(ctx context.Context, farmID uuid.UUID, requestedLocation, clientIP string) (model.Server, error) {
	servers, err := b.cache.ServersByFarm(ctx, farmID)
	if err != nil {
		return model.Server{}, err
	}

	candidates := make([]model.Server, 0, len(servers))
	for _, s := range servers {
		if !serverEligible(s) {
			continue
		}
		if !locationMatches(s.Location, requestedLocation) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return model.Server{}, ErrNoEligibleServer
	}

	if clientIsIPv6(clientIP) {
		v6 := make([]model.Server, 0, len(candidates))
		for _, s := range candidates {
			if hasListenerFamily(s, true) {
				v6 = append(v6, s)
			}
		}
		if len(v6) > 0 {
			candidates = v6
		}
	}

	best := candidates[0]
	for _, s := range candidates[1:] {
		if lessLoaded(s, best) {
			best = s
		}
	}
	return best, nil
}

// CheckRedirect decides whether a session request arriving at serving
// should be bounced to a better-placed server. It returns the public
// endpoint to redirect to; redirects are suppressed when disabled or
// when the serving server is already the best choice.
func (b *BalancerService) CheckRedirect(ctx context.Context, serving model.Server, requestedLocation, clientIP string) (string, bool, error) {
	if !b.redirectEnabled {
		return "", false, nil
	}

	best, err := b.SelectServer(ctx, serving.FarmID, requestedLocation, clientIP)
	if err != nil {
		if errors.Is(err, ErrNoEligibleServer) {
			return "", false, nil
		}
		return "", false, err
	}
	if best.ID == serving.ID {
		return "", false, nil
	}

	endpoint := publicEndPoint(best, clientIsIPv6(clientIP))
	if endpoint == "" {
		return "", false, nil
	}
	return endpoint, true, nil
}

func serverEligible(s model.Server) bool {
	switch s.State {
	case model.ServerStateConfiguring, model.ServerStateNotInstalled, model.ServerStateLost:
		return false
	}
	for _, p := range s.AccessPoints {
		if p.IsListen {
			return true
		}
	}
	return false
}

// locationMatches accepts an exact location or any sub-location of the
// requested prefix, so requesting "10" matches a server at "10/0".
func locationMatches(serverLocation, requested string) bool {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return true
	}
	if serverLocation == requested {
		return true
	}
	return strings.HasPrefix(serverLocation, requested+"/")
}

func clientIsIPv6(clientIP string) bool {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	return addr.Is6() && !addr.Is4In6()
}

func hasListenerFamily(s model.Server, ipv6 bool) bool {
	for _, p := range s.AccessPoints {
		if p.IsListen && p.IsIPv6() == ipv6 {
			return true
		}
	}
	return false
}

// lessLoaded orders servers by sessions-per-core, integer cross
// multiplication so the comparison stays exact. Ties go to the bigger
// server, then to the smaller id for a stable outcome.
func lessLoaded(a, b model.Server) bool {
	aSessions, aCores := loadOf(a)
	bSessions, bCores := loadOf(b)

	left := int64(aSessions) * int64(bCores)
	right := int64(bSessions) * int64(aCores)
	if left != right {
		return left < right
	}
	if aCores != bCores {
		return aCores > bCores
	}
	return a.ID.String() < b.ID.String()
}

func loadOf(s model.Server) (sessions, cores int) {
	cores = s.LogicalCoreCount
	if cores < 1 {
		cores = 1
	}
	if s.LastStatus != nil {
		sessions = s.LastStatus.SessionCount
	}
	return sessions, cores
}

// publicEndPoint returns the endpoint a redirected client should dial,
// preferring the client's address family and falling back to any public
// point.
func publicEndPoint(s model.Server, preferIPv6 bool) string {
	var fallback string
	for _, p := range s.AccessPoints {
		if p.Mode != model.AccessPointModePublic && p.Mode != model.AccessPointModePublicInToken {
			continue
		}
		if p.IsIPv6() == preferIPv6 {
			return p.EndPoint()
		}
		if fallback == "" {
			fallback = p.EndPoint()
		}
	}
	return fallback
}
