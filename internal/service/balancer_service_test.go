package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accessgate/internal/cache"
	"accessgate/internal/model"
)

type balancerEnv struct {
	store    *memStore
	cache    *cache.Cache
	balancer *BalancerService
	farmID   uuid.UUID
}

func newBalancerEnv(t *testing.T, redirectEnabled bool) *balancerEnv {
	t.Helper()

	store := newMemStore()
	c := cache.New(store.repos(), cache.Config{
		SaveInterval:            time.Hour,
		SessionPermanentTimeout: time.Hour,
	}, zap.NewNop())
	t.Cleanup(c.Close)

	return &balancerEnv{
		store:    store,
		cache:    c,
		balancer: NewBalancerService(c, redirectEnabled, zap.NewNop()),
		farmID:   uuid.New(),
	}
}

func (env *balancerEnv) addServer(t *testing.T, cores int, state model.ServerState, location string, points ...model.AccessPoint) model.Server {
	t.Helper()

	if len(points) == 0 {
		points = []model.AccessPoint{
			{IP: "203.0.113.10", Port: 443, Mode: model.AccessPointModePublic, IsListen: true},
		}
	}
	server := model.Server{
		ID:               uuid.New(),
		FarmID:           env.farmID,
		LogicalCoreCount: cores,
		State:            state,
		ConfigCode:       uuid.New(),
		Location:         location,
		AccessPoints:     points,
		CreatedAt:        time.Now().UTC(),
	}
	env.store.mu.Lock()
	env.store.servers[server.ID] = server
	env.store.mu.Unlock()
	return server
}

func (env *balancerEnv) setSessionCount(t *testing.T, serverID uuid.UUID, count int) {
	t.Helper()

	err := env.cache.AppendServerStatus(context.Background(), model.ServerStatus{
		ServerID:     serverID,
		SessionCount: count,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append status: %v", err)
	}
}

func TestSelectServer_ProportionalToCores(t *testing.T) {
	t.Parallel()

	env := newBalancerEnv(t, false)
	cores := []int{4, 2, 2, 1, 1}
	servers := make([]model.Server, 0, len(cores))
	for _, c := range cores {
		servers = append(servers, env.addServer(t, c, model.ServerStateActive, ""))
	}

	counts := make(map[uuid.UUID]int, len(servers))
	for i := 0; i < 10; i++ {
		picked, err := env.balancer.SelectServer(context.Background(), env.farmID, "", "198.51.100.7")
		if err != nil {
			t.Fatalf("SelectServer returned error: %v", err)
		}
		counts[picked.ID]++
		env.setSessionCount(t, picked.ID, counts[picked.ID])
	}

	for i, srv := range servers {
		if counts[srv.ID] != cores[i] {
			t.Fatalf("server with %d cores got %d sessions, want %d", cores[i], counts[srv.ID], cores[i])
		}
	}
}

func TestSelectServer_SkipsUnavailableStates(t *testing.T) {
	t.Parallel()

	env := newBalancerEnv(t, false)
	env.addServer(t, 8, model.ServerStateConfiguring, "")
	env.addServer(t, 8, model.ServerStateNotInstalled, "")
	env.addServer(t, 8, model.ServerStateLost, "")
	want := env.addServer(t, 1, model.ServerStateIdle, "")

	picked, err := env.balancer.SelectServer(context.Background(), env.farmID, "", "198.51.100.7")
	if err != nil {
		t.Fatalf("SelectServer returned error: %v", err)
	}
	if picked.ID != want.ID {
		t.Fatalf("expected the idle server, got state %s", picked.State)
	}
}

func TestSelectServer_NoEligibleServer(t *testing.T) {
	t.Parallel()

	env := newBalancerEnv(t, false)
	env.addServer(t, 4, model.ServerStateLost, "")

	if _, err := env.balancer.SelectServer(context.Background(), env.farmID, "", "198.51.100.7"); err != ErrNoEligibleServer {
		t.Fatalf("expected ErrNoEligibleServer, got %v", err)
	}
}

func TestSelectServer_LocationPrefixMatch(t *testing.T) {
	t.Parallel()

	env := newBalancerEnv(t, false)
	env.addServer(t, 4, model.ServerStateActive, "20/0")
	want := env.addServer(t, 1, model.ServerStateActive, "10/0")

	picked, err := env.balancer.SelectServer(context.Background(), env.farmID, "10", "198.51.100.7")
	if err != nil {
		t.Fatalf("SelectServer returned error: %v", err)
	}
	if picked.ID != want.ID {
		t.Fatalf("expected location 10/0 server, got %s", picked.Location)
	}
}

func TestSelectServer_IPv6PreferenceWithFallback(t *testing.T) {
	t.Parallel()

	env := newBalancerEnv(t, false)
	v4only := env.addServer(t, 8, model.ServerStateActive, "",
		model.AccessPoint{IP: "203.0.113.10", Port: 443, Mode: model.AccessPointModePublic, IsListen: true})
	v6 := env.addServer(t, 1, model.ServerStateActive, "",
		model.AccessPoint{IP: "2001:db8::1", Port: 443, Mode: model.AccessPointModePublic, IsListen: true})

	picked, err := env.balancer.SelectServer(context.Background(), env.farmID, "", "2001:db8::cafe")
	if err != nil {
		t.Fatalf("SelectServer returned error: %v", err)
	}
	if picked.ID != v6.ID {
		t.Fatal("IPv6 client should prefer the IPv6 listener")
	}

	// Remove the IPv6 server; the client must fall back to IPv4.
	env.store.mu.Lock()
	srv := env.store.servers[v6.ID]
	srv.State = model.ServerStateLost
	env.store.servers[v6.ID] = srv
	env.store.mu.Unlock()
	env.cache.Invalidate()

	picked, err = env.balancer.SelectServer(context.Background(), env.farmID, "", "2001:db8::cafe")
	if err != nil {
		t.Fatalf("SelectServer returned error: %v", err)
	}
	if picked.ID != v4only.ID {
		t.Fatal("expected IPv4 fallback when no IPv6 listener remains")
	}
}

func TestCheckRedirect_DisabledNeverRedirects(t *testing.T) {
	t.Parallel()

	env := newBalancerEnv(t, false)
	serving := env.addServer(t, 1, model.ServerStateActive, "")
	env.addServer(t, 8, model.ServerStateActive, "")
	env.setSessionCount(t, serving.ID, 100)

	serving, _ = env.cache.Server(context.Background(), serving.ID)
	if _, redirect, err := env.balancer.CheckRedirect(context.Background(), serving, "", "198.51.100.7"); err != nil || redirect {
		t.Fatalf("expected no redirect when disabled, redirect=%t err=%v", redirect, err)
	}
}

func TestCheckRedirect_PointsAtLessLoadedServer(t *testing.T) {
	t.Parallel()

	env := newBalancerEnv(t, true)
	serving := env.addServer(t, 1, model.ServerStateActive, "")
	better := env.addServer(t, 8, model.ServerStateActive, "",
		model.AccessPoint{IP: "203.0.113.20", Port: 443, Mode: model.AccessPointModePublic, IsListen: true})
	env.setSessionCount(t, serving.ID, 100)

	serving, _ = env.cache.Server(context.Background(), serving.ID)
	endpoint, redirect, err := env.balancer.CheckRedirect(context.Background(), serving, "", "198.51.100.7")
	if err != nil {
		t.Fatalf("CheckRedirect returned error: %v", err)
	}
	if !redirect {
		t.Fatal("expected redirect to the less loaded server")
	}
	if endpoint != better.AccessPoints[0].EndPoint() {
		t.Fatalf("expected endpoint %s, got %s", better.AccessPoints[0].EndPoint(), endpoint)
	}
}
