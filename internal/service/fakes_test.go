package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"accessgate/internal/cache"
	"accessgate/internal/model"
	"accessgate/internal/repository"
)

// memStore is a single in-memory backing store shared by the per-entity
// fake repositories below.
type memStore struct {
	mu sync.Mutex

	tokens   map[uuid.UUID]model.AccessToken
	accesses map[uuid.UUID]model.Access
	devices  map[uuid.UUID]model.Device
	sessions map[uuid.UUID]model.Session
	servers  map[uuid.UUID]model.Server

	statuses     []model.ServerStatus
	nextStatusID int64
	usages       []model.AccessUsage
	nextUsageID  int64
	cycle        *model.UsageCycle

	reportSessions map[uuid.UUID]model.Session
	reportUsages   []model.AccessUsage
	reportStatuses []model.ServerStatus
}

func newMemStore() *memStore {
	return &memStore{
		tokens:         make(map[uuid.UUID]model.AccessToken),
		accesses:       make(map[uuid.UUID]model.Access),
		devices:        make(map[uuid.UUID]model.Device),
		sessions:       make(map[uuid.UUID]model.Session),
		servers:        make(map[uuid.UUID]model.Server),
		reportSessions: make(map[uuid.UUID]model.Session),
	}
}

func (m *memStore) repos() cache.Repos {
	return cache.Repos{
		Tokens:   &memTokens{m},
		Accesses: &memAccesses{m},
		Devices:  &memDevices{m},
		Sessions: &memSessions{m},
		Servers:  &memServers{m},
		Usages:   &memUsages{m},
		Cycles:   &memCycles{m},
		Report:   &memReport{m},
	}
}

type memTokens struct{ s *memStore }

func (r *memTokens) FindByID(_ context.Context, id uuid.UUID) (*model.AccessToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tokens[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r *memTokens) Save(_ context.Context, token *model.AccessToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.tokens[token.ID] = *token
	return nil
}

func (r *memTokens) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tokens[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.tokens, id)
	return nil
}

type memAccesses struct{ s *memStore }

func (r *memAccesses) FindByID(_ context.Context, id uuid.UUID) (*model.Access, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accesses[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (r *memAccesses) FindByTokenAndDevice(_ context.Context, tokenID uuid.UUID, deviceID *uuid.UUID) (*model.Access, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accesses {
		if a.TokenID != tokenID {
			continue
		}
		if deviceID == nil && a.DeviceID == nil {
			out := a
			return &out, nil
		}
		if deviceID != nil && a.DeviceID != nil && *a.DeviceID == *deviceID {
			out := a
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memAccesses) Save(_ context.Context, access *model.Access) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.accesses[access.ID] = *access
	return nil
}

func (r *memAccesses) DeleteByToken(_ context.Context, tokenID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, a := range r.s.accesses {
		if a.TokenID == tokenID {
			delete(r.s.accesses, id)
		}
	}
	return nil
}

func (r *memAccesses) ResetCycleCounters(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, a := range r.s.accesses {
		a.CycleSentTraffic = 0
		a.CycleReceivedTraffic = 0
		r.s.accesses[id] = a
		n++
	}
	return n, nil
}

type memDevices struct{ s *memStore }

func (r *memDevices) FindByID(_ context.Context, id uuid.UUID) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (r *memDevices) FindByClientID(_ context.Context, projectID uuid.UUID, clientID string) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.devices {
		if d.ProjectID == projectID && d.ClientID == clientID {
			out := d
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memDevices) Save(_ context.Context, device *model.Device) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.devices[device.ID] = *device
	return nil
}

type memSessions struct{ s *memStore }

func (r *memSessions) FindByID(_ context.Context, id uuid.UUID) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sess, nil
}

func (r *memSessions) ListOpenByAccess(_ context.Context, accessID uuid.UUID) ([]*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*model.Session, 0, 4)
	for _, sess := range r.s.sessions {
		if sess.AccessID == accessID && sess.EndTime == nil {
			copied := sess
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memSessions) Save(_ context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[session.ID] = *session
	return nil
}

func (r *memSessions) ListEndedBefore(_ context.Context, endedBefore time.Time) ([]*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*model.Session, 0, 4)
	for _, sess := range r.s.sessions {
		if sess.EndTime != nil && sess.EndTime.Before(endedBefore) {
			copied := sess
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memSessions) Delete(_ context.Context, ids []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		delete(r.s.sessions, id)
	}
	return nil
}

type memServers struct{ s *memStore }

func (r *memServers) FindByID(_ context.Context, id uuid.UUID) (*model.Server, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	srv, ok := r.s.servers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &srv, nil
}

func (r *memServers) ListByFarm(_ context.Context, farmID uuid.UUID) ([]*model.Server, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*model.Server, 0, 4)
	for _, srv := range r.s.servers {
		if srv.FarmID == farmID {
			copied := srv
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memServers) Save(_ context.Context, server *model.Server) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	saved := *server
	saved.LastStatus = nil
	r.s.servers[server.ID] = saved
	return nil
}

func (r *memServers) InsertStatus(_ context.Context, status *model.ServerStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.statuses {
		if r.s.statuses[i].ServerID == status.ServerID {
			r.s.statuses[i].IsLast = false
		}
	}
	r.s.nextStatusID++
	status.ID = r.s.nextStatusID
	status.IsLast = true
	r.s.statuses = append(r.s.statuses, *status)
	return nil
}

func (r *memServers) ListStatusHistory(_ context.Context) ([]*model.ServerStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*model.ServerStatus, 0, 8)
	for _, st := range r.s.statuses {
		if !st.IsLast {
			copied := st
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memServers) DeleteStatuses(_ context.Context, ids []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := r.s.statuses[:0]
	for _, st := range r.s.statuses {
		if _, gone := drop[st.ID]; !gone {
			kept = append(kept, st)
		}
	}
	r.s.statuses = kept
	return nil
}

func (r *memServers) MarkLost(_ context.Context, silentSince time.Time) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var lost []uuid.UUID
	for id, srv := range r.s.servers {
		if srv.State != model.ServerStateActive {
			continue
		}
		recent := false
		for _, st := range r.s.statuses {
			if st.ServerID == id && st.CreatedAt.After(silentSince) {
				recent = true
				break
			}
		}
		if !recent {
			srv.State = model.ServerStateLost
			r.s.servers[id] = srv
			lost = append(lost, id)
		}
	}
	return lost, nil
}

type memUsages struct{ s *memStore }

func (r *memUsages) InsertBatch(_ context.Context, usages []*model.AccessUsage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range usages {
		r.s.nextUsageID++
		row := *u
		row.ID = r.s.nextUsageID
		r.s.usages = append(r.s.usages, row)
	}
	return nil
}

func (r *memUsages) ListAll(_ context.Context) ([]*model.AccessUsage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*model.AccessUsage, 0, len(r.s.usages))
	for _, u := range r.s.usages {
		copied := u
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memUsages) Clear(_ context.Context, upToID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.usages[:0]
	for _, u := range r.s.usages {
		if u.ID > upToID {
			kept = append(kept, u)
		}
	}
	r.s.usages = kept
	return nil
}

type memCycles struct{ s *memStore }

func (r *memCycles) Current(_ context.Context) (*model.UsageCycle, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.cycle == nil {
		return nil, repository.ErrNotFound
	}
	out := *r.s.cycle
	return &out, nil
}

func (r *memCycles) SetCurrent(_ context.Context, cycle *model.UsageCycle) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	copied := *cycle
	r.s.cycle = &copied
	return nil
}

type memReport struct{ s *memStore }

func (r *memReport) CopySessions(_ context.Context, sessions []*model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sess := range sessions {
		r.s.reportSessions[sess.ID] = *sess
	}
	return nil
}

func (r *memReport) CopyUsages(_ context.Context, usages []*model.AccessUsage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range usages {
		r.s.reportUsages = append(r.s.reportUsages, *u)
	}
	return nil
}

func (r *memReport) CopyServerStatuses(_ context.Context, statuses []*model.ServerStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, st := range statuses {
		r.s.reportStatuses = append(r.s.reportStatuses, *st)
	}
	return nil
}
