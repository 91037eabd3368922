package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"accessgate/internal/model"
	"accessgate/internal/repository"
)

type fakeStore struct {
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

	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tokens:         make(map[uuid.UUID]model.AccessToken),
		accesses:       make(map[uuid.UUID]model.Access),
		devices:        make(map[uuid.UUID]model.Device),
		sessions:       make(map[uuid.UUID]model.Session),
		servers:        make(map[uuid.UUID]model.Server),
		reportSessions: make(map[uuid.UUID]model.Session),
	}
}

func (f *fakeStore) repos() Repos {
	return Repos{
		Tokens:   &fakeTokens{f},
		Accesses: &fakeAccesses{f},
		Devices:  &fakeDevices{f},
		Sessions: &fakeSessions{f},
		Servers:  &fakeServers{f},
		Usages:   &fakeUsages{f},
		Cycles:   &fakeCycles{f},
		Report:   &fakeReport{f},
	}
}

type fakeTokens struct{ s *fakeStore }

func (r *fakeTokens) FindByID(_ context.Context, id uuid.UUID) (*model.AccessToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tokens[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r *fakeTokens) Save(_ context.Context, token *model.AccessToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.saveErr != nil {
		return r.s.saveErr
	}
	r.s.tokens[token.ID] = *token
	return nil
}

func (r *fakeTokens) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.tokens, id)
	return nil
}

type fakeAccesses struct{ s *fakeStore }

func (r *fakeAccesses) FindByID(_ context.Context, id uuid.UUID) (*model.Access, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accesses[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (r *fakeAccesses) FindByTokenAndDevice(_ context.Context, tokenID uuid.UUID, deviceID *uuid.UUID) (*model.Access, error) {
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

func (r *fakeAccesses) Save(_ context.Context, access *model.Access) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.saveErr != nil {
		return r.s.saveErr
	}
	r.s.accesses[access.ID] = *access
	return nil
}

func (r *fakeAccesses) DeleteByToken(_ context.Context, tokenID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, a := range r.s.accesses {
		if a.TokenID == tokenID {
			delete(r.s.accesses, id)
		}
	}
	return nil
}

func (r *fakeAccesses) ResetCycleCounters(_ context.Context) (int64, error) {
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

type fakeDevices struct{ s *fakeStore }

func (r *fakeDevices) FindByID(_ context.Context, id uuid.UUID) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (r *fakeDevices) FindByClientID(_ context.Context, projectID uuid.UUID, clientID string) (*model.Device, error) {
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

func (r *fakeDevices) Save(_ context.Context, device *model.Device) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.devices[device.ID] = *device
	return nil
}

type fakeSessions struct{ s *fakeStore }

func (r *fakeSessions) FindByID(_ context.Context, id uuid.UUID) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sess, nil
}

func (r *fakeSessions) ListOpenByAccess(_ context.Context, accessID uuid.UUID) ([]*model.Session, error) {
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

func (r *fakeSessions) Save(_ context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.saveErr != nil {
		return r.s.saveErr
	}
	r.s.sessions[session.ID] = *session
	return nil
}

func (r *fakeSessions) ListEndedBefore(_ context.Context, endedBefore time.Time) ([]*model.Session, error) {
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

func (r *fakeSessions) Delete(_ context.Context, ids []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		delete(r.s.sessions, id)
	}
	return nil
}

type fakeServers struct{ s *fakeStore }

func (r *fakeServers) FindByID(_ context.Context, id uuid.UUID) (*model.Server, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	srv, ok := r.s.servers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &srv, nil
}

func (r *fakeServers) ListByFarm(_ context.Context, farmID uuid.UUID) ([]*model.Server, error) {
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

func (r *fakeServers) Save(_ context.Context, server *model.Server) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	saved := *server
	saved.LastStatus = nil
	r.s.servers[server.ID] = saved
	return nil
}

func (r *fakeServers) InsertStatus(_ context.Context, status *model.ServerStatus) error {
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

func (r *fakeServers) ListStatusHistory(_ context.Context) ([]*model.ServerStatus, error) {
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

func (r *fakeServers) DeleteStatuses(_ context.Context, ids []int64) error {
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

func (r *fakeServers) MarkLost(_ context.Context, silentSince time.Time) ([]uuid.UUID, error) {
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

type fakeUsages struct{ s *fakeStore }

func (r *fakeUsages) InsertBatch(_ context.Context, usages []*model.AccessUsage) error {
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

func (r *fakeUsages) ListAll(_ context.Context) ([]*model.AccessUsage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*model.AccessUsage, 0, len(r.s.usages))
	for _, u := range r.s.usages {
		copied := u
		out = append(out, &copied)
	}
	return out, nil
}

func (r *fakeUsages) Clear(_ context.Context, upToID int64) error {
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

type fakeCycles struct{ s *fakeStore }

func (r *fakeCycles) Current(_ context.Context) (*model.UsageCycle, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.cycle == nil {
		return nil, repository.ErrNotFound
	}
	out := *r.s.cycle
	return &out, nil
}

func (r *fakeCycles) SetCurrent(_ context.Context, cycle *model.UsageCycle) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	copied := *cycle
	r.s.cycle = &copied
	return nil
}

type fakeReport struct{ s *fakeStore }

func (r *fakeReport) CopySessions(_ context.Context, sessions []*model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sess := range sessions {
		r.s.reportSessions[sess.ID] = *sess
	}
	return nil
}

func (r *fakeReport) CopyUsages(_ context.Context, usages []*model.AccessUsage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range usages {
		r.s.reportUsages = append(r.s.reportUsages, *u)
	}
	return nil
}

func (r *fakeReport) CopyServerStatuses(_ context.Context, statuses []*model.ServerStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, st := range statuses {
		r.s.reportStatuses = append(r.s.reportStatuses, *st)
	}
	return nil
}
