// Package cache is the in-process working set for ledger entities. All
// request handling reads and writes go through it; the primary store is
// only touched on cache misses, by the background flush, and by Sync.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accessgate/internal/model"
	"accessgate/internal/repository"
)

const defaultSaveInterval = 30 * time.Second

type Config struct {
	// SaveInterval is the write-behind flush period.
	SaveInterval time.Duration
	// SessionPermanentTimeout is how long a closed session stays in the
	// hot store before Sync archives it to the reporting store.
	SessionPermanentTimeout time.Duration
}

type Repos struct {
	Tokens   repository.TokenRepository
	Accesses repository.AccessRepository
	Devices  repository.DeviceRepository
	Sessions repository.SessionRepository
	Servers  repository.ServerRepository
	Usages   repository.UsageRepository
	Cycles   repository.CycleRepository
	Report   repository.ReportRepository
}

type entry[T any] struct {
	mu  sync.Mutex
	val T
}

func (e *entry[T]) get() T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.val
}

func (e *entry[T]) update(fn func(*T)) T {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.val)
	return e.val
}

type accessKey struct {
	TokenID  uuid.UUID
	DeviceID uuid.UUID // uuid.Nil for the shared access of a private token
}

type deviceKey struct {
	ProjectID uuid.UUID
	ClientID  string
}

// sessionSet tracks the session ids of one access. Its mutex serializes
// admission (and therefore suppression victim choice) per access.
type sessionSet struct {
	mu       sync.Mutex
	ids      map[uuid.UUID]struct{}
	hydrated bool
}

type Cache struct {
	repos  Repos
	cfg    Config
	logger *zap.Logger

	tokens   sync.Map // uuid.UUID -> *entry[model.AccessToken]
	accesses sync.Map // uuid.UUID -> *entry[model.Access]
	devices  sync.Map // uuid.UUID -> *entry[model.Device]
	sessions sync.Map // uuid.UUID -> *entry[model.Session]
	servers  sync.Map // uuid.UUID -> *entry[model.Server]

	accessIndex sync.Map // accessKey -> uuid.UUID
	deviceIndex sync.Map // deviceKey -> uuid.UUID
	sessionSets sync.Map // access uuid.UUID -> *sessionSet
	loadedFarms sync.Map // farm uuid.UUID -> struct{}

	dirtyMu       sync.Mutex
	dirtyTokens   map[uuid.UUID]struct{}
	dirtyAccesses map[uuid.UUID]struct{}
	dirtyDevices  map[uuid.UUID]struct{}
	dirtySessions map[uuid.UUID]struct{}
	dirtyServers  map[uuid.UUID]struct{}
	deletedTokens map[uuid.UUID]struct{}

	bufMu     sync.Mutex
	usageBuf  []*model.AccessUsage
	statusBuf []*model.ServerStatus

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(repos Repos, cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = defaultSaveInterval
	}

	c := &Cache{
		repos:  repos,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	c.resetDirtySets()

	go c.flushLoop()
	return c
}

func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache) resetDirtySets() {
	c.dirtyTokens = make(map[uuid.UUID]struct{})
	c.dirtyAccesses = make(map[uuid.UUID]struct{})
	c.dirtyDevices = make(map[uuid.UUID]struct{})
	c.dirtySessions = make(map[uuid.UUID]struct{})
	c.dirtyServers = make(map[uuid.UUID]struct{})
	c.deletedTokens = make(map[uuid.UUID]struct{})
}

// Invalidate drops the whole in-memory working set. Unflushed changes are
// lost; callers flush first.
func (c *Cache) Invalidate() {
	clearMap(&c.tokens)
	clearMap(&c.accesses)
	clearMap(&c.devices)
	clearMap(&c.sessions)
	clearMap(&c.servers)
	clearMap(&c.accessIndex)
	clearMap(&c.deviceIndex)
	clearMap(&c.sessionSets)
	clearMap(&c.loadedFarms)

	c.dirtyMu.Lock()
	c.resetDirtySets()
	c.dirtyMu.Unlock()
}

func clearMap(m *sync.Map) {
	m.Range(func(key, _ any) bool {
		m.Delete(key)
		return true
	})
}

func (c *Cache) markDirty(set map[uuid.UUID]struct{}, id uuid.UUID) {
	c.dirtyMu.Lock()
	set[id] = struct{}{}
	c.dirtyMu.Unlock()
}

// ---- tokens ----

func (c *Cache) tokenEntry(ctx context.Context, id uuid.UUID) (*entry[model.AccessToken], error) {
	if current, ok := c.tokens.Load(id); ok {
		return current.(*entry[model.AccessToken]), nil
	}

	token, err := c.repos.Tokens.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	current, _ := c.tokens.LoadOrStore(id, &entry[model.AccessToken]{val: *token})
	return current.(*entry[model.AccessToken]), nil
}

func (c *Cache) Token(ctx context.Context, id uuid.UUID) (model.AccessToken, error) {
	e, err := c.tokenEntry(ctx, id)
	if err != nil {
		return model.AccessToken{}, err
	}
	return e.get(), nil
}

func (c *Cache) UpdateToken(ctx context.Context, id uuid.UUID, fn func(*model.AccessToken)) (model.AccessToken, error) {
	e, err := c.tokenEntry(ctx, id)
	if err != nil {
		return model.AccessToken{}, err
	}
	out := e.update(fn)
	c.markDirty(c.dirtyTokens, id)
	return out, nil
}

func (c *Cache) PutToken(token model.AccessToken) {
	c.tokens.Store(token.ID, &entry[model.AccessToken]{val: token})
	c.markDirty(c.dirtyTokens, token.ID)
}

// DeleteToken marks the token for removal. The token row and its Access
// rows are deleted from the hot store on the next flush; usage already
// copied to the reporting store survives.
func (c *Cache) DeleteToken(id uuid.UUID) {
	c.tokens.Delete(id)

	c.accessIndex.Range(func(key, value any) bool {
		k := key.(accessKey)
		if k.TokenID != id {
			return true
		}
		if accessID, ok := value.(uuid.UUID); ok {
			c.accesses.Delete(accessID)
			c.sessionSets.Delete(accessID)
		}
		c.accessIndex.Delete(key)
		return true
	})

	c.dirtyMu.Lock()
	delete(c.dirtyTokens, id)
	c.deletedTokens[id] = struct{}{}
	c.dirtyMu.Unlock()
}

// ---- accesses ----

func (c *Cache) accessEntry(ctx context.Context, id uuid.UUID) (*entry[model.Access], error) {
	if current, ok := c.accesses.Load(id); ok {
		return current.(*entry[model.Access]), nil
	}

	access, err := c.repos.Accesses.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	current, _ := c.accesses.LoadOrStore(id, &entry[model.Access]{val: *access})
	c.accessIndex.Store(keyForAccess(access), id)
	return current.(*entry[model.Access]), nil
}

func keyForAccess(a *model.Access) accessKey {
	key := accessKey{TokenID: a.TokenID}
	if a.DeviceID != nil {
		key.DeviceID = *a.DeviceID
	}
	return key
}

func (c *Cache) Access(ctx context.Context, id uuid.UUID) (model.Access, error) {
	e, err := c.accessEntry(ctx, id)
	if err != nil {
		return model.Access{}, err
	}
	return e.get(), nil
}

// AccessByTokenDevice resolves the access of a token, per device for
// public tokens (deviceID set) and shared for private ones (deviceID nil).
func (c *Cache) AccessByTokenDevice(ctx context.Context, tokenID uuid.UUID, deviceID *uuid.UUID) (model.Access, error) {
	key := accessKey{TokenID: tokenID}
	if deviceID != nil {
		key.DeviceID = *deviceID
	}

	if current, ok := c.accessIndex.Load(key); ok {
		return c.Access(ctx, current.(uuid.UUID))
	}

	access, err := c.repos.Accesses.FindByTokenAndDevice(ctx, tokenID, deviceID)
	if err != nil {
		return model.Access{}, err
	}

	c.accesses.LoadOrStore(access.ID, &entry[model.Access]{val: *access})
	c.accessIndex.Store(key, access.ID)
	return c.Access(ctx, access.ID)
}

func (c *Cache) PutAccess(access model.Access) {
	c.accesses.Store(access.ID, &entry[model.Access]{val: access})
	c.accessIndex.Store(keyForAccess(&access), access.ID)
	c.markDirty(c.dirtyAccesses, access.ID)
}

func (c *Cache) UpdateAccess(ctx context.Context, id uuid.UUID, fn func(*model.Access)) (model.Access, error) {
	e, err := c.accessEntry(ctx, id)
	if err != nil {
		return model.Access{}, err
	}
	out := e.update(fn)
	c.markDirty(c.dirtyAccesses, id)
	return out, nil
}

// ResetCycleCounters zeroes the cycle counters of every access, in memory
// first so a later flush cannot resurrect stale values, then in the hot
// store for rows not currently cached. Total counters are untouched.
func (c *Cache) ResetCycleCounters(ctx context.Context) (int64, error) {
	c.accesses.Range(func(key, value any) bool {
		e := value.(*entry[model.Access])
		e.update(func(a *model.Access) {
			a.CycleSentTraffic = 0
			a.CycleReceivedTraffic = 0
		})
		c.markDirty(c.dirtyAccesses, key.(uuid.UUID))
		return true
	})

	return c.repos.Accesses.ResetCycleCounters(ctx)
}

// ---- devices ----

func (c *Cache) deviceEntry(ctx context.Context, id uuid.UUID) (*entry[model.Device], error) {
	if current, ok := c.devices.Load(id); ok {
		return current.(*entry[model.Device]), nil
	}

	device, err := c.repos.Devices.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	current, _ := c.devices.LoadOrStore(id, &entry[model.Device]{val: *device})
	c.deviceIndex.Store(deviceKey{ProjectID: device.ProjectID, ClientID: device.ClientID}, id)
	return current.(*entry[model.Device]), nil
}

func (c *Cache) Device(ctx context.Context, id uuid.UUID) (model.Device, error) {
	e, err := c.deviceEntry(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	return e.get(), nil
}

func (c *Cache) DeviceByClientID(ctx context.Context, projectID uuid.UUID, clientID string) (model.Device, error) {
	key := deviceKey{ProjectID: projectID, ClientID: clientID}
	if current, ok := c.deviceIndex.Load(key); ok {
		return c.Device(ctx, current.(uuid.UUID))
	}

	device, err := c.repos.Devices.FindByClientID(ctx, projectID, clientID)
	if err != nil {
		return model.Device{}, err
	}

	c.devices.LoadOrStore(device.ID, &entry[model.Device]{val: *device})
	c.deviceIndex.Store(key, device.ID)
	return c.Device(ctx, device.ID)
}

func (c *Cache) PutDevice(device model.Device) {
	c.devices.Store(device.ID, &entry[model.Device]{val: device})
	c.deviceIndex.Store(deviceKey{ProjectID: device.ProjectID, ClientID: device.ClientID}, device.ID)
	c.markDirty(c.dirtyDevices, device.ID)
}

func (c *Cache) UpdateDevice(ctx context.Context, id uuid.UUID, fn func(*model.Device)) (model.Device, error) {
	e, err := c.deviceEntry(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	out := e.update(fn)
	c.markDirty(c.dirtyDevices, id)
	return out, nil
}

// ---- sessions ----

func (c *Cache) sessionEntry(ctx context.Context, id uuid.UUID) (*entry[model.Session], error) {
	if current, ok := c.sessions.Load(id); ok {
		return current.(*entry[model.Session]), nil
	}

	session, err := c.repos.Sessions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	current, _ := c.sessions.LoadOrStore(id, &entry[model.Session]{val: *session})
	return current.(*entry[model.Session]), nil
}

func (c *Cache) Session(ctx context.Context, id uuid.UUID) (model.Session, error) {
	e, err := c.sessionEntry(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	return e.get(), nil
}

func (c *Cache) UpdateSession(ctx context.Context, id uuid.UUID, fn func(*model.Session)) (model.Session, error) {
	e, err := c.sessionEntry(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	out := e.update(fn)
	c.markDirty(c.dirtySessions, id)
	return out, nil
}

func (c *Cache) set(accessID uuid.UUID) *sessionSet {
	if current, ok := c.sessionSets.Load(accessID); ok {
		return current.(*sessionSet)
	}
	current, _ := c.sessionSets.LoadOrStore(accessID, &sessionSet{ids: make(map[uuid.UUID]struct{})})
	return current.(*sessionSet)
}

// hydrateLocked loads the open sessions of an access from the hot store.
// The caller holds the set lock. In-memory entries win over stored rows so
// unflushed changes are not clobbered.
func (c *Cache) hydrateLocked(ctx context.Context, accessID uuid.UUID, set *sessionSet) error {
	if set.hydrated {
		return nil
	}

	stored, err := c.repos.Sessions.ListOpenByAccess(ctx, accessID)
	if err != nil {
		return err
	}
	for _, s := range stored {
		c.sessions.LoadOrStore(s.ID, &entry[model.Session]{val: *s})
		set.ids[s.ID] = struct{}{}
	}
	set.hydrated = true
	return nil
}

func (c *Cache) openSessionsLocked(set *sessionSet) []model.Session {
	open := make([]model.Session, 0, len(set.ids))
	for id := range set.ids {
		current, ok := c.sessions.Load(id)
		if !ok {
			continue
		}
		s := current.(*entry[model.Session]).get()
		if s.IsOpen() {
			open = append(open, s)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	return open
}

// DecideVictim picks the session to suppress from the open sessions of an
// access, oldest first, excluding the session being admitted. uuid.Nil
// means no suppression.
type DecideVictim func(open []model.Session) (victimID uuid.UUID, kind model.SuppressType)

// AdmitSession inserts a new session and, when the access would exceed
// maxDevice concurrent sessions, applies the suppression decision. The
// whole admission is serialized per access so concurrent creations cannot
// both elect zero victims.
func (c *Cache) AdmitSession(ctx context.Context, session model.Session, maxDevice int, decide DecideVictim) (model.Session, error) {
	set := c.set(session.AccessID)
	set.mu.Lock()
	defer set.mu.Unlock()

	if err := c.hydrateLocked(ctx, session.AccessID, set); err != nil {
		return model.Session{}, err
	}

	open := c.openSessionsLocked(set)
	if maxDevice > 0 && len(open)+1 > maxDevice && decide != nil {
		victimID, kind := decide(open)
		if kind != model.SuppressNone && victimID != uuid.Nil {
			now := time.Now().UTC()
			if current, ok := c.sessions.Load(victimID); ok {
				current.(*entry[model.Session]).update(func(v *model.Session) {
					v.SuppressedBy = kind
					v.EndTime = &now
				})
				c.markDirty(c.dirtySessions, victimID)
			}
			session.SuppressedTo = kind
		}
	}

	c.sessions.Store(session.ID, &entry[model.Session]{val: session})
	set.ids[session.ID] = struct{}{}
	c.markDirty(c.dirtySessions, session.ID)
	return session, nil
}

func (c *Cache) OpenSessionCount(ctx context.Context, accessID uuid.UUID) (int, error) {
	set := c.set(accessID)
	set.mu.Lock()
	defer set.mu.Unlock()

	if err := c.hydrateLocked(ctx, accessID, set); err != nil {
		return 0, err
	}
	return len(c.openSessionsLocked(set)), nil
}

// ---- servers ----

func (c *Cache) serverEntry(ctx context.Context, id uuid.UUID) (*entry[model.Server], error) {
	if current, ok := c.servers.Load(id); ok {
		return current.(*entry[model.Server]), nil
	}

	server, err := c.repos.Servers.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	current, _ := c.servers.LoadOrStore(id, &entry[model.Server]{val: *server})
	return current.(*entry[model.Server]), nil
}

func (c *Cache) Server(ctx context.Context, id uuid.UUID) (model.Server, error) {
	e, err := c.serverEntry(ctx, id)
	if err != nil {
		return model.Server{}, err
	}
	return e.get(), nil
}

func (c *Cache) PutServer(server model.Server) {
	c.servers.Store(server.ID, &entry[model.Server]{val: server})
	c.markDirty(c.dirtyServers, server.ID)
}

func (c *Cache) UpdateServer(ctx context.Context, id uuid.UUID, fn func(*model.Server)) (model.Server, error) {
	e, err := c.serverEntry(ctx, id)
	if err != nil {
		return model.Server{}, err
	}
	out := e.update(fn)
	c.markDirty(c.dirtyServers, id)
	return out, nil
}

// MarkLostServers flips active servers silent since the cutoff to the
// lost state in the hot store, then mirrors the change onto any loaded
// entries. The store row is already correct so nothing is marked dirty.
func (c *Cache) MarkLostServers(ctx context.Context, silentSince time.Time) ([]uuid.UUID, error) {
	ids, err := c.repos.Servers.MarkLost(ctx, silentSince)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		if current, ok := c.servers.Load(id); ok {
			current.(*entry[model.Server]).update(func(s *model.Server) {
				s.State = model.ServerStateLost
			})
		}
	}
	return ids, nil
}

// ServersByFarm returns every server of the farm, loading the farm from
// the hot store the first time it is asked for.
func (c *Cache) ServersByFarm(ctx context.Context, farmID uuid.UUID) ([]model.Server, error) {
	if _, loaded := c.loadedFarms.Load(farmID); !loaded {
		stored, err := c.repos.Servers.ListByFarm(ctx, farmID)
		if err != nil {
			return nil, err
		}
		for _, s := range stored {
			c.servers.LoadOrStore(s.ID, &entry[model.Server]{val: *s})
		}
		c.loadedFarms.Store(farmID, struct{}{})
	}

	out := make([]model.Server, 0, 16)
	c.servers.Range(func(_, value any) bool {
		s := value.(*entry[model.Server]).get()
		if s.FarmID == farmID {
			out = append(out, s)
		}
		return true
	})
	return out, nil
}

// ServerByEndPoint finds the farm server exposing the given "ip:port"
// access point.
func (c *Cache) ServerByEndPoint(ctx context.Context, farmID uuid.UUID, endPoint string) (model.Server, error) {
	servers, err := c.ServersByFarm(ctx, farmID)
	if err != nil {
		return model.Server{}, err
	}

	for _, s := range servers {
		for _, p := range s.AccessPoints {
			if p.EndPoint() == endPoint {
				return s, nil
			}
		}
	}
	return model.Server{}, repository.ErrNotFound
}

// ---- buffered fan-in ----

func (c *Cache) AppendUsage(usage model.AccessUsage) {
	c.bufMu.Lock()
	c.usageBuf = append(c.usageBuf, &usage)
	c.bufMu.Unlock()
}

// AppendServerStatus buffers a status report and makes it the server's
// in-memory last status immediately so the balancer sees fresh load.
func (c *Cache) AppendServerStatus(ctx context.Context, status model.ServerStatus) error {
	e, err := c.serverEntry(ctx, status.ServerID)
	if err != nil {
		return err
	}
	e.update(func(s *model.Server) {
		st := status
		st.IsLast = true
		s.LastStatus = &st
	})

	c.bufMu.Lock()
	c.statusBuf = append(c.statusBuf, &status)
	c.bufMu.Unlock()
	return nil
}
