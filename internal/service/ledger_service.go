package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accessgate/internal/cache"
	"accessgate/internal/event"
	"accessgate/internal/metrics"
	"accessgate/internal/model"
	"accessgate/internal/repository"
	"accessgate/pkg/crypto"
)

var ErrInvalidLedgerInput = errors.New("invalid ledger input")

type CreateSessionRequest struct {
	TokenID           uuid.UUID `json:"token_id"`
	ClientIP          string    `json:"client_ip"`
	HostEndPoint      string    `json:"host_end_point"`
	RequestedLocation string    `json:"requested_location"`
	ClientID          string    `json:"client_id"`
	UserAgent         string    `json:"user_agent"`
	ClientVersion     string    `json:"client_version"`
}

type SessionResult struct {
	SessionID            uuid.UUID            `json:"session_id,omitempty"`
	SessionKey           []byte               `json:"session_key,omitempty"`
	ErrorCode            model.ErrorCode      `json:"error_code"`
	SuppressedTo         model.SuppressType   `json:"suppressed_to,omitempty"`
	SuppressedBy         model.SuppressType   `json:"suppressed_by,omitempty"`
	RedirectHostEndPoint string               `json:"redirect_host_end_point,omitempty"`
	AccessUsage          *model.UsageSnapshot `json:"access_usage,omitempty"`
}

// LedgerService owns admission and usage accounting for access tokens.
// Every read and write goes through the cache; it never touches the
// stores directly.
type LedgerService struct {
	cache    *cache.Cache
	balancer *BalancerService
	eventBus *event.Bus
	logger   *zap.Logger

	nowFn        func() time.Time
	sessionKeyFn func() ([]byte, error)
}

func NewLedgerService(c *cache.Cache, balancer *BalancerService, eventBus *event.Bus, logger *zap.Logger) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LedgerService{
		cache:        c,
		balancer:     balancer,
		eventBus:     eventBus,
		logger:       logger,
		nowFn:        func() time.Time { return time.Now().UTC() },
		sessionKeyFn: crypto.NewSessionKey,
	}
}

// CreateSession admits or rejects a new VPN session. The checks run in a
// fixed order and the first failing one wins, but the returned snapshot
// always reflects current counters so the client can display them.
func (s *LedgerService) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionResult, error) {
	now := s.nowFn()

	token, err := s.cache.Token(ctx, req.TokenID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &SessionResult{ErrorCode: model.CodeAccessError}, nil
		}
		return nil, err
	}

	if req.ClientID == "" {
		return nil, ErrInvalidLedgerInput
	}

	device, err := s.resolveDevice(ctx, token.ProjectID, req, now)
	if err != nil {
		return nil, err
	}

	if device.LockedTime != nil {
		return s.failWithSnapshot(ctx, token, device, model.CodeAccessLocked)
	}
	if !token.IsEnabled {
		return s.failWithSnapshot(ctx, token, device, model.CodeAccessLocked)
	}

	access, err := s.resolveAccess(ctx, token, device, now)
	if err != nil {
		return nil, err
	}

	if isExpired(token, access, now) {
		return s.fail(ctx, token, access, model.CodeAccessExpired)
	}

	server, err := s.cache.ServerByEndPoint(ctx, token.FarmID, req.HostEndPoint)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Endpoint belongs to another farm, or to nothing at all.
			return s.fail(ctx, token, access, model.CodeAccessError)
		}
		return nil, err
	}

	errCode := model.CodeOk
	if token.MaxTraffic > 0 && access.TotalTraffic() >= token.MaxTraffic {
		// The session is still created so usage keeps accruing.
		errCode = model.CodeAccessTrafficOverflow
	}

	if errCode == model.CodeOk && s.balancer != nil {
		redirectTo, redirect, err := s.balancer.CheckRedirect(ctx, server, req.RequestedLocation, req.ClientIP)
		if err != nil {
			return nil, err
		}
		if redirect {
			metrics.IncRedirect()
			metrics.IncSessionCreated(string(model.CodeRedirectHost))
			snap := s.snapshot(ctx, token, access)
			return &SessionResult{
				ErrorCode:            model.CodeRedirectHost,
				RedirectHostEndPoint: redirectTo,
				AccessUsage:          snap,
			}, nil
		}
	}

	key, err := s.sessionKeyFn()
	if err != nil {
		return nil, err
	}

	session := model.Session{
		ID:           uuid.New(),
		AccessID:     access.ID,
		DeviceID:     device.ID,
		ServerID:     server.ID,
		SessionKey:   key,
		ClientIP:     req.ClientIP,
		SuppressedBy: model.SuppressNone,
		SuppressedTo: model.SuppressNone,
		CreatedAt:    now,
		LastUsedAt:   now,
	}

	admitted, err := s.cache.AdmitSession(ctx, session, token.MaxDevice, func(open []model.Session) (uuid.UUID, model.SuppressType) {
		return ChooseSuppressVictim(open, device.ID)
	})
	if err != nil {
		return nil, err
	}
	if admitted.SuppressedTo != model.SuppressNone {
		metrics.IncSessionSuppressed(string(admitted.SuppressedTo))
		if s.eventBus != nil {
			s.eventBus.Publish(event.EventSessionSuppressed, event.SessionSuppressedPayload{
				AccessID:     access.ID.String(),
				SessionID:    admitted.ID.String(),
				SuppressType: string(admitted.SuppressedTo),
			})
		}
	}

	// FirstUsedTime is set exactly once; LastUsedTime on every creation
	// but never on usage reporting.
	if _, err := s.cache.UpdateToken(ctx, token.ID, func(t *model.AccessToken) {
		if t.FirstUsedTime == nil {
			first := now
			t.FirstUsedTime = &first
		}
		last := now
		t.LastUsedTime = &last
	}); err != nil {
		return nil, err
	}

	access, err = s.cache.UpdateAccess(ctx, access.ID, func(a *model.Access) {
		a.LastUsedAt = now
	})
	if err != nil {
		return nil, err
	}

	if errCode == model.CodeAccessTrafficOverflow {
		s.publishOverflow(token, access)
	}
	metrics.IncSessionCreated(string(errCode))

	return &SessionResult{
		SessionID:    admitted.ID,
		SessionKey:   admitted.SessionKey,
		ErrorCode:    errCode,
		SuppressedTo: admitted.SuppressedTo,
		AccessUsage:  s.snapshot(ctx, token, access),
	}, nil
}

// AddUsage applies a traffic delta to the session's access. The delta is
// always recorded, even for closed or suppressed sessions; the error code
// only tells the gateway what to do with the connection.
func (s *LedgerService) AddUsage(ctx context.Context, sessionID uuid.UUID, sentBytes, receivedBytes int64, closeSession bool) (*SessionResult, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveUsageReportDuration(time.Since(start))
	}()

	if sentBytes < 0 || receivedBytes < 0 {
		return nil, ErrInvalidLedgerInput
	}

	now := s.nowFn()

	sess, err := s.cache.Session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &SessionResult{ErrorCode: model.CodeAccessError}, nil
		}
		return nil, err
	}

	access, err := s.cache.Access(ctx, sess.AccessID)
	if err != nil {
		return nil, err
	}
	token, err := s.cache.Token(ctx, access.TokenID)
	if err != nil {
		return nil, err
	}

	wasClosed := !sess.IsOpen()

	if sentBytes > 0 || receivedBytes > 0 {
		access, err = s.cache.UpdateAccess(ctx, sess.AccessID, func(a *model.Access) {
			a.TotalSentTraffic += sentBytes
			a.TotalReceivedTraffic += receivedBytes
			a.CycleSentTraffic += sentBytes
			a.CycleReceivedTraffic += receivedBytes
			a.LastUsedAt = now
		})
		if err != nil {
			return nil, err
		}

		s.cache.AppendUsage(model.AccessUsage{
			AccessID:             access.ID,
			SessionID:            sess.ID,
			TokenID:              token.ID,
			ServerID:             sess.ServerID,
			SentTraffic:          sentBytes,
			ReceivedTraffic:      receivedBytes,
			TotalSentTraffic:     access.TotalSentTraffic,
			TotalReceivedTraffic: access.TotalReceivedTraffic,
			CycleSentTraffic:     access.CycleSentTraffic,
			CycleReceivedTraffic: access.CycleReceivedTraffic,
			CreatedAt:            now,
		})
		metrics.AddTrafficBytes(sentBytes, receivedBytes)
	}

	sess, err = s.cache.UpdateSession(ctx, sessionID, func(ss *model.Session) {
		ss.LastUsedAt = now
		if closeSession && ss.EndTime == nil {
			end := now
			ss.EndTime = &end
		}
	})
	if err != nil {
		return nil, err
	}

	errCode := s.evaluate(token, access, sess, wasClosed, now)
	if errCode == model.CodeAccessTrafficOverflow {
		s.publishOverflow(token, access)
	}

	result := &SessionResult{
		ErrorCode:   errCode,
		AccessUsage: s.snapshot(ctx, token, access),
	}
	if errCode == model.CodeSessionSuppressedBy {
		result.SuppressedBy = sess.SuppressedBy
	}
	return result, nil
}

// GetSession is the idle keep-alive: it refreshes the session's
// LastUsedAt (not the token's) and re-evaluates the access state.
func (s *LedgerService) GetSession(ctx context.Context, sessionID uuid.UUID, hostEndPoint string) (*SessionResult, error) {
	now := s.nowFn()

	sess, err := s.cache.UpdateSession(ctx, sessionID, func(ss *model.Session) {
		ss.LastUsedAt = now
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &SessionResult{ErrorCode: model.CodeAccessError}, nil
		}
		return nil, err
	}

	access, err := s.cache.Access(ctx, sess.AccessID)
	if err != nil {
		return nil, err
	}
	token, err := s.cache.Token(ctx, access.TokenID)
	if err != nil {
		return nil, err
	}

	errCode := s.evaluate(token, access, sess, !sess.IsOpen(), now)

	result := &SessionResult{
		SessionID:   sess.ID,
		SessionKey:  sess.SessionKey,
		ErrorCode:   errCode,
		AccessUsage: s.snapshot(ctx, token, access),
	}
	if errCode == model.CodeSessionSuppressedBy {
		result.SuppressedBy = sess.SuppressedBy
	}
	return result, nil
}

// DeleteToken removes a token and cascades its access rows on the next
// flush. Usage already archived to the reporting store survives.
func (s *LedgerService) DeleteToken(tokenID uuid.UUID) {
	s.cache.DeleteToken(tokenID)
}

func (s *LedgerService) resolveDevice(ctx context.Context, projectID uuid.UUID, req CreateSessionRequest, now time.Time) (model.Device, error) {
	device, err := s.cache.DeviceByClientID(ctx, projectID, req.ClientID)
	if err == nil {
		return s.cache.UpdateDevice(ctx, device.ID, func(d *model.Device) {
			d.UserAgent = req.UserAgent
			d.ClientVersion = req.ClientVersion
			d.LastUsedAt = now
		})
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return model.Device{}, err
	}

	device = model.Device{
		ID:            uuid.New(),
		ProjectID:     projectID,
		ClientID:      req.ClientID,
		UserAgent:     req.UserAgent,
		ClientVersion: req.ClientVersion,
		CreatedAt:     now,
		LastUsedAt:    now,
	}
	s.cache.PutDevice(device)
	return device, nil
}

// resolveAccess finds the quota unit for the token: per device when the
// token is public, shared across devices when it is private. The derived
// expiration is set at creation and never recomputed.
func (s *LedgerService) resolveAccess(ctx context.Context, token model.AccessToken, device model.Device, now time.Time) (model.Access, error) {
	var deviceID *uuid.UUID
	if token.IsPublic {
		id := device.ID
		deviceID = &id
	}

	access, err := s.cache.AccessByTokenDevice(ctx, token.ID, deviceID)
	if err == nil {
		return access, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return model.Access{}, err
	}

	access = model.Access{
		ID:         uuid.New(),
		TokenID:    token.ID,
		DeviceID:   deviceID,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if token.ExpirationTime != nil {
		exp := *token.ExpirationTime
		access.ExpirationTime = &exp
	} else if token.Lifetime > 0 {
		exp := now.AddDate(0, 0, token.Lifetime)
		access.ExpirationTime = &exp
	}

	s.cache.PutAccess(access)
	return access, nil
}

func (s *LedgerService) evaluate(token model.AccessToken, access model.Access, sess model.Session, wasClosed bool, now time.Time) model.ErrorCode {
	if sess.SuppressedBy != model.SuppressNone {
		return model.CodeSessionSuppressedBy
	}
	if wasClosed {
		return model.CodeSessionClosed
	}
	if isExpired(token, access, now) {
		return model.CodeAccessExpired
	}
	if token.MaxTraffic > 0 && access.TotalTraffic() >= token.MaxTraffic {
		return model.CodeAccessTrafficOverflow
	}
	return model.CodeOk
}

func isExpired(token model.AccessToken, access model.Access, now time.Time) bool {
	if token.ExpirationTime != nil && token.ExpirationTime.Before(now) {
		return true
	}
	if access.ExpirationTime != nil && access.ExpirationTime.Before(now) {
		return true
	}
	if token.Lifetime > 0 && token.FirstUsedTime != nil &&
		token.FirstUsedTime.AddDate(0, 0, token.Lifetime).Before(now) {
		return true
	}
	return false
}

func (s *LedgerService) snapshot(ctx context.Context, token model.AccessToken, access model.Access) *model.UsageSnapshot {
	active, err := s.cache.OpenSessionCount(ctx, access.ID)
	if err != nil {
		active = 0
	}

	return &model.UsageSnapshot{
		AccessID:             access.ID,
		CycleSentTraffic:     access.CycleSentTraffic,
		CycleReceivedTraffic: access.CycleReceivedTraffic,
		TotalSentTraffic:     access.TotalSentTraffic,
		TotalReceivedTraffic: access.TotalReceivedTraffic,
		MaxTraffic:           token.MaxTraffic,
		ExpirationTime:       access.ExpirationTime,
		ActiveSessionCount:   active,
	}
}

func (s *LedgerService) fail(ctx context.Context, token model.AccessToken, access model.Access, code model.ErrorCode) (*SessionResult, error) {
	metrics.IncSessionCreated(string(code))
	return &SessionResult{
		ErrorCode:   code,
		AccessUsage: s.snapshot(ctx, token, access),
	}, nil
}

// failWithSnapshot is the early-failure path where an access may not
// exist yet; it reports whatever counters are resolvable.
func (s *LedgerService) failWithSnapshot(ctx context.Context, token model.AccessToken, device model.Device, code model.ErrorCode) (*SessionResult, error) {
	var deviceID *uuid.UUID
	if token.IsPublic {
		id := device.ID
		deviceID = &id
	}

	access, err := s.cache.AccessByTokenDevice(ctx, token.ID, deviceID)
	if err != nil {
		metrics.IncSessionCreated(string(code))
		return &SessionResult{ErrorCode: code, AccessUsage: &model.UsageSnapshot{MaxTraffic: token.MaxTraffic}}, nil
	}
	return s.fail(ctx, token, access, code)
}

func (s *LedgerService) publishOverflow(token model.AccessToken, access model.Access) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(event.EventAccessTrafficOverflow, event.TrafficOverflowPayload{
		TokenID:      token.ID.String(),
		AccessID:     access.ID.String(),
		TotalTraffic: access.TotalTraffic(),
		MaxTraffic:   token.MaxTraffic,
	})
}
