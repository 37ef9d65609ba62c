package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/alarms"
	"github.com/kestrelvault/kestrel/internal/apiclient"
	"github.com/kestrelvault/kestrel/internal/config"
	"github.com/kestrelvault/kestrel/internal/storage"
)

// Alarm names used by the lock and resume protocols. Scheduling under the
// same name replaces the pending alarm, never stacks.
const (
	AlarmSessionLock   = "alarm::session-lock"
	AlarmSessionResume = "alarm::session-resume"
)

// fibDelays multiplies the base resume-retry timeout for successive
// resume attempts.
var fibDelays = []int64{1, 1, 2, 3, 5, 8, 13}

// ErrLoggedIn rejects fork consumption over a live session.
var ErrLoggedIn = errors.New("a session is already active")

// API is the backend surface the service depends on.
type API interface {
	Configure(apiclient.Credentials)
	Reset()
	Subscribe(func(apiclient.SessionEvent))
	Unsubscribe()
	CheckLock(ctx context.Context) (apiclient.LockInfo, error)
	Unlock(ctx context.Context, secret string) (string, error)
	ConsumeFork(ctx context.Context, payload apiclient.ForkPayload) (apiclient.SessionData, error)
	Revoke(ctx context.Context) error
}

// Config wires the service's collaborators and lifecycle callbacks.
type Config struct {
	API     API
	Store   *Store
	Alarms  *alarms.Scheduler
	Storage *storage.Service
	Lock    config.LockConfig
	Logger  *zap.Logger

	// OnStatusChange fires after every status transition, outside the
	// service lock.
	OnStatusChange func(schemas.AppStatus)
	// OnNotification surfaces user-facing session errors.
	OnNotification func(text string)
	// OnStateWipe runs after a logout has cleared the session, so
	// dependent services can drop their per-session state.
	OnStateWipe func()

	// Now is swappable in tests; defaults to time.Now.
	Now func() time.Time
}

type initResult struct {
	done chan struct{}
	ok   bool
	err  error
}

// Service drives the session status machine. All transitions funnel
// through setStatus so observers see a consistent ordering.
type Service struct {
	cfg config.LockConfig
	api API
	st  *Store
	al  *alarms.Scheduler
	log *zap.Logger
	now func() time.Time

	onStatusChange func(schemas.AppStatus)
	onNotification func(text string)
	onStateWipe    func()

	mu             sync.Mutex
	status         schemas.AppStatus
	resumeAttempts int
	inflight       *initResult
}

// NewService builds the service, subscribes to session-health events and
// installs the alarm handler.
func NewService(c Config) *Service {
	if c.Now == nil {
		c.Now = time.Now
	}
	s := &Service{
		cfg:            c.Lock,
		api:            c.API,
		st:             c.Store,
		al:             c.Alarms,
		log:            c.Logger.Named("auth"),
		now:            c.Now,
		onStatusChange: c.OnStatusChange,
		onNotification: c.OnNotification,
		onStateWipe:    c.OnStateWipe,
		status:         schemas.StatusUnauthorized,
	}
	s.api.Subscribe(s.handleSessionEvent)
	s.al.OnAlarm(s.handleAlarm)
	return s
}

// Status returns the current session status.
func (s *Service) Status() schemas.AppStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State snapshots the client-observable session state.
func (s *Service) State(version string) schemas.AppState {
	state := schemas.AppState{Status: s.Status(), Version: version}
	if sess, ok := s.st.Session(); ok {
		state.UserID = sess.UserID
		state.LocalID = sess.LocalID
	}
	return state
}

func (s *Service) setStatus(status schemas.AppStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = status
	s.mu.Unlock()

	s.log.Info("session status changed",
		zap.String("from", string(prev)),
		zap.String("to", string(status)))
	if s.onStatusChange != nil {
		s.onStatusChange(status)
	}
}

func (s *Service) notify(text string) {
	if s.onNotification != nil {
		s.onNotification(text)
	}
}

// Init brings the worker out of its initial state: it resumes a persisted
// session when one exists, otherwise settles on unauthorized. Concurrent
// calls coalesce onto the first in-flight attempt and share its result.
func (s *Service) Init(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.inflight != nil {
		res := s.inflight
		s.mu.Unlock()
		select {
		case <-res.done:
			return res.ok, res.err
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	res := &initResult{done: make(chan struct{})}
	s.inflight = res
	s.mu.Unlock()

	res.ok, res.err = s.initOnce(ctx)
	close(res.done)

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	return res.ok, res.err
}

func (s *Service) initOnce(ctx context.Context) (bool, error) {
	found, err := s.st.Hydrate(ctx)
	if err != nil {
		s.setStatus(schemas.StatusUnauthorized)
		return false, err
	}
	if !found {
		s.setStatus(schemas.StatusUnauthorized)
		return false, nil
	}
	return s.ResumeSession(ctx), nil
}

// Login activates a session. When the account carries a registered lock
// and no proof of unlock, the session comes up locked instead and the
// caller must unlock before use.
func (s *Service) Login(ctx context.Context, sess Session) (bool, error) {
	if !sess.Valid() {
		return false, errors.New("session is missing credentials")
	}
	s.api.Configure(sess.Credentials())

	if sess.Lock.Status == schemas.LockStatusLocked {
		s.st.SetSession(sess)
		s.st.Persist(ctx)
		s.enterLocked(ctx)
		return false, nil
	}

	if sess.Lock.Status == schemas.LockStatusRegistered && sess.LockToken == "" {
		info, err := s.api.CheckLock(ctx)
		if err != nil {
			s.api.Reset()
			return false, fmt.Errorf("failed to verify lock state: %w", err)
		}
		if info.Locked {
			s.st.SetSession(sess)
			s.st.Persist(ctx)
			s.enterLocked(ctx)
			return false, nil
		}
		sess.Lock.TTL = info.TTL
	}

	s.st.SetSession(sess)
	s.st.Persist(ctx)
	s.st.SetForceLock(ctx, false)

	s.mu.Lock()
	s.resumeAttempts = 0
	s.mu.Unlock()
	s.al.Clear(AlarmSessionResume)

	s.api.Subscribe(s.handleSessionEvent)
	s.setStatus(schemas.StatusAuthorized)
	s.scheduleLockAlarm()
	s.log.Info("session activated", zap.String("userId", sess.UserID))
	return true, nil
}

// Logout tears the session down. The status flips before any state is
// wiped so observers of the transition never see a half-live session.
// A soft logout skips server-side revocation.
func (s *Service) Logout(ctx context.Context, soft bool) {
	s.api.Unsubscribe()
	s.setStatus(schemas.StatusUnauthorized)

	s.al.Clear(AlarmSessionLock)
	s.al.Clear(AlarmSessionResume)

	if !soft {
		if err := s.api.Revoke(ctx); err != nil {
			s.log.Debug("session revocation failed", zap.Error(err))
		}
	}

	s.st.Wipe()
	s.st.Erase(ctx)
	s.st.SetForceLock(ctx, false)
	s.api.Reset()

	s.mu.Lock()
	s.resumeAttempts = 0
	s.mu.Unlock()

	if s.onStateWipe != nil {
		s.onStateWipe()
	}
	s.log.Info("session terminated", zap.Bool("soft", soft))
}

// ResumeSession revalidates the in-memory session against the server.
// Auth failures end the session; transient failures leave the worker in
// resuming-failed and schedule a retry with growing backoff.
func (s *Service) ResumeSession(ctx context.Context) bool {
	sess, ok := s.st.Session()
	if !ok {
		s.setStatus(schemas.StatusUnauthorized)
		return false
	}

	s.setStatus(schemas.StatusResuming)
	s.api.Configure(sess.Credentials())

	info, err := s.api.CheckLock(ctx)
	if err != nil {
		if apiclient.IsAuthFailure(err) {
			s.log.Info("persisted session rejected by server")
			s.notify("Your session has expired. Please sign in again.")
			s.Logout(ctx, true)
			return false
		}
		s.setStatus(schemas.StatusResumingFailed)
		s.scheduleResumeRetry()
		return false
	}

	s.st.SetLock(lockFromInfo(info, s.now().Unix()))
	s.st.Persist(ctx)

	s.mu.Lock()
	s.resumeAttempts = 0
	s.mu.Unlock()

	if info.Locked || s.st.ForceLock(ctx) {
		s.enterLocked(ctx)
		return true
	}

	s.api.Subscribe(s.handleSessionEvent)
	s.setStatus(schemas.StatusAuthorized)
	s.scheduleLockAlarm()
	s.log.Info("session resumed", zap.String("userId", sess.UserID))
	return true
}

// ConsumeFork exchanges a fork payload for a full session and logs it in.
// It is rejected while any session is live; a failed exchange forces a
// full logout so no partially-configured credentials survive.
func (s *Service) ConsumeFork(ctx context.Context, payload apiclient.ForkPayload) (bool, error) {
	if status := s.Status(); !status.LoggedOut() {
		return false, ErrLoggedIn
	}

	data, err := s.api.ConsumeFork(ctx, payload)
	if err != nil {
		s.log.Warn("fork consumption failed", zap.Error(err))
		s.Logout(ctx, true)
		return false, errors.New("the sign-in link is invalid or has expired")
	}

	return s.Login(ctx, Session{
		UserID:       data.UserID,
		UID:          data.UID,
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		RefreshTime:  data.RefreshTime,
		KeyPassword:  data.KeyPassword,
	})
}

// Lock trips the inactivity lock. The persisted session survives so the
// worker resumes into the locked state; the forced-lock marker makes that
// survive restarts even when the server has not yet tripped its side.
func (s *Service) Lock(ctx context.Context) {
	if s.Status() == schemas.StatusLocked {
		return
	}
	s.enterLocked(ctx)
}

func (s *Service) enterLocked(ctx context.Context) {
	// A locked worker ignores async session-health pushes until unlocked.
	s.api.Unsubscribe()
	s.al.Clear(AlarmSessionLock)

	lock := s.st.Lock()
	lock.Status = schemas.LockStatusLocked
	s.st.SetLock(lock)
	s.st.SetLockToken("")
	s.st.Persist(ctx)
	s.st.SetForceLock(ctx, true)

	prev := s.Status()
	s.setStatus(schemas.StatusLocked)
	// Dependent caches only exist for a session that was usable; locking
	// out of a resume or a login never had state worth wiping.
	if prev.Ready() && s.onStateWipe != nil {
		s.onStateWipe()
	}
	s.log.Info("session locked")
}

// Unlock exchanges the lock secret for a lock token and reactivates the
// session.
func (s *Service) Unlock(ctx context.Context, secret string) error {
	token, err := s.api.Unlock(ctx, secret)
	if err != nil {
		if apiclient.IsAuthFailure(err) {
			s.notify("Too many failed attempts. Please sign in again.")
			s.Logout(ctx, true)
			return errors.New("unlock rejected, session terminated")
		}
		return fmt.Errorf("failed to unlock session: %w", err)
	}

	lock := s.st.Lock()
	lock.Status = schemas.LockStatusRegistered
	lock.LastExtendTime = s.now().Unix()
	s.st.SetLock(lock)
	s.st.SetLockToken(token)
	s.st.Persist(ctx)
	s.st.SetForceLock(ctx, false)

	s.api.Subscribe(s.handleSessionEvent)
	s.setStatus(schemas.StatusAuthorized)
	s.scheduleLockAlarm()
	s.log.Info("session unlocked")
	return nil
}

// SyncLock refreshes the lock registration from the server and reconciles
// the lock alarm with it.
func (s *Service) SyncLock(ctx context.Context) error {
	info, err := s.api.CheckLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to sync lock state: %w", err)
	}
	s.st.SetLock(lockFromInfo(info, s.now().Unix()))
	s.st.Persist(ctx)

	if info.Locked {
		s.enterLocked(ctx)
		return nil
	}
	if !info.Registered {
		s.al.Clear(AlarmSessionLock)
		return nil
	}
	s.scheduleLockAlarm()
	return nil
}

// CheckActivity is invoked on client activity. Once a configured fraction
// of the lock TTL has elapsed since the last extension, a lock probe
// extends the server-side countdown and pushes the local alarm out.
func (s *Service) CheckActivity(ctx context.Context) {
	if !s.Status().Ready() {
		return
	}
	lock := s.st.Lock()
	if lock.Status != schemas.LockStatusRegistered || lock.TTL <= 0 {
		return
	}

	elapsed := s.now().Unix() - lock.LastExtendTime
	threshold := int64(math.Floor(float64(lock.TTL) * s.cfg.ExtendRatio))
	if elapsed < threshold {
		return
	}
	if err := s.SyncLock(ctx); err != nil {
		s.log.Warn("activity probe failed", zap.Error(err))
	}
}

// scheduleLockAlarm arms the lock alarm at now+TTL. Only called with a
// ready session; a lock registration without a TTL falls back to the
// configured default.
func (s *Service) scheduleLockAlarm() {
	lock := s.st.Lock()
	if lock.Status != schemas.LockStatusRegistered {
		return
	}
	ttl := time.Duration(lock.TTL) * time.Second
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	s.al.Create(AlarmSessionLock, s.now().Add(ttl))
}

func (s *Service) scheduleResumeRetry() {
	s.mu.Lock()
	attempt := s.resumeAttempts
	s.resumeAttempts++
	s.mu.Unlock()

	if attempt >= s.cfg.MaxResumeRetries {
		s.log.Warn("giving up on session resume", zap.Int("attempts", attempt))
		return
	}
	step := attempt
	if step >= len(fibDelays) {
		step = len(fibDelays) - 1
	}
	delay := time.Duration(fibDelays[step]) * s.cfg.ResumeRetryTimeout
	s.al.Create(AlarmSessionResume, s.now().Add(delay))
	s.log.Info("resume retry scheduled",
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay))
}

func (s *Service) handleAlarm(name string) {
	ctx := context.Background()
	switch name {
	case AlarmSessionLock:
		s.Lock(ctx)
	case AlarmSessionResume:
		s.ResumeSession(ctx)
	}
}

// handleSessionEvent reacts to async session-health pushes from the API
// client. Refreshed tokens are persisted in place without touching the
// session status.
func (s *Service) handleSessionEvent(ev apiclient.SessionEvent) {
	ctx := context.Background()
	switch ev.Type {
	case apiclient.SessionInactive:
		s.notify("Your session has expired. Please sign in again.")
		s.Logout(ctx, true)
	case apiclient.SessionLocked:
		s.Lock(ctx)
	case apiclient.SessionRefreshed:
		s.st.UpdateTokens(ev.Refresh)
		s.st.Persist(ctx)
		s.log.Debug("session tokens rotated")
	}
}

func lockFromInfo(info apiclient.LockInfo, now int64) schemas.Lock {
	lock := schemas.Lock{Status: schemas.LockStatusNone}
	if info.Registered {
		lock.Status = schemas.LockStatusRegistered
		lock.TTL = info.TTL
		lock.LastExtendTime = now
	}
	if info.Locked {
		lock.Status = schemas.LockStatusLocked
		lock.TTL = info.TTL
	}
	return lock
}
