// Package auth owns the session lifecycle: the persisted session blob,
// the inactivity-lock protocol and the status machine every other
// service gates on.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/apiclient"
	"github.com/kestrelvault/kestrel/internal/storage"
)

const (
	sessionKey   = "auth::session"
	forceLockKey = "auth::force-lock"
)

// Session is the authenticated session blob persisted across restarts.
type Session struct {
	UserID       string `json:"userId"`
	LocalID      int64  `json:"localId,omitempty"`
	UID          string `json:"uid"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	RefreshTime  int64  `json:"refreshTime,omitempty"`
	KeyPassword  string `json:"keyPassword,omitempty"`
	LockToken    string `json:"lockToken,omitempty"`

	Lock schemas.Lock `json:"lock"`
}

// Valid reports whether the blob carries enough material to talk to the
// API.
func (s Session) Valid() bool {
	return s.UID != "" && s.AccessToken != "" && s.RefreshToken != ""
}

// Credentials projects the API-facing subset of the session.
func (s Session) Credentials() apiclient.Credentials {
	return apiclient.Credentials{
		UID:          s.UID,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
	}
}

// Codec serializes the session blob for durable storage. The default is
// plain JSON; deployments wanting sealed sessions swap in their own.
type Codec interface {
	Encode(Session) (string, error)
	Decode(string) (Session, error)
}

// JSONCodec is the default pass-through codec.
type JSONCodec struct{}

func (JSONCodec) Encode(s Session) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}
	return string(raw), nil
}

func (JSONCodec) Decode(raw string) (Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, fmt.Errorf("failed to decode session: %w", err)
	}
	return s, nil
}

// Store holds the in-memory session and mirrors it into durable storage.
type Store struct {
	storage *storage.Service
	codec   Codec
	log     *zap.Logger

	mu      sync.RWMutex
	session Session
	present bool
}

// NewStore wires the store against the storage service.
func NewStore(store *storage.Service, codec Codec, logger *zap.Logger) *Store {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Store{storage: store, codec: codec, log: logger.Named("authstore")}
}

// Session returns a copy of the current session and whether one is set.
func (s *Store) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.present
}

// Lock returns the lock registration snapshot.
func (s *Store) Lock() schemas.Lock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Lock
}

// SetSession replaces the in-memory session.
func (s *Store) SetSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
	s.present = true
}

// SetLock updates the lock snapshot of the current session.
func (s *Store) SetLock(lock schemas.Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Lock = lock
}

// SetLockToken records the proof-of-unlock returned by the server.
func (s *Store) SetLockToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.LockToken = token
}

// UpdateTokens applies a token rotation in place, leaving the rest of the
// session untouched.
func (s *Store) UpdateTokens(data apiclient.RefreshData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.AccessToken = data.AccessToken
	s.session.RefreshToken = data.RefreshToken
	s.session.RefreshTime = data.RefreshTime
}

// Wipe drops the in-memory session.
func (s *Store) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = Session{}
	s.present = false
}

// Persist writes the current session to durable storage. Failures are
// absorbed by the storage service.
func (s *Store) Persist(ctx context.Context) {
	sess, ok := s.Session()
	if !ok {
		return
	}
	encoded, err := s.codec.Encode(sess)
	if err != nil {
		s.log.Error("failed to encode session for persistence", zap.Error(err))
		return
	}
	s.storage.TrySet(ctx, s.storage.Local, sessionKey, encoded)
}

// Hydrate loads a persisted session into memory. Returns false when no
// valid session is stored.
func (s *Store) Hydrate(ctx context.Context) (bool, error) {
	raw, ok, err := s.storage.Local.Get(ctx, sessionKey)
	if err != nil {
		return false, fmt.Errorf("failed to read persisted session: %w", err)
	}
	if !ok {
		return false, nil
	}
	sess, err := s.codec.Decode(raw)
	if err != nil {
		// A corrupt blob is unrecoverable; treat as absent.
		s.log.Warn("discarding unreadable persisted session", zap.Error(err))
		s.storage.TryDelete(ctx, s.storage.Local, sessionKey)
		return false, nil
	}
	if !sess.Valid() {
		return false, nil
	}
	s.SetSession(sess)
	return true, nil
}

// Erase removes the persisted session blob.
func (s *Store) Erase(ctx context.Context) {
	s.storage.TryDelete(ctx, s.storage.Local, sessionKey)
}

// SetForceLock marks that the next resumed session must come up locked
// regardless of what the server reports.
func (s *Store) SetForceLock(ctx context.Context, on bool) {
	if on {
		s.storage.TrySet(ctx, s.storage.Local, forceLockKey, "1")
		return
	}
	s.storage.TryDelete(ctx, s.storage.Local, forceLockKey)
}

// ForceLock reads the forced-lock marker.
func (s *Store) ForceLock(ctx context.Context) bool {
	v, ok, err := s.storage.Local.Get(ctx, forceLockKey)
	if err != nil {
		s.log.Warn("failed to read force-lock flag", zap.Error(err))
		return false
	}
	return ok && v == "1"
}
