// Package formtracker maintains at most one form submission record per
// tab and walks it through the staging/committed lifecycle by correlating
// client reports with network activity.
package formtracker

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/config"
	"github.com/kestrelvault/kestrel/internal/tracker"
)

// Config wires the tracker's collaborators.
type Config struct {
	Tracker config.TrackerConfig
	Logger  *zap.Logger

	// Ready gates every operation on a usable session.
	Ready func() bool
	// OnStatus pushes a form status update back to the originating tab.
	OnStatus func(tabID int64, payload schemas.FormStatusPayload)

	// Now is swappable in tests; defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	schemas.FormEntry
	submittedAt time.Time
}

// Service is the per-tab form entry registry.
type Service struct {
	cfg      config.TrackerConfig
	log      *zap.Logger
	ready    func() bool
	onStatus func(int64, schemas.FormStatusPayload)
	now      func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewService creates an empty form tracker.
func NewService(c Config) *Service {
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Service{
		cfg:      c.Tracker,
		log:      c.Logger.Named("formtracker"),
		ready:    c.Ready,
		onStatus: c.OnStatus,
		now:      c.Now,
		entries:  make(map[int64]*entry),
	}
}

func (s *Service) guard(op string) error {
	if s.ready != nil && !s.ready() {
		return fmt.Errorf("cannot %s while logged out", op)
	}
	return nil
}

// Stage records a submission attempt for a tab. A staged entry on the
// same domain is merged field-wise, incoming non-empty values winning; a
// domain change discards the previous entry outright.
func (s *Service) Stage(tabID int64, p schemas.FormSubmitPayload) (schemas.FormEntry, error) {
	if err := s.guard("stage a form entry"); err != nil {
		return schemas.FormEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[tabID]
	if ok && e.Domain != p.Domain {
		s.log.Debug("discarding staged entry on domain change",
			zap.Int64("tabId", tabID),
			zap.String("from", e.Domain),
			zap.String("to", p.Domain))
		ok = false
	}

	if !ok {
		e = &entry{FormEntry: schemas.FormEntry{
			TabID:  tabID,
			Status: schemas.FormEntryStaging,
			Domain: p.Domain,
		}}
		s.entries[tabID] = e
	}

	e.Status = schemas.FormEntryStaging
	e.Subdomain = p.Subdomain
	e.Scheme = p.Scheme
	e.FormType = p.FormType
	// Loading is deliberately untouched: a merge must not lose track of a
	// request that is already in flight for this entry.
	if p.Data.UserIdentifier != "" {
		e.Data.UserIdentifier = p.Data.UserIdentifier
	}
	if p.Data.Password != "" {
		e.Data.Password = p.Data.Password
	}
	if p.Submit {
		e.Submit = true
		e.submittedAt = s.now()
		e.SubmittedAt = e.submittedAt.UnixMilli()
	}

	s.log.Debug("form entry staged",
		zap.Int64("tabId", tabID),
		zap.String("domain", p.Domain),
		zap.String("formType", p.FormType),
		zap.Bool("submit", p.Submit),
		zap.String("reason", p.Reason))
	return e.FormEntry, nil
}

// Commit promotes a staged entry whose domain matches the tab's current
// location. Anything else is treated as a stale stage and stashed, with
// no entry returned.
func (s *Service) Commit(tabID int64, domain, reason string) (*schemas.FormEntry, error) {
	if err := s.guard("commit a form entry"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[tabID]
	if !ok {
		return nil, nil
	}
	if e.Status != schemas.FormEntryStaging || e.Domain != domain {
		s.log.Debug("stashing entry on invalid commit",
			zap.Int64("tabId", tabID),
			zap.String("entryDomain", e.Domain),
			zap.String("tabDomain", domain),
			zap.String("reason", reason))
		delete(s.entries, tabID)
		return nil, nil
	}

	e.Status = schemas.FormEntryCommitted
	s.log.Debug("form entry committed",
		zap.Int64("tabId", tabID),
		zap.String("domain", e.Domain),
		zap.String("reason", reason))
	snapshot := e.FormEntry
	return &snapshot, nil
}

// Stash discards a tab's entry.
func (s *Service) Stash(tabID int64, reason string) error {
	if err := s.guard("stash a form entry"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[tabID]; ok {
		delete(s.entries, tabID)
		s.log.Debug("form entry stashed",
			zap.Int64("tabId", tabID),
			zap.String("reason", reason))
	}
	return nil
}

// Get returns a tab's entry snapshot.
func (s *Service) Get(tabID int64) (*schemas.FormEntry, error) {
	if err := s.guard("read a form entry"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tabID]
	if !ok {
		return nil, nil
	}
	snapshot := e.FormEntry
	return &snapshot, nil
}

// Clear wipes every entry. Called on logout.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[int64]*entry)
}

// AcceptRequest is the request-tracker predicate: a form-encoded request
// is worth tracking only while its tab holds a staged entry that was
// submitted within the correlation window or is already loading. Accepted
// requests flip the entry into the loading state.
func (s *Service) AcceptRequest(info tracker.RequestInfo) bool {
	if s.ready != nil && !s.ready() {
		return false
	}
	if !info.FormData {
		return false
	}

	s.mu.Lock()
	e, ok := s.entries[info.TabID]
	if !ok || e.Status != schemas.FormEntryStaging {
		s.mu.Unlock()
		return false
	}
	recent := e.Submit && s.now().Sub(e.submittedAt) <= s.cfg.SubmitWindow
	if !recent && !e.Loading {
		s.mu.Unlock()
		return false
	}
	wasLoading := e.Loading
	e.Loading = true
	formType := e.FormType
	s.mu.Unlock()

	if !wasLoading {
		s.push(info.TabID, formType, schemas.FormStatusLoading)
	}
	return true
}

// HandleIdle fires when a tab's tracked requests settle. A loading entry
// is considered successfully submitted at that point.
func (s *Service) HandleIdle(tabID int64, domain string) {
	s.mu.Lock()
	e, ok := s.entries[tabID]
	if !ok || !e.Loading || e.Domain != domain {
		s.mu.Unlock()
		return
	}
	e.Loading = false
	e.Submit = true
	e.submittedAt = s.now()
	e.SubmittedAt = e.submittedAt.UnixMilli()
	formType := e.FormType
	s.mu.Unlock()

	s.push(tabID, formType, schemas.FormStatusSubmitted)
}

// HandleFailed fires for a tracked request that errored. The submission
// attempt is rolled back so a retry can be staged cleanly.
func (s *Service) HandleFailed(req tracker.TrackedRequest) {
	s.mu.Lock()
	e, ok := s.entries[req.TabID]
	if !ok || e.Domain != req.Domain {
		s.mu.Unlock()
		return
	}
	e.Loading = false
	e.Submit = false
	e.submittedAt = time.Time{}
	e.SubmittedAt = 0
	formType := e.FormType
	s.mu.Unlock()

	s.push(req.TabID, formType, schemas.FormStatusError)
}

// HandleTabLoaded fires on a completed main-frame navigation. A POST
// document load on the entry's domain is a classic full-page form submit,
// so the submit flag is forced even though no content script saw it.
func (s *Service) HandleTabLoaded(tabID int64, method, domain string) {
	if method != http.MethodPost {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tabID]
	if !ok || e.Status != schemas.FormEntryStaging || e.Domain != domain {
		return
	}
	e.Submit = true
	e.submittedAt = s.now()
	e.SubmittedAt = e.submittedAt.UnixMilli()
	s.log.Debug("submit inferred from POST navigation", zap.Int64("tabId", tabID))
}

// HandleTabGone drops the entry of a closed or crashed tab.
func (s *Service) HandleTabGone(tabID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, tabID)
}

func (s *Service) push(tabID int64, formType, status string) {
	if s.onStatus != nil {
		s.onStatus(tabID, schemas.FormStatusPayload{FormType: formType, Status: status})
	}
}
