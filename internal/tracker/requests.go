package tracker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/internal/config"
)

// RequestInfo describes an outgoing request as seen by the host adapter.
type RequestInfo struct {
	ID       string
	TabID    int64
	URL      string
	Method   string
	FormData bool
}

// TrackedRequest is a request accepted into tracking.
type TrackedRequest struct {
	ID        string
	TabID     int64
	Domain    string
	Port      string
	Protocol  string
	StartedAt time.Time
}

// AcceptFunc decides whether a request is worth tracking. Requests that
// fail the predicate are invisible to idle detection.
type AcceptFunc func(RequestInfo) bool

// RequestEvents are the downstream hooks fired by the request tracker.
type RequestEvents struct {
	// OnIdle fires once a tab's tracked requests have all settled and
	// the quiet period has elapsed without new ones.
	OnIdle func(tabID int64, domain string)
	// OnFailed fires for tracked requests that errored or came back with
	// a 4xx/5xx status.
	OnFailed func(req TrackedRequest)
}

// Requests tracks in-flight requests per tab. Settled bookkeeping is
// garbage-collected lazily, amortized to at most one sweep per interval.
type Requests struct {
	cfg    config.TrackerConfig
	accept AcceptFunc
	events RequestEvents
	log    *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	pending  map[string]TrackedRequest
	counts   map[int64]int
	idlers   map[int64]*time.Timer
	lastGC   time.Time
	lastSeen map[int64]string // tab -> domain of the last settled request
}

// NewRequests creates the request tracker.
func NewRequests(cfg config.TrackerConfig, accept AcceptFunc, events RequestEvents, logger *zap.Logger) *Requests {
	return &Requests{
		cfg:      cfg,
		accept:   accept,
		events:   events,
		log:      logger.Named("requests"),
		now:      time.Now,
		pending:  make(map[string]TrackedRequest),
		counts:   make(map[int64]int),
		idlers:   make(map[int64]*time.Timer),
		lastSeen: make(map[int64]string),
	}
}

// Started offers a new request to the tracker. Rejected requests are
// dropped without side effects.
func (r *Requests) Started(info RequestInfo) {
	if r.accept != nil && !r.accept(info) {
		return
	}
	origin, err := ParseOrigin(info.URL)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeGC()

	r.pending[info.ID] = TrackedRequest{
		ID:        info.ID,
		TabID:     info.TabID,
		Domain:    origin.Domain,
		Port:      origin.Port,
		Protocol:  origin.Scheme,
		StartedAt: r.now(),
	}
	r.counts[info.TabID]++
	if t, ok := r.idlers[info.TabID]; ok {
		t.Stop()
		delete(r.idlers, info.TabID)
	}
	r.log.Debug("request tracked",
		zap.String("id", info.ID),
		zap.Int64("tabId", info.TabID),
		zap.String("domain", origin.Domain))
}

// Completed settles a request with its response status. Error statuses
// take the failure path.
func (r *Requests) Completed(id string, status int) {
	r.mu.Lock()
	req, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	if status >= 400 {
		r.fail(req)
		return
	}
	r.settle(req)
}

// Failed settles a request that never produced a response.
func (r *Requests) Failed(id string) {
	r.mu.Lock()
	req, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.fail(req)
}

// DropTab forgets everything about a closed tab.
func (r *Requests) DropTab(tabID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, req := range r.pending {
		if req.TabID == tabID {
			delete(r.pending, id)
		}
	}
	delete(r.counts, tabID)
	delete(r.lastSeen, tabID)
	if t, ok := r.idlers[tabID]; ok {
		t.Stop()
		delete(r.idlers, tabID)
	}
}

// Outstanding reports the number of unsettled tracked requests for a tab.
func (r *Requests) Outstanding(tabID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[tabID]
}

func (r *Requests) fail(req TrackedRequest) {
	r.settle(req)
	if r.events.OnFailed != nil {
		r.events.OnFailed(req)
	}
}

// settle removes the request and arms the idle debounce once the tab has
// nothing outstanding. A new request before the quiet period ends cancels
// the pending idle report.
func (r *Requests) settle(req TrackedRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[req.ID]; !ok {
		return
	}
	delete(r.pending, req.ID)
	r.lastSeen[req.TabID] = req.Domain

	if r.counts[req.TabID] > 0 {
		r.counts[req.TabID]--
	}
	if r.counts[req.TabID] != 0 {
		return
	}
	delete(r.counts, req.TabID)

	if t, ok := r.idlers[req.TabID]; ok {
		t.Stop()
	}
	tabID, domain := req.TabID, req.Domain
	r.idlers[tabID] = time.AfterFunc(r.cfg.IdleQuiet, func() {
		r.mu.Lock()
		delete(r.idlers, tabID)
		busy := r.counts[tabID] > 0
		r.mu.Unlock()
		if busy {
			return
		}
		if r.events.OnIdle != nil {
			r.events.OnIdle(tabID, domain)
		}
	})
}

// maybeGC sweeps requests past the retention ceiling. Called with the
// lock held; amortized to one sweep per configured interval.
func (r *Requests) maybeGC() {
	now := r.now()
	if now.Sub(r.lastGC) < r.cfg.GCInterval {
		return
	}
	r.lastGC = now

	swept := 0
	for id, req := range r.pending {
		if now.Sub(req.StartedAt) < r.cfg.Retention {
			continue
		}
		delete(r.pending, id)
		if r.counts[req.TabID] > 0 {
			r.counts[req.TabID]--
		}
		if r.counts[req.TabID] == 0 {
			delete(r.counts, req.TabID)
		}
		swept++
	}
	if swept > 0 {
		r.log.Debug("swept stale requests", zap.Int("count", swept))
	}
}
