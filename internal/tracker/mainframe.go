package tracker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
)

// TabEvents are the downstream hooks fired by the main-frame tracker.
// All hooks are optional.
type TabEvents struct {
	// OnLoaded fires when a tab completes a main-frame navigation, with
	// the HTTP method that produced the document.
	OnLoaded func(tabID int64, method, domain string)
	// OnDeleted fires when a tab is closed.
	OnDeleted func(tabID int64)
	// OnErrored fires when a tab crashes or its main frame fails to load.
	OnErrored func(tabID int64)
}

type tabState struct {
	origin Origin
	url    string
}

// Tabs tracks the current main-frame origin of every live tab.
type Tabs struct {
	events TabEvents
	log    *zap.Logger

	mu   sync.RWMutex
	tabs map[int64]tabState
}

// NewTabs creates an empty main-frame tracker.
func NewTabs(events TabEvents, logger *zap.Logger) *Tabs {
	return &Tabs{
		events: events,
		log:    logger.Named("tabs"),
		tabs:   make(map[int64]tabState),
	}
}

// Navigated records a completed main-frame navigation. Non-web URLs
// (internal pages, extensions) clear the tab's tracked origin instead.
func (t *Tabs) Navigated(tabID int64, method, rawURL string) {
	origin, err := ParseOrigin(rawURL)
	if err != nil {
		t.mu.Lock()
		delete(t.tabs, tabID)
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.tabs[tabID] = tabState{origin: origin, url: rawURL}
	t.mu.Unlock()

	t.log.Debug("main frame loaded",
		zap.Int64("tabId", tabID),
		zap.String("method", method),
		zap.String("domain", origin.Domain))
	if t.events.OnLoaded != nil {
		t.events.OnLoaded(tabID, method, origin.Domain)
	}
}

// Deleted drops a closed tab.
func (t *Tabs) Deleted(tabID int64) {
	t.mu.Lock()
	delete(t.tabs, tabID)
	t.mu.Unlock()
	if t.events.OnDeleted != nil {
		t.events.OnDeleted(tabID)
	}
}

// Errored drops a crashed tab.
func (t *Tabs) Errored(tabID int64) {
	t.mu.Lock()
	delete(t.tabs, tabID)
	t.mu.Unlock()
	if t.events.OnErrored != nil {
		t.events.OnErrored(tabID)
	}
}

// Origin returns the tracked origin of a tab.
func (t *Tabs) Origin(tabID int64) (Origin, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.tabs[tabID]
	return state.origin, ok
}

// Query snapshots every tracked tab, for TABS_QUERY answers.
func (t *Tabs) Query() []schemas.TabInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]schemas.TabInfo, 0, len(t.tabs))
	for id, state := range t.tabs {
		out = append(out, schemas.TabInfo{
			TabID:  id,
			Domain: state.origin.Domain,
			URL:    state.url,
		})
	}
	return out
}
