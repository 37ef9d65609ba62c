// Package host adapts the worker to its runtime platform: a CDP event
// source feeding the trackers from a running browser, and a websocket
// gateway carrying client connections into the broker.
package host

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/internal/tracker"
)

// CDPSource attaches to a running browser over the devtools protocol and
// feeds navigation and network lifecycle events into the trackers.
type CDPSource struct {
	devtoolsURL string
	tabs        *tracker.Tabs
	requests    *tracker.Requests
	log         *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	tabIDs map[target.ID]int64
	nextID int64
	// per-request bookkeeping shared across tab listeners
	statuses  map[network.RequestID]int
	docMethod map[int64]string
}

// NewCDPSource creates a detached source; Start attaches it.
func NewCDPSource(devtoolsURL string, tabs *tracker.Tabs, requests *tracker.Requests, logger *zap.Logger) *CDPSource {
	return &CDPSource{
		devtoolsURL: devtoolsURL,
		tabs:        tabs,
		requests:    requests,
		log:         logger.Named("cdp"),
		tabIDs:      make(map[target.ID]int64),
		statuses:    make(map[network.RequestID]int),
		docMethod:   make(map[int64]string),
	}
}

// Start connects to the browser and begins watching page targets. New
// targets are attached as they appear.
func (s *CDPSource) Start(ctx context.Context) error {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, s.devtoolsURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel

	// Force the browser connection up before watching targets.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return err
	}

	chromedp.ListenBrowser(browserCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			if e.TargetInfo.Type == "page" {
				go s.attach(e.TargetInfo.TargetID)
			}
		case *target.EventTargetDestroyed:
			s.detach(e.TargetID)
		}
	})
	if err := chromedp.Run(browserCtx, target.SetDiscoverTargets(true)); err != nil {
		browserCancel()
		allocCancel()
		return err
	}

	s.log.Info("attached to browser", zap.String("devtools", s.devtoolsURL))
	return nil
}

// Stop detaches from the browser.
func (s *CDPSource) Stop() {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

func (s *CDPSource) tabFor(id target.ID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tabID, ok := s.tabIDs[id]; ok {
		return tabID
	}
	s.nextID++
	s.tabIDs[id] = s.nextID
	return s.nextID
}

// attach opens a session on one page target and routes its events.
func (s *CDPSource) attach(id target.ID) {
	tabID := s.tabFor(id)
	tabCtx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(id))

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			s.handleRequestWillBeSent(tabID, e)
		case *network.EventResponseReceived:
			s.handleResponseReceived(e)
		case *network.EventLoadingFinished:
			s.handleLoadingFinished(e)
		case *network.EventLoadingFailed:
			s.requests.Failed(string(e.RequestID))
		case *page.EventFrameNavigated:
			s.handleFrameNavigated(tabID, e)
		}
	})

	if err := chromedp.Run(tabCtx, network.Enable(), page.Enable()); err != nil {
		if s.browserCtx.Err() == nil {
			s.log.Warn("failed to enable domains on target",
				zap.String("target", string(id)), zap.Error(err))
		}
		cancel()
		return
	}
	s.log.Debug("target attached",
		zap.String("target", string(id)), zap.Int64("tabId", tabID))

	go func() {
		<-tabCtx.Done()
		s.detach(id)
	}()
}

func (s *CDPSource) detach(id target.ID) {
	s.mu.Lock()
	tabID, ok := s.tabIDs[id]
	if ok {
		delete(s.tabIDs, id)
		delete(s.docMethod, tabID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.requests.DropTab(tabID)
	s.tabs.Deleted(tabID)
}

func (s *CDPSource) handleRequestWillBeSent(tabID int64, e *network.EventRequestWillBeSent) {
	if e.Type == network.ResourceTypeDocument {
		// Remember the method so the navigation event can report it.
		s.mu.Lock()
		s.docMethod[tabID] = e.Request.Method
		s.mu.Unlock()
		return
	}

	s.requests.Started(tracker.RequestInfo{
		ID:       string(e.RequestID),
		TabID:    tabID,
		URL:      e.Request.URL,
		Method:   e.Request.Method,
		FormData: isFormRequest(e.Request),
	})
}

func (s *CDPSource) handleResponseReceived(e *network.EventResponseReceived) {
	s.mu.Lock()
	s.statuses[e.RequestID] = int(e.Response.Status)
	s.mu.Unlock()
}

func (s *CDPSource) handleLoadingFinished(e *network.EventLoadingFinished) {
	s.mu.Lock()
	status, ok := s.statuses[e.RequestID]
	delete(s.statuses, e.RequestID)
	s.mu.Unlock()
	if !ok {
		status = http.StatusOK
	}
	s.requests.Completed(string(e.RequestID), status)
}

func (s *CDPSource) handleFrameNavigated(tabID int64, e *page.EventFrameNavigated) {
	if e.Frame.ParentID != "" {
		return
	}
	s.mu.Lock()
	method, ok := s.docMethod[tabID]
	delete(s.docMethod, tabID)
	s.mu.Unlock()
	if !ok {
		method = http.MethodGet
	}
	s.tabs.Navigated(tabID, method, e.Frame.URL)
}

// isFormRequest reports whether a request carries form-encoded data.
func isFormRequest(req *network.Request) bool {
	if !req.HasPostData && req.Method != http.MethodPost {
		return false
	}
	ct, _ := req.Headers["Content-Type"].(string)
	if ct == "" {
		ct, _ = req.Headers["content-type"].(string)
	}
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "application/x-www-form-urlencoded") ||
		strings.Contains(ct, "multipart/form-data") ||
		strings.Contains(ct, "application/json")
}
