package formtracker

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/config"
	"github.com/kestrelvault/kestrel/internal/tracker"
)

type harness struct {
	svc   *Service
	ready bool
	clock time.Time

	mu       sync.Mutex
	statuses []schemas.FormStatusPayload
	tabs     []int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ready: true, clock: time.Unix(1_700_000_000, 0)}
	h.svc = NewService(Config{
		Tracker: config.TrackerConfig{
			SubmitWindow: 500 * time.Millisecond,
			IdleQuiet:    500 * time.Millisecond,
			Retention:    2 * time.Minute,
			GCInterval:   time.Minute,
		},
		Logger: zap.NewNop(),
		Ready:  func() bool { return h.ready },
		OnStatus: func(tabID int64, p schemas.FormStatusPayload) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.tabs = append(h.tabs, tabID)
			h.statuses = append(h.statuses, p)
		},
		Now: func() time.Time { return h.clock },
	})
	return h
}

func loginPayload(domain string, submit bool) schemas.FormSubmitPayload {
	return schemas.FormSubmitPayload{
		Domain:   domain,
		Scheme:   "https",
		FormType: "login",
		Data:     schemas.FormCredentials{UserIdentifier: "user@example.com", Password: "hunter2"},
		Submit:   submit,
	}
}

func TestStage(t *testing.T) {
	t.Run("creates one staging entry per tab", func(t *testing.T) {
		h := newHarness(t)
		entry, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)
		assert.Equal(t, schemas.FormEntryStaging, entry.Status)
		assert.Equal(t, int64(1), entry.TabID)
		assert.True(t, entry.Submit)
		assert.NotZero(t, entry.SubmittedAt)
	})

	t.Run("same-domain restage merges non-empty fields", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", false))
		require.NoError(t, err)

		// A second observation carrying only the password keeps the
		// username captured earlier.
		entry, err := h.svc.Stage(1, schemas.FormSubmitPayload{
			Domain:   "example.com",
			FormType: "login",
			Data:     schemas.FormCredentials{Password: "correct-horse"},
			Submit:   true,
		})
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", entry.Data.UserIdentifier)
		assert.Equal(t, "correct-horse", entry.Data.Password)
		assert.True(t, entry.Submit)
	})

	t.Run("same-domain restage keeps an in-flight submission loading", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)
		require.True(t, h.svc.AcceptRequest(tracker.RequestInfo{
			ID: "r1", TabID: 1, URL: "https://example.com/login", FormData: true,
		}))

		entry, err := h.svc.Stage(1, loginPayload("example.com", false))
		require.NoError(t, err)
		assert.True(t, entry.Loading, "merge must not drop the in-flight flag")

		// The request settling still resolves to a submission.
		h.clock = h.clock.Add(time.Second)
		h.svc.HandleIdle(1, "example.com")

		h.mu.Lock()
		assert.Equal(t, schemas.FormStatusSubmitted, h.statuses[len(h.statuses)-1].Status)
		h.mu.Unlock()
	})

	t.Run("domain switch discards the previous entry", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", false))
		require.NoError(t, err)

		entry, err := h.svc.Stage(1, schemas.FormSubmitPayload{
			Domain:   "other.test",
			FormType: "login",
			Data:     schemas.FormCredentials{Password: "fresh"},
		})
		require.NoError(t, err)
		assert.Equal(t, "other.test", entry.Domain)
		assert.Empty(t, entry.Data.UserIdentifier, "nothing carried across domains")
	})

	t.Run("rejected while logged out", func(t *testing.T) {
		h := newHarness(t)
		h.ready = false
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "while logged out")
	})
}

func TestCommit(t *testing.T) {
	t.Run("promotes a matching staged entry", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)

		entry, err := h.svc.Commit(1, "example.com", "FORM_SUBMITTED")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, schemas.FormEntryCommitted, entry.Status)
	})

	t.Run("domain mismatch stashes instead", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)

		entry, err := h.svc.Commit(1, "phishing.test", "FORM_SUBMITTED")
		require.NoError(t, err)
		assert.Nil(t, entry)

		got, err := h.svc.Get(1)
		require.NoError(t, err)
		assert.Nil(t, got, "the stale entry is gone")
	})

	t.Run("double commit stashes", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)
		_, err = h.svc.Commit(1, "example.com", "FORM_SUBMITTED")
		require.NoError(t, err)

		entry, err := h.svc.Commit(1, "example.com", "FORM_SUBMITTED")
		require.NoError(t, err)
		assert.Nil(t, entry, "an entry can only be committed once")
	})

	t.Run("no entry is not an error", func(t *testing.T) {
		h := newHarness(t)
		entry, err := h.svc.Commit(9, "example.com", "FORM_SUBMITTED")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
}

func TestAcceptRequest(t *testing.T) {
	request := func(formData bool) tracker.RequestInfo {
		return tracker.RequestInfo{ID: "r1", TabID: 1, URL: "https://example.com/login", FormData: formData}
	}

	t.Run("accepts a form request within the submit window", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)

		h.clock = h.clock.Add(300 * time.Millisecond)
		require.True(t, h.svc.AcceptRequest(request(true)))

		h.mu.Lock()
		require.Len(t, h.statuses, 1)
		assert.Equal(t, schemas.FormStatusLoading, h.statuses[0].Status)
		h.mu.Unlock()

		entry, _ := h.svc.Get(1)
		assert.True(t, entry.Loading)
	})

	t.Run("rejects outside the submit window", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)

		h.clock = h.clock.Add(time.Second)
		assert.False(t, h.svc.AcceptRequest(request(true)))
	})

	t.Run("rejects non-form requests", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)
		assert.False(t, h.svc.AcceptRequest(request(false)))
	})

	t.Run("keeps accepting while loading", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)
		require.True(t, h.svc.AcceptRequest(request(true)))

		// Past the window but the entry is mid-flight.
		h.clock = h.clock.Add(2 * time.Second)
		assert.True(t, h.svc.AcceptRequest(request(true)))

		h.mu.Lock()
		assert.Len(t, h.statuses, 1, "loading is pushed once")
		h.mu.Unlock()
	})

	t.Run("rejects without a staged entry", func(t *testing.T) {
		h := newHarness(t)
		assert.False(t, h.svc.AcceptRequest(request(true)))
	})
}

func TestNetworkLifecycle(t *testing.T) {
	stageAndLoad := func(t *testing.T, h *harness) {
		t.Helper()
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)
		require.True(t, h.svc.AcceptRequest(tracker.RequestInfo{
			ID: "r1", TabID: 1, URL: "https://example.com/login", FormData: true,
		}))
	}

	t.Run("idle marks the entry submitted", func(t *testing.T) {
		h := newHarness(t)
		stageAndLoad(t, h)

		h.clock = h.clock.Add(time.Second)
		h.svc.HandleIdle(1, "example.com")

		entry, _ := h.svc.Get(1)
		assert.False(t, entry.Loading)
		assert.True(t, entry.Submit)
		assert.Equal(t, h.clock.UnixMilli(), entry.SubmittedAt)

		h.mu.Lock()
		assert.Equal(t, schemas.FormStatusSubmitted, h.statuses[len(h.statuses)-1].Status)
		h.mu.Unlock()
	})

	t.Run("idle on another domain is ignored", func(t *testing.T) {
		h := newHarness(t)
		stageAndLoad(t, h)
		h.svc.HandleIdle(1, "other.test")
		entry, _ := h.svc.Get(1)
		assert.True(t, entry.Loading)
	})

	t.Run("a failed request rolls the submission back", func(t *testing.T) {
		h := newHarness(t)
		stageAndLoad(t, h)

		h.svc.HandleFailed(tracker.TrackedRequest{ID: "r1", TabID: 1, Domain: "example.com"})

		entry, _ := h.svc.Get(1)
		assert.False(t, entry.Loading)
		assert.False(t, entry.Submit)
		assert.Zero(t, entry.SubmittedAt)

		h.mu.Lock()
		assert.Equal(t, schemas.FormStatusError, h.statuses[len(h.statuses)-1].Status)
		h.mu.Unlock()
	})
}

func TestTabLifecycle(t *testing.T) {
	t.Run("POST navigation forces the submit flag", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", false))
		require.NoError(t, err)

		h.svc.HandleTabLoaded(1, http.MethodPost, "example.com")
		entry, _ := h.svc.Get(1)
		assert.True(t, entry.Submit)
		assert.NotZero(t, entry.SubmittedAt)
	})

	t.Run("GET navigation does not", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", false))
		require.NoError(t, err)

		h.svc.HandleTabLoaded(1, http.MethodGet, "example.com")
		entry, _ := h.svc.Get(1)
		assert.False(t, entry.Submit)
	})

	t.Run("POST on a different domain is ignored", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", false))
		require.NoError(t, err)

		h.svc.HandleTabLoaded(1, http.MethodPost, "other.test")
		entry, _ := h.svc.Get(1)
		assert.False(t, entry.Submit)
	})

	t.Run("closed tabs drop their entry", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Stage(1, loginPayload("example.com", true))
		require.NoError(t, err)

		h.svc.HandleTabGone(1)
		entry, err := h.svc.Get(1)
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
}

func TestClearOnLogout(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Stage(1, loginPayload("example.com", true))
	require.NoError(t, err)
	_, err = h.svc.Stage(2, loginPayload("other.test", true))
	require.NoError(t, err)

	h.svc.Clear()
	for _, tab := range []int64{1, 2} {
		entry, err := h.svc.Get(tab)
		require.NoError(t, err)
		assert.Nil(t, entry)
	}
}
