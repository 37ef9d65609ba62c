package schemas

// AppStatus is the worker-level authentication state observable by clients.
type AppStatus string

const (
	StatusUnauthorized   AppStatus = "unauthorized"
	StatusResuming       AppStatus = "resuming"
	StatusAuthorized     AppStatus = "authorized"
	StatusResumingFailed AppStatus = "resuming-failed"
	StatusLocked         AppStatus = "locked"
)

// Ready reports whether the worker is fully usable by clients. Only an
// authorized worker may stage, commit or autofill.
func (s AppStatus) Ready() bool { return s == StatusAuthorized }

// LoggedOut reports the states in which no usable session exists.
func (s AppStatus) LoggedOut() bool {
	return s == StatusUnauthorized || s == StatusResumingFailed
}

// AppState is the snapshot returned to clients on wakeup and pushed on
// every status transition.
type AppState struct {
	Status   AppStatus `json:"status"`
	UserID   string    `json:"userId,omitempty"`
	LocalID  int64     `json:"localId,omitempty"`
	Version  string    `json:"version"`
	Criteria string    `json:"criteria,omitempty"`
}

// LockStatus describes the server-side inactivity lock registration.
type LockStatus string

const (
	LockStatusNone       LockStatus = "none"
	LockStatusRegistered LockStatus = "registered"
	LockStatusLocked     LockStatus = "locked"
)

// Lock is the lock registration snapshot: whether one exists, whether it
// has tripped, and the TTL that bounds the next extension alarm.
type Lock struct {
	Status         LockStatus `json:"status"`
	TTL            int64      `json:"ttl,omitempty"`
	LastExtendTime int64      `json:"lastExtendTime,omitempty"`
}

// TabInfo answers a TABS_QUERY for one tab.
type TabInfo struct {
	TabID  int64  `json:"tabId"`
	Domain string `json:"domain,omitempty"`
	URL    string `json:"url,omitempty"`
}
