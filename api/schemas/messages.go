// Package schemas holds the wire-level types shared between the worker and
// every client context. Nothing in here has behavior; these are the shapes
// that cross the message broker boundary.
package schemas

import "encoding/json"

// ClientEndpoint categorizes the context a connection or message comes from.
type ClientEndpoint string

const (
	EndpointContentScript ClientEndpoint = "contentscript"
	EndpointPopup         ClientEndpoint = "popup"
	EndpointPage          ClientEndpoint = "page"
	EndpointRecovery      ClientEndpoint = "recovery"
)

// MessageType is the typed discriminator identifying a message's meaning
// and payload shape. Exactly one handler may be bound per type.
type MessageType string

const (
	MessageAccountFork      MessageType = "ACCOUNT_FORK"
	MessageAccountProbe     MessageType = "ACCOUNT_PROBE"
	MessageAuthCheck        MessageType = "AUTH_CHECK"
	MessageAuthInit         MessageType = "AUTH_INIT"
	MessageAuthUnlock       MessageType = "AUTH_UNLOCK"
	MessageAutosaveRequest  MessageType = "AUTOSAVE_REQUEST"
	MessageFormEntryCommit  MessageType = "FORM_ENTRY_COMMIT"
	MessageFormEntryRequest MessageType = "FORM_ENTRY_REQUEST"
	MessageFormEntryStage   MessageType = "FORM_ENTRY_STAGE"
	MessageFormEntryStash   MessageType = "FORM_ENTRY_STASH"
	MessageFormStatus       MessageType = "FORM_STATUS"
	MessageNotification     MessageType = "NOTIFICATION"
	MessagePing             MessageType = "PING"
	MessagePortForwarding   MessageType = "PORT_FORWARDING"
	MessagePortUnauthorized MessageType = "PORT_UNAUTHORIZED"
	MessageStateChange      MessageType = "WORKER_STATE_CHANGE"
	MessageTabsQuery        MessageType = "TABS_QUERY"
	MessageWorkerReload     MessageType = "WORKER_RELOAD"
	MessageWorkerWakeup     MessageType = "WORKER_WAKEUP"
)

// Message is the envelope for everything crossing the broker, both one-shot
// requests and connection-bound pushes. Payload stays raw until the handler
// for the type decodes it.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Version string          `json:"version,omitempty"`
}

// Sender identifies where a dispatched message came from. External marks
// messages arriving over a cross-extension or website channel, which are
// subject to the broker's allow-list.
type Sender struct {
	Endpoint ClientEndpoint `json:"endpoint"`
	TabID    int64          `json:"tabId"`
	Origin   string         `json:"origin,omitempty"`
	External bool           `json:"external,omitempty"`
}

// Result is the structured response returned for every dispatch. Handlers
// never surface raw errors to a client; the broker folds them into this.
type Result struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Success wraps handler output into an OK result. A nil or unmarshalable
// payload yields a bare {ok: true}.
func Success(data any) Result {
	if data == nil {
		return Result{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Result{OK: true}
	}
	return Result{OK: true, Data: raw}
}

// Failure wraps an error into a structured failure result.
func Failure(err error) Result {
	if err == nil {
		return Result{OK: false, Error: "unknown error"}
	}
	return Result{OK: false, Error: err.Error()}
}

// PortForward asks the worker to relay a payload to a named connection.
type PortForward struct {
	ForwardTo string          `json:"forwardTo"`
	Payload   json.RawMessage `json:"payload"`
}

// Notification is a one-shot, user-visible message pushed to clients.
// Key deduplicates repeats of the same underlying condition.
type Notification struct {
	Key  string `json:"key,omitempty"`
	Type string `json:"type"`
	Text string `json:"text"`
}
