package schemas

// FormEntryStatus is the lifecycle phase of a tracked form submission.
// A STAGING entry has been observed but not confirmed; a COMMITTED entry
// has been handed to the autosave flow.
type FormEntryStatus string

const (
	FormEntryStaging   FormEntryStatus = "staging"
	FormEntryCommitted FormEntryStatus = "committed"
)

// FormCredentials are the captured field values of a login form.
type FormCredentials struct {
	UserIdentifier string `json:"userIdentifier"`
	Password       string `json:"password"`
}

// Empty reports whether no field carries a value.
func (c FormCredentials) Empty() bool {
	return c.UserIdentifier == "" && c.Password == ""
}

// FormSubmitPayload is what a content script sends when it observes a form
// submission attempt (FORM_ENTRY_STAGE).
type FormSubmitPayload struct {
	Domain    string          `json:"domain"`
	Subdomain string          `json:"subdomain,omitempty"`
	Scheme    string          `json:"scheme,omitempty"`
	FormType  string          `json:"formType"`
	Data      FormCredentials `json:"data"`
	Submit    bool            `json:"submit"`
	Reason    string          `json:"reason,omitempty"`
}

// FormEntry is the serialized snapshot of the per-tab submission record
// returned to clients on stage/commit/request.
type FormEntry struct {
	TabID       int64           `json:"tabId"`
	Status      FormEntryStatus `json:"status"`
	Domain      string          `json:"domain"`
	Subdomain   string          `json:"subdomain,omitempty"`
	Scheme      string          `json:"scheme,omitempty"`
	FormType    string          `json:"formType"`
	Data        FormCredentials `json:"data"`
	Submit      bool            `json:"submit"`
	SubmittedAt int64           `json:"submittedAt,omitempty"`
	Loading     bool            `json:"loading,omitempty"`
}

// Form status values pushed back to the originating tab.
const (
	FormStatusLoading   = "loading"
	FormStatusSubmitted = "submitted"
	FormStatusError     = "error"
)

// FormStatusPayload is pushed to the tab that staged a submission when its
// correlated network activity changes state (FORM_STATUS).
type FormStatusPayload struct {
	FormType string `json:"formType"`
	Status   string `json:"status"`
}

// FormEntryCommitPayload / FormEntryStashPayload carry the caller's reason
// for auditing; the reason never changes behavior.
type FormEntryCommitPayload struct {
	Reason string `json:"reason"`
}

type FormEntryStashPayload struct {
	Reason string `json:"reason"`
}
