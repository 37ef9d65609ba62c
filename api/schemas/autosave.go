package schemas

// AutosaveMode is the recommendation computed from a committed submission.
type AutosaveMode string

const (
	AutosaveNew    AutosaveMode = "new"
	AutosaveUpdate AutosaveMode = "update"
)

// LoginItem is the projection of a vault login item the decision engine
// needs: identity plus the credential pair for the match comparison.
type LoginItem struct {
	ItemID   string `json:"itemId"`
	ShareID  string `json:"shareId"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// AutosavePrompt is the outcome of the autosave decision. When ShouldPrompt
// is false the submission matches an existing item exactly and the UI stays
// quiet. In update mode Candidate names the merge target.
type AutosavePrompt struct {
	ShouldPrompt bool         `json:"shouldPrompt"`
	Mode         AutosaveMode `json:"mode,omitempty"`
	Candidate    *LoginItem   `json:"candidate,omitempty"`
}
