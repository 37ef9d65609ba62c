// Package autosave decides whether a committed form submission should
// prompt the user to save or update a vault item.
package autosave

import (
	"context"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
)

// VaultLookup resolves the login items known for a domain.
type VaultLookup interface {
	LoginsForDomain(ctx context.Context, domain string) ([]schemas.LoginItem, error)
}

// Engine computes autosave recommendations. It holds no state of its own;
// the decision is a pure function of the submission and the vault.
type Engine struct {
	vault VaultLookup
	log   *zap.Logger
}

// NewEngine wires the engine against a vault lookup.
func NewEngine(vault VaultLookup, logger *zap.Logger) *Engine {
	return &Engine{vault: vault, log: logger.Named("autosave")}
}

// Evaluate maps a committed submission to a recommendation:
//
//   - no item shares the username: prompt to save a new item
//   - an item matches username and password exactly: stay quiet
//   - items share the username but none the password: prompt to update
//     the first such item
func (e *Engine) Evaluate(ctx context.Context, entry schemas.FormEntry) (schemas.AutosavePrompt, error) {
	creds := entry.Data
	if creds.Empty() {
		return schemas.AutosavePrompt{}, nil
	}

	items, err := e.vault.LoginsForDomain(ctx, entry.Domain)
	if err != nil {
		return schemas.AutosavePrompt{}, err
	}

	var candidate *schemas.LoginItem
	for i := range items {
		if items[i].Username != creds.UserIdentifier {
			continue
		}
		if items[i].Password == creds.Password {
			// Exact match, nothing to save.
			return schemas.AutosavePrompt{}, nil
		}
		if candidate == nil {
			candidate = &items[i]
		}
	}

	if candidate == nil {
		e.log.Debug("recommending new item",
			zap.String("domain", entry.Domain))
		return schemas.AutosavePrompt{ShouldPrompt: true, Mode: schemas.AutosaveNew}, nil
	}

	e.log.Debug("recommending item update",
		zap.String("domain", entry.Domain),
		zap.String("itemId", candidate.ItemID))
	return schemas.AutosavePrompt{
		ShouldPrompt: true,
		Mode:         schemas.AutosaveUpdate,
		Candidate:    candidate,
	}, nil
}
