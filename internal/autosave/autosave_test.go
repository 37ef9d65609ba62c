package autosave

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/mocks"
)

func committedEntry(username, password string) schemas.FormEntry {
	return schemas.FormEntry{
		TabID:    1,
		Status:   schemas.FormEntryCommitted,
		Domain:   "example.com",
		FormType: "login",
		Data:     schemas.FormCredentials{UserIdentifier: username, Password: password},
	}
}

func item(id, username, password string) schemas.LoginItem {
	return schemas.LoginItem{
		ItemID: id, ShareID: "share-1", Domain: "example.com",
		Username: username, Password: password,
	}
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown username prompts for a new item", func(t *testing.T) {
		vault := &mocks.MockVaultLookup{}
		vault.On("LoginsForDomain", mock.Anything, "example.com").
			Return([]schemas.LoginItem{item("i1", "alice", "pw")}, nil)

		prompt, err := NewEngine(vault, zap.NewNop()).Evaluate(ctx, committedEntry("bob", "pw2"))
		require.NoError(t, err)
		assert.True(t, prompt.ShouldPrompt)
		assert.Equal(t, schemas.AutosaveNew, prompt.Mode)
		assert.Nil(t, prompt.Candidate)
	})

	t.Run("exact credential match stays quiet", func(t *testing.T) {
		vault := &mocks.MockVaultLookup{}
		vault.On("LoginsForDomain", mock.Anything, "example.com").
			Return([]schemas.LoginItem{
				item("i1", "alice", "old-pw"),
				item("i2", "alice", "current-pw"),
			}, nil)

		prompt, err := NewEngine(vault, zap.NewNop()).Evaluate(ctx, committedEntry("alice", "current-pw"))
		require.NoError(t, err)
		assert.False(t, prompt.ShouldPrompt, "resubmitting known credentials is not worth a prompt")
	})

	t.Run("changed password prompts to update the first match", func(t *testing.T) {
		vault := &mocks.MockVaultLookup{}
		vault.On("LoginsForDomain", mock.Anything, "example.com").
			Return([]schemas.LoginItem{
				item("i1", "bob", "x"),
				item("i2", "alice", "old-pw"),
				item("i3", "alice", "older-pw"),
			}, nil)

		prompt, err := NewEngine(vault, zap.NewNop()).Evaluate(ctx, committedEntry("alice", "new-pw"))
		require.NoError(t, err)
		require.True(t, prompt.ShouldPrompt)
		assert.Equal(t, schemas.AutosaveUpdate, prompt.Mode)
		require.NotNil(t, prompt.Candidate)
		assert.Equal(t, "i2", prompt.Candidate.ItemID)
	})

	t.Run("empty vault prompts for a new item", func(t *testing.T) {
		vault := &mocks.MockVaultLookup{}
		vault.On("LoginsForDomain", mock.Anything, "example.com").
			Return([]schemas.LoginItem{}, nil)

		prompt, err := NewEngine(vault, zap.NewNop()).Evaluate(ctx, committedEntry("alice", "pw"))
		require.NoError(t, err)
		assert.True(t, prompt.ShouldPrompt)
		assert.Equal(t, schemas.AutosaveNew, prompt.Mode)
	})

	t.Run("empty credentials never prompt", func(t *testing.T) {
		vault := &mocks.MockVaultLookup{}
		prompt, err := NewEngine(vault, zap.NewNop()).Evaluate(ctx, committedEntry("", ""))
		require.NoError(t, err)
		assert.False(t, prompt.ShouldPrompt)
		vault.AssertNotCalled(t, "LoginsForDomain", mock.Anything, mock.Anything)
	})

	t.Run("vault failures propagate", func(t *testing.T) {
		vault := &mocks.MockVaultLookup{}
		vault.On("LoginsForDomain", mock.Anything, "example.com").
			Return(nil, errors.New("offline"))

		_, err := NewEngine(vault, zap.NewNop()).Evaluate(ctx, committedEntry("alice", "pw"))
		assert.Error(t, err)
	})

	t.Run("the decision is idempotent", func(t *testing.T) {
		vault := &mocks.MockVaultLookup{}
		vault.On("LoginsForDomain", mock.Anything, "example.com").
			Return([]schemas.LoginItem{item("i1", "alice", "old")}, nil)
		engine := NewEngine(vault, zap.NewNop())

		first, err := engine.Evaluate(ctx, committedEntry("alice", "new"))
		require.NoError(t, err)
		second, err := engine.Evaluate(ctx, committedEntry("alice", "new"))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}
