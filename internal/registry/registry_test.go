package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/registry"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

type CreateAccountCommand struct {
	Owner string `json:"owner"`
}

func (CreateAccountCommand) DomainCommand() {}

type CloseAccountCommand struct {
	AccountID string `json:"accountId"`
}

func (CloseAccountCommand) DomainCommand() {}

type accountHandlers struct {
	created []string
}

func (h *accountHandlers) HandleCreateAccount(ctx context.Context, cmd CreateAccountCommand) (map[string]interface{}, error) {
	h.created = append(h.created, cmd.Owner)
	return map[string]interface{}{"accountId": "acc-1"}, nil
}

func (h *accountHandlers) HandleCloseAccount(ctx context.Context, cmd CloseAccountCommand) (map[string]interface{}, error) {
	return map[string]interface{}{"closed": true}, nil
}

// Helper with a non-handler method shape that discovery must skip.
func (h *accountHandlers) Reset() {}

type competingHandlers struct{}

func (competingHandlers) HandleCreateAccount(ctx context.Context, cmd CreateAccountCommand) (map[string]interface{}, error) {
	return nil, errors.New("should not win")
}

type txHandlers struct{}

func (txHandlers) TransactionalWrapper() {}

func (txHandlers) HandleCreateAccount(ctx context.Context, cmd CreateAccountCommand) (map[string]interface{}, error) {
	return map[string]interface{}{"wrapped": true}, nil
}

func TestRegisterResolve(t *testing.T) {
	reg := registry.New(logger.NewTestLogger())

	require.NoError(t, reg.Register("Ping", func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		return map[string]interface{}{"pong": true}, nil
	}))

	h, err := reg.Resolve("Ping")
	require.NoError(t, err)
	result, err := h(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["pong"])

	_, err = reg.Resolve("Missing")
	assert.ErrorIs(t, err, registry.ErrUnknownCommand)

	err = reg.Register("Ping", func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, registry.ErrDuplicateHandler)
}

func TestDiscover(t *testing.T) {
	reg := registry.New(logger.NewTestLogger())
	component := &accountHandlers{}

	require.NoError(t, reg.Discover(component))

	// Command-type strings are derived by stripping the suffix.
	h, err := reg.Resolve("CreateAccount")
	require.NoError(t, err)
	result, err := h(context.Background(), json.RawMessage(`{"owner":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "acc-1", result["accountId"])
	assert.Equal(t, []string{"alice"}, component.created)

	_, err = reg.Resolve("CloseAccount")
	require.NoError(t, err)

	names := reg.Names()
	assert.Len(t, names, 2)
}

func TestDiscoverAmbiguity(t *testing.T) {
	t.Run("two plain candidates fail startup", func(t *testing.T) {
		reg := registry.New(logger.NewTestLogger())
		err := reg.Discover(&accountHandlers{}, competingHandlers{})
		assert.ErrorIs(t, err, registry.ErrAmbiguousHandler)
	})

	t.Run("transactional wrapper wins", func(t *testing.T) {
		reg := registry.New(logger.NewTestLogger())
		require.NoError(t, reg.Discover(competingHandlers{}, txHandlers{}))

		h, err := reg.Resolve("CreateAccount")
		require.NoError(t, err)
		result, err := h(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, true, result["wrapped"])
	})
}

func TestDiscoverRejectsBadPayload(t *testing.T) {
	reg := registry.New(logger.NewTestLogger())
	require.NoError(t, reg.Discover(&accountHandlers{}))

	h, err := reg.Resolve("CreateAccount")
	require.NoError(t, err)
	_, err = h(context.Background(), json.RawMessage(`not json`))
	assert.Error(t, err)
}
