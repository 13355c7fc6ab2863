// Package users provides the user command handlers.
package users

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/pkg/logger"
)

type CreateUserCommand struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (CreateUserCommand) DomainCommand() {}

type DeleteUserCommand struct {
	UserID string `json:"userId"`
}

func (DeleteUserCommand) DomainCommand() {}

// Handlers executes user commands.
type Handlers struct {
	log *logger.Logger
}

// NewHandlers creates the user command handlers.
func NewHandlers(log *logger.Logger) *Handlers {
	return &Handlers{log: log}
}

func (h *Handlers) HandleCreateUser(ctx context.Context, cmd CreateUserCommand) (map[string]interface{}, error) {
	if cmd.Username == "" {
		return nil, fmt.Errorf("username is required")
	}
	userID := "u-" + uuid.New().String()[:8]
	h.log.Info("User created",
		zap.String("user_id", userID),
		zap.String("username", cmd.Username),
	)
	return map[string]interface{}{
		"userId":   userID,
		"username": cmd.Username,
	}, nil
}

func (h *Handlers) HandleDeleteUser(ctx context.Context, cmd DeleteUserCommand) (map[string]interface{}, error) {
	if cmd.UserID == "" {
		return nil, fmt.Errorf("userId is required")
	}
	h.log.Info("User deleted", zap.String("user_id", cmd.UserID))
	return map[string]interface{}{"deleted": true}, nil
}
